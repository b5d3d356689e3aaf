// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package apps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"continuumops/src/fault"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	ready chan struct{}
	once  sync.Once
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{ready: make(chan struct{})}
}

func (r *lineRecorder) add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	r.once.Do(func() { close(r.ready) })
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func shCommand(script string) Command {
	return Command{Argv: []string{"/bin/sh", "-c", script}, Env: []string{"PATH=" + os.Getenv("PATH")}}
}

func TestLocalBackendStreamsLines(t *testing.T) {
	rec := newLineRecorder()
	var child Child
	code, err := NewLocalBackend(time.Second).Run(context.Background(),
		shCommand("echo one; echo two >&2; printf 'three'"),
		rec.add, func(c Child) { child = c })

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Positive(t, child.PID)
	assert.Equal(t, []string{"one", "two", "three"}, rec.snapshot())
}

func TestLocalBackendExitCode(t *testing.T) {
	code, err := NewLocalBackend(time.Second).Run(context.Background(), shCommand("exit 3"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalBackendRunsInDir(t *testing.T) {
	dir := t.TempDir()
	cmd := shCommand("pwd")
	cmd.Dir = dir
	rec := newLineRecorder()
	_, err := NewLocalBackend(time.Second).Run(context.Background(), cmd, rec.add, nil)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{dir, resolved}, rec.snapshot()[0])
}

func TestLocalBackendSpawnFailure(t *testing.T) {
	_, err := NewLocalBackend(time.Second).Run(context.Background(),
		Command{Argv: []string{"/nonexistent/continuum-tool"}}, nil, nil)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestLocalBackendCancelKillsProcessGroup(t *testing.T) {
	rec := newLineRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewLocalBackend(5*time.Second).Run(ctx,
			shCommand("sleep 60 & echo $!; wait"), rec.add, nil)
		done <- err
	}()

	select {
	case <-rec.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("child never printed its pid")
	}
	grandchild, err := strconv.Atoi(rec.snapshot()[0])
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the child")
	}

	assert.Eventually(t, func() bool {
		return errors.Is(unix.Kill(grandchild, 0), unix.ESRCH)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalBackendEscalatesToKill(t *testing.T) {
	rec := newLineRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewLocalBackend(200*time.Millisecond).Run(ctx,
			shCommand("trap '' TERM; echo ready; sleep 60"), rec.add, nil)
		done <- err
	}()

	<-rec.ready
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("SIGKILL escalation did not happen")
	}
}
