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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"continuumops/src/fault"
)

// drainTimeout bounds how long output is read after the child exits, in
// case a detached grandchild still holds the pipe.
const drainTimeout = 2 * time.Second

// LocalBackend runs commands on the host in their own process group.
// Cancellation sends SIGTERM to the group and SIGKILL after KillGrace.
type LocalBackend struct {
	KillGrace time.Duration
}

func NewLocalBackend(killGrace time.Duration) *LocalBackend {
	return &LocalBackend{KillGrace: killGrace}
}

func (b *LocalBackend) Run(ctx context.Context, c Command, line func(string), started func(Child)) (int, error) {
	if len(c.Argv) == 0 {
		return -1, fault.Config("spawn", fmt.Errorf("%w: empty command", ErrSpawnFailed))
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return -1, fault.New(fault.KindUnknown, "spawn", fmt.Errorf("%w: %v", ErrSpawnFailed, err))
	}
	defer r.Close()

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return -1, fault.Config("spawn "+c.Argv[0], fmt.Errorf("%w: %v", ErrSpawnFailed, err))
	}
	w.Close()
	pid := cmd.Process.Pid
	if started != nil {
		started(Child{PID: pid})
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLines(r, line)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var (
		waitErr    error
		terminated error
	)
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		terminated = ctx.Err()
		waitErr = b.terminate(pid, waitDone)
	}

	_ = r.SetReadDeadline(time.Now().Add(drainTimeout))
	<-readDone

	code := exitCode(waitErr)
	if terminated != nil {
		return code, fmt.Errorf("%w: %w", ErrKilled, terminated)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return code, fault.New(fault.KindUnknown, "wait", waitErr)
	}
	return code, nil
}

// terminate signals the whole process group and escalates to SIGKILL if the
// leader has not exited within the grace period.
func (b *LocalBackend) terminate(pid int, waitDone <-chan error) error {
	_ = unix.Kill(-pid, unix.SIGTERM)
	grace := b.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-waitDone:
		_ = unix.Kill(-pid, unix.SIGKILL)
		return err
	case <-timer.C:
		_ = unix.Kill(-pid, unix.SIGKILL)
		return <-waitDone
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func readLines(r io.Reader, line func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		s, err := br.ReadString('\n')
		if s != "" && line != nil {
			line(strings.TrimRight(s, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}
