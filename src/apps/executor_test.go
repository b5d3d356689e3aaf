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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/fault"
	"continuumops/src/model"
)

type scriptedBackend struct {
	outputs map[string][]string
	codes   map[string]int
	ran     []string
}

func (b *scriptedBackend) Run(_ context.Context, c Command, line func(string), started func(Child)) (int, error) {
	name := c.Argv[0]
	b.ran = append(b.ran, name)
	started(Child{PID: 100 + len(b.ran)})
	for _, l := range b.outputs[name] {
		line(l)
	}
	return b.codes[name], nil
}

type recordingObserver struct {
	steps    []string
	lines    []string
	children []Child
}

func (o *recordingObserver) StepStarted(s Step)   { o.steps = append(o.steps, s.Name) }
func (o *recordingObserver) Line(l string)        { o.lines = append(o.lines, l) }
func (o *recordingObserver) ChildStarted(c Child) { o.children = append(o.children, c) }

func TestSpawnRunsStepsInOrder(t *testing.T) {
	b := &scriptedBackend{outputs: map[string][]string{"init": {"initialised"}, "apply": {"applied"}}}
	obs := &recordingObserver{}
	hookRan := false

	res, err := NewExecutor(b, nil, nil).Spawn(context.Background(), Invocation{
		Notes: []string{"note"},
		Steps: []Step{
			{Name: "init", Argv: []string{"init"}},
			{Name: "apply", Argv: []string{"apply"}, After: func() error { hookRan = true; return nil }},
		},
	}, obs)

	require.NoError(t, err)
	assert.Equal(t, []string{"init", "apply"}, b.ran)
	assert.Equal(t, []string{"init", "apply"}, obs.steps)
	assert.Equal(t, []string{"note", "$ init", "initialised", "$ apply", "applied"}, obs.lines)
	assert.Len(t, obs.children, 2)
	assert.Equal(t, "apply", res.FinalStage)
	assert.True(t, hookRan)
}

func TestSpawnStopsOnNonZeroExit(t *testing.T) {
	b := &scriptedBackend{codes: map[string]int{"plan": 2}}
	res, err := NewExecutor(b, nil, nil).Spawn(context.Background(), Invocation{
		Steps: []Step{
			{Name: "plan", Argv: []string{"plan"}},
			{Name: "apply", Argv: []string{"apply"}},
		},
	}, &recordingObserver{})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, fault.KindChildExit, fault.KindOf(err))
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "plan", res.FinalStage)
	assert.Equal(t, []string{"plan"}, b.ran)
}

func TestSpawnToleratesAndSkips(t *testing.T) {
	b := &scriptedBackend{
		codes:   map[string]int{"workspace": 1},
		outputs: map[string][]string{"plan": {"No changes. Your infrastructure matches the configuration."}},
	}
	obs := &recordingObserver{}
	res, err := NewExecutor(b, nil, nil).Spawn(context.Background(), Invocation{
		Steps: []Step{
			{Name: "workspace", Argv: []string{"workspace"}, Tolerate: true},
			{Name: "plan", Argv: []string{"plan"}},
			{Name: "apply", Argv: []string{"apply"}, SkipOnNoChanges: true},
		},
	}, obs)

	require.NoError(t, err)
	assert.True(t, res.NoChanges)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"workspace", "plan"}, b.ran)
	assert.Contains(t, obs.lines, "Plan has no changes, skipping apply.")
}

func TestSpawnRemovesGeneratedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.tf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	_, err := NewExecutor(&scriptedBackend{}, nil, nil).Spawn(context.Background(), Invocation{
		Generated: []string{path},
		Steps:     []Step{{Name: "plan", Argv: []string{"plan"}}},
	}, &recordingObserver{})
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestSpawnRequiresContainerBackendForImages(t *testing.T) {
	_, err := NewExecutor(&scriptedBackend{}, nil, nil).Spawn(context.Background(), Invocation{
		Image: "alpine:3",
		Steps: []Step{{Name: "run", Argv: []string{"run"}}},
	}, &recordingObserver{})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawnTimeout(t *testing.T) {
	obs := &recordingObserver{}
	_, err := NewExecutor(NewLocalBackend(time.Second), nil, nil).Spawn(context.Background(), Invocation{
		Timeout: 200 * time.Millisecond,
		Env:     []string{"PATH=" + os.Getenv("PATH")},
		Steps:   []Step{{Name: "bash", Stage: model.TaskStageRun, Argv: []string{"/bin/sh", "-c", "sleep 30"}}},
	}, obs)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, fault.KindChildExit, fault.KindOf(err))
}

func TestSpawnCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := NewExecutor(NewLocalBackend(time.Second), nil, nil).Spawn(ctx, Invocation{
		Env:   []string{"PATH=" + os.Getenv("PATH")},
		Steps: []Step{{Name: "bash", Argv: []string{"/bin/sh", "-c", "sleep 30"}}},
	}, &recordingObserver{})
	assert.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}
