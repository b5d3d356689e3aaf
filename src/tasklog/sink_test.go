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

package tasklog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
	"continuumops/src/store"
	"continuumops/src/store/badger"
)

type memWriter struct {
	mu      sync.Mutex
	batches [][]model.TaskOutput
	fail    error
}

func (w *memWriter) CreateTaskOutputs(_ context.Context, outputs []model.TaskOutput) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.batches = append(w.batches, append([]model.TaskOutput(nil), outputs...))
	return nil
}

func (w *memWriter) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, b := range w.batches {
		for _, o := range b {
			out = append(out, o.Output)
		}
	}
	return out
}

func logConfig() config.LogConfig {
	return config.LogConfig{BatchBytes: 1024, BatchInterval: time.Hour, SubscriberBacklog: 16}
}

func TestRedactorMasksLongestFirst(t *testing.T) {
	r := NewRedactor()
	defer r.Destroy()
	r.Add([]byte("secret"), []byte("supersecretvalue"), []byte("abc"), []byte("secret"))

	assert.Equal(t, "got *****", r.Redact("got supersecretvalue"))
	assert.Equal(t, "a ***** b *****", r.Redact("a secret b secret"))
	assert.Equal(t, "abc stays", r.Redact("abc stays"))

	r.Destroy()
	assert.Equal(t, "secret", r.Redact("secret"))
}

func TestRedactorWipesInput(t *testing.T) {
	r := NewRedactor()
	defer r.Destroy()
	in := []byte("hunter22")
	r.Add(in)
	assert.Equal(t, make([]byte, len(in)), in)
	assert.Equal(t, "pw=*****", r.Redact("pw=hunter22"))
}

func TestSinkFlushesOnBatchSize(t *testing.T) {
	w := &memWriter{}
	cfg := logConfig()
	cfg.BatchBytes = 10
	s := NewSink(1, 7, w, cfg, nil, nil)
	s.Start()
	defer s.Close()

	require.NoError(t, s.Write("0123456789"))
	assert.Eventually(t, func() bool { return len(w.lines()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSinkFlushesOnInterval(t *testing.T) {
	w := &memWriter{}
	cfg := logConfig()
	cfg.BatchInterval = 20 * time.Millisecond
	s := NewSink(1, 7, w, cfg, nil, nil)
	s.Start()
	defer s.Close()

	require.NoError(t, s.Write("short"))
	assert.Eventually(t, func() bool { return len(w.lines()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSinkPersistsInOrderAndRedacts(t *testing.T) {
	w := &memWriter{}
	r := NewRedactor()
	r.Add([]byte("supersecretvalue"))
	s := NewSink(1, 7, w, logConfig(), r, nil)
	sub := s.Subscribe()

	stage := 3
	require.NoError(t, s.Write("first"))
	s.SetStage(&stage)
	require.NoError(t, s.Write("got supersecretvalue"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"first", "got *****"}, w.lines())
	assert.Nil(t, w.batches[0][0].StageID)
	require.NotNil(t, w.batches[0][1].StageID)
	assert.Equal(t, 3, *w.batches[0][1].StageID)

	var frames []Frame
	for f := range sub.C {
		frames = append(frames, f)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, "got *****", frames[1].Output)
	assert.Equal(t, FrameLog, frames[1].Type)
	assert.Equal(t, 7, frames[1].TaskID)
	assert.NoError(t, sub.Err())
}

func TestSubscriberSeesOnlyLaterFramesInOrder(t *testing.T) {
	s := NewSink(1, 9, &memWriter{}, logConfig(), nil, nil)
	require.NoError(t, s.Write("before"))
	sub := s.Subscribe()
	s.Status(model.TaskRunningStatus)
	require.NoError(t, s.Write("a"))
	require.NoError(t, s.Write("b"))
	s.Status(model.TaskSuccessStatus)
	require.NoError(t, s.Close())

	var got []string
	for f := range sub.C {
		if f.Type == FrameStatus {
			got = append(got, "status:"+string(f.Status))
		} else {
			got = append(got, f.Output)
		}
	}
	assert.Equal(t, []string{"status:running", "a", "b", "status:success"}, got)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	w := &memWriter{}
	cfg := logConfig()
	cfg.SubscriberBacklog = 2
	s := NewSink(1, 9, w, cfg, nil, nil)
	slow := s.Subscribe()
	fast := s.Subscribe()

	var fastGot []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range fast.C {
			fastGot = append(fastGot, f.Output)
		}
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(fmt.Sprintf("line %d", i)))
		time.Sleep(10 * time.Millisecond)
	}

	var slowGot []string
	for f := range slow.C {
		slowGot = append(slowGot, f.Output)
	}
	assert.Equal(t, []string{"line 0", "line 1"}, slowGot)
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Equal(t, fault.KindBackpressure, fault.KindOf(slow.Err()))
	assert.Equal(t, 1, s.Dropped())

	require.NoError(t, s.Close())
	<-done
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, fastGot)
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, w.lines())
}

func TestPersistenceFailureIsSticky(t *testing.T) {
	w := &memWriter{fail: errors.New("disk gone")}
	s := NewSink(1, 9, w, logConfig(), nil, nil)

	require.NoError(t, s.Write("x"))
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindStore, fault.KindOf(err))

	assert.Error(t, s.Write("y"))
	assert.Error(t, s.Close())
}

func TestWriteAfterClose(t *testing.T) {
	s := NewSink(1, 9, &memWriter{}, logConfig(), nil, nil)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write("late"), ErrClosed)
	sub := s.Subscribe()
	_, open := <-sub.C
	assert.False(t, open)
}

func TestReplayMatchesBroadcastOrder(t *testing.T) {
	ctx := context.Background()
	sealer, err := store.GenerateAgeSealer()
	require.NoError(t, err)
	db, err := badger.Open(badger.InMemoryConfig(), sealer)
	require.NoError(t, err)
	defer db.Close()

	p, err := db.CreateProject(ctx, model.Project{Name: "p"})
	require.NoError(t, err)
	repo, err := db.CreateRepository(ctx, model.Repository{ProjectID: p.ID, Name: "r", GitURL: "file:///tmp/r"})
	require.NoError(t, err)
	tpl, err := db.CreateTemplate(ctx, model.Template{ProjectID: p.ID, RepositoryID: repo.ID, Name: "t", App: model.AppBash, Playbook: "x.sh"})
	require.NoError(t, err)
	task, err := db.CreateTask(ctx, model.Task{ProjectID: p.ID, TemplateID: tpl.ID})
	require.NoError(t, err)

	cfg := logConfig()
	cfg.BatchBytes = 64
	cfg.BatchInterval = 5 * time.Millisecond
	cfg.SubscriberBacklog = 1024
	s := NewSink(p.ID, task.ID, db, cfg, nil, nil)
	s.Start()
	sub := s.Subscribe()
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Write(fmt.Sprintf("line %03d", i)))
	}
	require.NoError(t, s.Close())

	var broadcast []string
	for f := range sub.C {
		broadcast = append(broadcast, f.Output)
	}
	persisted, err := db.GetTaskOutputs(ctx, p.ID, task.ID, model.RetrieveQueryParams{})
	require.NoError(t, err)
	require.Len(t, persisted, 200)
	for i, o := range persisted {
		assert.Equal(t, broadcast[i], o.Output)
	}
}
