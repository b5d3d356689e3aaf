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

// Package tasklog is the output path of one task: lines are redacted,
// persisted in batches and fanned out to live subscribers.
package tasklog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
)

var (
	ErrSlowSubscriber = errors.New("subscriber fell behind and was disconnected")
	ErrClosed         = errors.New("task log is closed")
)

const (
	FrameLog    = "log"
	FrameStatus = "status"
)

// Frame is the live broadcast unit.
type Frame struct {
	Type   string           `json:"type"`
	TaskID int              `json:"task_id"`
	Time   time.Time        `json:"time"`
	Output string           `json:"output,omitempty"`
	Status model.TaskStatus `json:"status,omitempty"`
}

// OutputWriter persists batches of lines.
type OutputWriter interface {
	CreateTaskOutputs(ctx context.Context, outputs []model.TaskOutput) error
}

// Subscription receives frames appended after it was created. C is closed
// when the sink closes or the subscriber is disconnected; Err tells which.
type Subscription struct {
	C <-chan Frame

	ch   chan Frame
	sink *Sink
	id   int

	mu  sync.Mutex
	err error
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.sink.unsubscribe(s.id, nil)
}

// Sink is the log of a single task.
type Sink struct {
	taskID    int
	projectID int
	writer    OutputWriter
	cfg       config.LogConfig
	redactor  *Redactor
	metrics   *logging.Instruments
	logger    *slog.Logger

	mu           sync.Mutex
	pending      []model.TaskOutput
	pendingBytes int
	stageID      *int
	subs         map[int]*Subscription
	nextSub      int
	dropped      int
	persistErr   error
	closed       bool

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func NewSink(projectID, taskID int, w OutputWriter, cfg config.LogConfig, redactor *Redactor, metrics *logging.Instruments) *Sink {
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Sink{
		taskID:    taskID,
		projectID: projectID,
		writer:    w,
		cfg:       cfg,
		redactor:  redactor,
		metrics:   metrics,
		logger:    logging.Logger().With(slog.Int("project_id", projectID), slog.Int("task_id", taskID)),
		subs:      map[int]*Subscription{},
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Redactor returns the redactor applied to every line.
func (s *Sink) Redactor() *Redactor {
	return s.redactor
}

// Start runs the background flusher. Lines appended before Start are
// buffered.
func (s *Sink) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.flushLoop()
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		_ = s.Flush(context.Background())
	}
}

// SetStage tags subsequent lines with stageID. Nil clears it.
func (s *Sink) SetStage(stageID *int) {
	s.mu.Lock()
	s.stageID = stageID
	s.mu.Unlock()
}

func (s *Sink) Write(line string) error {
	return s.Append(time.Now().UTC(), line)
}

// Append redacts line, queues it for persistence and broadcasts it. It
// returns the first persistence error once one happened.
func (s *Sink) Append(at time.Time, line string) error {
	line = s.redactor.Redact(line)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.persistErr != nil {
		err := s.persistErr
		s.mu.Unlock()
		return err
	}
	s.pending = append(s.pending, model.TaskOutput{
		TaskID:  s.taskID,
		StageID: s.stageID,
		Time:    at,
		Output:  line,
	})
	s.pendingBytes += len(line)
	full := s.pendingBytes >= s.cfg.BatchBytes
	s.broadcastLocked(Frame{Type: FrameLog, TaskID: s.taskID, Time: at, Output: line})
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Status broadcasts a status frame. Statuses are persisted on the task
// record, not in the log.
func (s *Sink) Status(status model.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.broadcastLocked(Frame{Type: FrameStatus, TaskID: s.taskID, Time: time.Now().UTC(), Status: status})
}

// broadcastLocked never blocks: a subscriber whose backlog is full is
// disconnected.
func (s *Sink) broadcastLocked(f Frame) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- f:
		default:
			s.dropped++
			s.metrics.BroadcastDropped(context.Background(), 1)
			s.logger.Warn("disconnecting slow log subscriber", slog.Int("subscriber", id), slog.Int("dropped_total", s.dropped))
			s.detachLocked(id, fault.New(fault.KindBackpressure, "broadcast", ErrSlowSubscriber))
		}
	}
}

// Subscribe returns a subscription with the configured backlog.
func (s *Sink) Subscribe() *Subscription {
	backlog := s.cfg.SubscriberBacklog
	if backlog <= 0 {
		backlog = 1024
	}
	ch := make(chan Frame, backlog)
	sub := &Subscription{C: ch, ch: ch, sink: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.err = ErrClosed
		close(ch)
		return sub
	}
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	return sub
}

func (s *Sink) unsubscribe(id int, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(id, reason)
}

func (s *Sink) detachLocked(id int, reason error) {
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	sub.mu.Lock()
	sub.err = reason
	sub.mu.Unlock()
	close(sub.ch)
}

// Dropped is the number of frames that could not be delivered.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush persists buffered lines in order.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.persistErr != nil {
		err := s.persistErr
		s.mu.Unlock()
		return err
	}
	batch := s.pending
	s.pending = nil
	s.pendingBytes = 0
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.writer.CreateTaskOutputs(ctx, batch); err != nil {
		err = fault.Store("persist task output", fmt.Errorf("%d lines lost: %w", len(batch), err))
		s.metrics.StoreFailure(ctx)
		s.logger.Error("cannot persist task output", slog.String("error", err.Error()))
		s.mu.Lock()
		s.persistErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flusher, persists what is left and disconnects all
// subscribers. It returns the persistence error, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.persistErr
		s.mu.Unlock()
		return err
	}
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.stop)
		<-s.done
	}
	err := s.Flush(context.Background())

	s.mu.Lock()
	s.closed = true
	for id := range s.subs {
		s.detachLocked(id, nil)
	}
	s.mu.Unlock()
	return err
}
