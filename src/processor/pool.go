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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"continuumops/src/logging"
	"continuumops/src/model"
	"continuumops/src/tasklog"
)

var (
	ErrShutdown      = errors.New("task pool is shut down")
	ErrTaskNotFound  = errors.New("task is neither queued nor running")
	ErrAlreadyQueued = errors.New("task is already queued or running")
	ErrTaskFinished  = errors.New("task already finished in this process")
)

// TaskPool admits the tasks of one project in FIFO order while fewer than
// the project's cap are running.
type TaskPool struct {
	svc    *Services
	logger *slog.Logger

	mu       sync.Mutex
	project  model.Project
	queue    []*TaskRunner
	running  map[int]*TaskRunner
	finished map[int]struct{}
	shutdown bool
	started  bool

	kick     chan struct{}
	reapKick chan struct{}

	// runners outlive the loop so shutdown can cancel them explicitly
	runCtx    context.Context
	runCancel context.CancelFunc
	loopStop  context.CancelFunc
	loopDone  chan struct{}
	alerts    sync.WaitGroup
}

func NewTaskPool(project model.Project, svc *Services) *TaskPool {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &TaskPool{
		svc:       svc,
		logger:    logging.Logger().With(slog.Int("project_id", project.ID)),
		project:   project,
		running:   map[int]*TaskRunner{},
		finished:  map[int]struct{}{},
		kick:      make(chan struct{}, 1),
		reapKick:  make(chan struct{}, 1),
		runCtx:    runCtx,
		runCancel: runCancel,
		loopDone:  make(chan struct{}),
	}
}

// Start runs the queue and reaper ticks until Shutdown.
func (p *TaskPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.shutdown {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.loopStop = cancel
	go p.loop(ctx)
}

func (p *TaskPool) loop(ctx context.Context) {
	defer close(p.loopDone)
	queueTick := time.NewTicker(p.svc.Config.Pool.QueueTick)
	defer queueTick.Stop()
	reaperTick := time.NewTicker(p.svc.Config.Pool.ReaperTick)
	defer reaperTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTick.C:
			p.admit()
		case <-p.kick:
			p.admit()
		case <-reaperTick.C:
			p.reap()
		case <-p.reapKick:
			p.reap()
		}
	}
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SetProject refreshes the project record, and with it the cap.
func (p *TaskPool) SetProject(project model.Project) {
	p.mu.Lock()
	p.project = project
	p.mu.Unlock()
	poke(p.kick)
}

// capacityLocked is the project cap, or the process-wide cap when the
// project has none. Zero admits nothing.
func (p *TaskPool) capacityLocked() int {
	if p.project.MaxParallelTasks != nil {
		return *p.project.MaxParallelTasks
	}
	return p.svc.Config.Pool.MaxParallelTasks
}

// Enqueue appends a waiting task to the queue.
func (p *TaskPool) Enqueue(task model.Task) (*TaskRunner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, ErrShutdown
	}
	if task.ProjectID != p.project.ID {
		return nil, fmt.Errorf("task %d belongs to project %d, not %d", task.ID, task.ProjectID, p.project.ID)
	}
	if r := p.findLocked(task.ID); r != nil {
		return r, ErrAlreadyQueued
	}
	// a stale waiting snapshot of a task this pool already finished
	if _, ok := p.finished[task.ID]; ok {
		return nil, ErrTaskFinished
	}
	r := newTaskRunner(task, p.svc)
	p.queue = append(p.queue, r)
	poke(p.kick)
	return r, nil
}

func (p *TaskPool) findLocked(taskID int) *TaskRunner {
	if r, ok := p.running[taskID]; ok {
		return r
	}
	for _, r := range p.queue {
		if r.task.ID == taskID {
			return r
		}
	}
	return nil
}

// Runner returns the runner of a queued or running task.
func (p *TaskPool) Runner(taskID int) (*TaskRunner, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.findLocked(taskID)
	return r, r != nil
}

// Cancel stops a task. A queued task becomes stopped before Cancel
// returns and never spawns a child; a running one is signalled.
func (p *TaskPool) Cancel(taskID int) error {
	p.mu.Lock()
	r, ok := p.running[taskID]
	if ok {
		p.mu.Unlock()
		r.Cancel()
		return nil
	}
	for _, q := range p.queue {
		if q.task.ID == taskID {
			r = q
			break
		}
	}
	p.mu.Unlock()
	if r == nil {
		return ErrTaskNotFound
	}

	if !r.stopWaiting() {
		// admitted in the meantime
		r.Cancel()
		return nil
	}
	p.mu.Lock()
	p.removeQueuedLocked(r)
	p.finished[taskID] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *TaskPool) removeQueuedLocked(r *TaskRunner) {
	for i, q := range p.queue {
		if q == r {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// Size is the number of queued plus running tasks.
func (p *TaskPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + len(p.running)
}

// Counts reports queued and running tasks separately.
func (p *TaskPool) Counts() (queued, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), len(p.running)
}

// SubscribeStatus registers l on a queued or running task.
func (p *TaskPool) SubscribeStatus(taskID int, l StatusListener) error {
	r, ok := p.Runner(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	r.AddStatusListener(l)
	return nil
}

// SubscribeLogs attaches to the live frames of a queued or running task.
func (p *TaskPool) SubscribeLogs(taskID int) (*tasklog.Subscription, error) {
	r, ok := p.Runner(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return r.Subscribe(), nil
}

// admit starts as many queued tasks as the cap allows.
func (p *TaskPool) admit() {
	p.mu.Lock()
	var admitted []*TaskRunner
	for !p.shutdown && len(p.queue) > 0 && len(p.running) < p.capacityLocked() {
		r := p.queue[0]
		p.queue = p.queue[1:]
		p.running[r.task.ID] = r
		admitted = append(admitted, r)
	}
	p.mu.Unlock()

	for _, r := range admitted {
		p.logger.Info(fmt.Sprintf("Admitting task %d", r.task.ID))
		go func() {
			r.run(p.runCtx)
			poke(p.reapKick)
		}()
	}
}

// reap drops finished runners, sends their alerts and refills the slots.
func (p *TaskPool) reap() {
	p.mu.Lock()
	var finished []*TaskRunner
	for id, r := range p.running {
		select {
		case <-r.Done():
			delete(p.running, id)
			p.finished[id] = struct{}{}
			finished = append(finished, r)
		default:
		}
	}
	p.mu.Unlock()

	for _, r := range finished {
		t := r.Task()
		p.logger.Info(fmt.Sprintf("Task %d finished with status %s", t.ID, t.Status), slog.Int("task_id", t.ID))
		p.alert(r)
	}
	if len(finished) > 0 {
		p.admit()
	}
}

func (p *TaskPool) alert(r *TaskRunner) {
	if !p.svc.Alerts.Enabled() {
		return
	}
	p.alerts.Add(1)
	go func() {
		defer p.alerts.Done()
		ctx := context.Background()
		payload, ok := r.alertPayload(ctx)
		if !ok {
			return
		}
		if err := p.svc.Alerts.Dispatch(ctx, payload); err != nil {
			p.logger.Warn("task alert not delivered", slog.Int("task_id", payload.TaskID), slog.String("error", err.Error()))
		}
	}()
}

// Shutdown refuses new tasks, cancels running ones and waits for them to
// reach a terminal status, bounded by the shutdown grace. Queued tasks
// stay waiting in the store.
func (p *TaskPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	queued := p.queue
	p.queue = nil
	running := make([]*TaskRunner, 0, len(p.running))
	for _, r := range p.running {
		running = append(running, r)
	}
	stopLoop := p.loopStop
	p.mu.Unlock()

	for _, r := range queued {
		r.detach()
	}

	if grace := p.svc.Config.Pool.ShutdownGrace; grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range running {
		r.Cancel()
		g.Go(func() error {
			select {
			case <-r.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("task %d did not stop: %w", r.task.ID, gctx.Err())
			}
		})
	}
	err := g.Wait()

	if stopLoop != nil {
		stopLoop()
		<-p.loopDone
	}
	p.reap()
	p.runCancel()

	alertsDone := make(chan struct{})
	go func() {
		p.alerts.Wait()
		close(alertsDone)
	}()
	select {
	case <-alertsDone:
	case <-ctx.Done():
	}
	return err
}
