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
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
)

// ProjectLoad is the queue state of one project pool.
type ProjectLoad struct {
	ProjectID int `json:"project_id"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
}

// PoolManager owns one TaskPool per project.
type PoolManager struct {
	svc    *Services
	logger *slog.Logger

	mu       sync.Mutex
	pools    map[int]*TaskPool
	shutdown bool
}

func NewPoolManager(svc *Services) *PoolManager {
	return &PoolManager{
		svc:    svc,
		logger: logging.Logger().With(slog.String("component", "pool_manager")),
		pools:  map[int]*TaskPool{},
	}
}

// Pool returns the started pool of a project, creating it on first use.
func (m *PoolManager) Pool(ctx context.Context, projectID int) (*TaskPool, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if p, ok := m.pools[projectID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	project, err := m.svc.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fault.Store("load project", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrShutdown
	}
	if p, ok := m.pools[projectID]; ok {
		return p, nil
	}
	p := NewTaskPool(project, m.svc)
	p.Start()
	m.pools[projectID] = p
	return p, nil
}

func (m *PoolManager) existing(projectID int) (*TaskPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[projectID]
	return p, ok
}

// Enqueue hands a waiting task to its project pool. A task that is
// already queued or running yields its existing runner.
func (m *PoolManager) Enqueue(ctx context.Context, task model.Task) (*TaskRunner, error) {
	if task.Status != "" && task.Status != model.TaskWaitingStatus {
		return nil, fmt.Errorf("%w: cannot enqueue task in status %s", model.ErrInvalidTransition, task.Status)
	}
	p, err := m.Pool(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	r, err := p.Enqueue(task)
	if errors.Is(err, ErrAlreadyQueued) {
		return r, nil
	}
	return r, err
}

// Submit records a new waiting task and enqueues it.
func (m *PoolManager) Submit(ctx context.Context, task model.Task) (model.Task, *TaskRunner, error) {
	if _, err := m.Pool(ctx, task.ProjectID); err != nil {
		return task, nil, err
	}
	task.Status = model.TaskWaitingStatus
	task.Created = time.Now().UTC()
	task.Start, task.End = nil, nil
	created, err := m.svc.Store.CreateTask(ctx, task)
	if err != nil {
		return task, nil, fault.Store("create task", err)
	}
	created.Secret = task.Secret
	r, err := m.Enqueue(ctx, created)
	return created, r, err
}

// Runner finds a queued or running task of this process.
func (m *PoolManager) Runner(projectID, taskID int) (*TaskRunner, bool) {
	p, ok := m.existing(projectID)
	if !ok {
		return nil, false
	}
	return p.Runner(taskID)
}

func (m *PoolManager) Cancel(projectID, taskID int) error {
	p, ok := m.existing(projectID)
	if !ok {
		return ErrTaskNotFound
	}
	return p.Cancel(taskID)
}

// Loads reports every pool, ordered by project id.
func (m *PoolManager) Loads() []ProjectLoad {
	m.mu.Lock()
	pools := make(map[int]*TaskPool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	loads := make([]ProjectLoad, 0, len(pools))
	for id, p := range pools {
		q, r := p.Counts()
		loads = append(loads, ProjectLoad{ProjectID: id, Queued: q, Running: r})
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].ProjectID < loads[j].ProjectID })
	return loads
}

// refreshProjects reloads project records so cap changes apply.
func (m *PoolManager) refreshProjects(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*TaskPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		id := p.project.ID
		p.mu.Unlock()
		project, err := m.svc.Store.GetProject(ctx, id)
		if err != nil {
			m.logger.Warn("cannot refresh project", slog.Int("project_id", id), slog.String("error", err.Error()))
			continue
		}
		p.SetProject(project)
	}
}

// Shutdown shuts every pool down in parallel.
func (m *PoolManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	pools := make([]*TaskPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error { return p.Shutdown(ctx) })
	}
	return g.Wait()
}
