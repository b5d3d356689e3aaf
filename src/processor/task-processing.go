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
	"strings"
	"time"

	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
)

// InterruptedLine is the last log line of a task found mid-run at boot.
const InterruptedLine = "interrupted by controller restart"

// Run feeds the pools until ctx ends: on every queue tick and on every
// store notification it picks up waiting tasks the pools do not hold yet.
// A nil notifications channel leaves the tick as the only trigger.
func (m *PoolManager) Run(ctx context.Context, notifications <-chan struct{}) {
	ticker := time.NewTicker(m.svc.Config.Pool.QueueTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Log("Pool manager stopped", slog.LevelInfo)
			return
		case <-ticker.C:
			m.refreshProjects(ctx)
			m.ProcessTasks(ctx)
		case <-notifications:
			m.ProcessTasks(ctx)
		}
	}
}

// ProcessTasks enqueues every waiting task in id order, which covers tasks
// inserted by other processes.
func (m *PoolManager) ProcessTasks(ctx context.Context) {
	tasks, err := m.svc.Store.GetTasksByStatus(ctx, model.TaskWaitingStatus)
	if err != nil {
		if ctx.Err() == nil {
			logging.Log(fmt.Sprintf("Error querying waiting tasks: %v", err), slog.LevelError)
			m.svc.Stats.UpdateStats(ctx, 0, 0, 0, 0, 1)
		}
		return
	}
	for _, t := range tasks {
		if _, ok := m.Runner(t.ProjectID, t.ID); ok {
			continue
		}
		if _, err := m.Enqueue(ctx, t); err != nil {
			if errors.Is(err, ErrShutdown) {
				return
			}
			if errors.Is(err, ErrTaskFinished) {
				continue
			}
			logging.Log(fmt.Sprintf("Error enqueuing task %d: %v", t.ID, err), slog.LevelError)
		}
	}
}

// RecoverTasks fails tasks a previous controller left in starting or
// running, then re-enqueues waiting tasks in id order.
func (m *PoolManager) RecoverTasks(ctx context.Context) error {
	stale, err := m.svc.Store.GetTasksByStatus(ctx, model.TaskStartingStatus, model.TaskRunningStatus)
	if err != nil {
		m.svc.Stats.UpdateStats(ctx, 0, 0, 0, 0, 1)
		return fault.Store("recover tasks", err)
	}

	var errs []error
	for _, t := range stale {
		if err := m.failInterrupted(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		logging.Log(fmt.Sprintf("Recovered %d interrupted tasks (marked as error)", len(stale)-len(errs)), slog.LevelInfo)
	}

	m.ProcessTasks(ctx)
	return errors.Join(errs...)
}

func (m *PoolManager) failInterrupted(ctx context.Context, t model.Task) error {
	now := time.Now().UTC()
	db := m.svc.Store
	if _, err := db.CreateTaskOutput(ctx, model.TaskOutput{TaskID: t.ID, Time: now, Output: InterruptedLine}); err != nil {
		return fault.Store(fmt.Sprintf("recover task %d", t.ID), err)
	}
	if err := db.UpdateTaskStatus(ctx, t.ProjectID, t.ID, model.TaskFailStatus, nil, &now); err != nil {
		return fault.Store(fmt.Sprintf("recover task %d", t.ID), err)
	}
	projectID, taskID := t.ProjectID, t.ID
	_, err := db.CreateEvent(ctx, model.Event{
		ProjectID:   &projectID,
		UserID:      t.UserID,
		ObjectType:  model.EventTask,
		ObjectID:    &taskID,
		Kind:        model.EventKindTaskFinished,
		Description: fmt.Sprintf("Task %d (template %d) finished - %s", t.ID, t.TemplateID, strings.ToUpper(string(model.TaskFailStatus))),
		Created:     now,
	})
	if err != nil {
		m.logger.Warn("cannot record recovery event", slog.Int("task_id", t.ID), slog.String("error", err.Error()))
	}
	return nil
}
