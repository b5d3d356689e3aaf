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
	"sort"
	"sync"
	"time"

	"continuumops/src/logging"
	"continuumops/src/model"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	TasksProcessed uint64    `json:"tasks_processed"`
	TasksSucceeded uint64    `json:"tasks_succeeded"`
	TasksFailed    uint64    `json:"tasks_failed"`
	TasksStopped   uint64    `json:"tasks_stopped"`
	StoreFailures  uint64    `json:"store_failures"`
	RunningTasks   []int     `json:"running_tasks"`
}

// Stats tracks what this controller process has done since boot. A nil
// *Stats records nothing.
type Stats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	running        map[int]struct{}
}

func NewStats(id string) *Stats {
	return &Stats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		running: map[int]struct{}{},
	}
}

// TaskStarted marks a task as running in this process.
func (s *Stats) TaskStarted(taskID int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[taskID] = struct{}{}
}

// TaskFinished records the terminal status of a task.
func (s *Stats) TaskFinished(ctx context.Context, taskID int, status model.TaskStatus) {
	if s == nil {
		return
	}
	var success, failed, stopped uint64
	switch status {
	case model.TaskSuccessStatus:
		success = 1
	case model.TaskStoppedStatus:
		stopped = 1
	default:
		failed = 1
	}
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
	s.UpdateStats(ctx, 1, success, failed, stopped, 0)
}

// UpdateStats adds the deltas and mirrors the totals onto the current span.
func (s *Stats) UpdateStats(ctx context.Context, processed, success, failed, stopped, storeFailures uint64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.statusResponse
	r.TasksProcessed += processed
	r.TasksSucceeded += success
	r.TasksFailed += failed
	r.TasksStopped += stopped
	r.StoreFailures += storeFailures

	logging.UpdateSpanValue(ctx, "controller_tasks_total", float64(r.TasksProcessed))
	logging.UpdateSpanValue(ctx, "controller_tasks_succeeded", float64(r.TasksSucceeded))
	logging.UpdateSpanValue(ctx, "controller_tasks_failed", float64(r.TasksFailed))
	if r.TasksProcessed > 0 {
		logging.UpdateSpanValue(ctx, "controller_tasks_error_rate", float64(r.TasksFailed)/float64(r.TasksProcessed))
	}
	logging.UpdateSpanValue(ctx, "controller_store_failures", float64(r.StoreFailures))
}

// GetStats returns the current statistics as a response struct
func (s *Stats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.RunningTasks = make([]int, 0, len(s.running))
	for id := range s.running {
		resp.RunningTasks = append(resp.RunningTasks, id)
	}
	sort.Ints(resp.RunningTasks)
	return resp
}
