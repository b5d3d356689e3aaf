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

package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"continuumops/src/model"
)

// Instruments are the controller's task metrics.
type Instruments struct {
	tasksTotal       metric.Float64Counter
	tasksSucceeded   metric.Float64Counter
	tasksFailed      metric.Float64Counter
	tasksStopped     metric.Float64Counter
	broadcastDropped metric.Float64Counter
	alertsFailed     metric.Float64Counter
	storeFailures    metric.Float64Counter
	tasksRunning     metric.Int64UpDownCounter
	taskDuration     metric.Float64Histogram
}

func NewInstruments() (*Instruments, error) {
	var (
		in   Instruments
		errs []error
	)
	counter := func(dst *metric.Float64Counter, name, description string) {
		c, err := InitializeFloatCounter(name, description, "{task}")
		errs = append(errs, err)
		*dst = c
	}
	counter(&in.tasksTotal, "tasks_total", "Tasks admitted by the pool")
	counter(&in.tasksSucceeded, "tasks_succeeded", "Tasks that finished with success")
	counter(&in.tasksFailed, "tasks_failed", "Tasks that finished with error")
	counter(&in.tasksStopped, "tasks_stopped", "Tasks that were cancelled")
	counter(&in.storeFailures, "store_failures", "Store writes that failed during a run")

	var err error
	in.broadcastDropped, err = meter.Float64Counter("task_log_broadcast_dropped",
		metric.WithDescription("Log lines not broadcast to a slow subscriber"),
		metric.WithUnit("{line}"))
	errs = append(errs, err)
	in.alertsFailed, err = meter.Float64Counter("alerts_failed",
		metric.WithDescription("Alert deliveries that failed"),
		metric.WithUnit("{alert}"))
	errs = append(errs, err)
	in.tasksRunning, err = meter.Int64UpDownCounter("tasks_running",
		metric.WithDescription("Runners currently in a non-terminal state"),
		metric.WithUnit("{task}"))
	errs = append(errs, err)
	in.taskDuration, err = meter.Float64Histogram("task_duration_seconds",
		metric.WithDescription("Wall time from start to terminal status"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

func projectAttr(projectID int) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("project_id", projectID))
}

// TaskStarted is recorded on admission.
func (in *Instruments) TaskStarted(ctx context.Context, projectID int) {
	if in == nil {
		return
	}
	in.tasksTotal.Add(ctx, 1, projectAttr(projectID))
	in.tasksRunning.Add(ctx, 1, projectAttr(projectID))
}

// TaskFinished is recorded once per terminal transition.
func (in *Instruments) TaskFinished(ctx context.Context, projectID int, status model.TaskStatus, elapsed time.Duration) {
	if in == nil {
		return
	}
	attrs := projectAttr(projectID)
	in.tasksRunning.Add(ctx, -1, attrs)
	in.taskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.Int("project_id", projectID),
		attribute.String("status", string(status)),
	))
	switch status {
	case model.TaskSuccessStatus:
		in.tasksSucceeded.Add(ctx, 1, attrs)
	case model.TaskFailStatus:
		in.tasksFailed.Add(ctx, 1, attrs)
	case model.TaskStoppedStatus:
		in.tasksStopped.Add(ctx, 1, attrs)
	}
}

func (in *Instruments) BroadcastDropped(ctx context.Context, n int) {
	if in == nil || n <= 0 {
		return
	}
	in.broadcastDropped.Add(ctx, float64(n))
}

func (in *Instruments) AlertFailed(ctx context.Context, channel string) {
	if in == nil {
		return
	}
	in.alertsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

func (in *Instruments) StoreFailure(ctx context.Context) {
	if in == nil {
		return
	}
	in.storeFailures.Add(ctx, 1)
}
