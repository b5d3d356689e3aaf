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

// Package store defines the persistence contract consumed by the task
// execution core. Backends live in the postgres and badger subpackages and
// must be safe for concurrent use by many runners.
package store

import (
	"context"
	"errors"
	"time"

	"continuumops/src/model"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrReferenced = errors.New("object is referenced")
	ErrConflict   = errors.New("conflict")
	ErrIO         = errors.New("store i/o")
)

type Store interface {
	CreateProject(ctx context.Context, project model.Project) (model.Project, error)
	GetProject(ctx context.Context, projectID int) (model.Project, error)
	GetProjects(ctx context.Context) ([]model.Project, error)

	CreateUser(ctx context.Context, user model.User) (model.User, error)
	GetUser(ctx context.Context, userID int) (model.User, error)

	CreateAccessKey(ctx context.Context, key model.AccessKey) (model.AccessKey, error)
	GetAccessKey(ctx context.Context, projectID int, keyID int) (model.AccessKey, error)
	DeleteAccessKey(ctx context.Context, projectID int, keyID int) error
	// IsAccessKeyReferenced reports whether any inventory, repository or
	// template vault of the project still names the key.
	IsAccessKeyReferenced(ctx context.Context, projectID int, keyID int) (bool, error)

	CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error)
	GetRepository(ctx context.Context, projectID int, repoID int) (model.Repository, error)

	CreateInventory(ctx context.Context, inv model.Inventory) (model.Inventory, error)
	GetInventory(ctx context.Context, projectID int, invID int) (model.Inventory, error)

	CreateEnvironment(ctx context.Context, env model.Environment) (model.Environment, error)
	GetEnvironment(ctx context.Context, projectID int, envID int) (model.Environment, error)

	CreateTemplate(ctx context.Context, tpl model.Template) (model.Template, error)
	GetTemplate(ctx context.Context, projectID int, templateID int) (model.Template, error)

	CreateTask(ctx context.Context, task model.Task) (model.Task, error)
	GetTask(ctx context.Context, projectID int, taskID int) (model.Task, error)
	// GetTasksByStatus returns matching tasks across projects ordered by id.
	GetTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error)
	// GetLastBuildTask returns the newest task of the template that carries
	// a version, or ErrNotFound.
	GetLastBuildTask(ctx context.Context, projectID int, templateID int) (model.Task, error)
	UpdateTaskStatus(ctx context.Context, projectID int, taskID int, status model.TaskStatus, start *time.Time, end *time.Time) error
	UpdateTaskCommit(ctx context.Context, projectID int, taskID int, hash string, message string) error
	UpdateTaskVersion(ctx context.Context, projectID int, taskID int, version string) error

	CreateTaskOutput(ctx context.Context, output model.TaskOutput) (model.TaskOutput, error)
	// CreateTaskOutputs persists a batch in slice order.
	CreateTaskOutputs(ctx context.Context, outputs []model.TaskOutput) error
	GetTaskOutputs(ctx context.Context, projectID int, taskID int, params model.RetrieveQueryParams) ([]model.TaskOutput, error)

	CreateTaskStage(ctx context.Context, stage model.TaskStage) (model.TaskStage, error)
	EndTaskStage(ctx context.Context, taskID int, stageID int, end time.Time) error
	GetTaskStages(ctx context.Context, projectID int, taskID int) ([]model.TaskStage, error)

	CreateEvent(ctx context.Context, event model.Event) (model.Event, error)
	GetEvents(ctx context.Context, projectID int, params model.RetrieveQueryParams) ([]model.Event, error)

	Close() error
}

// Notifier is implemented by backends that can signal task inserts made by
// other processes.
type Notifier interface {
	Notifications() <-chan struct{}
}

// Window applies params to a slice already in storage order.
func Window[T any](items []T, params model.RetrieveQueryParams) []T {
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.Offset >= len(items) {
		return []T{}
	}
	items = items[params.Offset:]
	if params.Count > 0 && params.Count < len(items) {
		items = items[:params.Count]
	}
	return items
}
