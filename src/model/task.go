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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

// Wire-stable status vocabulary.
const (
	TaskWaitingStatus  TaskStatus = "waiting"
	TaskStartingStatus TaskStatus = "starting"
	TaskRunningStatus  TaskStatus = "running"
	TaskSuccessStatus  TaskStatus = "success"
	TaskFailStatus     TaskStatus = "error"
	TaskStoppedStatus  TaskStatus = "stopped"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

var transitions = map[TaskStatus][]TaskStatus{
	TaskWaitingStatus:  {TaskStartingStatus, TaskStoppedStatus},
	TaskStartingStatus: {TaskRunningStatus, TaskFailStatus, TaskStoppedStatus},
	TaskRunningStatus:  {TaskSuccessStatus, TaskFailStatus, TaskStoppedStatus},
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskWaitingStatus, TaskStartingStatus, TaskRunningStatus,
		TaskSuccessStatus, TaskFailStatus, TaskStoppedStatus:
		return true
	}
	return false
}

// IsFinished reports whether s is terminal.
func (s TaskStatus) IsFinished() bool {
	return s == TaskSuccessStatus || s == TaskFailStatus || s == TaskStoppedStatus
}

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new status.
func Transition(from, to TaskStatus) (TaskStatus, error) {
	if !from.CanTransition(to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

type Task struct {
	ID         int        `json:"id"`
	TemplateID int        `json:"template_id"`
	ProjectID  int        `json:"project_id"`
	Status     TaskStatus `json:"status"`
	Message    string     `json:"message,omitempty"`

	Created time.Time  `json:"created"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`

	InventoryID   *int `json:"inventory_id,omitempty"`
	EnvironmentID *int `json:"environment_id,omitempty"`
	// Arguments is a JSON array, or a JSON object keyed by stage for
	// terraform-family templates.
	Arguments *string `json:"arguments,omitempty"`
	GitBranch *string `json:"git_branch,omitempty"`

	UserID        *int `json:"user_id,omitempty"`
	ScheduleID    *int `json:"schedule_id,omitempty"`
	IntegrationID *int `json:"integration_id,omitempty"`
	BuildTaskID   *int `json:"build_task_id,omitempty"`

	CommitHash    *string `json:"commit_hash,omitempty"`
	CommitMessage string  `json:"commit_message,omitempty"`
	Version       *string `json:"version,omitempty"`

	// Secret holds survey secret vars as a JSON object. It is merged into
	// the extra vars and never persisted in task output.
	Secret string `json:"-"`

	Params json.RawMessage `json:"params,omitempty"`
}

// ExtractParams decodes the per-app params into target.
func (t *Task) ExtractParams(target any) error {
	if len(t.Params) == 0 {
		return nil
	}
	return json.Unmarshal(t.Params, target)
}

func (t *Task) SetParams(params any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	t.Params = b
	return nil
}

// Validate checks the timestamp invariants.
func (t *Task) Validate() error {
	if !t.Status.IsValid() {
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	if t.Start != nil && t.End != nil && t.End.Before(*t.Start) {
		return errors.New("task ended before it started")
	}
	if t.Status.IsFinished() != (t.End != nil) {
		return fmt.Errorf("task status %s inconsistent with end time", t.Status)
	}
	return nil
}

func (t *Task) GetURL(publicURL string) string {
	return fmt.Sprintf("%s/project/%d/templates/%d?t=%d", publicURL, t.ProjectID, t.TemplateID, t.ID)
}

type TaskStageType string

const (
	TaskStageInit   TaskStageType = "init"
	TaskStagePlan   TaskStageType = "plan"
	TaskStageRun    TaskStageType = "run"
	TaskStageReport TaskStageType = "report"
)

type TaskStage struct {
	ID     int           `json:"id"`
	TaskID int           `json:"task_id"`
	Type   TaskStageType `json:"type"`
	Start  time.Time     `json:"start"`
	End    *time.Time    `json:"end,omitempty"`
}

type TaskOutput struct {
	ID      int       `json:"id"`
	TaskID  int       `json:"task_id"`
	StageID *int      `json:"stage_id,omitempty"`
	Time    time.Time `json:"time"`
	Output  string    `json:"output"`
}

// RetrieveQueryParams selects a window of an ordered collection.
type RetrieveQueryParams struct {
	Offset int
	Count  int
}

type EventObjectType string

const (
	EventTask        EventObjectType = "task"
	EventAccessKey   EventObjectType = "access_key"
	EventTemplate    EventObjectType = "template"
	EventRepository  EventObjectType = "repository"
	EventInventory   EventObjectType = "inventory"
	EventEnvironment EventObjectType = "environment"
)

const EventKindTaskFinished = "task_finished"

type Event struct {
	ID          int             `json:"id"`
	ProjectID   *int            `json:"project_id,omitempty"`
	UserID      *int            `json:"user_id,omitempty"`
	ObjectType  EventObjectType `json:"object_type"`
	ObjectID    *int            `json:"object_id,omitempty"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Created     time.Time       `json:"created"`
}
