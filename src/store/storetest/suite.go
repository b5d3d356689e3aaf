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

// Package storetest holds the behavioural suite every store backend must pass
// plus fixture builders shared by the core packages' tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/model"
	"continuumops/src/store"
)

// Fixture is a minimal project with one bash template.
type Fixture struct {
	Project    model.Project
	Key        model.AccessKey
	Repository model.Repository
	Inventory  model.Inventory
	Env        model.Environment
	Template   model.Template
}

// Seed creates a project with a repository pointing at gitURL and a bash
// template running playbook.
func Seed(t testing.TB, s store.Store, gitURL string, playbook string) Fixture {
	t.Helper()
	ctx := context.Background()

	var f Fixture
	var err error
	f.Project, err = s.CreateProject(ctx, model.Project{Name: "P1"})
	require.NoError(t, err)

	f.Key, err = s.CreateAccessKey(ctx, model.AccessKey{
		ProjectID: &f.Project.ID,
		Name:      "none",
		Type:      model.AccessKeyNone,
	})
	require.NoError(t, err)

	f.Repository, err = s.CreateRepository(ctx, model.Repository{
		ProjectID: f.Project.ID,
		Name:      "repo",
		GitURL:    gitURL,
		GitBranch: "master",
	})
	require.NoError(t, err)

	f.Inventory, err = s.CreateInventory(ctx, model.Inventory{
		ProjectID: f.Project.ID,
		Name:      "localhost",
		Type:      model.InventoryStatic,
		Inventory: "localhost ansible_connection=local",
		SSHKeyID:  &f.Key.ID,
	})
	require.NoError(t, err)

	f.Env, err = s.CreateEnvironment(ctx, model.Environment{
		ProjectID: f.Project.ID,
		Name:      "default",
		JSON:      "{}",
	})
	require.NoError(t, err)

	f.Template, err = s.CreateTemplate(ctx, model.Template{
		ProjectID:    f.Project.ID,
		RepositoryID: f.Repository.ID,
		Name:         "T1",
		App:          model.AppBash,
		Playbook:     playbook,
	})
	require.NoError(t, err)
	return f
}

// Run executes the contract suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("AccessKeySecretRoundTrip", func(t *testing.T) { testAccessKeySecret(t, newStore(t)) })
	t.Run("AccessKeyReferenced", func(t *testing.T) { testAccessKeyReferenced(t, newStore(t)) })
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, newStore(t)) })
	t.Run("TaskTemplateProject", func(t *testing.T) { testTaskTemplateProject(t, newStore(t)) })
	t.Run("TaskOutputsOrdered", func(t *testing.T) { testTaskOutputs(t, newStore(t)) })
	t.Run("ConcurrentOutputs", func(t *testing.T) { testConcurrentOutputs(t, newStore(t)) })
	t.Run("StagesAndEvents", func(t *testing.T) { testStagesAndEvents(t, newStore(t)) })
	t.Run("TasksByStatus", func(t *testing.T) { testTasksByStatus(t, newStore(t)) })
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetProject(ctx, 999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetTemplate(ctx, 1, 999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetTask(ctx, 1, 999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetAccessKey(ctx, 1, 999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteAccessKey(ctx, 1, 999), store.ErrNotFound))
}

func testAccessKeySecret(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, err := s.CreateProject(ctx, model.Project{Name: "keys"})
	require.NoError(t, err)

	created, err := s.CreateAccessKey(ctx, model.AccessKey{
		ProjectID: &p.ID,
		Name:      "deploy",
		Type:      model.AccessKeySSH,
		SSHKey:    model.SSHKey{Login: "root", PrivateKey: "-----BEGIN KEY-----", Passphrase: "pp"},
	})
	require.NoError(t, err)

	got, err := s.GetAccessKey(ctx, p.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", got.SSHKey.Login)
	assert.Equal(t, "-----BEGIN KEY-----", got.SSHKey.PrivateKey)
	assert.Equal(t, "pp", got.SSHKey.Passphrase)

	global, err := s.CreateAccessKey(ctx, model.AccessKey{
		Name:          "global",
		Type:          model.AccessKeyLoginPassword,
		LoginPassword: model.LoginPassword{Login: "u", Password: "p4ss"},
	})
	require.NoError(t, err)
	got, err = s.GetAccessKey(ctx, p.ID, global.ID)
	require.NoError(t, err)
	assert.Equal(t, "p4ss", got.LoginPassword.Password)

	_, err = s.CreateAccessKey(ctx, model.AccessKey{Name: "bad", Type: "pgp"})
	assert.Error(t, err)
}

func testAccessKeyReferenced(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")

	referenced, err := s.IsAccessKeyReferenced(ctx, f.Project.ID, f.Key.ID)
	require.NoError(t, err)
	assert.True(t, referenced)
	assert.True(t, errors.Is(s.DeleteAccessKey(ctx, f.Project.ID, f.Key.ID), store.ErrReferenced))

	free, err := s.CreateAccessKey(ctx, model.AccessKey{ProjectID: &f.Project.ID, Name: "free", Type: model.AccessKeyNone})
	require.NoError(t, err)
	referenced, err = s.IsAccessKeyReferenced(ctx, f.Project.ID, free.ID)
	require.NoError(t, err)
	assert.False(t, referenced)
	require.NoError(t, s.DeleteAccessKey(ctx, f.Project.ID, free.ID))
	_, err = s.GetAccessKey(ctx, f.Project.ID, free.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testTaskLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")

	task, err := s.CreateTask(ctx, model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
	require.NoError(t, err)
	assert.NotZero(t, task.ID)
	assert.Equal(t, model.TaskWaitingStatus, task.Status)

	start := time.Now().UTC()
	require.NoError(t, s.UpdateTaskStatus(ctx, f.Project.ID, task.ID, model.TaskStartingStatus, &start, nil))
	require.NoError(t, s.UpdateTaskCommit(ctx, f.Project.ID, task.ID, "abc123", "initial commit"))
	require.NoError(t, s.UpdateTaskVersion(ctx, f.Project.ID, task.ID, "1.0.0"))
	end := start.Add(time.Second)
	require.NoError(t, s.UpdateTaskStatus(ctx, f.Project.ID, task.ID, model.TaskSuccessStatus, nil, &end))

	got, err := s.GetTask(ctx, f.Project.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccessStatus, got.Status)
	require.NotNil(t, got.Start)
	require.NotNil(t, got.End)
	assert.WithinDuration(t, start, *got.Start, time.Millisecond)
	assert.WithinDuration(t, end, *got.End, time.Millisecond)
	require.NotNil(t, got.CommitHash)
	assert.Equal(t, "abc123", *got.CommitHash)
	assert.Equal(t, "initial commit", got.CommitMessage)
	require.NoError(t, got.Validate())

	last, err := s.GetLastBuildTask(ctx, f.Project.ID, f.Template.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, last.ID)
	require.NotNil(t, last.Version)
	assert.Equal(t, "1.0.0", *last.Version)

	assert.True(t, errors.Is(s.UpdateTaskStatus(ctx, f.Project.ID, 9999, model.TaskFailStatus, nil, &end), store.ErrNotFound))
}

func testTaskTemplateProject(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")
	other, err := s.CreateProject(ctx, model.Project{Name: "other"})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, model.Task{ProjectID: other.ID, TemplateID: f.Template.ID})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testTaskOutputs(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")
	task, err := s.CreateTask(ctx, model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.CreateTaskOutput(ctx, model.TaskOutput{TaskID: task.ID, Time: now, Output: "line 0"})
	require.NoError(t, err)

	var batch []model.TaskOutput
	for i := 1; i < 10; i++ {
		batch = append(batch, model.TaskOutput{TaskID: task.ID, Time: now, Output: fmt.Sprintf("line %d", i)})
	}
	require.NoError(t, s.CreateTaskOutputs(ctx, batch))

	all, err := s.GetTaskOutputs(ctx, f.Project.ID, task.ID, model.RetrieveQueryParams{})
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, o := range all {
		assert.Equal(t, fmt.Sprintf("line %d", i), o.Output)
	}

	window, err := s.GetTaskOutputs(ctx, f.Project.ID, task.ID, model.RetrieveQueryParams{Offset: 3, Count: 4})
	require.NoError(t, err)
	require.Len(t, window, 4)
	assert.Equal(t, "line 3", window[0].Output)
	assert.Equal(t, "line 6", window[3].Output)

	again, err := s.GetTaskOutputs(ctx, f.Project.ID, task.ID, model.RetrieveQueryParams{Offset: 3, Count: 4})
	require.NoError(t, err)
	assert.Equal(t, window, again)
}

func testConcurrentOutputs(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")

	var wg sync.WaitGroup
	tasks := make([]model.Task, 4)
	for i := range tasks {
		task, err := s.CreateTask(ctx, model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
		require.NoError(t, err)
		tasks[i] = task
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(taskID int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.CreateTaskOutput(ctx, model.TaskOutput{TaskID: taskID, Time: time.Now(), Output: fmt.Sprint(i)})
				assert.NoError(t, err)
			}
		}(task.ID)
	}
	wg.Wait()

	for _, task := range tasks {
		out, err := s.GetTaskOutputs(ctx, f.Project.ID, task.ID, model.RetrieveQueryParams{})
		require.NoError(t, err)
		require.Len(t, out, 25)
		for i, o := range out {
			assert.Equal(t, fmt.Sprint(i), o.Output)
		}
	}
}

func testStagesAndEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")
	task, err := s.CreateTask(ctx, model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
	require.NoError(t, err)

	stage, err := s.CreateTaskStage(ctx, model.TaskStage{TaskID: task.ID, Type: model.TaskStageInit, Start: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, s.EndTaskStage(ctx, task.ID, stage.ID, time.Now().UTC()))

	stages, err := s.GetTaskStages(ctx, f.Project.ID, task.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, model.TaskStageInit, stages[0].Type)
	assert.NotNil(t, stages[0].End)

	for i := 0; i < 3; i++ {
		_, err := s.CreateEvent(ctx, model.Event{
			ProjectID:   &f.Project.ID,
			ObjectType:  model.EventTask,
			ObjectID:    &task.ID,
			Kind:        model.EventKindTaskFinished,
			Description: fmt.Sprintf("event %d", i),
		})
		require.NoError(t, err)
	}
	events, err := s.GetEvents(ctx, f.Project.ID, model.RetrieveQueryParams{Count: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "event 2", events[0].Description)
	assert.Equal(t, model.EventKindTaskFinished, events[0].Kind)
}

func testTasksByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := Seed(t, s, "file:///nowhere", "hello.sh")

	var ids []int
	for i := 0; i < 3; i++ {
		task, err := s.CreateTask(ctx, model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	now := time.Now().UTC()
	require.NoError(t, s.UpdateTaskStatus(ctx, f.Project.ID, ids[1], model.TaskRunningStatus, &now, nil))

	waiting, err := s.GetTasksByStatus(ctx, model.TaskWaitingStatus)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, ids[0], waiting[0].ID)
	assert.Equal(t, ids[2], waiting[1].ID)

	active, err := s.GetTasksByStatus(ctx, model.TaskStartingStatus, model.TaskRunningStatus)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[1], active[0].ID)
}
