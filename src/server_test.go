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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/apps"
	"continuumops/src/config"
	"continuumops/src/credentials"
	"continuumops/src/model"
	"continuumops/src/processor"
	"continuumops/src/store"
	"continuumops/src/store/badger"
	"continuumops/src/tasklog"
	"continuumops/src/workspace"
)

type apiFixture struct {
	srv     *httptest.Server
	db      *badger.Store
	project model.Project
	tpl     model.Template
}

// newAPIFixture serves a project whose cap of zero keeps every task queued.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	sealer, err := store.GenerateAgeSealer()
	require.NoError(t, err)
	db, err := badger.Open(badger.InMemoryConfig(), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	zero := 0
	project, err := db.CreateProject(ctx, model.Project{Name: "api", MaxParallelTasks: &zero})
	require.NoError(t, err)
	repo, err := db.CreateRepository(ctx, model.Repository{ProjectID: project.ID, Name: "repo", GitURL: "/nonexistent", GitBranch: "master"})
	require.NoError(t, err)
	tpl, err := db.CreateTemplate(ctx, model.Template{ProjectID: project.ID, RepositoryID: repo.ID, Name: "deploy", App: model.AppBash, Playbook: "deploy.sh"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.TmpPath = t.TempDir()
	stats := processor.NewStats("api-test")
	manager := processor.NewPoolManager(&processor.Services{
		Store:      db,
		Installer:  credentials.NewInstaller(nil),
		Workspaces: workspace.NewManager(cfg.TmpPath, nil, cfg.Git, nil),
		Apps:       apps.NewRegistry(cfg),
		Executor:   apps.NewExecutor(apps.NewLocalBackend(cfg.Pool.KillGrace), nil, nil),
		Stats:      stats,
		Config:     cfg,
	})
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	srv := httptest.NewServer(NewAPIServer(cfg, db, manager, stats).Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, db: db, project: project, tpl: tpl}
}

func (f *apiFixture) url(format string, args ...any) string {
	return f.srv.URL + fmt.Sprintf(format, args...)
}

func (f *apiFixture) submit(t *testing.T, templateID int) (*http.Response, model.Task) {
	t.Helper()
	body, err := json.Marshal(TaskRequest{TemplateID: templateID, Secret: `{"token":"abc"}`})
	require.NoError(t, err)
	resp, err := http.Post(f.url("/api/projects/%d/tasks", f.project.ID), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var task model.Task
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	}
	return resp, task
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	var st processor.StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/status"), &st))
	assert.Equal(t, "api-test", st.ID)
	assert.Empty(t, st.RunningTasks)
}

func TestSubmitAndStopQueuedTask(t *testing.T) {
	f := newAPIFixture(t)

	resp, task := f.submit(t, f.tpl.ID)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.TaskWaitingStatus, task.Status)
	assert.Empty(t, task.Secret)

	var gs GlobalStats
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/global-status"), &gs))
	require.Len(t, gs.Projects, 1)
	assert.Equal(t, 1, gs.QueuedTasks)
	assert.Equal(t, 0, gs.RunningTasks)

	stopURL := f.url("/api/projects/%d/tasks/%d/stop", f.project.ID, task.ID)
	stop, err := http.Post(stopURL, "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()
	assert.Equal(t, http.StatusAccepted, stop.StatusCode)

	var got model.Task
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/api/projects/%d/tasks/%d", f.project.ID, task.ID), &got))
	assert.Equal(t, model.TaskStoppedStatus, got.Status)
	assert.NotNil(t, got.End)

	var outputs []model.TaskOutput
	require.Equal(t, http.StatusOK, getJSON(t, f.url("/api/projects/%d/tasks/%d/output", f.project.ID, task.ID), &outputs))
	require.NotEmpty(t, outputs)
	assert.Contains(t, outputs[len(outputs)-1].Output, "stopped")

	again, err := http.Post(stopURL, "application/json", nil)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.submit(t, f.tpl.ID+100)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	bad, err := http.Post(f.url("/api/projects/%d/tasks", f.project.ID), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.url("/api/projects/x/tasks/1"), nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.url("/api/projects/%d/tasks/999", f.project.ID), nil))
}

func TestTaskStreamOfStoredTask(t *testing.T) {
	f := newAPIFixture(t)
	resp, task := f.submit(t, f.tpl.ID)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	stop, err := http.Post(f.url("/api/projects/%d/tasks/%d/stop", f.project.ID, task.ID), "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(f.url("/api/ws/projects/%d/tasks/%d", f.project.ID, task.ID), "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "session", hello["type"])
	assert.NotEmpty(t, hello["session_id"])

	var frame tasklog.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, tasklog.FrameStatus, frame.Type)
	assert.Equal(t, model.TaskStoppedStatus, frame.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTaskStreamOfLiveTask(t *testing.T) {
	f := newAPIFixture(t)
	resp, task := f.submit(t, f.tpl.ID)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.url("/api/ws/projects/%d/tasks/%d", f.project.ID, task.ID), "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))

	stop, err := http.Post(f.url("/api/projects/%d/tasks/%d/stop", f.project.ID, task.ID), "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()

	var frames []tasklog.Frame
	for {
		var frame tasklog.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		frames = append(frames, frame)
	}
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, tasklog.FrameStatus, last.Type)
	assert.Equal(t, model.TaskStoppedStatus, last.Status)
}
