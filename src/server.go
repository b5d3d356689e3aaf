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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
	"continuumops/src/processor"
	"continuumops/src/store"
	"continuumops/src/tasklog"
)

// GlobalStats is the queue state of every project pool of this process.
type GlobalStats struct {
	Projects     []processor.ProjectLoad `json:"projects"`
	QueuedTasks  int                     `json:"queued_tasks"`
	RunningTasks int                     `json:"running_tasks"`
	Processed    uint64                  `json:"tasks_processed"`
	Succeeded    uint64                  `json:"tasks_succeeded"`
	Failed       uint64                  `json:"tasks_failed"`
	Stopped      uint64                  `json:"tasks_stopped"`
}

// TaskRequest is the body of a task submission.
type TaskRequest struct {
	TemplateID    int             `json:"template_id" binding:"required"`
	InventoryID   *int            `json:"inventory_id,omitempty"`
	EnvironmentID *int            `json:"environment_id,omitempty"`
	GitBranch     *string         `json:"git_branch,omitempty"`
	Arguments     *string         `json:"arguments,omitempty"`
	BuildTaskID   *int            `json:"build_task_id,omitempty"`
	UserID        *int            `json:"user_id,omitempty"`
	Secret        string          `json:"secret,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	cfg     config.Config
	store   store.Store
	manager *processor.PoolManager
	stats   *processor.Stats
	logger  *slog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewAPIServer(cfg config.Config, db store.Store, manager *processor.PoolManager, stats *processor.Stats) *APIServer {
	return &APIServer{
		cfg:     cfg,
		store:   db,
		manager: manager,
		stats:   stats,
		logger:  logging.Logger().With(slog.String("component", "api")),
	}
}

// Router wires every endpoint behind the OTel middleware.
func (s *APIServer) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))

	router.GET("/status", s.statusHandler)
	router.GET("/global-status", s.globalStatusHandler)
	router.GET("/metrics", gin.WrapH(logging.MetricsHandler()))

	api := router.Group("/api/projects/:project_id/tasks")
	api.POST("", s.submitTaskHandler)
	api.GET("/:task_id", s.getTaskHandler)
	api.POST("/:task_id/stop", s.stopTaskHandler)
	api.GET("/:task_id/output", s.taskOutputHandler)

	router.GET("/api/ws/projects/:project_id/tasks/:task_id", s.taskStreamHandler)
	return router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *APIServer) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on %s", addr), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(c *gin.Context) {
	gs := GlobalStats{Projects: s.manager.Loads()}
	for _, l := range gs.Projects {
		gs.QueuedTasks += l.Queued
		gs.RunningTasks += l.Running
	}
	st := s.stats.GetStats()
	gs.Processed, gs.Succeeded, gs.Failed, gs.Stopped = st.TasksProcessed, st.TasksSucceeded, st.TasksFailed, st.TasksStopped
	c.JSON(http.StatusOK, gs)
}

func pathInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return v, true
}

// abortWith maps store and fault errors onto status codes.
func (s *APIServer) abortWith(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, processor.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, processor.ErrShutdown):
		code = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidTransition), fault.IsKind(err, fault.KindConfig):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *APIServer) submitTaskHandler(c *gin.Context) {
	projectID, ok := pathInt(c, "project_id")
	if !ok {
		return
	}
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.store.GetTemplate(c.Request.Context(), projectID, req.TemplateID); err != nil {
		s.abortWith(c, err)
		return
	}

	task, _, err := s.manager.Submit(c.Request.Context(), model.Task{
		ProjectID:     projectID,
		TemplateID:    req.TemplateID,
		InventoryID:   req.InventoryID,
		EnvironmentID: req.EnvironmentID,
		GitBranch:     req.GitBranch,
		Arguments:     req.Arguments,
		BuildTaskID:   req.BuildTaskID,
		UserID:        req.UserID,
		Secret:        req.Secret,
		Params:        req.Params,
	})
	if err != nil {
		s.abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *APIServer) getTaskHandler(c *gin.Context) {
	projectID, ok := pathInt(c, "project_id")
	if !ok {
		return
	}
	taskID, ok := pathInt(c, "task_id")
	if !ok {
		return
	}
	if r, ok := s.manager.Runner(projectID, taskID); ok {
		c.JSON(http.StatusOK, r.Task())
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), projectID, taskID)
	if err != nil {
		s.abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *APIServer) stopTaskHandler(c *gin.Context) {
	projectID, ok := pathInt(c, "project_id")
	if !ok {
		return
	}
	taskID, ok := pathInt(c, "task_id")
	if !ok {
		return
	}
	if err := s.manager.Cancel(projectID, taskID); err != nil {
		s.abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *APIServer) taskOutputHandler(c *gin.Context) {
	projectID, ok := pathInt(c, "project_id")
	if !ok {
		return
	}
	taskID, ok := pathInt(c, "task_id")
	if !ok {
		return
	}
	params := model.RetrieveQueryParams{}
	params.Offset, _ = strconv.Atoi(c.Query("offset"))
	params.Count, _ = strconv.Atoi(c.Query("count"))

	outputs, err := s.store.GetTaskOutputs(c.Request.Context(), projectID, taskID, params)
	if err != nil {
		s.abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, outputs)
}

// taskStreamHandler streams the live frames of a queued or running task.
// A task this process does not hold gets its stored status and closes.
func (s *APIServer) taskStreamHandler(c *gin.Context) {
	projectID, ok := pathInt(c, "project_id")
	if !ok {
		return
	}
	taskID, ok := pathInt(c, "task_id")
	if !ok {
		return
	}

	runner, live := s.manager.Runner(projectID, taskID)
	var stored model.Task
	if !live {
		var err error
		if stored, err = s.store.GetTask(c.Request.Context(), projectID, taskID); err != nil {
			s.abortWith(c, err)
			return
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sessionID := uuid.New().String()
	logger := s.logger.With(slog.String("session_id", sessionID), slog.Int("task_id", taskID))
	logger.Debug("task stream opened")

	if err := ws.WriteJSON(gin.H{"type": "session", "session_id": sessionID}); err != nil {
		return
	}
	if !live {
		_ = ws.WriteJSON(tasklog.Frame{Type: tasklog.FrameStatus, TaskID: taskID, Time: time.Now().UTC(), Status: stored.Status})
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	sub := runner.Subscribe()
	defer sub.Close()

	// the client only ever closes
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for f := range sub.C {
		if err := ws.WriteJSON(f); err != nil {
			logger.Debug("task stream client gone", slog.String("error", err.Error()))
			return
		}
	}

	closeCode, reason := websocket.CloseNormalClosure, ""
	if err := sub.Err(); err != nil && fault.IsKind(err, fault.KindBackpressure) {
		closeCode, reason = websocket.ClosePolicyViolation, err.Error()
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
}
