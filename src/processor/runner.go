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

// Package processor drives tasks from waiting to a terminal status: one
// TaskRunner per task, one TaskPool per project and a PoolManager that
// feeds the pools from the store.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"continuumops/src/alert"
	"continuumops/src/apps"
	"continuumops/src/config"
	"continuumops/src/credentials"
	"continuumops/src/fault"
	"continuumops/src/logging"
	"continuumops/src/model"
	"continuumops/src/store"
	"continuumops/src/tasklog"
	"continuumops/src/workspace"
)

const (
	statusRetries = 3
	statusBackoff = 2 * time.Second
)

var errPanic = errors.New("task runner panicked")

// Services are the collaborators shared by every runner.
type Services struct {
	Store      store.Store
	Installer  *credentials.Installer
	Workspaces *workspace.Manager
	Apps       *apps.Registry
	Executor   *apps.Executor
	Alerts     *alert.Dispatcher
	Metrics    *logging.Instruments
	Stats      *Stats
	Config     config.Config
}

// StatusListener observes every status transition of a task. It receives
// a snapshot taken right after the transition.
type StatusListener func(task model.Task)

// TaskRunner drives exactly one task through its lifecycle.
type TaskRunner struct {
	svc    *Services
	sink   *tasklog.Sink
	logger *slog.Logger

	mu        sync.Mutex
	task      model.Task
	template  model.Template
	author    string
	listeners []StatusListener
	cancel    context.CancelFunc
	started   bool
	stopReq   bool

	done chan struct{}
}

func newTaskRunner(task model.Task, svc *Services) *TaskRunner {
	task.Status = model.TaskWaitingStatus
	return &TaskRunner{
		svc:    svc,
		sink:   tasklog.NewSink(task.ProjectID, task.ID, svc.Store, svc.Config.Log, nil, svc.Metrics),
		logger: logging.TaskLogger(task.ProjectID, task.TemplateID, task.ID),
		task:   task,
		done:   make(chan struct{}),
	}
}

// Task returns a snapshot of the task record as the runner sees it.
func (r *TaskRunner) Task() model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

func (r *TaskRunner) Status() model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.Status
}

// Done is closed once the task reached a terminal status.
func (r *TaskRunner) Done() <-chan struct{} {
	return r.done
}

// AddStatusListener registers l. Listeners run in registration order.
func (r *TaskRunner) AddStatusListener(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Subscribe attaches to the live log and status frames.
func (r *TaskRunner) Subscribe() *tasklog.Subscription {
	return r.sink.Subscribe()
}

// Cancel requests the runner to stop. A running child gets SIGTERM and,
// after the kill grace, SIGKILL.
func (r *TaskRunner) Cancel() {
	r.mu.Lock()
	r.stopReq = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *TaskRunner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReq
}

// stopWaiting moves a task that never started to stopped. It reports false
// when the runner already started.
func (r *TaskRunner) stopWaiting() bool {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return false
	}
	r.started = true
	r.stopReq = true
	r.mu.Unlock()

	defer close(r.done)
	end := time.Now().UTC()
	_ = r.sink.Write("Task stopped before it started")
	if err := r.transition(model.TaskStoppedStatus, nil, &end); err != nil {
		r.logger.Error("cannot record stop", slog.String("error", err.Error()))
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Error("cannot persist task log", slog.String("error", err.Error()))
	}
	r.emitEvent(model.TaskStoppedStatus)
	r.svc.Stats.TaskFinished(context.Background(), r.task.ID, model.TaskStoppedStatus)
	return true
}

// detach releases the log of a queued runner that will not run in this
// process.
func (r *TaskRunner) detach() {
	_ = r.sink.Close()
}

// transition validates and applies a status change, persists it and fans
// it out. Only the goroutine driving the task calls it, which keeps the
// transitions of a task totally ordered.
func (r *TaskRunner) transition(to model.TaskStatus, start, end *time.Time) error {
	r.mu.Lock()
	next, err := model.Transition(r.task.Status, to)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.task.Status = next
	if start != nil {
		r.task.Start = start
	}
	if end != nil {
		r.task.End = end
	}
	snapshot := r.task
	listeners := append([]StatusListener(nil), r.listeners...)
	r.mu.Unlock()

	persistErr := r.persistStatus(snapshot, start, end)
	r.sink.Status(next)
	for _, l := range listeners {
		l(snapshot)
	}
	r.logger.Info("task status changed", slog.String("status", string(next)))
	return persistErr
}

// persistStatus retries a few times so a store hiccup does not leave the
// task record behind the runner.
func (r *TaskRunner) persistStatus(t model.Task, start, end *time.Time) error {
	var err error
	for i := 0; i < statusRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = r.svc.Store.UpdateTaskStatus(ctx, t.ProjectID, t.ID, t.Status, start, end)
		cancel()
		if err == nil {
			return nil
		}
		r.logger.Warn(fmt.Sprintf("Attempt %d/%d to record status %s failed: %v", i+1, statusRetries, t.Status, err))
		if i < statusRetries-1 {
			time.Sleep(statusBackoff)
		}
	}
	r.svc.Metrics.StoreFailure(context.Background())
	r.svc.Stats.UpdateStats(context.Background(), 0, 0, 0, 0, 1)
	return fault.Store("update task status", err)
}

// resources are the records a run needs, loaded once in starting.
type resources struct {
	project     model.Project
	template    model.Template
	repository  model.Repository
	inventory   *model.Inventory
	environment *model.Environment
	buildTask   *model.Task
}

// scratch is everything a run allocates that must be released whatever the
// outcome.
type scratch struct {
	tmpDir   string
	installs credentials.Set
}

func (s *scratch) release(logger *slog.Logger) {
	s.installs.Destroy()
	s.installs = nil
	if s.tmpDir != "" {
		if err := os.RemoveAll(s.tmpDir); err != nil {
			logger.Warn("cannot remove task directory", slog.String("path", s.tmpDir), slog.String("error", err.Error()))
		}
	}
}

// run drives the task to a terminal status. It must be called at most once.
func (r *TaskRunner) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.cancel = cancel
	stop := r.stopReq
	projectID, taskID := r.task.ProjectID, r.task.ID
	r.mu.Unlock()
	defer close(r.done)
	if stop {
		cancel()
	}

	ctx, span := logging.Tracer().Start(ctx, "task.run", trace.WithAttributes(
		attribute.Int("project_id", projectID),
		attribute.Int("task_id", taskID),
	))
	defer span.End()

	began := time.Now()
	r.svc.Metrics.TaskStarted(ctx, projectID)
	r.svc.Stats.TaskStarted(taskID)
	r.sink.Start()

	var work scratch
	exitCode, err := r.execute(ctx, &work)
	work.release(r.logger)

	status, final := r.outcome(exitCode, err)
	if err != nil {
		r.logger.Warn("task did not succeed", slog.String("status", string(status)), slog.String("error", err.Error()))
		span.RecordError(err)
	}
	_ = r.sink.Write(final)
	if flushErr := r.sink.Flush(context.Background()); flushErr != nil && status == model.TaskSuccessStatus {
		status = model.TaskFailStatus
	}

	end := time.Now().UTC()
	if err := r.transition(status, nil, &end); err != nil {
		r.logger.Error("cannot record terminal status", slog.String("error", err.Error()))
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Error("task log incomplete", slog.String("error", err.Error()))
	}

	r.emitEvent(status)
	r.svc.Metrics.TaskFinished(ctx, projectID, status, time.Since(began))
	r.svc.Stats.TaskFinished(ctx, taskID, status)
	if status == model.TaskSuccessStatus {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(status))
	}
}

func (r *TaskRunner) outcome(exitCode int, err error) (model.TaskStatus, string) {
	switch {
	case err == nil:
		return model.TaskSuccessStatus, fmt.Sprintf("Task finished with exit code %d", exitCode)
	case r.stopRequested() || fault.IsKind(err, fault.KindCancelled):
		return model.TaskStoppedStatus, "Task stopped"
	}
	return model.TaskFailStatus, "Task failed: " + err.Error()
}

// execute performs the starting steps and the child run. A panic is turned
// into an error.
func (r *TaskRunner) execute(ctx context.Context, work *scratch) (exitCode int, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task runner panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			err = fault.New(fault.KindUnknown, "run task", fmt.Errorf("%w: %v", errPanic, p))
		}
	}()

	start := time.Now().UTC()
	if err := r.transition(model.TaskStartingStatus, &start, nil); err != nil {
		return 0, err
	}

	res, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	if err := checkpoint(ctx, "load"); err != nil {
		return 0, err
	}

	if work.tmpDir, err = r.makeTmpDir(); err != nil {
		return 0, err
	}

	creds, err := r.materialise(ctx, res, work)
	if err != nil {
		return 0, err
	}
	if err := checkpoint(ctx, "install credentials"); err != nil {
		return 0, err
	}

	ws, err := r.prepareWorkspace(ctx, res, work)
	if err != nil {
		return 0, err
	}
	if err := checkpoint(ctx, "prepare workspace"); err != nil {
		return 0, err
	}

	if err := r.assignVersion(ctx, res); err != nil {
		return 0, err
	}

	inputs := apps.Inputs{
		Task:        r.Task(),
		Template:    res.template,
		Repository:  res.repository,
		Inventory:   res.inventory,
		Environment: res.environment,
		WorkDir:     ws.Path,
		TmpDir:      work.tmpDir,
		Username:    r.author,
		Credentials: creds,
	}
	if res.buildTask != nil {
		inputs.IncomingVersion = res.buildTask.Version
		inputs.BuildWorkspace = r.svc.Workspaces.Path(res.buildTask.ProjectID, res.buildTask.TemplateID)
	}
	inv, err := r.svc.Apps.BuildInvocation(inputs)
	if err != nil {
		return 0, err
	}
	if err := checkpoint(ctx, "spawn"); err != nil {
		return 0, err
	}

	if err := r.transition(model.TaskRunningStatus, nil, nil); err != nil {
		return 0, err
	}
	obs := newStageObserver(ctx, r)
	result, err := r.svc.Executor.Spawn(ctx, inv, obs)
	obs.finish()
	if err != nil {
		return result.ExitCode, err
	}
	return result.ExitCode, obs.err()
}

func checkpoint(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fault.Cancelled(op, err)
	}
	return nil
}

func (r *TaskRunner) load(ctx context.Context) (resources, error) {
	t := r.Task()
	db := r.svc.Store
	var res resources
	var err error

	if res.project, err = db.GetProject(ctx, t.ProjectID); err != nil {
		return res, fault.Store("load project", err)
	}
	if res.template, err = db.GetTemplate(ctx, t.ProjectID, t.TemplateID); err != nil {
		return res, fault.Store("load template", err)
	}
	r.mu.Lock()
	r.template = res.template
	r.mu.Unlock()
	if res.repository, err = db.GetRepository(ctx, t.ProjectID, res.template.RepositoryID); err != nil {
		return res, fault.Store("load repository", err)
	}

	invID := t.InventoryID
	if invID == nil {
		invID = res.template.InventoryID
	}
	if invID != nil {
		inv, err := db.GetInventory(ctx, t.ProjectID, *invID)
		if err != nil {
			return res, fault.Store("load inventory", err)
		}
		res.inventory = &inv
	}

	envID := t.EnvironmentID
	if envID == nil {
		envID = res.template.EnvironmentID
	}
	if envID != nil {
		env, err := db.GetEnvironment(ctx, t.ProjectID, *envID)
		if err != nil {
			return res, fault.Store("load environment", err)
		}
		res.environment = &env
	}

	if t.BuildTaskID != nil {
		build, err := db.GetTask(ctx, t.ProjectID, *t.BuildTaskID)
		if err != nil {
			return res, fault.Store("load build task", err)
		}
		res.buildTask = &build
	}

	if t.UserID != nil {
		user, err := db.GetUser(ctx, *t.UserID)
		switch {
		case err == nil:
			r.mu.Lock()
			r.author = user.Username
			r.mu.Unlock()
		case errors.Is(err, store.ErrNotFound):
		default:
			return res, fault.Store("load user", err)
		}
	}
	return res, nil
}

// TmpDir is the per-task scratch directory.
func TmpDir(root string, projectID, taskID int) string {
	return filepath.Join(root, fmt.Sprintf("project_%d", projectID), fmt.Sprintf("task_%d", taskID))
}

func (r *TaskRunner) makeTmpDir() (string, error) {
	t := r.Task()
	dir := TmpDir(r.svc.Config.TmpPath, t.ProjectID, t.ID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fault.New(fault.KindUnknown, "clear task directory", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fault.New(fault.KindUnknown, "create task directory", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", fault.New(fault.KindUnknown, "create task directory", err)
	}
	return dir, nil
}

// materialise installs git-auth, ssh-user, become-user and vault keys in
// that order. Installations made before a failure stay in work and are
// released by the caller.
func (r *TaskRunner) materialise(ctx context.Context, res resources, work *scratch) (apps.Credentials, error) {
	var creds apps.Credentials
	projectID := res.project.ID

	key := func(id int) (model.AccessKey, error) {
		k, err := r.svc.Store.GetAccessKey(ctx, projectID, id)
		if err != nil {
			return k, fault.Store("load access key", err)
		}
		return k, nil
	}
	install := func(id *int, role model.AccessKeyRole) (*credentials.Installation, error) {
		if id == nil {
			return nil, nil
		}
		k, err := key(*id)
		if err != nil {
			return nil, err
		}
		inst, err := r.svc.Installer.Install(ctx, k, role, work.tmpDir)
		if err != nil {
			return nil, err
		}
		work.installs = append(work.installs, inst)
		return inst, nil
	}

	if _, err := install(res.repository.SSHKeyID, model.AccessKeyRoleGit); err != nil {
		return creds, err
	}

	if inv := res.inventory; inv != nil {
		role := model.AccessKeyRoleShell
		if res.template.App == model.AppAnsible {
			role = model.AccessKeyRoleAnsibleUser
		}
		user, err := install(inv.SSHKeyID, role)
		if err != nil {
			return creds, err
		}
		if user != nil {
			if user.Type == model.AccessKeySSH {
				creds.SSHKeyFile = user.KeyFilePath()
				creds.SSHLogin = user.Login()
			} else {
				creds.Login = user.Login()
				creds.Password = user.Password()
			}
		}
		become, err := install(inv.BecomeKeyID, model.AccessKeyRoleAnsibleBecomeUser)
		if err != nil {
			return creds, err
		}
		if become != nil {
			creds.BecomeLogin = become.Login()
			creds.BecomePassword = become.Password()
		}
	}

	for _, v := range res.template.Vaults {
		if v.VaultKeyID == nil {
			continue
		}
		k, err := key(*v.VaultKeyID)
		if err != nil {
			return creds, err
		}
		inst, err := r.svc.Installer.InstallVault(ctx, k, v.Name, work.tmpDir)
		if err != nil {
			return creds, err
		}
		work.installs = append(work.installs, inst)
		creds.Vaults = append(creds.Vaults, apps.VaultFile{Name: v.Name, Path: inst.VaultPasswordFile()})
	}

	creds.Env = work.installs.Env()
	r.sink.Redactor().Add(work.installs.Secrets()...)
	r.sink.Redactor().Add(runSecrets(r.Task(), res.environment)...)
	return creds, nil
}

// runSecrets collects environment secrets and survey secret values.
func runSecrets(t model.Task, env *model.Environment) [][]byte {
	var out [][]byte
	if env != nil {
		for _, s := range env.Secrets {
			if s.Secret != "" {
				out = append(out, []byte(s.Secret))
			}
		}
	}
	if t.Secret != "" {
		var vars map[string]any
		if err := json.Unmarshal([]byte(t.Secret), &vars); err == nil {
			for _, v := range vars {
				if s, ok := v.(string); ok && s != "" {
					out = append(out, []byte(s))
				}
			}
		}
	}
	return out
}

func (r *TaskRunner) prepareWorkspace(ctx context.Context, res resources, work *scratch) (workspace.Workspace, error) {
	t := r.Task()
	ref := ""
	switch {
	case res.buildTask != nil && res.buildTask.CommitHash != nil:
		ref = *res.buildTask.CommitHash
	case t.GitBranch != nil && *t.GitBranch != "":
		ref = *t.GitBranch
	case res.template.GitBranch != nil && *res.template.GitBranch != "":
		ref = *res.template.GitBranch
	}

	var gitEnv []string
	for _, inst := range work.installs {
		if inst.Role == model.AccessKeyRoleGit {
			gitEnv = inst.EnvVars()
		}
	}
	ws, err := r.svc.Workspaces.Prepare(ctx, workspace.Request{
		ProjectID:  t.ProjectID,
		TemplateID: t.TemplateID,
		Repository: res.repository,
		Ref:        ref,
		Env:        gitEnv,
		Notice:     func(msg string) { _ = r.sink.Write(msg) },
	})
	if err != nil {
		return ws, err
	}

	hash := ws.Head.CommitHash
	r.mu.Lock()
	r.task.CommitHash = &hash
	r.task.CommitMessage = ws.Head.CommitMessage
	r.mu.Unlock()
	if err := r.svc.Store.UpdateTaskCommit(ctx, t.ProjectID, t.ID, hash, ws.Head.CommitMessage); err != nil {
		return ws, fault.Store("record commit", err)
	}
	_ = r.sink.Write(fmt.Sprintf("Checked out %s: %s", shortHash(hash), firstLine(ws.Head.CommitMessage)))
	return ws, nil
}

// assignVersion gives a build task without a version the next one after
// the previous build of the template.
func (r *TaskRunner) assignVersion(ctx context.Context, res resources) error {
	t := r.Task()
	if res.template.Type != model.TemplateBuild || t.Version != nil || res.template.StartVersion == nil {
		return nil
	}
	var current *string
	last, err := r.svc.Store.GetLastBuildTask(ctx, t.ProjectID, t.TemplateID)
	switch {
	case err == nil && last.ID != t.ID:
		current = last.Version
	case err == nil, errors.Is(err, store.ErrNotFound):
	default:
		return fault.Store("load last build", err)
	}
	version := model.GetNextBuildVersion(*res.template.StartVersion, current)
	if err := r.svc.Store.UpdateTaskVersion(ctx, t.ProjectID, t.ID, version); err != nil {
		return fault.Store("record version", err)
	}
	r.mu.Lock()
	r.task.Version = &version
	r.mu.Unlock()
	_ = r.sink.Write("Build version " + version)
	return nil
}

func (r *TaskRunner) emitEvent(status model.TaskStatus) {
	r.mu.Lock()
	t := r.task
	name := r.template.Name
	r.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("template %d", t.TemplateID)
	}
	projectID, taskID := t.ProjectID, t.ID
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := r.svc.Store.CreateEvent(ctx, model.Event{
		ProjectID:   &projectID,
		UserID:      t.UserID,
		ObjectType:  model.EventTask,
		ObjectID:    &taskID,
		Kind:        model.EventKindTaskFinished,
		Description: fmt.Sprintf("Task %d (%s) finished - %s", t.ID, name, strings.ToUpper(string(status))),
		Created:     time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("cannot record task event", slog.String("error", err.Error()))
		r.svc.Metrics.StoreFailure(ctx)
	}
}

// alertPayload renders the notice of the finished task.
func (r *TaskRunner) alertPayload(ctx context.Context) (alert.Payload, bool) {
	r.mu.Lock()
	t, tpl, author := r.task, r.template, r.author
	r.mu.Unlock()
	project, err := r.svc.Store.GetProject(ctx, t.ProjectID)
	if err != nil {
		r.logger.Warn("cannot load project for alert", slog.String("error", err.Error()))
		return alert.Payload{}, false
	}
	if !project.Alert {
		return alert.Payload{}, false
	}
	return alert.NewPayload(project, tpl, t, author, r.svc.Config.PublicURL), true
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// stageObserver maps invocation steps onto task stages.
type stageObserver struct {
	ctx    context.Context
	r      *TaskRunner
	stage  *model.TaskStage
	span   trace.Span
	mu     sync.Mutex
	failed error
}

func newStageObserver(ctx context.Context, r *TaskRunner) *stageObserver {
	return &stageObserver{ctx: ctx, r: r}
}

func (o *stageObserver) StepStarted(step apps.Step) {
	o.endStage()
	_, o.span = logging.Tracer().Start(o.ctx, "task.step", trace.WithAttributes(
		attribute.String("step", step.Name),
		attribute.String("stage", string(step.Stage)),
	))
	stageType := step.Stage
	if stageType == "" {
		stageType = model.TaskStageRun
	}
	t := o.r.Task()
	stage, err := o.r.svc.Store.CreateTaskStage(context.WithoutCancel(o.ctx), model.TaskStage{
		TaskID: t.ID,
		Type:   stageType,
		Start:  time.Now().UTC(),
	})
	if err != nil {
		o.r.logger.Warn("cannot record stage", slog.String("stage", string(stageType)), slog.String("error", err.Error()))
		o.r.sink.SetStage(nil)
		return
	}
	o.stage = &stage
	id := stage.ID
	o.r.sink.SetStage(&id)
}

func (o *stageObserver) Line(line string) {
	if err := o.r.sink.Write(line); err != nil && !errors.Is(err, tasklog.ErrClosed) {
		o.mu.Lock()
		if o.failed == nil {
			o.failed = err
		}
		o.mu.Unlock()
	}
}

func (o *stageObserver) ChildStarted(child apps.Child) {
	o.r.logger.Debug("child started", slog.Int("pid", child.PID), slog.String("container_id", child.ContainerID))
}

func (o *stageObserver) endStage() {
	if o.span != nil {
		o.span.End()
		o.span = nil
	}
	if o.stage == nil {
		return
	}
	if err := o.r.svc.Store.EndTaskStage(context.WithoutCancel(o.ctx), o.stage.TaskID, o.stage.ID, time.Now().UTC()); err != nil {
		o.r.logger.Warn("cannot end stage", slog.String("error", err.Error()))
	}
	o.stage = nil
}

func (o *stageObserver) finish() {
	o.endStage()
	o.r.sink.SetStage(nil)
}

// err is the first log persistence failure seen during the run.
func (o *stageObserver) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed
}
