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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"continuumops/src/model"
	"continuumops/src/store"
)

type Store struct {
	db       *sql.DB
	sealer   store.Sealer
	listener *pq.Listener
	notify   chan struct{}
}

// Open connects, applies pending migrations and, when cfg.Listen is set,
// subscribes to task insert notifications.
func Open(ctx context.Context, cfg Config, sealer store.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("postgres store requires a sealer")
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, sealer: sealer}
	if cfg.Listen {
		s.notify = make(chan struct{}, 1)
		s.listener, err = listen(cfg, s.notify)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Notifications fires after tasks are inserted by any process. It is nil
// when listening is disabled.
func (s *Store) Notifications() <-chan struct{} {
	return s.notify
}

func (s *Store) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// jsonArg encodes v for a JSONB parameter. pq sends []byte as bytea, so the
// document goes over the wire as text.
func jsonArg(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return string(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func limitArg(params model.RetrieveQueryParams) (offset int, limit any) {
	if params.Offset > 0 {
		offset = params.Offset
	}
	if params.Count > 0 {
		limit = params.Count
	}
	return offset, limit
}

// exactlyOne maps a zero-row update onto ErrNotFound.
func exactlyOne(res sql.Result, err error) error {
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, project model.Project) (model.Project, error) {
	if project.Created.IsZero() {
		project.Created = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO project (name, created, max_parallel_tasks, alert, alert_chat)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		project.Name, project.Created, project.MaxParallelTasks, project.Alert, project.AlertChat,
	).Scan(&project.ID)
	return project, translate(err)
}

const projectColumns = `id, name, created, max_parallel_tasks, alert, alert_chat`

func scanProject(row scanner) (p model.Project, err error) {
	err = row.Scan(&p.ID, &p.Name, &p.Created, &p.MaxParallelTasks, &p.Alert, &p.AlertChat)
	return p, translate(err)
}

func (s *Store) GetProject(ctx context.Context, projectID int) (model.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM project WHERE id = $1`, projectID))
}

func (s *Store) GetProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM project ORDER BY id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, translate(rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO app_user (username, name, email) VALUES ($1, $2, $3) RETURNING id`,
		user.Username, user.Name, user.Email,
	).Scan(&user.ID)
	return user, translate(err)
}

func (s *Store) GetUser(ctx context.Context, userID int) (user model.User, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, username, name, email FROM app_user WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Username, &user.Name, &user.Email)
	return user, translate(err)
}

func (s *Store) CreateAccessKey(ctx context.Context, k model.AccessKey) (model.AccessKey, error) {
	if err := k.Validate(); err != nil {
		return k, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	sealed, err := s.sealer.Seal(k.Secret())
	if err != nil {
		return k, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO access_key (project_id, name, type, source_storage_type, source_storage_key, sealed)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		k.ProjectID, k.Name, string(k.Type), string(k.SourceStorageType), k.SourceStorageKey, sealed,
	).Scan(&k.ID)
	return k, translate(err)
}

// GetAccessKey resolves keys of the project and global keys.
func (s *Store) GetAccessKey(ctx context.Context, projectID int, keyID int) (model.AccessKey, error) {
	var (
		k      model.AccessKey
		sealed []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, type, source_storage_type, source_storage_key, sealed
		 FROM access_key WHERE id = $1 AND (project_id = $2 OR project_id IS NULL)`,
		keyID, projectID,
	).Scan(&k.ID, &k.ProjectID, &k.Name, &k.Type, &k.SourceStorageType, &k.SourceStorageKey, &sealed)
	if err != nil {
		return model.AccessKey{}, translate(err)
	}
	secret, err := s.sealer.Open(sealed)
	if err != nil {
		return model.AccessKey{}, err
	}
	k.SetSecret(secret)
	return k, nil
}

const referencedQuery = `SELECT
	EXISTS (SELECT 1 FROM inventory
	        WHERE ($1 = 0 OR project_id = $1) AND (ssh_key_id = $2 OR become_key_id = $2))
	OR EXISTS (SELECT 1 FROM repository
	        WHERE ($1 = 0 OR project_id = $1) AND ssh_key_id = $2)
	OR EXISTS (SELECT 1 FROM template t, jsonb_array_elements(t.vaults) v
	        WHERE ($1 = 0 OR t.project_id = $1) AND (v->>'vault_key_id')::int = $2)`

func (s *Store) IsAccessKeyReferenced(ctx context.Context, projectID int, keyID int) (bool, error) {
	var referenced bool
	err := s.db.QueryRowContext(ctx, referencedQuery, projectID, keyID).Scan(&referenced)
	return referenced, translate(err)
}

func (s *Store) DeleteAccessKey(ctx context.Context, projectID int, keyID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback()

	var referenced bool
	if err := tx.QueryRowContext(ctx, referencedQuery, projectID, keyID).Scan(&referenced); err != nil {
		return translate(err)
	}
	if referenced {
		return store.ErrReferenced
	}

	var res sql.Result
	if projectID == 0 {
		res, err = tx.ExecContext(ctx, `DELETE FROM access_key WHERE id = $1 AND project_id IS NULL`, keyID)
	} else {
		res, err = tx.ExecContext(ctx, `DELETE FROM access_key WHERE id = $1 AND project_id = $2`, keyID, projectID)
	}
	if err := exactlyOne(res, err); err != nil {
		return err
	}
	return translate(tx.Commit())
}

func (s *Store) CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error) {
	if err := repo.Validate(); err != nil {
		return repo, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO repository (project_id, name, git_url, git_branch, ssh_key_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		repo.ProjectID, repo.Name, repo.GitURL, repo.GitBranch, repo.SSHKeyID,
	).Scan(&repo.ID)
	return repo, translate(err)
}

func (s *Store) GetRepository(ctx context.Context, projectID int, repoID int) (repo model.Repository, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, git_url, git_branch, ssh_key_id
		 FROM repository WHERE project_id = $1 AND id = $2`, projectID, repoID,
	).Scan(&repo.ID, &repo.ProjectID, &repo.Name, &repo.GitURL, &repo.GitBranch, &repo.SSHKeyID)
	return repo, translate(err)
}

func (s *Store) CreateInventory(ctx context.Context, inv model.Inventory) (model.Inventory, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inventory (project_id, name, type, inventory, ssh_key_id, become_key_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		inv.ProjectID, inv.Name, string(inv.Type), inv.Inventory, inv.SSHKeyID, inv.BecomeKeyID,
	).Scan(&inv.ID)
	return inv, translate(err)
}

func (s *Store) GetInventory(ctx context.Context, projectID int, invID int) (inv model.Inventory, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, type, inventory, ssh_key_id, become_key_id
		 FROM inventory WHERE project_id = $1 AND id = $2`, projectID, invID,
	).Scan(&inv.ID, &inv.ProjectID, &inv.Name, &inv.Type, &inv.Inventory, &inv.SSHKeyID, &inv.BecomeKeyID)
	return inv, translate(err)
}

func (s *Store) CreateEnvironment(ctx context.Context, env model.Environment) (model.Environment, error) {
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	for i := range env.Secrets {
		env.Secrets[i].ID = i + 1
	}
	secrets, err := jsonArg(env.Secrets)
	if err != nil {
		return env, err
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO environment (project_id, name, json, env, secrets)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		env.ProjectID, env.Name, env.JSON, env.ENV, secrets,
	).Scan(&env.ID)
	return env, translate(err)
}

func (s *Store) GetEnvironment(ctx context.Context, projectID int, envID int) (model.Environment, error) {
	var (
		env     model.Environment
		secrets []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, json, env, secrets
		 FROM environment WHERE project_id = $1 AND id = $2`, projectID, envID,
	).Scan(&env.ID, &env.ProjectID, &env.Name, &env.JSON, &env.ENV, &secrets)
	if err != nil {
		return env, translate(err)
	}
	if err := json.Unmarshal(secrets, &env.Secrets); err != nil {
		return env, fmt.Errorf("decode environment %d secrets: %w", envID, err)
	}
	return env, nil
}

func (s *Store) CreateTemplate(ctx context.Context, tpl model.Template) (model.Template, error) {
	if err := tpl.Validate(); err != nil {
		return tpl, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	surveyVars, err := jsonArg(tpl.SurveyVars)
	if err != nil {
		return tpl, err
	}
	vaults, err := jsonArg(tpl.Vaults)
	if err != nil {
		return tpl, err
	}
	params, err := jsonArg(tpl.Params)
	if err != nil {
		return tpl, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tpl, translate(err)
	}
	defer tx.Rollback()

	var repoProject int
	err = tx.QueryRowContext(ctx, `SELECT project_id FROM repository WHERE id = $1`, tpl.RepositoryID).Scan(&repoProject)
	if err != nil || repoProject != tpl.ProjectID {
		return tpl, fmt.Errorf("repository %d: %w", tpl.RepositoryID, store.ErrNotFound)
	}
	for _, v := range tpl.Vaults {
		if v.VaultKeyID == nil {
			continue
		}
		var ok bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM access_key WHERE id = $1 AND (project_id = $2 OR project_id IS NULL))`,
			*v.VaultKeyID, tpl.ProjectID).Scan(&ok)
		if err != nil {
			return tpl, translate(err)
		}
		if !ok {
			return tpl, fmt.Errorf("access key %d: %w", *v.VaultKeyID, store.ErrNotFound)
		}
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO template (project_id, repository_id, inventory_id, environment_id, name, app, type,
		   playbook, git_branch, arguments, start_version, timeout, container_image, survey_vars, vaults, params)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`,
		tpl.ProjectID, tpl.RepositoryID, tpl.InventoryID, tpl.EnvironmentID, tpl.Name, string(tpl.App), string(tpl.Type),
		tpl.Playbook, tpl.GitBranch, tpl.Arguments, tpl.StartVersion, tpl.Timeout, tpl.ContainerImage,
		surveyVars, vaults, params,
	).Scan(&tpl.ID)
	if err != nil {
		return tpl, translate(err)
	}
	return tpl, translate(tx.Commit())
}

func (s *Store) GetTemplate(ctx context.Context, projectID int, templateID int) (model.Template, error) {
	var (
		tpl                       model.Template
		surveyVars, vaults, parms []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, repository_id, inventory_id, environment_id, name, app, type, playbook,
		   git_branch, arguments, start_version, timeout, container_image, survey_vars, vaults, params
		 FROM template WHERE project_id = $1 AND id = $2`, projectID, templateID,
	).Scan(&tpl.ID, &tpl.ProjectID, &tpl.RepositoryID, &tpl.InventoryID, &tpl.EnvironmentID, &tpl.Name,
		&tpl.App, &tpl.Type, &tpl.Playbook, &tpl.GitBranch, &tpl.Arguments, &tpl.StartVersion, &tpl.Timeout,
		&tpl.ContainerImage, &surveyVars, &vaults, &parms)
	if err != nil {
		return tpl, translate(err)
	}
	if err := json.Unmarshal(surveyVars, &tpl.SurveyVars); err != nil {
		return tpl, fmt.Errorf("decode template %d survey vars: %w", templateID, err)
	}
	if err := json.Unmarshal(vaults, &tpl.Vaults); err != nil {
		return tpl, fmt.Errorf("decode template %d vaults: %w", templateID, err)
	}
	if len(parms) > 0 {
		tpl.Params = json.RawMessage(parms)
	}
	return tpl, nil
}

const taskColumns = `id, project_id, template_id, status, message, created, start, "end",
	inventory_id, environment_id, arguments, git_branch, user_id, schedule_id, integration_id,
	build_task_id, commit_hash, commit_message, version, params`

func scanTask(row scanner) (model.Task, error) {
	var (
		t      model.Task
		params []byte
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.TemplateID, &t.Status, &t.Message, &t.Created, &t.Start, &t.End,
		&t.InventoryID, &t.EnvironmentID, &t.Arguments, &t.GitBranch, &t.UserID, &t.ScheduleID,
		&t.IntegrationID, &t.BuildTaskID, &t.CommitHash, &t.CommitMessage, &t.Version, &params)
	if err != nil {
		return t, translate(err)
	}
	if len(params) > 0 {
		t.Params = json.RawMessage(params)
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	if task.Status == "" {
		task.Status = model.TaskWaitingStatus
	}
	if task.Created.IsZero() {
		task.Created = time.Now().UTC()
	}
	params, err := jsonArg(task.Params)
	if err != nil {
		return task, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task, translate(err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM template WHERE id = $1 AND project_id = $2)`,
		task.TemplateID, task.ProjectID).Scan(&exists)
	if err != nil {
		return task, translate(err)
	}
	if !exists {
		return task, fmt.Errorf("template %d: %w", task.TemplateID, store.ErrNotFound)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO task (project_id, template_id, status, message, created, start, "end", inventory_id,
		   environment_id, arguments, git_branch, user_id, schedule_id, integration_id, build_task_id,
		   commit_hash, commit_message, version, params)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		task.ProjectID, task.TemplateID, string(task.Status), task.Message, task.Created, task.Start, task.End,
		task.InventoryID, task.EnvironmentID, task.Arguments, task.GitBranch, task.UserID, task.ScheduleID,
		task.IntegrationID, task.BuildTaskID, task.CommitHash, task.CommitMessage, task.Version, params,
	).Scan(&task.ID)
	if err != nil {
		return task, translate(err)
	}
	return task, translate(tx.Commit())
}

func (s *Store) GetTask(ctx context.Context, projectID int, taskID int) (model.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE project_id = $1 AND id = $2`, projectID, taskID))
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, translate(rows.Err())
}

func (s *Store) GetTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM task WHERE status = ANY($1) ORDER BY id`, pq.Array(names))
}

func (s *Store) GetLastBuildTask(ctx context.Context, projectID int, templateID int) (model.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE project_id = $1 AND template_id = $2 AND version IS NOT NULL
		 ORDER BY id DESC LIMIT 1`, projectID, templateID))
}

func (s *Store) UpdateTaskStatus(ctx context.Context, projectID int, taskID int, status model.TaskStatus, start *time.Time, end *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task SET status = $3, start = COALESCE($4, start), "end" = COALESCE($5, "end")
		 WHERE project_id = $1 AND id = $2`,
		projectID, taskID, string(status), start, end)
	return exactlyOne(res, err)
}

func (s *Store) UpdateTaskCommit(ctx context.Context, projectID int, taskID int, hash string, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task SET commit_hash = $3, commit_message = $4 WHERE project_id = $1 AND id = $2`,
		projectID, taskID, hash, message)
	return exactlyOne(res, err)
}

func (s *Store) UpdateTaskVersion(ctx context.Context, projectID int, taskID int, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task SET version = $3 WHERE project_id = $1 AND id = $2`,
		projectID, taskID, version)
	return exactlyOne(res, err)
}

func (s *Store) CreateTaskOutput(ctx context.Context, output model.TaskOutput) (model.TaskOutput, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO task_output (task_id, stage_id, time, output) VALUES ($1, $2, $3, $4) RETURNING id`,
		output.TaskID, output.StageID, output.Time, output.Output,
	).Scan(&output.ID)
	return output, translate(err)
}

// CreateTaskOutputs streams the batch with COPY, which keeps slice order in
// the id sequence.
func (s *Store) CreateTaskOutputs(ctx context.Context, outputs []model.TaskOutput) error {
	if len(outputs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("task_output", "task_id", "stage_id", "time", "output"))
	if err != nil {
		return translate(err)
	}
	for _, o := range outputs {
		if _, err := stmt.ExecContext(ctx, o.TaskID, o.StageID, o.Time, o.Output); err != nil {
			stmt.Close()
			return translate(err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return translate(err)
	}
	if err := stmt.Close(); err != nil {
		return translate(err)
	}
	return translate(tx.Commit())
}

func (s *Store) GetTaskOutputs(ctx context.Context, projectID int, taskID int, params model.RetrieveQueryParams) ([]model.TaskOutput, error) {
	offset, limit := limitArg(params)
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.task_id, o.stage_id, o.time, o.output
		 FROM task_output o JOIN task t ON t.id = o.task_id
		 WHERE t.project_id = $1 AND o.task_id = $2
		 ORDER BY o.id OFFSET $3 LIMIT $4`,
		projectID, taskID, offset, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	outputs := []model.TaskOutput{}
	for rows.Next() {
		var o model.TaskOutput
		if err := rows.Scan(&o.ID, &o.TaskID, &o.StageID, &o.Time, &o.Output); err != nil {
			return nil, translate(err)
		}
		outputs = append(outputs, o)
	}
	return outputs, translate(rows.Err())
}

func (s *Store) CreateTaskStage(ctx context.Context, stage model.TaskStage) (model.TaskStage, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO task_stage (task_id, type, start, "end") VALUES ($1, $2, $3, $4) RETURNING id`,
		stage.TaskID, string(stage.Type), stage.Start, stage.End,
	).Scan(&stage.ID)
	return stage, translate(err)
}

func (s *Store) EndTaskStage(ctx context.Context, taskID int, stageID int, end time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_stage SET "end" = $3 WHERE task_id = $1 AND id = $2`, taskID, stageID, end)
	return exactlyOne(res, err)
}

func (s *Store) GetTaskStages(ctx context.Context, projectID int, taskID int) ([]model.TaskStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.task_id, st.type, st.start, st."end"
		 FROM task_stage st JOIN task t ON t.id = st.task_id
		 WHERE t.project_id = $1 AND st.task_id = $2 ORDER BY st.id`, projectID, taskID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	var stages []model.TaskStage
	for rows.Next() {
		var st model.TaskStage
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Type, &st.Start, &st.End); err != nil {
			return nil, translate(err)
		}
		stages = append(stages, st)
	}
	return stages, translate(rows.Err())
}

func (s *Store) CreateEvent(ctx context.Context, event model.Event) (model.Event, error) {
	if event.Created.IsZero() {
		event.Created = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO event (project_id, user_id, object_type, object_id, kind, description, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		event.ProjectID, event.UserID, string(event.ObjectType), event.ObjectID, event.Kind,
		event.Description, event.Created,
	).Scan(&event.ID)
	return event, translate(err)
}

func (s *Store) GetEvents(ctx context.Context, projectID int, params model.RetrieveQueryParams) ([]model.Event, error) {
	offset, limit := limitArg(params)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, object_type, object_id, kind, description, created
		 FROM event WHERE project_id = $1 ORDER BY id DESC OFFSET $2 LIMIT $3`,
		projectID, offset, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.UserID, &e.ObjectType, &e.ObjectID, &e.Kind,
			&e.Description, &e.Created); err != nil {
			return nil, translate(err)
		}
		events = append(events, e)
	}
	return events, translate(rows.Err())
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Notifier = (*Store)(nil)
)
