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

package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"continuumops/src/model"
	"continuumops/src/store"
)

type Store struct {
	db     *badger.DB
	sealer store.Sealer
	enc    cbor.EncMode
	gc     *gcRunner

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence
}

type accessKeyRecord struct {
	Key    model.AccessKey `cbor:"key"`
	Sealed []byte          `cbor:"sealed"`
}

// Open opens the database described by cfg. Access-key secrets are sealed
// with sealer before they are written.
func Open(cfg Config, sealer store.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("badger store requires a sealer")
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		sealer: sealer,
		enc:    enc,
		seqs:   make(map[string]*badger.Sequence),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = &gcRunner{
			db:       db,
			interval: cfg.GCInterval,
			ratio:    cfg.GCDiscardRatio,
			logger:   cfg.Logger,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
		go s.gc.run()
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	s.seqMu.Lock()
	for _, seq := range s.seqs {
		_ = seq.Release()
	}
	s.seqs = map[string]*badger.Sequence{}
	s.seqMu.Unlock()
	return s.db.Close()
}

func ioErr(err error) error {
	return fmt.Errorf("%w: %v", store.ErrIO, err)
}

func key(prefix string, ids ...int) []byte {
	var b strings.Builder
	b.WriteString(prefix)
	for _, id := range ids {
		fmt.Fprintf(&b, "/%010d", id)
	}
	return []byte(b.String())
}

// prefixOf returns the iteration prefix for children of ids.
func prefixOf(prefix string, ids ...int) []byte {
	return append(key(prefix, ids...), '/')
}

func (s *Store) nextID(name string) (int, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq/"+name), 100)
		if err != nil {
			return 0, ioErr(err)
		}
		s.seqs[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, ioErr(err)
	}
	if n == 0 {
		if n, err = seq.Next(); err != nil {
			return 0, ioErr(err)
		}
	}
	return int(n), nil
}

func (s *Store) put(txn *badger.Txn, k []byte, v any) error {
	b, err := s.enc.Marshal(v)
	if err != nil {
		return err
	}
	if err := txn.Set(k, b); err != nil {
		return ioErr(err)
	}
	return nil
}

func get(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return ioErr(err)
	}
	return item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, v)
	})
}

func list[T any](txn *badger.Txn, prefix []byte) ([]T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return cbor.Unmarshal(val, &v)
		}); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func (s *Store) CreateProject(ctx context.Context, project model.Project) (model.Project, error) {
	id, err := s.nextID("project")
	if err != nil {
		return project, err
	}
	project.ID = id
	if project.Created.IsZero() {
		project.Created = time.Now().UTC()
	}
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("project", id), project)
	})
	return project, err
}

func (s *Store) GetProject(ctx context.Context, projectID int) (project model.Project, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("project", projectID), &project)
	})
	return
}

func (s *Store) GetProjects(ctx context.Context) (projects []model.Project, err error) {
	err = s.view(func(txn *badger.Txn) error {
		projects, err = list[model.Project](txn, []byte("project/"))
		return err
	})
	return
}

func (s *Store) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	id, err := s.nextID("user")
	if err != nil {
		return user, err
	}
	user.ID = id
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("user", id), user)
	})
	return user, err
}

func (s *Store) GetUser(ctx context.Context, userID int) (user model.User, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("user", userID), &user)
	})
	return
}

func keyProject(projectID *int) int {
	if projectID == nil {
		return 0
	}
	return *projectID
}

func (s *Store) CreateAccessKey(ctx context.Context, k model.AccessKey) (model.AccessKey, error) {
	if err := k.Validate(); err != nil {
		return k, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	sealed, err := s.sealer.Seal(k.Secret())
	if err != nil {
		return k, err
	}
	id, err := s.nextID("access_key")
	if err != nil {
		return k, err
	}
	k.ID = id

	rec := accessKeyRecord{Key: k, Sealed: sealed}
	rec.Key.ClearSecret()
	err = s.update(func(txn *badger.Txn) error {
		if k.ProjectID != nil {
			var p model.Project
			if err := get(txn, key("project", *k.ProjectID), &p); err != nil {
				return err
			}
		}
		return s.put(txn, key("key", keyProject(k.ProjectID), id), rec)
	})
	return k, err
}

func (s *Store) GetAccessKey(ctx context.Context, projectID int, keyID int) (model.AccessKey, error) {
	var rec accessKeyRecord
	err := s.view(func(txn *badger.Txn) error {
		err := get(txn, key("key", projectID, keyID), &rec)
		if errors.Is(err, store.ErrNotFound) && projectID != 0 {
			err = get(txn, key("key", 0, keyID), &rec)
		}
		return err
	})
	if err != nil {
		return model.AccessKey{}, err
	}
	secret, err := s.sealer.Open(rec.Sealed)
	if err != nil {
		return model.AccessKey{}, err
	}
	rec.Key.SetSecret(secret)
	return rec.Key, nil
}

func (s *Store) IsAccessKeyReferenced(ctx context.Context, projectID int, keyID int) (bool, error) {
	var referenced bool
	err := s.view(func(txn *badger.Txn) error {
		var err error
		referenced, err = isReferenced(txn, projectID, keyID)
		return err
	})
	return referenced, err
}

func isReferenced(txn *badger.Txn, projectID int, keyID int) (bool, error) {
	scope := func(prefix string) []byte {
		if projectID == 0 {
			return []byte(prefix + "/")
		}
		return prefixOf(prefix, projectID)
	}
	is := func(id *int) bool { return id != nil && *id == keyID }

	invs, err := list[model.Inventory](txn, scope("inv"))
	if err != nil {
		return false, err
	}
	for _, inv := range invs {
		if is(inv.SSHKeyID) || is(inv.BecomeKeyID) {
			return true, nil
		}
	}
	repos, err := list[model.Repository](txn, scope("repo"))
	if err != nil {
		return false, err
	}
	for _, repo := range repos {
		if is(repo.SSHKeyID) {
			return true, nil
		}
	}
	tpls, err := list[model.Template](txn, scope("tpl"))
	if err != nil {
		return false, err
	}
	for _, tpl := range tpls {
		for _, v := range tpl.Vaults {
			if is(v.VaultKeyID) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) DeleteAccessKey(ctx context.Context, projectID int, keyID int) error {
	return s.update(func(txn *badger.Txn) error {
		k := key("key", projectID, keyID)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		} else if err != nil {
			return ioErr(err)
		}
		referenced, err := isReferenced(txn, projectID, keyID)
		if err != nil {
			return err
		}
		if referenced {
			return store.ErrReferenced
		}
		return txn.Delete(k)
	})
}

func (s *Store) requireKey(txn *badger.Txn, projectID int, keyID *int) error {
	if keyID == nil {
		return nil
	}
	var rec accessKeyRecord
	err := get(txn, key("key", projectID, *keyID), &rec)
	if errors.Is(err, store.ErrNotFound) {
		err = get(txn, key("key", 0, *keyID), &rec)
	}
	if err != nil {
		return fmt.Errorf("access key %d: %w", *keyID, err)
	}
	return nil
}

func (s *Store) CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error) {
	id, err := s.nextID("repository")
	if err != nil {
		return repo, err
	}
	repo.ID = id
	err = s.update(func(txn *badger.Txn) error {
		if err := s.requireKey(txn, repo.ProjectID, repo.SSHKeyID); err != nil {
			return err
		}
		return s.put(txn, key("repo", repo.ProjectID, id), repo)
	})
	return repo, err
}

func (s *Store) GetRepository(ctx context.Context, projectID int, repoID int) (repo model.Repository, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("repo", projectID, repoID), &repo)
	})
	return
}

func (s *Store) CreateInventory(ctx context.Context, inv model.Inventory) (model.Inventory, error) {
	id, err := s.nextID("inventory")
	if err != nil {
		return inv, err
	}
	inv.ID = id
	err = s.update(func(txn *badger.Txn) error {
		if err := s.requireKey(txn, inv.ProjectID, inv.SSHKeyID); err != nil {
			return err
		}
		if err := s.requireKey(txn, inv.ProjectID, inv.BecomeKeyID); err != nil {
			return err
		}
		return s.put(txn, key("inv", inv.ProjectID, id), inv)
	})
	return inv, err
}

func (s *Store) GetInventory(ctx context.Context, projectID int, invID int) (inv model.Inventory, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("inv", projectID, invID), &inv)
	})
	return
}

func (s *Store) CreateEnvironment(ctx context.Context, env model.Environment) (model.Environment, error) {
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	id, err := s.nextID("environment")
	if err != nil {
		return env, err
	}
	env.ID = id
	for i := range env.Secrets {
		env.Secrets[i].ID = i + 1
	}
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("env", env.ProjectID, id), env)
	})
	return env, err
}

func (s *Store) GetEnvironment(ctx context.Context, projectID int, envID int) (env model.Environment, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("env", projectID, envID), &env)
	})
	return
}

func (s *Store) CreateTemplate(ctx context.Context, tpl model.Template) (model.Template, error) {
	if err := tpl.Validate(); err != nil {
		return tpl, fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	id, err := s.nextID("template")
	if err != nil {
		return tpl, err
	}
	tpl.ID = id
	err = s.update(func(txn *badger.Txn) error {
		var repo model.Repository
		if err := get(txn, key("repo", tpl.ProjectID, tpl.RepositoryID), &repo); err != nil {
			return fmt.Errorf("repository %d: %w", tpl.RepositoryID, err)
		}
		for _, v := range tpl.Vaults {
			if err := s.requireKey(txn, tpl.ProjectID, v.VaultKeyID); err != nil {
				return err
			}
		}
		return s.put(txn, key("tpl", tpl.ProjectID, id), tpl)
	})
	return tpl, err
}

func (s *Store) GetTemplate(ctx context.Context, projectID int, templateID int) (tpl model.Template, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("tpl", projectID, templateID), &tpl)
	})
	return
}

func (s *Store) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	id, err := s.nextID("task")
	if err != nil {
		return task, err
	}
	task.ID = id
	if task.Status == "" {
		task.Status = model.TaskWaitingStatus
	}
	if task.Created.IsZero() {
		task.Created = time.Now().UTC()
	}
	err = s.update(func(txn *badger.Txn) error {
		var tpl model.Template
		if err := get(txn, key("tpl", task.ProjectID, task.TemplateID), &tpl); err != nil {
			return fmt.Errorf("template %d: %w", task.TemplateID, err)
		}
		return s.put(txn, key("task", task.ProjectID, id), task)
	})
	return task, err
}

func (s *Store) GetTask(ctx context.Context, projectID int, taskID int) (task model.Task, err error) {
	err = s.view(func(txn *badger.Txn) error {
		return get(txn, key("task", projectID, taskID), &task)
	})
	return
}

func (s *Store) GetTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.Task, error) {
	var res []model.Task
	err := s.view(func(txn *badger.Txn) error {
		all, err := list[model.Task](txn, []byte("task/"))
		if err != nil {
			return err
		}
		for _, t := range all {
			for _, st := range statuses {
				if t.Status == st {
					res = append(res, t)
					break
				}
			}
		}
		return nil
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, err
}

func (s *Store) GetLastBuildTask(ctx context.Context, projectID int, templateID int) (model.Task, error) {
	var last model.Task
	err := s.view(func(txn *badger.Txn) error {
		tasks, err := list[model.Task](txn, prefixOf("task", projectID))
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.TemplateID == templateID && t.Version != nil && t.ID > last.ID {
				last = t
			}
		}
		if last.ID == 0 {
			return store.ErrNotFound
		}
		return nil
	})
	return last, err
}

func (s *Store) modifyTask(projectID, taskID int, fn func(*model.Task)) error {
	return s.update(func(txn *badger.Txn) error {
		var task model.Task
		k := key("task", projectID, taskID)
		if err := get(txn, k, &task); err != nil {
			return err
		}
		fn(&task)
		return s.put(txn, k, task)
	})
}

func (s *Store) UpdateTaskStatus(ctx context.Context, projectID int, taskID int, status model.TaskStatus, start *time.Time, end *time.Time) error {
	return s.modifyTask(projectID, taskID, func(t *model.Task) {
		t.Status = status
		if start != nil {
			t.Start = start
		}
		if end != nil {
			t.End = end
		}
	})
}

func (s *Store) UpdateTaskCommit(ctx context.Context, projectID int, taskID int, hash string, message string) error {
	return s.modifyTask(projectID, taskID, func(t *model.Task) {
		t.CommitHash = &hash
		t.CommitMessage = message
	})
}

func (s *Store) UpdateTaskVersion(ctx context.Context, projectID int, taskID int, version string) error {
	return s.modifyTask(projectID, taskID, func(t *model.Task) {
		t.Version = &version
	})
}

func (s *Store) CreateTaskOutput(ctx context.Context, output model.TaskOutput) (model.TaskOutput, error) {
	id, err := s.nextID("task_output")
	if err != nil {
		return output, err
	}
	output.ID = id
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("out", output.TaskID, id), output)
	})
	return output, err
}

func (s *Store) CreateTaskOutputs(ctx context.Context, outputs []model.TaskOutput) error {
	for i := range outputs {
		id, err := s.nextID("task_output")
		if err != nil {
			return err
		}
		outputs[i].ID = id
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, o := range outputs {
		b, err := s.enc.Marshal(o)
		if err != nil {
			return err
		}
		if err := wb.Set(key("out", o.TaskID, o.ID), b); err != nil {
			return ioErr(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return ioErr(err)
	}
	return nil
}

func (s *Store) GetTaskOutputs(ctx context.Context, projectID int, taskID int, params model.RetrieveQueryParams) ([]model.TaskOutput, error) {
	var outputs []model.TaskOutput
	err := s.view(func(txn *badger.Txn) error {
		var task model.Task
		if err := get(txn, key("task", projectID, taskID), &task); err != nil {
			return err
		}
		var err error
		outputs, err = list[model.TaskOutput](txn, prefixOf("out", taskID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return store.Window(outputs, params), nil
}

func (s *Store) CreateTaskStage(ctx context.Context, stage model.TaskStage) (model.TaskStage, error) {
	id, err := s.nextID("task_stage")
	if err != nil {
		return stage, err
	}
	stage.ID = id
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("stage", stage.TaskID, id), stage)
	})
	return stage, err
}

func (s *Store) EndTaskStage(ctx context.Context, taskID int, stageID int, end time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		var stage model.TaskStage
		k := key("stage", taskID, stageID)
		if err := get(txn, k, &stage); err != nil {
			return err
		}
		stage.End = &end
		return s.put(txn, k, stage)
	})
}

func (s *Store) GetTaskStages(ctx context.Context, projectID int, taskID int) (stages []model.TaskStage, err error) {
	err = s.view(func(txn *badger.Txn) error {
		stages, err = list[model.TaskStage](txn, prefixOf("stage", taskID))
		return err
	})
	return
}

func (s *Store) CreateEvent(ctx context.Context, event model.Event) (model.Event, error) {
	id, err := s.nextID("event")
	if err != nil {
		return event, err
	}
	event.ID = id
	if event.Created.IsZero() {
		event.Created = time.Now().UTC()
	}
	err = s.update(func(txn *badger.Txn) error {
		return s.put(txn, key("event", keyProject(event.ProjectID), id), event)
	})
	return event, err
}

func (s *Store) GetEvents(ctx context.Context, projectID int, params model.RetrieveQueryParams) ([]model.Event, error) {
	var events []model.Event
	err := s.view(func(txn *badger.Txn) error {
		var err error
		events, err = list[model.Event](txn, prefixOf("event", projectID))
		return err
	})
	if err != nil {
		return nil, err
	}
	// newest first
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID > events[j].ID })
	return store.Window(events, params), nil
}

var _ store.Store = (*Store)(nil)
