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

// Package workspace keeps one checked-out tree per (project, template) and
// converges it onto the ref a task asks for.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
)

var commitHash = regexp.MustCompile(`^([0-9a-fA-F]{40}|[0-9a-fA-F]{64})$`)

type Head struct {
	CommitHash    string
	CommitMessage string
}

type Workspace struct {
	Path string
	Head Head
}

// Request describes one preparation. Env carries the git-role installation
// variables. Notice receives retry messages destined for the task log.
type Request struct {
	ProjectID  int
	TemplateID int
	Repository model.Repository
	Ref        string
	Env        []string
	Notice     func(string)
}

type Manager struct {
	root   string
	git    GitClient
	cfg    config.GitConfig
	locks  *keyedLock
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewManager(root string, git GitClient, cfg config.GitConfig, logger *slog.Logger) *Manager {
	if git == nil {
		git = CLI{Binary: cfg.Binary}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:   root,
		git:    git,
		cfg:    cfg,
		locks:  newKeyedLock(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Path is the workspace root of a template.
func (m *Manager) Path(projectID, templateID int) string {
	return filepath.Join(m.root, fmt.Sprintf("project_%d", projectID), fmt.Sprintf("repository_%d", templateID))
}

// Prepare clones or updates the template workspace and checks out the
// requested ref. Preparations of the same template never overlap.
func (m *Manager) Prepare(ctx context.Context, req Request) (Workspace, error) {
	remote := strings.TrimSpace(req.Repository.GitURL)
	if remote == "" {
		return Workspace{}, fault.Config("prepare workspace", ErrEmptyRemote)
	}
	ref := req.Ref
	if ref == "" {
		ref = req.Repository.GitBranch
	}

	key := [2]int{req.ProjectID, req.TemplateID}
	if err := m.locks.Lock(ctx, key); err != nil {
		return Workspace{}, fault.Cancelled("wait for workspace lock", err)
	}
	defer m.locks.Unlock(key)

	path := m.Path(req.ProjectID, req.TemplateID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return Workspace{}, classify("create workspace parent", err)
	}

	fresh := false
	if !m.reusable(ctx, path, remote) {
		if err := os.RemoveAll(path); err != nil {
			return Workspace{}, classify("remove stale workspace", err)
		}
		if err := m.clone(ctx, req, remote, path); err != nil {
			return Workspace{}, err
		}
		fresh = true
	}

	if err := m.checkout(ctx, req, path, ref, fresh); err != nil {
		return Workspace{}, err
	}

	head, err := m.head(ctx, path)
	if err != nil {
		return Workspace{}, err
	}
	m.logger.Debug("workspace ready",
		slog.Int("project_id", req.ProjectID),
		slog.Int("template_id", req.TemplateID),
		slog.String("commit", head.CommitHash))
	return Workspace{Path: path, Head: head}, nil
}

// reusable reports whether path is an intact clone of remote.
func (m *Manager) reusable(ctx context.Context, path, remote string) bool {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return false
	}
	inside, err := m.git.Run(ctx, path, nil, "rev-parse", "--is-inside-work-tree")
	if err != nil || inside != "true" {
		m.logger.Warn("workspace corrupted, recreating", slog.String("path", path))
		return false
	}
	url, err := m.git.Run(ctx, path, nil, "remote", "get-url", "origin")
	if err != nil || url != remote {
		m.logger.Info("workspace remote changed, recreating", slog.String("path", path))
		return false
	}
	return true
}

func (m *Manager) clone(ctx context.Context, req Request, remote, path string) error {
	err := m.retry(ctx, req, "git clone", func(ctx context.Context) error {
		_, err := m.git.Run(ctx, filepath.Dir(path), req.Env, "clone", "--recursive", remote, path)
		if err != nil {
			os.RemoveAll(path)
		}
		return err
	})
	return err
}

func (m *Manager) checkout(ctx context.Context, req Request, path, ref string, fresh bool) error {
	if !fresh {
		err := m.retry(ctx, req, "git fetch", func(ctx context.Context) error {
			_, err := m.git.Run(ctx, path, req.Env, "fetch", "--prune", "--tags", "--force", "origin")
			return err
		})
		if err != nil {
			return err
		}
	}

	target, err := m.resolve(ctx, path, ref)
	if err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, path, nil, "reset", "--hard", target); err != nil {
		return classify("git reset", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".gitmodules")); err == nil {
		_, err := m.git.Run(ctx, path, req.Env, "submodule", "update", "--init", "--recursive")
		if err != nil {
			return classify("git submodule update", err)
		}
	}
	return nil
}

// resolve turns ref into something reset accepts: a commit hash as is, a
// branch through its remote-tracking ref, otherwise a tag.
func (m *Manager) resolve(ctx context.Context, path, ref string) (string, error) {
	var candidates []string
	switch {
	case ref == "":
		candidates = []string{"refs/remotes/origin/HEAD"}
	case commitHash.MatchString(ref):
		candidates = []string{ref}
	default:
		candidates = []string{"refs/remotes/origin/" + ref, "refs/tags/" + ref}
	}
	for _, c := range candidates {
		if _, err := m.git.Run(ctx, path, nil, "rev-parse", "--verify", "--quiet", c+"^{commit}"); err == nil {
			return c, nil
		} else if errors.Is(err, context.Canceled) {
			return "", fault.Cancelled("resolve ref", err)
		}
	}
	return "", fault.Config("resolve ref", fmt.Errorf("%w: %s", ErrRefNotFound, displayRef(ref)))
}

func displayRef(ref string) string {
	if ref == "" {
		return "origin/HEAD"
	}
	return ref
}

func (m *Manager) head(ctx context.Context, path string) (Head, error) {
	out, err := m.git.Run(ctx, path, nil, "log", "-1", "--format=%H%n%s")
	if err != nil {
		return Head{}, classify("read head", err)
	}
	hash, subject, _ := strings.Cut(out, "\n")
	return Head{CommitHash: strings.TrimSpace(hash), CommitMessage: strings.TrimSpace(subject)}, nil
}

// retry runs fn with the per-operation timeout. Only network failures are
// retried, with exponential backoff.
func (m *Manager) retry(ctx context.Context, req Request, op string, fn func(context.Context) error) error {
	attempts := m.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}
	delay := m.cfg.RetryDelay
	factor := m.cfg.RetryFactor
	if factor < 1 {
		factor = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = classify(op, m.withTimeout(ctx, fn))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fault.Cancelled(op, ctx.Err())
		}
		if !fault.IsKind(err, fault.KindNetwork) || attempt == attempts {
			break
		}
		msg := fmt.Sprintf("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, attempts, delay, err)
		m.logger.Warn(msg, slog.Int("project_id", req.ProjectID), slog.Int("template_id", req.TemplateID))
		if req.Notice != nil {
			req.Notice(msg)
		}
		if serr := m.sleep(ctx, delay); serr != nil {
			return fault.Cancelled(op, serr)
		}
		delay = time.Duration(float64(delay) * factor)
	}
	return err
}

func (m *Manager) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if m.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return fn(tctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
