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

package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"continuumops/src/fault"
)

var (
	ErrAuthFailed         = errors.New("git authentication failed")
	ErrRefNotFound        = errors.New("git ref not found")
	ErrNetworkUnavailable = errors.New("git remote unreachable")
	ErrDiskFull           = errors.New("disk full")
	ErrEmptyRemote        = errors.New("repository url is empty")
)

// GitClient runs one git command in dir and returns its trimmed stdout.
// Failures carry stderr in a *GitError.
type GitClient interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (string, error)
}

type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// CLI drives the git binary. Prompts are always disabled so a missing
// credential fails fast instead of hanging on stdin.
type CLI struct {
	Binary string
}

func (c CLI) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

var (
	authMarkers = []string{
		"authentication failed",
		"permission denied (publickey",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"invalid username or password",
		"the requested url returned error: 401",
		"the requested url returned error: 403",
		"host key verification failed",
	}
	networkMarkers = []string{
		"could not resolve host",
		"connection refused",
		"connection timed out",
		"connection reset",
		"network is unreachable",
		"operation timed out",
		"could not read from remote repository",
		"unable to access",
		"early eof",
		"the remote end hung up",
		"does not appear to be a git repository",
	}
	refMarkers = []string{
		"couldn't find remote ref",
		"unknown revision",
		"not a valid object name",
		"did not match any file(s) known to git",
		"remote branch",
		"invalid reference",
	}
	diskMarkers = []string{
		"no space left on device",
		"disk quota exceeded",
	}
)

// classify maps a git failure onto the workspace sentinels and fault kinds.
// Auth markers are checked first since ssh prints the generic "could not
// read from remote" line after a publickey rejection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fault.Cancelled(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Network(op, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}

	text := err.Error()
	var ge *GitError
	if errors.As(err, &ge) {
		text = ge.Stderr
	}
	text = strings.ToLower(text)

	switch {
	case containsAny(text, diskMarkers):
		return fault.New(fault.KindUnknown, op, fmt.Errorf("%w: %v", ErrDiskFull, err))
	case containsAny(text, authMarkers):
		return fault.Auth(op, fmt.Errorf("%w: %v", ErrAuthFailed, err))
	case containsAny(text, refMarkers):
		return fault.Config(op, fmt.Errorf("%w: %v", ErrRefNotFound, err))
	case containsAny(text, networkMarkers):
		return fault.Network(op, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err))
	}
	return fault.New(fault.KindUnknown, op, err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
