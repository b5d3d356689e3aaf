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

// Package apps turns a prepared workspace, credentials and environment into
// the argv and env of the external tool a template runs, and supervises the
// resulting child processes.
package apps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
)

var (
	ErrSpawnFailed = errors.New("cannot start process")
	ErrTimeout     = errors.New("process timed out")
	ErrKilled      = errors.New("process killed")
)

// ExitError reports a non-zero exit of a step.
type ExitError struct {
	Step string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with exit code %d", e.Step, e.Code)
}

// Step is one child process of an invocation.
type Step struct {
	Name  string
	Stage model.TaskStageType
	Argv  []string
	// SkipOnNoChanges skips the step once an earlier plan printed "No changes.".
	SkipOnNoChanges bool
	// Tolerate lets the run continue past a non-zero exit.
	Tolerate bool
	// After runs once the step exits zero.
	After func() error
}

// Invocation is everything needed to run a template once.
type Invocation struct {
	App   model.TemplateApp
	Dir   string
	Env   []string
	Steps []Step
	// Notes are written to the task log before the first step.
	Notes   []string
	Timeout time.Duration
	// Image runs the steps in a container instead of on the host.
	Image string
	// Generated lists files written into the workspace that are removed
	// once the invocation ends.
	Generated []string
}

// Command is a single process handed to a Backend.
type Command struct {
	Argv  []string
	Dir   string
	Env   []string
	Image string
}

// Child identifies a started process for cancellation and diagnostics.
type Child struct {
	PID         int
	ContainerID string
}

// Backend starts one command, streams its merged output line by line and
// returns its exit code. When ctx ends the backend terminates the child and
// returns an error wrapping ctx.Err().
type Backend interface {
	Run(ctx context.Context, cmd Command, line func(string), started func(Child)) (int, error)
}

// Observer receives the progress of an invocation.
type Observer interface {
	StepStarted(step Step)
	Line(line string)
	ChildStarted(child Child)
}

type Result struct {
	ExitCode   int
	Duration   time.Duration
	FinalStage string
	NoChanges  bool
}

// Credentials are the materialised keys an invocation may reference.
type Credentials struct {
	Env            []string
	SSHKeyFile     string
	SSHLogin       string
	Login          string
	Password       string
	BecomeLogin    string
	BecomePassword string
	Vaults         []VaultFile
}

type VaultFile struct {
	Name string
	Path string
}

// Inputs describe one task run. Inventory and Environment are nil when the
// task has none.
type Inputs struct {
	Task            model.Task
	Template        model.Template
	Repository      model.Repository
	Inventory       *model.Inventory
	Environment     *model.Environment
	WorkDir         string
	TmpDir          string
	Username        string
	IncomingVersion *string
	// BuildWorkspace is the workspace of the build task a terraform
	// inventory points at.
	BuildWorkspace string
	Credentials    Credentials
}

type Driver interface {
	BuildInvocation(in Inputs) (Invocation, error)
}

// Registry resolves the driver of a template app.
type Registry struct {
	tools toolchain
}

func NewRegistry(cfg config.Config) *Registry {
	return &Registry{tools: toolchain{cfg: cfg}}
}

func (r *Registry) Driver(app model.TemplateApp) (Driver, error) {
	switch {
	case app == model.AppAnsible:
		return ansibleDriver{tools: r.tools}, nil
	case app.IsTerraform():
		return terraformDriver{tools: r.tools, app: app}, nil
	case app.IsShell():
		return shellDriver{tools: r.tools, app: app}, nil
	case app == model.AppPulumi:
		return pulumiDriver{tools: r.tools}, nil
	}
	return nil, fault.Config("select driver", fmt.Errorf("unknown app %q", app))
}

// BuildInvocation is a shortcut for Driver(app).BuildInvocation(in).
func (r *Registry) BuildInvocation(in Inputs) (Invocation, error) {
	d, err := r.Driver(in.Template.App)
	if err != nil {
		return Invocation{}, err
	}
	return d.BuildInvocation(in)
}
