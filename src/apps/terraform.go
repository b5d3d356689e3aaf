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

package apps

import (
	"path/filepath"
	"strings"

	"continuumops/src/fault"
	"continuumops/src/model"
)

const (
	planFileName   = "tfplan"
	noChangesToken = "No changes."
	backendFile    = "backend.tf"
	httpBackend    = "terraform {\n  backend \"http\" {\n  }\n}\n"
)

// terraformDriver serves terraform, tofu and terragrunt. The run is split
// into init, workspace, plan and apply steps; apply reads the saved plan.
type terraformDriver struct {
	tools toolchain
	app   model.TemplateApp
}

func (d terraformDriver) BuildInvocation(in Inputs) (Invocation, error) {
	dir, err := inside(in.WorkDir, in.Template.Playbook)
	if err != nil {
		return Invocation{}, err
	}
	env, err := d.tools.baseEnv(in, dir)
	if err != nil {
		return Invocation{}, err
	}
	env = append(env, "TF_IN_AUTOMATION=1", "TF_INPUT=0")

	var (
		params    model.TerraformTaskParams
		tplParams model.TerraformTemplateParams
	)
	if err := in.Task.ExtractParams(&params); err != nil {
		return Invocation{}, fault.Config("parse terraform params", err)
	}
	if err := in.Template.ExtractParams(&tplParams); err != nil {
		return Invocation{}, fault.Config("parse terraform template params", err)
	}
	stages, err := stageArgs(in)
	if err != nil {
		return Invocation{}, err
	}
	vars, err := extraVars(in, d.tools.cfg.PublicURL)
	if err != nil {
		return Invocation{}, err
	}

	inv := Invocation{
		App:     d.app,
		Dir:     dir,
		Env:     env,
		Timeout: timeoutOf(in.Template),
		Image:   in.Template.ContainerImage,
	}

	if tplParams.OverrideBackend {
		name := tplParams.BackendFilename
		if name == "" {
			name = backendFile
		}
		path, err := inside(dir, name)
		if err != nil {
			return Invocation{}, err
		}
		if err := writePrivate(path, []byte(httpBackend)); err != nil {
			return Invocation{}, fault.New(fault.KindUnknown, "write backend override", err)
		}
		inv.Generated = append(inv.Generated, path)
	}

	initArgs := []string{"init", "-input=false", "-lock=false"}
	if params.Upgrade {
		initArgs = append(initArgs, "-upgrade")
	}
	if params.Reconfigure {
		initArgs = append(initArgs, "-reconfigure")
	}
	initArgs = append(initArgs, stages["init"]...)
	inv.Steps = append(inv.Steps, d.step("init", model.TaskStageInit, initArgs))

	if in.Inventory != nil && strings.TrimSpace(in.Inventory.Inventory) != "" {
		ws := []string{"workspace", "select", "-or-create=true", strings.TrimSpace(in.Inventory.Inventory)}
		if d.app == model.AppTerragrunt {
			ws = append([]string{"run", "--"}, ws...)
		}
		step := d.step("workspace", model.TaskStageInit, ws)
		step.Tolerate = true
		inv.Steps = append(inv.Steps, step)
	}

	planFile := filepath.Join(in.TmpDir, planFileName)
	planArgs := []string{"plan", "-input=false", "-lock=false"}
	if params.Destroy {
		planArgs = append(planArgs, "-destroy")
	}
	planArgs = append(planArgs, argsFor(stages, "plan")...)
	for _, kv := range flatVars(vars) {
		planArgs = append(planArgs, "-var", kv)
	}
	planArgs = append(planArgs, secretVarArgs(in, func(name, value string) []string {
		return []string{"-var", name + "=" + value}
	})...)
	planArgs = append(planArgs, "-out="+planFile)
	inv.Steps = append(inv.Steps, d.step("plan", model.TaskStagePlan, planArgs))

	approved := tplParams.AutoApprove || (tplParams.AllowAutoApprove && params.AutoApprove)
	switch {
	case params.Plan:
		inv.Notes = append(inv.Notes, "Plan only run, apply is skipped.")
	case !approved:
		inv.Notes = append(inv.Notes, "Apply requires auto approve on the template, apply is skipped.")
	default:
		applyArgs := []string{"apply", "-input=false", "-lock=false", "-auto-approve"}
		applyArgs = append(applyArgs, argsFor(stages, "apply")...)
		applyArgs = append(applyArgs, planFile)
		step := d.step("apply", model.TaskStageRun, applyArgs)
		step.SkipOnNoChanges = true
		inv.Steps = append(inv.Steps, step)
	}
	return inv, nil
}

func (d terraformDriver) step(name string, stage model.TaskStageType, args []string) Step {
	argv := d.tools.binary(string(d.app), string(d.app), args...)
	if d.app == model.AppTerragrunt && !hasTfPath(argv) {
		argv = append(argv, "--tf-path=terraform")
	}
	return Step{Name: name, Stage: stage, Argv: argv}
}

func hasTfPath(argv []string) bool {
	for _, a := range argv {
		if a == "--tf-path" || strings.HasPrefix(a, "--tf-path=") {
			return true
		}
	}
	return false
}
