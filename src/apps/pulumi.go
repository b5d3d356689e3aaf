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
	"continuumops/src/fault"
	"continuumops/src/model"
)

type pulumiDriver struct {
	tools toolchain
}

func (d pulumiDriver) BuildInvocation(in Inputs) (Invocation, error) {
	dir, err := inside(in.WorkDir, in.Template.Playbook)
	if err != nil {
		return Invocation{}, err
	}
	env, err := d.tools.baseEnv(in, dir)
	if err != nil {
		return Invocation{}, err
	}
	env = append(env, "PULUMI_SKIP_UPDATE_CHECK=true", "PULUMI_SKIP_CONFIRMATIONS=true")

	var params model.PulumiTaskParams
	if err := in.Task.ExtractParams(&params); err != nil {
		return Invocation{}, fault.Config("parse pulumi params", err)
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
		App:     model.AppPulumi,
		Dir:     dir,
		Env:     env,
		Timeout: timeoutOf(in.Template),
		Image:   in.Template.ContainerImage,
	}
	bin := func(args ...string) []string {
		return d.tools.binary(string(model.AppPulumi), "pulumi", args...)
	}

	if params.Stack != "" {
		inv.Steps = append(inv.Steps, Step{
			Name:  "stack select",
			Stage: model.TaskStageInit,
			Argv:  bin("stack", "select", "--create", "--non-interactive", params.Stack),
		})
	}

	var config []string
	for _, kv := range flatVars(vars) {
		config = append(config, "--config", kv)
	}
	config = append(config, secretVarArgs(in, func(name, value string) []string {
		return []string{"--config", name + "=" + value}
	})...)

	if params.Preview {
		args := append([]string{"preview", "--non-interactive"}, argsFor(stages, "plan")...)
		inv.Steps = append(inv.Steps, Step{Name: "preview", Stage: model.TaskStagePlan, Argv: bin(append(args, config...)...)})
		return inv, nil
	}
	args := append([]string{"up", "--yes", "--skip-preview", "--non-interactive"}, argsFor(stages, "apply")...)
	inv.Steps = append(inv.Steps, Step{Name: "up", Stage: model.TaskStageRun, Argv: bin(append(args, config...)...)})
	return inv, nil
}
