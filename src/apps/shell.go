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
	"time"

	"continuumops/src/model"
)

var interpreters = map[model.TemplateApp]string{
	model.AppBash:       "bash",
	model.AppPowerShell: "pwsh",
	model.AppPython:     "python3",
}

// shellDriver runs a script from the workspace with an interpreter.
type shellDriver struct {
	tools toolchain
	app   model.TemplateApp
}

func (d shellDriver) BuildInvocation(in Inputs) (Invocation, error) {
	if _, err := inside(in.WorkDir, in.Template.Playbook); err != nil {
		return Invocation{}, err
	}
	env, err := d.tools.baseEnv(in, in.WorkDir)
	if err != nil {
		return Invocation{}, err
	}
	vars, err := extraVars(in, d.tools.cfg.PublicURL)
	if err != nil {
		return Invocation{}, err
	}
	env = append(env, detailsEnv(taskDetails(in, d.tools.cfg.PublicURL))...)
	if d.app == model.AppPython {
		env = append(env, "PYTHONUNBUFFERED=1")
	}

	tplArgs, taskArgs, err := cliArgs(in)
	if err != nil {
		return Invocation{}, err
	}

	args := []string{in.Template.Playbook}
	args = append(args, secretVarArgs(in, func(name, value string) []string {
		return []string{name + "=" + value}
	})...)
	args = append(args, tplArgs...)
	args = append(args, flatVars(vars)...)
	args = append(args, taskArgs...)

	return Invocation{
		App:     d.app,
		Dir:     in.WorkDir,
		Env:     env,
		Timeout: timeoutOf(in.Template),
		Image:   in.Template.ContainerImage,
		Steps: []Step{{
			Name:  string(d.app),
			Stage: model.TaskStageRun,
			Argv:  d.tools.binary(string(d.app), interpreters[d.app], args...),
		}},
	}, nil
}

func timeoutOf(t model.Template) time.Duration {
	if t.Timeout <= 0 {
		return 0
	}
	return time.Duration(t.Timeout) * time.Second
}
