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
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
)

// varsKey holds task details inside the extra vars object.
const varsKey = "continuum_vars"

type toolchain struct {
	cfg config.Config
}

// binary applies the configured path and prepended args of app.
func (t toolchain) binary(app string, def string, args ...string) []string {
	bin, pre := t.cfg.AppBinary(app, def)
	argv := append([]string{bin}, pre...)
	return append(argv, args...)
}

// baseEnv is shared by every child: PATH, forwarded host vars, configured
// vars, HOME and PWD, the environment ENV map, env secrets and credentials.
func (t toolchain) baseEnv(in Inputs, dir string) ([]string, error) {
	env := []string{"PATH=" + os.Getenv("PATH")}
	for _, name := range t.cfg.ForwardedEnvVars {
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(t.cfg.EnvVars)) {
		env = append(env, k+"="+t.cfg.EnvVars[k])
	}
	env = append(env, "HOME="+in.WorkDir, "PWD="+dir)

	if e := in.Environment; e != nil {
		if e.ENV != nil && strings.TrimSpace(*e.ENV) != "" {
			vars := map[string]string{}
			if err := json.Unmarshal([]byte(*e.ENV), &vars); err != nil {
				return nil, fault.Config("parse environment env", err)
			}
			for _, k := range slices.Sorted(maps.Keys(vars)) {
				env = append(env, k+"="+vars[k])
			}
		}
		for _, s := range e.Secrets {
			if s.Type == model.EnvironmentSecretEnv {
				env = append(env, s.Name+"="+s.Secret)
			}
		}
	}
	return append(env, in.Credentials.Env...), nil
}

func taskDetails(in Inputs, publicURL string) map[string]any {
	d := map[string]any{
		"id":              in.Task.ID,
		"username":        in.Username,
		"url":             in.Task.GetURL(publicURL),
		"commit_message":  in.Task.CommitMessage,
		"repository_name": in.Repository.Name,
	}
	if in.Task.Message != "" {
		d["message"] = in.Task.Message
	}
	if in.Task.CommitHash != nil {
		d["commit_hash"] = *in.Task.CommitHash
	}
	if in.Inventory != nil {
		d["inventory_name"] = in.Inventory.Name
	}
	if in.Template.Type != model.TemplateTask {
		d["type"] = string(in.Template.Type)
		if in.IncomingVersion != nil {
			d["incoming_version"] = *in.IncomingVersion
		}
		if in.Template.Type == model.TemplateBuild && in.Task.Version != nil {
			d["target_version"] = *in.Task.Version
		}
	}
	return d
}

// extraVars merges the environment JSON, the task's survey secrets and the
// task details.
func extraVars(in Inputs, publicURL string) (map[string]any, error) {
	vars := map[string]any{}
	if in.Environment != nil && strings.TrimSpace(in.Environment.JSON) != "" {
		if err := json.Unmarshal([]byte(in.Environment.JSON), &vars); err != nil {
			return nil, fault.Config("parse environment vars", err)
		}
	}
	if strings.TrimSpace(in.Task.Secret) != "" {
		secret := map[string]any{}
		if err := json.Unmarshal([]byte(in.Task.Secret), &secret); err != nil {
			return nil, fault.Config("parse survey secrets", err)
		}
		maps.Copy(vars, secret)
	}
	vars[varsKey] = map[string]any{"task_details": taskDetails(in, publicURL)}
	return vars, nil
}

// flatVars renders extra vars as sorted KEY=VALUE pairs without task details.
func flatVars(vars map[string]any) []string {
	var out []string
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		if k == varsKey {
			continue
		}
		out = append(out, k+"="+stringify(vars[k]))
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// detailsEnv exports task details as CONTINUUM_TASK_DETAILS_<KEY> for
// shell-like apps.
func detailsEnv(details map[string]any) []string {
	var env []string
	for _, k := range slices.Sorted(maps.Keys(details)) {
		var s string
		switch v := details[k].(type) {
		case string:
			s = v
		case int:
			s = strconv.Itoa(v)
		default:
			continue
		}
		if s == "" {
			continue
		}
		env = append(env, "CONTINUUM_TASK_DETAILS_"+strings.ToUpper(k)+"="+shellQuote(stripUnsafe(s)))
	}
	return env
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func stripUnsafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

// secretVarArgs renders environment secrets of kind var with format.
func secretVarArgs(in Inputs, format func(name, value string) []string) []string {
	if in.Environment == nil {
		return nil
	}
	var out []string
	for _, s := range in.Environment.Secrets {
		if s.Type == model.EnvironmentSecretVar {
			out = append(out, format(s.Name, s.Secret)...)
		}
	}
	return out
}

// cliArgs parses template and task arguments as JSON string arrays.
func cliArgs(in Inputs) (tpl []string, task []string, err error) {
	if tpl, err = parseArgList(in.Template.Arguments); err != nil {
		return nil, nil, fault.Config("parse template arguments", err)
	}
	if task, err = parseArgList(in.Task.Arguments); err != nil {
		return nil, nil, fault.Config("parse task arguments", err)
	}
	return tpl, task, nil
}

func parseArgList(raw *string) ([]string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(*raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// stageArgs merges template and task arguments keyed by stage. A plain
// array is treated as the "default" stage.
func stageArgs(in Inputs) (map[string][]string, error) {
	out := map[string][]string{}
	for _, raw := range []*string{in.Template.Arguments, in.Task.Arguments} {
		m, err := parseArgMap(raw)
		if err != nil {
			return nil, fault.Config("parse stage arguments", err)
		}
		for stage, args := range m {
			out[stage] = append(out[stage], args...)
		}
	}
	return out, nil
}

func parseArgMap(raw *string) (map[string][]string, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	m := map[string][]string{}
	if err := json.Unmarshal([]byte(*raw), &m); err == nil {
		return m, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(*raw), &list); err != nil {
		return nil, err
	}
	return map[string][]string{"default": list}, nil
}

// argsFor returns the args of stage, falling back to "default".
func argsFor(m map[string][]string, stage string) []string {
	if a, ok := m[stage]; ok {
		return a
	}
	return m["default"]
}

// inside joins rel onto root and rejects paths that escape it.
func inside(root, rel string) (string, error) {
	p := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fault.Config("resolve path", fmt.Errorf("%q escapes the workspace", rel))
	}
	return p, nil
}

func writePrivate(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}
