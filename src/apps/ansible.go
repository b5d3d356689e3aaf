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
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"continuumops/src/fault"
	"continuumops/src/model"
)

var ErrNoInventory = errors.New("ansible template requires an inventory")

type ansibleDriver struct {
	tools toolchain
}

func (d ansibleDriver) BuildInvocation(in Inputs) (Invocation, error) {
	if in.Inventory == nil {
		return Invocation{}, fault.Config("build ansible invocation", ErrNoInventory)
	}
	playbook, err := inside(in.WorkDir, in.Template.Playbook)
	if err != nil {
		return Invocation{}, err
	}

	env, err := d.tools.baseEnv(in, in.WorkDir)
	if err != nil {
		return Invocation{}, err
	}
	env = append(env,
		"ANSIBLE_FORCE_COLOR=1",
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"PYTHONUNBUFFERED=1",
	)

	inv := Invocation{
		App:     model.AppAnsible,
		Dir:     in.WorkDir,
		Env:     env,
		Timeout: timeoutOf(in.Template),
		Image:   in.Template.ContainerImage,
	}

	galaxy, notes, err := d.galaxySteps(in, filepath.Dir(playbook))
	if err != nil {
		return Invocation{}, err
	}
	inv.Steps = append(inv.Steps, galaxy...)
	inv.Notes = append(inv.Notes, notes...)

	inventoryPath, err := d.inventoryFile(in)
	if err != nil {
		return Invocation{}, err
	}

	varsFile, err := d.extraVarsFile(in)
	if err != nil {
		return Invocation{}, err
	}

	var params model.AnsibleTaskParams
	if err := in.Task.ExtractParams(&params); err != nil {
		return Invocation{}, fault.Config("parse ansible params", err)
	}
	tplArgs, taskArgs, err := cliArgs(in)
	if err != nil {
		return Invocation{}, err
	}

	args := []string{in.Template.Playbook, "-i", inventoryPath}
	if in.Credentials.SSHKeyFile != "" {
		args = append(args, "--private-key="+in.Credentials.SSHKeyFile)
	}
	if in.Credentials.SSHLogin != "" {
		args = append(args, "--user="+in.Credentials.SSHLogin)
	}
	args = append(args, vaultArgs(in.Credentials.Vaults)...)
	args = append(args, paramArgs(params)...)
	args = append(args, "--extra-vars=@"+varsFile)
	args = append(args, tplArgs...)
	args = append(args, taskArgs...)

	inv.Steps = append(inv.Steps, Step{
		Name:  "ansible-playbook",
		Stage: model.TaskStageRun,
		Argv:  d.tools.binary(string(model.AppAnsible), "ansible-playbook", args...),
	})
	return inv, nil
}

func vaultArgs(vaults []VaultFile) []string {
	if len(vaults) == 1 && vaults[0].Name == "default" {
		return []string{"--vault-password-file=" + vaults[0].Path}
	}
	var out []string
	for _, v := range vaults {
		out = append(out, "--vault-id="+v.Name+"@"+v.Path)
	}
	return out
}

func paramArgs(p model.AnsibleTaskParams) []string {
	var out []string
	if p.Debug {
		level := p.DebugLevel
		if level < 1 || level > 6 {
			level = 4
		}
		out = append(out, "-"+strings.Repeat("v", level))
	}
	if p.DryRun {
		out = append(out, "--check")
	}
	if p.Diff {
		out = append(out, "--diff")
	}
	if len(p.Limit) > 0 {
		out = append(out, "--limit="+strings.Join(p.Limit, ","))
	}
	if len(p.Tags) > 0 {
		out = append(out, "--tags="+strings.Join(p.Tags, ","))
	}
	if len(p.SkipTags) > 0 {
		out = append(out, "--skip-tags="+strings.Join(p.SkipTags, ","))
	}
	return out
}

// inventoryFile materialises the inventory and returns its path.
func (d ansibleDriver) inventoryFile(in Inputs) (string, error) {
	i := in.Inventory
	switch i.Type {
	case model.InventoryStatic:
		return writeInventory(in.TmpDir, "inventory", []byte(i.Inventory))
	case model.InventoryStaticYaml:
		var probe any
		if err := yaml.Unmarshal([]byte(i.Inventory), &probe); err != nil {
			return "", fault.Config("parse yaml inventory", err)
		}
		return writeInventory(in.TmpDir, "inventory.yml", []byte(i.Inventory))
	case model.InventoryStaticJSON:
		if !json.Valid([]byte(i.Inventory)) {
			return "", fault.Config("parse json inventory", errors.New("inventory is not valid json"))
		}
		return writeInventory(in.TmpDir, "inventory.json", []byte(i.Inventory))
	case model.InventoryFile:
		return inside(in.WorkDir, i.Inventory)
	case model.InventoryTerraformInventory:
		if in.BuildWorkspace == "" {
			return "", fault.Config("terraform inventory", errors.New("no build task workspace to read state from"))
		}
		plugin, err := yaml.Marshal(map[string]string{
			"plugin":       "cloud.terraform.terraform_provider",
			"project_path": in.BuildWorkspace,
		})
		if err != nil {
			return "", fault.Config("terraform inventory", err)
		}
		return writeInventory(in.TmpDir, "inventory.terraform_provider.yml", plugin)
	}
	return "", fault.Config("materialise inventory", fmt.Errorf("unknown inventory type %q", i.Type))
}

func writeInventory(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := writePrivate(path, data); err != nil {
		return "", fault.New(fault.KindUnknown, "write inventory", err)
	}
	return path, nil
}

// extraVarsFile writes extra vars plus login and become credentials to
// extra_vars.json in the task directory.
func (d ansibleDriver) extraVarsFile(in Inputs) (string, error) {
	vars, err := extraVars(in, d.tools.cfg.PublicURL)
	if err != nil {
		return "", err
	}
	c := in.Credentials
	if c.Login != "" {
		vars["ansible_user"] = c.Login
	}
	if c.Password != "" {
		vars["ansible_password"] = c.Password
	}
	if c.BecomeLogin != "" {
		vars["ansible_become_user"] = c.BecomeLogin
	}
	if c.BecomePassword != "" {
		vars["ansible_become_password"] = c.BecomePassword
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fault.Config("encode extra vars", err)
	}
	path := filepath.Join(in.TmpDir, "extra_vars.json")
	if err := writePrivate(path, b); err != nil {
		return "", fault.New(fault.KindUnknown, "write extra vars", err)
	}
	return path, nil
}

type galaxyKind string

const (
	galaxyRole       galaxyKind = "role"
	galaxyCollection galaxyKind = "collection"
)

// galaxySteps installs every requirements file whose content changed since
// its last successful install. The md5 stamp sits beside the file.
func (d ansibleDriver) galaxySteps(in Inputs, playbookDir string) ([]Step, []string, error) {
	candidates := []struct {
		kind galaxyKind
		path string
	}{
		{galaxyCollection, filepath.Join(playbookDir, "collections", "requirements.yml")},
		{galaxyCollection, filepath.Join(playbookDir, "requirements.yml")},
		{galaxyCollection, filepath.Join(in.WorkDir, "collections", "requirements.yml")},
		{galaxyCollection, filepath.Join(in.WorkDir, "requirements.yml")},
		{galaxyRole, filepath.Join(playbookDir, "roles", "requirements.yml")},
		{galaxyRole, filepath.Join(playbookDir, "requirements.yml")},
		{galaxyRole, filepath.Join(in.WorkDir, "roles", "requirements.yml")},
		{galaxyRole, filepath.Join(in.WorkDir, "requirements.yml")},
	}

	var (
		steps []Step
		notes []string
		seen  = map[string]bool{}
	)
	for _, c := range candidates {
		key := string(c.kind) + ":" + c.path
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := os.Stat(c.path); err != nil {
			continue
		}
		stamp := fmt.Sprintf("%s_%s.md5", c.path, c.kind)
		sum, err := md5File(c.path)
		if err != nil {
			return nil, nil, fault.New(fault.KindUnknown, "hash requirements", err)
		}
		if old, err := os.ReadFile(stamp); err == nil && string(old) == sum {
			notes = append(notes, c.path+" has no changes. Skip galaxy "+string(c.kind)+" install.")
			continue
		}
		steps = append(steps, Step{
			Name:  "ansible-galaxy " + string(c.kind),
			Stage: model.TaskStageInit,
			Argv:  d.tools.binary("ansible-galaxy", "ansible-galaxy", string(c.kind), "install", "-r", c.path, "--force"),
			After: func() error { return os.WriteFile(stamp, []byte(sum), 0644) },
		})
	}
	return steps, notes, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
