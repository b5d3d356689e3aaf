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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
)

func strPtr(s string) *string { return &s }

func testInputs(t *testing.T, app model.TemplateApp) Inputs {
	t.Helper()
	return Inputs{
		Task:       model.Task{ID: 42, ProjectID: 1, TemplateID: 5, CommitHash: strPtr("abc123"), CommitMessage: "Fix things"},
		Template:   model.Template{ID: 5, ProjectID: 1, Name: "T", App: app, Playbook: "site.yml"},
		Repository: model.Repository{ID: 2, Name: "repo"},
		WorkDir:    t.TempDir(),
		TmpDir:     t.TempDir(),
		Username:   "alice",
	}
}

func registry() *Registry {
	cfg := config.Default()
	cfg.PublicURL = "https://ci.example.com"
	return NewRegistry(cfg)
}

func envValue(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestShellInvocation(t *testing.T) {
	in := testInputs(t, model.AppBash)
	in.Template.Playbook = "hello.sh"
	in.Template.Arguments = strPtr(`["--tpl"]`)
	in.Task.Arguments = strPtr(`["--task"]`)
	in.Environment = &model.Environment{
		JSON: `{"region":"eu","count":3}`,
		ENV:  strPtr(`{"PLAIN":"yes"}`),
		Secrets: []model.EnvironmentSecret{
			{Name: "TOKEN", Type: model.EnvironmentSecretEnv, Secret: "supersecretvalue"},
			{Name: "pass", Type: model.EnvironmentSecretVar, Secret: "hunter2"},
		},
	}
	in.Credentials.Env = []string{"SSH_AUTH_SOCK=/tmp/x.sock"}

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 1)
	assert.Equal(t, []string{"bash", "hello.sh", "pass=hunter2", "--tpl", "count=3", "region=eu", "--task"}, inv.Steps[0].Argv)
	assert.Equal(t, in.WorkDir, inv.Dir)

	for key, want := range map[string]string{
		"TOKEN":                                  "supersecretvalue",
		"PLAIN":                                  "yes",
		"HOME":                                   in.WorkDir,
		"PWD":                                    in.WorkDir,
		"SSH_AUTH_SOCK":                          "/tmp/x.sock",
		"CONTINUUM_TASK_DETAILS_ID":              "'42'",
		"CONTINUUM_TASK_DETAILS_USERNAME":        "'alice'",
		"CONTINUUM_TASK_DETAILS_COMMIT_MESSAGE":  "'Fix things'",
		"CONTINUUM_TASK_DETAILS_URL":             "'https://ci.example.com/project/1/templates/5?t=42'",
		"CONTINUUM_TASK_DETAILS_REPOSITORY_NAME": "'repo'",
	} {
		got, ok := envValue(inv.Env, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, hasPath := envValue(inv.Env, "PATH")
	assert.True(t, hasPath)
}

func TestShellRunsWithoutInventoryOrEnvironment(t *testing.T) {
	in := testInputs(t, model.AppPython)
	in.Template.Playbook = "main.py"
	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "main.py"}, inv.Steps[0].Argv)
	v, _ := envValue(inv.Env, "PYTHONUNBUFFERED")
	assert.Equal(t, "1", v)
}

func TestBinaryOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Apps = map[string]config.AppConfig{"bash": {Path: "/opt/bin/bash", Args: []string{"-e"}}}
	in := testInputs(t, model.AppBash)
	in.Template.Playbook = "x.sh"

	inv, err := NewRegistry(cfg).BuildInvocation(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/bin/bash", "-e", "x.sh"}, inv.Steps[0].Argv)
}

func TestAnsibleRequiresInventory(t *testing.T) {
	_, err := registry().BuildInvocation(testInputs(t, model.AppAnsible))
	assert.ErrorIs(t, err, ErrNoInventory)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestAnsibleInvocation(t *testing.T) {
	in := testInputs(t, model.AppAnsible)
	in.Inventory = &model.Inventory{Name: "prod", Type: model.InventoryStatic, Inventory: "[web]\nhost1\n"}
	in.Environment = &model.Environment{JSON: `{"app_version":"1.2"}`}
	in.Task.Secret = `{"db_password":"s3cr3t"}`
	params := model.AnsibleTaskParams{Debug: true, DebugLevel: 2, DryRun: true, Diff: true,
		Limit: []string{"web", "db"}, Tags: []string{"deploy"}, SkipTags: []string{"slow"}}
	require.NoError(t, in.Task.SetParams(params))
	in.Credentials = Credentials{
		SSHKeyFile:     "/task/ssh_key",
		SSHLogin:       "deploy",
		BecomeLogin:    "root",
		BecomePassword: "becomepw",
		Vaults:         []VaultFile{{Name: "default", Path: "/task/vault_default_password"}},
	}

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 1)

	inventoryPath := filepath.Join(in.TmpDir, "inventory")
	varsPath := filepath.Join(in.TmpDir, "extra_vars.json")
	assert.Equal(t, []string{
		"ansible-playbook", "site.yml", "-i", inventoryPath,
		"--private-key=/task/ssh_key", "--user=deploy",
		"--vault-password-file=/task/vault_default_password",
		"-vv", "--check", "--diff", "--limit=web,db", "--tags=deploy", "--skip-tags=slow",
		"--extra-vars=@" + varsPath,
	}, inv.Steps[0].Argv)

	info, err := os.Stat(inventoryPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(varsPath)
	require.NoError(t, err)
	var vars map[string]any
	require.NoError(t, json.Unmarshal(raw, &vars))
	assert.Equal(t, "1.2", vars["app_version"])
	assert.Equal(t, "s3cr3t", vars["db_password"])
	assert.Equal(t, "root", vars["ansible_become_user"])
	assert.Equal(t, "becomepw", vars["ansible_become_password"])
	details := vars[varsKey].(map[string]any)["task_details"].(map[string]any)
	assert.Equal(t, "prod", details["inventory_name"])
	assert.Equal(t, "abc123", details["commit_hash"])

	v, _ := envValue(inv.Env, "ANSIBLE_HOST_KEY_CHECKING")
	assert.Equal(t, "False", v)
}

func TestAnsibleNamedVaults(t *testing.T) {
	assert.Equal(t, []string{"--vault-id=prod@/a", "--vault-id=dev@/b"},
		vaultArgs([]VaultFile{{Name: "prod", Path: "/a"}, {Name: "dev", Path: "/b"}}))
}

func TestAnsibleInventoryVariants(t *testing.T) {
	in := testInputs(t, model.AppAnsible)
	d := ansibleDriver{tools: toolchain{cfg: config.Default()}}

	in.Inventory = &model.Inventory{Type: model.InventoryStaticYaml, Inventory: "all:\n  hosts:\n    a: {}\n"}
	p, err := d.inventoryFile(in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in.TmpDir, "inventory.yml"), p)

	in.Inventory = &model.Inventory{Type: model.InventoryStaticYaml, Inventory: "all: [unclosed"}
	_, err = d.inventoryFile(in)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	in.Inventory = &model.Inventory{Type: model.InventoryStaticJSON, Inventory: "{not json"}
	_, err = d.inventoryFile(in)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	in.Inventory = &model.Inventory{Type: model.InventoryFile, Inventory: "inventories/prod.ini"}
	p, err = d.inventoryFile(in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in.WorkDir, "inventories", "prod.ini"), p)

	in.Inventory = &model.Inventory{Type: model.InventoryFile, Inventory: "../../etc/hosts"}
	_, err = d.inventoryFile(in)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	in.Inventory = &model.Inventory{Type: model.InventoryTerraformInventory}
	_, err = d.inventoryFile(in)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	in.BuildWorkspace = "/tmp/continuum/project_1/repository_9"
	p, err = d.inventoryFile(in)
	require.NoError(t, err)
	content, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(content), "plugin: cloud.terraform.terraform_provider")
	assert.Contains(t, string(content), "project_path: /tmp/continuum/project_1/repository_9")
}

func TestAnsibleGalaxyStamp(t *testing.T) {
	in := testInputs(t, model.AppAnsible)
	in.Inventory = &model.Inventory{Type: model.InventoryStatic, Inventory: "localhost"}
	req := filepath.Join(in.WorkDir, "roles", "requirements.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(req), 0700))
	require.NoError(t, os.WriteFile(req, []byte("- src: geerlingguy.docker\n"), 0644))

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 2)
	galaxy := inv.Steps[0]
	assert.Equal(t, []string{"ansible-galaxy", "role", "install", "-r", req, "--force"}, galaxy.Argv)
	assert.Equal(t, model.TaskStageInit, galaxy.Stage)
	require.NoError(t, galaxy.After())
	assert.FileExists(t, req+"_role.md5")

	in.TmpDir = t.TempDir()
	inv, err = registry().BuildInvocation(in)
	require.NoError(t, err)
	assert.Len(t, inv.Steps, 1)
	assert.Contains(t, inv.Notes[0], "has no changes")
}

func TestTerraformInvocation(t *testing.T) {
	in := testInputs(t, model.AppTerraform)
	in.Template.Playbook = "infra"
	in.Template.Params = json.RawMessage(`{"auto_approve":true}`)
	in.Template.Arguments = strPtr(`{"init":["-backend=false"],"plan":["-parallelism=2"]}`)
	in.Inventory = &model.Inventory{Type: model.InventoryTerraformInventory, Inventory: "staging"}
	in.Environment = &model.Environment{
		JSON:    `{"region":"eu"}`,
		Secrets: []model.EnvironmentSecret{{Name: "token", Type: model.EnvironmentSecretVar, Secret: "tfsecret"}},
	}
	require.NoError(t, in.Task.SetParams(model.TerraformTaskParams{Upgrade: true, Destroy: true}))

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in.WorkDir, "infra"), inv.Dir)
	pwd, _ := envValue(inv.Env, "PWD")
	assert.Equal(t, inv.Dir, pwd)

	require.Len(t, inv.Steps, 4)
	planFile := filepath.Join(in.TmpDir, planFileName)
	assert.Equal(t, []string{"terraform", "init", "-input=false", "-lock=false", "-upgrade", "-backend=false"}, inv.Steps[0].Argv)
	assert.Equal(t, []string{"terraform", "workspace", "select", "-or-create=true", "staging"}, inv.Steps[1].Argv)
	assert.True(t, inv.Steps[1].Tolerate)
	assert.Equal(t, []string{"terraform", "plan", "-input=false", "-lock=false", "-destroy", "-parallelism=2",
		"-var", "region=eu", "-var", "token=tfsecret", "-out=" + planFile}, inv.Steps[2].Argv)
	assert.Equal(t, model.TaskStagePlan, inv.Steps[2].Stage)
	assert.Equal(t, []string{"terraform", "apply", "-input=false", "-lock=false", "-auto-approve", planFile}, inv.Steps[3].Argv)
	assert.True(t, inv.Steps[3].SkipOnNoChanges)
}

func TestTerraformApplyGating(t *testing.T) {
	in := testInputs(t, model.AppTofu)
	in.Template.Playbook = ""

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 2)
	assert.Contains(t, inv.Notes[0], "apply is skipped")

	in.Template.Params = json.RawMessage(`{"allow_auto_approve":true}`)
	require.NoError(t, in.Task.SetParams(model.TerraformTaskParams{AutoApprove: true}))
	inv, err = registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 3)
	assert.Equal(t, "tofu", inv.Steps[2].Argv[0])

	require.NoError(t, in.Task.SetParams(model.TerraformTaskParams{AutoApprove: true, Plan: true}))
	inv, err = registry().BuildInvocation(in)
	require.NoError(t, err)
	assert.Len(t, inv.Steps, 2)
}

func TestTerragruntAddsTfPath(t *testing.T) {
	in := testInputs(t, model.AppTerragrunt)
	in.Template.Playbook = ""
	in.Inventory = &model.Inventory{Inventory: "prod"}

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	for _, s := range inv.Steps {
		assert.Equal(t, "--tf-path=terraform", s.Argv[len(s.Argv)-1], s.Name)
	}
	assert.Equal(t, []string{"terragrunt", "run", "--", "workspace", "select", "-or-create=true", "prod", "--tf-path=terraform"}, inv.Steps[1].Argv)
}

func TestTerraformBackendOverride(t *testing.T) {
	in := testInputs(t, model.AppTerraform)
	in.Template.Playbook = ""
	in.Template.Params = json.RawMessage(`{"override_backend":true,"backend_filename":"override.tf"}`)

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	path := filepath.Join(in.WorkDir, "override.tf")
	assert.Equal(t, []string{path}, inv.Generated)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `backend "http"`)
}

func TestPulumiInvocation(t *testing.T) {
	in := testInputs(t, model.AppPulumi)
	in.Template.Playbook = "stack"
	in.Environment = &model.Environment{JSON: `{"aws:region":"eu-west-1"}`}
	require.NoError(t, in.Task.SetParams(model.PulumiTaskParams{Stack: "dev"}))

	inv, err := registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 2)
	assert.Equal(t, []string{"pulumi", "stack", "select", "--create", "--non-interactive", "dev"}, inv.Steps[0].Argv)
	assert.Equal(t, []string{"pulumi", "up", "--yes", "--skip-preview", "--non-interactive", "--config", "aws:region=eu-west-1"}, inv.Steps[1].Argv)

	require.NoError(t, in.Task.SetParams(model.PulumiTaskParams{Preview: true}))
	inv, err = registry().BuildInvocation(in)
	require.NoError(t, err)
	require.Len(t, inv.Steps, 1)
	assert.Equal(t, "preview", inv.Steps[0].Argv[1])
}

func TestStageArgsMerge(t *testing.T) {
	in := Inputs{
		Template: model.Template{Arguments: strPtr(`["-a"]`)},
		Task:     model.Task{Arguments: strPtr(`{"default":["-b"],"apply":["-c"]}`)},
	}
	m, err := stageArgs(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"-a", "-b"}, argsFor(m, "plan"))
	assert.Equal(t, []string{"-c"}, argsFor(m, "apply"))

	in.Task.Arguments = strPtr(`{broken`)
	_, err = stageArgs(in)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestDetailsEnvQuoting(t *testing.T) {
	env := detailsEnv(map[string]any{"message": "it's\x07 done", "id": 7, "skip": 1.5})
	assert.Equal(t, []string{
		"CONTINUUM_TASK_DETAILS_ID='7'",
		`CONTINUUM_TASK_DETAILS_MESSAGE='it'\''s done'`,
	}, env)
}

func TestUnknownApp(t *testing.T) {
	_, err := registry().Driver("cobol")
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
