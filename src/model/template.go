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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

type TemplateApp string

const (
	AppAnsible    TemplateApp = "ansible"
	AppTerraform  TemplateApp = "terraform"
	AppTofu       TemplateApp = "tofu"
	AppTerragrunt TemplateApp = "terragrunt"
	AppBash       TemplateApp = "bash"
	AppPowerShell TemplateApp = "powershell"
	AppPython     TemplateApp = "python"
	AppPulumi     TemplateApp = "pulumi"
)

func (a TemplateApp) IsTerraform() bool {
	return a == AppTerraform || a == AppTofu || a == AppTerragrunt
}

func (a TemplateApp) IsShell() bool {
	return a == AppBash || a == AppPowerShell || a == AppPython
}

func (a TemplateApp) IsValid() bool {
	return a == AppAnsible || a.IsTerraform() || a.IsShell() || a == AppPulumi
}

type TemplateType string

const (
	TemplateTask  TemplateType = ""
	TemplateBuild TemplateType = "build"
)

type TemplateVaultType string

const (
	TemplateVaultPassword TemplateVaultType = "password"
)

type TemplateVault struct {
	ID         int               `json:"id"`
	Name       string            `json:"name"`
	Type       TemplateVaultType `json:"type"`
	VaultKeyID *int              `json:"vault_key_id,omitempty"`
}

type SurveyVar struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

type Template struct {
	ID            int          `json:"id"`
	ProjectID     int          `json:"project_id"`
	RepositoryID  int          `json:"repository_id"`
	InventoryID   *int         `json:"inventory_id,omitempty"`
	EnvironmentID *int         `json:"environment_id,omitempty"`
	Name          string       `json:"name"`
	App           TemplateApp  `json:"app"`
	Type          TemplateType `json:"type"`
	Playbook      string       `json:"playbook"`
	GitBranch     *string      `json:"git_branch,omitempty"`
	Arguments     *string      `json:"arguments,omitempty"`
	StartVersion  *string      `json:"start_version,omitempty"`
	// Timeout is the child wall-clock limit in seconds. Zero means none.
	Timeout        int             `json:"timeout,omitempty"`
	ContainerImage string          `json:"container_image,omitempty"`
	SurveyVars     []SurveyVar     `json:"survey_vars,omitempty"`
	Vaults         []TemplateVault `json:"vaults,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

func (t *Template) ExtractParams(target any) error {
	if len(t.Params) == 0 {
		return nil
	}
	return json.Unmarshal(t.Params, target)
}

func (t Template) Validate() error {
	if !t.App.IsValid() {
		return fmt.Errorf("unknown template app %q", t.App)
	}
	if t.Type != TemplateTask && t.Type != TemplateBuild {
		return fmt.Errorf("unknown template type %q", t.Type)
	}
	if t.Name == "" {
		return errors.New("template name is empty")
	}
	if t.Type == TemplateBuild && t.StartVersion == nil {
		return errors.New("build template requires a start version")
	}
	return nil
}

type AnsibleTaskParams struct {
	Debug      bool     `json:"debug"`
	DebugLevel int      `json:"debug_level"`
	DryRun     bool     `json:"dry_run"`
	Diff       bool     `json:"diff"`
	Limit      []string `json:"limit"`
	Tags       []string `json:"tags"`
	SkipTags   []string `json:"skip_tags"`
}

type TerraformTaskParams struct {
	Plan        bool `json:"plan"`
	Destroy     bool `json:"destroy"`
	AutoApprove bool `json:"auto_approve"`
	Upgrade     bool `json:"upgrade"`
	Reconfigure bool `json:"reconfigure"`
}

type TerraformTemplateParams struct {
	AutoApprove      bool   `json:"auto_approve"`
	AllowAutoApprove bool   `json:"allow_auto_approve"`
	OverrideBackend  bool   `json:"override_backend"`
	BackendFilename  string `json:"backend_filename"`
}

type PulumiTaskParams struct {
	Preview bool   `json:"preview"`
	Stack   string `json:"stack"`
}

var versionTail = regexp.MustCompile(`(\d+)(\D*)$`)

// GetNextBuildVersion bumps the last number of current, or returns start
// when there is no previous build.
func GetNextBuildVersion(start string, current *string) string {
	if current == nil || *current == "" {
		return start
	}
	m := versionTail.FindStringSubmatchIndex(*current)
	if m == nil {
		return start
	}
	cur := *current
	n, err := strconv.Atoi(cur[m[2]:m[3]])
	if err != nil {
		return start
	}
	return cur[:m[2]] + strconv.Itoa(n+1) + cur[m[4]:m[5]]
}
