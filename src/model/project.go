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
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

type Project struct {
	ID      int       `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	// MaxParallelTasks nil means the process-wide cap applies. Zero blocks
	// the queue entirely.
	MaxParallelTasks *int    `json:"max_parallel_tasks,omitempty"`
	Alert            bool    `json:"alert"`
	AlertChat        *string `json:"alert_chat,omitempty"`
}

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

type Repository struct {
	ID        int    `json:"id"`
	ProjectID int    `json:"project_id"`
	Name      string `json:"name"`
	GitURL    string `json:"git_url"`
	GitBranch string `json:"git_branch"`
	SSHKeyID  *int   `json:"ssh_key_id,omitempty"`
}

type RepositoryType string

const (
	RepositoryGit   RepositoryType = "git"
	RepositorySSH   RepositoryType = "ssh"
	RepositoryHTTP  RepositoryType = "https"
	RepositoryFile  RepositoryType = "file"
	RepositoryLocal RepositoryType = "local"
)

var scpLikeURL = regexp.MustCompile(`^[\w.-]+@[\w.-]+:`)

// GetType classifies the remote URL.
func (r Repository) GetType() RepositoryType {
	u := r.GitURL
	switch {
	case strings.HasPrefix(u, "/"):
		return RepositoryLocal
	case strings.HasPrefix(u, "file://"):
		return RepositoryFile
	case strings.HasPrefix(u, "git://"):
		return RepositoryGit
	case strings.HasPrefix(u, "ssh://"), scpLikeURL.MatchString(u):
		return RepositorySSH
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		return RepositoryHTTP
	}
	return RepositoryLocal
}

func (r Repository) Validate() error {
	if strings.TrimSpace(r.GitURL) == "" {
		return errors.New("repository url is empty")
	}
	if r.Name == "" {
		return errors.New("repository name is empty")
	}
	return nil
}

type InventoryType string

const (
	InventoryStatic             InventoryType = "static"
	InventoryStaticYaml         InventoryType = "static_yaml"
	InventoryStaticJSON         InventoryType = "static_json"
	InventoryFile               InventoryType = "file"
	InventoryTerraformInventory InventoryType = "terraform_inventory"
)

type Inventory struct {
	ID          int           `json:"id"`
	ProjectID   int           `json:"project_id"`
	Name        string        `json:"name"`
	Type        InventoryType `json:"type"`
	Inventory   string        `json:"inventory"`
	SSHKeyID    *int          `json:"ssh_key_id,omitempty"`
	BecomeKeyID *int          `json:"become_key_id,omitempty"`
}

func (i Inventory) IsStatic() bool {
	return i.Type == InventoryStatic || i.Type == InventoryStaticYaml || i.Type == InventoryStaticJSON
}

type EnvironmentSecretType string

const (
	EnvironmentSecretEnv EnvironmentSecretType = "env"
	EnvironmentSecretVar EnvironmentSecretType = "var"
)

type EnvironmentSecret struct {
	ID     int                   `json:"id"`
	Name   string                `json:"name"`
	Type   EnvironmentSecretType `json:"type"`
	Secret string                `json:"secret,omitempty"`
}

type Environment struct {
	ID        int    `json:"id"`
	ProjectID int    `json:"project_id"`
	Name      string `json:"name"`
	// JSON holds the extra vars object.
	JSON string `json:"json"`
	// ENV holds a JSON object of plain env vars.
	ENV     *string             `json:"env,omitempty"`
	Secrets []EnvironmentSecret `json:"secrets,omitempty"`
}

func (e Environment) Validate() error {
	for _, s := range e.Secrets {
		if s.Type != EnvironmentSecretEnv && s.Type != EnvironmentSecretVar {
			return fmt.Errorf("environment secret %q has unknown type %q", s.Name, s.Type)
		}
		if s.Name == "" {
			return errors.New("environment secret name is empty")
		}
	}
	return nil
}
