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

import "errors"

type AccessKeyType string

const (
	AccessKeyNone          AccessKeyType = "none"
	AccessKeyLoginPassword AccessKeyType = "login_password"
	AccessKeySSH           AccessKeyType = "ssh"
	AccessKeyAccessKey     AccessKeyType = "access_key"
)

type AccessKeyRole string

const (
	AccessKeyRoleGit                  AccessKeyRole = "git"
	AccessKeyRoleAnsibleUser          AccessKeyRole = "ansible_user"
	AccessKeyRoleAnsibleBecomeUser    AccessKeyRole = "ansible_become_user"
	AccessKeyRoleAnsiblePasswordVault AccessKeyRole = "ansible_vault_password"
	AccessKeyRoleShell                AccessKeyRole = "shell"
)

// SecretSourceType tells where a late-bound secret is read from.
type SecretSourceType string

const (
	SecretSourceInline SecretSourceType = ""
	SecretSourceEnv    SecretSourceType = "env"
	SecretSourceFile   SecretSourceType = "file"
)

type SSHKey struct {
	Login      string `json:"login"`
	Passphrase string `json:"passphrase"`
	PrivateKey string `json:"private_key"`
}

type LoginPassword struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type AccessKeyPair struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
}

// AccessKey is a named credential. The secret fields hold plaintext only in
// memory; stores seal them before persistence.
type AccessKey struct {
	ID        int           `json:"id"`
	ProjectID *int          `json:"project_id,omitempty"`
	Name      string        `json:"name"`
	Type      AccessKeyType `json:"type"`

	SSHKey        SSHKey        `json:"ssh"`
	LoginPassword LoginPassword `json:"login_password"`
	AccessKeyPair AccessKeyPair `json:"access_key"`

	SourceStorageType SecretSourceType `json:"source_storage_type,omitempty"`
	SourceStorageKey  string           `json:"source_storage_key,omitempty"`
}

func (k AccessKey) Validate() error {
	if k.Name == "" {
		return errors.New("access key name is empty")
	}
	switch k.Type {
	case AccessKeyNone, AccessKeyLoginPassword, AccessKeySSH, AccessKeyAccessKey:
	default:
		return errors.New("unknown access key type")
	}
	switch k.SourceStorageType {
	case SecretSourceInline:
	case SecretSourceEnv, SecretSourceFile:
		if k.SourceStorageKey == "" {
			return errors.New("secret source key is empty")
		}
	default:
		return errors.New("unknown secret source type")
	}
	return nil
}

// AccessKeySecret is the sealed part of an AccessKey.
type AccessKeySecret struct {
	SSHKey        SSHKey        `json:"ssh" cbor:"ssh"`
	LoginPassword LoginPassword `json:"login_password" cbor:"login_password"`
	AccessKeyPair AccessKeyPair `json:"access_key" cbor:"access_key"`
}

func (k AccessKey) Secret() AccessKeySecret {
	return AccessKeySecret{SSHKey: k.SSHKey, LoginPassword: k.LoginPassword, AccessKeyPair: k.AccessKeyPair}
}

func (k *AccessKey) SetSecret(s AccessKeySecret) {
	k.SSHKey = s.SSHKey
	k.LoginPassword = s.LoginPassword
	k.AccessKeyPair = s.AccessKeyPair
}

// ClearSecret drops plaintext fields from the in-memory record.
func (k *AccessKey) ClearSecret() {
	k.SetSecret(AccessKeySecret{})
}
