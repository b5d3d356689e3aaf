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

// Package credentials materialises access keys for a single task: an
// in-process SSH agent on a unix socket, key and vault password files, git
// credential helpers and env vars. Everything it creates lives inside the
// per-task directory and is erased by Installation.Destroy.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"continuumops/src/fault"
	"continuumops/src/model"
)

var (
	ErrUnknownKeyType = errors.New("unknown access key type")
	ErrKeyDecrypt     = errors.New("cannot decrypt private key")
	ErrAgentSpawn     = errors.New("cannot start ssh agent")
)

// Git reads credentials from these variables through the inline helper.
const (
	gitUsernameEnv = "CONTINUUM_GIT_USERNAME"
	gitPasswordEnv = "CONTINUUM_GIT_PASSWORD"
	gitHelper      = `!f() { echo "username=${` + gitUsernameEnv + `}"; echo "password=${` + gitPasswordEnv + `}"; }; f`
)

const insecureSSH = "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null"

type Installer struct {
	logger    *slog.Logger
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

func NewInstaller(logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{logger: logger, lookupEnv: os.LookupEnv, readFile: os.ReadFile}
}

// Install materialises key for role inside dir, which must exist with mode
// 0700. Vault passwords installed through Install are named "default".
func (in *Installer) Install(ctx context.Context, key model.AccessKey, role model.AccessKeyRole, dir string) (*Installation, error) {
	return in.install(ctx, key, role, dir, "default")
}

// InstallVault writes the vault password of key to vault_<name>_password.
func (in *Installer) InstallVault(ctx context.Context, key model.AccessKey, name string, dir string) (*Installation, error) {
	return in.install(ctx, key, model.AccessKeyRoleAnsiblePasswordVault, dir, name)
}

func (in *Installer) install(ctx context.Context, key model.AccessKey, role model.AccessKeyRole, dir string, vaultName string) (*Installation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Cancelled("install key", err)
	}
	key, err := in.resolveSource(key)
	if err != nil {
		return nil, fault.Config("resolve key source", err)
	}

	inst := &Installation{KeyID: key.ID, Role: role, Type: key.Type, logger: in.logger}

	switch key.Type {
	case model.AccessKeyNone:
		return inst, nil
	case model.AccessKeySSH:
		err = in.installSSH(inst, key, role, dir)
	case model.AccessKeyLoginPassword:
		err = in.installLoginPassword(inst, key, role, dir, vaultName)
	case model.AccessKeyAccessKey:
		err = in.installAccessKey(inst, key, role)
	default:
		err = fault.Config("install key", fmt.Errorf("%w %q", ErrUnknownKeyType, key.Type))
	}
	if err != nil {
		inst.Destroy()
		return nil, err
	}
	return inst, nil
}

// resolveSource fills the secret of keys stored outside the database. The
// value may be a JSON secret object or the bare primary secret.
func (in *Installer) resolveSource(key model.AccessKey) (model.AccessKey, error) {
	var raw []byte
	switch key.SourceStorageType {
	case model.SecretSourceInline:
		return key, nil
	case model.SecretSourceEnv:
		v, ok := in.lookupEnv(key.SourceStorageKey)
		if !ok {
			return key, fmt.Errorf("secret env var %s is not set", key.SourceStorageKey)
		}
		raw = []byte(v)
	case model.SecretSourceFile:
		b, err := in.readFile(key.SourceStorageKey)
		if err != nil {
			return key, fmt.Errorf("read secret file: %w", err)
		}
		raw = b
	default:
		return key, fmt.Errorf("unknown secret source %q", key.SourceStorageType)
	}
	defer memguard.WipeBytes(raw)

	trimmed := strings.TrimSpace(string(raw))
	var secret model.AccessKeySecret
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &secret) == nil {
		key.SetSecret(secret)
		return key, nil
	}
	switch key.Type {
	case model.AccessKeySSH:
		key.SSHKey.PrivateKey = string(raw)
	case model.AccessKeyLoginPassword:
		key.LoginPassword.Password = trimmed
	case model.AccessKeyAccessKey:
		key.AccessKeyPair.Secret = trimmed
	}
	return key, nil
}

func (in *Installer) installSSH(inst *Installation, key model.AccessKey, role model.AccessKeyRole, dir string) error {
	switch role {
	case model.AccessKeyRoleGit, model.AccessKeyRoleAnsibleUser, model.AccessKeyRoleShell:
	default:
		return fault.Config("install ssh key", fmt.Errorf("%w: ssh key cannot serve role %s", ErrUnknownKeyType, role))
	}

	pemBuf := memguard.NewBufferFromBytes([]byte(key.SSHKey.PrivateKey))
	inst.secrets = append(inst.secrets, pemBuf)
	var passBuf *memguard.LockedBuffer
	if key.SSHKey.Passphrase != "" {
		passBuf = memguard.NewBufferFromBytes([]byte(key.SSHKey.Passphrase))
		inst.secrets = append(inst.secrets, passBuf)
	}
	inst.login = key.SSHKey.Login

	var (
		private any
		err     error
	)
	if passBuf != nil {
		private, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBuf.Bytes(), passBuf.Bytes())
	} else {
		private, err = ssh.ParseRawPrivateKey(pemBuf.Bytes())
	}
	if err != nil {
		return fault.Auth("parse private key", fmt.Errorf("%w: %v", ErrKeyDecrypt, err))
	}

	socket, err := agentSocketPath(dir, role)
	if err != nil {
		return fault.Auth("start ssh agent", fmt.Errorf("%w: %v", ErrAgentSpawn, err))
	}
	a, err := startAgent(socket, agent.AddedKey{PrivateKey: private, Comment: key.Name})
	if err != nil {
		return fault.Auth("start ssh agent", err)
	}
	inst.agent = a
	inst.agentSocket = socket
	inst.env = append(inst.env, "SSH_AUTH_SOCK="+socket)

	if role == model.AccessKeyRoleGit {
		inst.env = append(inst.env, "GIT_SSH_COMMAND="+insecureSSH)
	}

	// ansible-playbook also gets --private-key when the key needs no
	// passphrase; encrypted keys stay in the agent only.
	if role == model.AccessKeyRoleAnsibleUser && passBuf == nil {
		path := filepath.Join(dir, "ssh_key")
		if err := writeSecretFile(path, pemBuf.Bytes()); err != nil {
			return fault.Auth("write key file", err)
		}
		inst.files = append(inst.files, path)
		inst.keyFile = path
	}
	return nil
}

// agentSocketPath returns ssh-agent.sock, or a role-suffixed name when an
// earlier installation of the same task already took it.
func agentSocketPath(dir string, role model.AccessKeyRole) (string, error) {
	path := filepath.Join(dir, "ssh-agent.sock")
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	path = filepath.Join(dir, "ssh-agent-"+string(role)+".sock")
	if _, err := os.Lstat(path); err == nil {
		return "", fmt.Errorf("socket %s already in use", path)
	}
	return path, nil
}

func (in *Installer) installLoginPassword(inst *Installation, key model.AccessKey, role model.AccessKeyRole, dir string, vaultName string) error {
	inst.login = key.LoginPassword.Login
	inst.password = memguard.NewBufferFromBytes([]byte(key.LoginPassword.Password))
	if key.LoginPassword.Password != "" {
		inst.secrets = append(inst.secrets, memguard.NewBufferFromBytes([]byte(key.LoginPassword.Password)))
	}

	switch role {
	case model.AccessKeyRoleGit:
		inst.env = append(inst.env,
			"GIT_TERMINAL_PROMPT=0",
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=credential.helper",
			"GIT_CONFIG_VALUE_0="+gitHelper,
			gitUsernameEnv+"="+key.LoginPassword.Login,
			gitPasswordEnv+"="+key.LoginPassword.Password,
		)
	case model.AccessKeyRoleAnsibleUser, model.AccessKeyRoleAnsibleBecomeUser:
		// passed to ansible through the extra vars file
	case model.AccessKeyRoleShell:
		inst.env = append(inst.env,
			"LOGIN="+key.LoginPassword.Login,
			"PASSWORD="+key.LoginPassword.Password,
		)
	case model.AccessKeyRoleAnsiblePasswordVault:
		path := filepath.Join(dir, "vault_"+safeName(vaultName)+"_password")
		if err := writeSecretFile(path, []byte(key.LoginPassword.Password)); err != nil {
			return fault.New(fault.KindUnknown, "write vault password", err)
		}
		inst.files = append(inst.files, path)
		inst.vaultFile = path
	default:
		return fault.Config("install login key", fmt.Errorf("%w: role %s", ErrUnknownKeyType, role))
	}
	return nil
}

func (in *Installer) installAccessKey(inst *Installation, key model.AccessKey, role model.AccessKeyRole) error {
	if role != model.AccessKeyRoleShell {
		return fault.Config("install access key", fmt.Errorf("%w: access_key cannot serve role %s", ErrUnknownKeyType, role))
	}
	if key.AccessKeyPair.Secret != "" {
		inst.secrets = append(inst.secrets, memguard.NewBufferFromBytes([]byte(key.AccessKeyPair.Secret)))
	}
	inst.env = append(inst.env,
		"ACCESS_KEY_ID="+key.AccessKeyPair.KeyID,
		"ACCESS_KEY_SECRET="+key.AccessKeyPair.Secret,
	)
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeName(name string) string {
	if name == "" {
		return "default"
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

func writeSecretFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
