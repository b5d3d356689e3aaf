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

package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"continuumops/src/fault"
	"continuumops/src/model"
)

func genKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

// taskDir keeps unix socket paths short enough for sun_path.
func taskDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cred")
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0700))
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func listKeys(t *testing.T, socket string) []*agent.Key {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	keys, err := agent.NewClient(conn).List()
	require.NoError(t, err)
	return keys
}

func TestInstallSSHForAnsibleUser(t *testing.T) {
	dir := taskDir(t)
	pemKey := genKey(t, "")
	key := model.AccessKey{ID: 7, Name: "deploy", Type: model.AccessKeySSH,
		SSHKey: model.SSHKey{Login: "root", PrivateKey: pemKey}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleAnsibleUser, dir)
	require.NoError(t, err)

	assert.Equal(t, "root", inst.Login())
	assert.Len(t, listKeys(t, inst.SSHAgentSocket()), 1)
	assert.Contains(t, inst.EnvVars(), "SSH_AUTH_SOCK="+inst.SSHAgentSocket())

	info, err := os.Stat(inst.KeyFilePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	content, err := os.ReadFile(inst.KeyFilePath())
	require.NoError(t, err)
	assert.Equal(t, pemKey, string(content))

	assert.Contains(t, string(inst.AppendSecrets(nil)[0]), "OPENSSH PRIVATE KEY")

	inst.Destroy()
	inst.Destroy()
	assert.NoFileExists(t, inst.KeyFilePath())
	_, err = os.Lstat(inst.SSHAgentSocket())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, inst.EnvVars())
}

func TestInstallSSHWithPassphraseStaysInAgent(t *testing.T) {
	dir := taskDir(t)
	key := model.AccessKey{ID: 1, Name: "enc", Type: model.AccessKeySSH,
		SSHKey: model.SSHKey{PrivateKey: genKey(t, "hunter22"), Passphrase: "hunter22"}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleAnsibleUser, dir)
	require.NoError(t, err)
	defer inst.Destroy()

	assert.Empty(t, inst.KeyFilePath())
	assert.Len(t, listKeys(t, inst.SSHAgentSocket()), 1)
	assert.Len(t, inst.AppendSecrets(nil), 2)
}

func TestInstallSSHWrongPassphrase(t *testing.T) {
	dir := taskDir(t)
	key := model.AccessKey{Name: "enc", Type: model.AccessKeySSH,
		SSHKey: model.SSHKey{PrivateKey: genKey(t, "right"), Passphrase: "wrong"}}

	_, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleGit, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyDecrypt)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallSSHForGitSetsCommand(t *testing.T) {
	dir := taskDir(t)
	key := model.AccessKey{Name: "git", Type: model.AccessKeySSH, SSHKey: model.SSHKey{PrivateKey: genKey(t, "")}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleGit, dir)
	require.NoError(t, err)
	defer inst.Destroy()

	assert.Contains(t, inst.EnvVars(), "GIT_SSH_COMMAND="+insecureSSH)
	assert.Empty(t, inst.KeyFilePath())
}

func TestTwoAgentsInOneTaskDir(t *testing.T) {
	dir := taskDir(t)
	in := NewInstaller(nil)
	gitKey := model.AccessKey{Name: "git", Type: model.AccessKeySSH, SSHKey: model.SSHKey{PrivateKey: genKey(t, "")}}
	userKey := model.AccessKey{Name: "user", Type: model.AccessKeySSH, SSHKey: model.SSHKey{PrivateKey: genKey(t, "")}}

	first, err := in.Install(context.Background(), gitKey, model.AccessKeyRoleGit, dir)
	require.NoError(t, err)
	second, err := in.Install(context.Background(), userKey, model.AccessKeyRoleAnsibleUser, dir)
	require.NoError(t, err)

	set := Set{first, second}
	defer set.Destroy()
	assert.NotEqual(t, first.SSHAgentSocket(), second.SSHAgentSocket())
	assert.Equal(t, filepath.Join(dir, "ssh-agent-ansible_user.sock"), second.SSHAgentSocket())
	assert.Len(t, set.Env(), 3)
}

func TestInstallLoginPasswordForGit(t *testing.T) {
	key := model.AccessKey{Name: "http", Type: model.AccessKeyLoginPassword,
		LoginPassword: model.LoginPassword{Login: "bot", Password: "s3cret"}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleGit, taskDir(t))
	require.NoError(t, err)
	defer inst.Destroy()

	env := inst.EnvVars()
	assert.Contains(t, env, "GIT_TERMINAL_PROMPT=0")
	assert.Contains(t, env, "GIT_CONFIG_KEY_0=credential.helper")
	assert.Contains(t, env, gitUsernameEnv+"=bot")
	assert.Contains(t, env, gitPasswordEnv+"=s3cret")
	assert.Equal(t, [][]byte{[]byte("s3cret")}, inst.AppendSecrets(nil))
}

func TestInstallVaultPassword(t *testing.T) {
	dir := taskDir(t)
	key := model.AccessKey{Name: "vault", Type: model.AccessKeyLoginPassword,
		LoginPassword: model.LoginPassword{Password: "open sesame"}}

	inst, err := NewInstaller(nil).InstallVault(context.Background(), key, "prod/eu", dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "vault_prod_eu_password"), inst.VaultPasswordFile())
	content, err := os.ReadFile(inst.VaultPasswordFile())
	require.NoError(t, err)
	assert.Equal(t, "open sesame", string(content))

	inst.Destroy()
	assert.NoFileExists(t, inst.VaultPasswordFile())
}

func TestBecomeUserExposesPassword(t *testing.T) {
	key := model.AccessKey{Name: "become", Type: model.AccessKeyLoginPassword,
		LoginPassword: model.LoginPassword{Login: "admin", Password: "pw"}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleAnsibleBecomeUser, taskDir(t))
	require.NoError(t, err)

	assert.Equal(t, "admin", inst.Login())
	assert.Equal(t, "pw", inst.Password())
	assert.Empty(t, inst.EnvVars())
	inst.Destroy()
	assert.Empty(t, inst.Password())
}

func TestInstallAccessKeyForShell(t *testing.T) {
	key := model.AccessKey{Name: "aws", Type: model.AccessKeyAccessKey,
		AccessKeyPair: model.AccessKeyPair{KeyID: "AKIA", Secret: "xyz123"}}

	inst, err := NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleShell, taskDir(t))
	require.NoError(t, err)
	defer inst.Destroy()
	assert.ElementsMatch(t, []string{"ACCESS_KEY_ID=AKIA", "ACCESS_KEY_SECRET=xyz123"}, inst.EnvVars())

	_, err = NewInstaller(nil).Install(context.Background(), key, model.AccessKeyRoleGit, taskDir(t))
	assert.ErrorIs(t, err, ErrUnknownKeyType)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestInstallNoneAndUnknown(t *testing.T) {
	in := NewInstaller(nil)
	inst, err := in.Install(context.Background(), model.AccessKey{Name: "n", Type: model.AccessKeyNone}, model.AccessKeyRoleGit, taskDir(t))
	require.NoError(t, err)
	assert.Empty(t, inst.EnvVars())
	inst.Destroy()

	_, err = in.Install(context.Background(), model.AccessKey{Name: "x", Type: "pgp"}, model.AccessKeyRoleGit, taskDir(t))
	assert.ErrorIs(t, err, ErrUnknownKeyType)
	assert.True(t, fault.IsKind(err, fault.KindConfig))
}

func TestInstallResolvesEnvAndFileSources(t *testing.T) {
	in := NewInstaller(nil)
	in.lookupEnv = func(name string) (string, bool) {
		if name == "DEPLOY_PASSWORD" {
			return "from-env", true
		}
		return "", false
	}
	key := model.AccessKey{Name: "env", Type: model.AccessKeyLoginPassword,
		LoginPassword:     model.LoginPassword{Login: "ops"},
		SourceStorageType: model.SecretSourceEnv, SourceStorageKey: "DEPLOY_PASSWORD"}

	inst, err := in.Install(context.Background(), key, model.AccessKeyRoleShell, taskDir(t))
	require.NoError(t, err)
	assert.Contains(t, inst.EnvVars(), "PASSWORD=from-env")
	inst.Destroy()

	key.SourceStorageKey = "MISSING"
	_, err = in.Install(context.Background(), key, model.AccessKeyRoleShell, taskDir(t))
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	secretFile := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(secretFile, []byte(`{"access_key":{"key_id":"K","secret":"S"}}`), 0600))
	fileKey := model.AccessKey{Name: "file", Type: model.AccessKeyAccessKey,
		SourceStorageType: model.SecretSourceFile, SourceStorageKey: secretFile}
	inst, err = NewInstaller(nil).Install(context.Background(), fileKey, model.AccessKeyRoleShell, taskDir(t))
	require.NoError(t, err)
	defer inst.Destroy()
	assert.ElementsMatch(t, []string{"ACCESS_KEY_ID=K", "ACCESS_KEY_SECRET=S"}, inst.EnvVars())
}

func TestInstallCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInstaller(nil).Install(ctx, model.AccessKey{Type: model.AccessKeyNone}, model.AccessKeyRoleGit, taskDir(t))
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}
