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
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"

	"continuumops/src/model"
)

// Installation is one access key materialised for one role of one task.
// Destroy must be called once the task no longer needs it.
type Installation struct {
	KeyID int
	Role  model.AccessKeyRole
	Type  model.AccessKeyType

	login       string
	env         []string
	agent       *sshAgent
	agentSocket string
	keyFile     string
	vaultFile   string
	files       []string

	// secret material held for the installation's lifetime
	password *memguard.LockedBuffer
	secrets  []*memguard.LockedBuffer

	logger  *slog.Logger
	destroy sync.Once
}

// EnvVars returns KEY=VALUE pairs to add to the child environment.
func (i *Installation) EnvVars() []string {
	if i == nil {
		return nil
	}
	return append([]string(nil), i.env...)
}

// SSHAgentSocket is empty unless an agent serves the key.
func (i *Installation) SSHAgentSocket() string {
	if i == nil {
		return ""
	}
	return i.agentSocket
}

func (i *Installation) KeyFilePath() string {
	if i == nil {
		return ""
	}
	return i.keyFile
}

func (i *Installation) VaultPasswordFile() string {
	if i == nil {
		return ""
	}
	return i.vaultFile
}

// Login is the user name of login_password and ssh keys.
func (i *Installation) Login() string {
	if i == nil {
		return ""
	}
	return i.login
}

// Password returns the password of a login_password key. The caller must not
// retain it beyond the installation's lifetime.
func (i *Installation) Password() string {
	if i == nil || i.password == nil || !i.password.IsAlive() {
		return ""
	}
	return i.password.String()
}

// AppendSecrets appends copies of every plaintext secret to dst.
func (i *Installation) AppendSecrets(dst [][]byte) [][]byte {
	if i == nil {
		return dst
	}
	for _, buf := range i.secrets {
		if buf.IsAlive() && buf.Size() > 0 {
			dst = append(dst, append([]byte(nil), buf.Bytes()...))
		}
	}
	return dst
}

// Destroy stops the agent, wipes buffers and removes created files. It is
// safe to call more than once. Removal failures are logged, not returned.
func (i *Installation) Destroy() {
	if i == nil {
		return
	}
	i.destroy.Do(func() {
		if i.agent != nil {
			if err := i.agent.Close(); err != nil {
				i.warn("close ssh agent", err)
			}
		}
		for _, f := range i.files {
			if err := wipeAndRemove(f); err != nil {
				i.warn("remove credential file", err)
			}
		}
		if i.password != nil {
			i.password.Destroy()
		}
		for _, buf := range i.secrets {
			buf.Destroy()
		}
		i.env = nil
	})
}

func (i *Installation) warn(msg string, err error) {
	if i.logger == nil {
		return
	}
	i.logger.Warn(msg,
		slog.Int("key_id", i.KeyID),
		slog.String("role", string(i.Role)),
		slog.String("error", err.Error()))
}

// wipeAndRemove zeroes a regular file before unlinking it.
func wipeAndRemove(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		if f, openErr := os.OpenFile(path, os.O_WRONLY, 0); openErr == nil {
			_, _ = f.Write(make([]byte, info.Size()))
			_ = f.Close()
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Set is the group of installations owned by one runner.
type Set []*Installation

// Env concatenates the env of every installation in order.
func (s Set) Env() []string {
	var env []string
	for _, i := range s {
		env = append(env, i.EnvVars()...)
	}
	return env
}

func (s Set) Secrets() [][]byte {
	var out [][]byte
	for _, i := range s {
		out = i.AppendSecrets(out)
	}
	return out
}

// Destroy destroys installations in reverse order of creation.
func (s Set) Destroy() {
	for idx := len(s) - 1; idx >= 0; idx-- {
		s[idx].Destroy()
	}
}
