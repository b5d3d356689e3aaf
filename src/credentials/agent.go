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
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh/agent"
)

// sshAgent serves a single-key keyring on a unix socket for the lifetime of
// one task. Child processes reach it through SSH_AUTH_SOCK.
type sshAgent struct {
	socket   string
	listener net.Listener
	keyring  agent.Agent

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func startAgent(socket string, key agent.AddedKey) (*sshAgent, error) {
	keyring := agent.NewKeyring()
	if err := keyring.Add(key); err != nil {
		return nil, fmt.Errorf("%w: add key: %v", ErrAgentSpawn, err)
	}

	l, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentSpawn, err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		l.Close()
		os.Remove(socket)
		return nil, fmt.Errorf("%w: chmod socket: %v", ErrAgentSpawn, err)
	}

	a := &sshAgent{
		socket:   socket,
		listener: l,
		keyring:  keyring,
		conns:    make(map[net.Conn]struct{}),
	}
	a.wg.Add(1)
	go a.serve()
	return a, nil
}

func (a *sshAgent) serve() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		if !a.track(conn) {
			conn.Close()
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.untrack(conn)
			_ = agent.ServeAgent(a.keyring, conn)
		}()
	}
}

func (a *sshAgent) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *sshAgent) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	conn.Close()
}

// Close stops accepting, drops live connections, wipes the keyring and
// removes the socket file.
func (a *sshAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()

	err := a.listener.Close()
	a.wg.Wait()
	err = errors.Join(err, a.keyring.RemoveAll())
	if rmErr := os.Remove(a.socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
