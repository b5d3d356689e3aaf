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

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"continuumops/src/model"
)

// Sealer encrypts access-key secrets before they reach a backend.
type Sealer interface {
	Seal(secret model.AccessKeySecret) ([]byte, error)
	Open(sealed []byte) (model.AccessKeySecret, error)
}

// AgeSealer seals secrets to an age X25519 identity.
type AgeSealer struct {
	identity *age.X25519Identity
}

// NewAgeSealer parses an AGE-SECRET-KEY-1... identity string.
func NewAgeSealer(identity string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parse sealing identity: %w", err)
	}
	return &AgeSealer{identity: id}, nil
}

// GenerateAgeSealer creates a sealer with a fresh identity.
func GenerateAgeSealer() (*AgeSealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	return &AgeSealer{identity: id}, nil
}

func (s *AgeSealer) Identity() string {
	return s.identity.String()
}

func (s *AgeSealer) Seal(secret model.AccessKeySecret) ([]byte, error) {
	plain, err := json.Marshal(secret)
	if err != nil {
		return nil, err
	}
	defer wipe(plain)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("seal access key: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("seal access key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("seal access key: %w", err)
	}
	return out.Bytes(), nil
}

func (s *AgeSealer) Open(sealed []byte) (model.AccessKeySecret, error) {
	var secret model.AccessKeySecret
	if len(sealed) == 0 {
		return secret, nil
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return secret, fmt.Errorf("open access key: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return secret, fmt.Errorf("open access key: %w", err)
	}
	defer wipe(plain)
	if err := json.Unmarshal(plain, &secret); err != nil {
		return secret, fmt.Errorf("open access key: %w", err)
	}
	return secret, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
