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

package tasklog

import (
	"bytes"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
)

const (
	// Mask replaces every secret occurrence.
	Mask = "*****"
	// MinSecretLen is the shortest value that is redacted.
	MinSecretLen = 4
)

// Redactor masks known secret values in log lines. Patterns live in
// locked memory until Destroy.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*memguard.LockedBuffer
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers secrets. Values shorter than MinSecretLen and duplicates are
// ignored. The passed slices are wiped.
func (r *Redactor) Add(secrets ...[]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if len(s) < MinSecretLen || r.has(s) {
			memguard.WipeBytes(s)
			continue
		}
		r.patterns = append(r.patterns, memguard.NewBufferFromBytes(s))
	}
	// longest first so a secret containing another is masked whole
	sort.SliceStable(r.patterns, func(i, j int) bool {
		return r.patterns[i].Size() > r.patterns[j].Size()
	})
}

func (r *Redactor) has(s []byte) bool {
	for _, p := range r.patterns {
		if bytes.Equal(p.Bytes(), s) {
			return true
		}
	}
	return false
}

func (r *Redactor) Redact(line string) string {
	if r == nil {
		return line
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.patterns) == 0 {
		return line
	}
	b := []byte(line)
	for _, p := range r.patterns {
		if bytes.Contains(b, p.Bytes()) {
			b = bytes.ReplaceAll(b, p.Bytes(), []byte(Mask))
		}
	}
	return string(b)
}

// Destroy wipes all patterns. The redactor stays usable but masks nothing.
func (r *Redactor) Destroy() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patterns {
		p.Destroy()
	}
	r.patterns = nil
}
