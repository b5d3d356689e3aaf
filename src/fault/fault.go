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

// Package fault classifies errors raised while running a task so the runner
// can decide the terminal status without string matching.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindConfig       Kind = "config"
	KindAuth         Kind = "auth"
	KindNetwork      Kind = "network"
	KindChildExit    Kind = "child_exit"
	KindCancelled    Kind = "cancelled"
	KindBackpressure Kind = "backpressure"
	KindStore        Kind = "store"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) error    { return New(KindConfig, op, err) }
func Auth(op string, err error) error      { return New(KindAuth, op, err) }
func Network(op string, err error) error   { return New(KindNetwork, op, err) }
func Store(op string, err error) error     { return New(KindStore, op, err) }
func Cancelled(op string, err error) error { return New(KindCancelled, op, err) }

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}
