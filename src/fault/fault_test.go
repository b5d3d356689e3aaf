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

package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNilError(t *testing.T) {
	assert.Nil(t, New(KindConfig, "op", nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("prepare: %w", Auth("install key", base))

	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "auth: install key: boom")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsKindNested(t *testing.T) {
	inner := Network("fetch", errors.New("timeout"))
	outer := Config("wrap", inner)

	assert.Equal(t, KindConfig, KindOf(outer))
	assert.True(t, IsKind(outer, KindNetwork))
	assert.False(t, IsKind(outer, KindStore))
}
