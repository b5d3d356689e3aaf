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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/model"
	"continuumops/src/store"
	"continuumops/src/store/storetest"
)

const dsnEnv = "CONTINUUM_TEST_POSTGRES_DSN"

func testDSN(t *testing.T) string {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	return dsn
}

func openClean(t *testing.T, listen bool) *Store {
	t.Helper()
	cfg := DefaultConfig(testDSN(t))
	cfg.Listen = listen
	sealer, err := store.GenerateAgeSealer()
	require.NoError(t, err)

	s, err := Open(context.Background(), cfg, sealer)
	require.NoError(t, err)
	_, err = s.db.Exec(`TRUNCATE event, task_output, task_stage, task, template, environment,
		inventory, repository, access_key, app_user, project RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openClean(t, false) })
}

func TestMigrateIdempotent(t *testing.T) {
	s := openClean(t, false)
	require.NoError(t, migrate(context.Background(), s.db))
}

func TestTaskInsertNotifies(t *testing.T) {
	s := openClean(t, true)
	f := storetest.Seed(t, s, "file:///nowhere", "hello.sh")

	// drain anything queued by the seed
	select {
	case <-s.Notifications():
	default:
	}

	_, err := s.CreateTask(context.Background(), model.Task{ProjectID: f.Project.ID, TemplateID: f.Template.ID})
	require.NoError(t, err)

	select {
	case <-s.Notifications():
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after task insert")
	}
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))
	assert.True(t, errors.Is(translate(sql.ErrNoRows), store.ErrNotFound))

	fk := &pq.Error{Code: "23503", Detail: `Key (id)=(3) is still referenced from table "inventory".`}
	assert.True(t, errors.Is(translate(fk), store.ErrReferenced))

	missing := &pq.Error{Code: "23503", Detail: `Key (project_id)=(9) is not present in table "project".`}
	assert.True(t, errors.Is(translate(missing), store.ErrNotFound))

	dup := &pq.Error{Code: "23505", Message: "duplicate key"}
	assert.True(t, errors.Is(translate(dup), store.ErrConflict))

	assert.True(t, errors.Is(translate(fmt.Errorf("connection reset")), store.ErrIO))
}

func TestOpenRequiresDSN(t *testing.T) {
	sealer, err := store.GenerateAgeSealer()
	require.NoError(t, err)
	_, err = Open(context.Background(), Config{}, sealer)
	assert.Error(t, err)
}
