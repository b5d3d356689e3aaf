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

// Package postgres is the lib/pq backend of the store contract. Task inserts
// fire pg_notify('tasks_updated') so other controllers sharing the database
// wake their queue loop without waiting for the next poll.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"continuumops/src/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const notifyChannel = "tasks_updated"

type Config struct {
	DSN string
	// Listen enables the LISTEN/NOTIFY wake-up channel.
	Listen          bool
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Logger          *slog.Logger
}

func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		Listen:          true,
		MaxOpenConns:    20,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", store.ErrIO, err)
	}
	return db, nil
}

// migrate applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name    TEXT PRIMARY KEY,
		applied TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// listen subscribes to task inserts and forwards them, coalesced, to out.
// The returned listener must be closed by the caller.
func listen(cfg Config, out chan<- struct{}) (*pq.Listener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil && cfg.Logger != nil {
			cfg.Logger.Warn("postgres listener error", slog.String("error", err.Error()))
		}
	}

	listener := pq.NewListener(cfg.DSN, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	go func() {
		for range listener.Notify {
			// nil notifications mark a reconnect; tasks may have been
			// inserted meanwhile so they wake the loop too.
			select {
			case out <- struct{}{}:
			default:
			}
		}
		close(out)
	}()
	return listener, nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "foreign_key_violation":
			if strings.Contains(pqErr.Detail, "is still referenced") {
				return fmt.Errorf("%w: %s", store.ErrReferenced, pqErr.Message)
			}
			return fmt.Errorf("%w: %s", store.ErrNotFound, pqErr.Detail)
		case "unique_violation", "serialization_failure":
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrIO, err)
}
