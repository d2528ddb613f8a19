// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage opens the process-global registry database and per-user
// stores with the pragma discipline and numbered-migration convention used
// throughout this codebase: write-ahead logging, a busy timeout tolerant of
// writer contention, foreign-key cascades, and an embedded migration
// history applied once at open time.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const connectionSetupTimeout = 10 * time.Second

// Options configures a single SQLite handle.
type Options struct {
	Path           string
	BusyTimeoutMs  int
	Migrations     embed.FS
	MigrationsDir  string
}

// Open opens (creating if necessary) a SQLite database at opts.Path, applies
// the standard pragma set, and runs every pending migration found under
// opts.MigrationsDir in opts.Migrations.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database at %s: %w", opts.Path, err)
	}

	// Migrations must run through a single connection; a pooled connection
	// could otherwise apply a migration against a stale schema view.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	setupCtx, cancel := context.WithTimeout(ctx, connectionSetupTimeout)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMs),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(setupCtx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := migrate(setupCtx, db, opts.Migrations, opts.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", opts.Path, err)
	}

	// Migrations are done; allow the normal small pool a per-user store
	// actually needs (SQLite still serializes writers internally).
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// Close checkpoints the WAL and closes the handle, logging (not raising) any
// checkpoint failure: the data is durable either way once the WAL itself is
// fsynced, the checkpoint is just housekeeping.
func Close(db *sql.DB) error {
	if _, err := db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("wal checkpoint failed during close")
	}
	return db.Close()
}

func migrate(ctx context.Context, db *sql.DB, fs embed.FS, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	pending, err := pendingMigrations(ctx, db, files)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, filename := range pending {
		content, err := fs.ReadFile(dir + "/" + filename)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	log.Info().Int("count", len(pending)).Str("dir", dir).Msg("applied pending migrations")
	return nil
}

func pendingMigrations(ctx context.Context, db *sql.DB, files []string) ([]string, error) {
	var pending []string
	for _, filename := range files {
		var count int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return nil, fmt.Errorf("check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}
	return pending, nil
}
