// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"context"
	"embed"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := Open(context.Background(), Options{
		Path:          path,
		Migrations:    testMigrations,
		MigrationsDir: "testdata/migrations",
	})
	require.NoError(t, err)
	defer Close(db)

	_, err = db.Exec("INSERT INTO widgets (name, color) VALUES (?, ?)", "gizmo", "blue")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count))
	assert.Equal(t, 2, count)

	// Reopening the same path must not re-apply migrations or error on the
	// already-present columns.
	db2, err := Open(context.Background(), Options{
		Path:          path,
		Migrations:    testMigrations,
		MigrationsDir: "testdata/migrations",
	})
	require.NoError(t, err)
	defer Close(db2)

	var name string
	require.NoError(t, db2.QueryRow("SELECT name FROM widgets WHERE color = ?", "blue").Scan(&name))
	assert.Equal(t, "gizmo", name)
}

func TestOpen_PragmasApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	db, err := Open(context.Background(), Options{
		Path:          path,
		Migrations:    testMigrations,
		MigrationsDir: "testdata/migrations",
	})
	require.NoError(t, err)
	defer Close(db)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}
