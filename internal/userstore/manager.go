// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package userstore resolves an auth_id to a live per-user store handle,
// lazily creating storage and running schema migrations on first open. A
// per-key singleflight group guarantees at most one open-and-migrate per
// user even when a dozen callers race for the same auth_id.
package userstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/pool"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Manager resolves auth_id to a live per-user *sql.DB handle.
type Manager struct {
	pool      *pool.Pool[*sql.DB]
	registry  *registry.Registry
	encryptor *crypto.AESEncryptor
	dataDir   string
	busyMs    int

	sf singleflight.Group
}

// NewManager builds a Manager backed by p (the connection pool) and reg
// (the registry). dataDir is the root directory per-user store files are
// created under.
func NewManager(p *pool.Pool[*sql.DB], reg *registry.Registry, encryptor *crypto.AESEncryptor, dataDir string, busyTimeoutMs int) *Manager {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	return &Manager{
		pool:      p,
		registry:  reg,
		encryptor: encryptor,
		dataDir:   dataDir,
		busyMs:    busyTimeoutMs,
	}
}

func (m *Manager) storePathFor(authID string) string {
	return filepath.Join(m.dataDir, authID+".db")
}

// GetOrOpen returns a live handle for authID: a hot path through the pool,
// then a singleflight-guarded open+migrate.
func (m *Manager) GetOrOpen(ctx context.Context, authID string) (*sql.DB, error) {
	if db, ok := m.pool.Get(ctx, authID); ok {
		return db, nil
	}

	result, err, _ := m.sf.Do(authID, func() (interface{}, error) {
		// Re-check: another flight may have installed the handle while we
		// waited to be admitted to Do.
		if db, ok := m.pool.Get(ctx, authID); ok {
			return db, nil
		}

		reg, err := m.registry.Get(ctx, authID)
		if err != nil {
			return nil, fmt.Errorf("look up registration for %s: %w", authID, err)
		}
		if reg == nil {
			return nil, fmt.Errorf("no registration for auth_id %s", authID)
		}

		db, err := storage.Open(ctx, storage.Options{
			Path:          reg.StorePath,
			BusyTimeoutMs: m.busyMs,
			Migrations:    migrationsFS,
			MigrationsDir: "migrations",
		})
		if err != nil {
			return nil, fmt.Errorf("open store for %s: %w", authID, err)
		}

		m.pool.Set(authID, db)
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.DB), nil
}

// RegisterUser computes auth_id from rawCredential, inserts (or reuses) its
// registration, and returns the opened store handle. Idempotent: repeat
// registrations of the same credential resolve to the same auth_id and a
// single registration row.
func (m *Manager) RegisterUser(ctx context.Context, rawCredential string) (string, *sql.DB, error) {
	authID := crypto.HashCredential(rawCredential)

	encryptedKey, err := m.encryptor.Encrypt(rawCredential)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt credential: %w", err)
	}

	reg := domain.UserRegistration{
		AuthID:       authID,
		EncryptedKey: encryptedKey,
		StorePath:    m.storePathFor(authID),
	}
	if err := m.registry.Upsert(ctx, reg); err != nil {
		return "", nil, fmt.Errorf("register user: %w", err)
	}

	db, err := m.GetOrOpen(ctx, authID)
	if err != nil {
		return "", nil, err
	}
	return authID, db, nil
}

// Release forwards to the pool; pollers call this after a cycle so the
// pool's idle policy can evict them later.
func (m *Manager) Release(authID string) {
	m.pool.Release(authID)
}

// MarkActive brackets the start of a poll cycle (or any other operation)
// holding authID's handle; the pool never evicts an entry with an
// in-flight operation. Callers must pair this with MarkInactive on every
// exit path, including errors.
func (m *Manager) MarkActive(authID string) {
	m.pool.MarkActive(authID)
}

// MarkInactive closes out a MarkActive bracket.
func (m *Manager) MarkInactive(authID string) {
	m.pool.MarkInactive(authID)
}

// DeleteUser evicts the handle, unlinks the store file, and purges the
// registration (and its derived cache entries).
func (m *Manager) DeleteUser(ctx context.Context, authID string) error {
	reg, err := m.registry.Get(ctx, authID)
	if err != nil {
		return fmt.Errorf("look up registration for %s: %w", authID, err)
	}

	m.pool.Delete(authID)

	if reg != nil && reg.StorePath != "" {
		if err := os.Remove(reg.StorePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove store file for %s: %w", authID, err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(reg.StorePath + suffix)
		}
	}

	return m.registry.Delete(ctx, authID)
}
