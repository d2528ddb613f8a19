// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package registry is the process-global catalog of UserRegistration rows:
// which users are active, due for polling, and carry enabled rules. It is
// one of the three pieces of global mutable state in this process (the
// others are the connection pool and the scheduler's timer state), so every
// write is serialized per auth_id and invalidates the read cache for that
// key immediately.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/storage"
	"github.com/autobrr/qui-automaton/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const cacheTTL = 30 * time.Second

// Registry is the durable source of truth for which users are active, due,
// and have active rules.
type Registry struct {
	db    *sql.DB
	cache *ttlcache.Cache[string, domain.UserRegistration]

	// keyLocks serializes writes to has_active_rules/next_poll_at per
	// auth_id, per spec.md §5's "must be serialized per user" requirement.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// Open opens (and migrates) the registry database at path.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := storage.Open(ctx, storage.Options{
		Path:          path,
		Migrations:    migrationsFS,
		MigrationsDir: "migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	opts := ttlcache.Options[string, domain.UserRegistration]{}.SetDefaultTTL(cacheTTL)
	return &Registry{
		db:       db,
		cache:    ttlcache.New(opts),
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle and cache.
func (r *Registry) Close() error {
	r.cache.Close()
	return storage.Close(r.db)
}

func (r *Registry) lockFor(authID string) *sync.Mutex {
	r.keyLocksMu.Lock()
	defer r.keyLocksMu.Unlock()
	m, ok := r.keyLocks[authID]
	if !ok {
		m = &sync.Mutex{}
		r.keyLocks[authID] = m
	}
	return m
}

func (r *Registry) invalidate(authID string) {
	r.cache.Delete(authID)
}

// Get returns the registration for authID, preferring the read cache.
func (r *Registry) Get(ctx context.Context, authID string) (*domain.UserRegistration, error) {
	if reg, found := r.cache.Get(authID); found {
		cp := reg
		return &cp, nil
	}

	reg, err := r.queryOne(ctx, "SELECT auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count FROM user_registry WHERE auth_id = ?", authID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, nil
	}

	r.cache.Set(authID, *reg, ttlcache.DefaultTTL)
	return reg, nil
}

func (r *Registry) queryOne(ctx context.Context, query string, args ...interface{}) (*domain.UserRegistration, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistration(row scanner) (*domain.UserRegistration, error) {
	var (
		reg        domain.UserRegistration
		status     string
		hasActive  int
		nextPollAt sql.NullString
	)
	if err := row.Scan(&reg.AuthID, &reg.EncryptedKey, &reg.StorePath, &status, &hasActive, &nextPollAt, &reg.NonTerminalTorrentCount); err != nil {
		return nil, err
	}
	reg.Status = domain.UserStatus(status)
	reg.HasActiveRules = hasActive != 0
	if nextPollAt.Valid {
		t, err := timeutil.ParsePtr(nextPollAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse next_poll_at: %w", err)
		}
		reg.NextPollAt = t
	}
	return &reg, nil
}

// Upsert inserts a new registration or, if one already exists for the same
// auth_id with a different store_path, updates the store_path in place.
// Registering the same credential twice is idempotent: both calls resolve
// to the same single row.
func (r *Registry) Upsert(ctx context.Context, reg domain.UserRegistration) error {
	lock := r.lockFor(reg.AuthID)
	lock.Lock()
	defer lock.Unlock()
	defer r.invalidate(reg.AuthID)

	now := timeutil.Format(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_registry (auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NULL, 0, ?, ?)
		ON CONFLICT(auth_id) DO UPDATE SET
			store_path = excluded.store_path,
			updated_at = excluded.updated_at
		WHERE user_registry.store_path != excluded.store_path
	`, reg.AuthID, reg.EncryptedKey, reg.StorePath, string(domain.UserStatusActive), now, now)
	if err != nil {
		return fmt.Errorf("upsert registration for %s: %w", reg.AuthID, err)
	}
	return nil
}

// UpdateActiveRulesFlag sets has_active_rules and invalidates the cache.
func (r *Registry) UpdateActiveRulesFlag(ctx context.Context, authID string, flag bool) error {
	lock := r.lockFor(authID)
	lock.Lock()
	defer lock.Unlock()
	defer r.invalidate(authID)

	_, err := r.db.ExecContext(ctx,
		"UPDATE user_registry SET has_active_rules = ?, updated_at = ? WHERE auth_id = ?",
		boolToInt(flag), timeutil.Format(time.Now()), authID)
	if err != nil {
		return fmt.Errorf("update has_active_rules for %s: %w", authID, err)
	}
	return nil
}

// UpdateNextPollAt sets next_poll_at and non_terminal_count together and
// invalidates the cache. A nil t means "derive from defaults" (null).
func (r *Registry) UpdateNextPollAt(ctx context.Context, authID string, t *time.Time, nonTerminalCount int) error {
	lock := r.lockFor(authID)
	lock.Lock()
	defer lock.Unlock()
	defer r.invalidate(authID)

	_, err := r.db.ExecContext(ctx,
		"UPDATE user_registry SET next_poll_at = NULLIF(?, ''), non_terminal_count = ?, updated_at = ? WHERE auth_id = ?",
		timeutil.FormatPtr(t), nonTerminalCount, timeutil.Format(time.Now()), authID)
	if err != nil {
		return fmt.Errorf("update next_poll_at for %s: %w", authID, err)
	}
	return nil
}

// UpdateUserStatus sets status and invalidates the cache.
func (r *Registry) UpdateUserStatus(ctx context.Context, authID string, status domain.UserStatus) error {
	lock := r.lockFor(authID)
	lock.Lock()
	defer lock.Unlock()
	defer r.invalidate(authID)

	_, err := r.db.ExecContext(ctx,
		"UPDATE user_registry SET status = ?, updated_at = ? WHERE auth_id = ?",
		string(status), timeutil.Format(time.Now()), authID)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", authID, err)
	}
	return nil
}

// Delete removes a user's registration entirely (used by delete_user).
func (r *Registry) Delete(ctx context.Context, authID string) error {
	lock := r.lockFor(authID)
	lock.Lock()
	defer lock.Unlock()
	defer r.invalidate(authID)

	if _, err := r.db.ExecContext(ctx, "DELETE FROM user_registry WHERE auth_id = ?", authID); err != nil {
		return fmt.Errorf("delete registration for %s: %w", authID, err)
	}
	return nil
}

// EnsureRegistration implements the "data inconsistency" recovery path
// (spec.md §7): a credential exists but no registration does. It inserts
// one using the canonical store path, logging the recovery.
func (r *Registry) EnsureRegistration(ctx context.Context, authID, encryptedKey, storePath string) (*domain.UserRegistration, error) {
	reg, err := r.Get(ctx, authID)
	if err != nil {
		return nil, err
	}
	if reg != nil {
		return reg, nil
	}

	log.Warn().Str("auth_id", authID).Msg("recovering missing registration for existing credential")
	if err := r.Upsert(ctx, domain.UserRegistration{AuthID: authID, EncryptedKey: encryptedKey, StorePath: storePath}); err != nil {
		return nil, err
	}
	return r.Get(ctx, authID)
}

// ActiveUsers returns every user with status=active.
func (r *Registry) ActiveUsers(ctx context.Context) ([]domain.UserRegistration, error) {
	return r.query(ctx, "SELECT auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count FROM user_registry WHERE status = ?", string(domain.UserStatusActive))
}

// UsersDueForPolling returns active, credentialed users whose next_poll_at
// is due, ordered ascending with nulls (never scheduled, but rule-bearing)
// sorted first as "due now".
func (r *Registry) UsersDueForPolling(ctx context.Context, now time.Time) ([]domain.UserRegistration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count
		FROM user_registry
		WHERE status = ? AND encrypted_key != ''
		  AND (
		    (next_poll_at IS NOT NULL AND next_poll_at <= ?)
		    OR (next_poll_at IS NULL AND has_active_rules = 1)
		  )
		ORDER BY CASE WHEN next_poll_at IS NULL THEN 0 ELSE 1 END, next_poll_at ASC
	`, string(domain.UserStatusActive), timeutil.Format(now))
	if err != nil {
		return nil, fmt.Errorf("query users due for polling: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (r *Registry) query(ctx context.Context, query string, args ...interface{}) ([]domain.UserRegistration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query registrations: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]domain.UserRegistration, error) {
	var out []domain.UserRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
