// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/pool"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/scheduler"
	"github.com/autobrr/qui-automaton/internal/userstore"
)

// app bundles the process-global singletons every subcommand needs:
// the registry, the connection pool (wrapped by the user store manager),
// and the credential encryptor. Exactly one of these exists per process.
type app struct {
	cfg       *domain.Config
	registry  *registry.Registry
	manager   *userstore.Manager
	scheduler *scheduler.Scheduler
	encryptor *crypto.AESEncryptor
	pool      *pool.Pool[*sql.DB]
}

func buildApp(ctx context.Context, cfg *domain.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	key, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}
	encryptor, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("init encryptor: %w", err)
	}

	reg, err := registry.Open(ctx, filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	p := pool.New[*sql.DB](pool.Options[*sql.DB]{
		MaxSize:           cfg.MaxDBConnections,
		EvictionThreshold: cfg.PoolEvictionThreshold,
		IdleTimeout:       cfg.PoolIdleTimeout,
		Liveness: func(ctx context.Context, db *sql.DB) bool {
			return db.PingContext(ctx) == nil
		},
	})

	manager := userstore.NewManager(p, reg, encryptor, cfg.DataDir, 5000)
	sched := scheduler.New(cfg, reg, manager, encryptor)

	return &app{
		cfg:       cfg,
		registry:  reg,
		manager:   manager,
		scheduler: sched,
		encryptor: encryptor,
		pool:      p,
	}, nil
}

// Close clears every pooled per-user store handle (spec.md §5: shutdown
// "closes all store handles via the pool's clear") before closing the
// process-global registry.
func (a *app) Close() error {
	a.pool.Clear()
	return a.registry.Close()
}

// loadEncryptionKey reads a 32-byte key, hex-encoded, from
// AUTOMATON_ENCRYPTION_KEY. Credential encryption at rest is an external
// collaborator per spec.md §1; this only resolves the operator-supplied
// secret the core's encrypt/decrypt pair is keyed from.
func loadEncryptionKey() ([]byte, error) {
	raw := os.Getenv("AUTOMATON_ENCRYPTION_KEY")
	if raw == "" {
		return nil, fmt.Errorf("AUTOMATON_ENCRYPTION_KEY must be set to a 64-character hex string")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode AUTOMATON_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AUTOMATON_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
