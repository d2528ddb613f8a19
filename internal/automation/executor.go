// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automation

import (
	"context"

	"github.com/autobrr/qui-automaton/internal/upstream"
)

// executor adapts a Store and an upstream.Client into rules.ActionExecutor.
type executor struct {
	upstream upstream.Client
	store    *Store
}

func newExecutor(client upstream.Client, store *Store) *executor {
	return &executor{upstream: client, store: store}
}

func (e *executor) StopSeeding(ctx context.Context, torrentID string) error {
	return e.upstream.StopSeeding(ctx, torrentID)
}

func (e *executor) ForceStart(ctx context.Context, torrentID string) error {
	return e.upstream.ForceStart(ctx, torrentID)
}

func (e *executor) Delete(ctx context.Context, torrentID string) error {
	return e.upstream.Delete(ctx, torrentID)
}

func (e *executor) Archive(ctx context.Context, torrentID, name string) (bool, error) {
	return e.store.Archive(ctx, torrentID, name)
}

func (e *executor) ValidateTags(ctx context.Context, tagIDs []string) ([]string, error) {
	return e.store.ValidateTagIDs(ctx, tagIDs)
}

func (e *executor) AddTags(ctx context.Context, torrentID string, tagIDs []string) error {
	return e.store.AddTags(ctx, torrentID, tagIDs)
}

func (e *executor) RemoveTags(ctx context.Context, torrentID string, tagIDs []string) error {
	return e.store.RemoveTags(ctx, torrentID, tagIDs)
}
