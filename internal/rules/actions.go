// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// ActionExecutor is the set of upstream/store operations a matched
// rule's action maps onto. AutomationEngine supplies the concrete
// implementation (upstream client + per-user store).
type ActionExecutor interface {
	StopSeeding(ctx context.Context, torrentID string) error
	ForceStart(ctx context.Context, torrentID string) error
	Delete(ctx context.Context, torrentID string) error
	// Archive records the torrent as archived (idempotent by torrent id)
	// and reports whether it was already archived.
	Archive(ctx context.Context, torrentID, name string) (alreadyArchived bool, err error)
	// ValidateTags returns the subset of tagIDs that exist in the
	// per-user tag table.
	ValidateTags(ctx context.Context, tagIDs []string) ([]string, error)
	AddTags(ctx context.Context, torrentID string, tagIDs []string) error
	RemoveTags(ctx context.Context, torrentID string, tagIDs []string) error
}

// ExecuteAction maps a matched rule's action onto the executor. Archive
// deletes the torrent only after a successful, idempotent archive
// insert. Tag actions are validated against the per-user tag table
// before being applied in a single batch.
func ExecuteAction(ctx context.Context, exec ActionExecutor, action domain.Action, torrent domain.Torrent) error {
	switch action.Type {
	case domain.ActionStopSeeding:
		return exec.StopSeeding(ctx, torrent.ID)
	case domain.ActionForceStart:
		return exec.ForceStart(ctx, torrent.ID)
	case domain.ActionDelete:
		return exec.Delete(ctx, torrent.ID)
	case domain.ActionArchive:
		if _, err := exec.Archive(ctx, torrent.ID, torrent.Name); err != nil {
			return fmt.Errorf("archive %s: %w", torrent.ID, err)
		}
		return exec.Delete(ctx, torrent.ID)
	case domain.ActionAddTag:
		tagIDs, err := validTagIDs(ctx, exec, action.Params["tag_ids"])
		if err != nil {
			return err
		}
		return exec.AddTags(ctx, torrent.ID, tagIDs)
	case domain.ActionRemoveTag:
		tagIDs, err := validTagIDs(ctx, exec, action.Params["tag_ids"])
		if err != nil {
			return err
		}
		return exec.RemoveTags(ctx, torrent.ID, tagIDs)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func validTagIDs(ctx context.Context, exec ActionExecutor, raw string) ([]string, error) {
	requested := splitCSV(raw)
	if len(requested) == 0 {
		return nil, nil
	}
	valid, err := exec.ValidateTags(ctx, requested)
	if err != nil {
		return nil, fmt.Errorf("validate tags: %w", err)
	}
	return valid, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
