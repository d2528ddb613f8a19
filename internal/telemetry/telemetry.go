// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package telemetry maintains per-torrent activity timestamps and stall
// markers purely from byte-count deltas and state transitions (the
// DerivedFieldsEngine of spec.md §4.5), so rule evaluation can query
// "download stalled for N minutes" deterministically.
package telemetry

import (
	"time"

	"github.com/autobrr/qui-automaton/internal/diff"
	"github.com/autobrr/qui-automaton/internal/domain"
)

// StallThreshold is the minimum time since the last observed activity
// before a torrent is considered stalled.
const StallThreshold = 300 * time.Second

// AllowedColumns is the static whitelist every telemetry write must pass
// through; unknown column names are dropped silently rather than rejected,
// per spec.md §9's "pass column names through a static whitelist"
// requirement.
var AllowedColumns = map[string]bool{
	"last_download_activity_at": true,
	"last_upload_activity_at":   true,
	"stalled_since":             true,
	"upload_stalled_since":      true,
	"updated_at":                true,
}

// FilterColumns drops any key not present in AllowedColumns, silently.
func FilterColumns(cols map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cols))
	for k, v := range cols {
		if AllowedColumns[k] {
			out[k] = v
		}
	}
	return out
}

// Apply runs the full DerivedFieldsEngine pass: new-torrent telemetry
// insertion, updated-torrent activity/stall bookkeeping, state-transition
// handling, and the final consistency sweep. telemetry is mutated in
// place; states gives this poll's derived TorrentState per torrent id
// (covering every id in result.New and result.Updated); shadow holds the
// previous poll's per-torrent byte totals and state, used only by the final
// sweep, which sees each torrent's state replaced by its entry in states.
// Apply returns the set of torrent ids whose telemetry row changed, for the
// caller to persist.
func Apply(now time.Time, result diff.Result, states map[string]domain.TorrentState, shadow map[string]domain.Shadow, telemetry map[string]domain.Telemetry) []string {
	changed := make(map[string]bool)

	for _, t := range result.New {
		row, existed := telemetry[t.ID]
		if !existed {
			row = domain.Telemetry{TorrentID: t.ID, CreatedAt: now, UpdatedAt: now}
		}

		switch states[t.ID] {
		case domain.StateDownloading:
			row.LastDownloadActivityAt = ptrTime(now)
		case domain.StateSeeding:
			row.LastUploadActivityAt = ptrTime(now)
		default:
			creationInstant := t.CreatedAt
			if creationInstant.IsZero() {
				creationInstant = now
			}
			if t.TotalDownloaded > 0 && row.LastDownloadActivityAt == nil {
				row.LastDownloadActivityAt = ptrTime(creationInstant)
			}
			if t.TotalUploaded > 0 && row.LastUploadActivityAt == nil {
				row.LastUploadActivityAt = ptrTime(creationInstant)
			}
		}

		telemetry[t.ID] = row
		changed[t.ID] = true
	}

	for _, u := range result.Updated {
		row, existed := telemetry[u.Torrent.ID]
		if !existed {
			row = domain.Telemetry{TorrentID: u.Torrent.ID, CreatedAt: now}
		}
		row.UpdatedAt = now

		if u.DownloadDelta > 0 {
			row.LastDownloadActivityAt = ptrTime(now)
			row.StalledSince = nil
		}
		if u.UploadDelta > 0 {
			row.LastUploadActivityAt = ptrTime(now)
			row.UploadStalledSince = nil
		}

		state := states[u.Torrent.ID]

		if state == domain.StateDownloading && u.DownloadDelta == 0 && row.StalledSince == nil &&
			row.LastDownloadActivityAt != nil && now.Sub(*row.LastDownloadActivityAt) > StallThreshold {
			row.StalledSince = row.LastDownloadActivityAt
		}
		if state == domain.StateSeeding && u.UploadDelta == 0 && row.UploadStalledSince == nil &&
			row.LastUploadActivityAt != nil && now.Sub(*row.LastUploadActivityAt) > StallThreshold {
			row.UploadStalledSince = row.LastUploadActivityAt
		}

		if state == domain.StateStalled && row.StalledSince == nil {
			switch {
			case row.LastDownloadActivityAt != nil:
				row.StalledSince = row.LastDownloadActivityAt
			case u.Torrent.TotalDownloaded == 0:
				row.StalledSince = ptrTime(row.CreatedAt)
			}
		}

		telemetry[u.Torrent.ID] = row
		changed[u.Torrent.ID] = true
	}

	for _, tr := range result.StateTransitions {
		row, existed := telemetry[tr.TorrentID]
		if !existed {
			row = domain.Telemetry{TorrentID: tr.TorrentID, CreatedAt: now}
		}
		row.UpdatedAt = now

		if tr.From != domain.StateDownloading && tr.To == domain.StateDownloading {
			row.LastDownloadActivityAt = ptrTime(now)
		}
		if tr.From != domain.StateSeeding && tr.To == domain.StateSeeding {
			row.LastUploadActivityAt = ptrTime(now)
		}
		if domain.NotStalledStates[tr.To] {
			row.StalledSince = nil
		}

		telemetry[tr.TorrentID] = row
		changed[tr.TorrentID] = true
	}

	current := make(map[string]domain.Shadow, len(shadow))
	for id, s := range shadow {
		if st, ok := states[id]; ok {
			s.LastState = st
		}
		current[id] = s
	}
	FinalSweep(now, current, telemetry, changed)

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	return ids
}

// FinalSweep corrects histories for torrents not touched this cycle:
// backfills still-null activity timestamps from shadow byte totals and
// telemetry created_at, then re-evaluates stall conditions. changed is
// mutated with any additional touched torrent ids.
func FinalSweep(now time.Time, shadow map[string]domain.Shadow, telemetry map[string]domain.Telemetry, changed map[string]bool) {
	for id, row := range telemetry {
		s, hasShadow := shadow[id]
		if !hasShadow {
			continue
		}
		dirty := false

		if row.LastDownloadActivityAt == nil && s.LastTotalDownload > 0 {
			row.LastDownloadActivityAt = ptrTime(row.CreatedAt)
			dirty = true
		}
		if row.LastUploadActivityAt == nil && s.LastTotalUpload > 0 {
			row.LastUploadActivityAt = ptrTime(row.CreatedAt)
			dirty = true
		}

		if row.StalledSince == nil && s.LastState == domain.StateStalled && row.LastDownloadActivityAt != nil &&
			now.Sub(*row.LastDownloadActivityAt) > StallThreshold {
			row.StalledSince = row.LastDownloadActivityAt
			dirty = true
		}

		if dirty {
			row.UpdatedAt = now
			telemetry[id] = row
			changed[id] = true
		}
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
