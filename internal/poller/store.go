// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poller orchestrates one user's poll cycle: fetch the upstream
// snapshot, diff it against the persisted shadow, run the
// DerivedFieldsEngine pass, persist the results, then hand the enriched
// snapshot to the automation engine. Grounded on the teacher's
// internal/services/automations.Service.applyForInstance loop, generalized
// from a single qBittorrent instance to a per-user upstream client.
package poller

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/telemetry"
	"github.com/autobrr/qui-automaton/internal/timeutil"
)

// Store is the per-user shadow/telemetry/speed-history persistence layer.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened per-user store handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LoadShadow returns every persisted shadow row, keyed by torrent id.
func (s *Store) LoadShadow(ctx context.Context) (map[string]domain.Shadow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, last_total_downloaded, last_total_uploaded, last_state, created_at
		FROM torrent_shadow
	`)
	if err != nil {
		return nil, fmt.Errorf("load shadow: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Shadow)
	for rows.Next() {
		var (
			sh        domain.Shadow
			state     string
			createdAt string
		)
		if err := rows.Scan(&sh.TorrentID, &sh.LastTotalDownload, &sh.LastTotalUpload, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scan shadow row: %w", err)
		}
		sh.LastState = domain.TorrentState(state)
		t, err := timeutil.Parse(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse shadow created_at: %w", err)
		}
		sh.CreatedAt = t
		out[sh.TorrentID] = sh
	}
	return out, rows.Err()
}

// LoadTelemetry returns every persisted telemetry row, keyed by torrent id.
func (s *Store) LoadTelemetry(ctx context.Context) (map[string]domain.Telemetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, last_download_activity_at, last_upload_activity_at,
		       stalled_since, upload_stalled_since, created_at, updated_at
		FROM torrent_telemetry
	`)
	if err != nil {
		return nil, fmt.Errorf("load telemetry: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Telemetry)
	for rows.Next() {
		var (
			row                                                               domain.Telemetry
			lastDL, lastUL, stalledSince, uploadStalledSince, created, updated sql.NullString
		)
		if err := rows.Scan(&row.TorrentID, &lastDL, &lastUL, &stalledSince, &uploadStalledSince, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		var err error
		if row.LastDownloadActivityAt, err = timeutil.ParsePtr(lastDL.String); err != nil {
			return nil, fmt.Errorf("parse last_download_activity_at: %w", err)
		}
		if row.LastUploadActivityAt, err = timeutil.ParsePtr(lastUL.String); err != nil {
			return nil, fmt.Errorf("parse last_upload_activity_at: %w", err)
		}
		if row.StalledSince, err = timeutil.ParsePtr(stalledSince.String); err != nil {
			return nil, fmt.Errorf("parse stalled_since: %w", err)
		}
		if row.UploadStalledSince, err = timeutil.ParsePtr(uploadStalledSince.String); err != nil {
			return nil, fmt.Errorf("parse upload_stalled_since: %w", err)
		}
		createdAt, err := timeutil.Parse(created.String)
		if err != nil {
			return nil, fmt.Errorf("parse telemetry created_at: %w", err)
		}
		row.CreatedAt = createdAt
		updatedAt, err := timeutil.Parse(updated.String)
		if err != nil {
			return nil, fmt.Errorf("parse telemetry updated_at: %w", err)
		}
		row.UpdatedAt = updatedAt
		out[row.TorrentID] = row
	}
	return out, rows.Err()
}

// SaveShadow upserts the shadow row for every torrent in the given
// snapshot, keyed by id, overwriting byte totals and derived state.
func (s *Store) SaveShadow(ctx context.Context, now time.Time, torrents []domain.Torrent, states map[string]domain.TorrentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save shadow: %w", err)
	}
	defer tx.Rollback()

	for _, t := range torrents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO torrent_shadow (torrent_id, last_total_downloaded, last_total_uploaded, last_state, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(torrent_id) DO UPDATE SET
				last_total_downloaded = excluded.last_total_downloaded,
				last_total_uploaded   = excluded.last_total_uploaded,
				last_state            = excluded.last_state
		`, t.ID, t.TotalDownloaded, t.TotalUploaded, string(states[t.ID]), timeutil.Format(now))
		if err != nil {
			return fmt.Errorf("upsert shadow for %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteShadow removes shadow (and cascading telemetry/speed_history) rows
// for torrents no longer present upstream.
func (s *Store) DeleteShadow(ctx context.Context, torrentIDs []string) error {
	if len(torrentIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete shadow: %w", err)
	}
	defer tx.Rollback()

	for _, id := range torrentIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM torrent_shadow WHERE torrent_id = ?", id); err != nil {
			return fmt.Errorf("delete shadow %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PersistDiff applies one poll cycle's shadow upsert, shadow removal, and
// telemetry upsert within a single transaction, per spec.md §4.8's "apply
// within a single store transaction per user" requirement.
func (s *Store) PersistDiff(ctx context.Context, now time.Time, torrents []domain.Torrent, states map[string]domain.TorrentState, removed []string, telemetryRows map[string]domain.Telemetry, changedTelemetryIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist diff: %w", err)
	}
	defer tx.Rollback()

	for _, t := range torrents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO torrent_shadow (torrent_id, last_total_downloaded, last_total_uploaded, last_state, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(torrent_id) DO UPDATE SET
				last_total_downloaded = excluded.last_total_downloaded,
				last_total_uploaded   = excluded.last_total_uploaded,
				last_state            = excluded.last_state
		`, t.ID, t.TotalDownloaded, t.TotalUploaded, string(states[t.ID]), timeutil.Format(now)); err != nil {
			return fmt.Errorf("upsert shadow for %s: %w", t.ID, err)
		}
	}

	for _, id := range removed {
		if _, err := tx.ExecContext(ctx, "DELETE FROM torrent_shadow WHERE torrent_id = ?", id); err != nil {
			return fmt.Errorf("delete shadow %s: %w", id, err)
		}
	}

	for _, id := range changedTelemetryIDs {
		row, ok := telemetryRows[id]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO torrent_telemetry (torrent_id, created_at, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(torrent_id) DO NOTHING
		`, id, timeutil.Format(row.CreatedAt), timeutil.Format(now)); err != nil {
			return fmt.Errorf("seed telemetry row for %s: %w", id, err)
		}

		for col, val := range telemetryColumns(row, now) {
			if col == "updated_at" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE torrent_telemetry SET %s = ?, updated_at = ? WHERE torrent_id = ?", col),
				val, timeutil.Format(now), id); err != nil {
				return fmt.Errorf("update telemetry column %s for %s: %w", col, id, err)
			}
		}
	}

	return tx.Commit()
}

// telemetryColumns projects a domain.Telemetry row into the dynamic
// column set UpsertTelemetry writes, run through telemetry.FilterColumns
// so a caller can never smuggle an arbitrary column name into the
// generated SQL.
func telemetryColumns(row domain.Telemetry, now time.Time) map[string]interface{} {
	raw := map[string]interface{}{
		"last_download_activity_at": timeutil.FormatPtr(row.LastDownloadActivityAt),
		"last_upload_activity_at":   timeutil.FormatPtr(row.LastUploadActivityAt),
		"stalled_since":             timeutil.FormatPtr(row.StalledSince),
		"upload_stalled_since":      timeutil.FormatPtr(row.UploadStalledSince),
		"updated_at":                timeutil.Format(now),
	}
	return telemetry.FilterColumns(raw)
}

// UpsertTelemetry persists the telemetry rows for changedIDs, the set
// Apply returns. Column names come only from the static whitelist in
// package telemetry, never from caller-controlled input.
func (s *Store) UpsertTelemetry(ctx context.Context, now time.Time, changedIDs []string, rows map[string]domain.Telemetry) error {
	if len(changedIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert telemetry: %w", err)
	}
	defer tx.Rollback()

	for _, id := range changedIDs {
		row, ok := rows[id]
		if !ok {
			continue
		}
		cols := telemetryColumns(row, now)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO torrent_telemetry (torrent_id, created_at, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(torrent_id) DO NOTHING
		`, id, timeutil.Format(row.CreatedAt), timeutil.Format(now)); err != nil {
			return fmt.Errorf("seed telemetry row for %s: %w", id, err)
		}

		for col, val := range cols {
			if col == "updated_at" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE torrent_telemetry SET %s = ?, updated_at = ? WHERE torrent_id = ?", col),
				val, timeutil.Format(now), id); err != nil {
				return fmt.Errorf("update telemetry column %s for %s: %w", col, id, err)
			}
		}
	}
	return tx.Commit()
}

// AppendSpeedSample records one speed-history point for the rolling
// average window rule evaluation reads back.
func (s *Store) AppendSpeedSample(ctx context.Context, sample domain.SpeedSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_history (torrent_id, timestamp, total_downloaded, total_uploaded)
		VALUES (?, ?, ?, ?)
	`, sample.TorrentID, timeutil.Format(sample.Timestamp), sample.TotalDownloaded, sample.TotalUploaded)
	if err != nil {
		return fmt.Errorf("append speed sample for %s: %w", sample.TorrentID, err)
	}
	return nil
}

// SpeedHistorySince returns every speed sample at or after cutoff,
// grouped by torrent id, for rule evaluation's rolling-average window.
func (s *Store) SpeedHistorySince(ctx context.Context, cutoff time.Time) (map[string][]domain.SpeedSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, timestamp, total_downloaded, total_uploaded
		FROM speed_history
		WHERE timestamp >= ?
		ORDER BY torrent_id, timestamp
	`, timeutil.Format(cutoff))
	if err != nil {
		return nil, fmt.Errorf("load speed history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.SpeedSample)
	for rows.Next() {
		var (
			sample domain.SpeedSample
			ts     string
		)
		if err := rows.Scan(&sample.TorrentID, &ts, &sample.TotalDownloaded, &sample.TotalUploaded); err != nil {
			return nil, fmt.Errorf("scan speed sample: %w", err)
		}
		t, err := timeutil.Parse(ts)
		if err != nil {
			return nil, fmt.Errorf("parse speed sample timestamp: %w", err)
		}
		sample.Timestamp = t
		out[sample.TorrentID] = append(out[sample.TorrentID], sample)
	}
	return out, rows.Err()
}

// PruneSpeedHistory deletes samples older than cutoff, bounding the
// per-user store's growth.
func (s *Store) PruneSpeedHistory(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM speed_history WHERE timestamp < ?", timeutil.Format(cutoff))
	if err != nil {
		return fmt.Errorf("prune speed history: %w", err)
	}
	return nil
}
