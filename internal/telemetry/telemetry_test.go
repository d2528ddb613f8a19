// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-automaton/internal/diff"
	"github.com/autobrr/qui-automaton/internal/domain"
)

func TestApply_StallDetection(t *testing.T) {
	now := time.Now()
	lastActivity := now.Add(-600 * time.Second)

	shadow := map[string]domain.Shadow{
		"t1": {TorrentID: "t1", LastTotalDownload: 1000, LastState: domain.StateDownloading},
	}
	telemetryRows := map[string]domain.Telemetry{
		"t1": {TorrentID: "t1", LastDownloadActivityAt: &lastActivity},
	}

	snapshot := []domain.Torrent{
		{ID: "t1", TotalDownloaded: 1000, Active: true},
	}

	result := diff.Compute(snapshot, shadow)
	states := map[string]domain.TorrentState{"t1": diff.DeriveState(snapshot[0])}

	Apply(now, result, states, shadow, telemetryRows)

	row := telemetryRows["t1"]
	require.NotNil(t, row.StalledSince)
	assert.True(t, row.StalledSince.Equal(lastActivity), "stalled_since must anchor to last activity, not now")
}

func TestApply_ActivityClearsStall(t *testing.T) {
	now := time.Now()
	stalledSince := now.Add(-600 * time.Second)

	shadow := map[string]domain.Shadow{
		"t1": {TorrentID: "t1", LastTotalDownload: 1000, LastState: domain.StateStalled},
	}
	telemetryRows := map[string]domain.Telemetry{
		"t1": {TorrentID: "t1", LastDownloadActivityAt: &stalledSince, StalledSince: &stalledSince},
	}

	snapshot := []domain.Torrent{
		{ID: "t1", TotalDownloaded: 1200, Active: true},
	}

	result := diff.Compute(snapshot, shadow)
	states := map[string]domain.TorrentState{"t1": diff.DeriveState(snapshot[0])}

	Apply(now, result, states, shadow, telemetryRows)

	row := telemetryRows["t1"]
	assert.Nil(t, row.StalledSince)
	require.NotNil(t, row.LastDownloadActivityAt)
	assert.True(t, row.LastDownloadActivityAt.Equal(now))
}

func TestApply_NewTorrentDownloadingSetsActivityNow(t *testing.T) {
	now := time.Now()
	telemetryRows := map[string]domain.Telemetry{}
	shadow := map[string]domain.Shadow{}

	snapshot := []domain.Torrent{
		{ID: "fresh", Active: true},
	}
	result := diff.Compute(snapshot, shadow)
	states := map[string]domain.TorrentState{"fresh": diff.DeriveState(snapshot[0])}

	changed := Apply(now, result, states, shadow, telemetryRows)

	assert.Contains(t, changed, "fresh")
	row := telemetryRows["fresh"]
	require.NotNil(t, row.LastDownloadActivityAt)
	assert.True(t, row.LastDownloadActivityAt.Equal(now))
	assert.Nil(t, row.LastUploadActivityAt)
}

func TestApply_StateTransitionClearsStalledSince(t *testing.T) {
	now := time.Now()
	stalledSince := now.Add(-1000 * time.Second)

	shadow := map[string]domain.Shadow{
		"t1": {TorrentID: "t1", LastTotalDownload: 500, LastState: domain.StateStalled},
	}
	telemetryRows := map[string]domain.Telemetry{
		"t1": {TorrentID: "t1", StalledSince: &stalledSince},
	}

	// Recovers and starts seeding: finished, present, active.
	snapshot := []domain.Torrent{
		{ID: "t1", TotalDownloaded: 500, DownloadFinished: true, DownloadPresent: true, Active: true},
	}
	result := diff.Compute(snapshot, shadow)
	states := map[string]domain.TorrentState{"t1": diff.DeriveState(snapshot[0])}

	Apply(now, result, states, shadow, telemetryRows)

	row := telemetryRows["t1"]
	assert.Nil(t, row.StalledSince)
	require.NotNil(t, row.LastUploadActivityAt)
	assert.True(t, row.LastUploadActivityAt.Equal(now))
}

func TestFinalSweep_BackfillsFromShadowTotals(t *testing.T) {
	now := time.Now()
	created := now.Add(-2 * time.Hour)

	shadow := map[string]domain.Shadow{
		"untouched": {TorrentID: "untouched", LastTotalDownload: 5000, LastState: domain.StateCompleted},
	}
	telemetryRows := map[string]domain.Telemetry{
		"untouched": {TorrentID: "untouched", CreatedAt: created},
	}
	changed := map[string]bool{}

	FinalSweep(now, shadow, telemetryRows, changed)

	row := telemetryRows["untouched"]
	require.NotNil(t, row.LastDownloadActivityAt)
	assert.True(t, row.LastDownloadActivityAt.Equal(created))
	assert.True(t, changed["untouched"])
}

func TestFilterColumns_DropsUnknownKeys(t *testing.T) {
	in := map[string]interface{}{
		"last_download_activity_at": "x",
		"drop_table_users":          "y",
	}
	out := FilterColumns(in)
	assert.Contains(t, out, "last_download_activity_at")
	assert.NotContains(t, out, "drop_table_users")
}
