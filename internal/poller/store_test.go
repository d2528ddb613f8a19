// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/pool"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/userstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	reg, err := registry.Open(ctx, filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	p := pool.New[*sql.DB](pool.Options[*sql.DB]{MaxSize: 10})
	t.Cleanup(p.Clear)

	enc, err := crypto.NewAESEncryptor(make([]byte, 32))
	require.NoError(t, err)

	manager := userstore.NewManager(p, reg, enc, dir, 0)
	_, db, err := manager.RegisterUser(ctx, "creds")
	require.NoError(t, err)

	return NewStore(db)
}

func TestPersistDiff_UpsertsShadowAndDeletesRemoved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	torrents := []domain.Torrent{
		{ID: "t1", TotalDownloaded: 1000, TotalUploaded: 500},
		{ID: "t2", TotalDownloaded: 2000, TotalUploaded: 0},
	}
	states := map[string]domain.TorrentState{"t1": domain.StateDownloading, "t2": domain.StateSeeding}

	require.NoError(t, s.PersistDiff(ctx, now, torrents, states, nil, nil, nil))

	shadow, err := s.LoadShadow(ctx)
	require.NoError(t, err)
	require.Len(t, shadow, 2)
	assert.Equal(t, int64(1000), shadow["t1"].LastTotalDownload)
	assert.Equal(t, domain.StateSeeding, shadow["t2"].LastState)

	require.NoError(t, s.PersistDiff(ctx, now.Add(time.Minute), nil, nil, []string{"t1"}, nil, nil))

	shadow, err = s.LoadShadow(ctx)
	require.NoError(t, err)
	require.Len(t, shadow, 1)
	_, stillThere := shadow["t2"]
	assert.True(t, stillThere)
}

func TestPersistDiff_SeedsAndUpdatesTelemetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	stalledAt := now.Add(-10 * time.Minute)
	telemetryRows := map[string]domain.Telemetry{
		"t1": {TorrentID: "t1", StalledSince: &stalledAt, CreatedAt: now},
	}

	require.NoError(t, s.PersistDiff(ctx, now, []domain.Torrent{{ID: "t1"}}, map[string]domain.TorrentState{"t1": domain.StateStalled}, nil, telemetryRows, []string{"t1"}))

	loaded, err := s.LoadTelemetry(ctx)
	require.NoError(t, err)
	require.Contains(t, loaded, "t1")
	require.NotNil(t, loaded["t1"].StalledSince)
	assert.WithinDuration(t, stalledAt, *loaded["t1"].StalledSince, time.Second)
}

func TestSpeedHistory_AppendAndWindowQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.AppendSpeedSample(ctx, domain.SpeedSample{TorrentID: "t1", Timestamp: now.Add(-2 * time.Hour), TotalDownloaded: 0}))
	require.NoError(t, s.AppendSpeedSample(ctx, domain.SpeedSample{TorrentID: "t1", Timestamp: now, TotalDownloaded: 3600}))

	samples, err := s.SpeedHistorySince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples["t1"], 1)
	assert.Equal(t, int64(3600), samples["t1"][0].TotalDownloaded)

	require.NoError(t, s.PruneSpeedHistory(ctx, now.Add(-time.Minute)))
	samples, err = s.SpeedHistorySince(ctx, now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, samples["t1"], 1)
}
