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

	"github.com/autobrr/qui-automaton/internal/automation"
	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/pool"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/upstream"
	"github.com/autobrr/qui-automaton/internal/userstore"
)

// fakeUpstreamClient serves a fixed, mutable torrent list so successive
// Poll() calls can observe a byte-count delta between cycles.
type fakeUpstreamClient struct {
	torrents []domain.Torrent
}

func (f *fakeUpstreamClient) ListTorrents(ctx context.Context) ([]domain.Torrent, error) {
	return f.torrents, nil
}
func (f *fakeUpstreamClient) StopSeeding(ctx context.Context, torrentID string) error { return nil }
func (f *fakeUpstreamClient) ForceStart(ctx context.Context, torrentID string) error  { return nil }
func (f *fakeUpstreamClient) Delete(ctx context.Context, torrentID string) error      { return nil }

// testHarness bundles a registered user plus the poller under test, with
// its upstream client swapped for fakeUpstreamClient so no network I/O
// happens.
type testHarness struct {
	authID  string
	manager *userstore.Manager
	reg     *registry.Registry
	poller  *UserPoller
	client  *fakeUpstreamClient
}

func newTestHarness(t *testing.T) *testHarness {
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
	authID, _, err := manager.RegisterUser(ctx, "creds")
	require.NoError(t, err)
	require.NoError(t, reg.UpdateActiveRulesFlag(ctx, authID, true))

	client := &fakeUpstreamClient{}
	up := NewUserPoller(authID, manager, reg, enc, "https://upstream.example")
	up.newClient = func(baseURL, credential string) upstream.Client { return client }

	return &testHarness{authID: authID, manager: manager, reg: reg, poller: up, client: client}
}

func (h *testHarness) saveRule(t *testing.T, ctx context.Context, rule domain.Rule) {
	t.Helper()
	db, err := h.manager.GetOrOpen(ctx, h.authID)
	require.NoError(t, err)
	require.NoError(t, automation.NewStore(db).SaveRules(ctx, []domain.Rule{rule}))
}

func TestPoll_SkipsWhenNoActiveRules(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	require.NoError(t, h.reg.UpdateActiveRulesFlag(ctx, h.authID, false))

	result, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestPoll_FirstCycleSeedsShadowAndTelemetry(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.saveRule(t, ctx, domain.Rule{
		ID:      "r1",
		Name:    "stall watch",
		Enabled: true,
		Trigger: domain.Trigger{Type: domain.TriggerInterval, ValueMinutes: 1},
		Groups: []domain.ConditionGroup{
			{LogicOperator: domain.LogicAnd, Conditions: []domain.Condition{
				{Field: domain.FieldRatio, Operator: domain.OpGTE, Value: 100.0},
			}},
		},
		LogicOperator:   domain.LogicAnd,
		Action:          domain.Action{Type: domain.ActionStopSeeding, Params: map[string]string{}},
		CooldownMinutes: 5,
	})

	h.client.torrents = []domain.Torrent{
		{ID: "t1", Active: true, TotalDownloaded: 1000, DownloadState: "downloading"},
	}

	result, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.NonTerminalCount)
	require.Len(t, result.RuleResults, 1)
	assert.Equal(t, 0, result.RuleResults[0].Matched)

	db, err := h.manager.GetOrOpen(ctx, h.authID)
	require.NoError(t, err)
	shadow, err := NewStore(db).LoadShadow(ctx)
	require.NoError(t, err)
	require.Contains(t, shadow, "t1")
	assert.Equal(t, int64(1000), shadow["t1"].LastTotalDownload)

	telemetryRows, err := NewStore(db).LoadTelemetry(ctx)
	require.NoError(t, err)
	require.Contains(t, telemetryRows, "t1")
	require.NotNil(t, telemetryRows["t1"].LastDownloadActivityAt)
}

func TestPoll_SecondCycleDetectsStall(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	h.client.torrents = []domain.Torrent{
		{ID: "t1", Active: true, TotalDownloaded: 1000, DownloadState: "downloading"},
	}
	_, err := h.poller.Poll(ctx)
	require.NoError(t, err)

	// Back-date the activity timestamp past the stall threshold so the
	// next poll (with no byte-count change) flags the torrent as stalled.
	db, err := h.manager.GetOrOpen(ctx, h.authID)
	require.NoError(t, err)
	store := NewStore(db)
	telemetryRows, err := store.LoadTelemetry(ctx)
	require.NoError(t, err)
	row := telemetryRows["t1"]
	past := time.Now().Add(-10 * time.Minute)
	row.LastDownloadActivityAt = &past
	require.NoError(t, store.PersistDiff(ctx, time.Now(), nil, nil, nil, map[string]domain.Telemetry{"t1": row}, []string{"t1"}))

	result, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)

	telemetryRows, err = store.LoadTelemetry(ctx)
	require.NoError(t, err)
	require.NotNil(t, telemetryRows["t1"].StalledSince)
}

func TestPoll_RemovedTorrentDeletesShadow(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)

	h.client.torrents = []domain.Torrent{{ID: "t1", TotalDownloaded: 500}}
	_, err := h.poller.Poll(ctx)
	require.NoError(t, err)

	h.client.torrents = nil
	result, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.NonTerminalCount)

	db, err := h.manager.GetOrOpen(ctx, h.authID)
	require.NoError(t, err)
	shadow, err := NewStore(db).LoadShadow(ctx)
	require.NoError(t, err)
	assert.NotContains(t, shadow, "t1")
}
