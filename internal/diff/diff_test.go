// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/qui-automaton/internal/domain"
)

func TestDeriveState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    domain.Torrent
		want domain.TorrentState
	}{
		{"failed prefix", domain.Torrent{DownloadState: "failed_hash_mismatch"}, domain.StateFailed},
		{"stalled prefix case-insensitive", domain.Torrent{DownloadState: "Stalled (no peers)"}, domain.StateStalled},
		{"metadl prefix", domain.Torrent{DownloadState: "metaDL"}, domain.StateMetaDL},
		{"checking resume data ignoring separators", domain.Torrent{DownloadState: "checking_resume data"}, domain.StateCheckingResumeData},
		{"completed", domain.Torrent{DownloadFinished: true, DownloadPresent: true, Active: false}, domain.StateCompleted},
		{"seeding", domain.Torrent{DownloadFinished: true, DownloadPresent: true, Active: true}, domain.StateSeeding},
		{"uploading", domain.Torrent{DownloadFinished: true, DownloadPresent: false, Active: true}, domain.StateUploading},
		{"inactive", domain.Torrent{DownloadFinished: true, DownloadPresent: false, Active: false}, domain.StateInactive},
		{"downloading", domain.Torrent{Active: true, DownloadFinished: false, DownloadPresent: false}, domain.StateDownloading},
		{"queued", domain.Torrent{DownloadState: "", DownloadFinished: false, Active: false, DownloadPresent: true}, domain.StateQueued},
		{"unknown fallback", domain.Torrent{DownloadState: "something_weird", DownloadFinished: false, DownloadPresent: true, Active: false}, domain.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DeriveState(tt.t))
		})
	}
}

func TestCompute_ClassifiesNewUpdatedRemoved(t *testing.T) {
	t.Parallel()

	shadow := map[string]domain.Shadow{
		"stay":   {TorrentID: "stay", LastTotalDownload: 1000, LastState: domain.StateDownloading},
		"vanish": {TorrentID: "vanish", LastTotalDownload: 500, LastState: domain.StateDownloading},
	}

	snapshot := []domain.Torrent{
		{ID: "stay", TotalDownloaded: 1200, Active: true},
		{ID: "fresh", TotalDownloaded: 0, Active: true},
	}

	res := Compute(snapshot, shadow)

	assert.Len(t, res.New, 1)
	assert.Equal(t, "fresh", res.New[0].ID)

	assert.Len(t, res.Updated, 1)
	assert.Equal(t, "stay", res.Updated[0].Torrent.ID)
	assert.Equal(t, int64(200), res.Updated[0].DownloadDelta)
	assert.True(t, res.Updated[0].DownloadChanged)

	assert.Equal(t, []string{"vanish"}, res.Removed)
}

func TestCompute_EmitsStateTransitionOnlyOnChange(t *testing.T) {
	t.Parallel()

	shadow := map[string]domain.Shadow{
		"t1": {TorrentID: "t1", LastTotalDownload: 100, LastState: domain.StateDownloading},
		"t2": {TorrentID: "t2", LastTotalDownload: 100, LastState: domain.StateDownloading},
	}

	snapshot := []domain.Torrent{
		{ID: "t1", TotalDownloaded: 150, Active: true}, // still downloading, no transition
		{ID: "t2", TotalDownloaded: 150, DownloadFinished: true, DownloadPresent: true, Active: true}, // -> seeding
	}

	res := Compute(snapshot, shadow)

	require := assert.New(t)
	require.Len(res.StateTransitions, 1)
	require.Equal("t2", res.StateTransitions[0].TorrentID)
	require.Equal(domain.StateDownloading, res.StateTransitions[0].From)
	require.Equal(domain.StateSeeding, res.StateTransitions[0].To)
}
