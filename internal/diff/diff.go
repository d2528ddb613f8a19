// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package diff compares a fresh upstream snapshot against the persisted
// per-user shadow and derives the canonical torrent state from the raw
// upstream fields, ahead of DerivedFieldsEngine's telemetry pass.
package diff

import (
	"strings"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// UpdatedTorrent pairs a torrent still present upstream with the byte
// deltas computed against its shadow row.
type UpdatedTorrent struct {
	Torrent         domain.Torrent
	DownloadChanged bool
	DownloadDelta   int64
	UploadChanged   bool
	UploadDelta     int64
}

// StateTransition records a torrent whose derived state differs from its
// last persisted state.
type StateTransition struct {
	TorrentID string
	From      domain.TorrentState
	To        domain.TorrentState
}

// Result is the full output of one diff pass.
type Result struct {
	New              []domain.Torrent
	Updated          []UpdatedTorrent
	Removed          []string // torrent ids present in shadow but not upstream
	StateTransitions []StateTransition
}

// Compute produces the diff between a fresh snapshot and the persisted
// shadow, keyed by torrent id.
func Compute(snapshot []domain.Torrent, shadow map[string]domain.Shadow) Result {
	var res Result

	seen := make(map[string]bool, len(snapshot))
	for _, t := range snapshot {
		seen[t.ID] = true

		prior, existed := shadow[t.ID]
		if !existed {
			res.New = append(res.New, t)
			continue
		}

		downloadDelta := t.TotalDownloaded - prior.LastTotalDownload
		uploadDelta := t.TotalUploaded - prior.LastTotalUpload

		res.Updated = append(res.Updated, UpdatedTorrent{
			Torrent:         t,
			DownloadChanged: downloadDelta != 0,
			DownloadDelta:   downloadDelta,
			UploadChanged:   uploadDelta != 0,
			UploadDelta:     uploadDelta,
		})

		derived := DeriveState(t)
		if derived != prior.LastState {
			res.StateTransitions = append(res.StateTransitions, StateTransition{
				TorrentID: t.ID,
				From:      prior.LastState,
				To:        derived,
			})
		}
	}

	for id := range shadow {
		if !seen[id] {
			res.Removed = append(res.Removed, id)
		}
	}

	return res
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}

func stripSpacesUnderscores(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.ToLower(s)
}

// DeriveState maps a raw upstream snapshot entry to the canonical
// TorrentState, evaluating the ordered rules of spec.md §4.4.
func DeriveState(t domain.Torrent) domain.TorrentState {
	ds := t.DownloadState

	switch {
	case hasPrefixFold(ds, "failed"):
		return domain.StateFailed
	case hasPrefixFold(ds, "stalled"):
		return domain.StateStalled
	case hasPrefixFold(ds, "metadl"):
		return domain.StateMetaDL
	case stripSpacesUnderscores(ds) == "checkingresumedata":
		return domain.StateCheckingResumeData
	case t.DownloadFinished && t.DownloadPresent && !t.Active:
		return domain.StateCompleted
	case t.DownloadFinished && t.DownloadPresent && t.Active:
		return domain.StateSeeding
	case t.DownloadFinished && !t.DownloadPresent && t.Active:
		return domain.StateUploading
	case t.DownloadFinished && !t.DownloadPresent && !t.Active:
		return domain.StateInactive
	case t.Active && !t.DownloadFinished && !t.DownloadPresent:
		return domain.StateDownloading
	case ds == "" && !t.DownloadFinished && !t.Active:
		return domain.StateQueued
	default:
		return domain.StateUnknown
	}
}
