// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qui-automaton/internal/domain"
)

type fakeExecutor struct {
	stopped   []string
	started   []string
	deleted   []string
	archived  map[string]bool
	validTags map[string]bool
	added     map[string][]string
	removed   map[string][]string

	archiveErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		archived:  make(map[string]bool),
		validTags: make(map[string]bool),
		added:     make(map[string][]string),
		removed:   make(map[string][]string),
	}
}

func (f *fakeExecutor) StopSeeding(ctx context.Context, torrentID string) error {
	f.stopped = append(f.stopped, torrentID)
	return nil
}

func (f *fakeExecutor) ForceStart(ctx context.Context, torrentID string) error {
	f.started = append(f.started, torrentID)
	return nil
}

func (f *fakeExecutor) Delete(ctx context.Context, torrentID string) error {
	f.deleted = append(f.deleted, torrentID)
	return nil
}

func (f *fakeExecutor) Archive(ctx context.Context, torrentID, name string) (bool, error) {
	if f.archiveErr != nil {
		return false, f.archiveErr
	}
	already := f.archived[torrentID]
	f.archived[torrentID] = true
	return already, nil
}

func (f *fakeExecutor) ValidateTags(ctx context.Context, tagIDs []string) ([]string, error) {
	var valid []string
	for _, id := range tagIDs {
		if f.validTags[id] {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

func (f *fakeExecutor) AddTags(ctx context.Context, torrentID string, tagIDs []string) error {
	f.added[torrentID] = tagIDs
	return nil
}

func (f *fakeExecutor) RemoveTags(ctx context.Context, torrentID string, tagIDs []string) error {
	f.removed[torrentID] = tagIDs
	return nil
}

func TestExecuteAction_StopSeeding(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionStopSeeding}, domain.Torrent{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, exec.stopped)
}

func TestExecuteAction_ForceStart(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionForceStart}, domain.Torrent{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, exec.started)
}

func TestExecuteAction_Delete(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionDelete}, domain.Torrent{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, exec.deleted)
}

func TestExecuteAction_Archive_DeletesAfterArchiving(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionArchive}, domain.Torrent{ID: "t1", Name: "movie"})
	require.NoError(t, err)
	assert.True(t, exec.archived["t1"])
	assert.Equal(t, []string{"t1"}, exec.deleted)
}

func TestExecuteAction_Archive_PropagatesError(t *testing.T) {
	exec := newFakeExecutor()
	exec.archiveErr = errors.New("disk full")
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionArchive}, domain.Torrent{ID: "t1"})
	assert.Error(t, err)
	assert.Empty(t, exec.deleted)
}

func TestExecuteAction_AddTag_ValidatesFirst(t *testing.T) {
	exec := newFakeExecutor()
	exec.validTags["keep"] = true

	err := ExecuteAction(context.Background(), exec, domain.Action{
		Type:   domain.ActionAddTag,
		Params: map[string]string{"tag_ids": "keep, missing"},
	}, domain.Torrent{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, exec.added["t1"])
}

func TestExecuteAction_RemoveTag_EmptyParamsIsNoOp(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: domain.ActionRemoveTag}, domain.Torrent{ID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, exec.removed["t1"])
}

func TestExecuteAction_UnknownType(t *testing.T) {
	exec := newFakeExecutor()
	err := ExecuteAction(context.Background(), exec, domain.Action{Type: "nonsense"}, domain.Torrent{ID: "t1"})
	assert.Error(t, err)
}
