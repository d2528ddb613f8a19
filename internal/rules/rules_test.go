// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/qui-automaton/internal/domain"
)

func TestEvaluate_SuppressedByIntervalCooldown(t *testing.T) {
	now := time.Now()
	last := now.Add(-1 * time.Minute)
	rule := domain.Rule{
		Trigger:        domain.Trigger{ValueMinutes: 5},
		LastEvaluatedAt: &last,
		Groups:         nil,
	}

	matched, suppressed := Evaluate(now, rule, []domain.Torrent{{ID: "t1"}}, SideData{})
	assert.Nil(t, matched)
	assert.True(t, suppressed)
}

func TestEvaluate_RunsPastInterval(t *testing.T) {
	now := time.Now()
	last := now.Add(-10 * time.Minute)
	rule := domain.Rule{
		Trigger:         domain.Trigger{ValueMinutes: 5},
		LastEvaluatedAt: &last,
	}

	matched, suppressed := Evaluate(now, rule, []domain.Torrent{{ID: "t1"}}, SideData{})
	assert.Len(t, matched, 1)
	assert.False(t, suppressed)
}

func TestEvaluate_EmptyGroupsMatchesEverything(t *testing.T) {
	now := time.Now()
	rule := domain.Rule{Trigger: domain.Trigger{ValueMinutes: 1}}

	matched, suppressed := Evaluate(now, rule, []domain.Torrent{{ID: "a"}, {ID: "b"}}, SideData{})
	assert.Len(t, matched, 2)
	assert.False(t, suppressed)
}

func TestEvaluate_AndAcrossGroups(t *testing.T) {
	now := time.Now()
	rule := domain.Rule{
		Trigger:       domain.Trigger{ValueMinutes: 1},
		LogicOperator: domain.LogicAnd,
		Groups: []domain.ConditionGroup{
			{LogicOperator: domain.LogicAnd, Conditions: []domain.Condition{
				{Field: domain.FieldSeeds, Operator: domain.OpGTE, Value: 1.0},
			}},
			{LogicOperator: domain.LogicAnd, Conditions: []domain.Condition{
				{Field: domain.FieldRatio, Operator: domain.OpGTE, Value: 1.0},
			}},
		},
	}

	torrents := []domain.Torrent{
		{ID: "matches", Seeds: 2, Ratio: 1.5},
		{ID: "fails-one-group", Seeds: 0, Ratio: 1.5},
	}

	matched, _ := Evaluate(now, rule, torrents, SideData{})
	assert.Len(t, matched, 1)
	assert.Equal(t, "matches", matched[0].ID)
}

func TestEvaluate_OrAcrossGroups(t *testing.T) {
	now := time.Now()
	rule := domain.Rule{
		Trigger:       domain.Trigger{ValueMinutes: 1},
		LogicOperator: domain.LogicOr,
		Groups: []domain.ConditionGroup{
			{Conditions: []domain.Condition{{Field: domain.FieldSeeds, Operator: domain.OpGTE, Value: 100.0}}},
			{Conditions: []domain.Condition{{Field: domain.FieldRatio, Operator: domain.OpGTE, Value: 1.0}}},
		},
	}

	torrents := []domain.Torrent{{ID: "t1", Seeds: 0, Ratio: 2.0}}
	matched, _ := Evaluate(now, rule, torrents, SideData{})
	assert.Len(t, matched, 1)
}

func TestEvaluateCondition_AgeUsesCreatedAt(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1", CreatedAt: now.Add(-3 * time.Hour)}
	c := domain.Condition{Field: domain.FieldAge, Operator: domain.OpGTE, Value: 2.0}

	assert.True(t, evaluateCondition(c, torrent, SideData{}, now))
}

func TestEvaluateCondition_LastDownloadActivity_AbsentTelemetryIsInfinite(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1"}
	c := domain.Condition{Field: domain.FieldLastDownloadActivity, Operator: domain.OpGT, Value: 1000000.0}

	assert.True(t, evaluateCondition(c, torrent, SideData{}, now))
}

func TestEvaluateCondition_Status_IsAnyOf(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1"}
	side := SideData{States: map[string]domain.TorrentState{"t1": domain.StateStalled}}
	c := domain.Condition{Field: domain.FieldStatus, Operator: domain.OpIsAnyOf, Values: []string{"stalled", "failed"}}

	assert.True(t, evaluateCondition(c, torrent, side, now))
}

func TestEvaluateCondition_Tags_HasAny(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1"}
	side := SideData{Tags: map[string][]string{"t1": {"keep", "archive"}}}
	c := domain.Condition{Field: domain.FieldTags, Operator: domain.OpHasAny, Values: []string{"archive"}}

	assert.True(t, evaluateCondition(c, torrent, side, now))
}

func TestEvaluateCondition_Name_ContainsCaseInsensitive(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1", Name: "Ubuntu.Server.ISO"}
	c := domain.Condition{Field: domain.FieldName, Operator: domain.OpContains, Value: "server"}

	assert.True(t, evaluateCondition(c, torrent, SideData{}, now))
}

func TestEvaluateCondition_UnknownField(t *testing.T) {
	now := time.Now()
	c := domain.Condition{Field: "not_a_real_field", Operator: domain.OpEq, Value: 1.0}
	assert.False(t, evaluateCondition(c, domain.Torrent{ID: "t1"}, SideData{}, now))
}

func TestRollingAverage_RequiresTwoSamples(t *testing.T) {
	now := time.Now()
	_, ok := rollingAverage([]domain.SpeedSample{{Timestamp: now, TotalDownloaded: 100}}, false, now)
	assert.False(t, ok)
}

func TestRollingAverage_ComputesBytesPerSecond(t *testing.T) {
	now := time.Now()
	samples := []domain.SpeedSample{
		{Timestamp: now.Add(-1 * time.Hour), TotalDownloaded: 0},
		{Timestamp: now, TotalDownloaded: 3600},
	}

	avg, ok := rollingAverage(samples, false, now)
	assert.True(t, ok)
	assert.InDelta(t, 1.0, avg, 0.01)
}

func TestCompareWithInfinity_LessThanIsFalseWhenInfinite(t *testing.T) {
	c := domain.Condition{Operator: domain.OpLT, Value: 10.0}
	assert.False(t, compareWithInfinity(true, 0, c))
}

func TestEvaluateCondition_DownloadStalledTime_AbsentTelemetryIsFalse(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1"}
	c := domain.Condition{Field: domain.FieldDownloadStalledTime, Operator: domain.OpGTE, Value: 5.0}

	assert.False(t, evaluateCondition(c, torrent, SideData{}, now))
}

func TestEvaluateCondition_DownloadStalledTime_MatchesWhenStalled(t *testing.T) {
	now := time.Now()
	stalledSince := now.Add(-10 * time.Minute)
	torrent := domain.Torrent{ID: "t1"}
	side := SideData{Telemetry: map[string]domain.Telemetry{"t1": {StalledSince: &stalledSince}}}
	c := domain.Condition{Field: domain.FieldDownloadStalledTime, Operator: domain.OpGTE, Value: 5.0}

	assert.True(t, evaluateCondition(c, torrent, side, now))
}

func TestEvaluateCondition_UploadStalledTime_AbsentTelemetryIsFalse(t *testing.T) {
	now := time.Now()
	torrent := domain.Torrent{ID: "t1"}
	c := domain.Condition{Field: domain.FieldUploadStalledTime, Operator: domain.OpGT, Value: 0.0}

	assert.False(t, evaluateCondition(c, torrent, SideData{}, now))
}

func TestCompareTags_IsNoneOf(t *testing.T) {
	c := domain.Condition{Operator: domain.OpIsNoneOf, Values: []string{"skip"}}
	assert.True(t, compareTags([]string{"keep"}, c))
	assert.False(t, compareTags([]string{"skip"}, c))
}
