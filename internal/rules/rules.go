// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rules evaluates automation rules against a poll's torrent
// snapshot. The condition tree shape, recursion through AND/OR groups, and
// case-insensitive string comparisons are carried forward from
// autobrr-qui's automations evaluator, retyped onto this project's
// condition families instead of qBittorrent's field table.
package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// stallWindowHours is the fixed rolling-average window floor: two hours,
// the minimum the rolling-average semantics allow.
const stallWindowHours = 2.0

// SideData is the lazily materialized context Evaluate needs beyond the
// raw torrent snapshot: per-torrent telemetry, speed history for rolling
// averages, tag membership, derived state, and optional lifecycle flags
// that have no upstream source field.
type SideData struct {
	States    map[string]domain.TorrentState
	Telemetry map[string]domain.Telemetry
	Speed     map[string][]domain.SpeedSample
	Tags      map[string][]string
	Shadow    map[string]domain.Shadow
	// Flags carries lifecycle atoms with no defined upstream source
	// (seeding_enabled, long_term_seeding, allow_zip). Absent entries
	// evaluate to false.
	Flags map[string]map[domain.ConditionField]bool
}

func (s SideData) flag(torrentID string, field domain.ConditionField) bool {
	if s.Flags == nil {
		return false
	}
	return s.Flags[torrentID][field]
}

// Evaluate returns every torrent in torrents that matches rule, plus
// whether the interval trigger suppressed evaluation entirely (less than
// max(1 minute, trigger.ValueMinutes) elapsed since rule.LastEvaluatedAt).
// When suppressed, the returned match set is nil and the caller must not
// treat this cycle as a genuine evaluation (spec.md §4.6's interval-trigger
// semantics: a suppressed cycle must not reset last_evaluated_at, or the
// trigger interval collapses to the scheduler's poll cadence).
func Evaluate(now time.Time, rule domain.Rule, torrents []domain.Torrent, side SideData) (matched []domain.Torrent, suppressed bool) {
	if rule.LastEvaluatedAt != nil {
		minInterval := time.Duration(rule.Trigger.EffectiveMinutes()) * time.Minute
		if now.Sub(*rule.LastEvaluatedAt) < minInterval {
			return nil, true
		}
	}

	for _, t := range torrents {
		if evaluateRule(rule, t, side, now) {
			matched = append(matched, t)
		}
	}
	return matched, false
}

func evaluateRule(rule domain.Rule, t domain.Torrent, side SideData, now time.Time) bool {
	if len(rule.Groups) == 0 {
		return true
	}

	results := make([]bool, len(rule.Groups))
	for i, g := range rule.Groups {
		results[i] = evaluateGroup(g, t, side, now)
	}
	return combine(defaultAnd(rule.LogicOperator), results)
}

func evaluateGroup(g domain.ConditionGroup, t domain.Torrent, side SideData, now time.Time) bool {
	if len(g.Conditions) == 0 {
		return true
	}

	results := make([]bool, len(g.Conditions))
	for i, c := range g.Conditions {
		results[i] = evaluateCondition(c, t, side, now)
	}
	return combine(defaultAnd(g.LogicOperator), results)
}

func defaultAnd(op domain.LogicOperator) domain.LogicOperator {
	if op == "" {
		return domain.LogicAnd
	}
	return op
}

func combine(op domain.LogicOperator, results []bool) bool {
	if op == domain.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// evaluateCondition dispatches a single atomic predicate. Unknown fields
// or operators yield false rather than aborting the rule, per the
// invalid-condition error taxonomy.
func evaluateCondition(c domain.Condition, t domain.Torrent, side SideData, now time.Time) bool {
	field := domain.ConditionField(strings.ToLower(string(c.Field)))
	telemetry := side.Telemetry[t.ID]

	switch field {
	case domain.FieldAge:
		return compareWithInfinity(t.CreatedAt.IsZero(), hoursSince(t.CreatedAt, now), c)
	case domain.FieldSeedingTime:
		if !t.DownloadFinished {
			return compareWithInfinity(true, 0, c)
		}
		shadow := side.Shadow[t.ID]
		return compareWithInfinity(shadow.CreatedAt.IsZero(), hoursSince(shadow.CreatedAt, now), c)

	case domain.FieldLastDownloadActivity:
		return compareWithInfinity(telemetry.LastDownloadActivityAt == nil, minutesSince(telemetry.LastDownloadActivityAt, now), c)
	case domain.FieldLastUploadActivity:
		return compareWithInfinity(telemetry.LastUploadActivityAt == nil, minutesSince(telemetry.LastUploadActivityAt, now), c)
	case domain.FieldExpiresAt:
		return compareWithInfinity(t.ExpiresAt == nil, hoursUntil(t.ExpiresAt, now), c)

	case domain.FieldProgress:
		return compareNumeric(t.Progress, c)
	case domain.FieldDownloadSpeed:
		return compareNumeric(bytesToMB(t.DownloadSpeed), c)
	case domain.FieldUploadSpeed:
		return compareNumeric(bytesToMB(t.UploadSpeed), c)
	case domain.FieldAvgDownloadSpeed:
		avg, ok := rollingAverage(side.Speed[t.ID], false, now)
		return compareWithInfinity(!ok, bytesToMB(avg), c)
	case domain.FieldAvgUploadSpeed:
		avg, ok := rollingAverage(side.Speed[t.ID], true, now)
		return compareWithInfinity(!ok, bytesToMB(avg), c)
	case domain.FieldETA:
		return compareWithInfinity(t.DownloadSpeed <= 0, etaMinutes(t), c)

	case domain.FieldDownloadStalledTime:
		if telemetry.StalledSince == nil {
			return false
		}
		return compareNumeric(minutesSince(telemetry.StalledSince, now), c)
	case domain.FieldUploadStalledTime:
		if telemetry.UploadStalledSince == nil {
			return false
		}
		return compareNumeric(minutesSince(telemetry.UploadStalledSince, now), c)

	case domain.FieldSeeds:
		return compareNumeric(float64(t.Seeds), c)
	case domain.FieldPeers:
		return compareNumeric(float64(t.Peers), c)
	case domain.FieldRatio:
		return compareNumeric(effectiveRatio(t), c)
	case domain.FieldTotalUploaded:
		return compareNumeric(bytesToMB(float64(t.TotalUploaded)), c)
	case domain.FieldTotalDownloaded:
		return compareNumeric(bytesToMB(float64(t.TotalDownloaded)), c)

	case domain.FieldFileSize:
		return compareNumeric(bytesToMB(float64(t.Size)), c)
	case domain.FieldFileCount:
		return compareNumeric(float64(t.FileCount), c)
	case domain.FieldName:
		return compareString(t.Name, c)
	case domain.FieldTracker:
		return compareString(t.Tracker, c)
	case domain.FieldPrivate:
		return compareBool(t.Private, c)
	case domain.FieldCached:
		return compareBool(t.Cached, c)
	case domain.FieldAllowZip:
		return compareBool(side.flag(t.ID, domain.FieldAllowZip), c)
	case domain.FieldAvailability:
		return compareNumeric(t.Availability, c)

	case domain.FieldStatus:
		return matchStatus(t.ID, side, c)
	case domain.FieldIsActive:
		return compareBool(t.Active, c)
	case domain.FieldSeedingEnabled:
		return compareBool(side.flag(t.ID, domain.FieldSeedingEnabled), c)
	case domain.FieldLongTermSeeding:
		return compareBool(side.flag(t.ID, domain.FieldLongTermSeeding), c)

	case domain.FieldTags:
		return compareTags(side.Tags[t.ID], c)

	default:
		return false
	}
}

func hoursSince(t time.Time, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t).Hours()
}

func minutesSince(t *time.Time, now time.Time) float64 {
	if t == nil {
		return 0
	}
	return now.Sub(*t).Minutes()
}

func hoursUntil(t *time.Time, now time.Time) float64 {
	if t == nil {
		return 0
	}
	return t.Sub(now).Hours()
}

func bytesToMB(v float64) float64 {
	return v / (1024 * 1024)
}

func etaMinutes(t domain.Torrent) float64 {
	if t.DownloadSpeed <= 0 {
		return 0
	}
	remaining := float64(t.Size) * (1 - t.Progress)
	if remaining < 0 {
		remaining = 0
	}
	return remaining / t.DownloadSpeed / 60
}

func effectiveRatio(t domain.Torrent) float64 {
	if t.Ratio != 0 {
		return t.Ratio
	}
	if t.TotalDownloaded == 0 {
		return 0
	}
	return float64(t.TotalUploaded) / float64(t.TotalDownloaded)
}

func matchStatus(torrentID string, side SideData, c domain.Condition) bool {
	if len(c.Values) == 0 {
		return false
	}
	state, ok := side.States[torrentID]
	if !ok {
		return false
	}
	matched := containsFold(c.Values, string(state))
	switch c.Operator {
	case domain.OpIsAnyOf:
		return matched
	case domain.OpIsNoneOf:
		return !matched
	default:
		return false
	}
}

// rollingAverage computes bytes/sec over a fixed window of 1.5x
// stallWindowHours (three hours), requiring at least two samples.
func rollingAverage(samples []domain.SpeedSample, upload bool, now time.Time) (float64, bool) {
	windowStart := now.Add(-time.Duration(stallWindowHours*1.5) * time.Hour)

	var filtered []domain.SpeedSample
	for _, s := range samples {
		if !s.Timestamp.Before(windowStart) {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) < 2 {
		return 0, false
	}

	first, last := filtered[0], filtered[0]
	for _, s := range filtered {
		if s.Timestamp.Before(first.Timestamp) {
			first = s
		}
		if s.Timestamp.After(last.Timestamp) {
			last = s
		}
	}

	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return 0, true
	}

	var delta int64
	if upload {
		delta = last.TotalUploaded - first.TotalUploaded
	} else {
		delta = last.TotalDownloaded - first.TotalDownloaded
	}
	return float64(delta) / dt, true
}

// compareWithInfinity models "time since activity = +infinity" for
// absent telemetry: gt/gte against any finite value is true, lt/lte is
// false, eq is false (infinity never equals a finite threshold).
func compareWithInfinity(isInfinite bool, value float64, c domain.Condition) bool {
	if isInfinite {
		switch c.Operator {
		case domain.OpGT, domain.OpGTE:
			return true
		default:
			return false
		}
	}
	return compareNumeric(value, c)
}

func compareNumeric(value float64, c domain.Condition) bool {
	condValue, ok := toFloat64(c.Value)
	if !ok {
		return false
	}
	switch c.Operator {
	case domain.OpGT:
		return value > condValue
	case domain.OpLT:
		return value < condValue
	case domain.OpGTE:
		return value >= condValue
	case domain.OpLTE:
		return value <= condValue
	case domain.OpEq:
		return value == condValue
	default:
		return false
	}
}

func compareBool(value bool, c domain.Condition) bool {
	switch c.Operator {
	case domain.OpIsTrue:
		return value
	case domain.OpIsFalse:
		return !value
	case domain.OpEq:
		condValue, ok := toBool(c.Value)
		return ok && value == condValue
	default:
		return false
	}
}

func compareString(value string, c domain.Condition) bool {
	switch c.Operator {
	case domain.OpEquals:
		return strings.EqualFold(value, toString(c.Value))
	case domain.OpNotEquals:
		return !strings.EqualFold(value, toString(c.Value))
	case domain.OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(toString(c.Value)))
	case domain.OpNotContains:
		return !strings.Contains(strings.ToLower(value), strings.ToLower(toString(c.Value)))
	case domain.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(toString(c.Value)))
	case domain.OpEndsWith:
		return strings.HasSuffix(strings.ToLower(value), strings.ToLower(toString(c.Value)))
	case domain.OpIsAnyOf:
		return containsFold(c.Values, value)
	case domain.OpIsNoneOf:
		return !containsFold(c.Values, value)
	default:
		return false
	}
}

// compareTags treats the has_*/is_*_of operator pairs as aliases, per
// spec: is_any_of == has_any, is_all_of == has_all, is_none_of == has_none.
func compareTags(tags []string, c domain.Condition) bool {
	switch c.Operator {
	case domain.OpIsAnyOf, domain.OpHasAny:
		for _, want := range c.Values {
			if containsFold(tags, want) {
				return true
			}
		}
		return false
	case domain.OpIsAllOf, domain.OpHasAll:
		for _, want := range c.Values {
			if !containsFold(tags, want) {
				return false
			}
		}
		return len(c.Values) > 0
	case domain.OpIsNoneOf, domain.OpHasNone:
		for _, want := range c.Values {
			if containsFold(tags, want) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}
