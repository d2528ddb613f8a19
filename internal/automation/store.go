// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package automation owns the per-user rule set, cooldown bookkeeping, and
// execution history (spec.md §4.7's AutomationEngine), generalizing the
// teacher's internal/services/automations.Service ticker+activity-log
// shape from a per-instance qBittorrent automation scanner to a per-user
// rule evaluator over this spec's condition families.
package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/rules"
	"github.com/autobrr/qui-automaton/internal/timeutil"
)

// Store is the per-user store's rule, execution-log, tag, and archive
// persistence. It is a thin SQL layer: AutomationEngine owns the
// cooldown/evaluation policy built on top of it.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened per-user store handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListRules returns every rule, canonicalized to groups form regardless of
// how it was persisted (spec.md §9: legacy flat rules canonicalize
// transparently on read).
func (s *Store) ListRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, trigger_minutes, logic_operator, groups_json,
		       action_type, action_params, cooldown_minutes, last_executed_at,
		       last_evaluated_at, execution_count
		FROM automation_rules
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MinEnabledTriggerMinutes returns the smallest trigger_minutes across
// enabled rules. ok is false when no rule is enabled.
func (s *Store) MinEnabledTriggerMinutes(ctx context.Context) (minutes int, ok bool, err error) {
	var n sql.NullInt64
	err = s.db.QueryRowContext(ctx, "SELECT MIN(trigger_minutes) FROM automation_rules WHERE enabled = 1").Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("min enabled trigger minutes: %w", err)
	}
	if !n.Valid {
		return 0, false, nil
	}
	return int(n.Int64), true, nil
}

// HasActiveRules reports whether at least one enabled rule exists, without
// loading the full rule set. The refresh loop uses this to avoid
// initializing a full AutomationEngine just to check the flag.
func (s *Store) HasActiveRules(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM automation_rules WHERE enabled = 1").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active rules: %w", err)
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (domain.Rule, error) {
	var (
		r               domain.Rule
		enabled         int
		triggerMinutes  int
		logicOp         string
		groupsJSON      string
		actionType      string
		actionParams    string
		cooldownMinutes int
		lastExecutedAt  sql.NullString
		lastEvaluatedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &enabled, &triggerMinutes, &logicOp, &groupsJSON,
		&actionType, &actionParams, &cooldownMinutes, &lastExecutedAt, &lastEvaluatedAt, &r.ExecutionCount); err != nil {
		return domain.Rule{}, fmt.Errorf("scan rule: %w", err)
	}

	r.Enabled = enabled != 0
	r.Trigger = domain.Trigger{Type: domain.TriggerInterval, ValueMinutes: triggerMinutes}
	r.CooldownMinutes = cooldownMinutes
	r.Action.Type = domain.ActionType(actionType)
	r.Action.Params = parseParams(actionParams)

	outerOp, groups, err := rules.CanonicalizeRule([]byte(groupsJSON))
	if err != nil {
		return domain.Rule{}, fmt.Errorf("canonicalize rule %s conditions: %w", r.ID, err)
	}
	r.LogicOperator = outerOp
	r.Groups = groups
	// logicOp (the raw persisted column) is superseded by the canonicalized
	// outer operator once groups form is in play; kept as a column only for
	// rules still in legacy flat storage, where CanonicalizeRule always
	// returns AND as the synthesized outer operator.
	_ = logicOp

	if lastExecutedAt.Valid {
		t, err := timeutil.ParsePtr(lastExecutedAt.String)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("parse last_executed_at: %w", err)
		}
		r.LastExecutedAt = t
	}
	if lastEvaluatedAt.Valid {
		t, err := timeutil.ParsePtr(lastEvaluatedAt.String)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("parse last_evaluated_at: %w", err)
		}
		r.LastEvaluatedAt = t
	}
	return r, nil
}

func parseParams(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" || raw == "{}" {
		return out
	}
	// action_params is a flat string->string JSON object; a malformed value
	// degrades to an empty param set rather than failing the whole rule load.
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func marshalFlat(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// SaveRules replaces the entire rule set in a single transaction, per
// spec.md §4.7's save_rules semantics.
func (s *Store) SaveRules(ctx context.Context, rs []domain.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save rules: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM automation_rules"); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}

	now := timeutil.Format(time.Now())
	for _, r := range rs {
		groupsJSON, err := rules.MarshalGroups(r.LogicOperator, r.Groups)
		if err != nil {
			return fmt.Errorf("marshal conditions for rule %s: %w", r.ID, err)
		}
		paramsJSON := marshalFlat(r.Action.Params)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_rules
				(id, name, enabled, trigger_minutes, logic_operator, groups_json,
				 action_type, action_params, cooldown_minutes, last_executed_at,
				 last_evaluated_at, execution_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Name, boolToInt(r.Enabled), r.Trigger.EffectiveMinutes(), string(r.LogicOperator), string(groupsJSON),
			string(r.Action.Type), paramsJSON, defaultCooldown(r.CooldownMinutes),
			timeutil.FormatPtr(r.LastExecutedAt), timeutil.FormatPtr(r.LastEvaluatedAt), r.ExecutionCount, now, now)
		if err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func defaultCooldown(minutes int) int {
	if minutes <= 0 {
		return 5
	}
	return minutes
}

// UpdateRuleStatus flips a single rule's enabled flag.
func (s *Store) UpdateRuleStatus(ctx context.Context, ruleID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE automation_rules SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), timeutil.Format(time.Now()), ruleID)
	if err != nil {
		return fmt.Errorf("update rule status %s: %w", ruleID, err)
	}
	return nil
}

// DeleteRule removes a single rule.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM automation_rules WHERE id = ?", ruleID); err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	return nil
}

// RecordExecution writes the post-execution bookkeeping spec.md §4.1/§4.7
// require: last_executed_at, execution_count incremented, and
// cooldown_minutes reset to 5 (the known "always reset to 5" behavior
// spec.md §9(b) flags rather than replicating the source's inconsistent
// honoring of a rule's originally configured cooldown).
func (s *Store) RecordExecution(ctx context.Context, ruleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET last_executed_at = ?, last_evaluated_at = ?, execution_count = execution_count + 1,
		    cooldown_minutes = 5, updated_at = ?
		WHERE id = ?
	`, timeutil.Format(at), timeutil.Format(at), timeutil.Format(at), ruleID)
	if err != nil {
		return fmt.Errorf("record execution for rule %s: %w", ruleID, err)
	}
	return nil
}

// RecordEvaluation updates last_evaluated_at without touching execution
// bookkeeping. The engine calls it for every cycle that evaluates a rule
// (not for trigger-suppressed cycles), whether or not anything matched.
func (s *Store) RecordEvaluation(ctx context.Context, ruleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE automation_rules SET last_evaluated_at = ? WHERE id = ?",
		timeutil.Format(at), ruleID)
	if err != nil {
		return fmt.Errorf("record evaluation for rule %s: %w", ruleID, err)
	}
	return nil
}

// AppendLog writes one append-only execution-log row.
func (s *Store) AppendLog(ctx context.Context, l domain.RuleExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_execution_log (rule_id, evaluated_at, matched, succeeded, message)
		VALUES (?, ?, ?, ?, ?)
	`, l.RuleID, timeutil.Format(l.EvaluatedAt), l.Matched, boolToInt(l.Succeeded), l.Message)
	if err != nil {
		return fmt.Errorf("append execution log for rule %s: %w", l.RuleID, err)
	}
	return nil
}

// ValidateTagIDs returns the subset of ids that exist in the tags table.
// Tag actions never implicitly create tags.
func (s *Store) ValidateTagIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM tags WHERE name IN ("+strings.Join(placeholders, ",")+")", args...)
	if err != nil {
		return nil, fmt.Errorf("validate tag ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddTags attaches tagIDs (already validated) to torrentID.
func (s *Store) AddTags(ctx context.Context, torrentID string, tagIDs []string) error {
	for _, name := range tagIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO download_tags (torrent_id, tag_id)
			SELECT ?, id FROM tags WHERE name = ?
		`, torrentID, name)
		if err != nil {
			return fmt.Errorf("add tag %s to %s: %w", name, torrentID, err)
		}
	}
	return nil
}

// RemoveTags detaches tagIDs from torrentID.
func (s *Store) RemoveTags(ctx context.Context, torrentID string, tagIDs []string) error {
	for _, name := range tagIDs {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM download_tags
			WHERE torrent_id = ? AND tag_id = (SELECT id FROM tags WHERE name = ?)
		`, torrentID, name)
		if err != nil {
			return fmt.Errorf("remove tag %s from %s: %w", name, torrentID, err)
		}
	}
	return nil
}

// TagsForTorrent returns every tag name attached to torrentID.
func (s *Store) TagsForTorrent(ctx context.Context, torrentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN download_tags dt ON dt.tag_id = t.id
		WHERE dt.torrent_id = ?
	`, torrentID)
	if err != nil {
		return nil, fmt.Errorf("list tags for %s: %w", torrentID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Archive inserts an ArchivedDownload row, idempotent by torrent_id: a
// repeat archive of the same torrent is a no-op reporting alreadyArchived.
func (s *Store) Archive(ctx context.Context, torrentID, name string) (alreadyArchived bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO archived_downloads (torrent_id, name, archived_at)
		VALUES (?, ?, ?)
	`, torrentID, name, timeutil.Format(time.Now()))
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", torrentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", torrentID, err)
	}
	return affected == 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
