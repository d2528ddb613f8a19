// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/rules"
	"github.com/autobrr/qui-automaton/internal/upstream"
)

// RuleResult is the per-rule outcome of one evaluate_rules pass, recorded
// in the execution log and returned to the poller for its cycle summary.
type RuleResult struct {
	RuleID  string
	Matched int
	Skipped bool // cooldown suppressed evaluation entirely
	Errors  int
}

// Engine is the per-user AutomationEngine: rule CRUD, cooldown bookkeeping,
// and rule evaluation/execution against one poll's snapshot.
type Engine struct {
	authID   string
	store    *Store
	registry *registry.Registry
	exec     *executor
}

// NewEngine builds the engine for one user's already-opened store handle.
func NewEngine(authID string, store *Store, reg *registry.Registry, client upstream.Client) *Engine {
	return &Engine{
		authID:   authID,
		store:    store,
		registry: reg,
		exec:     newExecutor(client, store),
	}
}

// Initialize is a no-op placeholder matching the teacher's construct-then-
// initialize idiom; the store handle is already open by the time NewEngine
// runs, so there is nothing further to acquire.
func (e *Engine) Initialize(ctx context.Context) error {
	return nil
}

// GetRules returns every rule, canonicalized to groups form.
func (e *Engine) GetRules(ctx context.Context) ([]domain.Rule, error) {
	return e.store.ListRules(ctx)
}

// HasActiveRules reports whether at least one enabled rule exists.
func (e *Engine) HasActiveRules(ctx context.Context) (bool, error) {
	return e.store.HasActiveRules(ctx)
}

// SaveRules replaces the rule set, then reconciles the registry's
// has_active_rules flag and fast-tracks next_poll_at when the flag flips
// to true so a newly rule-bearing user is picked up promptly.
func (e *Engine) SaveRules(ctx context.Context, rs []domain.Rule) error {
	if err := e.store.SaveRules(ctx, rs); err != nil {
		return err
	}

	hasActive, err := e.store.HasActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("recheck active rules: %w", err)
	}

	reg, err := e.registry.Get(ctx, e.authID)
	if err != nil {
		return fmt.Errorf("load registration: %w", err)
	}
	if reg == nil {
		return nil
	}

	if err := e.registry.UpdateActiveRulesFlag(ctx, e.authID, hasActive); err != nil {
		return fmt.Errorf("update active rules flag: %w", err)
	}
	if hasActive && !reg.HasActiveRules {
		next := time.Now().Add(5 * time.Minute)
		if err := e.registry.UpdateNextPollAt(ctx, e.authID, &next, reg.NonTerminalTorrentCount); err != nil {
			return fmt.Errorf("fast-track next poll: %w", err)
		}
	}
	return nil
}

// UpdateRuleStatus flips one rule's enabled flag.
func (e *Engine) UpdateRuleStatus(ctx context.Context, ruleID string, enabled bool) error {
	return e.store.UpdateRuleStatus(ctx, ruleID, enabled)
}

// DeleteRule removes one rule.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	return e.store.DeleteRule(ctx, ruleID)
}

// EvaluateRules is the central coroutine spec.md §4.7 names: it filters by
// cooldown, evaluates every rule via the RuleEvaluator, executes matched
// actions, and writes back last_executed_at/execution_count/cooldown/log
// rows. side carries the poll's derived state, telemetry, and speed data.
func (e *Engine) EvaluateRules(ctx context.Context, now time.Time, torrents []domain.Torrent, side rules.SideData) ([]RuleResult, error) {
	allRules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	var results []RuleResult
	for _, rule := range allRules {
		if !rule.Enabled {
			continue
		}

		if inCooldown(rule, now) {
			results = append(results, RuleResult{RuleID: rule.ID, Skipped: true})
			continue
		}

		matched, suppressed := rules.Evaluate(now, rule, torrents, side)
		if suppressed {
			results = append(results, RuleResult{RuleID: rule.ID, Skipped: true})
			continue
		}

		errCount := 0
		for _, t := range matched {
			if err := rules.ExecuteAction(ctx, e.exec, rule.Action, t); err != nil {
				errCount++
				log.Warn().Err(err).Str("rule_id", rule.ID).Str("torrent_id", t.ID).Msg("rule action failed")
			}
		}

		if err := e.store.RecordEvaluation(ctx, rule.ID, now); err != nil {
			return results, err
		}

		if len(matched) > 0 {
			if err := e.store.RecordExecution(ctx, rule.ID, now); err != nil {
				return results, err
			}
		}

		message := ""
		if errCount > 0 {
			message = fmt.Sprintf("%d action(s) failed", errCount)
		}
		if err := e.store.AppendLog(ctx, domain.RuleExecutionLog{
			RuleID:      rule.ID,
			EvaluatedAt: now,
			Matched:     len(matched),
			Succeeded:   errCount == 0,
			Message:     message,
		}); err != nil {
			return results, err
		}

		results = append(results, RuleResult{RuleID: rule.ID, Matched: len(matched), Errors: errCount})
	}

	return results, nil
}

// inCooldown reports whether rule last executed fewer than
// cooldown_minutes ago.
func inCooldown(rule domain.Rule, now time.Time) bool {
	if rule.LastExecutedAt == nil {
		return false
	}
	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return now.Sub(*rule.LastExecutedAt) < cooldown
}
