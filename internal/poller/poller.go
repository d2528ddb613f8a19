// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-automaton/internal/automation"
	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/diff"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/rules"
	"github.com/autobrr/qui-automaton/internal/telemetry"
	"github.com/autobrr/qui-automaton/internal/upstream"
	"github.com/autobrr/qui-automaton/internal/userstore"
)

// speedHistoryWindow bounds how far back SpeedHistorySince reads for the
// rolling-average condition family (internal/rules' stallWindowHours, with
// slack for the 1.5x multiplier it applies).
const speedHistoryWindow = 3 * time.Hour

// Result is one poll cycle's outcome, per spec.md §4.8.
type Result struct {
	Skipped          bool
	Success          bool
	NonTerminalCount int
	RuleResults      []automation.RuleResult
	Changes          []string

	// MinEnabledRuleMinutes is the smallest trigger_minutes across this
	// user's enabled rules, the compute_interval base candidate the
	// scheduler uses to pick next_poll_at. Zero when no rule is enabled.
	MinEnabledRuleMinutes int
}

// UserPoller runs one user's poll cycle end to end: fetch, diff, derive
// telemetry, evaluate rules, persist. Grounded on the teacher's
// automations.Service.applyForInstance, generalized from one qBittorrent
// instance to one user's upstream client and per-user store.
type UserPoller struct {
	authID    string
	manager   *userstore.Manager
	registry  *registry.Registry
	encryptor *crypto.AESEncryptor
	baseURL   string

	newClient func(baseURL, credential string) upstream.Client
}

// NewUserPoller builds the poller for one user.
func NewUserPoller(authID string, manager *userstore.Manager, reg *registry.Registry, encryptor *crypto.AESEncryptor, upstreamBaseURL string) *UserPoller {
	return &UserPoller{
		authID:    authID,
		manager:   manager,
		registry:  reg,
		encryptor: encryptor,
		baseURL:   upstreamBaseURL,
		newClient: func(baseURL, credential string) upstream.Client {
			return upstream.NewHTTPClient(baseURL, credential)
		},
	}
}

// Poll runs exactly one cycle: has_active_rules gate, upstream fetch,
// diff + telemetry derivation (applied within one store transaction),
// rule evaluation/execution, and non_terminal_count computation.
func (p *UserPoller) Poll(ctx context.Context) (Result, error) {
	reg, err := p.registry.Get(ctx, p.authID)
	if err != nil {
		return Result{}, fmt.Errorf("load registration for %s: %w", p.authID, err)
	}
	if reg == nil {
		return Result{}, fmt.Errorf("no registration for auth_id %s", p.authID)
	}
	if !reg.HasActiveRules {
		return Result{Skipped: true}, nil
	}

	p.manager.MarkActive(p.authID)
	defer p.manager.MarkInactive(p.authID)
	defer p.manager.Release(p.authID)

	db, err := p.manager.GetOrOpen(ctx, p.authID)
	if err != nil {
		return Result{}, fmt.Errorf("open store for %s: %w", p.authID, err)
	}

	credential, err := p.encryptor.Decrypt(reg.EncryptedKey)
	if err != nil {
		return Result{}, fmt.Errorf("decrypt credential for %s: %w", p.authID, err)
	}
	client := p.newClient(p.baseURL, credential)

	torrents, err := client.ListTorrents(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list torrents for %s: %w", p.authID, err)
	}

	store := NewStore(db)
	shadow, err := store.LoadShadow(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load shadow for %s: %w", p.authID, err)
	}
	telemetryRows, err := store.LoadTelemetry(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load telemetry for %s: %w", p.authID, err)
	}

	now := time.Now()
	diffResult := diff.Compute(torrents, shadow)

	states := make(map[string]domain.TorrentState, len(torrents))
	for _, t := range torrents {
		states[t.ID] = diff.DeriveState(t)
	}

	changed := telemetry.Apply(now, diffResult, states, shadow, telemetryRows)

	if err := store.PersistDiff(ctx, now, torrents, states, diffResult.Removed, telemetryRows, changed); err != nil {
		return Result{}, fmt.Errorf("persist diff for %s: %w", p.authID, err)
	}

	for _, u := range diffResult.Updated {
		if u.DownloadChanged || u.UploadChanged {
			if err := store.AppendSpeedSample(ctx, domain.SpeedSample{
				TorrentID:       u.Torrent.ID,
				Timestamp:       now,
				TotalDownloaded: u.Torrent.TotalDownloaded,
				TotalUploaded:   u.Torrent.TotalUploaded,
			}); err != nil {
				log.Warn().Err(err).Str("auth_id", p.authID).Str("torrent_id", u.Torrent.ID).Msg("append speed sample failed")
			}
		}
	}

	speed, err := store.SpeedHistorySince(ctx, now.Add(-speedHistoryWindow))
	if err != nil {
		return Result{}, fmt.Errorf("load speed history for %s: %w", p.authID, err)
	}

	automationStore := automation.NewStore(db)
	tagsByTorrent, err := loadTags(ctx, automationStore, torrents)
	if err != nil {
		return Result{}, fmt.Errorf("load tags for %s: %w", p.authID, err)
	}

	engine := automation.NewEngine(p.authID, automationStore, p.registry, client)
	ruleResults, err := engine.EvaluateRules(ctx, now, torrents, rules.SideData{
		States:    states,
		Telemetry: telemetryRows,
		Speed:     speed,
		Tags:      tagsByTorrent,
		Shadow:    shadow,
	})
	if err != nil {
		return Result{}, fmt.Errorf("evaluate rules for %s: %w", p.authID, err)
	}

	nonTerminal := 0
	for _, t := range torrents {
		if !domain.TerminalStates[states[t.ID]] {
			nonTerminal++
		}
	}

	minMinutes, _, err := automationStore.MinEnabledTriggerMinutes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("min enabled trigger minutes for %s: %w", p.authID, err)
	}

	return Result{
		Success:               true,
		NonTerminalCount:      nonTerminal,
		RuleResults:           ruleResults,
		Changes:               changed,
		MinEnabledRuleMinutes: minMinutes,
	}, nil
}

// loadTags builds the per-torrent tag membership map SideData.Tags needs
// for has_any/has_all/has_none condition evaluation.
func loadTags(ctx context.Context, store *automation.Store, torrents []domain.Torrent) (map[string][]string, error) {
	out := make(map[string][]string, len(torrents))
	for _, t := range torrents {
		tags, err := store.TagsForTorrent(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			out[t.ID] = tags
		}
	}
	return out, nil
}
