// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler is the central coordinator (spec.md §4.9): a tick loop
// that submits due users to a bounded worker pool, a refresh loop that
// reconciles has_active_rules and poller lifecycle, and a cleanup sweep
// that evicts long-idle pollers. Grounded on the teacher's
// automations.Service ticker-driven loop(ctx), generalized from a single
// background loop over qBittorrent instances to a dual-timer, per-user
// fan-out coordinator with an explicit concurrency cap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/qui-automaton/internal/automation"
	"github.com/autobrr/qui-automaton/internal/crypto"
	"github.com/autobrr/qui-automaton/internal/domain"
	"github.com/autobrr/qui-automaton/internal/poller"
	"github.com/autobrr/qui-automaton/internal/registry"
	"github.com/autobrr/qui-automaton/internal/userstore"
)

// cleanupCycleMultiplier is how many tick-loop cycles elapse between
// poller-cleanup sweeps (spec.md §4.9: "default 10 cycles ≈ 5 minutes").
const cleanupCycleMultiplier = 10

// relaxedIntervalCap bounds compute_interval's "may relax" branch.
const relaxedIntervalCap = 30 * time.Minute

// defaultBaseInterval is the ceiling compute_interval starts from absent
// any enabled rule.
const defaultBaseInterval = 30 * time.Minute

// minBaseInterval is the 1-minute floor spec.md §4.9 requires.
const minBaseInterval = time.Minute

// Scheduler is the PollingScheduler: it owns the tick and refresh timers,
// the per-user in-flight mutexes, the global concurrency semaphore, and
// the live UserPoller set.
type Scheduler struct {
	cfg       *domain.Config
	registry  *registry.Registry
	manager   *userstore.Manager
	encryptor *crypto.AESEncryptor

	sem *semaphore.Weighted

	userMu     sync.Map // authID -> *sync.Mutex
	pollers    sync.Map // authID -> *poller.UserPoller
	lastPolled sync.Map // authID -> time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler. Start must be called to run its timers.
func New(cfg *domain.Config, reg *registry.Registry, manager *userstore.Manager, encryptor *crypto.AESEncryptor) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		registry:  reg,
		manager:   manager,
		encryptor: encryptor,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentPolls)),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop and refresh loop as background goroutines.
// It returns immediately; call Shutdown to stop them.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.refreshLoop(ctx)
}

// Shutdown stops both timers, prevents new work from being submitted, and
// waits up to grace for in-flight cycles. It does not close store handles.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("scheduler shutdown grace period elapsed with cycles still in flight")
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollCheckInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			s.tick(ctx)
			if cycle%cleanupCycleMultiplier == 0 {
				s.cleanupSweep()
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.registry.UsersDueForPolling(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("query users due for polling failed")
		return
	}

	for _, u := range due {
		authID := u.AuthID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.submit(ctx, authID)
		}()
	}
}

// submit enforces the per-user mutex (skip if a cycle is already in
// flight for this user) then the global semaphore, and runs one cycle.
func (s *Scheduler) submit(ctx context.Context, authID string) {
	mu := s.userMutex(authID)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.runCycle(ctx, authID)
}

// TriggerPoll runs a poll immediately, bypassing the due-queue but not the
// per-user mutex or the global semaphore (spec.md §4.9's manual trigger).
func (s *Scheduler) TriggerPoll(ctx context.Context, authID string) error {
	mu := s.userMutex(authID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.runCycle(ctx, authID)
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context, authID string) {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	p := s.pollerFor(authID)
	result, err := p.Poll(pollCtx)
	now := time.Now()
	s.lastPolled.Store(authID, now)

	switch {
	case err != nil:
		log.Warn().Err(err).Str("auth_id", authID).Msg("poll cycle failed")
		next := now.Add(5 * time.Minute)
		if uerr := s.registry.UpdateNextPollAt(ctx, authID, &next, 0); uerr != nil {
			log.Error().Err(uerr).Str("auth_id", authID).Msg("failed to record retry next_poll_at")
		}
	case result.Skipped:
		next := now.Add(time.Hour)
		if uerr := s.registry.UpdateNextPollAt(ctx, authID, &next, 0); uerr != nil {
			log.Error().Err(uerr).Str("auth_id", authID).Msg("failed to record skipped next_poll_at")
		}
	default:
		interval := computeInterval(result.MinEnabledRuleMinutes, result.NonTerminalCount)
		next := now.Add(interval).Add(stagger(authID, interval))
		if uerr := s.registry.UpdateNextPollAt(ctx, authID, &next, result.NonTerminalCount); uerr != nil {
			log.Error().Err(uerr).Str("auth_id", authID).Msg("failed to record next_poll_at")
		}
	}
}

func (s *Scheduler) userMutex(authID string) *sync.Mutex {
	v, _ := s.userMu.LoadOrStore(authID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Scheduler) pollerFor(authID string) *poller.UserPoller {
	if v, ok := s.pollers.Load(authID); ok {
		return v.(*poller.UserPoller)
	}
	p := poller.NewUserPoller(authID, s.manager, s.registry, s.encryptor, s.cfg.UpstreamBaseURL)
	actual, _ := s.pollers.LoadOrStore(authID, p)
	return actual.(*poller.UserPoller)
}

// computeInterval implements spec.md §4.9's compute_interval: the base is
// the smaller of the smallest enabled-rule interval (floored at 1 minute)
// and a 30-minute default. Active torrents keep the base; an idle user
// relaxes to double the base, capped at 30 minutes.
func computeInterval(minEnabledRuleMinutes, nonTerminalCount int) time.Duration {
	base := defaultBaseInterval
	if minEnabledRuleMinutes > 0 {
		candidate := time.Duration(minEnabledRuleMinutes) * time.Minute
		if candidate < minBaseInterval {
			candidate = minBaseInterval
		}
		if candidate < base {
			base = candidate
		}
	}

	if nonTerminalCount > 0 {
		return base
	}

	relaxed := base * 2
	if relaxed > relaxedIntervalCap {
		relaxed = relaxedIntervalCap
	}
	return relaxed
}

// stagger deterministically spreads next_poll_at over 0-10% of base, per
// user, to avoid a thundering herd of simultaneous polls.
func stagger(authID string, base time.Duration) time.Duration {
	h := xxhash.Sum64String(authID) % 100
	frac := float64(h) / 100.0
	return time.Duration(frac * 0.10 * float64(base))
}

// refreshLoop reconciles has_active_rules and the live poller set every
// refresh_interval.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	users, err := s.registry.ActiveUsers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("refresh: load active users failed")
		return
	}

	live := make(map[string]bool, len(users))
	for _, u := range users {
		live[u.AuthID] = true

		hasActive, err := s.reconcileActiveRules(ctx, u)
		if err != nil {
			log.Warn().Err(err).Str("auth_id", u.AuthID).Msg("refresh: reconcile active rules failed")
			continue
		}

		if hasActive {
			s.pollerFor(u.AuthID)
		} else {
			s.pollers.Delete(u.AuthID)
		}
	}

	// Drop pollers for users no longer active at all.
	s.pollers.Range(func(key, _ interface{}) bool {
		authID := key.(string)
		if !live[authID] {
			s.pollers.Delete(authID)
		}
		return true
	})
}

// reconcileActiveRules counts enabled rules directly from the user store
// (never initializing a full automation.Engine) and persists the flag if
// it changed.
func (s *Scheduler) reconcileActiveRules(ctx context.Context, u domain.UserRegistration) (bool, error) {
	db, err := s.manager.GetOrOpen(ctx, u.AuthID)
	if err != nil {
		return false, err
	}
	defer s.manager.Release(u.AuthID)

	hasActive, err := automation.NewStore(db).HasActiveRules(ctx)
	if err != nil {
		return false, err
	}

	if hasActive != u.HasActiveRules {
		if err := s.registry.UpdateActiveRulesFlag(ctx, u.AuthID, hasActive); err != nil {
			return false, err
		}
	}
	return hasActive, nil
}

// cleanupSweep evicts pollers that have not run a cycle within
// PollerCleanupIntervalHours.
func (s *Scheduler) cleanupSweep() {
	cutoff := time.Duration(s.cfg.PollerCleanupIntervalHours) * time.Hour
	now := time.Now()

	s.pollers.Range(func(key, _ interface{}) bool {
		authID := key.(string)
		last, ok := s.lastPolled.Load(authID)
		if !ok {
			return true
		}
		if now.Sub(last.(time.Time)) > cutoff {
			s.pollers.Delete(authID)
			s.lastPolled.Delete(authID)
			log.Debug().Str("auth_id", authID).Msg("evicted idle poller")
		}
		return true
	})
}
