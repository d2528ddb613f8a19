// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pool implements a content-addressed LRU of opened per-user store
// handles, with per-key active-operation reference counting and
// idle-timeout-driven eviction. It is one of the three pieces of global
// mutable state the process carries (alongside the registry and the
// scheduler's timer state): the pool is the arena, every other component
// holds only an auth_id and asks the pool for a handle each operation.
//
// A plain LRU (e.g. hashicorp/golang-lru) cannot express this package's
// semantics: entries with in-flight operations must never be evicted
// regardless of recency, proactive idle sweeps run ahead of outright
// capacity pressure, and the final eviction tie-break (lowest ref_count,
// then oldest last_access) needs access to bookkeeping a generic LRU
// doesn't expose. Hence the hand-rolled container/list + map below.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is anything the pool can hold and eventually close.
type Handle interface {
	Close() error
}

// LivenessProbe reports whether a handle is still usable. A handle that
// fails the probe is treated as stale on Get: it is removed and the caller
// is expected to open a fresh one.
type LivenessProbe[H Handle] func(ctx context.Context, h H) bool

type entry[H Handle] struct {
	key        string
	handle     H
	lastAccess time.Time
	refCount   int
	activeOps  int
	elem       *list.Element
}

// Options configures a Pool.
type Options[H Handle] struct {
	MaxSize int
	// EvictionThreshold triggers a proactive idle sweep once utilization
	// (size/MaxSize) reaches this fraction. Default 0.85.
	EvictionThreshold float64
	// IdleTimeout is how long an entry must sit unused before the proactive
	// sweep considers it a candidate. Default 7 minutes.
	IdleTimeout time.Duration
	// RecentWindow excludes entries accessed within this window from the
	// proactive sweep even if otherwise idle-eligible. Default 30s.
	RecentWindow time.Duration
	Liveness     LivenessProbe[H]
}

// Pool is a capacity-bounded, reference-counted LRU of handle H.
type Pool[H Handle] struct {
	mu      sync.Mutex
	opts    Options[H]
	entries map[string]*entry[H]
	lru     *list.List // front = most recently used

	metrics     *metrics
	lastWarnAt  map[string]time.Time // level -> last emission
	lastWarnMu  sync.Mutex
}

// New constructs a Pool, applying the documented defaults for any zero-value
// option.
func New[H Handle](opts Options[H]) *Pool[H] {
	if opts.EvictionThreshold <= 0 {
		opts.EvictionThreshold = 0.85
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 7 * time.Minute
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 30 * time.Second
	}
	return &Pool[H]{
		opts:       opts,
		entries:    make(map[string]*entry[H]),
		lru:        list.New(),
		metrics:    newMetrics(),
		lastWarnAt: make(map[string]time.Time),
	}
}

// Get returns the handle for key if present and live. A handle failing its
// liveness probe is evicted (closed) and treated as a miss so the caller
// opens a fresh one.
func (p *Pool[H]) Get(ctx context.Context, key string) (H, bool) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		var zero H
		return zero, false
	}
	p.mu.Unlock()

	if p.opts.Liveness != nil && !p.opts.Liveness(ctx, e.handle) {
		log.Warn().Str("key", key).Msg("pool handle failed liveness probe, evicting")
		p.Delete(key)
		var zero H
		return zero, false
	}

	p.mu.Lock()
	e.lastAccess = time.Now()
	e.refCount++
	p.lru.MoveToFront(e.elem)
	p.mu.Unlock()

	return e.handle, true
}

// MarkActive brackets the start of a logical operation holding key's
// handle. An entry with active_ops > 0 is never evicted.
func (p *Pool[H]) MarkActive(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.activeOps++
	}
}

// MarkInactive closes out a MarkActive bracket. Call sites must call this
// (and Release) on every exit path, including errors.
func (p *Pool[H]) MarkInactive(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.activeOps > 0 {
		e.activeOps--
	}
}

// Release decrements ref_count without affecting eviction eligibility.
func (p *Pool[H]) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && e.refCount > 0 {
		e.refCount--
	}
}

// Set admits a new handle for key, evicting idle or LRU entries as needed
// to respect MaxSize. The caller's old handle at the same key, if any, is
// closed.
func (p *Pool[H]) Set(key string, handle H) {
	p.mu.Lock()

	var evicted []*entry[H]

	if old, ok := p.entries[key]; ok {
		p.removeLocked(old)
		evicted = append(evicted, old)
	}

	if len(p.entries) >= int(float64(p.opts.MaxSize)*p.opts.EvictionThreshold) {
		evicted = append(evicted, p.evictIdleLocked()...)
	}
	if len(p.entries) >= p.opts.MaxSize {
		if v := p.evictOneLocked(); v != nil {
			evicted = append(evicted, v)
		}
	}

	e := &entry[H]{key: key, handle: handle, lastAccess: time.Now()}
	e.elem = p.lru.PushFront(key)
	p.entries[key] = e

	size := len(p.entries)
	p.mu.Unlock()

	for _, e := range evicted {
		p.closeHandle(e.key, e.handle)
	}

	p.emitCapacitySignal(size)
}

// Delete force-evicts key regardless of active_ops, closing its handle.
// Used for explicit user-driven removal (delete_user) as well as stale
// liveness evictions.
func (p *Pool[H]) Delete(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.removeLocked(e)
	p.mu.Unlock()

	p.closeHandle(key, e.handle)
}

// Clear closes every handle, used on shutdown.
func (p *Pool[H]) Clear() {
	p.mu.Lock()
	all := make([]*entry[H], 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[string]*entry[H])
	p.lru = list.New()
	p.mu.Unlock()

	for _, e := range all {
		p.closeHandle(e.key, e.handle)
	}
}

// Len reports the current number of live entries.
func (p *Pool[H]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool[H]) removeLocked(e *entry[H]) {
	delete(p.entries, e.key)
	p.lru.Remove(e.elem)
}

func (p *Pool[H]) closeHandle(key string, h H) {
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("error closing evicted pool handle")
	}
}

// evictIdleLocked proactively removes entries that are eligible by the idle
// policy: no in-flight ops, idle beyond IdleTimeout, and not touched within
// RecentWindow. Called while p.mu is held; returns the removed entries so
// the caller can close their handles outside the lock.
func (p *Pool[H]) evictIdleLocked() []*entry[H] {
	now := time.Now()
	var toEvict []*entry[H]
	for _, e := range p.entries {
		if e.activeOps > 0 {
			continue
		}
		if now.Sub(e.lastAccess) <= p.opts.RecentWindow {
			continue
		}
		if now.Sub(e.lastAccess) < p.opts.IdleTimeout {
			continue
		}
		toEvict = append(toEvict, e)
	}

	for _, e := range toEvict {
		p.removeLocked(e)
	}
	return toEvict
}

// evictOneLocked removes the single best eviction candidate: the
// least-recently-used entry with active_ops=0, tie-broken by lowest
// ref_count then oldest last_access. Called while p.mu is held; returns nil
// if every entry has an in-flight operation (the pool is allowed to exceed
// MaxSize rather than evict an active handle).
func (p *Pool[H]) evictOneLocked() *entry[H] {
	var victim *entry[H]
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(string)
		e, ok := p.entries[key]
		if !ok || e.activeOps > 0 {
			continue
		}
		if victim == nil {
			victim = e
			continue
		}
		if e.lastAccess.Before(victim.lastAccess) ||
			(e.lastAccess.Equal(victim.lastAccess) && e.refCount < victim.refCount) {
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	p.removeLocked(victim)
	return victim
}
