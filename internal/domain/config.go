// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"os"
	"strconv"
	"time"
)

// Config holds the environment knobs the core engine recognizes. Process
// bootstrap (flag parsing, file-based config) is an external concern; this
// struct only carries the values the scheduler, pool, and stores consult.
type Config struct {
	DataDir string

	MaxDBConnections int

	PollCheckInterval          time.Duration
	RefreshInterval            time.Duration
	PollTimeout                time.Duration
	MaxConcurrentPolls         int
	PollerCleanupIntervalHours int

	PoolEvictionThreshold float64
	PoolIdleTimeout       time.Duration

	// UpstreamBaseURL is the single deployment-wide upstream torrent API
	// endpoint every user's poller authenticates against with their own
	// bearer credential.
	UpstreamBaseURL string
}

// DefaultConfig returns the documented defaults for every recognized knob.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                    "./data",
		MaxDBConnections:           200,
		PollCheckInterval:          30 * time.Second,
		RefreshInterval:            60 * time.Second,
		PollTimeout:                300 * time.Second,
		MaxConcurrentPolls:         7,
		PollerCleanupIntervalHours: 24,
		PoolEvictionThreshold:      0.85,
		PoolIdleTimeout:            420 * time.Second,
		UpstreamBaseURL:            "",
	}
}

// LoadConfigFromEnv overlays DefaultConfig with any of the recognized
// environment variables that are set.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v, ok := envInt("MAX_DB_CONNECTIONS"); ok {
		cfg.MaxDBConnections = v
	}
	if v, ok := envMillis("POLL_CHECK_INTERVAL_MS"); ok {
		cfg.PollCheckInterval = v
	}
	if v, ok := envMillis("REFRESH_INTERVAL_MS"); ok {
		cfg.RefreshInterval = v
	}
	if v, ok := envMillis("POLL_TIMEOUT_MS"); ok {
		cfg.PollTimeout = v
	}
	if v, ok := envInt("MAX_CONCURRENT_POLLS"); ok {
		cfg.MaxConcurrentPolls = v
	}
	if v, ok := envInt("POLLER_CLEANUP_INTERVAL_HOURS"); ok {
		cfg.PollerCleanupIntervalHours = v
	}
	if v, ok := envFloat("POOL_EVICTION_THRESHOLD"); ok {
		cfg.PoolEvictionThreshold = v
	}
	if v, ok := envMillis("POOL_IDLE_TIMEOUT_MS"); ok {
		cfg.PoolIdleTimeout = v
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envMillis(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
