// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// RunServeCommand runs the scheduler until interrupted.
func RunServeCommand() *cobra.Command {
	var (
		logLevel string
		logPath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polling scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configureLogger(logLevel, logPath)

			cfg := domain.LoadConfigFromEnv()
			if cfg.UpstreamBaseURL == "" {
				log.Warn().Msg("UPSTREAM_BASE_URL not set; poll cycles will fail to reach the upstream API")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("data_dir", cfg.DataDir).
				Dur("poll_check_interval", cfg.PollCheckInterval).
				Int("max_concurrent_polls", cfg.MaxConcurrentPolls).
				Msg("starting automatond")

			a.scheduler.Start(ctx)
			<-ctx.Done()

			log.Info().Msg("shutting down")
			a.scheduler.Shutdown(30 * time.Second)
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&logPath, "log-path", "", "Optional rotated log file path")

	return cmd
}
