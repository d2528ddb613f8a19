// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// RunTriggerPollCommand runs a single poll cycle for one user immediately,
// bypassing the due-queue (spec.md §4.9's manual trigger_poll).
func RunTriggerPollCommand() *cobra.Command {
	var authID string

	cmd := &cobra.Command{
		Use:   "trigger-poll",
		Short: "Run one poll cycle for a user immediately",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if authID == "" {
				return errors.New("--auth-id is required")
			}

			configureLogger("info", "")
			cfg := domain.LoadConfigFromEnv()

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.scheduler.TriggerPoll(ctx, authID); err != nil {
				return err
			}
			cmd.Println("poll triggered for", authID)
			return nil
		},
	}

	cmd.Flags().StringVar(&authID, "auth-id", "", "auth_id of the user to poll")
	return cmd
}
