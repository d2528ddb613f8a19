// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// RunRegisterUserCommand onboards one user from a raw upstream credential,
// an operational bridge for the HTTP registration surface spec.md §1
// treats as out of scope.
func RunRegisterUserCommand() *cobra.Command {
	var credential string

	cmd := &cobra.Command{
		Use:   "register-user",
		Short: "Register a user from a raw upstream credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if credential == "" {
				return errors.New("--credential is required")
			}

			configureLogger("info", "")
			cfg := domain.LoadConfigFromEnv()

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			authID, _, err := a.manager.RegisterUser(ctx, credential)
			if err != nil {
				return err
			}
			cmd.Println("auth_id:", authID)
			return nil
		},
	}

	cmd.Flags().StringVar(&credential, "credential", "", "Raw upstream credential")
	return cmd
}
