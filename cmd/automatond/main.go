// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Command automatond runs the per-user torrent-automation polling service:
// process bootstrap, logging, and configuration loading live here, outside
// the core engine, per spec.md §1's external-collaborator boundary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "automatond",
		Short: "Per-user torrent automation polling service",
	}

	root.AddCommand(RunServeCommand())
	root.AddCommand(RunTriggerPollCommand())
	root.AddCommand(RunRegisterUserCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
