// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Gatewarden CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatewarden",
		Short: "Gatewarden - authentication gatekeeper for shared worlds",
		Long: `Gatewarden authenticates sessions joining a shared real-time world.
It holds new connections restricted at a neutral anchor until they prove a
password, with brute-force lockout, email confirmation, password reset, and
a durable PostgreSQL backend that degrades to a local snapshot file.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
