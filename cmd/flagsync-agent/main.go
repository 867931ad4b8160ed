// Package main is the entry point for the flagsync agent, a sidecar that keeps
// a local copy of a user's flags in sync with the flag service and serves it
// over HTTP.
//
// The serve sequence is:
//  1. Load configuration from environment variables.
//  2. Open the cache store (memory, bolt, or PostgreSQL with migrations).
//  3. Build the flagsync service and start synchronizing.
//  4. Serve the local HTTP API until SIGINT/SIGTERM.
//  5. Shut the HTTP server down, then close the service (stop sync, final flush).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flagsync-agent",
		Short: "Keep feature flags in sync locally and serve them over HTTP",
		Long: `flagsync-agent streams (or polls) flag values for one user context from
the flag service, persists them so they survive restarts, and exposes them
to local processes over a small HTTP API. Configuration is read from the
environment; see the config package for the full list of variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("flagsync-agent version %s\nCommit: %s\n", Version, Commit))

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the agent (the default command)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		newHashTokenCmd(),
		newMigrateCmd(),
	)
	return root
}
