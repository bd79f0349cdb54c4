// Package cli wires the fixstream commands. The root command only routes;
// the serve subcommand assembles the registry, git layer, agent runner,
// pipeline, sweeper, and HTTP server into a running process.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "fixstream",
		Short: "Fixstream - automated CI repair server",
		Long: `Fixstream - automated CI repair server

Fixstream accepts repository repair requests over HTTP, clones each
repository into an isolated workspace, drives a fix agent through a
detect/fix/verify loop, publishes the result branch, and streams run
progress to clients over Server-Sent Events.

Examples:
  fixstream serve
  fixstream serve --port 9090
  fixstream serve --config /etc/fixstream/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "fixstream version "+version)
				return err
			}
			return cmd.Help()
		},
	}

	cmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	cmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, error)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
