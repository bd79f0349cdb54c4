package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVersionCommand creates the version subcommand.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fixstream version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "fixstream version "+version)
			return err
		},
	}
}
