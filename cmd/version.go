package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// Set at build time: go build -ldflags "-X github.com/xkilldash9x/pagepilot/cmd.Version=1.0.0"
var Version = "0.1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pagepilot version %s\n", Version)
		},
	}
}
