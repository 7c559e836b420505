// Package cli implements the shapelake command-line client.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var host string

	rootCmd := &cobra.Command{
		Use:           "shapelake",
		Short:         "Shapefile ingestion CLI",
		Long:          "Command-line interface for the shapelake ingestion API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Precedence: flag > env > default.
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("SHAPELAKE_HOST"); v != "" {
					host = v
				}
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "API host URL")

	client := func() *Client { return NewClient(host) }
	rootCmd.AddCommand(newIngestCmd(client))
	rootCmd.AddCommand(newStatusCmd(client))
	rootCmd.AddCommand(newCancelCmd(client))
	rootCmd.AddCommand(newDeleteCmd(client))

	return rootCmd
}
