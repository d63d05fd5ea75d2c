// Package cmd wires the mixetl command-line front end.
package cmd

import (
	"github.com/spf13/cobra"
)

// Command builds the root command.
func Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "mixetl",
		Short:         "Stream analytics events, profiles, and lookup tables into the ingest API",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(initRun())
	return root
}
