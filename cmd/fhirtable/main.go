package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhirtable",
		Short:        "Flatten FHIR search results into tables",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("base-url", "", "FHIR server base URL (overrides FHIR_BASE_URL)")

	root.AddCommand(searchCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fhirtable %s\n", version)
		},
	}
}
