package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information - will be set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marrow",
		Short: "Marrow ORM schema and population tooling",
		Long: `Marrow is an entity population engine for relational stores.
This tool validates entity schema files and explains how populate
requests expand into batched fetch plans.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to marrow.yml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
