package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an entity schema file",
	Long:  "Load marrow.yml, register every entity, and verify cross-entity consistency",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		config, err := loadConfig(path)
		if err != nil {
			return err
		}

		registry, err := buildRegistry(config)
		if err != nil {
			return err
		}

		if err := registry.ValidateAll(); err != nil {
			color.Red("schema invalid: %v", err)
			return fmt.Errorf("validation failed")
		}

		color.Green("schema ok: %d entities", len(registry.List()))
		for _, name := range registry.List() {
			meta, _ := registry.Get(name)
			fmt.Printf("  %s (%d properties, %d relations)\n",
				name, len(meta.Properties), len(meta.Relations()))
		}
		return nil
	},
}
