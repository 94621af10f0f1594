package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/marrow-orm/marrow/loader"
	"github.com/marrow-orm/marrow/metadata"
)

var planCmd = &cobra.Command{
	Use:   "plan <entity> [populate path...]",
	Short: "Explain a populate request",
	Long: `Normalize a populate request against the schema and print the
resulting fetch plan tree. Paths use dots for nesting ("author.books")
and "*" for every relation. With no paths, everything is populated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		strategyFlag, _ := cmd.Flags().GetString("strategy")
		eager, _ := cmd.Flags().GetBool("eager")

		config, err := loadConfig(path)
		if err != nil {
			return err
		}
		registry, err := buildRegistry(config)
		if err != nil {
			return err
		}
		if err := registry.ValidateAll(); err != nil {
			return err
		}

		strategy, err := metadata.ParseStrategy(strategyFlag)
		if err != nil {
			return err
		}

		var populate interface{}
		if len(args) > 1 {
			populate = args[1:]
		} else {
			populate = true
		}

		specs, err := loader.Normalize(registry, args[0], populate, strategy, eager)
		if err != nil {
			return err
		}

		color.New(color.Bold).Printf("%s\n", args[0])
		printSpecs(registry, args[0], specs, 1)
		return nil
	},
}

func init() {
	planCmd.Flags().String("strategy", "", "default load strategy (select_in or join)")
	planCmd.Flags().Bool("eager", true, "inject eager-configured relations")
}

// printSpecs renders the normalized tree, one batched fetch per line
func printSpecs(registry *metadata.Registry, entityName string, specs []*loader.Spec, depth int) {
	meta, ok := registry.Get(entityName)
	if !ok {
		return
	}
	indent := strings.Repeat("  ", depth)

	for _, spec := range specs {
		prop, ok := meta.Property(spec.Field)
		if !ok {
			color.Red("%s%s (unknown)\n", indent, spec.Field)
			continue
		}

		detail := prop.Kind.String()
		if prop.Kind == metadata.KindManyToMany && prop.PivotTable != "" {
			detail += " via " + prop.PivotTable
		}
		fmt.Printf("%s%s %s %s\n",
			indent,
			color.CyanString(spec.Field),
			color.New(color.Faint).Sprintf("[%s]", detail),
			color.New(color.Faint).Sprint(spec.Strategy),
		)

		if prop.IsRelation() {
			printSpecs(registry, prop.Target, spec.Children, depth+1)
		}
	}
}
