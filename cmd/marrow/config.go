package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/marrow-orm/marrow/metadata"
)

// Config represents a marrow.yml schema file
type Config struct {
	Entities []EntityConfig `mapstructure:"entities"`
}

// EntityConfig declares one entity type
type EntityConfig struct {
	Name        string           `mapstructure:"name"`
	Table       string           `mapstructure:"table"`
	PrimaryKeys []string         `mapstructure:"primary_keys"`
	Properties  []PropertyConfig `mapstructure:"properties"`
}

// PropertyConfig declares one property of an entity
type PropertyConfig struct {
	Name           string `mapstructure:"name"`
	Kind           string `mapstructure:"kind"`
	Target         string `mapstructure:"target"`
	Owner          bool   `mapstructure:"owner"`
	MappedBy       string `mapstructure:"mapped_by"`
	InversedBy     string `mapstructure:"inversed_by"`
	ForeignKey     string `mapstructure:"foreign_key"`
	PivotTable     string `mapstructure:"pivot_table"`
	AssociationKey string `mapstructure:"association_key"`
	Strategy       string `mapstructure:"strategy"`
	OrderBy        string `mapstructure:"order_by"`
	Eager          bool   `mapstructure:"eager"`
	Lazy           bool   `mapstructure:"lazy"`
	Nullable       bool   `mapstructure:"nullable"`
	Type           string `mapstructure:"type"`
}

// loadConfig loads marrow.yml from an explicit path or the working
// directory
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("marrow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	return &config, nil
}

// buildRegistry converts a schema file into a metadata registry
func buildRegistry(config *Config) (*metadata.Registry, error) {
	registry := metadata.NewRegistry()

	for _, ec := range config.Entities {
		meta := metadata.NewEntityMetadata(ec.Name)
		meta.TableName = ec.Table
		if len(ec.PrimaryKeys) > 0 {
			meta.PrimaryKeys = ec.PrimaryKeys
		}

		for _, pc := range ec.Properties {
			kind, err := metadata.ParseKind(pc.Kind)
			if err != nil {
				return nil, fmt.Errorf("entity %s, property %s: %w", ec.Name, pc.Name, err)
			}
			strategy, err := metadata.ParseStrategy(pc.Strategy)
			if err != nil {
				return nil, fmt.Errorf("entity %s, property %s: %w", ec.Name, pc.Name, err)
			}

			prop := &metadata.Property{
				Name:           pc.Name,
				Kind:           kind,
				Target:         pc.Target,
				Owner:          pc.Owner,
				MappedBy:       pc.MappedBy,
				InversedBy:     pc.InversedBy,
				ForeignKey:     pc.ForeignKey,
				PivotTable:     pc.PivotTable,
				AssociationKey: pc.AssociationKey,
				Strategy:       strategy,
				OrderBy:        pc.OrderBy,
				Eager:          pc.Eager,
				Lazy:           pc.Lazy,
				Nullable:       pc.Nullable,
			}
			if pc.Type == "uuid" {
				prop.Type = metadata.UUIDType{}
			}
			meta.AddProperty(prop)
		}

		if err := registry.Register(meta); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
