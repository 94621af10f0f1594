package metadata

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages all entity metadata in the application. Discovery
// happens once at startup; after that the registry is read-only from
// the loading core's point of view.
type Registry struct {
	entities map[string]*EntityMetadata
	mu       sync.RWMutex
}

// NewRegistry creates a new metadata registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*EntityMetadata),
	}
}

// Register registers entity metadata under its type name
func (r *Registry) Register(meta *EntityMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[meta.Name]; exists {
		return fmt.Errorf("entity %s is already registered", meta.Name)
	}

	if err := validateStructural(meta); err != nil {
		return fmt.Errorf("metadata validation failed for %s: %w", meta.Name, err)
	}

	for _, prop := range meta.Properties {
		prop.Entity = meta.Name
	}

	r.entities[meta.Name] = meta
	return nil
}

// Get retrieves entity metadata by type name
func (r *Registry) Get(name string) (*EntityMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, exists := r.entities[name]
	return meta, exists
}

// All returns a copy of all registered metadata
func (r *Registry) All() map[string]*EntityMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*EntityMetadata, len(r.entities))
	for k, v := range r.entities {
		result[k] = v
	}
	return result
}

// List returns the registered entity type names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll verifies cross-entity consistency: relation targets
// resolve, inverse sides point back at existing owning properties, and
// many-to-many pivots are declared on the owning side. Registration
// allows forward references, so this runs after discovery completes.
func (r *Registry) ValidateAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, meta := range r.entities {
		for _, prop := range meta.Relations() {
			target, ok := r.entities[prop.Target]
			if !ok {
				return fmt.Errorf("entity %s: relation %s targets unknown entity %s",
					meta.Name, prop.Name, prop.Target)
			}

			if prop.MappedBy != "" {
				inverse, ok := target.Property(prop.MappedBy)
				if !ok {
					return fmt.Errorf("entity %s: relation %s is mapped by %s.%s which does not exist",
						meta.Name, prop.Name, prop.Target, prop.MappedBy)
				}
				if !inverse.IsRelation() || inverse.Target != meta.Name {
					return fmt.Errorf("entity %s: relation %s is mapped by %s.%s which does not point back",
						meta.Name, prop.Name, prop.Target, prop.MappedBy)
				}
			}

			if prop.Kind == KindManyToMany && prop.Owner && prop.PivotTable == "" {
				return fmt.Errorf("entity %s: owning many_to_many relation %s has no pivot table",
					meta.Name, prop.Name)
			}
		}
	}

	return nil
}

// validateStructural checks single-entity invariants at registration time
func validateStructural(meta *EntityMetadata) error {
	if meta.Name == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	if len(meta.PrimaryKeys) == 0 {
		return fmt.Errorf("entity has no primary key")
	}

	for _, pk := range meta.PrimaryKeys {
		if _, ok := meta.Property(pk); !ok {
			return fmt.Errorf("primary key field %s is not a declared property", pk)
		}
	}

	for _, prop := range meta.Properties {
		switch prop.Kind {
		case KindScalar:
			if prop.Target != "" {
				return fmt.Errorf("scalar property %s must not declare a target", prop.Name)
			}
		case KindOneToMany:
			if prop.MappedBy == "" {
				return fmt.Errorf("one_to_many property %s requires mappedBy", prop.Name)
			}
		case KindManyToOne, KindOneToOne, KindManyToMany, KindEmbedded:
			if prop.Target == "" {
				return fmt.Errorf("%s property %s requires a target entity", prop.Kind, prop.Name)
			}
		}
		if prop.MappedBy != "" && prop.Owner {
			return fmt.Errorf("property %s declares both mappedBy and owning side", prop.Name)
		}
	}

	return nil
}
