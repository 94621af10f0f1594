package entity

import (
	"fmt"

	"github.com/marrow-orm/marrow/metadata"
)

// Manager combines the identity map with the entity factory: raw rows
// go in, canonical managed instances come out.
type Manager struct {
	registry *metadata.Registry
	identity *IdentityMap
}

// NewManager creates a manager over the given metadata registry
func NewManager(registry *metadata.Registry) *Manager {
	return &Manager{
		registry: registry,
		identity: NewIdentityMap(),
	}
}

// Identity exposes the underlying identity map
func (m *Manager) Identity() *IdentityMap {
	return m.identity
}

// CreateOptions control factory behavior for one row
type CreateOptions struct {
	// Refresh overwrites already-hydrated values on an existing instance
	Refresh bool
	// Merge fills missing values on an existing instance without
	// overwriting hydrated ones
	Merge bool
	// ConvertCustomTypes runs custom scalar types' FromStorage conversion
	ConvertCustomTypes bool
	// Schema selects an alternative schema namespace, passed through to
	// reference creation
	Schema string
}

// Create resolves the canonical entity for a raw row: if the primary
// key is already tracked the existing instance is returned (optionally
// refresh-merged), otherwise a new managed instance is hydrated and
// tracked.
func (m *Manager) Create(typeName string, row map[string]interface{}, opts CreateOptions) (*Entity, error) {
	meta, ok := m.registry.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, typeName)
	}

	key, err := pkKey(meta, row)
	if err != nil {
		return nil, err
	}

	if existing, ok := m.identity.Get(typeName, key); ok {
		if opts.Refresh || opts.Merge || !existing.IsInitialized() {
			if err := m.hydrate(existing, row, opts); err != nil {
				return nil, err
			}
			existing.MarkInitialized()
		}
		return existing, nil
	}

	e := newEntity(meta)
	if err := m.hydrate(e, row, opts); err != nil {
		return nil, err
	}
	e.MarkInitialized()
	return m.identity.Store(typeName, key, e), nil
}

// Reference returns the canonical, possibly uninitialized instance for
// a bare primary key. Used to wire foreign-key slots without fetching.
func (m *Manager) Reference(typeName string, pkValues ...interface{}) (*Entity, error) {
	meta, ok := m.registry.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, typeName)
	}
	if len(pkValues) != len(meta.PrimaryKeys) {
		return nil, fmt.Errorf("entity %s has %d primary key fields, got %d values",
			typeName, len(meta.PrimaryKeys), len(pkValues))
	}

	row := make(map[string]interface{}, len(pkValues))
	for i, pk := range meta.PrimaryKeys {
		row[pk] = pkValues[i]
	}
	key, err := pkKey(meta, row)
	if err != nil {
		return nil, err
	}

	if existing, ok := m.identity.Get(typeName, key); ok {
		return existing, nil
	}

	e := newEntity(meta)
	for i, pk := range meta.PrimaryKeys {
		e.data[pk] = pkValues[i]
	}
	return m.identity.Store(typeName, key, e), nil
}

// RegisterOptions control managed registration of an externally
// resolved entity
type RegisterOptions struct {
	Refresh bool
	// Loaded marks the entity fully loaded so later population passes
	// will not re-fetch it
	Loaded bool
}

// RegisterManaged hydrates a raw row onto an entity and tracks it,
// returning the canonical instance.
func (m *Manager) RegisterManaged(e *Entity, row map[string]interface{}, opts RegisterOptions) (*Entity, error) {
	key, err := pkKey(e.meta, row)
	if err != nil {
		return nil, err
	}

	canonical := m.identity.Store(e.TypeName(), key, e)
	if err := m.hydrate(canonical, row, CreateOptions{Refresh: opts.Refresh}); err != nil {
		return nil, err
	}
	if opts.Loaded {
		canonical.MarkInitialized()
	}
	return canonical, nil
}

// hydrate writes row values into the entity's slots. Refresh overwrites
// existing values; otherwise only missing ones are filled. Relation
// slots are wired to canonical references and uninitialized collections,
// never fetched.
func (m *Manager) hydrate(e *Entity, row map[string]interface{}, opts CreateOptions) error {
	for _, prop := range e.meta.Properties {
		switch prop.Kind {
		case metadata.KindScalar:
			value, ok := row[prop.Name]
			if !ok {
				continue
			}
			if !opts.Refresh && e.Has(prop.Name) && e.IsInitialized() {
				continue
			}
			if opts.ConvertCustomTypes && prop.Type != nil {
				converted, err := prop.Type.FromStorage(value)
				if err != nil {
					return fmt.Errorf("converting %s.%s: %w", e.TypeName(), prop.Name, err)
				}
				value = converted
			}
			e.Set(prop.Name, value)

		case metadata.KindEmbedded:
			// Embedded values materialize during row hydration; the
			// loading core never dispatches them to the store.
			if value, ok := row[prop.Name]; ok {
				e.Set(prop.Name, value)
			}

		case metadata.KindManyToOne, metadata.KindOneToOne:
			if !prop.Owner && prop.Kind == metadata.KindOneToOne {
				continue
			}
			fk, ok := row[prop.ForeignKeyName()]
			if !ok {
				fk, ok = row[prop.Name]
			}
			if !ok {
				continue
			}
			if fk == nil {
				if opts.Refresh {
					e.Set(prop.Name, nil)
				}
				continue
			}
			if _, isEntity := fk.(*Entity); isEntity {
				e.Set(prop.Name, fk)
				continue
			}
			ref, err := m.Reference(prop.Target, fk)
			if err != nil {
				return fmt.Errorf("wiring %s.%s: %w", e.TypeName(), prop.Name, err)
			}
			e.Set(prop.Name, ref)

		case metadata.KindOneToMany, metadata.KindManyToMany:
			if _, ok := e.Collection(prop.Name); !ok {
				e.Set(prop.Name, NewCollection(e, prop.Name))
			}
		}
	}
	return nil
}
