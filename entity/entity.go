// Package entity provides the runtime entity model for the marrow ORM:
// entity instances, relation collections, the identity map guaranteeing
// one live instance per (type, primary key), and the factory that
// hydrates raw rows into canonical instances.
package entity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/marrow-orm/marrow/metadata"
)

// keySeparator joins composite primary key parts into one identity key
const keySeparator = "\x1f"

// Entity is a mutable record of scalar values plus relationship slots.
// A relationship slot holds either a single *Entity reference (possibly
// uninitialized, carrying only its primary key) or a *Collection.
// Population partitions work by field, so two goroutines never touch
// the same slot; the mutex only protects the maps themselves when
// sibling fields of one entity are populated concurrently.
type Entity struct {
	mu   sync.RWMutex
	meta *metadata.EntityMetadata
	data map[string]interface{}

	// initialized is false for pk-only references created from foreign keys
	initialized bool
	managed     bool

	populated map[string]bool

	// populateHint caches the normalized populate spec applied to this
	// root so repeated serialization does not re-normalize. Opaque here
	// to keep the loader dependency one-directional.
	populateHint interface{}
}

// New creates a detached entity instance. It is not tracked until it
// passes through a Manager; population refuses detached roots.
func New(meta *metadata.EntityMetadata) *Entity {
	return newEntity(meta)
}

func newEntity(meta *metadata.EntityMetadata) *Entity {
	return &Entity{
		meta:      meta,
		data:      make(map[string]interface{}),
		populated: make(map[string]bool),
	}
}

// Meta returns the entity's metadata descriptor
func (e *Entity) Meta() *metadata.EntityMetadata {
	return e.meta
}

// TypeName returns the entity type name
func (e *Entity) TypeName() string {
	return e.meta.Name
}

// Get returns the current value of a property slot
func (e *Entity) Get(field string) interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data[field]
}

// Set assigns a property slot
func (e *Entity) Set(field string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[field] = value
}

// Has reports whether the property slot holds any value
func (e *Entity) Has(field string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[field]
	return ok && v != nil
}

// PK returns the primary key values in declaration order
func (e *Entity) PK() []interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	values := make([]interface{}, len(e.meta.PrimaryKeys))
	for i, pk := range e.meta.PrimaryKeys {
		values[i] = e.data[pk]
	}
	return values
}

// PKKey returns the identity-map key for this entity's primary key
func (e *Entity) PKKey() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return pkKey(e.meta, e.data)
}

// IsInitialized reports whether the entity carries loaded data, as
// opposed to being a pk-only reference
func (e *Entity) IsInitialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

// MarkInitialized flips the reference to a fully loaded entity
func (e *Entity) MarkInitialized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
}

// IsManaged reports whether the entity is tracked by an identity map
func (e *Entity) IsManaged() bool {
	return e.managed
}

// IsPopulated reports whether a relation slot has been populated during
// a loading pass
func (e *Entity) IsPopulated(field string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.populated[field]
}

// SetPopulated marks a relation slot as populated
func (e *Entity) SetPopulated(field string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.populated[field] = true
}

// ClearPopulated resets the populated flag, used on refresh
func (e *Entity) ClearPopulated(field string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.populated, field)
}

// Relation returns the to-one relation slot as an entity, if set
func (e *Entity) Relation(field string) (*Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rel, ok := e.data[field].(*Entity)
	return rel, ok
}

// Collection returns the to-many relation slot, if present
func (e *Entity) Collection(field string) (*Collection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.data[field].(*Collection)
	return col, ok
}

// PopulateHint returns the cached normalized populate spec for this root
func (e *Entity) PopulateHint() interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.populateHint
}

// SetPopulateHint caches the normalized populate spec on this root
func (e *Entity) SetPopulateHint(hint interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.populateHint = hint
}

// pkKey builds the identity key for a row of the given type. Every
// primary key field must be present and non-nil.
func pkKey(meta *metadata.EntityMetadata, row map[string]interface{}) (string, error) {
	parts := make([]string, len(meta.PrimaryKeys))
	for i, pk := range meta.PrimaryKeys {
		v, ok := row[pk]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingPrimaryKey, meta.Name, pk)
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return "", fmt.Errorf("primary key %s.%s is not key-convertible: %w", meta.Name, pk, err)
		}
		parts[i] = s
	}
	return strings.Join(parts, keySeparator), nil
}
