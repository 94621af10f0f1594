// Package metadata defines the entity metadata model for the marrow ORM.
// It describes entity types, their scalar properties and relationships,
// and provides a thread-safe registry shared read-only by the loading core.
package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind represents the kind of an entity property
type Kind int

const (
	KindScalar Kind = iota
	KindManyToOne
	KindOneToOne
	KindOneToMany
	KindManyToMany
	KindEmbedded
)

// String returns the string representation of the property kind
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindManyToOne:
		return "many_to_one"
	case KindOneToOne:
		return "one_to_one"
	case KindOneToMany:
		return "one_to_many"
	case KindManyToMany:
		return "many_to_many"
	case KindEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "scalar":
		return KindScalar, nil
	case "many_to_one":
		return KindManyToOne, nil
	case "one_to_one":
		return KindOneToOne, nil
	case "one_to_many":
		return KindOneToMany, nil
	case "many_to_many":
		return KindManyToMany, nil
	case "embedded":
		return KindEmbedded, nil
	default:
		return 0, fmt.Errorf("unknown property kind: %s", s)
	}
}

// Strategy represents how a relation is fetched: as part of the parent
// query via a join, or through a separate batched query.
type Strategy int

const (
	// StrategyUnspecified falls back to the property default, then the
	// caller-supplied default.
	StrategyUnspecified Strategy = iota
	StrategySelectIn
	StrategyJoin
)

// String returns the string representation of the load strategy
func (s Strategy) String() string {
	switch s {
	case StrategySelectIn:
		return "select_in"
	case StrategyJoin:
		return "join"
	default:
		return "unspecified"
	}
}

// ParseStrategy converts a string to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "select_in":
		return StrategySelectIn, nil
	case "join":
		return StrategyJoin, nil
	case "":
		return StrategyUnspecified, nil
	default:
		return 0, fmt.Errorf("unknown load strategy: %s", s)
	}
}

// CustomType converts a scalar between its runtime representation and
// the representation the store persists. Lookup keys built from custom
// typed values must pass through ToStorage before a batch condition is
// issued.
type CustomType interface {
	ToStorage(v interface{}) (interface{}, error)
	FromStorage(v interface{}) (interface{}, error)
}

// UUIDType stores uuid.UUID values as their canonical string form
type UUIDType struct{}

// ToStorage converts a UUID value to its string representation
func (UUIDType) ToStorage(v interface{}) (interface{}, error) {
	switch u := v.(type) {
	case nil:
		return nil, nil
	case uuid.UUID:
		return u.String(), nil
	case string:
		// Validate round-trippable input
		parsed, err := uuid.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid value %q: %w", u, err)
		}
		return parsed.String(), nil
	case []byte:
		parsed, err := uuid.FromBytes(u)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid bytes: %w", err)
		}
		return parsed.String(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to uuid storage value", v)
	}
}

// FromStorage converts a stored value back to a uuid.UUID
func (UUIDType) FromStorage(v interface{}) (interface{}, error) {
	switch u := v.(type) {
	case nil:
		return nil, nil
	case string:
		return uuid.Parse(u)
	case []byte:
		if len(u) == 16 {
			return uuid.FromBytes(u)
		}
		return uuid.Parse(string(u))
	case uuid.UUID:
		return u, nil
	default:
		return nil, fmt.Errorf("cannot convert %T from uuid storage value", v)
	}
}

// Property describes one declared property of an entity type: a scalar
// column, an embedded value, or a relationship to another entity type.
type Property struct {
	Name string
	Kind Kind

	// Entity is the declaring entity type name, stamped at registration
	Entity string

	// Target is the related entity type name (relations and embedded only)
	Target string

	// Owner marks the owning side of a one_to_one or many_to_many relation.
	// many_to_one is always owning; one_to_many is always inverse.
	Owner bool

	// MappedBy names the owning-side property on the target (inverse side)
	MappedBy string

	// InversedBy names the inverse-side property on the target (owning side)
	InversedBy string

	// ForeignKey is the column on the owning side holding the target's
	// primary key. Defaults to <name>_id when empty.
	ForeignKey string

	// PivotTable backs an owning many_to_many relation
	PivotTable string

	// AssociationKey is the pivot column holding the target's primary
	// key. Defaults to <target>_id in snake case when empty.
	AssociationKey string

	// Strategy is the default load strategy for this relation
	Strategy Strategy

	// Eager relations are loaded with their owner regardless of request
	Eager bool

	// Lazy scalars are excluded from hydration until explicitly populated
	Lazy bool

	Nullable bool

	// Type converts custom scalar values to/from storage representation
	Type CustomType

	// OrderBy is a default ordering for to-many relations, e.g. "position ASC"
	OrderBy string
}

// IsRelation returns true if the property points at another entity type
func (p *Property) IsRelation() bool {
	switch p.Kind {
	case KindManyToOne, KindOneToOne, KindOneToMany, KindManyToMany:
		return true
	default:
		return false
	}
}

// ToMany returns true if the property holds a collection of entities
func (p *Property) ToMany() bool {
	return p.Kind == KindOneToMany || p.Kind == KindManyToMany
}

// ToOne returns true if the property holds a single entity reference
func (p *Property) ToOne() bool {
	return p.Kind == KindManyToOne || p.Kind == KindOneToOne
}

// ForeignKeyName returns the configured foreign key column, defaulting
// to <property>_id
func (p *Property) ForeignKeyName() string {
	if p.ForeignKey != "" {
		return p.ForeignKey
	}
	return p.Name + "_id"
}

// EntityMetadata is the immutable per-type descriptor shared read-only
// across all population calls.
type EntityMetadata struct {
	Name        string
	TableName   string
	PrimaryKeys []string
	Properties  []*Property

	props map[string]*Property
}

// NewEntityMetadata creates a descriptor with the given properties in
// declaration order. PrimaryKeys defaults to ["id"].
func NewEntityMetadata(name string, props ...*Property) *EntityMetadata {
	m := &EntityMetadata{
		Name:        name,
		PrimaryKeys: []string{"id"},
		Properties:  props,
		props:       make(map[string]*Property, len(props)),
	}
	for _, p := range props {
		m.props[p.Name] = p
	}
	return m
}

// Property retrieves a property by name
func (m *EntityMetadata) Property(name string) (*Property, bool) {
	p, ok := m.props[name]
	return p, ok
}

// AddProperty appends a property, replacing any previous one of the
// same name. Only valid before the metadata is published to a registry.
func (m *EntityMetadata) AddProperty(p *Property) {
	if _, exists := m.props[p.Name]; exists {
		for i, old := range m.Properties {
			if old.Name == p.Name {
				m.Properties[i] = p
				break
			}
		}
	} else {
		m.Properties = append(m.Properties, p)
	}
	m.props[p.Name] = p
}

// Relations returns the relationship properties in declaration order
func (m *EntityMetadata) Relations() []*Property {
	var rels []*Property
	for _, p := range m.Properties {
		if p.IsRelation() {
			rels = append(rels, p)
		}
	}
	return rels
}

// HasCompositeKey returns true when the entity is keyed by more than one field
func (m *EntityMetadata) HasCompositeKey() bool {
	return len(m.PrimaryKeys) > 1
}
