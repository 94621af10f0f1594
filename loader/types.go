// Package loader implements the entity population core: it takes a set
// of root entities plus a possibly-nested populate specification and
// resolves the requested relationship graph with batched fetches,
// deduplicating work, preserving reference identity through the
// identity map, and never issuing one query per parent.
package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/metadata"
)

// Spec is one node of a normalized populate tree. After normalization a
// field is unique among its siblings; duplicate requests are merged by
// unioning their children.
type Spec struct {
	Field    string
	Strategy metadata.Strategy
	All      bool
	Children []*Spec
}

// AllFields is the populate path segment requesting every relation of
// the current entity type
const AllFields = "*"

// Options is the caller-facing options bag for a Populate call
type Options struct {
	// Where is a caller-supplied filter; sub-conditions scoped to a
	// populated field are conjoined with the generated batch condition
	Where condition.Cond

	// Fields restricts the selected columns. Entries are dotted strings
	// ("books.title") or map[string][]string groupings
	// ({"books": ["title"]}). Empty means select everything.
	Fields []interface{}

	// OrderBy orders the populate fetches. Each term is scoped to a
	// populated field by dotted prefix ("books.title"); the scoped terms
	// are applied after the batch-key ordering of that field's fetch.
	OrderBy []condition.Order

	// Refresh reloads relation slots that already hold values, replacing
	// collection contents instead of appending
	Refresh bool

	// SkipValidation disables the up-front root tracking and field name
	// checks
	SkipValidation bool

	// SkipEagerLookup disables recursive injection of eager-configured
	// relations during normalization
	SkipEagerLookup bool

	// ConvertCustomTypes converts custom scalar lookup keys to their
	// storage representation before batch conditions are built
	ConvertCustomTypes bool

	// IgnoreLazyScalarProperties skips population of lazy scalar fields
	IgnoreLazyScalarProperties bool

	// Filters is an opaque filter specification resolved by the
	// configured FilterSource
	Filters interface{}

	// Strategy overrides the per-property default load strategy
	Strategy metadata.Strategy

	LockMode       string
	Schema         string
	ConnectionType string
}

// FindOptions parameterize one batched fetch issued to the Finder
type FindOptions struct {
	Fields             []string
	OrderBy            []condition.Order
	Strategy           metadata.Strategy
	Refresh            bool
	ConvertCustomTypes bool
	Filters            interface{}
	LockMode           string
	Schema             string
	ConnectionType     string

	// Populate carries join-strategy sub-trees for finders able to
	// join-fetch relations inside the same query
	Populate []*Spec
}

// Finder is the batched entity fetch collaborator. Returned entities
// are already merged into the identity map.
type Finder interface {
	Find(ctx context.Context, entityName string, where condition.Cond, opts FindOptions) ([]*entity.Entity, error)
}

// PivotSource loads many-to-many bridge rows: for each owner key it
// returns the raw target rows in store order, pivot columns stripped.
type PivotSource interface {
	LoadFromPivot(ctx context.Context, prop *metadata.Property, ownerKeys [][]interface{}, where condition.Cond, orderBy []condition.Order, opts FindOptions) (map[string][]map[string]interface{}, error)
}

// FilterSource applies named filter specifications to a condition
type FilterSource interface {
	Apply(entityName string, cond condition.Cond, filters interface{}, kind string) (condition.Cond, error)
}

// Loader resolves populate specifications against the abstract fetch
// collaborators. One Loader serves one unit of work; all fetches run
// against the transactional context the collaborators were built with.
type Loader struct {
	registry *metadata.Registry
	manager  *entity.Manager
	finder   Finder
	pivots   PivotSource
	filters  FilterSource
	log      *zap.Logger

	// inFlight tracks which (entity, field) pairs are currently being
	// resolved so that branches converging on a shared instance never
	// fetch the same field twice
	mu       sync.Mutex
	inFlight map[fieldClaim]chan struct{}
}

// fieldClaim identifies one relation slot being resolved
type fieldClaim struct {
	owner *entity.Entity
	field string
}

// NewLoader creates a loader over the given registry, entity manager
// and batched fetch collaborator
func NewLoader(registry *metadata.Registry, manager *entity.Manager, finder Finder) *Loader {
	return &Loader{
		registry: registry,
		manager:  manager,
		finder:   finder,
		log:      zap.NewNop(),
		inFlight: make(map[fieldClaim]chan struct{}),
	}
}

// WithPivotSource configures the many-to-many pivot collaborator
func (l *Loader) WithPivotSource(pivots PivotSource) *Loader {
	l.pivots = pivots
	return l
}

// WithFilterSource configures the filter application collaborator
func (l *Loader) WithFilterSource(filters FilterSource) *Loader {
	l.filters = filters
	return l
}

// WithLogger configures debug logging
func (l *Loader) WithLogger(log *zap.Logger) *Loader {
	l.log = log
	return l
}

// OwnerKey builds the string key a PivotSource groups its result rows
// under for one owner's composite primary key
func OwnerKey(values []interface{}) string {
	return entityKeyFromValues(values)
}

func entityKeyFromValues(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = valueKey(v)
	}
	return strings.Join(parts, "\x1f")
}

// valueKey normalizes a scalar for use in dedup maps and owner keys
func valueKey(v interface{}) string {
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}
