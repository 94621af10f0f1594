package loader

import "errors"

var (
	// ErrEntityNotDiscovered is returned when a root entity passed to
	// Populate is not tracked by the identity map
	ErrEntityNotDiscovered = errors.New("entity is not managed")

	// ErrInvalidPropertyName is returned when a requested populate field
	// does not exist on the entity's metadata
	ErrInvalidPropertyName = errors.New("invalid property name")

	// ErrUnknownEntity is returned when a type name has no registered metadata
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrInvalidRelationKind is returned when a relation kind the
	// resolver does not understand reaches it. This is a programming
	// error, never swallowed.
	ErrInvalidRelationKind = errors.New("invalid relation kind")

	// ErrNoPivotSource is returned when a pivot-backed relation is
	// populated but no pivot collaborator was configured
	ErrNoPivotSource = errors.New("no pivot source configured")
)
