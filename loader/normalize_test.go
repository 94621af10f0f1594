package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrow-orm/marrow/metadata"
)

func setupTestRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	registry := metadata.NewRegistry()

	user := metadata.NewEntityMetadata("User",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "name", Kind: metadata.KindScalar},
		&metadata.Property{Name: "bio", Kind: metadata.KindScalar, Lazy: true},
		&metadata.Property{Name: "address", Kind: metadata.KindEmbedded, Target: "Address"},
		&metadata.Property{Name: "accessProfile", Kind: metadata.KindManyToOne, Target: "AccessProfile", ForeignKey: "access_profile_id", Nullable: true},
		&metadata.Property{Name: "books", Kind: metadata.KindOneToMany, Target: "Book", MappedBy: "author"},
	)
	require.NoError(t, registry.Register(user))

	profile := metadata.NewEntityMetadata("AccessProfile",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "label", Kind: metadata.KindScalar},
		&metadata.Property{Name: "permissions", Kind: metadata.KindManyToMany, Target: "Permission", Owner: true, PivotTable: "access_profile_permissions", InversedBy: "profiles"},
	)
	require.NoError(t, registry.Register(profile))

	permission := metadata.NewEntityMetadata("Permission",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "code", Kind: metadata.KindScalar},
		&metadata.Property{Name: "profiles", Kind: metadata.KindManyToMany, Target: "AccessProfile", MappedBy: "permissions"},
	)
	require.NoError(t, registry.Register(permission))

	book := metadata.NewEntityMetadata("Book",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "title", Kind: metadata.KindScalar},
		&metadata.Property{Name: "author", Kind: metadata.KindManyToOne, Target: "User", ForeignKey: "author_id"},
	)
	require.NoError(t, registry.Register(book))

	address := metadata.NewEntityMetadata("Address",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "city", Kind: metadata.KindScalar},
	)
	require.NoError(t, registry.Register(address))

	require.NoError(t, registry.ValidateAll())
	return registry
}

func setupCyclicRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	registry := metadata.NewRegistry()

	category := metadata.NewEntityMetadata("Category",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "name", Kind: metadata.KindScalar},
		&metadata.Property{Name: "parent", Kind: metadata.KindManyToOne, Target: "Category", ForeignKey: "parent_id", Nullable: true, Eager: true},
		&metadata.Property{Name: "children", Kind: metadata.KindOneToMany, Target: "Category", MappedBy: "parent"},
	)
	require.NoError(t, registry.Register(category))
	require.NoError(t, registry.ValidateAll())
	return registry
}

func TestNormalizeDottedPaths(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", []string{"accessProfile.permissions"}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	require.Len(t, specs, 1)
	assert.Equal(t, "accessProfile", specs[0].Field)
	require.Len(t, specs[0].Children, 1)
	assert.Equal(t, "permissions", specs[0].Children[0].Field)
	assert.Empty(t, specs[0].Children[0].Children)
}

func TestNormalizeMergeLaw(t *testing.T) {
	registry := setupTestRegistry(t)

	merged, err := Normalize(registry, "User", []string{"accessProfile", "accessProfile.permissions"}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	direct, err := Normalize(registry, "User", []string{"accessProfile.permissions"}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	// Duplicate top-level nodes collapse into one with unioned children
	require.Len(t, merged, 1)
	assert.Equal(t, direct[0].Field, merged[0].Field)
	require.Len(t, merged[0].Children, 1)
	assert.Equal(t, direct[0].Children[0].Field, merged[0].Children[0].Field)
}

func TestNormalizeBooleanAll(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", true, metadata.StrategyJoin, false)
	require.NoError(t, err)

	require.Len(t, specs, 2)
	for _, spec := range specs {
		assert.True(t, spec.All)
		// Everything-requests force select-in to bound join depth on
		// cyclic schemas
		assert.Equal(t, metadata.StrategySelectIn, spec.Strategy)
	}
	assert.Equal(t, "accessProfile", specs[0].Field)
	assert.Equal(t, "books", specs[1].Field)
}

func TestNormalizeFalseAndNil(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", false, metadata.StrategyUnspecified, false)
	require.NoError(t, err)
	assert.Empty(t, specs)

	specs, err = Normalize(registry, "User", nil, metadata.StrategyUnspecified, false)
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestNormalizeWildcardSegment(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", []string{"*"}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, metadata.StrategySelectIn, specs[0].Strategy)
}

func TestNormalizeAllOnSelfReferencingTerminates(t *testing.T) {
	registry := setupCyclicRegistry(t)

	specs, err := Normalize(registry, "Category", true, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	require.Len(t, specs, 2)
	for _, spec := range specs {
		assert.Empty(t, spec.Children, "the cyclic edge must not expand beyond one level")
	}
}

func TestNormalizeEagerLookupInjectsRelations(t *testing.T) {
	registry := setupCyclicRegistry(t)

	specs, err := Normalize(registry, "Category", []string{"children"}, metadata.StrategyUnspecified, true)
	require.NoError(t, err)

	fields := make(map[string]*Spec)
	for _, spec := range specs {
		fields[spec.Field] = spec
	}
	require.Contains(t, fields, "children")
	require.Contains(t, fields, "parent", "eager relation must be injected")

	// The self-reference is already on the path, so eager expansion
	// stops after one level instead of descending forever
	assert.Empty(t, fields["parent"].Children)
}

func TestNormalizeEagerLookupMergesWithRequest(t *testing.T) {
	registry := setupCyclicRegistry(t)

	specs, err := Normalize(registry, "Category", []string{"parent"}, metadata.StrategyUnspecified, true)
	require.NoError(t, err)

	count := 0
	for _, spec := range specs {
		if spec.Field == "parent" {
			count++
		}
	}
	assert.Equal(t, 1, count, "eager injection must merge with the explicit request, not duplicate it")
}

func TestNormalizeSpecTreeInput(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", []*Spec{
		{Field: "accessProfile", Children: []*Spec{{Field: "permissions"}}},
		{Field: "books", Strategy: metadata.StrategyJoin},
	}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	require.Len(t, specs, 2)
	assert.Equal(t, "accessProfile", specs[0].Field)
	require.Len(t, specs[0].Children, 1)
	assert.Equal(t, metadata.StrategyJoin, specs[1].Strategy)
}

func TestNormalizeAllNodeWithField(t *testing.T) {
	registry := setupTestRegistry(t)

	specs, err := Normalize(registry, "User", []*Spec{
		{Field: "accessProfile", All: true},
	}, metadata.StrategyUnspecified, false)
	require.NoError(t, err)

	require.Len(t, specs, 1)
	assert.Equal(t, metadata.StrategySelectIn, specs[0].Strategy)
	require.Len(t, specs[0].Children, 1)
	assert.Equal(t, "permissions", specs[0].Children[0].Field)
}

func TestNormalizeUnknownDottedHead(t *testing.T) {
	registry := setupTestRegistry(t)

	_, err := Normalize(registry, "User", []string{"missing.deep"}, metadata.StrategyUnspecified, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPropertyName)
}

func TestNormalizeUnknownEntity(t *testing.T) {
	registry := setupTestRegistry(t)

	_, err := Normalize(registry, "Ghost", true, metadata.StrategyUnspecified, false)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}
