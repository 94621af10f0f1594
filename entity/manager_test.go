package entity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrow-orm/marrow/metadata"
)

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	registry := metadata.NewRegistry()

	require.NoError(t, registry.Register(metadata.NewEntityMetadata("User",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "name", Kind: metadata.KindScalar},
		&metadata.Property{Name: "accessProfile", Kind: metadata.KindManyToOne, Target: "AccessProfile", ForeignKey: "access_profile_id", Nullable: true},
		&metadata.Property{Name: "books", Kind: metadata.KindOneToMany, Target: "Book", MappedBy: "author"},
	)))
	require.NoError(t, registry.Register(metadata.NewEntityMetadata("AccessProfile",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "label", Kind: metadata.KindScalar},
	)))
	require.NoError(t, registry.Register(metadata.NewEntityMetadata("Book",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "title", Kind: metadata.KindScalar},
		&metadata.Property{Name: "author", Kind: metadata.KindManyToOne, Target: "User"},
	)))
	require.NoError(t, registry.ValidateAll())
	return registry
}

func TestCreateHydratesAndTracks(t *testing.T) {
	m := NewManager(testRegistry(t))

	u, err := m.Create("User", map[string]interface{}{"id": 1, "name": "alice"}, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, u.IsInitialized())
	assert.True(t, u.IsManaged())
	assert.Equal(t, "alice", u.Get("name"))
	assert.Equal(t, 1, m.Identity().Count("User"))
}

func TestCreateReturnsCanonicalInstance(t *testing.T) {
	m := NewManager(testRegistry(t))

	a, err := m.Create("User", map[string]interface{}{"id": 1, "name": "alice"}, CreateOptions{})
	require.NoError(t, err)
	b, err := m.Create("User", map[string]interface{}{"id": 1, "name": "intruder"}, CreateOptions{})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "alice", b.Get("name"), "an initialized instance keeps its values without refresh")
	assert.Equal(t, 1, m.Identity().Count("User"))
}

func TestCreateMergeFillsMissingOnly(t *testing.T) {
	m := NewManager(testRegistry(t))

	u, err := m.Create("User", map[string]interface{}{"id": 1, "name": "alice"}, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Create("User", map[string]interface{}{"id": 1, "name": "overwritten"}, CreateOptions{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Get("name"))

	// Merge is how lazy values land later
	_, err = m.Create("User", map[string]interface{}{"id": 1}, CreateOptions{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Get("name"))
}

func TestCreateRefreshOverwrites(t *testing.T) {
	m := NewManager(testRegistry(t))

	u, err := m.Create("User", map[string]interface{}{"id": 1, "name": "alice"}, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Create("User", map[string]interface{}{"id": 1, "name": "renamed"}, CreateOptions{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, "renamed", u.Get("name"))
}

func TestCreateMissingPrimaryKey(t *testing.T) {
	m := NewManager(testRegistry(t))

	_, err := m.Create("User", map[string]interface{}{"name": "alice"}, CreateOptions{})
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)
}

func TestCreateUnknownEntity(t *testing.T) {
	m := NewManager(testRegistry(t))

	_, err := m.Create("Ghost", map[string]interface{}{"id": 1}, CreateOptions{})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestReferenceIsUninitializedAndCanonical(t *testing.T) {
	m := NewManager(testRegistry(t))

	ref, err := m.Reference("User", 7)
	require.NoError(t, err)
	assert.False(t, ref.IsInitialized())
	assert.True(t, ref.IsManaged())
	assert.Equal(t, []interface{}{7}, ref.PK())

	// A later row fetch initializes the same instance in place
	u, err := m.Create("User", map[string]interface{}{"id": 7, "name": "grace"}, CreateOptions{})
	require.NoError(t, err)
	assert.Same(t, ref, u)
	assert.True(t, ref.IsInitialized())
	assert.Equal(t, "grace", ref.Get("name"))
}

func TestHydrateWiresForeignKeyReferences(t *testing.T) {
	m := NewManager(testRegistry(t))

	u1, err := m.Create("User", map[string]interface{}{"id": 1, "access_profile_id": 10}, CreateOptions{})
	require.NoError(t, err)
	u2, err := m.Create("User", map[string]interface{}{"id": 2, "access_profile_id": 10}, CreateOptions{})
	require.NoError(t, err)

	p1, ok := u1.Relation("accessProfile")
	require.True(t, ok)
	assert.False(t, p1.IsInitialized())
	assert.Equal(t, []interface{}{10}, p1.PK())

	p2, _ := u2.Relation("accessProfile")
	assert.Same(t, p1, p2, "foreign keys resolve through the identity map")
}

func TestHydrateRefreshClearsNullForeignKey(t *testing.T) {
	m := NewManager(testRegistry(t))

	u, err := m.Create("User", map[string]interface{}{"id": 1, "access_profile_id": 10}, CreateOptions{})
	require.NoError(t, err)
	_, ok := u.Relation("accessProfile")
	require.True(t, ok)

	_, err = m.Create("User", map[string]interface{}{"id": 1, "access_profile_id": nil}, CreateOptions{Refresh: true})
	require.NoError(t, err)

	_, ok = u.Relation("accessProfile")
	assert.False(t, ok, "refresh must drop a reference the store no longer holds")
}

func TestHydrateCreatesUninitializedCollections(t *testing.T) {
	m := NewManager(testRegistry(t))

	u, err := m.Create("User", map[string]interface{}{"id": 1}, CreateOptions{})
	require.NoError(t, err)

	col, ok := u.Collection("books")
	require.True(t, ok)
	assert.False(t, col.IsInitialized())
	assert.Equal(t, 0, col.Len())
}

func TestCreateConvertsCustomTypes(t *testing.T) {
	registry := metadata.NewRegistry()
	require.NoError(t, registry.Register(metadata.NewEntityMetadata("Document",
		&metadata.Property{Name: "id", Kind: metadata.KindScalar, Type: metadata.UUIDType{}},
		&metadata.Property{Name: "title", Kind: metadata.KindScalar},
	)))
	m := NewManager(registry)

	id := uuid.MustParse("3f2f8c2e-5b1a-4b2f-9c6d-8e4f0a1b2c3d")
	doc, err := m.Create("Document", map[string]interface{}{"id": id.String(), "title": "t"}, CreateOptions{ConvertCustomTypes: true})
	require.NoError(t, err)

	assert.Equal(t, id, doc.Get("id"))
}

func TestRegisterManagedMarksLoaded(t *testing.T) {
	registry := testRegistry(t)
	m := NewManager(registry)
	meta, _ := registry.Get("Book")

	row := map[string]interface{}{"id": 5, "title": "pivot row"}
	b, err := m.RegisterManaged(New(meta), row, RegisterOptions{Loaded: true})
	require.NoError(t, err)

	assert.True(t, b.IsInitialized())
	assert.True(t, b.IsManaged())
	assert.Equal(t, "pivot row", b.Get("title"))

	// Registering a second instance under the same key yields the first
	again, err := m.RegisterManaged(New(meta), row, RegisterOptions{Loaded: true})
	require.NoError(t, err)
	assert.Same(t, b, again)
}

func TestCollectionSemantics(t *testing.T) {
	meta := metadata.NewEntityMetadata("User", &metadata.Property{Name: "id", Kind: metadata.KindScalar})
	owner := New(meta)
	a, b := New(meta), New(meta)

	col := NewCollection(owner, "books")
	assert.False(t, col.IsInitialized())

	col.Add(a, b, a)
	assert.Equal(t, 2, col.Len(), "add deduplicates by identity")
	assert.True(t, col.Contains(a))

	col.Set([]*Entity{b})
	assert.True(t, col.IsInitialized())
	assert.Equal(t, 1, col.Len())
	assert.False(t, col.Contains(a))

	col.Reset()
	assert.False(t, col.IsInitialized())
	assert.Equal(t, 0, col.Len())
}

func TestIdentityMapExistingWins(t *testing.T) {
	meta := metadata.NewEntityMetadata("User", &metadata.Property{Name: "id", Kind: metadata.KindScalar})
	im := NewIdentityMap()

	first := New(meta)
	second := New(meta)

	assert.Same(t, first, im.Store("User", "1", first))
	assert.Same(t, first, im.Store("User", "1", second), "the tracked instance stays canonical")

	got, ok := im.Get("User", "1")
	require.True(t, ok)
	assert.Same(t, first, got)

	im.Clear()
	assert.Equal(t, 0, im.Count("User"))
}

func TestPKKeyComposite(t *testing.T) {
	meta := metadata.NewEntityMetadata("Membership",
		&metadata.Property{Name: "user_id", Kind: metadata.KindScalar},
		&metadata.Property{Name: "group_id", Kind: metadata.KindScalar},
	)
	meta.PrimaryKeys = []string{"user_id", "group_id"}

	e := New(meta)
	e.Set("user_id", 1)
	e.Set("group_id", 2)

	key, err := e.PKKey()
	require.NoError(t, err)

	other := New(meta)
	other.Set("user_id", 1)
	otherKey, err := other.PKKey()
	assert.ErrorIs(t, err, ErrMissingPrimaryKey)
	assert.NotEqual(t, key, otherKey)
}
