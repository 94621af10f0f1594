package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/metadata"
)

func TestBuildFieldsDottedEntries(t *testing.T) {
	prop := &metadata.Property{Name: "books", Kind: metadata.KindOneToMany, Target: "Book", MappedBy: "author"}

	fields := buildFields([]interface{}{"books.title", "books.isbn", "name"}, prop)
	assert.Equal(t, []string{"title", "isbn", "author"}, fields)
}

func TestBuildFieldsMapEntries(t *testing.T) {
	prop := &metadata.Property{Name: "accessProfile", Kind: metadata.KindManyToOne, Target: "AccessProfile"}

	fields := buildFields([]interface{}{
		map[string][]string{"accessProfile": {"label"}, "books": {"title"}},
	}, prop)
	assert.Equal(t, []string{"label"}, fields)
}

func TestBuildFieldsNilMeansAll(t *testing.T) {
	prop := &metadata.Property{Name: "books", Kind: metadata.KindOneToMany, MappedBy: "author"}

	assert.Nil(t, buildFields(nil, prop))
	// A bare relation name selects the whole relation too
	assert.Nil(t, buildFields([]interface{}{"books"}, prop))
}

func TestBuildFieldsForceIncludesMappedBy(t *testing.T) {
	prop := &metadata.Property{Name: "books", Kind: metadata.KindOneToMany, MappedBy: "author"}

	fields := buildFields([]interface{}{"books.title"}, prop)
	assert.Contains(t, fields, "author", "re-linking key must survive a narrow selection")

	// No duplicate when the caller already asked for it
	fields = buildFields([]interface{}{"books.title", "books.author"}, prop)
	assert.Equal(t, []string{"title", "author"}, fields)
}

func TestNarrowFieldsRescopesSubtree(t *testing.T) {
	prop := &metadata.Property{Name: "accessProfile", Kind: metadata.KindManyToOne}

	narrowed := narrowFields([]interface{}{
		"accessProfile.permissions.code",
		"accessProfile.label",
		"name",
		map[string][]string{"accessProfile": {"id"}},
	}, prop)

	assert.Equal(t, []interface{}{"permissions.code", "label", "id"}, narrowed)
}

func TestScopeOrderByDirectTermsOnly(t *testing.T) {
	prop := &metadata.Property{Name: "books", Kind: metadata.KindOneToMany, MappedBy: "author"}

	scoped := scopeOrderBy([]condition.Order{
		{Field: "books.title", Desc: true},
		{Field: "books.author.name"},
		{Field: "name"},
	}, prop)

	assert.Equal(t, []condition.Order{{Field: "title", Desc: true}}, scoped)
}

func TestNarrowOrderByKeepsDeeperTerms(t *testing.T) {
	prop := &metadata.Property{Name: "books", Kind: metadata.KindOneToMany, MappedBy: "author"}

	narrowed := narrowOrderBy([]condition.Order{
		{Field: "books.title", Desc: true},
		{Field: "books.author.name"},
		{Field: "name"},
	}, prop)

	assert.Equal(t, []condition.Order{{Field: "author.name"}}, narrowed)
}
