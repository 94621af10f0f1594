package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrow-orm/marrow/condition"
	"github.com/marrow-orm/marrow/entity"
	"github.com/marrow-orm/marrow/loader"
)

func TestLoadFromPivotGroupsInStoreOrder(t *testing.T) {
	db, mock := setupTestDB(t)
	registry := setupTestSchema(t)
	finder := NewFinder(db, registry, entity.NewManager(registry))

	meta, _ := registry.Get("AccessProfile")
	prop, _ := meta.Property("permissions")

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT t."id", t."code", j."access_profile_id" AS "__owner" `+
			`FROM "permissions" t INNER JOIN "access_profile_permissions" j ON t."id" = j."permission_id" `+
			`WHERE j."access_profile_id" = ANY($1) ORDER BY j."access_profile_id", t."id"`,
	)).WithArgs(pq.Array([]interface{}{10, 20})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "__owner"}).
			AddRow(100, "read", 10).
			AddRow(101, "write", 10).
			AddRow(100, "read", 20))

	grouped, err := finder.LoadFromPivot(context.Background(), prop,
		[][]interface{}{{10}, {20}}, nil, nil, loader.FindOptions{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	adminRows := grouped[loader.OwnerKey([]interface{}{10})]
	require.Len(t, adminRows, 2)
	assert.Equal(t, "read", adminRows[0]["code"])
	assert.Equal(t, "write", adminRows[1]["code"])
	assert.NotContains(t, adminRows[0], "__owner", "the grouping column is stripped from result rows")

	viewerRows := grouped[loader.OwnerKey([]interface{}{20})]
	require.Len(t, viewerRows, 1)
	assert.Equal(t, "read", viewerRows[0]["code"])
}

func TestLoadFromPivotAppliesScopedCondition(t *testing.T) {
	db, mock := setupTestDB(t)
	registry := setupTestSchema(t)
	finder := NewFinder(db, registry, entity.NewManager(registry))

	meta, _ := registry.Get("AccessProfile")
	prop, _ := meta.Property("permissions")

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT t."id", t."code", j."access_profile_id" AS "__owner" `+
			`FROM "permissions" t INNER JOIN "access_profile_permissions" j ON t."id" = j."permission_id" `+
			`WHERE j."access_profile_id" = ANY($1) AND t."code" = $2 ORDER BY j."access_profile_id", t."id"`,
	)).WithArgs(pq.Array([]interface{}{10}), "read").
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "__owner"}).
			AddRow(100, "read", 10))

	grouped, err := finder.LoadFromPivot(context.Background(), prop,
		[][]interface{}{{10}}, condition.Cond{"code": "read"}, nil, loader.FindOptions{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, grouped[loader.OwnerKey([]interface{}{10})], 1)
}

func TestLoadFromPivotEmptyOwnerBatch(t *testing.T) {
	db, _ := setupTestDB(t)
	registry := setupTestSchema(t)
	finder := NewFinder(db, registry, entity.NewManager(registry))

	meta, _ := registry.Get("AccessProfile")
	prop, _ := meta.Property("permissions")

	grouped, err := finder.LoadFromPivot(context.Background(), prop, nil, nil, nil, loader.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, grouped)
}

func TestLoadFromPivotRejectsCompositeKeys(t *testing.T) {
	db, _ := setupTestDB(t)
	registry := setupTestSchema(t)
	finder := NewFinder(db, registry, entity.NewManager(registry))

	meta, _ := registry.Get("AccessProfile")
	prop, _ := meta.Property("permissions")

	_, err := finder.LoadFromPivot(context.Background(), prop,
		[][]interface{}{{10, "tenant-a"}}, nil, nil, loader.FindOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "composite pivot keys")
}
