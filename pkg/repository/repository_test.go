package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/clientdesk/pkg/db/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID     int64 `gorm:"primaryKey"`
	OrgID  int64
	Status string
}

func setupStore(t *testing.T) Repository[widget] {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	require.NoError(t, db.Create([]widget{
		{ID: 1, OrgID: 7, Status: "OPEN"},
		{ID: 2, OrgID: 7, Status: "PAID"},
		{ID: 3, OrgID: 7, Status: "OPEN"},
		{ID: 4, OrgID: 8, Status: "OPEN"},
	}).Error)
	return ProvideStore[widget](db)
}

func TestFindAppliesFilterAndOptions(t *testing.T) {
	store := setupStore(t)

	items, err := store.Find(context.Background(), &widget{OrgID: 7, Status: "OPEN"},
		option.WithSortBy(option.QuerySortBy{Default: "id", Desc: true}),
		option.WithLimit(1),
	)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].ID)

	items, err = store.Find(context.Background(), &widget{OrgID: 7},
		option.ApplyOperator(option.Condition{Field: "id", Operator: option.LT, Value: 3}),
	)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCountIgnoresPaging(t *testing.T) {
	store := setupStore(t)

	count, err := store.Count(context.Background(), &widget{OrgID: 7},
		option.WithSortBy(option.QuerySortBy{Default: "id", Desc: true}),
		option.WithLimit(1),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
