package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/receiptops/internal/models"
)

// Mock catalog store for testing
type MockCatalogStore struct {
	mock.Mock
}

func (m *MockCatalogStore) ListAliases(ctx context.Context) ([]models.BrandAlias, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BrandAlias), args.Error(1)
}

func (m *MockCatalogStore) ListAliasesForBrand(ctx context.Context, brandID uuid.UUID) ([]models.BrandAlias, error) {
	args := m.Called(ctx, brandID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BrandAlias), args.Error(1)
}

func (m *MockCatalogStore) CountAliases(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestSnapshotSortsByAliasThenID(t *testing.T) {
	store := new(MockCatalogStore)
	carrefour := models.Brand{ID: uuid.New(), Name: "Carrefour"}
	auchan := models.Brand{ID: uuid.New(), Name: "Auchan"}

	store.On("ListAliases", mock.Anything).Return([]models.BrandAlias{
		{ID: uuid.New(), BrandID: carrefour.ID, Alias: "carrefour market", Brand: carrefour},
		{ID: uuid.New(), BrandID: auchan.ID, Alias: "auchan", Brand: auchan},
		{ID: uuid.New(), BrandID: carrefour.ID, Alias: "carrefour", Brand: carrefour},
	}, nil)

	provider := NewCatalogProvider(store, nil, 0)
	catalog, err := provider.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 3)
	require.Equal(t, "auchan", catalog[0].Alias)
	require.Equal(t, "carrefour", catalog[1].Alias)
	require.Equal(t, "carrefour market", catalog[2].Alias)
	require.Equal(t, "Auchan", catalog[0].BrandName)
}

func TestSnapshotEmptyCatalog(t *testing.T) {
	store := new(MockCatalogStore)
	store.On("ListAliases", mock.Anything).Return([]models.BrandAlias{}, nil)

	provider := NewCatalogProvider(store, nil, 0)
	_, err := provider.Snapshot(context.Background())
	require.True(t, errors.Is(err, ErrEmptyCatalog))
}

func TestSnapshotForBrandScopes(t *testing.T) {
	store := new(MockCatalogStore)
	brand := models.Brand{ID: uuid.New(), Name: "Lidl"}

	store.On("ListAliasesForBrand", mock.Anything, brand.ID).Return([]models.BrandAlias{
		{ID: uuid.New(), BrandID: brand.ID, Alias: "lidl", Brand: brand},
	}, nil)

	provider := NewCatalogProvider(store, nil, 0)
	catalog, err := provider.SnapshotForBrand(context.Background(), brand.ID)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.Equal(t, brand.ID, catalog[0].BrandID)
}

func TestCountAliasesReportsCatalogSize(t *testing.T) {
	store := new(MockCatalogStore)
	store.On("CountAliases", mock.Anything).Return(int64(0), nil)

	provider := NewCatalogProvider(store, nil, 0)
	count, err := provider.CountAliases(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
	store.AssertExpectations(t)
}

func TestByAliasID(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	catalog := Catalog{
		{AliasID: idA, Alias: "a"},
		{AliasID: idB, Alias: "b"},
	}

	byID := catalog.ByAliasID()
	require.Len(t, byID, 2)
	require.Equal(t, "a", byID[idA].Alias)
	require.Equal(t, "b", byID[idB].Alias)
}
