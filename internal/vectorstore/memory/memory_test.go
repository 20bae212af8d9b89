package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/receiptops/internal/vectorstore"
)

func TestInitRejectsDimensionChange(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, vectorstore.CollectionBrandAliases, 3))
	require.NoError(t, store.Init(ctx, vectorstore.CollectionBrandAliases, 3))
	require.Error(t, store.Init(ctx, vectorstore.CollectionBrandAliases, 4))
	require.Error(t, store.Init(ctx, vectorstore.CollectionReceipts, 0))
}

func TestUpsertValidatesDimension(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, vectorstore.CollectionBrandAliases, 3))

	require.Error(t, store.Upsert(ctx, vectorstore.CollectionBrandAliases, uuid.New(), []float64{1, 0}))
	require.Error(t, store.Upsert(ctx, vectorstore.CollectionReceipts, uuid.New(), []float64{1, 0, 0}))
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionBrandAliases, uuid.New(), []float64{1, 0, 0}))
}

func TestQueryRanksByCosineSimilarity(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, vectorstore.CollectionBrandAliases, 3))

	exact := uuid.New()
	near := uuid.New()
	far := uuid.New()
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionBrandAliases, exact, []float64{1, 0, 0}))
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionBrandAliases, near, []float64{0.9, 0.1, 0}))
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionBrandAliases, far, []float64{0, 0, 1}))

	hits, err := store.Query(ctx, vectorstore.CollectionBrandAliases, []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, exact, hits[0].ID)
	require.Equal(t, near, hits[1].ID)
	require.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
	require.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestQueryUnknownCollection(t *testing.T) {
	store := NewStore()
	_, err := store.Query(context.Background(), vectorstore.CollectionLines, []float64{1}, 5)
	require.Error(t, err)
}

func TestUpsertReplacesVector(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, vectorstore.CollectionReceipts, 2))

	id := uuid.New()
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionReceipts, id, []float64{1, 0}))
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionReceipts, id, []float64{0, 1}))

	hits, err := store.Query(ctx, vectorstore.CollectionReceipts, []float64{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id, hits[0].ID)
	require.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
}

func TestDeleteRemovesVector(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, vectorstore.CollectionReceipts, 2))

	id := uuid.New()
	require.NoError(t, store.Upsert(ctx, vectorstore.CollectionReceipts, id, []float64{1, 0}))
	require.NoError(t, store.Delete(ctx, vectorstore.CollectionReceipts, id))

	hits, err := store.Query(ctx, vectorstore.CollectionReceipts, []float64{1, 0}, 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	// Deleting an absent ID is not an error
	require.NoError(t, store.Delete(ctx, vectorstore.CollectionReceipts, uuid.New()))
}
