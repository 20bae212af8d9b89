package vectorstore

import (
	"context"

	"github.com/google/uuid"
)

// Collection names the three independent vector collections the pipeline
// maintains
type Collection string

const (
	CollectionBrandAliases Collection = "brand_aliases"
	CollectionReceipts     Collection = "receipts"
	CollectionLines        Collection = "receipt_lines"
)

// Hit is one ANN search result. Similarity is cosine similarity; results are
// ordered by similarity descending.
type Hit struct {
	ID         uuid.UUID
	Similarity float64
}

// Store is the ANN similarity index the resolvers consume. Implementations
// may be eventually consistent: a vector upserted just now is allowed to stay
// unsearchable for a bounded delay, and resolvers fall back to lexical
// matching for not-yet-indexed entries.
type Store interface {
	// Init ensures a collection exists with the given dimensionality
	Init(ctx context.Context, collection Collection, dimension int) error
	// Upsert inserts or replaces the vector stored under the entity ID
	Upsert(ctx context.Context, collection Collection, id uuid.UUID, vector []float64) error
	// Query returns up to k nearest entries by cosine similarity, descending
	Query(ctx context.Context, collection Collection, vector []float64, k int) ([]Hit, error)
	// Delete removes the vector stored under the entity ID, if present
	Delete(ctx context.Context, collection Collection, id uuid.UUID) error
}
