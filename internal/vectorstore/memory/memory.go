package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"example.com/receiptops/internal/vectorstore"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store is a brute-force cosine-similarity store used in tests and small
// deployments. Safe for concurrent readers and writers.
type Store struct {
	mu          sync.RWMutex
	collections map[vectorstore.Collection]*collection
}

type collection struct {
	dimension int
	vectors   map[uuid.UUID][]float64
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{collections: make(map[vectorstore.Collection]*collection)}
}

// Init ensures a collection exists with the given dimensionality
func (s *Store) Init(_ context.Context, name vectorstore.Collection, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		if c.dimension != dimension {
			return errors.Errorf("collection %s already exists with dimension %d", name, c.dimension)
		}
		return nil
	}
	s.collections[name] = &collection{
		dimension: dimension,
		vectors:   make(map[uuid.UUID][]float64),
	}
	return nil
}

// Upsert inserts or replaces the vector stored under the entity ID
func (s *Store) Upsert(_ context.Context, name vectorstore.Collection, id uuid.UUID, vector []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return errors.Errorf("unknown collection %s", name)
	}
	if len(vector) != c.dimension {
		return errors.Errorf("vector dimension mismatch: got %d, want %d", len(vector), c.dimension)
	}
	stored := make([]float64, len(vector))
	copy(stored, vector)
	c.vectors[id] = stored
	return nil
}

// Query returns up to k nearest entries by cosine similarity, descending
func (s *Store) Query(_ context.Context, name vectorstore.Collection, vector []float64, k int) ([]vectorstore.Hit, error) {
	if k <= 0 {
		k = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, errors.Errorf("unknown collection %s", name)
	}
	hits := make([]vectorstore.Hit, 0, len(c.vectors))
	for id, v := range c.vectors {
		hits = append(hits, vectorstore.Hit{ID: id, Similarity: cosine(v, vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// Delete removes the vector stored under the entity ID, if present
func (s *Store) Delete(_ context.Context, name vectorstore.Collection, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		delete(c.vectors, id)
	}
	return nil
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
