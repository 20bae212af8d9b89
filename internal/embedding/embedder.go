package embedding

import "context"

// Embedder converts free text into a fixed-length vector. Implementations
// must be deterministic for an identical (text, model) pair so that matching
// stays reproducible.
type Embedder interface {
	// Embed returns the vector for the given text
	Embed(ctx context.Context, text string) ([]float64, error)
	// Model returns the model identifier recorded as embedding provenance
	Model() string
	// Dimension returns the vector dimensionality (384 for the default model)
	Dimension() int
}
