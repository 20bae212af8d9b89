package pipeline

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/receiptops/config"
	"example.com/receiptops/internal/vectorstore"
)

// Matching methods tagged on a resolved brand
const (
	MethodLexical                = "lexical"
	MethodVector                 = "vector"
	MethodHybridLexicalPreferred = "hybrid-lexical-preferred"
	MethodOperatorOverride       = "operator-override"
)

// ErrNoBrandMatch means no candidate cleared the acceptance floor. This is a
/// data-quality outcome, not a fault: the receipt moves to the error state and
// stays inspectable.
var ErrNoBrandMatch = errors.New("no-brand-found")

// ErrMissingEmbedding means resolution was requested before the embed stage
// ran. That is a caller error, not a transient fault.
var ErrMissingEmbedding = errors.New("receipt embedding missing, embed must precede brand resolution")

// BrandMatch is the full result of a brand resolution. It is written into
// the receipt verbatim and never partially.
type BrandMatch struct {
	BrandID uuid.UUID
	Name    string
	Score   float64
	Method  string
	Alias   string
}

// BrandResolver performs hybrid lexical + vector matching of a text against
// a catalog snapshot
type BrandResolver struct {
	vectors vectorstore.Store
	cfg     config.MatchingConfig
}

// NewBrandResolver creates a brand resolver
func NewBrandResolver(vectors vectorstore.Store, cfg config.MatchingConfig) *BrandResolver {
	return &BrandResolver{vectors: vectors, cfg: cfg}
}

// Resolve runs both passes and combines them: the highest score wins, and
// when the top two land within the configured epsilon the lexical candidate
// is preferred for its precision. Deterministic for a fixed catalog, vector
// and index. floor is the minimum acceptance score.
func (r *BrandResolver) Resolve(ctx context.Context, text string, vector []float64, catalog Catalog, floor float64) (*BrandMatch, error) {
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}
	if vector == nil {
		return nil, ErrMissingEmbedding
	}

	lexical := r.lexicalBest(text, catalog)

	vectorCand, err := r.vectorBest(ctx, vector, catalog)
	if err != nil {
		// ANN backend fault: transient, retried by the caller
		return nil, errors.Wrap(err, "vector pass failed")
	}

	winner := combine(lexical, vectorCand, r.cfg.LexicalEpsilon)
	if winner == nil || winner.Score < floor {
		return nil, ErrNoBrandMatch
	}
	return winner, nil
}

// lexicalBest tests containment and edit distance of every alias against the
// normalized text. Exact alias containment scores 1.0; otherwise the score
// is the best normalized edit-distance similarity over token windows.
func (r *BrandResolver) lexicalBest(text string, catalog Catalog) *BrandMatch {
	normText := normalize(text)
	if normText == "" {
		return nil
	}
	tokens := strings.Fields(normText)

	var best *BrandMatch
	for _, entry := range catalog {
		alias := normalize(entry.Alias)
		if alias == "" {
			continue
		}

		var score float64
		if strings.Contains(" "+normText+" ", " "+alias+" ") {
			score = 1.0
		} else {
			score = bestWindowSimilarity(tokens, alias)
		}

		if best == nil || score > best.Score {
			best = &BrandMatch{
				BrandID: entry.BrandID,
				Name:    entry.BrandName,
				Score:   score,
				Method:  MethodLexical,
				Alias:   entry.Alias,
			}
		}
	}
	if best == nil || best.Score <= 0 {
		return nil
	}
	return best
}

// vectorBest queries the ANN index over alias vectors and keeps the best hit
// present in the catalog snapshot. Hits outside the snapshot (for a scoped
// line-level catalog) are skipped. Cosine similarity s maps to max(0, s).
func (r *BrandResolver) vectorBest(ctx context.Context, vector []float64, catalog Catalog) (*BrandMatch, error) {
	k := r.cfg.TopK
	if k <= 0 {
		k = 5
	}
	hits, err := r.vectors.Query(ctx, vectorstore.CollectionBrandAliases, vector, k)
	if err != nil {
		return nil, err
	}

	byID := catalog.ByAliasID()
	for _, hit := range hits {
		entry, ok := byID[hit.ID]
		if !ok {
			continue
		}
		score := hit.Similarity
		if score < 0 {
			score = 0
		}
		return &BrandMatch{
			BrandID: entry.BrandID,
			Name:    entry.BrandName,
			Score:   score,
			Method:  MethodVector,
			Alias:   entry.Alias,
		}, nil
	}
	return nil, nil
}

// combine picks the overall winner between the two passes. Within epsilon
// the lexical candidate wins and the method is tagged as hybrid.
func combine(lexical, vector *BrandMatch, epsilon float64) *BrandMatch {
	switch {
	case lexical == nil:
		return vector
	case vector == nil:
		return lexical
	}
	diff := lexical.Score - vector.Score
	if diff < 0 {
		diff = -diff
	}
	if diff <= epsilon {
		preferred := *lexical
		preferred.Method = MethodHybridLexicalPreferred
		return &preferred
	}
	if vector.Score > lexical.Score {
		return vector
	}
	return lexical
}

// normalize case-folds and strips punctuation, collapsing runs of
// non-alphanumeric characters into single spaces
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// bestWindowSimilarity slides a window of the alias' token width over the
// text tokens and returns the best 1 - dist/maxLen similarity
func bestWindowSimilarity(tokens []string, alias string) float64 {
	width := len(strings.Fields(alias))
	if width == 0 || len(tokens) == 0 {
		return 0
	}
	if width > len(tokens) {
		width = len(tokens)
	}
	best := 0.0
	for i := 0; i+width <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+width], " ")
		sim := similarity(window, alias)
		if sim > best {
			best = sim
		}
	}
	return best
}

// similarity is 1 - levenshtein(a, b) / max(len(a), len(b))
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
