package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/receiptops/internal/cache"
	"example.com/receiptops/internal/models"
)

// ErrEmptyCatalog means there is nothing to match against. This is a
// structural misconfiguration, surfaced as a fatal error rather than an
// error-state transition.
var ErrEmptyCatalog = errors.New("brand catalog is empty")

const catalogCacheKey = "catalog:aliases"

// AliasEntry is one catalog row the resolvers match against
type AliasEntry struct {
	AliasID   uuid.UUID `json:"alias_id"`
	BrandID   uuid.UUID `json:"brand_id"`
	BrandName string    `json:"brand_name"`
	Alias     string    `json:"alias"`
}

// Catalog is a snapshot of the alias catalog, sorted for deterministic
// matching. Resolvers read snapshots; catalog mutation is an administrative
// path that never blocks in-flight resolutions.
type Catalog []AliasEntry

// ByAliasID indexes the snapshot for mapping ANN hits back to entries
func (c Catalog) ByAliasID() map[uuid.UUID]AliasEntry {
	m := make(map[uuid.UUID]AliasEntry, len(c))
	for _, e := range c {
		m[e.AliasID] = e
	}
	return m
}

// CatalogProvider serves snapshot-consistent catalog reads, with a short
// redis-backed cache in front of the database
type CatalogProvider struct {
	brands CatalogStore
	cache  *cache.RedisCache
	ttl    time.Duration
}

// NewCatalogProvider creates a catalog provider
func NewCatalogProvider(brands CatalogStore, redisCache *cache.RedisCache, ttl time.Duration) *CatalogProvider {
	return &CatalogProvider{brands: brands, cache: redisCache, ttl: ttl}
}

// Snapshot returns the full alias catalog. An empty catalog is
// ErrEmptyCatalog: matching against nothing is meaningless.
func (p *CatalogProvider) Snapshot(ctx context.Context) (Catalog, error) {
	if p.cache != nil {
		var cached Catalog
		if err := p.cache.Get(ctx, catalogCacheKey, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	aliases, err := p.brands.ListAliases(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load brand catalog")
	}
	catalog := toCatalog(aliases)
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, catalogCacheKey, catalog, p.ttl); err != nil {
			log.Warn().Err(err).Msg("failed to cache brand catalog snapshot")
		}
	}
	return catalog, nil
}

// SnapshotForBrand returns the catalog scoped to one brand's aliases, used
// for line-level matching once the receipt brand is resolved
func (p *CatalogProvider) SnapshotForBrand(ctx context.Context, brandID uuid.UUID) (Catalog, error) {
	aliases, err := p.brands.ListAliasesForBrand(ctx, brandID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load brand-scoped catalog")
	}
	catalog := toCatalog(aliases)
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}
	return catalog, nil
}

// CountAliases reports the catalog size without building a snapshot. Zero
// means every brand resolution will fail until the catalog is seeded.
func (p *CatalogProvider) CountAliases(ctx context.Context) (int64, error) {
	return p.brands.CountAliases(ctx)
}

// Invalidate drops the cached snapshot after a catalog mutation
func (p *CatalogProvider) Invalidate(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, catalogCacheKey); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate brand catalog cache")
	}
}

func toCatalog(aliases []models.BrandAlias) Catalog {
	catalog := make(Catalog, 0, len(aliases))
	for _, a := range aliases {
		catalog = append(catalog, AliasEntry{
			AliasID:   a.ID,
			BrandID:   a.BrandID,
			BrandName: a.Brand.Name,
			Alias:     a.Alias,
		})
	}
	sort.Slice(catalog, func(i, j int) bool {
		if catalog[i].Alias != catalog[j].Alias {
			return catalog[i].Alias < catalog[j].Alias
		}
		return catalog[i].AliasID.String() < catalog[j].AliasID.String()
	})
	return catalog
}
