package cmd

import (
	"context"
	"os"

	"example.com/receiptops/config"
	"example.com/receiptops/internal/cache"
	"example.com/receiptops/internal/database"
	"example.com/receiptops/internal/embedding"
	"example.com/receiptops/internal/embedding/openai"
	"example.com/receiptops/internal/metrics"
	"example.com/receiptops/internal/pipeline"
	"example.com/receiptops/internal/repositories"
	"example.com/receiptops/internal/search"
	"example.com/receiptops/internal/tracing"
	"example.com/receiptops/internal/vectorstore"
	"example.com/receiptops/internal/vectorstore/qdrant"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// application bundles everything a command needs after wiring
type application struct {
	cfg      config.Config
	db       *gorm.DB
	service  *pipeline.Service
	brands   *repositories.BrandRepository
	receipts *repositories.ReceiptRepository
	events   *repositories.EventRepository
	catalog  *pipeline.CatalogProvider
	embedder embedding.Embedder
	vectors  vectorstore.Store
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// newApplication loads configuration and wires the pipeline dependencies
// shared by the api, worker, ingest and seed commands
func newApplication(ctx context.Context) (*application, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without indexing")
	}
	var indexer pipeline.LineIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}

	embedder, err := openai.NewClient(cfg.Embedding)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize embedding client")
	}

	vectors := qdrant.NewStore(cfg.Qdrant)
	for _, collection := range []vectorstore.Collection{
		vectorstore.CollectionBrandAliases,
		vectorstore.CollectionReceipts,
		vectorstore.CollectionLines,
	} {
		if err := vectors.Init(ctx, collection, cfg.Embedding.Dimension); err != nil {
			return nil, errors.Wrapf(err, "failed to initialize vector collection %s", collection)
		}
	}

	brandRepo := repositories.NewBrandRepository(db)
	receiptRepo := repositories.NewReceiptRepository(db)
	lineRepo := repositories.NewReceiptLineRepository(db)
	eventRepo := repositories.NewEventRepository(db)

	catalog := pipeline.NewCatalogProvider(brandRepo, redisCache, cfg.Redis.TTL)
	if count, err := catalog.CountAliases(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to check brand catalog size")
	} else if count == 0 {
		log.Warn().Msg("Brand catalog is empty, resolution will fail until it is seeded")
	}
	recorder := pipeline.NewRecorder(eventRepo)
	metricsCollector := metrics.NewMetrics()

	service := pipeline.NewService(receiptRepo, lineRepo, brandRepo, catalog, recorder,
		embedder, vectors, indexer, metricsCollector, cfg.Matching)

	return &application{
		cfg:      cfg,
		db:       db,
		service:  service,
		brands:   brandRepo,
		receipts: receiptRepo,
		events:   eventRepo,
		catalog:  catalog,
		embedder: embedder,
		vectors:  vectors,
		metrics:  metricsCollector,
		tracer:   tracer,
	}, nil
}

// close releases the database connection
func (a *application) close() {
	if err := database.Close(a.db); err != nil {
		log.Error().Err(err).Msg("Failed to close database connection")
	}
}
