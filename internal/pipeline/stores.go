package pipeline

import (
	"context"

	"github.com/google/uuid"

	"example.com/receiptops/internal/models"
)

// ReceiptStore is the persistence the pipeline needs for receipts
type ReceiptStore interface {
	Create(ctx context.Context, receipt *models.Receipt) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	GetByContentHash(ctx context.Context, hash string) (*models.Receipt, error)
	ListByState(ctx context.Context, state models.ReceiptState, limit int) ([]models.Receipt, error)
	UpdateState(ctx context.Context, id uuid.UUID, from, to models.ReceiptState) error
	SetEmbeddingProvenance(ctx context.Context, id uuid.UUID, model string, dim int, durationMs int64) error
	SetBrandMatch(ctx context.Context, id uuid.UUID, brandID uuid.UUID, name string, score float64, method string, state models.ReceiptState, durationMs int64) error
	SetTiming(ctx context.Context, id uuid.UUID, column string, durationMs int64) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// LineStore is the persistence the pipeline needs for receipt lines
type LineStore interface {
	CreateBatch(ctx context.Context, lines []models.ReceiptLine) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReceiptLine, error)
	ListForReceipt(ctx context.Context, receiptID uuid.UUID) ([]models.ReceiptLine, error)
	UpdateExtraction(ctx context.Context, line *models.ReceiptLine) error
	SetValidation(ctx context.Context, id uuid.UUID, v models.LineValidation) error
	MarkVectorized(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context, receiptID uuid.UUID) (int64, error)
}

// CatalogStore is the read path into the brand/alias catalog
type CatalogStore interface {
	ListAliases(ctx context.Context) ([]models.BrandAlias, error)
	ListAliasesForBrand(ctx context.Context, brandID uuid.UUID) ([]models.BrandAlias, error)
	CountAliases(ctx context.Context) (int64, error)
}
