package repositories

import (
	"context"
	"time"

	"example.com/receiptops/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrDuplicateReceipt signals that a receipt with the same content hash
// already exists. Callers resolve it by reading the existing row.
var ErrDuplicateReceipt = errors.New("receipt with identical content hash already exists")

// ErrDuplicateLine signals that lines for the same receipt and line numbers
// already exist: a concurrent pass persisted them first. Callers resolve it
// by reading the existing rows.
var ErrDuplicateLine = errors.New("receipt lines already exist")

// ErrStaleState signals that a guarded state write matched no row because
// another pass moved the receipt first. The stale pass stands down.
var ErrStaleState = errors.New("receipt state changed concurrently")

// BrandRepository provides access to the brand/alias catalog
type BrandRepository struct {
	db *gorm.DB
}

// NewBrandRepository creates a new brand repository
func NewBrandRepository(db *gorm.DB) *BrandRepository {
	return &BrandRepository{db: db}
}

// Create persists a brand together with its aliases
func (r *BrandRepository) Create(ctx context.Context, brand *models.Brand) error {
	if brand.ID == uuid.Nil {
		brand.ID = uuid.New()
	}
	for i := range brand.Aliases {
		if brand.Aliases[i].ID == uuid.Nil {
			brand.Aliases[i].ID = uuid.New()
		}
		brand.Aliases[i].BrandID = brand.ID
	}
	if err := r.db.WithContext(ctx).Create(brand).Error; err != nil {
		return errors.Wrap(err, "failed to create brand")
	}
	return nil
}

// AddAlias attaches a new alias to an existing brand
func (r *BrandRepository) AddAlias(ctx context.Context, brandID uuid.UUID, alias string) (*models.BrandAlias, error) {
	a := &models.BrandAlias{
		ID:      uuid.New(),
		BrandID: brandID,
		Alias:   alias,
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, errors.Wrap(err, "failed to add brand alias")
	}
	return a, nil
}

// GetByID gets a brand with its aliases
func (r *BrandRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Brand, error) {
	var brand models.Brand
	err := r.db.WithContext(ctx).Preload("Aliases").First(&brand, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get brand by ID")
	}
	return &brand, nil
}

// GetByName gets a brand by its canonical name
func (r *BrandRepository) GetByName(ctx context.Context, name string) (*models.Brand, error) {
	var brand models.Brand
	err := r.db.WithContext(ctx).First(&brand, "name = ?", name).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get brand by name")
	}
	return &brand, nil
}

// ListAliases returns every alias joined with its brand. Resolvers treat the
// result as a snapshot: catalog mutations never block in-flight resolutions.
func (r *BrandRepository) ListAliases(ctx context.Context) ([]models.BrandAlias, error) {
	var aliases []models.BrandAlias
	err := r.db.WithContext(ctx).Preload("Brand").Find(&aliases).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list brand aliases")
	}
	return aliases, nil
}

// ListAliasesForBrand returns the aliases of a single brand
func (r *BrandRepository) ListAliasesForBrand(ctx context.Context, brandID uuid.UUID) ([]models.BrandAlias, error) {
	var aliases []models.BrandAlias
	err := r.db.WithContext(ctx).Preload("Brand").
		Where("brand_id = ?", brandID).Find(&aliases).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list aliases for brand")
	}
	return aliases, nil
}

// MarkAliasVectorized records that the alias vector was pushed to the store
func (r *BrandRepository) MarkAliasVectorized(ctx context.Context, aliasID uuid.UUID) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.BrandAlias{}).
		Where("id = ?", aliasID).
		Update("vectorized_at", &now).Error
	return errors.Wrap(err, "failed to mark alias as vectorized")
}

// CountAliases returns the catalog size. Zero means the engine is
// structurally misconfigured for brand matching.
func (r *BrandRepository) CountAliases(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.BrandAlias{}).Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count brand aliases")
	}
	return count, nil
}

// ReceiptRepository provides access to receipts
type ReceiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new receipt repository
func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// Create inserts a new receipt. The unique index on content_hash is the sole
// arbiter of ingestion races: the loser gets ErrDuplicateReceipt and falls
// back to the read path.
func (r *ReceiptRepository) Create(ctx context.Context, receipt *models.Receipt) error {
	err := r.db.WithContext(ctx).Create(receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReceipt
		}
		return errors.Wrap(err, "failed to create receipt")
	}
	return nil
}

// GetByID gets a receipt by storage identity
func (r *ReceiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).First(&receipt, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get receipt by ID")
	}
	return &receipt, nil
}

// GetByIDWithLines gets a receipt with its lines ordered by line number
func (r *ReceiptRepository) GetByIDWithLines(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("line_number ASC") }).
		First(&receipt, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get receipt with lines")
	}
	return &receipt, nil
}

// GetByContentHash gets a receipt by its idempotency key
func (r *ReceiptRepository) GetByContentHash(ctx context.Context, hash string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).First(&receipt, "content_hash = ?", hash).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get receipt by content hash")
	}
	return &receipt, nil
}

// ListByState returns up to limit receipts in a given state, oldest first
func (r *ReceiptRepository) ListByState(ctx context.Context, state models.ReceiptState, limit int) ([]models.Receipt, error) {
	var receipts []models.Receipt
	err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at ASC").
		Limit(limit).
		Find(&receipts).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list receipts by state")
	}
	return receipts, nil
}

// UpdateState moves a receipt from one lifecycle state to another. The write
// is guarded by the expected current state so concurrent passes over the same
// receipt cannot clobber each other: the loser gets ErrStaleState.
func (r *ReceiptRepository) UpdateState(ctx context.Context, id uuid.UUID, from, to models.ReceiptState) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{
			"state":      to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update receipt state")
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// SetEmbeddingProvenance records the embedding model metadata and timing
// after the receipt vector was upserted into the similarity store
func (r *ReceiptRepository) SetEmbeddingProvenance(ctx context.Context, id uuid.UUID, model string, dim int, durationMs int64) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"embedding_model": model,
			"embedding_dim":   dim,
			"vectorized_at":   &now,
			"t_embed_ms":      durationMs,
			"updated_at":      now,
		}).Error
	return errors.Wrap(err, "failed to set embedding provenance")
}

// SetBrandMatch writes a full brand match and the resulting state in one
// update. The match is never written partially, and the write is guarded by
// the only state that can enter brand-validated so a concurrent pass or an
// operator override is never overwritten.
func (r *ReceiptRepository) SetBrandMatch(ctx context.Context, id uuid.UUID, brandID uuid.UUID, name string, score float64, method string, state models.ReceiptState, durationMs int64) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND state = ?", id, models.StateBrandToValidate).
		Updates(map[string]interface{}{
			"brand_id":     brandID,
			"brand_name":   name,
			"brand_score":  score,
			"brand_method": method,
			"state":        state,
			"t_brand_ms":   durationMs,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to set brand match")
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// SetTiming records a per-step duration column (t_ingest_ms, t_parse_ms, ...)
func (r *ReceiptRepository) SetTiming(ctx context.Context, id uuid.UUID, column string, durationMs int64) error {
	err := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			column:       durationMs,
			"updated_at": time.Now(),
		}).Error
	return errors.Wrap(err, "failed to set receipt timing")
}

// Delete removes a receipt. Lines and events go with it through the cascade
// constraints; this is the only path that physically deletes pipeline data.
func (r *ReceiptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Delete(&models.Receipt{}, "id = ?", id).Error
	return errors.Wrap(err, "failed to delete receipt")
}

// ReceiptLineRepository provides access to receipt lines
type ReceiptLineRepository struct {
	db *gorm.DB
}

// NewReceiptLineRepository creates a new receipt line repository
func NewReceiptLineRepository(db *gorm.DB) *ReceiptLineRepository {
	return &ReceiptLineRepository{db: db}
}

// CreateBatch inserts the drafts produced by line extraction. The unique
// index on (receipt_id, line_number) arbitrates concurrent passes over the
// same receipt: the loser gets ErrDuplicateLine and reads back instead.
func (r *ReceiptLineRepository) CreateBatch(ctx context.Context, lines []models.ReceiptLine) error {
	if len(lines) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&lines).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateLine
		}
		return errors.Wrap(err, "failed to create receipt lines")
	}
	return nil
}

// GetByID gets a line by ID
func (r *ReceiptLineRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReceiptLine, error) {
	var line models.ReceiptLine
	err := r.db.WithContext(ctx).First(&line, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get receipt line by ID")
	}
	return &line, nil
}

// ListForReceipt returns the lines of a receipt ordered by line number
func (r *ReceiptLineRepository) ListForReceipt(ctx context.Context, receiptID uuid.UUID) ([]models.ReceiptLine, error) {
	var lines []models.ReceiptLine
	err := r.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("line_number ASC").
		Find(&lines).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list receipt lines")
	}
	return lines, nil
}

// UpdateExtraction writes the extracted fields and validation verdict of a line
func (r *ReceiptLineRepository) UpdateExtraction(ctx context.Context, line *models.ReceiptLine) error {
	err := r.db.WithContext(ctx).Model(&models.ReceiptLine{}).
		Where("id = ?", line.ID).
		Updates(map[string]interface{}{
			"item_name":  line.ItemName,
			"item_brand": line.ItemBrand,
			"quantity":   line.Quantity,
			"unit":       line.Unit,
			"price":      line.Price,
			"category":   line.Category,
			"validation": line.Validation,
			"updated_at": time.Now(),
		}).Error
	return errors.Wrap(err, "failed to update line extraction")
}

// SetValidation moves a line to a validation verdict
func (r *ReceiptLineRepository) SetValidation(ctx context.Context, id uuid.UUID, v models.LineValidation) error {
	err := r.db.WithContext(ctx).Model(&models.ReceiptLine{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"validation": v,
			"updated_at": time.Now(),
		}).Error
	return errors.Wrap(err, "failed to set line validation")
}

// MarkVectorized records that the line vector was pushed to the store
func (r *ReceiptLineRepository) MarkVectorized(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.ReceiptLine{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"vectorized_at": &now,
			"updated_at":    now,
		}).Error
	return errors.Wrap(err, "failed to mark line as vectorized")
}

// CountPending counts lines of a receipt still awaiting a validation verdict
func (r *ReceiptLineRepository) CountPending(ctx context.Context, receiptID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ReceiptLine{}).
		Where("receipt_id = ? AND validation = ?", receiptID, models.ValidationPending).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending lines")
	}
	return count, nil
}

// EventRepository provides append-only access to processing events
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a new event row. Events are never updated after creation
// except for the single finish write in Finish.
func (r *EventRepository) Append(ctx context.Context, event *models.ProcessingEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.StartedAt.IsZero() {
		event.StartedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to append processing event")
	}
	return nil
}

// Finish writes the terminal status, finish timestamp and duration of an
// event exactly once
func (r *EventRepository) Finish(ctx context.Context, eventID uuid.UUID, status string, durationMs int64, message string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&models.ProcessingEvent{}).
		Where("id = ? AND finished_at IS NULL", eventID).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": &now,
			"duration_ms": durationMs,
			"message":     message,
		}).Error
	return errors.Wrap(err, "failed to finish processing event")
}

// ListForReceipt returns the audit trail of a receipt ordered by start time
func (r *EventRepository) ListForReceipt(ctx context.Context, receiptID uuid.UUID) ([]models.ProcessingEvent, error) {
	var events []models.ProcessingEvent
	err := r.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("started_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processing events")
	}
	return events, nil
}
