package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ReceiptState is the lifecycle state of a receipt in the resolution pipeline
type ReceiptState string

// Lifecycle states. StateProductsValidated and StateError are terminal.
const (
	StateIngested           ReceiptState = "ingested"
	StateBrandToValidate    ReceiptState = "brand-2-validate"
	StateBrandValidated     ReceiptState = "brand-validated"
	StateProductsToValidate ReceiptState = "products-2-validate"
	StateProductsValidated  ReceiptState = "products-validated"
	StateError              ReceiptState = "error"
)

// LineValidation is the validation state of one receipt line, independent of
// the parent receipt's lifecycle state
type LineValidation string

const (
	ValidationPending   LineValidation = "pending"
	ValidationValidated LineValidation = "validated"
	ValidationRejected  LineValidation = "rejected"
)

// Pipeline step names recorded in processing events
const (
	StepIngest = "ingest"
	StepEmbed  = "embed"
	StepBrand  = "brand"
	StepParse  = "parse"
)

// Processing event statuses
const (
	StatusStarted = "started"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Brand is a canonical retail chain or product brand
type Brand struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	Name      string       `gorm:"not null;uniqueIndex" json:"name"`
	Website   string       `json:"website,omitempty"`
	Metadata  Metadata     `gorm:"type:jsonb" json:"metadata,omitempty"`
	Aliases   []BrandAlias `gorm:"foreignKey:BrandID;constraint:OnDelete:CASCADE" json:"aliases,omitempty"`
}

// BrandAlias is one textual variant of a brand as it appears on receipts.
// Each alias carries its own vector in the similarity store, keyed by the
// alias ID, so a brand is matchable through several independent vectors.
type BrandAlias struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	BrandID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_brand_alias,priority:1" json:"brand_id"`
	Alias        string     `gorm:"not null;uniqueIndex:uq_brand_alias,priority:2" json:"alias"`
	VectorizedAt *time.Time `json:"vectorized_at,omitempty"`
	Brand        Brand      `gorm:"foreignKey:BrandID" json:"-"`
}

// Receipt is one ingested OCR document advancing through the state machine.
// ContentHash is the idempotency key: re-ingesting identical text returns the
// existing row instead of creating a duplicate.
type Receipt struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	RootID      uuid.UUID    `gorm:"type:uuid;not null;index" json:"root_id"`
	SourceFile  string       `gorm:"not null" json:"source_file"`
	ContentHash string       `gorm:"size:64;not null;uniqueIndex" json:"content_hash"`
	RawText     string       `gorm:"type:text" json:"raw_text"`
	State       ReceiptState `gorm:"size:32;not null;index;default:ingested" json:"state"`

	// Embedding provenance. The vector itself lives in the similarity store
	// under the receipt ID.
	EmbeddingModel string     `json:"embedding_model,omitempty"`
	EmbeddingDim   int        `json:"embedding_dim,omitempty"`
	VectorizedAt   *time.Time `json:"vectorized_at,omitempty"`

	// Resolved brand. Written all-or-nothing by the brand stage.
	BrandID     *uuid.UUID `gorm:"type:uuid;index" json:"brand_id,omitempty"`
	BrandName   string     `json:"brand_name,omitempty"`
	BrandScore  *float64   `json:"brand_score,omitempty"`
	BrandMethod string     `json:"brand_method,omitempty"`

	// Per-step timings in milliseconds
	IngestMs *int64 `gorm:"column:t_ingest_ms" json:"t_ingest_ms,omitempty"`
	EmbedMs  *int64 `gorm:"column:t_embed_ms" json:"t_embed_ms,omitempty"`
	BrandMs  *int64 `gorm:"column:t_brand_ms" json:"t_brand_ms,omitempty"`
	ParseMs  *int64 `gorm:"column:t_parse_ms" json:"t_parse_ms,omitempty"`

	Metadata Metadata      `gorm:"type:jsonb" json:"metadata,omitempty"`
	Lines    []ReceiptLine `gorm:"foreignKey:ReceiptID;constraint:OnDelete:CASCADE" json:"lines,omitempty"`
}

// HasEmbedding reports whether the receipt vector was pushed to the store
func (r *Receipt) HasEmbedding() bool {
	return r.VectorizedAt != nil
}

// ReceiptLine is one physical line of a receipt. Quantity is nullable:
// absence of a quantity token means unknown, never an implicit 1.
type ReceiptLine struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	ReceiptID  uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_receipt_line_no,priority:1" json:"receipt_id"`
	LineNumber int            `gorm:"not null;uniqueIndex:uq_receipt_line_no,priority:2" json:"line_number"`
	RawText    string         `gorm:"type:text;not null" json:"raw_text"`
	ItemName   string         `json:"item_name,omitempty"`
	ItemBrand  string         `json:"item_brand,omitempty"`
	Quantity   *float64       `json:"quantity,omitempty"`
	Unit       string         `gorm:"size:32" json:"unit,omitempty"`
	Price      *float64       `json:"price,omitempty"`
	Category   string         `gorm:"size:64" json:"category,omitempty"`
	Validation LineValidation `gorm:"size:16;not null;index;default:pending" json:"validation"`

	VectorizedAt *time.Time `json:"vectorized_at,omitempty"`

	Receipt Receipt `gorm:"foreignKey:ReceiptID" json:"-"`
}

// ProcessingEvent is one immutable audit record of a pipeline step attempt.
// Append-only: the only write after creation is the single finish write.
type ProcessingEvent struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ReceiptID  *uuid.UUID `gorm:"type:uuid;index:ix_event_receipt_started,priority:1" json:"receipt_id,omitempty"`
	LineID     *uuid.UUID `gorm:"type:uuid;index" json:"line_id,omitempty"`
	Step       string     `gorm:"size:32;not null;index" json:"step"`
	Status     string     `gorm:"size:16;not null" json:"status"`
	StartedAt  time.Time  `gorm:"not null;index:ix_event_receipt_started,priority:2" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	Message    string     `gorm:"type:text" json:"message,omitempty"`

	Receipt *Receipt     `gorm:"foreignKey:ReceiptID;constraint:OnDelete:CASCADE" json:"-"`
	Line    *ReceiptLine `gorm:"foreignKey:LineID;constraint:OnDelete:CASCADE" json:"-"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Brand{},
		&BrandAlias{},
		&Receipt{},
		&ReceiptLine{},
		&ProcessingEvent{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
