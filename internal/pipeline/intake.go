package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/repositories"
)

// IntakeGate is the idempotent entry point of the pipeline. Ingesting the
// same bytes twice is a pure read after the first write.
type IntakeGate struct {
	receipts ReceiptStore
	recorder *Recorder
}

// NewIntakeGate creates the intake gate
func NewIntakeGate(receipts ReceiptStore, recorder *Recorder) *IntakeGate {
	return &IntakeGate{receipts: receipts, recorder: recorder}
}

// ContentHash computes the idempotency key for a raw OCR text
func ContentHash(rawText string) string {
	sum := sha256.Sum256([]byte(rawText))
	return hex.EncodeToString(sum[:])
}

// Ingest deduplicates by content hash and creates the initial receipt record.
// Returns the receipt ID and whether a new record was created. A duplicate
// causes no mutation and no event. Two concurrent ingestions of identical
// bytes race on the content-hash unique constraint; the loser detects the
// conflict and falls back to the read path instead of failing the caller.
func (g *IntakeGate) Ingest(ctx context.Context, sourceFile, rawText string) (uuid.UUID, bool, error) {
	hash := ContentHash(rawText)
	started := time.Now()

	if existing, err := g.receipts.GetByContentHash(ctx, hash); err == nil {
		log.Debug().Str("hash", hash).Str("source", sourceFile).Msg("duplicate receipt, returning existing")
		return existing.ID, false, nil
	}

	receipt := &models.Receipt{
		ID:          uuid.New(),
		RootID:      uuid.New(),
		SourceFile:  sourceFile,
		ContentHash: hash,
		RawText:     rawText,
		State:       models.StateIngested,
	}

	if err := g.receipts.Create(ctx, receipt); err != nil {
		if errors.Is(err, repositories.ErrDuplicateReceipt) {
			// Lost the race: another writer inserted the same hash first
			g.recorder.Record(ctx, models.StepIngest, nil, nil, models.StatusOK, started,
				fmt.Sprintf("skip duplicate %s sha256=%s", sourceFile, hash))
			existing, readErr := g.receipts.GetByContentHash(ctx, hash)
			if readErr != nil {
				return uuid.Nil, false, errors.Wrap(readErr, "failed to read back racing duplicate")
			}
			return existing.ID, false, nil
		}
		g.recorder.Record(ctx, models.StepIngest, nil, nil, models.StatusError, started, err.Error())
		return uuid.Nil, false, err
	}

	lineCount := len(strings.Split(strings.TrimRight(rawText, "\n"), "\n"))
	durationMs := g.recorder.Record(ctx, models.StepIngest, &receipt.ID, nil, models.StatusOK, started,
		fmt.Sprintf("ingested %s (%d lines)", sourceFile, lineCount))

	if err := g.receipts.SetTiming(ctx, receipt.ID, "t_ingest_ms", durationMs); err != nil {
		log.Error().Err(err).Str("receipt_id", receipt.ID.String()).Msg("failed to record ingest timing")
	}

	return receipt.ID, true, nil
}
