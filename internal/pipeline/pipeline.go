package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/receiptops/config"
	"example.com/receiptops/internal/embedding"
	"example.com/receiptops/internal/metrics"
	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/repositories"
	"example.com/receiptops/internal/vectorstore"
)

// BrandReader resolves brand identities for operator overrides
type BrandReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Brand, error)
}

// LineIndexer receives validated lines for downstream analytics
type LineIndexer interface {
	IndexLine(ctx context.Context, receipt *models.Receipt, line *models.ReceiptLine) error
	DeleteReceiptLines(ctx context.Context, receiptID string) error
}

// Service orchestrates the resolution pipeline. Stages within one receipt
// run strictly sequentially; different receipts may be processed by many
// workers concurrently with no cross-receipt ordering.
type Service struct {
	receipts ReceiptStore
	lines    LineStore
	brands   BrandReader
	catalog  *CatalogProvider
	recorder *Recorder
	intake   *IntakeGate
	sm       StateMachine
	embedder embedding.Embedder
	vectors  vectorstore.Store
	resolver *BrandResolver
	parser   *LineResolver
	indexer  LineIndexer
	metrics  *metrics.Metrics
	cfg      config.MatchingConfig
}

// NewService wires the pipeline stages together
func NewService(
	receipts ReceiptStore,
	lines LineStore,
	brands BrandReader,
	catalog *CatalogProvider,
	recorder *Recorder,
	embedder embedding.Embedder,
	vectors vectorstore.Store,
	indexer LineIndexer,
	collector *metrics.Metrics,
	cfg config.MatchingConfig,
) *Service {
	return &Service{
		receipts: receipts,
		lines:    lines,
		brands:   brands,
		catalog:  catalog,
		recorder: recorder,
		intake:   NewIntakeGate(receipts, recorder),
		sm:       NewStateMachine(),
		embedder: embedder,
		vectors:  vectors,
		resolver: NewBrandResolver(vectors, cfg),
		parser:   NewLineResolver(),
		indexer:  indexer,
		metrics:  collector,
		cfg:      cfg,
	}
}

// Ingest runs the intake gate for one OCR text
func (s *Service) Ingest(ctx context.Context, sourceFile, rawText string) (uuid.UUID, bool, error) {
	id, isNew, err := s.intake.Ingest(ctx, sourceFile, rawText)
	if err != nil {
		return uuid.Nil, false, err
	}
	if isNew {
		s.metrics.IncrementCounter(metrics.ReceiptsIngested)
	} else {
		s.metrics.IncrementCounter(metrics.ReceiptsDuplicate)
	}
	return id, isNew, nil
}

// ProcessReceipt advances one receipt through its remaining stages until it
// reaches a terminal state or a stage stops it. Structural misconfiguration
// (an empty catalog) aborts processing and propagates.
func (s *Service) ProcessReceipt(ctx context.Context, id uuid.UUID) error {
	// The receipt vector flows from the embed stage to the brand stage in
	// memory within one pass; a later sweep re-derives it deterministically.
	var vector []float64
	for {
		receipt, err := s.receipts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if s.sm.IsTerminal(receipt.State) {
			return nil
		}

		switch receipt.State {
		case models.StateIngested:
			vector, err = s.runEmbedStage(ctx, receipt)
		case models.StateBrandToValidate:
			err = s.runBrandStage(ctx, receipt, vector)
		case models.StateBrandValidated:
			err = s.runParseStage(ctx, receipt)
		case models.StateProductsToValidate:
			err = s.runFinalizeStage(ctx, receipt)
		default:
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrEmptyCatalog) {
				return err
			}
			// Stage-local fault: already journaled, receipt moved to error
			return nil
		}
	}
}

// runEmbedStage requests the receipt embedding, upserts it into the
// similarity store and moves the receipt to brand-2-validate
func (s *Service) runEmbedStage(ctx context.Context, receipt *models.Receipt) ([]float64, error) {
	var vector []float64
	durationMs, err := retryStep(ctx, s.recorder, models.StepEmbed, &receipt.ID, nil, s.cfg.MaxRetries, s.cfg.RetryBackoff,
		func(ctx context.Context) (string, error) {
			vec, err := s.embedder.Embed(ctx, receipt.RawText)
			if err != nil {
				return "", err
			}
			if err := s.vectors.Upsert(ctx, vectorstore.CollectionReceipts, receipt.ID, vec); err != nil {
				return "", err
			}
			vector = vec
			return fmt.Sprintf("embedded receipt model=%s dim=%d", s.embedder.Model(), len(vec)), nil
		})
	s.metrics.RecordStepDuration(models.StepEmbed, durationMs)
	if err != nil {
		s.failReceipt(ctx, receipt, err)
		return nil, err
	}

	if err := s.receipts.SetEmbeddingProvenance(ctx, receipt.ID, s.embedder.Model(), s.embedder.Dimension(), durationMs); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, receipt, models.StateBrandToValidate); err != nil {
		return nil, err
	}
	return vector, nil
}

// runBrandStage resolves the issuing brand. The vector flows in from the
// embed stage within one pass; when a sweep resumes a receipt later, it is
// re-derived through the deterministic embedder.
func (s *Service) runBrandStage(ctx context.Context, receipt *models.Receipt, vector []float64) error {
	if !receipt.HasEmbedding() {
		s.recorder.Record(ctx, models.StepBrand, &receipt.ID, nil, models.StatusError, time.Now(), ErrMissingEmbedding.Error())
		s.failReceipt(ctx, receipt, ErrMissingEmbedding)
		return ErrMissingEmbedding
	}

	catalog, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return err
	}

	var match *BrandMatch
	durationMs, err := retryStep(ctx, s.recorder, models.StepBrand, &receipt.ID, nil, s.cfg.MaxRetries, s.cfg.RetryBackoff,
		func(ctx context.Context) (string, error) {
			vec := vector
			if vec == nil {
				v, embedErr := s.embedder.Embed(ctx, receipt.RawText)
				if embedErr != nil {
					return "", embedErr
				}
				vec = v
			}
			m, resolveErr := s.resolver.Resolve(ctx, receipt.RawText, vec, catalog, s.cfg.AcceptFloor)
			if resolveErr != nil {
				return "", resolveErr
			}
			match = m
			return fmt.Sprintf("brand=%s score=%.4f via %s", m.Name, m.Score, m.Alias), nil
		})
	s.metrics.RecordStepDuration(models.StepBrand, durationMs)
	if err != nil {
		if errors.Is(err, ErrEmptyCatalog) {
			return err
		}
		if errors.Is(err, ErrNoBrandMatch) {
			s.metrics.IncrementCounter(metrics.BrandMisses)
		}
		s.failReceipt(ctx, receipt, err)
		return err
	}

	if err := s.sm.Transition(receipt.State, models.StateBrandValidated); err != nil {
		s.rejectTransition(ctx, receipt, models.StateBrandValidated, err)
		return err
	}
	if err := s.receipts.SetBrandMatch(ctx, receipt.ID, match.BrandID, match.Name, match.Score, match.Method, models.StateBrandValidated, durationMs); err != nil {
		if errors.Is(err, repositories.ErrStaleState) {
			log.Debug().Str("receipt_id", receipt.ID.String()).Msg("brand already resolved by a concurrent pass, standing down")
		}
		return err
	}
	receipt.State = models.StateBrandValidated
	s.metrics.IncrementCounter(metrics.BrandMatches)
	return nil
}

// runParseStage splits the receipt into lines, extracts and validates each
// line, and moves the receipt to products-2-validate
func (s *Service) runParseStage(ctx context.Context, receipt *models.Receipt) error {
	attempt := s.recorder.Start(ctx, models.StepParse, &receipt.ID, nil)

	drafts := s.parser.Extract(receipt.ID, receipt.RawText)
	if len(drafts) == 0 {
		attempt.Finish(ctx, models.StatusError, "no lines extracted")
		s.failReceipt(ctx, receipt, errors.New("receipt text produced no lines"))
		return errors.New("receipt text produced no lines")
	}

	// An interrupted earlier pass may have persisted the drafts already;
	// line numbers are stable, so reuse them instead of re-creating
	if existing, err := s.lines.ListForReceipt(ctx, receipt.ID); err == nil && len(existing) > 0 {
		drafts = existing
	} else if err := s.lines.CreateBatch(ctx, drafts); err != nil {
		if !errors.Is(err, repositories.ErrDuplicateLine) {
			attempt.Finish(ctx, models.StatusError, err.Error())
			s.failReceipt(ctx, receipt, err)
			return err
		}
		// Lost the insert race against a concurrent pass over the same
		// receipt; its lines are equivalent, so adopt them
		existing, readErr := s.lines.ListForReceipt(ctx, receipt.ID)
		if readErr != nil {
			attempt.Finish(ctx, models.StatusError, readErr.Error())
			return readErr
		}
		drafts = existing
	}

	if err := s.transition(ctx, receipt, models.StateProductsToValidate); err != nil {
		attempt.Finish(ctx, models.StatusError, err.Error())
		return err
	}

	// Scope line-level matching to the resolved brand's catalog when
	// available; fall back to the full catalog otherwise
	catalog, err := s.lineCatalog(ctx, receipt)
	if err != nil {
		attempt.Finish(ctx, models.StatusError, err.Error())
		return err
	}

	for i := range drafts {
		s.processLine(ctx, receipt, &drafts[i], catalog)
	}

	durationMs := attempt.Finish(ctx, models.StatusOK, fmt.Sprintf("parsed %d lines", len(drafts)))
	s.metrics.RecordStepDuration(models.StepParse, durationMs)
	if err := s.receipts.SetTiming(ctx, receipt.ID, "t_parse_ms", durationMs); err != nil {
		log.Error().Err(err).Str("receipt_id", receipt.ID.String()).Msg("failed to record parse timing")
	}
	return nil
}

func (s *Service) lineCatalog(ctx context.Context, receipt *models.Receipt) (Catalog, error) {
	if receipt.BrandID != nil {
		scoped, err := s.catalog.SnapshotForBrand(ctx, *receipt.BrandID)
		if err == nil {
			return scoped, nil
		}
		log.Warn().Err(err).Str("receipt_id", receipt.ID.String()).Msg("brand-scoped catalog unavailable, using full catalog")
	}
	return s.catalog.Snapshot(ctx)
}

// processLine extracts one line's fields, attempts a line-level brand match
// and persists the verdict. An unparseable line is rejected with an error
// event but never aborts the receipt.
func (s *Service) processLine(ctx context.Context, receipt *models.Receipt, line *models.ReceiptLine, catalog Catalog) {
	attempt := s.recorder.Start(ctx, models.StepParse, &receipt.ID, &line.ID)

	s.parser.Parse(line)

	if line.ItemName != "" {
		if vec, err := s.embedder.Embed(ctx, line.RawText); err == nil {
			if err := s.vectors.Upsert(ctx, vectorstore.CollectionLines, line.ID, vec); err == nil {
				if err := s.lines.MarkVectorized(ctx, line.ID); err != nil {
					log.Error().Err(err).Str("line_id", line.ID.String()).Msg("failed to mark line vectorized")
				}
			}
			// A store fault here only costs the vector pass below
			if match, err := s.resolver.Resolve(ctx, line.RawText, vec, catalog, s.cfg.LineFloor); err == nil {
				line.ItemBrand = match.Name
			}
		} else if match := s.resolver.lexicalBest(line.RawText, catalog); match != nil && match.Score >= s.cfg.LineFloor {
			// Embedding unavailable: lexical-only fallback
			line.ItemBrand = match.Name
		}
	}

	line.Validation = s.parser.Verdict(line)

	if err := s.lines.UpdateExtraction(ctx, line); err != nil {
		attempt.Finish(ctx, models.StatusError, err.Error())
		return
	}

	if line.Validation == models.ValidationRejected {
		s.metrics.IncrementCounter(metrics.LinesRejected)
		attempt.Finish(ctx, models.StatusError, fmt.Sprintf("line %d rejected", line.LineNumber))
		return
	}
	s.metrics.IncrementCounter(metrics.LinesValidated)
	attempt.Finish(ctx, models.StatusOK,
		fmt.Sprintf("line %d item=%q category=%s", line.LineNumber, line.ItemName, line.Category))
}

// runFinalizeStage moves a receipt to products-validated once every line has
// a non-pending verdict, then feeds validated lines to the analytics index
func (s *Service) runFinalizeStage(ctx context.Context, receipt *models.Receipt) error {
	pending, err := s.lines.CountPending(ctx, receipt.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		// Lines still await validation (e.g. operator review); leave as-is
		return errors.Errorf("%d lines still pending", pending)
	}

	if err := s.transition(ctx, receipt, models.StateProductsValidated); err != nil {
		return err
	}
	s.metrics.IncrementCounter(metrics.ReceiptsValidated)

	if s.indexer != nil {
		lines, err := s.lines.ListForReceipt(ctx, receipt.ID)
		if err != nil {
			return err
		}
		for i := range lines {
			if lines[i].Validation != models.ValidationValidated {
				continue
			}
			if err := s.indexer.IndexLine(ctx, receipt, &lines[i]); err != nil {
				log.Error().Err(err).Str("line_id", lines[i].ID.String()).Msg("failed to index validated line")
			}
		}
	}
	return nil
}

// Sweep processes batches of receipts stuck in each non-terminal state,
// oldest first. Used by the worker as a fallback for receipts whose pass was
// interrupted.
func (s *Service) Sweep(ctx context.Context, batchSize int) error {
	states := []models.ReceiptState{
		models.StateIngested,
		models.StateBrandToValidate,
		models.StateBrandValidated,
		models.StateProductsToValidate,
	}
	for _, state := range states {
		receipts, err := s.receipts.ListByState(ctx, state, batchSize)
		if err != nil {
			return err
		}
		for i := range receipts {
			if err := s.ProcessReceipt(ctx, receipts[i].ID); err != nil {
				if errors.Is(err, ErrEmptyCatalog) {
					return err
				}
				log.Error().Err(err).Str("receipt_id", receipts[i].ID.String()).Msg("failed to process receipt")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// OverrideBrand is the operator path for setting a receipt's brand manually.
// It is an explicit transition input, not a bypass: the receipt must be in
// brand-2-validate.
func (s *Service) OverrideBrand(ctx context.Context, receiptID, brandID uuid.UUID) error {
	receipt, err := s.receipts.GetByID(ctx, receiptID)
	if err != nil {
		return err
	}
	if err := s.sm.Transition(receipt.State, models.StateBrandValidated); err != nil {
		s.rejectTransition(ctx, receipt, models.StateBrandValidated, err)
		return err
	}

	brand, err := s.brands.GetByID(ctx, brandID)
	if err != nil {
		return err
	}

	started := time.Now()
	if err := s.receipts.SetBrandMatch(ctx, receipt.ID, brand.ID, brand.Name, 1.0, MethodOperatorOverride, models.StateBrandValidated, 0); err != nil {
		return err
	}
	s.recorder.Record(ctx, models.StepBrand, &receipt.ID, nil, models.StatusOK, started,
		fmt.Sprintf("brand=%s score=1.0000 via operator", brand.Name))
	s.metrics.IncrementCounter(metrics.OperatorOverrides)
	return nil
}

// OverrideLine is the operator path for forcing a line verdict. Pending is
// not a valid target: rejected lines never revert to pending.
func (s *Service) OverrideLine(ctx context.Context, lineID uuid.UUID, verdict models.LineValidation) error {
	if verdict != models.ValidationValidated && verdict != models.ValidationRejected {
		return errors.Errorf("invalid override verdict %q", verdict)
	}
	line, err := s.lines.GetByID(ctx, lineID)
	if err != nil {
		return err
	}
	started := time.Now()
	if err := s.lines.SetValidation(ctx, lineID, verdict); err != nil {
		return err
	}
	s.recorder.Record(ctx, models.StepParse, &line.ReceiptID, &lineID, models.StatusOK, started,
		fmt.Sprintf("line %d verdict=%s via operator", line.LineNumber, verdict))
	s.metrics.IncrementCounter(metrics.OperatorOverrides)

	// The override may have been the last pending line
	receipt, err := s.receipts.GetByID(ctx, line.ReceiptID)
	if err != nil {
		return err
	}
	if receipt.State == models.StateProductsToValidate {
		if err := s.runFinalizeStage(ctx, receipt); err != nil {
			log.Debug().Err(err).Str("receipt_id", receipt.ID.String()).Msg("receipt not yet finalizable")
		}
	}
	return nil
}

// DeleteReceipt is the explicit operator deletion: the row cascade removes
// lines and events, and the vectors and index documents follow best-effort
func (s *Service) DeleteReceipt(ctx context.Context, id uuid.UUID) error {
	lines, err := s.lines.ListForReceipt(ctx, id)
	if err != nil {
		return err
	}
	if err := s.receipts.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, vectorstore.CollectionReceipts, id); err != nil {
		log.Warn().Err(err).Str("receipt_id", id.String()).Msg("failed to delete receipt vector")
	}
	for i := range lines {
		if err := s.vectors.Delete(ctx, vectorstore.CollectionLines, lines[i].ID); err != nil {
			log.Warn().Err(err).Str("line_id", lines[i].ID.String()).Msg("failed to delete line vector")
		}
	}
	if s.indexer != nil {
		if err := s.indexer.DeleteReceiptLines(ctx, id.String()); err != nil {
			log.Warn().Err(err).Str("receipt_id", id.String()).Msg("failed to delete indexed lines")
		}
	}
	return nil
}

// transition validates and persists a lifecycle move. The guarded write
// stands down when another pass moved the receipt first.
func (s *Service) transition(ctx context.Context, receipt *models.Receipt, to models.ReceiptState) error {
	if err := s.sm.Transition(receipt.State, to); err != nil {
		s.rejectTransition(ctx, receipt, to, err)
		return err
	}
	if err := s.receipts.UpdateState(ctx, receipt.ID, receipt.State, to); err != nil {
		if errors.Is(err, repositories.ErrStaleState) {
			log.Debug().Str("receipt_id", receipt.ID.String()).
				Str("to", string(to)).
				Msg("receipt moved by a concurrent pass, standing down")
		}
		return err
	}
	receipt.State = to
	return nil
}

// failReceipt moves a receipt to the error state after a stage fault. The
// fault itself was already journaled by the stage's attempt events. A stale
// write means another pass owns the receipt now; a healthy receipt is never
// failed over a lost race.
func (s *Service) failReceipt(ctx context.Context, receipt *models.Receipt, cause error) {
	if s.sm.IsTerminal(receipt.State) {
		return
	}
	if err := s.receipts.UpdateState(ctx, receipt.ID, receipt.State, models.StateError); err != nil {
		if errors.Is(err, repositories.ErrStaleState) {
			log.Debug().Str("receipt_id", receipt.ID.String()).Msg("receipt moved by a concurrent pass, not failing")
			return
		}
		log.Error().Err(err).Str("receipt_id", receipt.ID.String()).Msg("failed to move receipt to error state")
		return
	}
	receipt.State = models.StateError
	s.metrics.IncrementCounter(metrics.ReceiptsErrored)
	log.Warn().Err(cause).Str("receipt_id", receipt.ID.String()).Msg("receipt moved to error state")
}

// rejectTransition journals an attempted invalid move. Invalid transitions
// never silently succeed.
func (s *Service) rejectTransition(ctx context.Context, receipt *models.Receipt, to models.ReceiptState, err error) {
	s.metrics.IncrementCounter(metrics.InvalidTransitions)
	s.recorder.Record(ctx, stepForState(to), &receipt.ID, nil, models.StatusError, time.Now(), err.Error())
	log.Error().Err(err).
		Str("receipt_id", receipt.ID.String()).
		Str("from", string(receipt.State)).
		Str("to", string(to)).
		Msg("invalid state transition rejected")
}

// stepForState names the stage responsible for entering a state
func stepForState(to models.ReceiptState) string {
	switch to {
	case models.StateBrandToValidate:
		return models.StepEmbed
	case models.StateBrandValidated:
		return models.StepBrand
	case models.StateProductsToValidate, models.StateProductsValidated:
		return models.StepParse
	default:
		return models.StepIngest
	}
}
