package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/receiptops/internal/models"
)

// EventSink is the append-only journal the recorder writes to
type EventSink interface {
	Append(ctx context.Context, event *models.ProcessingEvent) error
	Finish(ctx context.Context, eventID uuid.UUID, status string, durationMs int64, message string) error
}

// Recorder brackets every stage attempt with exactly one processing event.
// Each retry is a fresh event, never a mutation of a prior one.
type Recorder struct {
	sink EventSink
}

// NewRecorder creates an event recorder over the given sink
func NewRecorder(sink EventSink) *Recorder {
	return &Recorder{sink: sink}
}

// Attempt is one in-flight stage execution. Finish must be called exactly
// once; the duration is measured from Start.
type Attempt struct {
	recorder *Recorder
	eventID  uuid.UUID
	started  time.Time
	recorded bool
	finished bool
}

// Start appends a started-status event for one stage attempt. A journal
// write failure is logged but never fails the stage itself.
func (r *Recorder) Start(ctx context.Context, step string, receiptID, lineID *uuid.UUID) *Attempt {
	event := &models.ProcessingEvent{
		ID:        uuid.New(),
		ReceiptID: receiptID,
		LineID:    lineID,
		Step:      step,
		Status:    models.StatusStarted,
		StartedAt: time.Now(),
	}
	attempt := &Attempt{
		recorder: r,
		eventID:  event.ID,
		started:  event.StartedAt,
	}
	if err := r.sink.Append(ctx, event); err != nil {
		log.Error().Err(err).Str("step", step).Msg("failed to append processing event")
		return attempt
	}
	attempt.recorded = true
	return attempt
}

// Record appends one already-finished event for a stage whose target row
// only exists once the work succeeded (the intake create). Still one event
// per attempt; it is simply appended complete instead of finished in place.
func (r *Recorder) Record(ctx context.Context, step string, receiptID, lineID *uuid.UUID, status string, started time.Time, message string) int64 {
	now := time.Now()
	durationMs := now.Sub(started).Milliseconds()
	event := &models.ProcessingEvent{
		ID:         uuid.New(),
		ReceiptID:  receiptID,
		LineID:     lineID,
		Step:       step,
		Status:     status,
		StartedAt:  started,
		FinishedAt: &now,
		DurationMs: &durationMs,
		Message:    message,
	}
	if err := r.sink.Append(ctx, event); err != nil {
		log.Error().Err(err).Str("step", step).Msg("failed to append processing event")
	}
	return durationMs
}

// Finish writes the terminal status, finish time and duration of the attempt
// and returns the measured duration in milliseconds
func (a *Attempt) Finish(ctx context.Context, status, message string) int64 {
	durationMs := time.Since(a.started).Milliseconds()
	if a.finished || !a.recorded {
		return durationMs
	}
	a.finished = true
	if err := a.recorder.sink.Finish(ctx, a.eventID, status, durationMs, message); err != nil {
		log.Error().Err(err).Str("status", status).Msg("failed to finish processing event")
	}
	return durationMs
}
