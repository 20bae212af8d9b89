package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/receiptops/internal/models"
)

// isTransient reports whether an error is worth retrying. Data-quality and
// structural outcomes are final; everything else is assumed to be a backend
// fault (embedding service or ANN store).
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNoBrandMatch),
		errors.Is(err, ErrEmptyCatalog),
		errors.Is(err, ErrMissingEmbedding),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// retryStep runs one pipeline step with bounded exponential backoff. Every
// attempt is bracketed by its own processing event, retries included; an
// earlier attempt's event is never mutated. op returns the ok-status event
// message on success. The last attempt's duration is returned either way.
func retryStep(ctx context.Context, recorder *Recorder, step string, receiptID, lineID *uuid.UUID, maxAttempts int, backoff time.Duration, op func(ctx context.Context) (string, error)) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var (
		durationMs int64
		err        error
	)
	for i := 0; i < maxAttempts; i++ {
		attempt := recorder.Start(ctx, step, receiptID, lineID)
		var message string
		message, err = op(ctx)
		if err == nil {
			durationMs = attempt.Finish(ctx, models.StatusOK, message)
			return durationMs, nil
		}
		durationMs = attempt.Finish(ctx, models.StatusError, err.Error())
		if !isTransient(err) {
			return durationMs, err
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(backoff << uint(i)):
			case <-ctx.Done():
				return durationMs, ctx.Err()
			}
		}
	}
	return durationMs, err
}
