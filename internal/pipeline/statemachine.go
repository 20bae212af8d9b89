package pipeline

import (
	"github.com/pkg/errors"

	"example.com/receiptops/internal/models"
)

// ErrInvalidTransition signals an attempt to move a receipt along an edge the
// transition table does not allow. Never silently coerced: the caller gets
// the error and an error-status event lands in the journal.
var ErrInvalidTransition = errors.New("invalid receipt state transition")

// transitions is the full table of allowed lifecycle moves. StateError is
// reachable from every non-terminal state; products-validated and error are
// terminal for this engine.
var transitions = map[models.ReceiptState][]models.ReceiptState{
	models.StateIngested:           {models.StateBrandToValidate, models.StateError},
	models.StateBrandToValidate:    {models.StateBrandValidated, models.StateError},
	models.StateBrandValidated:     {models.StateProductsToValidate, models.StateError},
	models.StateProductsToValidate: {models.StateProductsValidated, models.StateError},
	models.StateProductsValidated:  {},
	models.StateError:              {},
}

// StateMachine owns the valid lifecycle transitions of a receipt
type StateMachine struct{}

// NewStateMachine creates a state machine over the fixed transition table
func NewStateMachine() StateMachine {
	return StateMachine{}
}

// CanTransition reports whether from -> to is a legal move
func (StateMachine) CanTransition(from, to models.ReceiptState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates a move and returns ErrInvalidTransition for any edge
// outside the table
func (m StateMachine) Transition(from, to models.ReceiptState) error {
	if !m.CanTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether the engine performs no further automatic
// transitions from the given state
func (StateMachine) IsTerminal(state models.ReceiptState) bool {
	return len(transitions[state]) == 0
}
