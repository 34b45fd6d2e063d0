/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds surfaced by the core in one place. The API layer maps
  these to HTTP statuses; everything else uses errors.Is.

ERROR CATEGORIES:
  1. Validation errors - bad quantities/amounts from the caller
  2. Ledger errors - missing or conflicting patrons
  3. Undo errors - empty stacks and replay inconsistencies

ATOMICITY CONTRACT:
  Any error from a mutating operation means NOTHING was persisted:
  no partial event rows, no partial ledger update.

SEE ALSO:
  - engine.go: Raises validation and ledger errors
  - undo.go: Raises undo/redo errors
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned for a non-positive ticket quantity.
	ErrInvalidQuantity = errors.New("invalid ticket quantity")

	// ErrInvalidAmount is returned for a negative recharge amount.
	ErrInvalidAmount = errors.New("invalid recharge amount")

	// ErrInsufficientBalance is returned when a NoCredit patron would go
	// negative. Other statuses may go negative (that is what Advance means).
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPatron is returned for malformed patron fields (missing
	// name, unknown status or sex).
	ErrInvalidPatron = errors.New("invalid patron")

	// ErrPatronNotFound is returned when the referenced patron doesn't exist.
	ErrPatronNotFound = errors.New("patron not found")

	// ErrDuplicatePatron is returned on a (last name, first name) collision
	// at creation time.
	ErrDuplicatePatron = errors.New("patron already exists")

	// ErrNothingToUndo is returned by Undo on an empty undo stack.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo is returned by Redo on an empty redo stack.
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrUndoConflict is returned when a rollback or replay cannot be
	// applied cleanly (e.g. the events were pruned). This is a fatal
	// inconsistency to surface, never to swallow.
	ErrUndoConflict = errors.New("undo/redo state conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a NoCredit balance shortage.
type InsufficientBalanceError struct {
	PatronID  int64
	Available int64 // tickets on hand
	Requested int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for patron %d: available %d, requested %d, shortfall %d",
		e.PatronID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DuplicatePatronError details a name collision at creation.
type DuplicatePatronError struct {
	LastName   string
	FirstName  string
	ExistingID int64
}

func (e *DuplicatePatronError) Error() string {
	return fmt.Sprintf("patron %q %q already exists (id %d)", e.LastName, e.FirstName, e.ExistingID)
}

func (e *DuplicatePatronError) Unwrap() error {
	return ErrDuplicatePatron
}

// InvalidAmountError details a rejected recharge amount.
type InvalidAmountError struct {
	Amount decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid recharge amount %s: must be >= 0", e.Amount.StringFixed(2))
}

func (e *InvalidAmountError) Unwrap() error {
	return ErrInvalidAmount
}

// UndoConflictError details a failed rollback/replay.
type UndoConflictError struct {
	RecordID string
	Reason   string
}

func (e *UndoConflictError) Error() string {
	return fmt.Sprintf("undo/redo conflict on record %s: %s", e.RecordID, e.Reason)
}

func (e *UndoConflictError) Unwrap() error {
	return ErrUndoConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPatron) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicatePatron) ||
		errors.Is(err, ErrNothingToUndo) ||
		errors.Is(err, ErrNothingToRedo)
}

// IsNotFound returns true if the error indicates a missing patron.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPatronNotFound)
}
