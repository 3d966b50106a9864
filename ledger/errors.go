/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  All error types in one place. Every failure a ledger operation can return
  belongs to exactly one category, and callers branch on the category rather
  than on message text.

ERROR CATEGORIES:
  validation             malformed input, unknown type, missing field
  insufficient_quantity  a decrement exceeds what the batch holds
  conflict               optimistic check or lock failed; safe to retry
  integrity              inconsistent lineage or cache/projection divergence
  not_found              batch absent, in another org, or archived

  Store failures (connection loss, constraint violations not mapped here)
  are returned wrapped and carry no category.

USAGE:
    if ledger.IsRetryable(err) {
        // re-run the operation from scratch
    }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all malformed-input errors.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers missing batches, cross-org batches and archived
	// batches addressed by a non-adjustment write.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientQuantity is returned when a decrement would take the
	// batch (or its unreserved stock) below zero.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrConcurrentModification is returned when the batch changed between
	// read and write, or its lock is held elsewhere.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInconsistentLineage is returned when parent/composition references
	// disagree with each other or form a cycle.
	ErrInconsistentLineage = errors.New("inconsistent lineage")

	// ErrCorruption is returned when the cached quantity disagrees with the
	// projected quantity, or the stream folds below zero.
	ErrCorruption = errors.New("ledger corruption detected")
)

// Category names used in API responses and metrics labels.
const (
	CategoryValidation   = "validation"
	CategoryInsufficient = "insufficient_quantity"
	CategoryConflict     = "conflict"
	CategoryIntegrity    = "integrity"
	CategoryNotFound     = "not_found"
	CategoryInternal     = "internal"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string // "batch", "allocation"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func batchNotFound(id BatchID) error {
	return &NotFoundError{Kind: "batch", ID: string(id)}
}

// InsufficientQuantityError provides details about a quantity shortage.
type InsufficientQuantityError struct {
	BatchID   BatchID
	Available Quantity
	Requested Quantity
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity on batch %s: available %d, requested %d",
		e.BatchID, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

type ConcurrentModificationError struct {
	BatchID BatchID
	Reason  string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of batch %s: %s", e.BatchID, e.Reason)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

type InconsistentLineageError struct {
	BatchID BatchID
	Reason  string
}

func (e *InconsistentLineageError) Error() string {
	return fmt.Sprintf("inconsistent lineage at batch %s: %s", e.BatchID, e.Reason)
}

func (e *InconsistentLineageError) Unwrap() error { return ErrInconsistentLineage }

// CorruptionError reports a divergence between the cached quantity on the
// batch row and the quantity projected from its events.
type CorruptionError struct {
	BatchID   BatchID
	Cached    Quantity
	Projected Quantity
	Reason    string
}

func (e *CorruptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ledger corruption on batch %s: %s", e.BatchID, e.Reason)
	}
	return fmt.Sprintf("ledger corruption on batch %s: cached %d, projected %d",
		e.BatchID, e.Cached, e.Projected)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CategoryOf maps err onto one of the Category constants.
func CategoryOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrInsufficientQuantity):
		return CategoryInsufficient
	case errors.Is(err, ErrConcurrentModification):
		return CategoryConflict
	case errors.Is(err, ErrInconsistentLineage), errors.Is(err, ErrCorruption):
		return CategoryIntegrity
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	default:
		return CategoryInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientQuantity)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIntegrity returns true for lineage inconsistencies and ledger corruption.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInconsistentLineage) || errors.Is(err, ErrCorruption)
}
