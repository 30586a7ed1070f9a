/*
errors.go - Centralized error types for the billing ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Integrity errors - Storage rows or ledger entries that do not line up.
     Fatal for a build; they indicate a consistency bug, not bad input.
  2. Validation errors - Caller input that breaks a business rule
     (refund over quantity, bad amount, unknown entry kind).
  3. Reconciliation mismatches - Verification found a disagreement.

USAGE:
    var integrity *generic.IntegrityError
    if errors.As(err, &integrity) {
        log.Error().Str("missing", integrity.ID).Msg("ledger build aborted")
    }

    if generic.IsClientError(err) {
        // 4xx
    }

SEE ALSO:
  - payments/engine.go: Raises IntegrityError
  - payments/refund.go: Raises ValidationError
  - reconcile/verifier.go: Raises MismatchError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced purchase or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity marks storage or ledger inconsistencies.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrValidation marks caller input that breaks a business rule.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyRefunded is returned when a purchase already carries refundedAt.
	ErrAlreadyRefunded = errors.New("purchase already refunded")

	// ErrInsufficientGrant is returned when consuming more than the grant slices hold.
	ErrInsufficientGrant = errors.New("insufficient grant quantity")

	// ErrUnknownEntryType is returned when decoding an entry with an unknown type tag.
	ErrUnknownEntryType = errors.New("unknown entry type")

	// ErrInvalidAmount is returned for malformed money strings.
	ErrInvalidAmount = errors.New("invalid money amount")

	// ErrNonIntegerQuantity is returned when multiplying money by a fractional quantity.
	ErrNonIntegerQuantity = errors.New("quantity must be an integer")

	// ErrInvalidCursor is returned when a pagination cursor is not in the result set.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrMismatch is returned by verification in fail-fast mode.
	ErrMismatch = errors.New("reconciliation mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IntegrityError identifies the row or entry that could not be resolved.
type IntegrityError struct {
	Kind   string // e.g. "subscription", "one-time-purchase", "grant-slice"
	ID     string
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ledger integrity: %s %q: %s", e.Kind, e.ID, e.Detail)
	}
	return fmt.Sprintf("ledger integrity: %s %q not found", e.Kind, e.ID)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AmountError reports a malformed money amount.
type AmountError struct {
	Amount   string
	Currency string
	Reason   string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid %s amount %q: %s", e.Currency, e.Amount, e.Reason)
}

func (e *AmountError) Unwrap() []error { return []error{ErrInvalidAmount, ErrValidation} }

// MismatchError carries both sides of a failed comparison.
type MismatchError struct {
	Customer Customer
	Subject  string // "item:<id>" or "owned-products"
	Expected any
	Actual   any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatch for %s %s: expected %v, actual %v",
		e.Customer, e.Subject, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrUnknownEntryType) ||
		errors.Is(err, ErrNonIntegerQuantity)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the request conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRefunded)
}
