/*
errors.go - Centralized error types for the document model

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores, the reconcile engine and the exchange layer return these (wrapped
  with context); the API maps them to status codes.

ERROR CATEGORIES:
  1. Store errors      - NotFound, Conflict (unique constraint / CAS / write-once), Validation
  2. Upstream errors   - ledger I/O or decode failures
  3. Reconcile errors  - unknown document type, missing parent, ambiguous signature target
  4. Business errors   - operations not allowed in the current state

USAGE:
  if errors.Is(err, document.ErrConflict) {
      // someone else already created or moved this document, re-read it
  }

SEE ALSO:
  - store.go: which operations return which errors
  - patch.go: WriteOnceError
*/
package document

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when no local record matches, including a CAS
	// whose target document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned on a duplicate create under the (type, id) or
	// (type, referenceId) unique constraints, on a failed CAS match and on an
	// attempt to overwrite a write-once field.
	ErrConflict = errors.New("document conflict")

	// ErrValidation is returned when a mandatory field is missing.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamUnavailable is returned when the ledger cannot be reached.
	ErrUpstreamUnavailable = errors.New("ledger unavailable")

	// ErrUpstreamParse is returned when a ledger payload cannot be decoded.
	ErrUpstreamParse = errors.New("ledger payload malformed")

	// ErrDocumentTypeUnknown is returned when an envelope declares no known type.
	ErrDocumentTypeUnknown = errors.New("unknown document type")

	// ErrParentNotFound is returned when a usage or settlement references a
	// contract that is not stored locally yet.
	ErrParentNotFound = errors.New("parent document not found")

	// ErrAmbiguousSignatureTarget marks a signature notification that matched
	// zero or several local documents. It is logged, never returned to callers.
	ErrAmbiguousSignatureTarget = errors.New("ambiguous signature target")

	// ErrBusinessRule is returned when an operation is not allowed in the
	// document's current state.
	ErrBusinessRule = errors.New("business rule violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TypeError is returned by the fetch stage for one reference id.
type TypeError struct {
	ReferenceID ReferenceID
	Declared    string
}

func (e *TypeError) Error() string {
	if e.Declared == "" {
		return fmt.Sprintf("document %s: missing type", e.ReferenceID)
	}
	return fmt.Sprintf("document %s: unknown type %q", e.ReferenceID, e.Declared)
}

func (e *TypeError) Unwrap() error { return ErrDocumentTypeUnknown }

// WriteOnceError is returned when a patch would overwrite an already-set link.
type WriteOnceError struct {
	Field     string
	Current   string
	Attempted string
}

func (e *WriteOnceError) Error() string {
	return fmt.Sprintf("%s is write-once: already %q, refusing %q", e.Field, e.Current, e.Attempted)
}

func (e *WriteOnceError) Unwrap() error { return ErrConflict }

// MatchError is returned when a conditional update finds the document but
// its current state or version differs from the match condition.
type MatchError struct {
	ID              string
	Type            Type
	ExpectedState   State
	ActualState     State
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *MatchError) Error() string {
	if e.ExpectedState != "" && e.ExpectedState != e.ActualState {
		return fmt.Sprintf("%s %s: expected state %s, found %s", e.Type, e.ID, e.ExpectedState, e.ActualState)
	}
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Type, e.ID, e.ExpectedVersion, e.ActualVersion)
}

func (e *MatchError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrParentNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable returns true if the same operation may succeed later without
// any change from the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrParentNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrDocumentTypeUnknown)
}

// IsUpstream returns true for ledger I/O and decode failures.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamParse)
}
