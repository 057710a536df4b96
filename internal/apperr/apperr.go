// Package apperr classifies errors for retry policy and HTTP status
// mapping. The root package re-exports its names; subpackages import it
// directly.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindValidation marks malformed input: unsupported extension, size
	// exceeded, forbidden field. Never retried.
	KindValidation Kind = iota

	// KindPermission marks a role or ownership mismatch.
	KindPermission

	// KindNotFound marks an unknown identifier.
	KindNotFound

	// KindConflict marks an operation illegal in the current state,
	// e.g. retrying a document that is not FAILED.
	KindConflict

	// KindTransient marks network timeouts, 429s, and dependency 5xx.
	// Retried with backoff inside the owning stage.
	KindTransient

	// KindPermanent marks corrupt files, parser refusals, and exhausted
	// retry budgets. Fails the document.
	KindPermanent

	// KindIntegrity marks a guarded invariant violation, e.g. a cache
	// write referencing a deleted document. Dropped at the write site
	// with a counter bump; never surfaced to the caller.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause so pipeline workers
// can decide between in-place retry and terminal failure via errors.As.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "extract", "embed"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ancrage: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("ancrage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with fmt.Errorf formatting.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err. Unclassified errors default to
// KindPermanent so an unknown failure never loops forever.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// Retriable reports whether err should be retried in place.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("ancrage: document not found")

	// ErrConversationNotFound is returned when a conversation ID does not exist.
	ErrConversationNotFound = errors.New("ancrage: conversation not found")

	// ErrMessageNotFound is returned when a message ID does not exist.
	ErrMessageNotFound = errors.New("ancrage: message not found")

	// ErrUnsupportedFormat is returned for unrecognized file extensions.
	ErrUnsupportedFormat = errors.New("ancrage: unsupported document format")

	// ErrFileTooLarge is returned when an upload exceeds the size limit.
	ErrFileTooLarge = errors.New("ancrage: file exceeds size limit")

	// ErrExtractionFailed is returned when text extraction fails.
	ErrExtractionFailed = errors.New("ancrage: extraction failed")

	// ErrEmptyDocument is returned when no extraction path produced text.
	ErrEmptyDocument = errors.New("ancrage: document produced no text")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("ancrage: embedding generation failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("ancrage: LLM request failed")

	// ErrQueueFull is returned when a stage queue is at capacity.
	ErrQueueFull = errors.New("ancrage: stage queue full")

	// ErrNotFailed is returned when retrying a document that is not FAILED.
	ErrNotFailed = errors.New("ancrage: document is not in failed state")

	// ErrLeaseHeld is returned when another worker holds the document lease.
	ErrLeaseHeld = errors.New("ancrage: document lease held by another worker")

	// ErrInvalidConfig is returned for configuration values out of range.
	ErrInvalidConfig = errors.New("ancrage: invalid configuration")
)
