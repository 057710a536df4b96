package ancrage

import "github.com/ancrage-ai/ancrage/internal/apperr"

// Error classification lives in internal/apperr so subpackages can use
// it without importing the root. These aliases keep the public surface
// in one place.
type (
	Kind  = apperr.Kind
	Error = apperr.Error
)

const (
	KindValidation = apperr.KindValidation
	KindPermission = apperr.KindPermission
	KindNotFound   = apperr.KindNotFound
	KindConflict   = apperr.KindConflict
	KindTransient  = apperr.KindTransient
	KindPermanent  = apperr.KindPermanent
	KindIntegrity  = apperr.KindIntegrity
)

var (
	E         = apperr.E
	Errorf    = apperr.Errorf
	KindOf    = apperr.KindOf
	Retriable = apperr.Retriable
)

var (
	ErrDocumentNotFound     = apperr.ErrDocumentNotFound
	ErrConversationNotFound = apperr.ErrConversationNotFound
	ErrMessageNotFound      = apperr.ErrMessageNotFound
	ErrUnsupportedFormat    = apperr.ErrUnsupportedFormat
	ErrFileTooLarge         = apperr.ErrFileTooLarge
	ErrExtractionFailed     = apperr.ErrExtractionFailed
	ErrEmptyDocument        = apperr.ErrEmptyDocument
	ErrEmbeddingFailed      = apperr.ErrEmbeddingFailed
	ErrLLMRequestFailed     = apperr.ErrLLMRequestFailed
	ErrQueueFull            = apperr.ErrQueueFull
	ErrNotFailed            = apperr.ErrNotFailed
	ErrLeaseHeld            = apperr.ErrLeaseHeld
	ErrInvalidConfig        = apperr.ErrInvalidConfig
)
