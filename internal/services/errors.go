// Package services defines the business logic of the course assistant.
// This file centralizes the service-level error taxonomy so that handlers and
// the CLI can map failures consistently with errors.Is and errors.As.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/course-rag-backend/internal/llm"
)

// Error kinds. Every error returned by a service wraps at most one of these.
var (
	// ErrValidation marks malformed input. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown conversation, message, or material.
	ErrNotFound = errors.New("not found")

	// ErrPermission marks an ownership mismatch.
	ErrPermission = errors.New("permission denied")

	// ErrEmbedding, ErrGeneration and ErrSummarization are the kinds of a
	// CollaboratorError.
	ErrEmbedding     = errors.New("embedding failed")
	ErrGeneration    = errors.New("generation failed")
	ErrSummarization = errors.New("summarization failed")

	// ErrConflict is returned when a concurrent writer advanced a
	// conversation first. The request can be retried.
	ErrConflict = errors.New("conversation was modified concurrently")
)

// Not-found errors for specific entities.
var (
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message %w", ErrNotFound)
	ErrMaterialNotFound     = fmt.Errorf("material %w", ErrNotFound)
)

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Unwrap makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CollaboratorError reports a failed or timed-out model call. Retryable is
// false only when the provider rejected the request itself.
type CollaboratorError struct {
	Kind      error // ErrEmbedding, ErrGeneration or ErrSummarization
	Retryable bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *CollaboratorError) Unwrap() []error { return []error{e.Kind, e.Err} }

func collaboratorError(kind, err error) *CollaboratorError {
	return &CollaboratorError{
		Kind:      kind,
		Retryable: !errors.Is(err, llm.ErrBadRequest),
		Err:       err,
	}
}
