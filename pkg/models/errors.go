package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an agent, session, task, or document is absent.
	ErrNotFound = errors.New("entity not found")

	// ErrTaskNotCancellable is returned when a cancel request arrives for a
	// task that already reached a terminal state.
	ErrTaskNotCancellable = errors.New("task is not in a cancellable state")
)

// ValidationError wraps field-specific validation errors. Surfaced to the
// caller as HTTP 400 or a task failure with stage "request_parsing".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalServiceError wraps a failure from an upstream provider (LLM,
// embedding API, vector store, metadata store). Transient errors have been
// retried with bounded backoff before surfacing.
type ExternalServiceError struct {
	Service   string
	Transient bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s error from %s: %v", kind, e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternalServiceError creates an ExternalServiceError.
func NewExternalServiceError(service string, transient bool, err error) error {
	return &ExternalServiceError{Service: service, Transient: transient, Err: err}
}

// ExtractionError describes a document extraction failure. Recoverable
// errors trigger the fallback extractor; non-recoverable errors fail the task.
type ExtractionError struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Stage       string `json:"stage"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed at %s (%s): %s", e.Stage, e.Type, e.Message)
}

// IntegrityError reports a collection-consistency violation: all documents
// in a (tenant_id, collection_id) pair must share the same embedding model
// and dimensions.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string { return e.Message }
