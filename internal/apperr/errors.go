// Package apperr defines the error taxonomy shared by every pipeline stage.
// Each error carries a stable Kind for programmatic handling and a message
// that is safe to show to API clients; the underlying cause is kept for logs
// only.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindInvalidParameters Kind = "invalid_parameters"
	KindFetch             Kind = "fetch_error"
	KindEmbedding         Kind = "embedding_service_error"
	KindIndex             Kind = "index_error"
	KindGenerationTimeout Kind = "generation_timeout"
	KindRateLimited       Kind = "rate_limited"
	KindGenerationAuth    Kind = "generation_auth_error"
	KindGeneration        Kind = "generation_error"
	KindContextTooLarge   Kind = "context_too_large"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal_error"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind Kind
	// Stage is the pipeline state the error surfaced in, set by the orchestrator.
	Stage string
	// Message is sanitized and may be returned to clients verbatim.
	Message string
	// Transient marks faults worth retrying (timeouts, 429, 5xx).
	Transient bool
	// NotFound distinguishes "never indexed" from a corrupt collection.
	NotFound bool
	Err      error
}

func (e *Error) Error() string {
	var msg string
	if e.Stage != "" {
		msg = fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, apperr.ErrIndexNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return !t.NotFound || e.NotFound
}

// Sentinels for errors.Is checks.
var (
	ErrIndexNotFound   = &Error{Kind: KindIndex, NotFound: true, Message: "index not found"}
	ErrContextTooLarge = &Error{Kind: KindContextTooLarge, Message: "context too large"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

func InvalidParameters(format string, args ...any) *Error {
	return New(KindInvalidParameters, fmt.Sprintf(format, args...))
}

func Fetch(message string, err error, transient bool) *Error {
	return &Error{Kind: KindFetch, Message: message, Err: err, Transient: transient}
}

func Embedding(message string, err error, transient bool) *Error {
	return &Error{Kind: KindEmbedding, Message: message, Err: err, Transient: transient}
}

func IndexNotFound(docID string) *Error {
	return &Error{Kind: KindIndex, NotFound: true, Message: "no index built for document " + docID}
}

func Index(message string, err error) *Error {
	return Wrap(KindIndex, message, err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies any error. Bare context errors map to Canceled, anything
// unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

func IsTransient(err error) bool {
	e, ok := As(err)
	return ok && e.Transient
}

// WithStage returns err annotated with the pipeline stage. Unclassified
// errors are wrapped as Internal so the HTTP layer never renders raw causes.
func WithStage(err error, stage string) *Error {
	if e, ok := As(err); ok {
		if e.Stage == "" {
			cp := *e
			cp.Stage = stage
			return &cp
		}
		return e
	}
	kind := KindOf(err)
	msg := "internal error"
	if kind == KindCanceled {
		msg = "request canceled"
	}
	return &Error{Kind: kind, Stage: stage, Message: msg, Err: err}
}
