// Package apperr holds the error taxonomy shared by the store, the resolver,
// the publisher and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means credentials or secrets are missing. It is systemic:
	// a batch that hits it stops instead of failing every remaining job.
	ErrNotConfigured = errors.New("pinterest not configured")
	// ErrUnmappedBoard means no active board mapping exists for a job.
	ErrUnmappedBoard = errors.New("no mapped board")
	ErrNotFound      = errors.New("not found")
	// ErrConflict means a claim or conditional update lost a race, or the row
	// is in a state that forbids the transition.
	ErrConflict = errors.New("concurrency conflict")
	// ErrInvalidJob means the job payload cannot be published as stored.
	ErrInvalidJob = errors.New("invalid job")
	// ErrInvalidInput rejects a malformed request before it reaches the store.
	ErrInvalidInput = errors.New("invalid request")
)

// Kind labels used on the wire and in metrics.
const (
	KindNotConfigured = "PINTEREST_NOT_CONFIGURED"
	KindUnmappedBoard = "UNMAPPED_BOARD"
	KindProvider      = "PROVIDER_ERROR"
	KindNotFound      = "NOT_FOUND"
	KindConflict      = "CONFLICT"
	KindInvalid       = "INVALID_REQUEST"
	KindInternal      = "INTERNAL"
)

// ProviderError is a rejection or transport failure from the Pinterest API.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
	// Temporary marks timeouts, 429s and 5xx responses.
	Temporary bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("pinterest api: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pinterest api: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Kind classifies err into one of the Kind* labels.
func Kind(err error) string {
	var perr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrUnmappedBoard):
		return KindUnmappedBoard
	case errors.As(err, &perr):
		return KindProvider
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidJob), errors.Is(err, ErrInvalidInput):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Retryable reports whether publishing the same job again could succeed
// without an operator changing configuration or data. Provider rejections
// are retryable only when marked Temporary.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindNotConfigured, KindUnmappedBoard, KindInvalid, KindNotFound, KindConflict:
		return false
	case KindProvider:
		var perr *ProviderError
		errors.As(err, &perr)
		return perr.Temporary
	}
	return true
}
