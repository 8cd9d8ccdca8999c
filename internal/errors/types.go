// Package errors defines the engine-wide error taxonomy and retry helpers.
//
// External failures are classified into transient (retry with backoff),
// quota (retry after a governor-advised cooldown) and permanent (no retry).
// Operation-boundary failures use Conflict, NotFound and InvalidInput so the
// control surface and the worker can map them without string matching.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Kind classifies an error for retry and outcome mapping.
type Kind int

const (
	// KindTransient - retry-able failures (network, 5xx, timeouts).
	KindTransient Kind = iota
	// KindQuota - rate-limit signals; retry after the advised cooldown.
	KindQuota
	// KindPermanent - non-retry-able failures (auth, 4xx, invalid media).
	KindPermanent
	// KindConflict - optimistic-lock or unique-constraint collisions.
	KindConflict
	// KindNotFound - referenced entity absent.
	KindNotFound
	// KindInvalidInput - rejected by validation at an operation boundary.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// QuotaError represents a rate-limit response from an external API. The
// publisher surfaces the platform's advised cooldown so the worker can push
// the task past the exhausted window instead of hammering the API.
type QuotaError struct {
	Err             error
	AdvisedCooldown time.Duration
	Message         string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("quota exhausted: %v", e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// ConflictError signals an optimistic-lock version mismatch or a
// unique-constraint violation. Callers may retry or treat it as a no-op.
type ConflictError struct {
	Err     error
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// NotFoundError signals that a referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s: not found", e.Entity, e.ID)
}

// InvalidInputError signals a validation rejection at an operation boundary.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewTransient wraps err as transient.
func NewTransient(err error) *TransientError { return &TransientError{Err: err} }

// NewPermanent wraps err as permanent.
func NewPermanent(err error) *PermanentError { return &PermanentError{Err: err} }

// NewQuota wraps err as a quota signal with an advised cooldown.
func NewQuota(err error, cooldown time.Duration) *QuotaError {
	return &QuotaError{Err: err, AdvisedCooldown: cooldown}
}

// NewConflict wraps err as a conflict.
func NewConflict(err error) *ConflictError { return &ConflictError{Err: err} }

// NewNotFound reports an absent entity.
func NewNotFound(entity, id string) *NotFoundError { return &NotFoundError{Entity: entity, ID: id} }

// NewInvalidInput reports a validation rejection.
func NewInvalidInput(field, message string) *InvalidInputError {
	return &InvalidInputError{Field: field, Message: message}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	if isSyscallError(err) {
		return true
	}
	return false
}

// IsQuota checks if an error is a rate-limit signal.
func IsQuota(err error) bool {
	var quotaErr *QuotaError
	return errors.As(err, &quotaErr)
}

// QuotaCooldown extracts the advised cooldown from a quota error, or zero.
func QuotaCooldown(err error) time.Duration {
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		return quotaErr.AdvisedCooldown
	}
	return 0
}

// IsConflict checks if an error is a conflict.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// IsNotFound checks if an error reports an absent entity.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// IsInvalidInput checks if an error is a validation rejection.
func IsInvalidInput(err error) bool {
	var invalidErr *InvalidInputError
	return errors.As(err, &invalidErr)
}

// Classify maps an error onto its Kind. Unrecognized errors classify as
// permanent to avoid infinite retries.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case IsQuota(err):
		return KindQuota
	case IsConflict(err):
		return KindConflict
	case IsNotFound(err):
		return KindNotFound
	case IsInvalidInput(err):
		return KindInvalidInput
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

// isNetworkError checks for connection-level failures.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
		return true
	default:
		return false
	}
}

// extractHTTPStatusCode pulls a status code from known wrapper types.
func extractHTTPStatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) && permanentErr.StatusCode > 0 {
		return permanentErr.StatusCode
	}
	return 0
}

func isTransientHTTPStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies an HTTP response status into the taxonomy.
// 429 becomes a quota error with the given cooldown hint.
func FromHTTPStatus(code int, body string, cooldown time.Duration) error {
	base := fmt.Errorf("http %d: %s", code, strings.TrimSpace(body))
	switch {
	case code == http.StatusTooManyRequests:
		return &QuotaError{Err: base, AdvisedCooldown: cooldown}
	case code >= 500 || code == http.StatusRequestTimeout:
		return &TransientError{Err: base, StatusCode: code}
	default:
		return &PermanentError{Err: base, StatusCode: code}
	}
}
