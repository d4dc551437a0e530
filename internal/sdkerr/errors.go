package sdkerr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
)

// Code represents a structured error code
type Code string

// Error code constants organized by category
const (
	// CACHE_ - cache lookup and storage errors
	ErrCacheMiss    Code = "CACHE_MISS"
	ErrCacheExpired Code = "CACHE_EXPIRED"
	ErrCacheNoStore Code = "CACHE_NO_STORE"
	ErrCacheCorrupt Code = "CACHE_CORRUPT"
	ErrStorage      Code = "STORAGE_FAILED"

	// CONVERSION_ - type conversion errors
	ErrConversionFailed   Code = "CONVERSION_FAILED"
	ErrConversionInternal Code = "CONVERSION_INTERNAL"

	// Resilience errors
	ErrCircuitOpen      Code = "CIRCUIT_OPEN"
	ErrCoalesceCanceled Code = "COALESCE_CANCELED"
	ErrRetryExhausted   Code = "RETRY_EXHAUSTED"

	// Upstream / transport errors
	ErrNetwork     Code = "NETWORK"
	ErrTimeout     Code = "TIMEOUT"
	ErrRateLimited Code = "RATE_LIMITED"
	ErrUnavailable Code = "UNAVAILABLE"
	ErrAuthFailed  Code = "AUTH_FAILED"
	ErrNotFound    Code = "NOT_FOUND"

	// General errors
	ErrValidation Code = "VALIDATION"
	ErrInternal   Code = "INTERNAL"
)

// Error represents a structured error with a machine-readable code.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	retryAfter time.Duration  // server-requested minimum wait, zero when absent
	cause      error
}

// ErrorResponse is the top-level error response wrapper
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// New creates a new structured error
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a structured error around a cause
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithDetail adds a single detail entry to the error
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithRetryAfter records a server-requested minimum wait before retrying
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfter returns the server-requested minimum retry wait, zero when absent
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two structured errors by code so sentinel-style comparisons work:
// errors.Is(err, sdkerr.New(sdkerr.ErrCircuitOpen, "")) is true for any
// circuit-open error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the structured code from an error chain. Plain context
// deadline errors classify as timeouts; anything else unstructured is
// internal. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrInternal
}

// IsRetryable reports whether the code names a transient condition worth
// retrying by default.
func IsRetryable(code Code) bool {
	switch code {
	case ErrNetwork, ErrTimeout, ErrRateLimited, ErrUnavailable:
		return true
	default:
		return false
	}
}

// RetryAfterOf extracts a retry-after hint from an error chain, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.retryAfter
	}
	return 0
}

// Helper constructors for common errors

// CacheMiss creates a cache miss error for a key
func CacheMiss(key string) *Error {
	return New(ErrCacheMiss, "no cached value").WithDetail("key", key)
}

// CacheExpired creates an expired-entry error for a key
func CacheExpired(key string) *Error {
	return New(ErrCacheExpired, "cached value has expired").WithDetail("key", key)
}

// CacheNoStore creates an error for a write rejected by policy
func CacheNoStore(key string) *Error {
	return New(ErrCacheNoStore, "policy forbids storing this value").WithDetail("key", key)
}

// CacheCorrupt creates an error for an undecodable persisted entry
func CacheCorrupt(key string, cause error) *Error {
	return Wrap(ErrCacheCorrupt, "persisted entry is not decodable", cause).WithDetail("key", key)
}

// Storage creates a storage collaborator failure error
func Storage(op string, cause error) *Error {
	return Wrap(ErrStorage, "storage operation failed", cause).WithDetail("op", op)
}

// ConversionFailed creates a conversion error carrying the offending value
func ConversionFailed(message string, val any, kind string) *Error {
	if message == "" {
		message = "cannot convert value"
	}
	return New(ErrConversionFailed, message).
		WithDetails(map[string]any{"value": val, "kind": kind})
}

// ConversionInternal creates an error for a conversion strategy that panicked
func ConversionInternal(cause error) *Error {
	return Wrap(ErrConversionInternal, "conversion strategy failed internally", cause)
}

// CircuitOpen creates a circuit-open error for a breaker name
func CircuitOpen(name string) *Error {
	return New(ErrCircuitOpen, "circuit breaker is open").WithDetail("breaker", name)
}

// CoalesceCanceled creates a cancellation error for buffered coalescer callers
func CoalesceCanceled() *Error {
	return New(ErrCoalesceCanceled, "coalesced request canceled before dispatch")
}

// RetryExhausted wraps the final failure after all attempts were spent
func RetryExhausted(attempts int, cause error) *Error {
	return Wrap(ErrRetryExhausted, "all retry attempts failed", cause).
		WithDetail("attempts", attempts)
}

// Network creates a transport failure error
func Network(cause error) *Error {
	return Wrap(ErrNetwork, "network request failed", cause)
}

// Timeout creates a timeout error
func Timeout(message string) *Error {
	if message == "" {
		message = "request timed out"
	}
	return New(ErrTimeout, message)
}

// RateLimited creates a rate-limited error with an optional server hint
func RateLimited(retryAfter time.Duration) *Error {
	e := New(ErrRateLimited, "rate limit exceeded")
	if retryAfter > 0 {
		e = e.WithRetryAfter(retryAfter)
	}
	return e
}

// Unavailable creates an upstream-unavailable error
func Unavailable(message string) *Error {
	if message == "" {
		message = "service unavailable"
	}
	return New(ErrUnavailable, message)
}

// AuthFailed creates an authentication failure error
func AuthFailed(message string) *Error {
	if message == "" {
		message = "authentication failed"
	}
	return New(ErrAuthFailed, message)
}

// NotFound creates a not-found error
func NotFound(what string) *Error {
	return New(ErrNotFound, what+" not found")
}

// Validation creates a validation error
func Validation(message string) *Error {
	if message == "" {
		message = "invalid input"
	}
	return New(ErrValidation, message)
}

// Internal creates an internal error
func Internal(cause error) *Error {
	return Wrap(ErrInternal, "internal error", cause)
}

// HTTPStatus maps a structured code to an HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrCacheMiss, ErrCacheExpired, ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrCircuitOpen, ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes a structured error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err.Code))
	json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WriteErrorWithContext writes a structured error response with request ID from context
func WriteErrorWithContext(w http.ResponseWriter, r *http.Request, err *Error) {
	if reqID := GetRequestID(r.Context()); reqID != "" {
		err = err.WithRequestID(reqID)
	}
	WriteError(w, err)
}
