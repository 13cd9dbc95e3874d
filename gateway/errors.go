package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Category is the coarse error class emitted in the "error" field of the
// failure envelope.
type Category string

const (
	CategoryBadRequest         Category = "Bad Request"
	CategoryUnauthorized       Category = "Unauthorized"
	CategoryGatewayError       Category = "Gateway Error"
	CategoryGatewayTimeout     Category = "Gateway Timeout"
	CategoryServiceUnavailable Category = "Service Unavailable"
	CategoryInternal           Category = "Internal Server Error"
)

// StatusClientClosedRequest records a request abandoned by the client
// before a response was written.
const StatusClientClosedRequest = 499

var (
	// ErrOptimizationRequiresDedicatedGateway is returned when optimization
	// parameters are supplied but no dedicated upstream is configured.
	ErrOptimizationRequiresDedicatedGateway = errors.New("optimization requires dedicated gateway")

	// ErrInvalidOptimizationParameters is returned when optimization keys
	// were supplied, none survived validation, and there is no dedicated
	// upstream to fall back on.
	ErrInvalidOptimizationParameters = errors.New("invalid optimization parameters")

	// ErrDedicatedGatewayNotConfigured is returned when the client asks for
	// the dedicated upstream and none is configured.
	ErrDedicatedGatewayNotConfigured = errors.New("dedicated gateway not configured")

	// ErrInvalidPreference is returned for an unknown gateway preference.
	ErrInvalidPreference = errors.New("invalid gateway preference")

	// ErrNoCandidates is returned when a plan would have nothing to try.
	ErrNoCandidates = errors.New("no upstream candidates")

	// ErrHTMLContentRestricted is returned when a public gateway refuses to
	// serve HTML and there is no dedicated upstream to retry against.
	ErrHTMLContentRestricted = errors.New("html content restricted")

	// ErrExhausted is returned when every candidate failed with an HTTP error.
	ErrExhausted = errors.New("all upstream candidates failed")

	// ErrUpstreamTimeout is returned when the last candidate timed out.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamUnreachable is returned when the last candidate failed at
	// the transport level for any reason other than a timeout.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamStatus is returned when a final upstream error response is
	// relayed to the client.
	ErrUpstreamStatus = errors.New("upstream error status")
)

// Error is the single failure type produced by the engine. It is converted
// into the JSON failure envelope by WriteError.
type Error struct {
	Category Category

	// Status is the HTTP status written to the client.
	Status int

	// UpstreamStatus is emitted as "status" in the envelope when non-zero.
	UpstreamStatus int

	Message string
	Details map[string]any

	// Err is the sentinel or underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type envelope struct {
	Error   Category       `json:"error"`
	Message string         `json:"message"`
	Status  int            `json:"status,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// MarshalJSON encodes e as the failure envelope.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Error:   e.Category,
		Message: e.Message,
		Status:  e.UpstreamStatus,
		Details: e.Details,
	})
}

// BadRequest builds a 400 error wrapping cause.
func BadRequest(cause error, message string) *Error {
	return &Error{
		Category: CategoryBadRequest,
		Status:   http.StatusBadRequest,
		Message:  message,
		Err:      cause,
	}
}

// Unauthorized builds a 401 error.
func Unauthorized(message string) *Error {
	return &Error{
		Category: CategoryUnauthorized,
		Status:   http.StatusUnauthorized,
		Message:  message,
	}
}

// Internal builds a 500 error wrapping cause.
func Internal(cause error) *Error {
	return &Error{
		Category: CategoryInternal,
		Status:   http.StatusInternalServerError,
		Message:  "An unexpected error occurred",
		Err:      cause,
	}
}

// AsError converts any error into an *Error, treating unknown errors as
// internal failures.
func AsError(err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return Internal(err)
}

// WriteError writes err as a JSON failure envelope.
func WriteError(w http.ResponseWriter, err error) {
	gwErr := AsError(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(gwErr.Status)
	json.NewEncoder(w).Encode(gwErr) //nolint:errcheck
}
