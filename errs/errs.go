// Package errs provides the structured error types shared across the
// execution core. Every failure that crosses a package boundary is carried
// as an *E so callers can classify it without string matching.
package errs

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a failure category in the execution core's taxonomy.
type Code string

const (
	// CodeValidation indicates bad caller input. Fatal to the call, never retried.
	CodeValidation Code = "validation"
	// CodeSigning indicates a signing or key-management failure. Fatal,
	// surfaced immediately; points at a programming or configuration bug.
	CodeSigning Code = "signing"
	// CodeNetwork indicates a transport-level failure (timeout, reset, DNS).
	CodeNetwork Code = "network"
	// CodeVenueRejected indicates a business rejection from the venue
	// (insufficient margin, minimum order value, bad order id).
	CodeVenueRejected Code = "venue_rejected"
	// CodeCircuitOpen indicates the call was short-circuited by a tripped
	// breaker without touching the network.
	CodeCircuitOpen Code = "circuit_open"
	// CodeStreamDisconnected indicates the streaming connection is down.
	CodeStreamDisconnected Code = "stream_disconnected"
	// CodeRateLimited indicates the venue throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates an authentication or authorization failure.
	CodeAuth Code = "auth"
	// CodeNotFound indicates a missing resource (unknown symbol, order id).
	CodeNotFound Code = "not_found"
	// CodeCancelled indicates the caller cancelled the operation.
	CodeCancelled Code = "cancelled"
)

// E captures structured failure information produced across the execution core.
type E struct {
	Venue    string
	Code     Code
	HTTP     int
	RawBody  string
	Message  string
	Attempts int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and failure code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{Venue: strings.TrimSpace(venue), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRawBody captures the raw venue response body.
func WithRawBody(body string) Option {
	return func(e *E) { e.RawBody = strings.TrimSpace(body) }
}

// WithAttempts records how many attempts were made before giving up.
func WithAttempts(n int) Option {
	return func(e *E) { e.Attempts = n }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := e.Venue
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Attempts > 0 {
		parts = append(parts, "attempts="+strconv.Itoa(e.Attempts))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawBody != "" {
		parts = append(parts, "raw="+strconv.Quote(e.RawBody))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is safe to retry for an idempotent call.
// Non-retryable classification always wins: anything that is not a known
// transient failure is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeSigning, CodeVenueRejected, CodeAuth,
		CodeNotFound, CodeCircuitOpen, CodeCancelled:
		return false
	case CodeNetwork, CodeRateLimited, CodeStreamDisconnected:
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FromTransport classifies a transport error raised by the HTTP client.
func FromTransport(venue string, err error) *E {
	if errors.Is(err, context.Canceled) {
		return New(venue, CodeCancelled, WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(venue, CodeNetwork, WithMessage("request timed out"), WithCause(err))
	}
	return New(venue, CodeNetwork, WithCause(err))
}

// FromStatus classifies a non-2xx HTTP response from the venue.
func FromStatus(venue string, status int, body string) *E {
	code := CodeVenueRejected
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuth
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status >= http.StatusInternalServerError:
		code = CodeNetwork
	}
	return New(venue, code, WithHTTP(status), WithRawBody(body))
}
