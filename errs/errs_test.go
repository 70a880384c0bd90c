package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New("hyperliquid", CodeNetwork, WithMessage("boom"))
	if got := CodeOf(err); got != CodeNetwork {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeNetwork)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if got := CodeOf(wrapped); got != CodeNetwork {
		t.Fatalf("CodeOf(wrapped) = %q, want %q", got, CodeNetwork)
	}

	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeValidation, false},
		{CodeSigning, false},
		{CodeVenueRejected, false},
		{CodeAuth, false},
		{CodeNotFound, false},
		{CodeCircuitOpen, false},
		{CodeCancelled, false},
		{CodeNetwork, true},
		{CodeRateLimited, true},
		{CodeStreamDisconnected, true},
	}
	for _, tc := range cases {
		err := New("hyperliquid", tc.code)
		if got := IsRetryable(err); got != tc.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableContextErrors(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Fatalf("IsRetryable(context.Canceled) = true, want false")
	}
	if IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("IsRetryable(deadline exceeded) = true, want false")
	}
	if IsRetryable(nil) {
		t.Fatalf("IsRetryable(nil) = true, want false")
	}
	if IsRetryable(errors.New("unclassified")) {
		t.Fatalf("IsRetryable(unclassified) = true, want false")
	}
}

func TestNonRetryableWinsOverCause(t *testing.T) {
	// A validation error wrapping a transient cause stays terminal.
	cause := New("hyperliquid", CodeNetwork)
	err := New("hyperliquid", CodeValidation, WithCause(cause))
	if IsRetryable(err) {
		t.Fatalf("IsRetryable() = true for validation wrapping network, want false")
	}
}

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Code
	}{
		{http.StatusTooManyRequests, CodeRateLimited},
		{http.StatusUnauthorized, CodeAuth},
		{http.StatusForbidden, CodeAuth},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusInternalServerError, CodeNetwork},
		{http.StatusBadGateway, CodeNetwork},
		{http.StatusBadRequest, CodeVenueRejected},
		{http.StatusUnprocessableEntity, CodeVenueRejected},
	}
	for _, tc := range cases {
		err := FromStatus("hyperliquid", tc.status, "body")
		if err.Code != tc.want {
			t.Errorf("FromStatus(%d).Code = %q, want %q", tc.status, err.Code, tc.want)
		}
		if err.HTTP != tc.status {
			t.Errorf("FromStatus(%d).HTTP = %d", tc.status, err.HTTP)
		}
	}
}

func TestFromTransportCancellation(t *testing.T) {
	err := FromTransport("hyperliquid", fmt.Errorf("do: %w", context.Canceled))
	if err.Code != CodeCancelled {
		t.Fatalf("FromTransport(canceled).Code = %q, want %q", err.Code, CodeCancelled)
	}
}

func TestErrorRendering(t *testing.T) {
	err := New("hyperliquid", CodeVenueRejected,
		WithHTTP(422), WithMessage("order rejected"), WithRawBody(`{"status":"err"}`),
		WithAttempts(3), WithCause(errors.New("inner")))

	msg := err.Error()
	for _, want := range []string{"venue=hyperliquid", "code=venue_rejected", "http=422", "attempts=3", "order rejected", "inner"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := New("hyperliquid", CodeNetwork, WithCause(inner))
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, want true")
	}
}
