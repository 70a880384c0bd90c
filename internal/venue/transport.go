package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/Jboner-Corvus/hypergate/errs"
	"github.com/Jboner-Corvus/hypergate/internal/signing"
)

const (
	venueName = "hyperliquid"

	infoPath     = "/info"
	exchangePath = "/exchange"

	maxResponseBody = 1 << 24
)

// Transport posts JSON requests to the venue's REST endpoints. It paces all
// outbound requests through a shared rate limiter and normalizes transport
// and HTTP-status failures into the error envelope the resilience layer
// classifies on.
type Transport struct {
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewTransport builds a transport for the given API base URL. rps bounds the
// aggregate request rate across info and exchange endpoints.
func NewTransport(apiURL string, timeout time.Duration, rps float64) *Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 10
	}
	return &Transport{
		apiURL:  apiURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// PostInfo sends a read-only query to the info endpoint and decodes the
// response into out.
func (t *Transport) PostInfo(ctx context.Context, query any, out any) error {
	return t.post(ctx, infoPath, query, out)
}

// PostExchange submits a signed action envelope to the exchange endpoint.
// A venue-level "err" status is returned as a venue_rejected error so the
// caller's retry and breaker logic treat it as a business outcome rather
// than an outage.
func (t *Transport) PostExchange(ctx context.Context, env *signing.Envelope) (*ExchangeResponse, error) {
	var resp ExchangeResponse
	if err := t.post(ctx, exchangePath, env, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, errs.New(venueName, errs.CodeVenueRejected,
			errs.WithMessage(resp.rejectionMessage()),
			errs.WithRawBody(string(resp.raw)))
	}
	return &resp, nil
}

func (t *Transport) post(ctx context.Context, path string, body any, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return errs.New(venueName, errs.CodeCancelled, errs.WithCause(err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(venueName, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("marshal %s request", path)), errs.WithCause(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.New(venueName, errs.CodeValidation, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errs.FromTransport(venueName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errs.FromTransport(venueName, fmt.Errorf("read %s response: %w", path, err))
	}
	if resp.StatusCode != http.StatusOK {
		return errs.FromStatus(venueName, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("decode %s response", path)),
			errs.WithRawBody(string(raw)), errs.WithCause(err))
	}
	if keeper, ok := out.(rawKeeper); ok {
		keeper.keepRaw(raw)
	}
	return nil
}

// rawKeeper lets response types retain the raw body for diagnostics.
type rawKeeper interface{ keepRaw([]byte) }
