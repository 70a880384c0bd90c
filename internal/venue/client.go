// Package venue implements the execution client for the exchange: read-only
// queries through the info endpoint and signed mutations through the
// exchange endpoint, both guarded by circuit breakers and bounded retries.
package venue

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Jboner-Corvus/hypergate/config"
	"github.com/Jboner-Corvus/hypergate/errs"
	"github.com/Jboner-Corvus/hypergate/internal/action"
	"github.com/Jboner-Corvus/hypergate/internal/asset"
	"github.com/Jboner-Corvus/hypergate/internal/resilience"
	"github.com/Jboner-Corvus/hypergate/internal/signing"
	"github.com/Jboner-Corvus/hypergate/internal/telemetry"
)

// Signature chain ids stamped into user-signed actions: the Arbitrum chain
// the bridge settles on for each network.
const (
	mainnetSignatureChainID = "0xa4b1"
	testnetSignatureChainID = "0x66eee"
)

// Client is the façade over the venue: one instance owns the signer, the
// asset registry, the transport, and the resilience wrappers around both
// endpoint classes. Safe for concurrent use.
type Client struct {
	cfg       config.Settings
	transport *Transport
	signer    *signing.Signer
	logger    *log.Logger
	metrics   *clientMetrics

	// Info and exchange endpoints fail independently (read replicas vs the
	// matching engine path), so each gets its own breaker.
	infoBreaker     *resilience.Breaker
	exchangeBreaker *resilience.Breaker
	retryer         *resilience.Retryer

	regMu    sync.RWMutex
	registry *asset.Registry
}

// NewClient wires a client from settings. Call Bootstrap before submitting
// orders so the asset registry is populated.
func NewClient(cfg config.Settings, tel *telemetry.Provider) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	signer, err := signing.NewSigner(cfg.Credentials.PrivateKeyHex, cfg.Credentials.AccountAddress, cfg.IsMainnet())
	if err != nil {
		return nil, err
	}

	logger := log.New(log.Writer(), "[venue] ", log.LstdFlags|log.Lmsgprefix)

	c := &Client{
		cfg:       cfg,
		transport: NewTransport(cfg.Venue.APIURL, cfg.Venue.HTTPTimeout, cfg.Venue.RequestsPerSecond),
		signer:    signer,
		logger:    logger,
	}
	onState := func(name string, from, to resilience.State) {
		logger.Printf("breaker %s: %s -> %s", name, from, to)
		if to == resilience.StateOpen {
			c.metrics.breakerTripped(name)
		}
	}
	c.infoBreaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "info",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MonitorWindow:    cfg.Breaker.MonitorWindow,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange:    onState,
	})
	c.exchangeBreaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "exchange",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MonitorWindow:    cfg.Breaker.MonitorWindow,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange:    onState,
	})
	c.retryer = resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}, resilience.WithAttemptObserver(func(a resilience.Attempt) {
		if a.Err != nil && a.Delay > 0 {
			c.metrics.retryScheduled()
		}
	}))

	if tel != nil {
		m, err := newClientMetrics(tel.Meter("hypergate/venue"), string(cfg.Venue.Network))
		if err != nil {
			return nil, fmt.Errorf("init venue metrics: %w", err)
		}
		c.metrics = m
	}
	return c, nil
}

// Address returns the account address orders are signed for.
func (c *Client) Address() string { return c.signer.Address() }

// Bootstrap fetches perp and spot metadata and builds the asset registry.
// It can be called again at runtime to pick up newly listed markets.
func (c *Client) Bootstrap(ctx context.Context) error {
	var meta asset.Meta
	if err := c.query(ctx, "meta", metaQuery{Type: "meta"}, &meta); err != nil {
		return err
	}
	var spot asset.SpotMeta
	if err := c.query(ctx, "spotMeta", metaQuery{Type: "spotMeta"}, &spot); err != nil {
		return err
	}

	reg, err := asset.NewRegistry(meta, &spot, nil)
	if err != nil {
		return err
	}

	c.regMu.Lock()
	c.registry = reg
	c.regMu.Unlock()
	c.logger.Printf("registry loaded: %d markets", reg.Len())
	return nil
}

// Registry returns the current asset registry, or an error before Bootstrap.
func (c *Client) Registry() (*asset.Registry, error) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	if c.registry == nil {
		return nil, errs.New(venueName, errs.CodeValidation,
			errs.WithMessage("asset registry not loaded; call Bootstrap first"))
	}
	return c.registry, nil
}

func (c *Client) assetID(symbol string) (uint32, error) {
	reg, err := c.Registry()
	if err != nil {
		return 0, err
	}
	return reg.AssetID(symbol)
}

// query runs one info request through the info breaker and the retryer.
func (c *Client) query(ctx context.Context, endpoint string, q any, out any) error {
	start := time.Now()
	err := c.infoBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.retryer.Execute(ctx, func(ctx context.Context) error {
			return c.transport.PostInfo(ctx, q, out)
		})
	})
	c.metrics.observe(ctx, "info."+endpoint, time.Since(start), err)
	return err
}

// submit signs the action once and resubmits the identical envelope on each
// retry attempt: the nonce makes the request idempotent at the venue, so an
// ambiguous first attempt (timeout after the venue processed it) cannot
// double-execute.
func (c *Client) submit(ctx context.Context, endpoint string, a action.Action) (*ExchangeResponse, error) {
	env, err := c.signer.Sign(a)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := resilience.Do(ctx, c.exchangeBreaker, func(ctx context.Context) (*ExchangeResponse, error) {
		return resilience.RetryDo(ctx, c.retryer, func(ctx context.Context) (*ExchangeResponse, error) {
			return c.transport.PostExchange(ctx, &env)
		})
	})
	c.metrics.observe(ctx, "exchange."+endpoint, time.Since(start), err)
	return resp, err
}

// AllMids returns the current mid price of every market.
func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if err := c.query(ctx, "allMids", allMidsQuery{Type: "allMids"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// L2Book returns the current depth snapshot for one market.
func (c *Client) L2Book(ctx context.Context, symbol string) (*L2Book, error) {
	var book L2Book
	if err := c.query(ctx, "l2Book", l2BookQuery{Type: "l2Book", Coin: symbol}, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// Candles returns OHLCV bars for the window [start, end].
func (c *Client) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	q := candleQuery{
		Type: "candleSnapshot",
		Req: candleWindow{
			Coin:      symbol,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}
	var candles []Candle
	if err := c.query(ctx, "candleSnapshot", q, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// OpenOrders returns the account's resting orders.
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var orders []OpenOrder
	if err := c.query(ctx, "openOrders", userQuery{Type: "openOrders", User: c.signer.Address()}, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// UserFills returns the account's recent executions.
func (c *Client) UserFills(ctx context.Context) ([]Fill, error) {
	var fills []Fill
	if err := c.query(ctx, "userFills", userQuery{Type: "userFills", User: c.signer.Address()}, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// UserFillsSince returns executions in the window [start, end]. A zero end
// leaves the window open on the right.
func (c *Client) UserFillsSince(ctx context.Context, start, end time.Time) ([]Fill, error) {
	q := userTimeQuery{
		Type:      "userFillsByTime",
		User:      c.signer.Address(),
		StartTime: start.UnixMilli(),
	}
	if !end.IsZero() {
		q.EndTime = end.UnixMilli()
	}
	var fills []Fill
	if err := c.query(ctx, "userFillsByTime", q, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// UserState returns the full clearinghouse snapshot for the account.
func (c *Client) UserState(ctx context.Context) (*UserState, error) {
	var state UserState
	if err := c.query(ctx, "clearinghouseState", userQuery{Type: "clearinghouseState", User: c.signer.Address()}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Positions returns the account's open positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	state, err := c.UserState(ctx)
	if err != nil {
		return nil, err
	}
	return state.Positions(), nil
}

// AccountValue returns the account's total equity.
func (c *Client) AccountValue(ctx context.Context) (decimal.Decimal, error) {
	state, err := c.UserState(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return state.MarginSummary.AccountValue, nil
}

// MarginUsed returns the account's total margin in use.
func (c *Client) MarginUsed(ctx context.Context) (decimal.Decimal, error) {
	state, err := c.UserState(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return state.MarginSummary.TotalMarginUsed, nil
}

// OrderRequest is one order as the caller expresses it: symbol-keyed, with
// exact decimal price and size.
type OrderRequest struct {
	Symbol     string
	IsBuy      bool
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	Tif        action.TimeInForce
	// Cloid optionally pins the client order id. When empty a random one
	// is generated so the placement is idempotent under retries.
	Cloid string
}

// NewCloid generates a random 128-bit client order id in the venue's
// 0x-prefixed hex format.
func NewCloid() string {
	u := uuid.New()
	return "0x" + hex.EncodeToString(u[:])
}

func (c *Client) intent(req OrderRequest) (action.OrderIntent, error) {
	id, err := c.assetID(req.Symbol)
	if err != nil {
		return action.OrderIntent{}, err
	}
	cloid := req.Cloid
	if cloid == "" {
		cloid = NewCloid()
	}
	tif := req.Tif
	if tif == "" {
		tif = action.TifGtc
	}
	return action.OrderIntent{
		AssetID:    id,
		IsBuy:      req.IsBuy,
		Price:      req.Price,
		Size:       req.Size,
		ReduceOnly: req.ReduceOnly,
		Tif:        tif,
		Cloid:      cloid,
	}, nil
}

// PlaceOrder submits one limit order and reports its disposition.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderOutcome, error) {
	intent, err := c.intent(req)
	if err != nil {
		return nil, err
	}
	act, err := action.NewOrder(intent)
	if err != nil {
		return nil, err
	}

	resp, err := c.submit(ctx, "order", act)
	if err != nil {
		return nil, err
	}
	outcome, err := firstOutcome(resp)
	if err != nil {
		return nil, err
	}
	if outcome.Cloid == "" {
		outcome.Cloid = intent.Cloid
	}
	switch {
	case outcome.Filled:
		c.metrics.orderSubmitted(ctx, "filled")
	case outcome.Resting:
		c.metrics.orderSubmitted(ctx, "resting")
	}
	return outcome, nil
}

// ModifyOrder atomically replaces a resting order's price, size, or flags.
func (c *Client) ModifyOrder(ctx context.Context, oid int64, req OrderRequest) (*OrderOutcome, error) {
	intent, err := c.intent(req)
	if err != nil {
		return nil, err
	}
	act, err := action.NewModify(oid, intent)
	if err != nil {
		return nil, err
	}

	resp, err := c.submit(ctx, "modify", act)
	if err != nil {
		return nil, err
	}
	return firstOutcome(resp)
}

// CancelOrder cancels one resting order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, oid int64) error {
	id, err := c.assetID(symbol)
	if err != nil {
		return err
	}
	act, err := action.NewCancel(id, oid)
	if err != nil {
		return err
	}

	resp, err := c.submit(ctx, "cancel", act)
	if err != nil {
		return err
	}
	_, err = firstOutcome(resp)
	return err
}

// SetLeverage updates the leverage for one market. The bound is the lower
// of the configured maximum and the market's own cap.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, isCross bool) error {
	reg, err := c.Registry()
	if err != nil {
		return err
	}
	id, err := reg.AssetID(symbol)
	if err != nil {
		return err
	}
	maxLev := reg.MaxLeverage(symbol)
	if maxLev <= 0 || maxLev > c.cfg.Venue.MaxLeverage {
		maxLev = c.cfg.Venue.MaxLeverage
	}
	act, err := action.NewSetLeverage(id, leverage, maxLev, isCross)
	if err != nil {
		return err
	}

	_, err = c.submit(ctx, "updateLeverage", act)
	return err
}

func (c *Client) chainName() string {
	if c.cfg.IsMainnet() {
		return "Mainnet"
	}
	return "Testnet"
}

func (c *Client) signatureChainID() string {
	if c.cfg.IsMainnet() {
		return mainnetSignatureChainID
	}
	return testnetSignatureChainID
}

// UsdTransfer sends USDC to another venue account.
func (c *Client) UsdTransfer(ctx context.Context, destination string, amount decimal.Decimal) error {
	act, err := action.NewUsdSend(destination, amount, c.chainName(), c.signatureChainID())
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, "usdSend", act)
	return err
}

// Withdraw moves USDC from the venue back to the destination L1 address.
func (c *Client) Withdraw(ctx context.Context, destination string, amount decimal.Decimal) error {
	act, err := action.NewWithdraw(destination, amount, c.chainName(), c.signatureChainID())
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, "withdraw3", act)
	return err
}

// firstOutcome extracts the disposition of a single-order action, turning a
// per-order error status into a venue rejection.
func firstOutcome(resp *ExchangeResponse) (*OrderOutcome, error) {
	if resp.Response.Data == nil || len(resp.Response.Data.Statuses) == 0 {
		return &OrderOutcome{}, nil
	}
	st := resp.Response.Data.Statuses[0]
	if st.Error != "" {
		return nil, errs.New(venueName, errs.CodeVenueRejected, errs.WithMessage(st.Error))
	}
	out := &OrderOutcome{}
	switch {
	case st.Filled != nil:
		out.Filled = true
		out.Oid = st.Filled.Oid
		out.Cloid = st.Filled.Cloid
		out.AvgPx = st.Filled.AvgPx
		out.TotalSz = st.Filled.TotalSz
	case st.Resting != nil:
		out.Resting = true
		out.Oid = st.Resting.Oid
		out.Cloid = st.Resting.Cloid
	}
	return out, nil
}
