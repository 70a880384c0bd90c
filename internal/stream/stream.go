// Package stream maintains a resilient websocket connection to the venue:
// automatic reconnection with bounded, jittered backoff, heartbeat liveness
// probing, ordered subscription replay, and demultiplexed delivery to
// per-subscription consumer channels.
package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"

	"github.com/Jboner-Corvus/hypergate/errs"
)

const (
	venueName = "hyperliquid"

	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatMargin   = 5 * time.Second
	defaultMaxReconnects     = 10
	defaultMaxBackoff        = 30 * time.Second
	defaultSteadyOpenPeriod  = 60 * time.Second
	defaultSubscriberBuffer  = 256

	initialReconnectDelay = time.Second
	reconnectJitter       = 0.1
	writeTimeout          = 5 * time.Second
	readLimit             = 1 << 22
)

// Config tunes one Conn. Zero fields take the defaults above.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatMargin   time.Duration
	MaxReconnects     int
	MaxBackoff        time.Duration
	SteadyOpenPeriod  time.Duration
	SubscriberBuffer  int
	// DialTimeout bounds how long Dial waits for the first successful
	// connection. Zero derives it from the full reconnect budget so Dial
	// never gives up while reconnect attempts remain.
	DialTimeout time.Duration
	Logger      *log.Logger
	// Meter enables connection health instruments when set.
	Meter metric.Meter
}

func (c *Config) fillDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatMargin <= 0 || c.HeartbeatMargin >= c.HeartbeatInterval {
		c.HeartbeatMargin = defaultHeartbeatMargin
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.SteadyOpenPeriod <= 0 {
		c.SteadyOpenPeriod = defaultSteadyOpenPeriod
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = c.reconnectWindow()
	}
	if c.Logger == nil {
		c.Logger = log.New(log.Writer(), "[stream] ", log.LstdFlags|log.Lmsgprefix)
	}
}

// reconnectWindow bounds the time the whole reconnect budget can consume:
// every backoff delay at its jittered maximum plus a write allowance per
// dial attempt.
func (c *Config) reconnectWindow() time.Duration {
	window := time.Duration(0)
	delay := initialReconnectDelay
	for i := 0; i < c.MaxReconnects; i++ {
		window += delay + delay/10 + writeTimeout
		delay *= 2
		if delay > c.MaxBackoff {
			delay = c.MaxBackoff
		}
	}
	return window
}

type subscriber struct {
	sub     Subscription
	policy  DeliveryPolicy
	events  chan Event
	metrics *connMetrics

	// done is closed on removal so parked deliveries abort before the
	// events channel is closed. gate keeps retire from closing events
	// while a delivery is still inside a send.
	done      chan struct{}
	closeOnce sync.Once
	gate      sync.RWMutex
}

func newSubscriber(sub Subscription, policy DeliveryPolicy, buffer int, metrics *connMetrics) *subscriber {
	return &subscriber{
		sub:     sub,
		policy:  policy,
		events:  make(chan Event, buffer),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// deliver hands one event to the subscriber according to its policy.
func (s *subscriber) deliver(ctx context.Context, ev Event) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}

	switch s.policy {
	case Block:
		select {
		case s.events <- ev:
		case <-ctx.Done():
		case <-s.done:
		}
	default: // DropOldest
		for {
			select {
			case s.events <- ev:
				return
			case <-s.done:
				return
			default:
			}
			select {
			case <-s.events:
				s.metrics.eventDropped(ev.Channel)
			default:
			}
		}
	}
}

// retire aborts in-flight deliveries, waits for them to drain, and only then
// closes the consumer channel. Safe to call more than once.
func (s *subscriber) retire() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.gate.Lock()
		close(s.events)
		s.gate.Unlock()
	})
}

// Conn is a self-healing websocket connection. Subscriptions registered on
// it survive reconnects: after every successful dial they are replayed to
// the venue in registration order before the connection reports Open.
type Conn struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	ws     *websocket.Conn
	connMu sync.RWMutex

	subsMu      sync.Mutex
	subs        []*subscriber // registration order, replayed on reconnect
	subsByKey   map[string][]*subscriber
	stateSubs   []chan StateChange
	state       ConnState
	lastInbound time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closing   bool

	metrics *connMetrics
}

// Dial opens the connection and blocks until the first successful dial (or
// failure of the whole reconnect budget, context cancellation, or timeout).
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.fillDefaults()
	if cfg.URL == "" {
		return nil, errs.New(venueName, errs.CodeValidation, errs.WithMessage("stream: empty websocket URL"))
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		cfg:       cfg,
		ctx:       connCtx,
		cancel:    cancel,
		subsByKey: make(map[string][]*subscriber),
		state:     StateConnecting,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.Meter != nil {
		m, err := newConnMetrics(cfg.Meter)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("init stream metrics: %w", err)
		}
		c.metrics = m
	}

	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, errs.New(venueName, errs.CodeStreamDisconnected,
			errs.WithMessage("stream: connection closed before becoming ready"))
	case <-time.After(cfg.DialTimeout):
		c.Close()
		return nil, errs.New(venueName, errs.CodeStreamDisconnected,
			errs.WithMessage("stream: timeout waiting for websocket connection"))
	case <-connCtx.Done():
		return nil, errs.New(venueName, errs.CodeCancelled, errs.WithCause(connCtx.Err()))
	}
}

// Subscribe registers interest in one venue channel and returns the consumer
// channel. The subscription is sent immediately when the socket is open and
// replayed automatically after every reconnect.
func (c *Conn) Subscribe(ctx context.Context, sub Subscription, policy DeliveryPolicy) (<-chan Event, error) {
	if sub.Type == "" {
		return nil, errs.New(venueName, errs.CodeValidation, errs.WithMessage("stream: subscription type required"))
	}

	s := newSubscriber(sub, policy, c.cfg.SubscriberBuffer, c.metrics)

	c.subsMu.Lock()
	if c.state == StateClosed {
		c.subsMu.Unlock()
		return nil, errs.New(venueName, errs.CodeStreamDisconnected, errs.WithMessage("stream: connection closed"))
	}
	key := sub.Key()
	c.subs = append(c.subs, s)
	c.subsByKey[key] = append(c.subsByKey[key], s)
	open := c.state == StateOpen
	c.subsMu.Unlock()

	if open {
		if err := c.writeRequest(ctx, wsRequest{Method: "subscribe", Subscription: &sub}); err != nil {
			// The socket will replay the subscription after reconnecting;
			// the registration itself stands.
			c.cfg.Logger.Printf("subscribe %s: %v", key, err)
		}
	}
	return s.events, nil
}

// Unsubscribe removes a subscription and closes its consumer channel.
func (c *Conn) Unsubscribe(ctx context.Context, sub Subscription) error {
	key := sub.Key()

	c.subsMu.Lock()
	removed := c.subsByKey[key]
	delete(c.subsByKey, key)
	if len(removed) > 0 {
		kept := c.subs[:0]
		for _, s := range c.subs {
			if s.sub.Key() != key {
				kept = append(kept, s)
			}
		}
		c.subs = kept
	}
	open := c.state == StateOpen
	c.subsMu.Unlock()

	for _, s := range removed {
		s.retire()
	}
	if len(removed) == 0 {
		return nil
	}
	if open {
		return c.writeRequest(ctx, wsRequest{Method: "unsubscribe", Subscription: &sub})
	}
	return nil
}

// StateChanges returns a channel carrying every connection transition,
// including the terminal one. Events are delivered with a bounded buffer
// and dropped only if the listener never drains them.
func (c *Conn) StateChanges() <-chan StateChange {
	ch := make(chan StateChange, 16)
	c.subsMu.Lock()
	if c.state == StateClosed {
		c.subsMu.Unlock()
		close(ch)
		return ch
	}
	c.stateSubs = append(c.stateSubs, ch)
	c.subsMu.Unlock()
	return ch
}

// State reports the current connection state.
func (c *Conn) State() ConnState {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.state
}

// Close shuts the connection down intentionally: no reconnect is attempted
// and all subscriber channels are closed.
func (c *Conn) Close() error {
	c.subsMu.Lock()
	if c.closing {
		c.subsMu.Unlock()
		return nil
	}
	c.closing = true
	c.subsMu.Unlock()

	c.cancel()
	c.connMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "shutdown")
		c.ws = nil
	}
	c.connMu.Unlock()

	<-c.done
	return nil
}

// run owns the connection lifecycle: dial, replay, read, reconnect.
func (c *Conn) run() {
	defer c.finish()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initialReconnectDelay,
		RandomizationFactor: reconnectJitter,
		Multiplier:          2,
		MaxInterval:         c.cfg.MaxBackoff,
	}
	bo.Reset()
	attempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		ws, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempts++
			c.metrics.reconnectAttempt()
			c.cfg.Logger.Printf("dial %s (attempt %d/%d): %v", c.cfg.URL, attempts, c.cfg.MaxReconnects, err)
			if attempts >= c.cfg.MaxReconnects {
				c.terminal(errs.FromTransport(venueName, fmt.Errorf("dial %s: %w", c.cfg.URL, err)))
				return
			}
			c.setState(StateReconnecting, err, false)
			if !c.backoffSleep(bo) {
				return
			}
			continue
		}
		ws.SetReadLimit(readLimit)

		c.connMu.Lock()
		c.ws = ws
		c.connMu.Unlock()
		c.touch()

		// Replay before announcing Open so consumers never observe an
		// open connection with missing subscriptions.
		if err := c.replaySubscriptions(); err != nil {
			c.cfg.Logger.Printf("resubscribe after reconnect: %v", err)
			_ = ws.Close(websocket.StatusInternalError, "resubscribe failed")
			c.clearConn()
			attempts++
			c.metrics.reconnectAttempt()
			if attempts >= c.cfg.MaxReconnects {
				c.terminal(err)
				return
			}
			if !c.backoffSleep(bo) {
				return
			}
			continue
		}

		c.setState(StateOpen, nil, false)
		c.readyOnce.Do(func() { close(c.ready) })
		openedAt := time.Now()

		hbCtx, hbCancel := context.WithCancel(c.ctx)
		go c.heartbeat(hbCtx, ws)

		readErr := c.readLoop(ws)
		hbCancel()
		c.clearConn()

		if c.ctx.Err() != nil {
			return
		}
		c.cfg.Logger.Printf("read loop ended: %v", readErr)

		// A connection that stayed up long enough proves the venue is
		// reachable again; the reconnect budget starts over.
		if time.Since(openedAt) >= c.cfg.SteadyOpenPeriod {
			attempts = 0
			bo.Reset()
		}
		attempts++
		c.metrics.reconnectAttempt()
		if attempts >= c.cfg.MaxReconnects {
			c.terminal(errs.New(venueName, errs.CodeStreamDisconnected,
				errs.WithMessage(fmt.Sprintf("stream: gave up after %d reconnect attempts", attempts)),
				errs.WithCause(readErr)))
			return
		}
		c.setState(StateReconnecting, readErr, false)
		if !c.backoffSleep(bo) {
			return
		}
	}
}

// finish marks the terminal Closed state and releases all subscribers.
func (c *Conn) finish() {
	c.subsMu.Lock()
	alreadyClosed := c.state == StateClosed
	manual := c.closing
	c.subsMu.Unlock()
	if !alreadyClosed {
		c.setState(StateClosed, nil, !manual)
	}

	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsByKey = make(map[string][]*subscriber)
	stateSubs := c.stateSubs
	c.stateSubs = nil
	c.subsMu.Unlock()

	for _, s := range subs {
		s.retire()
	}
	for _, ch := range stateSubs {
		close(ch)
	}
	close(c.done)
}

// terminal records an exhausted reconnect budget.
func (c *Conn) terminal(err error) {
	c.setState(StateClosed, err, true)
}

func (c *Conn) setState(to ConnState, err error, terminal bool) {
	c.subsMu.Lock()
	from := c.state
	c.state = to
	listeners := make([]chan StateChange, len(c.stateSubs))
	copy(listeners, c.stateSubs)
	c.subsMu.Unlock()

	if from == to && err == nil {
		return
	}
	change := StateChange{From: from, To: to, Err: err, Terminal: terminal, At: time.Now()}
	for _, ch := range listeners {
		select {
		case ch <- change:
		default:
			c.cfg.Logger.Printf("state change %s -> %s dropped: listener not draining", from, to)
		}
	}
}

func (c *Conn) clearConn() {
	c.connMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "reconnect")
		c.ws = nil
	}
	c.connMu.Unlock()
}

func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// backoffSleep waits for the next reconnect delay, capped at MaxBackoff.
func (c *Conn) backoffSleep(bo *backoff.ExponentialBackOff) bool {
	d := bo.NextBackOff()
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return c.sleep(d)
}

// replaySubscriptions re-sends every registered subscription in the order
// the callers registered them.
func (c *Conn) replaySubscriptions() error {
	c.subsMu.Lock()
	seen := make(map[string]struct{}, len(c.subs))
	replay := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		key := s.sub.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		replay = append(replay, s.sub)
	}
	c.subsMu.Unlock()

	for i := range replay {
		if err := c.writeRequest(c.ctx, wsRequest{Method: "subscribe", Subscription: &replay[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeRequest(ctx context.Context, req wsRequest) error {
	c.connMu.RLock()
	ws := c.ws
	c.connMu.RUnlock()
	if ws == nil {
		return errs.New(venueName, errs.CodeStreamDisconnected, errs.WithMessage("stream: websocket not connected"))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return errs.New(venueName, errs.CodeValidation,
			errs.WithMessage("stream: marshal request"), errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.FromTransport(venueName, fmt.Errorf("write %s request: %w", req.Method, err))
	}
	return nil
}

// heartbeat sends the venue ping on a fixed cadence and force-closes the
// socket when no inbound traffic arrives within the liveness deadline, so
// the read loop fails fast instead of hanging on a half-dead TCP session.
func (c *Conn) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(wsRequest{Method: "ping"})
	deadline := c.cfg.HeartbeatInterval - c.cfg.HeartbeatMargin

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sentAt := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := ws.Write(writeCtx, websocket.MessageText, ping)
		cancel()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(deadline):
		}
		if c.lastInboundAt().Before(sentAt) {
			c.cfg.Logger.Printf("heartbeat: no traffic for %s, closing connection", time.Since(c.lastInboundAt()).Round(time.Millisecond))
			c.metrics.heartbeatTimeout()
			_ = ws.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			return
		}
	}
}

func (c *Conn) touch() {
	c.subsMu.Lock()
	c.lastInbound = time.Now()
	c.subsMu.Unlock()
}

func (c *Conn) lastInboundAt() time.Time {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return c.lastInbound
}

// readLoop consumes frames until the socket fails or the context ends.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		c.touch()
		c.dispatch(data)
	}
}

// dispatch routes one raw frame to the subscribers interested in it.
func (c *Conn) dispatch(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.cfg.Logger.Printf("unparseable frame: %v", err)
		return
	}

	switch frame.Channel {
	case channelPong, channelSubscription:
		return
	case channelError:
		c.cfg.Logger.Printf("venue error frame: %s", frame.Data)
		return
	case "":
		return
	}

	var subject frameSubject
	_ = json.Unmarshal(frame.Data, &subject)

	targets := c.lookup(frame.Channel, subject)
	if len(targets) == 0 {
		return
	}

	ev := Event{Channel: frame.Channel, Data: frame.Data, ReceivedAt: time.Now()}
	if len(targets) == 1 {
		targets[0].deliver(c.ctx, ev)
		return
	}
	p := pool.New().WithMaxGoroutines(len(targets))
	for _, s := range targets {
		p.Go(func() { s.deliver(c.ctx, ev) })
	}
	p.Wait()
}

// lookup resolves subscribers by channel+subject, falling back to the bare
// channel key for frames that carry no subject of their own.
func (c *Conn) lookup(channel string, subject frameSubject) []*subscriber {
	keys := make([]string, 0, 3)
	if subject.Coin != "" {
		keys = append(keys, Subscription{Type: channel, Coin: subject.Coin}.Key())
	}
	if subject.User != "" {
		keys = append(keys, Subscription{Type: channel, User: subject.User}.Key())
	}
	keys = append(keys, Subscription{Type: channel}.Key())

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	var out []*subscriber
	for _, key := range keys {
		out = append(out, c.subsByKey[key]...)
	}
	return out
}
