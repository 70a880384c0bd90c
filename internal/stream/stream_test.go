package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// wsHandler serves one websocket connection. connIndex counts accepted
// connections starting at 1.
type wsHandler func(ctx context.Context, conn *websocket.Conn, connIndex int)

func newWSServer(t *testing.T, handler wsHandler) (url string, connCount *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		idx := int(count.Add(1))
		handler(r.Context(), conn, idx)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

func readRequest(ctx context.Context, t *testing.T, conn *websocket.Conn) wsRequest {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return wsRequest{}
	}
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Errorf("server unmarshal: %v", err)
	}
	return req
}

func writeFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, channel string, data string) {
	t.Helper()
	frame := `{"channel":"` + channel + `","data":` + data + `}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: time.Minute,
		HeartbeatMargin:   time.Second,
		MaxReconnects:     10,
		MaxBackoff:        50 * time.Millisecond,
		SteadyOpenPeriod:  time.Minute,
		SubscriberBuffer:  16,
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, _ := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		req := readRequest(ctx, t, conn)
		if req.Method != "subscribe" || req.Subscription == nil || req.Subscription.Type != ChannelL2Book {
			t.Errorf("server got request %+v, want l2Book subscribe", req)
		}
		writeFrame(ctx, t, conn, "subscriptionResponse", `{}`)
		writeFrame(ctx, t, conn, ChannelL2Book, `{"coin":"BTC","levels":[[],[]]}`)
		<-ctx.Done()
	})

	conn, err := Dial(ctx, testConfig(url))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	events, err := conn.Subscribe(ctx, Subscription{Type: ChannelL2Book, Coin: "BTC"}, DropOldest)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Channel != ChannelL2Book {
			t.Fatalf("event channel = %q, want %q", ev.Channel, ChannelL2Book)
		}
		var subject frameSubject
		if err := json.Unmarshal(ev.Data, &subject); err != nil || subject.Coin != "BTC" {
			t.Fatalf("event data = %s (err %v), want coin BTC", ev.Data, err)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for event")
	}
}

func TestReconnectReplaysSubscriptionsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	replayed := make(chan []string, 1)
	url, _ := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, idx int) {
		switch idx {
		case 1:
			// Accept both subscriptions then drop the connection abruptly.
			readRequest(ctx, t, conn)
			readRequest(ctx, t, conn)
			_ = conn.Close(websocket.StatusInternalError, "server restart")
		case 2:
			var order []string
			for i := 0; i < 2; i++ {
				req := readRequest(ctx, t, conn)
				if req.Subscription != nil {
					order = append(order, req.Subscription.Key())
				}
			}
			replayed <- order
			writeFrame(ctx, t, conn, ChannelTrades, `{"coin":"ETH"}`)
			<-ctx.Done()
		default:
			<-ctx.Done()
		}
	})

	conn, err := Dial(ctx, testConfig(url))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Subscribe(ctx, Subscription{Type: ChannelAllMids}, DropOldest); err != nil {
		t.Fatalf("Subscribe(allMids) error = %v", err)
	}
	trades, err := conn.Subscribe(ctx, Subscription{Type: ChannelTrades, Coin: "ETH"}, DropOldest)
	if err != nil {
		t.Fatalf("Subscribe(trades) error = %v", err)
	}

	select {
	case order := <-replayed:
		want := []string{
			Subscription{Type: ChannelAllMids}.Key(),
			Subscription{Type: ChannelTrades, Coin: "ETH"}.Key(),
		}
		if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
			t.Fatalf("replay order = %v, want %v", order, want)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for resubscribe")
	}

	// Events flow again on the replacement connection.
	select {
	case ev := <-trades:
		if ev.Channel != ChannelTrades {
			t.Fatalf("event channel = %q, want trades", ev.Channel)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for post-reconnect event")
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, connCount := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		<-ctx.Done()
	})

	conn, err := Dial(ctx, testConfig(url))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	events, err := conn.Subscribe(ctx, Subscription{Type: ChannelAllMids}, DropOldest)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if conn.State() != StateClosed {
		t.Fatalf("State() = %v after Close, want closed", conn.State())
	}

	// Subscriber channels are released on close.
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after Close")
		}
	case <-time.After(time.Second):
		t.Fatalf("event channel not closed after Close")
	}

	time.Sleep(150 * time.Millisecond)
	if got := connCount.Load(); got != 1 {
		t.Fatalf("connection count = %d after Close, want 1 (no auto-reconnect)", got)
	}

	// Closed connections refuse new subscriptions.
	if _, err := conn.Subscribe(ctx, Subscription{Type: ChannelTrades, Coin: "BTC"}, DropOldest); err == nil {
		t.Fatalf("Subscribe() after Close = nil error, want failure")
	}
}

func TestTerminalAfterReconnectBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url, _ := newWSServer(t, func(_ context.Context, conn *websocket.Conn, _ int) {
		// Every connection dies immediately.
		_ = conn.Close(websocket.StatusInternalError, "down")
	})

	cfg := testConfig(url)
	cfg.MaxReconnects = 3

	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	states := conn.StateChanges()

	deadline := time.After(8 * time.Second)
	for {
		select {
		case change, ok := <-states:
			if !ok {
				// The budget can be exhausted before the listener registers;
				// the terminal outcome still shows in the final state.
				if conn.State() != StateClosed {
					t.Fatalf("state channel closed but State() = %v, want closed", conn.State())
				}
				return
			}
			if change.Terminal {
				if change.To != StateClosed {
					t.Fatalf("terminal state = %v, want closed", change.To)
				}
				if conn.State() != StateClosed {
					t.Fatalf("State() = %v after terminal event, want closed", conn.State())
				}
				return
			}
		case <-deadline:
			t.Fatalf("no terminal event after reconnect budget")
		}
	}
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url, connCount := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		// Swallow pings without answering; the client must give up on the
		// connection and dial again.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatMargin = 30 * time.Millisecond

	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for connCount.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no reconnect after heartbeat timeout, connections = %d", connCount.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDeliverDropOldest(t *testing.T) {
	s := &subscriber{policy: DropOldest, events: make(chan Event, 1)}
	ctx := context.Background()

	for i, payload := range []string{`1`, `2`, `3`} {
		_ = i
		s.deliver(ctx, Event{Channel: ChannelAllMids, Data: json.RawMessage(payload)})
	}

	ev := <-s.events
	if string(ev.Data) != `3` {
		t.Fatalf("retained event = %s, want 3 (oldest dropped)", ev.Data)
	}
}

func TestDeliverBlockHonorsContext(t *testing.T) {
	s := &subscriber{policy: Block, events: make(chan Event, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	s.deliver(ctx, Event{Data: json.RawMessage(`1`)}) // fills the buffer

	done := make(chan struct{})
	go func() {
		s.deliver(ctx, Event{Data: json.RawMessage(`2`)})
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("blocking deliver returned with a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("blocking deliver did not honor cancellation")
	}
}

func TestDialTimeoutFollowsReconnectBudget(t *testing.T) {
	cfg := Config{URL: "wss://example.test/ws"}
	cfg.fillDefaults()

	if cfg.DialTimeout != cfg.reconnectWindow() {
		t.Fatalf("DialTimeout = %v, want derived window %v", cfg.DialTimeout, cfg.reconnectWindow())
	}
	// The derived window must outlast the whole budget, not just one delay:
	// with the defaults the backoff caps at MaxBackoff for most attempts.
	if cfg.DialTimeout < time.Duration(cfg.MaxReconnects/2)*cfg.MaxBackoff {
		t.Fatalf("DialTimeout = %v does not cover %d reconnects capped at %v",
			cfg.DialTimeout, cfg.MaxReconnects, cfg.MaxBackoff)
	}

	explicit := Config{URL: "wss://example.test/ws", DialTimeout: 3 * time.Second}
	explicit.fillDefaults()
	if explicit.DialTimeout != 3*time.Second {
		t.Fatalf("explicit DialTimeout = %v, want 3s", explicit.DialTimeout)
	}
}

func TestRetireReleasesBlockedDelivery(t *testing.T) {
	s := newSubscriber(Subscription{Type: ChannelUserFills}, Block, 1, nil)
	ctx := context.Background()

	s.deliver(ctx, Event{Data: json.RawMessage(`1`)}) // fills the buffer

	parked := make(chan struct{})
	go func() {
		s.deliver(ctx, Event{Data: json.RawMessage(`2`)})
		close(parked)
	}()

	select {
	case <-parked:
		t.Fatalf("blocking deliver returned with a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	s.retire()

	select {
	case <-parked:
	case <-time.After(time.Second):
		t.Fatalf("blocking deliver did not release on retire")
	}

	ev, ok := <-s.events
	if !ok || string(ev.Data) != `1` {
		t.Fatalf("buffered event = %q (ok=%v), want 1", ev.Data, ok)
	}
	if _, ok := <-s.events; ok {
		t.Fatalf("events channel still open after retire")
	}

	// Late deliveries after retirement are discarded, never a send on a
	// closed channel.
	s.deliver(ctx, Event{Data: json.RawMessage(`3`)})
	s.retire()
}

func TestUnsubscribeWhileDeliveryParked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, _ := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		_ = readRequest(ctx, t, conn)
		for i := 0; i < 4; i++ {
			writeFrame(ctx, t, conn, ChannelUserFills, `{"user":"0xabc","fills":[]}`)
		}
		<-ctx.Done()
	})

	cfg := testConfig(url)
	cfg.SubscriberBuffer = 1
	conn, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sub := Subscription{Type: ChannelUserFills, User: "0xabc"}
	events, err := conn.Subscribe(ctx, sub, Block)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Let the dispatcher fill the one-slot buffer and park on the next send,
	// then remove the subscription out from under it.
	time.Sleep(100 * time.Millisecond)
	if err := conn.Unsubscribe(ctx, sub); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel not closed after Unsubscribe")
		}
	}
}

func TestSubscriptionKey(t *testing.T) {
	cases := []struct {
		sub  Subscription
		want string
	}{
		{Subscription{Type: ChannelAllMids}, "allMids/"},
		{Subscription{Type: ChannelL2Book, Coin: "BTC"}, "l2Book/BTC"},
		{Subscription{Type: ChannelUserFills, User: "0xABCD"}, "userFills/0xabcd"},
		{Subscription{Type: ChannelCandle, Coin: "ETH", Interval: "1m"}, "candle/ETH:1m"},
	}
	for _, tc := range cases {
		if got := tc.sub.Key(); got != tc.want {
			t.Errorf("Key(%+v) = %q, want %q", tc.sub, got, tc.want)
		}
	}
}
