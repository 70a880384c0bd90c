package stream

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Channel names pushed by the venue's websocket.
const (
	ChannelAllMids      = "allMids"
	ChannelL2Book       = "l2Book"
	ChannelTrades       = "trades"
	ChannelCandle       = "candle"
	ChannelBBO          = "bbo"
	ChannelOrderUpdates = "orderUpdates"
	ChannelUserEvents   = "userEvents"
	ChannelUserFills    = "userFills"
	ChannelNotification = "notification"
	ChannelUser         = "user"

	channelPong         = "pong"
	channelSubscription = "subscriptionResponse"
	channelError        = "error"
)

// Subscription describes one venue channel subscription. The zero subject
// fields are omitted from the wire payload; the venue keys user channels on
// the account address and market channels on the coin.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	User     string `json:"user,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// Key identifies the subscription for routing: channel plus subject.
func (s Subscription) Key() string {
	subject := s.Coin
	if subject == "" {
		subject = strings.ToLower(s.User)
	}
	if s.Interval != "" {
		subject += ":" + s.Interval
	}
	return s.Type + "/" + subject
}

type wsRequest struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// frameSubject extracts the routing subject from a venue data payload.
type frameSubject struct {
	Coin string `json:"coin"`
	User string `json:"user"`
}

// Event is one demultiplexed venue message.
type Event struct {
	Channel    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// DeliveryPolicy chooses the back-pressure behavior for one subscriber.
type DeliveryPolicy int

const (
	// DropOldest discards the oldest buffered event when the subscriber's
	// queue is full. Appropriate for market data, where a stale tick has
	// no value once a fresher one exists.
	DropOldest DeliveryPolicy = iota
	// Block waits for buffer space (or context cancellation). Appropriate
	// for account and order events, which must not be silently lost.
	Block
)

// ConnState is the connection lifecycle position.
type ConnState int32

const (
	// StateConnecting covers the initial dial.
	StateConnecting ConnState = iota
	// StateOpen means the socket is live and subscriptions are replayed.
	StateOpen
	// StateReconnecting covers backoff between reconnect attempts.
	StateReconnecting
	// StateClosed is terminal: either a manual close or an exhausted
	// reconnect budget.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange notifies subscribers of a connection transition. Terminal is
// set when the connection will make no further attempts, so a caller idle
// on the stream still learns that connectivity is gone for good.
type StateChange struct {
	From     ConnState
	To       ConnState
	Err      error
	Terminal bool
	At       time.Time
}
