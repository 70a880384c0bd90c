package venue

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func unmarshalString(data []byte, out *string) error { return json.Unmarshal(data, out) }
func unmarshalObject(data []byte, out any) error     { return json.Unmarshal(data, out) }

// Info endpoint query payloads. The venue routes on the "type" field.

type allMidsQuery struct {
	Type string `json:"type"`
}

type l2BookQuery struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type candleQuery struct {
	Type string       `json:"type"`
	Req  candleWindow `json:"req"`
}

type candleWindow struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type userQuery struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type userTimeQuery struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type metaQuery struct {
	Type string `json:"type"`
}

// L2Level is one aggregated price level of the order book.
type L2Level struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
	N  int             `json:"n"`
}

// L2Book is a two-sided depth snapshot. Levels[0] are bids (best first),
// Levels[1] asks.
type L2Book struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]L2Level `json:"levels"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Coin      string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	Close     decimal.Decimal `json:"c"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Volume    decimal.Decimal `json:"v"`
	Trades    int             `json:"n"`
}

// OpenOrder is one resting order from the openOrders query.
type OpenOrder struct {
	Coin      string          `json:"coin"`
	Side      string          `json:"side"`
	LimitPx   decimal.Decimal `json:"limitPx"`
	Sz        decimal.Decimal `json:"sz"`
	Oid       int64           `json:"oid"`
	Timestamp int64           `json:"timestamp"`
	Cloid     string          `json:"cloid,omitempty"`
}

// Fill is one trade execution from the userFills query.
type Fill struct {
	Coin          string          `json:"coin"`
	Px            decimal.Decimal `json:"px"`
	Sz            decimal.Decimal `json:"sz"`
	Side          string          `json:"side"`
	Time          int64           `json:"time"`
	StartPosition decimal.Decimal `json:"startPosition"`
	Dir           string          `json:"dir"`
	ClosedPnl     decimal.Decimal `json:"closedPnl"`
	Hash          string          `json:"hash"`
	Oid           int64           `json:"oid"`
	Crossed       bool            `json:"crossed"`
	Fee           decimal.Decimal `json:"fee"`
}

// Leverage describes the margin mode and multiplier of one position.
type Leverage struct {
	Type  string `json:"type"` // "cross" or "isolated"
	Value int    `json:"value"`
}

// Position is one open perpetual position.
type Position struct {
	Coin           string           `json:"coin"`
	Szi            decimal.Decimal  `json:"szi"`
	EntryPx        *decimal.Decimal `json:"entryPx"`
	PositionValue  decimal.Decimal  `json:"positionValue"`
	UnrealizedPnl  decimal.Decimal  `json:"unrealizedPnl"`
	ReturnOnEquity decimal.Decimal  `json:"returnOnEquity"`
	Leverage       Leverage         `json:"leverage"`
	LiquidationPx  *decimal.Decimal `json:"liquidationPx"`
	MarginUsed     decimal.Decimal  `json:"marginUsed"`
	MaxLeverage    int              `json:"maxLeverage"`
}

type assetPosition struct {
	Type     string   `json:"type"`
	Position Position `json:"position"`
}

// MarginSummary aggregates account-level margin figures.
type MarginSummary struct {
	AccountValue    decimal.Decimal `json:"accountValue"`
	TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
	TotalRawUsd     decimal.Decimal `json:"totalRawUsd"`
	TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
}

// UserState is the clearinghouseState snapshot: positions plus margin.
type UserState struct {
	AssetPositions     []assetPosition `json:"assetPositions"`
	MarginSummary      MarginSummary   `json:"marginSummary"`
	CrossMarginSummary MarginSummary   `json:"crossMarginSummary"`
	Withdrawable       decimal.Decimal `json:"withdrawable"`
	Time               int64           `json:"time"`
}

// Positions flattens the asset position wrappers, skipping flat entries.
func (s *UserState) Positions() []Position {
	out := make([]Position, 0, len(s.AssetPositions))
	for _, ap := range s.AssetPositions {
		if ap.Position.Szi.IsZero() {
			continue
		}
		out = append(out, ap.Position)
	}
	return out
}

// ExchangeResponse is the envelope returned by the exchange endpoint.
type ExchangeResponse struct {
	Status   string          `json:"status"`
	Response exchangePayload `json:"response"`

	raw []byte
}

func (r *ExchangeResponse) keepRaw(raw []byte) { r.raw = raw }

// exchangePayload tolerates the venue's two response shapes: an object
// carrying per-order statuses on success, a bare string message on error.
type exchangePayload struct {
	Type string        `json:"type"`
	Data *exchangeData `json:"data"`

	message string
}

func (p *exchangePayload) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return unmarshalString(data, &p.message)
	}
	type alias exchangePayload
	var a alias
	if err := unmarshalObject(data, &a); err != nil {
		return err
	}
	p.Type = a.Type
	p.Data = a.Data
	return nil
}

type exchangeData struct {
	Statuses []orderStatus `json:"statuses"`
}

// orderStatus is the per-order outcome inside a batched exchange response.
type orderStatus struct {
	Resting *restingOrder `json:"resting"`
	Filled  *filledOrder  `json:"filled"`
	Error   string        `json:"error"`

	plain string
}

func (s *orderStatus) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return unmarshalString(data, &s.plain)
	}
	type alias orderStatus
	var a alias
	if err := unmarshalObject(data, &a); err != nil {
		return err
	}
	s.Resting = a.Resting
	s.Filled = a.Filled
	s.Error = a.Error
	return nil
}

type restingOrder struct {
	Oid   int64  `json:"oid"`
	Cloid string `json:"cloid,omitempty"`
}

type filledOrder struct {
	Oid     int64           `json:"oid"`
	TotalSz decimal.Decimal `json:"totalSz"`
	AvgPx   decimal.Decimal `json:"avgPx"`
	Cloid   string          `json:"cloid,omitempty"`
}

func (r *ExchangeResponse) rejectionMessage() string {
	if r.Response.message != "" {
		return r.Response.message
	}
	return fmt.Sprintf("exchange request rejected: status=%s", r.Status)
}

// OrderOutcome reports how the venue disposed of one submitted order.
type OrderOutcome struct {
	Oid     int64
	Cloid   string
	Resting bool
	Filled  bool
	AvgPx   decimal.Decimal
	TotalSz decimal.Decimal
}
