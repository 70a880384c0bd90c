// Package action builds the venue's canonical exchange payloads from
// trading intents. Builders are pure and total: they validate ranges and
// return a typed error instead of producing a payload the venue would
// reject or, worse, accept with different semantics.
//
// Wire structs carry both json and msgpack tags. Field order is fixed by
// the venue's signing scheme, not by readability: the msgpack encoding of
// an action is the byte stream the signature commits to, so reordering a
// field is a consensus-breaking change.
package action

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Jboner-Corvus/hypergate/errs"
)

const venueName = "hyperliquid"

// TimeInForce selects how long a resting order stays on the book.
type TimeInForce string

const (
	// TifGtc keeps the order on the book until cancelled.
	TifGtc TimeInForce = "Gtc"
	// TifIoc fills what it can immediately and cancels the rest.
	TifIoc TimeInForce = "Ioc"
	// TifAlo adds liquidity only; crossing orders are rejected.
	TifAlo TimeInForce = "Alo"
)

// GroupingNA is the order grouping used for standalone orders.
const GroupingNA = "na"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Action is the closed set of venue exchange payloads. Serialization is an
// exhaustive switch over these concrete types, never field introspection.
type Action interface {
	// ActionType returns the venue's tag for this action kind.
	ActionType() string
	isAction()
}

// UserSignedAction is the subset of actions authorized with typed-data
// signatures instead of L1 action signing. The signer stamps the envelope
// nonce into the action's time field before hashing.
type UserSignedAction interface {
	Action
	SetTime(nonce int64)
}

// LimitTif is the nested time-in-force wrapper the venue expects.
type LimitTif struct {
	Tif TimeInForce `json:"tif" msgpack:"tif"`
}

// OrderType selects limit semantics for an order. Only limit orders are
// supported; market-style fills are expressed as Ioc limits priced through
// the book.
type OrderType struct {
	Limit *LimitTif `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

// OrderWire is a single order in the venue's compressed wire form.
type OrderWire struct {
	Asset      uint32    `json:"a" msgpack:"a"`
	IsBuy      bool      `json:"b" msgpack:"b"`
	LimitPx    string    `json:"p" msgpack:"p"`
	Size       string    `json:"s" msgpack:"s"`
	ReduceOnly bool      `json:"r" msgpack:"r"`
	Type       OrderType `json:"t" msgpack:"t"`
	Cloid      *string   `json:"c,omitempty" msgpack:"c,omitempty"`
}

// OrderAction places one or more orders.
type OrderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []OrderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

func (*OrderAction) isAction()            {}
func (a *OrderAction) ActionType() string { return a.Type }

// CancelWire identifies one resting order to cancel.
type CancelWire struct {
	Asset uint32 `json:"a" msgpack:"a"`
	Oid   int64  `json:"o" msgpack:"o"`
}

// CancelAction cancels one or more resting orders.
type CancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []CancelWire `json:"cancels" msgpack:"cancels"`
}

func (*CancelAction) isAction()            {}
func (a *CancelAction) ActionType() string { return a.Type }

// ModifyAction replaces a resting order in place.
type ModifyAction struct {
	Type  string    `json:"type" msgpack:"type"`
	Oid   int64     `json:"oid" msgpack:"oid"`
	Order OrderWire `json:"order" msgpack:"order"`
}

func (*ModifyAction) isAction()            {}
func (a *ModifyAction) ActionType() string { return a.Type }

// LeverageAction sets the leverage and margin mode for one asset.
type LeverageAction struct {
	Type     string `json:"type" msgpack:"type"`
	Asset    uint32 `json:"asset" msgpack:"asset"`
	IsCross  bool   `json:"isCross" msgpack:"isCross"`
	Leverage int    `json:"leverage" msgpack:"leverage"`
}

func (*LeverageAction) isAction()            {}
func (a *LeverageAction) ActionType() string { return a.Type }

// UsdSendAction transfers USDC to another address. User-signed.
type UsdSendAction struct {
	Type             string `json:"type" msgpack:"type"`
	HyperliquidChain string `json:"hyperliquidChain" msgpack:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId" msgpack:"signatureChainId"`
	Destination      string `json:"destination" msgpack:"destination"`
	Amount           string `json:"amount" msgpack:"amount"`
	Time             int64  `json:"time" msgpack:"time"`
}

func (*UsdSendAction) isAction()            {}
func (a *UsdSendAction) ActionType() string { return a.Type }

// SetTime stamps the envelope nonce into the signed time field.
func (a *UsdSendAction) SetTime(nonce int64) { a.Time = nonce }

// WithdrawAction withdraws USDC to an L1 address. User-signed.
type WithdrawAction struct {
	Type             string `json:"type" msgpack:"type"`
	HyperliquidChain string `json:"hyperliquidChain" msgpack:"hyperliquidChain"`
	SignatureChainID string `json:"signatureChainId" msgpack:"signatureChainId"`
	Destination      string `json:"destination" msgpack:"destination"`
	Amount           string `json:"amount" msgpack:"amount"`
	Time             int64  `json:"time" msgpack:"time"`
}

func (*WithdrawAction) isAction()            {}
func (a *WithdrawAction) ActionType() string { return a.Type }

// SetTime stamps the envelope nonce into the signed time field.
func (a *WithdrawAction) SetTime(nonce int64) { a.Time = nonce }

// OrderIntent captures a validated order before wire conversion.
type OrderIntent struct {
	AssetID    uint32
	IsBuy      bool
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	Tif        TimeInForce
	// Cloid is an optional client order id (128-bit hex). It makes order
	// placement idempotent at the venue and therefore safe to retry.
	Cloid string
}

func validationErr(format string, args ...any) error {
	return errs.New(venueName, errs.CodeValidation,
		errs.WithMessage(fmt.Sprintf(format, args...)))
}

func orderWire(intent OrderIntent) (OrderWire, error) {
	if intent.Size.Sign() <= 0 {
		return OrderWire{}, validationErr("order size must be positive, got %s", intent.Size)
	}
	if intent.Price.Sign() <= 0 {
		return OrderWire{}, validationErr("order price must be positive, got %s", intent.Price)
	}
	switch intent.Tif {
	case TifGtc, TifIoc, TifAlo:
	case "":
		intent.Tif = TifGtc
	default:
		return OrderWire{}, validationErr("unknown time in force %q", intent.Tif)
	}

	wire := OrderWire{
		Asset:      intent.AssetID,
		IsBuy:      intent.IsBuy,
		LimitPx:    intent.Price.String(),
		Size:       intent.Size.String(),
		ReduceOnly: intent.ReduceOnly,
		Type:       OrderType{Limit: &LimitTif{Tif: intent.Tif}},
	}
	if cloid := strings.TrimSpace(intent.Cloid); cloid != "" {
		if !strings.HasPrefix(cloid, "0x") || len(cloid) != 34 {
			return OrderWire{}, validationErr("cloid must be 0x-prefixed 16-byte hex, got %q", cloid)
		}
		wire.Cloid = &cloid
	}
	return wire, nil
}

// NewOrder builds an order action for a single order intent.
func NewOrder(intent OrderIntent) (*OrderAction, error) {
	wire, err := orderWire(intent)
	if err != nil {
		return nil, err
	}
	return &OrderAction{Type: "order", Orders: []OrderWire{wire}, Grouping: GroupingNA}, nil
}

// NewCancel builds a cancel action for a single resting order.
func NewCancel(assetID uint32, oid int64) (*CancelAction, error) {
	if oid <= 0 {
		return nil, validationErr("order id must be positive, got %d", oid)
	}
	return &CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: assetID, Oid: oid}}}, nil
}

// NewModify builds a modify action replacing order oid with the new intent.
func NewModify(oid int64, intent OrderIntent) (*ModifyAction, error) {
	if oid <= 0 {
		return nil, validationErr("order id must be positive, got %d", oid)
	}
	wire, err := orderWire(intent)
	if err != nil {
		return nil, err
	}
	return &ModifyAction{Type: "modify", Oid: oid, Order: wire}, nil
}

// NewSetLeverage builds an updateLeverage action. maxLeverage is the
// venue's cap for the asset; the builder rejects values outside [1, max]
// before any network activity.
func NewSetLeverage(assetID uint32, leverage, maxLeverage int, isCross bool) (*LeverageAction, error) {
	if leverage < 1 {
		return nil, validationErr("leverage must be >= 1, got %d", leverage)
	}
	if maxLeverage > 0 && leverage > maxLeverage {
		return nil, validationErr("leverage %d exceeds venue max %d", leverage, maxLeverage)
	}
	return &LeverageAction{Type: "updateLeverage", Asset: assetID, IsCross: isCross, Leverage: leverage}, nil
}

// NewUsdSend builds a USDC transfer. chain names the venue deployment
// ("Mainnet" or "Testnet"); signatureChainID is the EVM chain the wallet
// signs on, as 0x-prefixed hex. Time is stamped by the signer.
func NewUsdSend(destination string, amount decimal.Decimal, chain, signatureChainID string) (*UsdSendAction, error) {
	if !addressPattern.MatchString(destination) {
		return nil, validationErr("destination %q is not a valid address", destination)
	}
	if amount.Sign() <= 0 {
		return nil, validationErr("transfer amount must be positive, got %s", amount)
	}
	if chain != "Mainnet" && chain != "Testnet" {
		return nil, validationErr("unknown chain %q", chain)
	}
	return &UsdSendAction{
		Type:             "usdSend",
		HyperliquidChain: chain,
		SignatureChainID: signatureChainID,
		Destination:      strings.ToLower(destination),
		Amount:           amount.String(),
	}, nil
}

// NewWithdraw builds a withdraw3 action moving USDC back to the signer's
// L1 address. Time is stamped by the signer.
func NewWithdraw(destination string, amount decimal.Decimal, chain, signatureChainID string) (*WithdrawAction, error) {
	if !addressPattern.MatchString(destination) {
		return nil, validationErr("destination %q is not a valid address", destination)
	}
	if amount.Sign() <= 0 {
		return nil, validationErr("withdraw amount must be positive, got %s", amount)
	}
	if chain != "Mainnet" && chain != "Testnet" {
		return nil, validationErr("unknown chain %q", chain)
	}
	return &WithdrawAction{
		Type:             "withdraw3",
		HyperliquidChain: chain,
		SignatureChainID: signatureChainID,
		Destination:      strings.ToLower(destination),
		Amount:           amount.String(),
	}, nil
}
