// Package signing authorizes venue actions with the account's secp256k1
// key. Two schemes exist, mirroring the venue protocol:
//
//   - L1 actions (orders, cancels, modifies, leverage): the action is
//     msgpack-encoded in wire field order, the nonce and vault flag are
//     appended, and the keccak256 of those bytes becomes the connectionId
//     of a phantom Agent struct signed as EIP-712 typed data.
//   - User-signed actions (transfers, withdrawals): the action's own fields
//     are signed as EIP-712 typed data under a dedicated domain, so a
//     signature for one action type can never validate another.
//
// Signing is a pure function of (action, key); the only shared state is the
// nonce source, which is internally synchronized.
package signing

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Jboner-Corvus/hypergate/errs"
	"github.com/Jboner-Corvus/hypergate/internal/action"
)

const venueName = "hyperliquid"

const (
	l1DomainName    = "Exchange"
	l1DomainChainID = 1337
	userDomainName  = "HyperliquidSignTransaction"
	domainVersion   = "1"
	zeroAddress     = "0x0000000000000000000000000000000000000000"

	// phantom agent sources: "a" selects mainnet, "b" testnet.
	sourceMainnet = "a"
	sourceTestnet = "b"
)

// Signature is the venue's r/s/v wire representation.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Envelope is a signed, submission-ready action. Immutable once produced.
// The json shape is exactly what the exchange endpoint accepts.
type Envelope struct {
	Action    action.Action `json:"action"`
	Nonce     int64         `json:"nonce"`
	Signature Signature     `json:"signature"`
	// Address is the lower-cased account address the signature verifies
	// to. It is not part of the wire payload.
	Address string `json:"-"`
}

// Signer owns the private key and nonce source for one venue account.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string // always lower-cased
	mainnet bool
	nonces  *NonceSource

	mu         sync.Mutex
	lastSigned int64
}

// NewSigner parses the hex-encoded private key and, when expectedAddress is
// non-empty, verifies the key derives to it. Address comparison is
// case-insensitive; the stored address is lower-cased.
func NewSigner(privateKeyHex, expectedAddress string, mainnet bool) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errs.New(venueName, errs.CodeSigning, errs.WithMessage("private key is empty"))
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("invalid private key"), errs.WithCause(err))
	}
	derived := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if expected := strings.TrimSpace(expectedAddress); expected != "" {
		if !strings.EqualFold(expected, derived) {
			return nil, errs.New(venueName, errs.CodeSigning,
				errs.WithMessage(fmt.Sprintf("key derives to %s, expected %s", derived, strings.ToLower(expected))))
		}
	}
	return &Signer{key: key, address: derived, mainnet: mainnet, nonces: NewNonceSource()}, nil
}

// Address returns the lower-cased account address.
func (s *Signer) Address() string { return s.address }

// Nonces exposes the signer's nonce source for callers that need to stamp
// idempotency tokens outside the signing path.
func (s *Signer) Nonces() *NonceSource { return s.nonces }

// drawNonce issues the next nonce and enforces strict monotonicity per the
// venue's replay rules. A non-increasing nonce fails the action here rather
// than submitting it.
func (s *Signer) drawNonce() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := s.nonces.Next()
	if nonce <= s.lastSigned {
		return 0, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage(fmt.Sprintf("nonce %d does not advance past %d", nonce, s.lastSigned)))
	}
	s.lastSigned = nonce
	return nonce, nil
}

// Sign authorizes any action, selecting the scheme by action kind.
func (s *Signer) Sign(a action.Action) (Envelope, error) {
	if user, ok := a.(action.UserSignedAction); ok {
		return s.signUser(user)
	}
	return s.signL1(a)
}

func (s *Signer) signL1(a action.Action) (Envelope, error) {
	nonce, err := s.drawNonce()
	if err != nil {
		return Envelope{}, err
	}

	connectionID, err := l1ConnectionID(a, nonce)
	if err != nil {
		return Envelope{}, err
	}

	sig, err := s.signTyped(l1TypedData(s.mainnet, connectionID))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Action: a, Nonce: nonce, Signature: sig, Address: s.address}, nil
}

func (s *Signer) signUser(a action.UserSignedAction) (Envelope, error) {
	nonce, err := s.drawNonce()
	if err != nil {
		return Envelope{}, err
	}
	a.SetTime(nonce)

	typed, err := userTypedData(a)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := s.signTyped(typed)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Action: a, Nonce: nonce, Signature: sig, Address: s.address}, nil
}

func (s *Signer) signTyped(typed apitypes.TypedData) (Signature, error) {
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return Signature{}, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("hash typed data"), errs.WithCause(err))
	}
	raw, err := crypto.Sign(hash, s.key)
	if err != nil {
		return Signature{}, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("sign hash"), errs.WithCause(err))
	}
	return Signature{
		R: hexutilEncode(raw[:32]),
		S: hexutilEncode(raw[32:64]),
		V: raw[64] + 27,
	}, nil
}

func l1TypedData(mainnet bool, connectionID []byte) apitypes.TypedData {
	source := sourceMainnet
	if !mainnet {
		source = sourceTestnet
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              l1DomainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(l1DomainChainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutilEncode(connectionID),
		},
	}
}

// l1ConnectionID produces the canonical byte commitment for an L1 action:
// msgpack(action) ++ nonce(uint64 BE) ++ 0x00 (no vault), keccak256'd.
func l1ConnectionID(a action.Action, nonce int64) ([]byte, error) {
	if nonce < 0 {
		return nil, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage(fmt.Sprintf("negative nonce %d", nonce)))
	}
	packed, err := CanonicalBytes(a)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(packed)+9)
	data = append(data, packed...)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	data = append(data, nonceBytes[:]...)
	data = append(data, 0x00)
	return crypto.Keccak256(data), nil
}

// CanonicalBytes returns the venue's canonical msgpack serialization of an
// action. Field order follows the wire struct declaration order, and ints
// use the compact encoding the venue hashes over; both are pinned by golden
// tests.
func CanonicalBytes(a action.Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(a); err != nil {
		return nil, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("serialize action"), errs.WithCause(err))
	}
	return buf.Bytes(), nil
}

// userTypedData builds the typed-data payload for a user-signed action.
// The type schemas are an exhaustive match over the closed action set.
func userTypedData(a action.UserSignedAction) (apitypes.TypedData, error) {
	var (
		primary string
		fields  []apitypes.Type
		message apitypes.TypedDataMessage
		chainID string
	)

	switch act := a.(type) {
	case *action.UsdSendAction:
		primary = "HyperliquidTransaction:UsdSend"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "destination", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "time", Type: "uint64"},
		}
		message = apitypes.TypedDataMessage{
			"hyperliquidChain": act.HyperliquidChain,
			"destination":      act.Destination,
			"amount":           act.Amount,
			"time":             strconv.FormatInt(act.Time, 10),
		}
		chainID = act.SignatureChainID
	case *action.WithdrawAction:
		primary = "HyperliquidTransaction:Withdraw"
		fields = []apitypes.Type{
			{Name: "hyperliquidChain", Type: "string"},
			{Name: "destination", Type: "string"},
			{Name: "amount", Type: "string"},
			{Name: "time", Type: "uint64"},
		}
		message = apitypes.TypedDataMessage{
			"hyperliquidChain": act.HyperliquidChain,
			"destination":      act.Destination,
			"amount":           act.Amount,
			"time":             strconv.FormatInt(act.Time, 10),
		}
		chainID = act.SignatureChainID
	default:
		return apitypes.TypedData{}, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage(fmt.Sprintf("no typed-data schema for action %q", a.ActionType())))
	}

	id, err := parseChainID(chainID)
	if err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primary: fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              userDomainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(id),
			VerifyingContract: zeroAddress,
		},
		Message: message,
	}, nil
}

func parseChainID(raw string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return 0, errs.New(venueName, errs.CodeSigning, errs.WithMessage("empty signature chain id"))
	}
	id, err := strconv.ParseInt(trimmed, 16, 64)
	if err != nil {
		return 0, errs.New(venueName, errs.CodeSigning,
			errs.WithMessage(fmt.Sprintf("invalid signature chain id %q", raw)), errs.WithCause(err))
	}
	return id, nil
}

// RecoverAddress reproduces the signing address from an envelope. This is
// the core correctness property: the recovered address must equal the
// account address regardless of case.
func RecoverAddress(env Envelope, mainnet bool) (string, error) {
	var typed apitypes.TypedData
	if user, ok := env.Action.(action.UserSignedAction); ok {
		td, err := userTypedData(user)
		if err != nil {
			return "", err
		}
		typed = td
	} else {
		connectionID, err := l1ConnectionID(env.Action, env.Nonce)
		if err != nil {
			return "", err
		}
		typed = l1TypedData(mainnet, connectionID)
	}

	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("hash typed data"), errs.WithCause(err))
	}

	raw, err := sigBytes(env.Signature)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return "", errs.New(venueName, errs.CodeSigning,
			errs.WithMessage("recover public key"), errs.WithCause(err))
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify checks that the envelope's signature recovers to its address.
func Verify(env Envelope, mainnet bool) error {
	recovered, err := RecoverAddress(env, mainnet)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, env.Address) {
		return errs.New(venueName, errs.CodeSigning,
			errs.WithMessage(fmt.Sprintf("signature recovers to %s, envelope claims %s", recovered, env.Address)))
	}
	return nil
}

func sigBytes(sig Signature) ([]byte, error) {
	r, err := hex.DecodeString(strings.TrimPrefix(sig.R, "0x"))
	if err != nil || len(r) != 32 {
		return nil, errs.New(venueName, errs.CodeSigning, errs.WithMessage("malformed signature r"))
	}
	s, err := hex.DecodeString(strings.TrimPrefix(sig.S, "0x"))
	if err != nil || len(s) != 32 {
		return nil, errs.New(venueName, errs.CodeSigning, errs.WithMessage("malformed signature s"))
	}
	if sig.V < 27 {
		return nil, errs.New(venueName, errs.CodeSigning, errs.WithMessage("malformed signature v"))
	}
	raw := make([]byte, 65)
	copy(raw[:32], r)
	copy(raw[32:64], s)
	raw[64] = sig.V - 27
	return raw, nil
}

func hexutilEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
