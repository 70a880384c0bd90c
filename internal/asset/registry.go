// Package asset maintains the immutable symbol to asset-id mapping used by
// every venue operation. The id space is partitioned: perpetual markets use
// their universe index, spot pairs are offset by 10000, and builder-deployed
// perp markets start at 100000 with a 10000-wide band per dex.
package asset

import (
	"fmt"
	"strings"

	"github.com/Jboner-Corvus/hypergate/errs"
)

const venueName = "hyperliquid"

const (
	// SpotOffset is added to a spot pair's index to form its asset id.
	SpotOffset = 10000
	// BuilderOffset is the base id for builder-deployed perp markets.
	BuilderOffset = 100000
	// BuilderDexStride is the id band reserved for each builder dex.
	BuilderDexStride = 10000
)

// PerpAsset describes one perpetual market from the venue's meta payload.
type PerpAsset struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
}

// SpotPair describes one spot market from the venue's spotMeta payload.
type SpotPair struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// BuilderMarket describes one builder-deployed perp market.
type BuilderMarket struct {
	Name       string
	DexIndex   int
	AssetIndex int
}

// Meta mirrors the venue's `meta` info response.
type Meta struct {
	Universe []PerpAsset `json:"universe"`
}

// SpotMeta mirrors the venue's `spotMeta` info response.
type SpotMeta struct {
	Universe []SpotPair `json:"universe"`
}

// Registry is the bidirectional symbol to asset-id mapping. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	idBySymbol map[string]uint32
	symbolByID map[uint32]string
	perps      map[string]PerpAsset
}

// NewRegistry builds a registry from venue metadata. Duplicate symbols are
// rejected: a registry that silently shadows one market with another would
// route orders to the wrong asset.
func NewRegistry(meta Meta, spot *SpotMeta, builders []BuilderMarket) (*Registry, error) {
	r := &Registry{
		idBySymbol: make(map[string]uint32),
		symbolByID: make(map[uint32]string),
		perps:      make(map[string]PerpAsset, len(meta.Universe)),
	}

	for i, p := range meta.Universe {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("asset: perp universe entry %d has empty name", i)
		}
		if err := r.add(name, uint32(i)); err != nil {
			return nil, err
		}
		r.perps[canonical(name)] = p
	}

	if spot != nil {
		for _, s := range spot.Universe {
			name := strings.TrimSpace(s.Name)
			if name == "" || s.Index < 0 {
				return nil, fmt.Errorf("asset: invalid spot pair %q index %d", s.Name, s.Index)
			}
			if err := r.add(name, uint32(SpotOffset+s.Index)); err != nil {
				return nil, err
			}
		}
	}

	for _, b := range builders {
		name := strings.TrimSpace(b.Name)
		if name == "" || b.DexIndex < 0 || b.AssetIndex < 0 || b.AssetIndex >= BuilderDexStride {
			return nil, fmt.Errorf("asset: invalid builder market %q dex=%d idx=%d", b.Name, b.DexIndex, b.AssetIndex)
		}
		id := uint32(BuilderOffset + b.DexIndex*BuilderDexStride + b.AssetIndex)
		if err := r.add(name, id); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) add(symbol string, id uint32) error {
	key := canonical(symbol)
	if existing, ok := r.idBySymbol[key]; ok {
		return fmt.Errorf("asset: symbol %q already mapped to id %d", symbol, existing)
	}
	if existing, ok := r.symbolByID[id]; ok {
		return fmt.Errorf("asset: id %d already mapped to symbol %q", id, existing)
	}
	r.idBySymbol[key] = id
	r.symbolByID[id] = symbol
	return nil
}

// AssetID resolves a symbol to its venue asset id. Unknown symbols are a
// terminal error, never defaulted.
func (r *Registry) AssetID(symbol string) (uint32, error) {
	id, ok := r.idBySymbol[canonical(symbol)]
	if !ok {
		return 0, errs.New(venueName, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown symbol %q", symbol)))
	}
	return id, nil
}

// Symbol resolves an asset id back to its symbol.
func (r *Registry) Symbol(id uint32) (string, error) {
	symbol, ok := r.symbolByID[id]
	if !ok {
		return "", errs.New(venueName, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown asset id %d", id)))
	}
	return symbol, nil
}

// Perp returns the perpetual market metadata for a symbol, when the symbol
// names a perp.
func (r *Registry) Perp(symbol string) (PerpAsset, bool) {
	p, ok := r.perps[canonical(symbol)]
	return p, ok
}

// MaxLeverage returns the venue's leverage cap for a perp symbol, or 0 when
// the symbol is not a perpetual market.
func (r *Registry) MaxLeverage(symbol string) int {
	if p, ok := r.Perp(symbol); ok {
		return p.MaxLeverage
	}
	return 0
}

// IsSpot reports whether the id falls in the spot partition.
func IsSpot(id uint32) bool { return id >= SpotOffset && id < BuilderOffset }

// IsBuilder reports whether the id falls in a builder dex partition.
func IsBuilder(id uint32) bool { return id >= BuilderOffset }

// Len returns the number of mapped symbols.
func (r *Registry) Len() int { return len(r.idBySymbol) }

func canonical(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
