// Package oracle normalizes external price feeds into a single
// {price, exponent} shape and tracks per-feed freshness. Source-specific
// decoding is isolated here; pricing code never sees a raw payload.
package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/jup-ag/clone-protocol/decimal"
)

var (
	errInvalidIndex = errors.New("oracle: feed index out of range")
	// ErrStale reports a reading whose update slot lags the current slot
	// beyond the caller's freshness threshold.
	ErrStale = errors.New("oracle: stale reading")
	// ErrIncorrectAddress reports a payload whose feed identity does not
	// match the registered identity at that index.
	ErrIncorrectAddress = errors.New("oracle: incorrect feed address")
	// ErrFailedToLoadFeed reports an undecodable payload.
	ErrFailedToLoadFeed = errors.New("oracle: failed to load feed")
	// ErrIntConversion reports a price or exponent that does not fit the
	// target integer width.
	ErrIntConversion = errors.New("oracle: int type conversion")
)

// Source identifies the upstream feed format.
type Source uint8

const (
	SourceFeedA Source = iota
	SourceFeedB
	SourceFeedBVersion2
)

// String renders the source for logs and events.
func (s Source) String() string {
	switch s {
	case SourceFeedA:
		return "feed_a"
	case SourceFeedB:
		return "feed_b"
	case SourceFeedBVersion2:
		return "feed_b_v2"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Reading is a normalized oracle observation. The price is interpreted
// as Price × 10^-Exponent; the exponent is always non-negative because
// Update folds negative feed exponents into the price.
type Reading struct {
	Address        string `json:"address"`
	Source         Source `json:"source"`
	Price          int64  `json:"price"`
	Exponent       uint8  `json:"exponent"`
	LastUpdateSlot uint64 `json:"lastUpdateSlot"`
}

// Clone returns a copy of the reading.
func (r Reading) Clone() Reading { return r }

// GetPrice expresses the reading as a decimal.
func (r Reading) GetPrice() decimal.Decimal {
	return decimal.New(r.Price, r.Exponent)
}

// RawFeed is an opaque payload handed to Update by the transport layer.
// The address identifies which upstream account produced the bytes.
type RawFeed struct {
	Address string
	Payload []byte
}

// feedAPayload and feedBV2Payload report a price with a signed exponent;
// feedBPayload reports a mantissa/scale pair.
type feedAPayload struct {
	Price int64 `json:"price"`
	Expo  int32 `json:"expo"`
}

type feedBPayload struct {
	Mantissa string `json:"mantissa"`
	Scale    uint32 `json:"scale"`
}

type feedBV2Payload struct {
	Price             int64  `json:"price"`
	Exponent          int32  `json:"exponent"`
	VerificationLevel string `json:"verificationLevel"`
}

// Registry holds the fixed set of registered feeds. Entries are accessed
// by stable integer index; every index argument is bounds checked.
type Registry struct {
	readings []Reading
}

// NewRegistry builds a registry from the registered feed identities.
func NewRegistry(readings []Reading) *Registry {
	return &Registry{readings: append([]Reading(nil), readings...)}
}

// Len reports the number of registered feeds.
func (reg *Registry) Len() int {
	if reg == nil {
		return 0
	}
	return len(reg.readings)
}

// Read returns the stored reading without a freshness check. Callers on
// the swap and liquidation paths must use ReadFresh instead.
func (reg *Registry) Read(index int) (Reading, error) {
	if reg == nil || index < 0 || index >= len(reg.readings) {
		return Reading{}, errInvalidIndex
	}
	return reg.readings[index].Clone(), nil
}

// ReadFresh returns the stored reading, failing with ErrStale when the
// last update slot lags currentSlot by more than threshold slots.
func (reg *Registry) ReadFresh(index int, currentSlot, threshold uint64) (Reading, error) {
	reading, err := reg.Read(index)
	if err != nil {
		return Reading{}, err
	}
	if currentSlot > reading.LastUpdateSlot && currentSlot-reading.LastUpdateSlot > threshold {
		return Reading{}, fmt.Errorf("%w: feed %d updated at slot %d, current %d",
			ErrStale, index, reading.LastUpdateSlot, currentSlot)
	}
	return reading, nil
}

// Update decodes the raw payload according to the registered source kind
// and stores the normalized reading stamped with currentSlot. The
// supplied feed identity must match the registered identity.
func (reg *Registry) Update(index int, raw RawFeed, currentSlot uint64) (Reading, error) {
	if reg == nil || index < 0 || index >= len(reg.readings) {
		return Reading{}, errInvalidIndex
	}
	registered := &reg.readings[index]
	if !strings.EqualFold(strings.TrimSpace(raw.Address), registered.Address) {
		return Reading{}, fmt.Errorf("%w: got %q, registered %q",
			ErrIncorrectAddress, raw.Address, registered.Address)
	}

	price, expo, err := decode(registered.Source, raw.Payload)
	if err != nil {
		return Reading{}, err
	}

	registered.Price = price
	registered.Exponent = expo
	registered.LastUpdateSlot = currentSlot
	return registered.Clone(), nil
}

// Restore replaces the registry contents, used when loading a snapshot.
func (reg *Registry) Restore(readings []Reading) {
	if reg == nil {
		return
	}
	reg.readings = append([]Reading(nil), readings...)
}

// Snapshot returns a copy of every stored reading.
func (reg *Registry) Snapshot() []Reading {
	if reg == nil {
		return nil
	}
	return append([]Reading(nil), reg.readings...)
}

func decode(source Source, payload []byte) (int64, uint8, error) {
	switch source {
	case SourceFeedA:
		var p feedAPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrFailedToLoadFeed, err)
		}
		return normalizeSignedExpo(p.Price, p.Expo)
	case SourceFeedB:
		var p feedBPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrFailedToLoadFeed, err)
		}
		return normalizeMantissaScale(p.Mantissa, p.Scale)
	case SourceFeedBVersion2:
		var p feedBV2Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrFailedToLoadFeed, err)
		}
		if !strings.EqualFold(strings.TrimSpace(p.VerificationLevel), "full") {
			return 0, 0, fmt.Errorf("%w: verification level %q", ErrFailedToLoadFeed, p.VerificationLevel)
		}
		return normalizeSignedExpo(p.Price, p.Exponent)
	default:
		return 0, 0, fmt.Errorf("%w: unknown source %d", ErrFailedToLoadFeed, source)
	}
}

// normalizeSignedExpo folds a non-positive feed exponent into the stored
// exponent and a positive one into the price, so the stored exponent is
// always a non-negative scale.
func normalizeSignedExpo(price int64, expo int32) (int64, uint8, error) {
	if expo <= 0 {
		mag := -int64(expo)
		if mag > math.MaxUint8 {
			return 0, 0, ErrIntConversion
		}
		return price, uint8(mag), nil
	}
	if expo > 18 {
		return 0, 0, ErrIntConversion
	}
	scaled := big.NewInt(price)
	scaled.Mul(scaled, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(expo)), nil))
	if !scaled.IsInt64() {
		return 0, 0, ErrIntConversion
	}
	return scaled.Int64(), 0, nil
}

// normalizeMantissaScale rescales a mantissa/scale pair toward zero to
// the protocol token scale.
func normalizeMantissaScale(mantissa string, scale uint32) (int64, uint8, error) {
	mant, ok := new(big.Int).SetString(strings.TrimSpace(mantissa), 10)
	if !ok {
		return 0, 0, fmt.Errorf("%w: mantissa %q", ErrFailedToLoadFeed, mantissa)
	}
	if scale > math.MaxUint8 {
		return 0, 0, ErrIntConversion
	}
	d, err := decimal.NewFromMantissa(mant, uint8(scale))
	if err != nil {
		return 0, 0, ErrIntConversion
	}
	rescaled := RescaleToCloneScale(d)
	out := rescaled.Mantissa()
	if !out.IsInt64() {
		return 0, 0, ErrIntConversion
	}
	return out.Int64(), decimal.CloneScale, nil
}

// RescaleToCloneScale truncates a decimal to the protocol token scale.
func RescaleToCloneScale(d decimal.Decimal) decimal.Decimal {
	return decimal.RescaleTowardZero(d, decimal.CloneScale)
}
