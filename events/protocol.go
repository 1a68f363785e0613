package events

import (
	"strconv"

	"github.com/jup-ag/clone-protocol/decimal"
)

const (
	// TypeBorrowUpdate is emitted on every borrow position mutation,
	// including liquidations.
	TypeBorrowUpdate = "borrow.update"
	// TypeSwap is emitted when a pool swap executes.
	TypeSwap = "pool.swap"
	// TypeLiquidityUpdate is emitted when comet liquidity changes.
	TypeLiquidityUpdate = "comet.liquidity_update"
	// TypePriceUpdate is emitted when an oracle feed is refreshed.
	TypePriceUpdate = "oracle.price_update"
	// TypePoolStatus is emitted on administrative status changes.
	TypePoolStatus = "pool.status"
	// TypeStableUpdate is emitted when stable synthetic is minted
	// against vault collateral or burned to redeem it.
	TypeStableUpdate = "stable.update"
)

// BorrowUpdate records the post-state and deltas of a borrow position
// mutation. Deltas are signed; liquidations set IsLiquidation.
type BorrowUpdate struct {
	Actor              string
	PoolIndex          int
	IsLiquidation      bool
	CollateralSupplied decimal.Decimal
	CollateralDelta    decimal.Decimal
	BorrowedAmount     decimal.Decimal
	BorrowedDelta      decimal.Decimal
}

func (BorrowUpdate) EventType() string { return TypeBorrowUpdate }

// Attributes flattens the event for transports without typed payloads.
func (e BorrowUpdate) Attributes() map[string]string {
	return map[string]string{
		"actor":              e.Actor,
		"poolIndex":          strconv.Itoa(e.PoolIndex),
		"isLiquidation":      strconv.FormatBool(e.IsLiquidation),
		"collateralSupplied": e.CollateralSupplied.String(),
		"collateralDelta":    e.CollateralDelta.String(),
		"borrowedAmount":     e.BorrowedAmount.String(),
		"borrowedDelta":      e.BorrowedDelta.String(),
	}
}

// Swap records an executed trade against a pool.
type Swap struct {
	Actor            string
	PoolIndex        int
	CollateralIn     bool
	Input            decimal.Decimal
	Result           decimal.Decimal
	LiquidityFeePaid decimal.Decimal
	TreasuryFeePaid  decimal.Decimal
}

func (Swap) EventType() string { return TypeSwap }

func (e Swap) Attributes() map[string]string {
	return map[string]string{
		"actor":            e.Actor,
		"poolIndex":        strconv.Itoa(e.PoolIndex),
		"collateralIn":     strconv.FormatBool(e.CollateralIn),
		"input":            e.Input.String(),
		"result":           e.Result.String(),
		"liquidityFeePaid": e.LiquidityFeePaid.String(),
		"treasuryFeePaid":  e.TreasuryFeePaid.String(),
	}
}

// LiquidityUpdate records a change in a comet's committed liquidity or
// impermanent-loss debt for one pool.
type LiquidityUpdate struct {
	Actor           string
	PoolIndex       int
	IsLiquidation   bool
	LiquidityTokens decimal.Decimal
	StableDebt      decimal.Decimal
	OnAssetDebt     decimal.Decimal
}

func (LiquidityUpdate) EventType() string { return TypeLiquidityUpdate }

func (e LiquidityUpdate) Attributes() map[string]string {
	return map[string]string{
		"actor":           e.Actor,
		"poolIndex":       strconv.Itoa(e.PoolIndex),
		"isLiquidation":   strconv.FormatBool(e.IsLiquidation),
		"liquidityTokens": e.LiquidityTokens.String(),
		"stableDebt":      e.StableDebt.String(),
		"onAssetDebt":     e.OnAssetDebt.String(),
	}
}

// PriceUpdate records a refreshed oracle reading.
type PriceUpdate struct {
	FeedIndex int
	Address   string
	Price     decimal.Decimal
	Slot      uint64
}

func (PriceUpdate) EventType() string { return TypePriceUpdate }

func (e PriceUpdate) Attributes() map[string]string {
	return map[string]string{
		"feedIndex": strconv.Itoa(e.FeedIndex),
		"address":   e.Address,
		"price":     e.Price.String(),
		"slot":      strconv.FormatUint(e.Slot, 10),
	}
}

// StableUpdate records stable synthetic minted or burned against the
// vault's stable collateral.
type StableUpdate struct {
	Actor  string
	Amount decimal.Decimal
	Minted bool
}

func (StableUpdate) EventType() string { return TypeStableUpdate }

func (e StableUpdate) Attributes() map[string]string {
	return map[string]string{
		"actor":  e.Actor,
		"amount": e.Amount.String(),
		"minted": strconv.FormatBool(e.Minted),
	}
}

// PoolStatus records an administrative pool status change.
type PoolStatus struct {
	Actor     string
	PoolIndex int
	Status    string
}

func (PoolStatus) EventType() string { return TypePoolStatus }

func (e PoolStatus) Attributes() map[string]string {
	return map[string]string{
		"actor":     e.Actor,
		"poolIndex": strconv.Itoa(e.PoolIndex),
		"status":    e.Status,
	}
}
