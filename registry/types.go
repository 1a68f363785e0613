package registry

import (
	"fmt"

	"github.com/jup-ag/clone-protocol/decimal"
)

// Status describes what a pool currently permits. Transitions move
// toward more restrictive states except explicit admin reactivation.
type Status uint8

const (
	StatusActive Status = iota
	StatusFrozen
	StatusLiquidation
	StatusDeprecated
)

// String renders the status for logs and events.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFrozen:
		return "frozen"
	case StatusLiquidation:
		return "liquidation"
	case StatusDeprecated:
		return "deprecated"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PoolParams groups the governance-controlled risk settings of a pool.
type PoolParams struct {
	// OracleIndex locates the onAsset price feed in the oracle registry.
	OracleIndex int `json:"oracleIndex"`
	// TreasuryFeeBps and LiquidityFeeBps are the output-leg swap fee
	// rates in basis points.
	TreasuryFeeBps  uint64 `json:"treasuryFeeBps"`
	LiquidityFeeBps uint64 `json:"liquidityFeeBps"`
	// MinOvercollateralRatio is the ratio a borrow position must hold to
	// stay solvent; MaxLiquidationOvercollateralRatio bounds how far a
	// partial liquidation may push the ratio back up.
	MinOvercollateralRatio            decimal.Decimal `json:"minOvercollateralRatio"`
	MaxLiquidationOvercollateralRatio decimal.Decimal `json:"maxLiquidationOvercollateralRatio"`
	// ILHealthScoreCoefficient and PositionHealthScoreCoefficient weight
	// impermanent-loss debt and committed liquidity in comet scoring.
	ILHealthScoreCoefficient       decimal.Decimal `json:"ilHealthScoreCoefficient"`
	PositionHealthScoreCoefficient decimal.Decimal `json:"positionHealthScoreCoefficient"`
	// LiquidationDiscountBps is the liquidator fee rate in basis points.
	LiquidationDiscountBps uint64 `json:"liquidationDiscountBps"`
	// MaxPriceImpactBps bounds the invariant-space price impact a single
	// swap may have on the pool before it is rejected.
	MaxPriceImpactBps uint64 `json:"maxPriceImpactBps"`
}

// Pool is the per-synthetic-asset AMM state.
type Pool struct {
	// OnAssetReserve is kept at the protocol token scale,
	// CollateralReserve at the collateral scale.
	OnAssetReserve       decimal.Decimal `json:"onAssetReserve"`
	CollateralReserve    decimal.Decimal `json:"collateralReserve"`
	TotalMinted          decimal.Decimal `json:"totalMinted"`
	LiquidityTokenSupply decimal.Decimal `json:"liquidityTokenSupply"`
	Status               Status          `json:"status"`
	Params               PoolParams      `json:"params"`
}

// Collateral is one entry of the collateral registry. Index 0 is the
// USD-stable collateral with fixed-ratio semantics.
type Collateral struct {
	// VaultBorrowSupply and VaultCometSupply track the vault balance
	// supplied through borrow and comet positions respectively.
	VaultBorrowSupply decimal.Decimal `json:"vaultBorrowSupply"`
	VaultCometSupply  decimal.Decimal `json:"vaultCometSupply"`
	Scale             uint8           `json:"scale"`
	// CollateralizationRatio discounts the collateral value when
	// measuring solvency, e.g. 1.0 for stable, >1.0 for volatile.
	CollateralizationRatio decimal.Decimal `json:"collateralizationRatio"`
	Stable                 bool            `json:"stable"`
	OracleIndex            int             `json:"oracleIndex"`
}

// StableCollateralIndex is the registry slot of the USD collateral.
const StableCollateralIndex = 0
