// Package health measures how far positions sit from their liquidation
// thresholds. Borrow positions get a hard sufficiency check; comets get
// a bounded score combining impermanent-loss and directional exposure.
package health

import (
	"errors"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/oracle"
)

var (
	// ErrInvalidMintCollateralRatio reports a borrow position whose
	// collateral value no longer covers its debt at the required ratio.
	ErrInvalidMintCollateralRatio = errors.New("health engine: invalid mint collateral ratio")
)

// CheckMintCollateralSufficient verifies that
//
//	collateral × collateralPrice × collateralizationRatio ≥
//	    borrowed × assetPrice × minOvercollateralRatio
//
// failing with ErrInvalidMintCollateralRatio when it does not hold. Both
// oracle readings must be fresh; solvency is never evaluated against
// stale data, so staleness fails eagerly before any comparison.
func CheckMintCollateralSufficient(poolOracle, collateralOracle oracle.Reading,
	currentSlot, staleThreshold uint64,
	borrowedOnAsset, minOvercollateralRatio, collateralizationRatio, collateralAmount decimal.Decimal) error {

	if err := checkFresh(poolOracle, currentSlot, staleThreshold); err != nil {
		return err
	}
	if err := checkFresh(collateralOracle, currentSlot, staleThreshold); err != nil {
		return err
	}

	collateralValue, err := collateralAmount.Mul(collateralOracle.GetPrice())
	if err != nil {
		return err
	}
	collateralValue, err = collateralValue.Mul(collateralizationRatio)
	if err != nil {
		return err
	}

	debtValue, err := borrowedOnAsset.Mul(poolOracle.GetPrice())
	if err != nil {
		return err
	}
	debtValue, err = debtValue.Mul(minOvercollateralRatio)
	if err != nil {
		return err
	}

	if collateralValue.Cmp(debtValue) < 0 {
		return ErrInvalidMintCollateralRatio
	}
	return nil
}

func checkFresh(reading oracle.Reading, currentSlot, threshold uint64) error {
	if currentSlot > reading.LastUpdateSlot && currentSlot-reading.LastUpdateSlot > threshold {
		return oracle.ErrStale
	}
	return nil
}

// CometTerm is one pool sub-position's contribution to a comet score.
type CometTerm struct {
	// ILDebtValue is the USD value of debt accrued from impermanent
	// loss; CommittedValue the USD value of liquidity contributed.
	ILDebtValue    decimal.Decimal
	CommittedValue decimal.Decimal
	// Coefficients come from the pool's risk parameters.
	ILCoefficient       decimal.Decimal
	PositionCoefficient decimal.Decimal
}

// Score is a comet health score on the bounded 0–100 scale: 100 is
// perfectly healthy, anything at or below zero is liquidatable.
type Score struct {
	Value decimal.Decimal
}

// Healthy reports whether the score sits above the liquidation line.
func (s Score) Healthy() bool { return s.Value.Sign() > 0 }

var (
	hundred    = decimal.New(100, 0)
	negHundred = decimal.New(-100, 0)
)

// ComputeCometScore aggregates the per-pool terms into a single score:
//
//	100 − Σ(ilCoeff·ildValue + posCoeff·committedValue) / collateralValue
//
// summed across sub-positions and clamped to [-100, 100]. A comet with
// no collateral and outstanding terms scores the minimum.
func ComputeCometScore(terms []CometTerm, totalCollateralValue decimal.Decimal) (Score, error) {
	penalty := decimal.Zero(decimal.CloneScale)
	for _, term := range terms {
		il, err := term.ILCoefficient.Mul(term.ILDebtValue)
		if err != nil {
			return Score{}, err
		}
		pos, err := term.PositionCoefficient.Mul(term.CommittedValue)
		if err != nil {
			return Score{}, err
		}
		penalty, err = penalty.Add(il)
		if err != nil {
			return Score{}, err
		}
		penalty, err = penalty.Add(pos)
		if err != nil {
			return Score{}, err
		}
	}

	if totalCollateralValue.Sign() <= 0 {
		if penalty.Sign() > 0 {
			return Score{Value: negHundred}, nil
		}
		return Score{Value: hundred}, nil
	}

	scaled, err := penalty.Quo(totalCollateralValue)
	if err != nil {
		return Score{}, err
	}
	value, err := hundred.Sub(scaled)
	if err != nil {
		return Score{}, err
	}
	value = decimal.Max(decimal.Min(value, hundred), negHundred)
	return Score{Value: decimal.RescaleTowardZero(value, decimal.CloneScale)}, nil
}
