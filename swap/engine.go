// Package swap prices trades between a pool's onAsset and collateral
// sides. The executed amount tracks the oracle price; the pool reserves
// act as the liquidity depth bound, not as the price source. Fees are
// charged on the output leg and split between liquidity providers and
// the treasury.
package swap

import (
	"errors"
	"fmt"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/registry"
)

var (
	// ErrSwapAmountTooLow rejects dust trades whose result or fee
	// components truncate to zero.
	ErrSwapAmountTooLow = errors.New("swap engine: swap amount too low")
	// ErrSlippageExceeded reports a trade whose invariant-space price
	// impact crosses the pool threshold.
	ErrSlippageExceeded = errors.New("swap engine: slippage threshold exceeded")
	// ErrExceedsPoolDepth reports an output larger than the reserve.
	ErrExceedsPoolDepth = errors.New("swap engine: output exceeds pool reserve")
	errInvalidQuantity  = errors.New("swap engine: quantity must be positive")
)

const bpsScale uint8 = 4

// Quote is a fully priced swap. The deltas are the exact signed amounts
// the reserves move by when the quote executes, so an executed trade
// matches its quote bit for bit.
type Quote struct {
	// Result is the net amount delivered to the trader, on the output
	// side's scale.
	Result decimal.Decimal
	// LiquidityFeePaid stays in the output reserve for liquidity
	// providers; TreasuryFeePaid leaves the pool.
	LiquidityFeePaid decimal.Decimal
	TreasuryFeePaid  decimal.Decimal
	// Input is the amount the trader pays in, on the input side's scale.
	Input decimal.Decimal
	// OnAssetDelta and CollateralDelta are the signed reserve updates.
	OnAssetDelta    decimal.Decimal
	CollateralDelta decimal.Decimal
	// CollateralIn records which direction the trade ran.
	CollateralIn bool
}

func bpsRate(bps uint64) decimal.Decimal {
	return decimal.New(int64(bps), bpsScale)
}

// CalculateSwap prices a trade against the pool at the supplied oracle
// prices. quantityIsInput says whether quantity is what the trader pays
// or what they want to receive; quantityIsCollateral says which side of
// the pool that quantity is denominated in.
func CalculateSwap(pool *registry.Pool, onAssetPrice, collateralPrice, quantity decimal.Decimal,
	quantityIsInput, quantityIsCollateral bool, collateralScale uint8) (Quote, error) {
	if err := registry.GuardActive(pool.Status); err != nil {
		return Quote{}, err
	}
	if quantity.Sign() <= 0 {
		return Quote{}, errInvalidQuantity
	}
	if onAssetPrice.Sign() <= 0 || collateralPrice.Sign() <= 0 {
		return Quote{}, fmt.Errorf("swap engine: non-positive oracle price")
	}

	liquidityRate := bpsRate(pool.Params.LiquidityFeeBps)
	treasuryRate := bpsRate(pool.Params.TreasuryFeeBps)
	totalRate, err := liquidityRate.Add(treasuryRate)
	if err != nil {
		return Quote{}, err
	}

	// collateralIn: trade consumes collateral and emits onAsset.
	collateralIn := quantityIsCollateral == quantityIsInput

	outScale := decimal.CloneScale
	inScale := collateralScale
	priceIn, priceOut := collateralPrice, onAssetPrice
	if !collateralIn {
		outScale = collateralScale
		inScale = decimal.CloneScale
		priceIn, priceOut = onAssetPrice, collateralPrice
	}

	var input, gross decimal.Decimal
	if quantityIsInput {
		input = decimal.RescaleTowardZero(quantity, inScale)
		value, err := input.Mul(priceIn)
		if err != nil {
			return Quote{}, err
		}
		grossWide, err := value.Quo(priceOut)
		if err != nil {
			return Quote{}, err
		}
		gross = decimal.RescaleTowardZero(grossWide, outScale)
	} else {
		// quantity is the desired net output; gross it back up so the
		// output-leg fees land on top of the request.
		one := decimal.One(0)
		keep, err := one.Sub(totalRate)
		if err != nil {
			return Quote{}, err
		}
		grossWide, err := quantity.Quo(keep)
		if err != nil {
			return Quote{}, err
		}
		gross = decimal.RescaleTowardZero(grossWide, outScale)
		outValue, err := gross.Mul(priceOut)
		if err != nil {
			return Quote{}, err
		}
		inputWide, err := outValue.Quo(priceIn)
		if err != nil {
			return Quote{}, err
		}
		input = decimal.RescaleTowardZero(inputWide, inScale)
	}

	liquidityFeeWide, err := gross.Mul(liquidityRate)
	if err != nil {
		return Quote{}, err
	}
	treasuryFeeWide, err := gross.Mul(treasuryRate)
	if err != nil {
		return Quote{}, err
	}
	liquidityFee := decimal.RescaleTowardZero(liquidityFeeWide, outScale)
	treasuryFee := decimal.RescaleTowardZero(treasuryFeeWide, outScale)

	afterLiquidity, err := gross.Sub(liquidityFee)
	if err != nil {
		return Quote{}, err
	}
	result, err := afterLiquidity.Sub(treasuryFee)
	if err != nil {
		return Quote{}, err
	}

	if result.Sign() <= 0 || liquidityFee.Sign() <= 0 || treasuryFee.Sign() <= 0 {
		return Quote{}, ErrSwapAmountTooLow
	}

	if err := checkDepth(pool, input, gross, treasuryFee, collateralIn); err != nil {
		return Quote{}, err
	}

	quote := Quote{
		Result:           result,
		LiquidityFeePaid: liquidityFee,
		TreasuryFeePaid:  treasuryFee,
		Input:            input,
		CollateralIn:     collateralIn,
	}

	// The liquidity fee stays in the output reserve; only the result and
	// the treasury fee leave the pool.
	outDelta, err := result.Add(treasuryFee)
	if err != nil {
		return Quote{}, err
	}
	negOut, err := outDelta.Neg()
	if err != nil {
		return Quote{}, err
	}
	if collateralIn {
		quote.CollateralDelta = input
		quote.OnAssetDelta = negOut
	} else {
		quote.OnAssetDelta = input
		quote.CollateralDelta = negOut
	}
	return quote, nil
}

// checkDepth enforces the constant-product invariant-space bounds: the
// output cannot drain the reserve and the implied price impact
// input/(reserveIn+input) must stay under the pool threshold.
func checkDepth(pool *registry.Pool, input, gross, treasuryFee decimal.Decimal, collateralIn bool) error {
	reserveIn, reserveOut := pool.OnAssetReserve, pool.CollateralReserve
	if collateralIn {
		reserveIn, reserveOut = pool.CollateralReserve, pool.OnAssetReserve
	}

	if gross.Cmp(reserveOut) >= 0 {
		return ErrExceedsPoolDepth
	}

	if pool.Params.MaxPriceImpactBps == 0 {
		return nil
	}
	depth, err := reserveIn.Add(input)
	if err != nil {
		return err
	}
	if depth.Sign() <= 0 {
		return ErrExceedsPoolDepth
	}
	impact, err := input.Quo(depth)
	if err != nil {
		return err
	}
	if impact.Cmp(bpsRate(pool.Params.MaxPriceImpactBps)) > 0 {
		return ErrSlippageExceeded
	}
	return nil
}

// Execute applies the quote's exact signed deltas to the pool reserves.
func Execute(pool *registry.Pool, quote Quote) error {
	newOnAsset, err := pool.OnAssetReserve.Add(quote.OnAssetDelta)
	if err != nil {
		return err
	}
	newCollateral, err := pool.CollateralReserve.Add(quote.CollateralDelta)
	if err != nil {
		return err
	}
	if newOnAsset.Sign() < 0 || newCollateral.Sign() < 0 {
		return ErrExceedsPoolDepth
	}
	pool.OnAssetReserve = newOnAsset
	pool.CollateralReserve = newCollateral
	return nil
}
