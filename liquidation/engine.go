// Package liquidation closes out undercollateralized positions. A
// position is liquidatable when its health check fails or when its pool
// has been placed in forced-liquidation mode; liquidators burn synthetic
// debt and receive discounted collateral from the vault.
package liquidation

import (
	"errors"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/positions"
	"github.com/jup-ag/clone-protocol/registry"
)

var (
	// ErrUnableToLiquidate reports a liquidation attempt against a
	// position that is solvent and whose pool is not in forced
	// liquidation.
	ErrUnableToLiquidate = errors.New("liquidation engine: borrow position unable to liquidate")
	errInvalidAmount     = errors.New("liquidation engine: amount must be positive")
)

const bpsScale uint8 = 4

// Engine composes the position manager, oracle registry and ledger into
// the liquidation flow. The hosting layer sets the slot per action.
type Engine struct {
	reg            *registry.Registry
	oracles        *oracle.Registry
	book           ledger.Ledger
	manager        *positions.Manager
	staleThreshold uint64
	slot           uint64
}

// NewEngine wires the liquidation flow to the shared state.
func NewEngine(reg *registry.Registry, oracles *oracle.Registry, book ledger.Ledger,
	manager *positions.Manager, staleThreshold uint64) *Engine {
	return &Engine{
		reg:            reg,
		oracles:        oracles,
		book:           book,
		manager:        manager,
		staleThreshold: staleThreshold,
	}
}

// SetSlot stamps the slot used for oracle freshness checks.
func (e *Engine) SetSlot(slot uint64) { e.slot = slot }

// guardLiquidatable blocks only frozen pools. Deprecated pools still
// allow liquidations so stranded positions can be cleaned up.
func guardLiquidatable(s registry.Status) error {
	if s == registry.StatusFrozen {
		return registry.ErrStatusPreventsAction
	}
	return nil
}

// Result reports what a liquidation actually moved after clamping.
type Result struct {
	BurnAmount       decimal.Decimal
	CollateralReward decimal.Decimal
	Closed           bool
}

// LiquidateBorrowPosition burns up to amount of the position's synthetic
// debt from the liquidator and pays out discounted collateral. Partial
// liquidations must not strip the position past the configured maximum
// overcollateral ratio; a liquidation that zeroes the debt returns any
// remaining collateral to the owner and removes the position.
func (e *Engine) LiquidateBorrowPosition(liquidator, owner string, positionIndex int, amount decimal.Decimal) (Result, error) {
	if amount.Sign() <= 0 {
		return Result{}, errInvalidAmount
	}
	acct := e.manager.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return Result{}, err
	}
	pool, err := e.reg.Pool(pos.PoolIndex)
	if err != nil {
		return Result{}, err
	}
	if err := guardLiquidatable(pool.Status); err != nil {
		return Result{}, err
	}
	col, err := e.reg.Collateral(pos.CollateralIndex)
	if err != nil {
		return Result{}, err
	}

	poolReading, err := e.oracles.ReadFresh(pool.Params.OracleIndex, e.slot, e.staleThreshold)
	if err != nil {
		return Result{}, err
	}
	colReading, err := e.collateralReading(col)
	if err != nil {
		return Result{}, err
	}

	forced := pool.Status == registry.StatusLiquidation
	if !forced {
		err := health.CheckMintCollateralSufficient(poolReading, colReading,
			e.slot, e.staleThreshold,
			pos.BorrowedOnAsset, pool.Params.MinOvercollateralRatio,
			col.CollateralizationRatio, pos.CollateralAmount)
		if err == nil {
			return Result{}, ErrUnableToLiquidate
		}
		if !errors.Is(err, health.ErrInvalidMintCollateralRatio) {
			return Result{}, err
		}
	}

	burn := decimal.Min(decimal.RescaleTowardZero(amount, decimal.CloneScale), pos.BorrowedOnAsset)
	if burn.Sign() <= 0 {
		return Result{}, ErrUnableToLiquidate
	}

	reward, err := collateralReward(burn, poolReading.GetPrice(), colReading.GetPrice(),
		pool.Params.LiquidationDiscountBps, col.Scale)
	if err != nil {
		return Result{}, err
	}
	reward = decimal.Min(reward, pos.CollateralAmount)

	newBorrowed, err := pos.BorrowedOnAsset.Sub(burn)
	if err != nil {
		return Result{}, err
	}
	newCollateral, err := pos.CollateralAmount.Sub(reward)
	if err != nil {
		return Result{}, err
	}
	newMinted, err := pool.TotalMinted.Sub(burn)
	if err != nil {
		return Result{}, err
	}
	newVault, err := col.VaultBorrowSupply.Sub(reward)
	if err != nil {
		return Result{}, err
	}

	closed := newBorrowed.Sign() == 0
	if !closed {
		if err := e.checkNotOverLiquidated(pool, col, poolReading, colReading, newBorrowed, newCollateral); err != nil {
			return Result{}, err
		}
	}

	burnUnits, err := burn.TransferAmount(decimal.CloneScale)
	if err != nil {
		return Result{}, err
	}
	rewardUnits, err := reward.TransferAmount(col.Scale)
	if err != nil {
		return Result{}, err
	}
	if err := e.book.Burn(ledger.OnAssetToken(pos.PoolIndex), liquidator, burnUnits); err != nil {
		return Result{}, err
	}
	if rewardUnits > 0 {
		if err := e.book.Transfer(ledger.CollateralToken(pos.CollateralIndex), ledger.VaultAccount, liquidator, rewardUnits); err != nil {
			return Result{}, err
		}
	}

	pos.BorrowedOnAsset = newBorrowed
	pos.CollateralAmount = newCollateral
	pool.TotalMinted = newMinted
	col.VaultBorrowSupply = newVault

	if closed {
		// Leftover collateral goes back to the owner before removal.
		if newCollateral.Sign() > 0 {
			leftUnits, err := newCollateral.TransferAmount(col.Scale)
			if err != nil {
				return Result{}, err
			}
			if err := e.book.Transfer(ledger.CollateralToken(pos.CollateralIndex), ledger.VaultAccount, owner, leftUnits); err != nil {
				return Result{}, err
			}
			newVault, err = newVault.Sub(newCollateral)
			if err != nil {
				return Result{}, err
			}
			col.VaultBorrowSupply = newVault
		}
		if err := acct.RemoveBorrow(positionIndex); err != nil {
			return Result{}, err
		}
	}
	return Result{BurnAmount: burn, CollateralReward: reward, Closed: closed}, nil
}

// LiquidateCometPosition pays one sub-position's impermanent-loss debt
// on the owner's behalf and seizes discounted comet collateral in
// return. The comet must be unhealthy or the pool in forced
// liquidation; a comet with several sub-positions is liquidated one
// sub-position at a time.
func (e *Engine) LiquidateCometPosition(liquidator, owner string, positionIndex int,
	amount decimal.Decimal, payOnAsset bool) (Result, error) {
	if amount.Sign() <= 0 {
		return Result{}, errInvalidAmount
	}
	acct := e.manager.Account(owner)
	pos, err := acct.CometPosition(positionIndex)
	if err != nil {
		return Result{}, err
	}
	pool, err := e.reg.Pool(pos.PoolIndex)
	if err != nil {
		return Result{}, err
	}
	if err := guardLiquidatable(pool.Status); err != nil {
		return Result{}, err
	}
	stable, err := e.reg.Collateral(registry.StableCollateralIndex)
	if err != nil {
		return Result{}, err
	}

	forced := pool.Status == registry.StatusLiquidation
	if !forced {
		score, err := e.manager.CometHealthScore(owner)
		if err != nil {
			return Result{}, err
		}
		if score.Healthy() {
			return Result{}, ErrUnableToLiquidate
		}
	}

	poolReading, err := e.oracles.ReadFresh(pool.Params.OracleIndex, e.slot, e.staleThreshold)
	if err != nil {
		return Result{}, err
	}

	scale := stable.Scale
	if payOnAsset {
		scale = decimal.CloneScale
	}
	amount = decimal.RescaleTowardZero(amount, scale)

	claimStable, claimOnAsset, err := positions.ProportionalClaim(pool, pos.LiquidityTokenValue, stable.Scale)
	if err != nil {
		return Result{}, err
	}
	borrowed, claim := pos.BorrowedStable, claimStable
	if payOnAsset {
		borrowed, claim = pos.BorrowedOnAsset, claimOnAsset
	}
	shortfall, err := borrowed.Sub(claim)
	if err != nil {
		return Result{}, err
	}
	if shortfall.Sign() <= 0 {
		return Result{}, ErrUnableToLiquidate
	}
	payment := decimal.Min(amount, decimal.RescaleTowardZero(shortfall, scale))
	if payment.Sign() <= 0 {
		return Result{}, ErrUnableToLiquidate
	}

	// Reward value in stable terms, with the liquidator discount on top.
	value := payment
	if payOnAsset {
		valueWide, err := payment.Mul(poolReading.GetPrice())
		if err != nil {
			return Result{}, err
		}
		value = valueWide
	}
	reward, err := applyDiscount(value, pool.Params.LiquidationDiscountBps, stable.Scale)
	if err != nil {
		return Result{}, err
	}

	seized, err := e.seizeCometCollateral(acct, reward)
	if err != nil {
		return Result{}, err
	}

	newBorrowed, err := borrowed.Sub(payment)
	if err != nil {
		return Result{}, err
	}

	units, err := payment.TransferAmount(scale)
	if err != nil {
		return Result{}, err
	}
	if payOnAsset {
		newMinted, err := pool.TotalMinted.Sub(payment)
		if err != nil {
			return Result{}, err
		}
		if err := e.book.Burn(ledger.OnAssetToken(pos.PoolIndex), liquidator, units); err != nil {
			return Result{}, err
		}
		pos.BorrowedOnAsset = newBorrowed
		pool.TotalMinted = newMinted
	} else {
		if err := e.book.Burn(ledger.StableToken, liquidator, units); err != nil {
			return Result{}, err
		}
		pos.BorrowedStable = newBorrowed
	}

	if err := e.payoutSeized(acct, liquidator, seized); err != nil {
		return Result{}, err
	}

	closed := pos.Empty()
	if closed {
		if err := acct.RemoveCometPosition(positionIndex); err != nil {
			return Result{}, err
		}
	}
	return Result{BurnAmount: payment, CollateralReward: seized.total, Closed: closed}, nil
}

type seizure struct {
	allocations []seizedAllocation
	total       decimal.Decimal
}

type seizedAllocation struct {
	collateralIndex int
	amount          decimal.Decimal
}

// seizeCometCollateral stages taking up to rewardValue of collateral
// from the comet, stable allocation first, valued at oracle prices. The
// seized total is clamped to what the comet holds.
func (e *Engine) seizeCometCollateral(acct *positions.Account, rewardValue decimal.Decimal) (seizure, error) {
	out := seizure{total: decimal.Zero(decimal.CloneScale)}
	remaining := rewardValue

	indices := stableFirst(acct.Comet.Collaterals)
	for _, i := range indices {
		if remaining.Sign() <= 0 {
			break
		}
		alloc := &acct.Comet.Collaterals[i]
		if alloc.Amount.Sign() <= 0 {
			continue
		}
		col, err := e.reg.Collateral(alloc.CollateralIndex)
		if err != nil {
			return seizure{}, err
		}
		price, err := e.collateralPrice(col)
		if err != nil {
			return seizure{}, err
		}
		neededWide, err := remaining.Quo(price)
		if err != nil {
			return seizure{}, err
		}
		take := decimal.Min(decimal.RescaleTowardZero(neededWide, col.Scale), alloc.Amount)
		if take.Sign() <= 0 {
			continue
		}
		takenValue, err := take.Mul(price)
		if err != nil {
			return seizure{}, err
		}
		remaining, err = remaining.Sub(takenValue)
		if err != nil {
			return seizure{}, err
		}
		out.allocations = append(out.allocations, seizedAllocation{
			collateralIndex: alloc.CollateralIndex,
			amount:          take,
		})
		out.total, err = out.total.Add(takenValue)
		if err != nil {
			return seizure{}, err
		}
	}
	return out, nil
}

// payoutSeized commits a staged seizure: comet allocations and vault
// supplies shrink, the collateral moves from the vault to the
// liquidator.
func (e *Engine) payoutSeized(acct *positions.Account, liquidator string, s seizure) error {
	for _, taken := range s.allocations {
		col, err := e.reg.Collateral(taken.collateralIndex)
		if err != nil {
			return err
		}
		var alloc *positions.CometCollateral
		for i := range acct.Comet.Collaterals {
			if acct.Comet.Collaterals[i].CollateralIndex == taken.collateralIndex {
				alloc = &acct.Comet.Collaterals[i]
			}
		}
		if alloc == nil {
			return positions.ErrUnknownCollateral
		}
		newAmount, err := alloc.Amount.Sub(taken.amount)
		if err != nil {
			return err
		}
		newVault, err := col.VaultCometSupply.Sub(taken.amount)
		if err != nil {
			return err
		}
		units, err := taken.amount.TransferAmount(col.Scale)
		if err != nil {
			return err
		}
		if err := e.book.Transfer(ledger.CollateralToken(taken.collateralIndex), ledger.VaultAccount, liquidator, units); err != nil {
			return err
		}
		alloc.Amount = newAmount
		col.VaultCometSupply = newVault
	}
	return nil
}

// stableFirst orders allocation indices so the stable collateral is
// seized before volatile ones.
func stableFirst(allocs []positions.CometCollateral) []int {
	out := make([]int, 0, len(allocs))
	for i, alloc := range allocs {
		if alloc.CollateralIndex == registry.StableCollateralIndex {
			out = append(out, i)
		}
	}
	for i, alloc := range allocs {
		if alloc.CollateralIndex != registry.StableCollateralIndex {
			out = append(out, i)
		}
	}
	return out
}

// checkNotOverLiquidated rejects partial liquidations that leave the
// position above the maximum liquidation overcollateral ratio.
func (e *Engine) checkNotOverLiquidated(pool *registry.Pool, col *registry.Collateral,
	poolReading, colReading oracle.Reading, borrowed, collateralAmount decimal.Decimal) error {

	collateralValue, err := collateralAmount.Mul(colReading.GetPrice())
	if err != nil {
		return err
	}
	collateralValue, err = collateralValue.Mul(col.CollateralizationRatio)
	if err != nil {
		return err
	}
	debtValue, err := borrowed.Mul(poolReading.GetPrice())
	if err != nil {
		return err
	}
	limit, err := debtValue.Mul(pool.Params.MaxLiquidationOvercollateralRatio)
	if err != nil {
		return err
	}
	if collateralValue.Cmp(limit) > 0 {
		return health.ErrInvalidMintCollateralRatio
	}
	return nil
}

// collateralReward prices the liquidator payout:
//
//	(1 + discount) × burn × assetPrice / collateralPrice
//
// truncated toward zero at the collateral scale.
func collateralReward(burn, assetPrice, collateralPrice decimal.Decimal, discountBps uint64, collateralScale uint8) (decimal.Decimal, error) {
	gross, err := applyDiscount(burn, discountBps, decimal.CloneScale)
	if err != nil {
		return decimal.Decimal{}, err
	}
	value, err := gross.Mul(assetPrice)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rewardWide, err := value.Quo(collateralPrice)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.RescaleTowardZero(rewardWide, collateralScale), nil
}

// applyDiscount scales an amount by (1 + discountBps) and truncates to
// the target scale.
func applyDiscount(amount decimal.Decimal, discountBps uint64, scale uint8) (decimal.Decimal, error) {
	rate, err := decimal.One(0).Add(decimal.New(int64(discountBps), bpsScale))
	if err != nil {
		return decimal.Decimal{}, err
	}
	out, err := amount.Mul(rate)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.RescaleTowardZero(out, scale), nil
}

// collateralReading resolves the collateral price feed, with the stable
// collateral pegged at one.
func (e *Engine) collateralReading(col *registry.Collateral) (oracle.Reading, error) {
	if col.Stable {
		return oracle.Reading{
			Price:          100000000,
			Exponent:       decimal.CloneScale,
			LastUpdateSlot: e.slot,
		}, nil
	}
	return e.oracles.ReadFresh(col.OracleIndex, e.slot, e.staleThreshold)
}

func (e *Engine) collateralPrice(col *registry.Collateral) (decimal.Decimal, error) {
	reading, err := e.collateralReading(col)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return reading.GetPrice(), nil
}
