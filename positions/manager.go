// Package positions owns per-user borrow positions and comets and runs
// their lifecycle against the shared pool and collateral arenas. Every
// operation computes its full staged state before the first ledger call
// or field assignment, so a failing check leaves nothing half applied.
package positions

import (
	"errors"
	"fmt"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/registry"
)

var (
	// ErrOutstandingDebt blocks closing a borrow position that still owes.
	ErrOutstandingDebt = errors.New("positions: close requires zero borrowed amount")
	// ErrInsufficientCollateral reports a withdrawal beyond the position.
	ErrInsufficientCollateral = errors.New("positions: amount exceeds position collateral")
	// ErrCometUnhealthy rejects a mutation that would push the comet's
	// health score to zero or below.
	ErrCometUnhealthy = errors.New("positions: action would leave comet unhealthy")
	// ErrUnknownCollateral reports a comet withdrawal against a
	// collateral the comet does not hold.
	ErrUnknownCollateral = errors.New("positions: comet holds no such collateral")
	// ErrPositionNotEmpty blocks removing a comet sub-position that
	// still carries liquidity or debt.
	ErrPositionNotEmpty = errors.New("positions: position still carries liquidity or debt")
	// ErrNoLiquidity reports a pool with zero liquidity token supply
	// where a proportional claim was required.
	ErrNoLiquidity = errors.New("positions: pool has no liquidity")

	errInvalidAmount = errors.New("positions: amount must be positive")
)

// Manager is the position lifecycle engine. The hosting layer sets the
// current slot before dispatching each action and serializes access.
type Manager struct {
	reg            *registry.Registry
	oracles        *oracle.Registry
	book           ledger.Ledger
	accounts       map[string]*Account
	staleThreshold uint64
	slot           uint64
}

// NewManager wires the engine to the shared arenas, the oracle registry
// and the token ledger.
func NewManager(reg *registry.Registry, oracles *oracle.Registry, book ledger.Ledger, staleThreshold uint64) *Manager {
	return &Manager{
		reg:            reg,
		oracles:        oracles,
		book:           book,
		accounts:       make(map[string]*Account),
		staleThreshold: staleThreshold,
	}
}

// SetSlot stamps the slot used for oracle freshness checks.
func (m *Manager) SetSlot(slot uint64) { m.slot = slot }

// Account returns the owner's account, creating an empty one on first use.
func (m *Manager) Account(owner string) *Account {
	acct, ok := m.accounts[owner]
	if !ok {
		acct = &Account{Owner: owner}
		m.accounts[owner] = acct
	}
	return acct
}

// Snapshot deep-copies every account for persistence or rollback.
func (m *Manager) Snapshot() map[string]*Account {
	out := make(map[string]*Account, len(m.accounts))
	for owner, acct := range m.accounts {
		out[owner] = acct.Clone()
	}
	return out
}

// Restore replaces the account set from a snapshot.
func (m *Manager) Restore(accounts map[string]*Account) {
	m.accounts = make(map[string]*Account, len(accounts))
	for owner, acct := range accounts {
		m.accounts[owner] = acct.Clone()
	}
}

// collateralReading resolves the price feed for a collateral entry. The
// stable collateral is pegged at one and never goes stale.
func (m *Manager) collateralReading(col *registry.Collateral) (oracle.Reading, error) {
	if col.Stable {
		return oracle.Reading{
			Price:          pegMantissa,
			Exponent:       decimal.CloneScale,
			LastUpdateSlot: m.slot,
		}, nil
	}
	return m.oracles.Read(col.OracleIndex)
}

// pegMantissa is 1.0 at the protocol token scale.
const pegMantissa = int64(100000000)

func positive(d decimal.Decimal) error {
	if d.Sign() <= 0 {
		return errInvalidAmount
	}
	return nil
}

// OpenBorrowPosition locks collateral and mints onAsset against it,
// returning the index of the new position.
func (m *Manager) OpenBorrowPosition(owner string, poolIndex, collateralIndex int,
	collateralAmount, borrowAmount decimal.Decimal) (int, error) {

	pool, err := m.reg.Pool(poolIndex)
	if err != nil {
		return 0, err
	}
	if err := registry.GuardActive(pool.Status); err != nil {
		return 0, err
	}
	col, err := m.reg.Collateral(collateralIndex)
	if err != nil {
		return 0, err
	}

	collateralAmount = decimal.RescaleTowardZero(collateralAmount, col.Scale)
	borrowAmount = decimal.RescaleTowardZero(borrowAmount, decimal.CloneScale)
	if err := positive(collateralAmount); err != nil {
		return 0, err
	}
	if err := positive(borrowAmount); err != nil {
		return 0, err
	}

	if err := m.checkBorrowSolvent(pool, col, borrowAmount, collateralAmount); err != nil {
		return 0, err
	}

	newVault, err := col.VaultBorrowSupply.Add(collateralAmount)
	if err != nil {
		return 0, err
	}
	newMinted, err := pool.TotalMinted.Add(borrowAmount)
	if err != nil {
		return 0, err
	}

	acct := m.Account(owner)
	if len(acct.Borrows) >= MaxPositionsPerAccount {
		return 0, ErrPositionCapacity
	}

	lockUnits, err := collateralAmount.TransferAmount(col.Scale)
	if err != nil {
		return 0, err
	}
	mintUnits, err := borrowAmount.TransferAmount(decimal.CloneScale)
	if err != nil {
		return 0, err
	}
	if err := m.book.Transfer(ledger.CollateralToken(collateralIndex), owner, ledger.VaultAccount, lockUnits); err != nil {
		return 0, err
	}
	if err := m.book.Mint(ledger.OnAssetToken(poolIndex), owner, mintUnits); err != nil {
		return 0, err
	}

	col.VaultBorrowSupply = newVault
	pool.TotalMinted = newMinted
	acct.Borrows = append(acct.Borrows, BorrowPosition{
		PoolIndex:        poolIndex,
		CollateralIndex:  collateralIndex,
		CollateralAmount: collateralAmount,
		BorrowedOnAsset:  borrowAmount,
	})
	return len(acct.Borrows) - 1, nil
}

// AddBorrowCollateral deposits more collateral into an open position.
// No solvency check runs; adding collateral only improves the position.
func (m *Manager) AddBorrowCollateral(owner string, positionIndex int, amount decimal.Decimal) error {
	acct := m.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return err
	}
	if err := registry.GuardNotFrozen(pool.Status); err != nil {
		return err
	}
	col, err := m.reg.Collateral(pos.CollateralIndex)
	if err != nil {
		return err
	}

	amount = decimal.RescaleTowardZero(amount, col.Scale)
	if err := positive(amount); err != nil {
		return err
	}
	newAmount, err := pos.CollateralAmount.Add(amount)
	if err != nil {
		return err
	}
	newVault, err := col.VaultBorrowSupply.Add(amount)
	if err != nil {
		return err
	}

	units, err := amount.TransferAmount(col.Scale)
	if err != nil {
		return err
	}
	if err := m.book.Transfer(ledger.CollateralToken(pos.CollateralIndex), owner, ledger.VaultAccount, units); err != nil {
		return err
	}

	pos.CollateralAmount = newAmount
	col.VaultBorrowSupply = newVault
	return nil
}

// WithdrawBorrowCollateral releases collateral from a position. The
// post-withdrawal state must still satisfy the overcollateral ratio.
func (m *Manager) WithdrawBorrowCollateral(owner string, positionIndex int, amount decimal.Decimal) error {
	acct := m.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return err
	}
	if err := registry.GuardNotFrozen(pool.Status); err != nil {
		return err
	}
	col, err := m.reg.Collateral(pos.CollateralIndex)
	if err != nil {
		return err
	}

	amount = decimal.RescaleTowardZero(amount, col.Scale)
	if err := positive(amount); err != nil {
		return err
	}
	if amount.Cmp(pos.CollateralAmount) > 0 {
		return ErrInsufficientCollateral
	}
	newAmount, err := pos.CollateralAmount.Sub(amount)
	if err != nil {
		return err
	}
	newVault, err := col.VaultBorrowSupply.Sub(amount)
	if err != nil {
		return err
	}

	if err := m.checkBorrowSolvent(pool, col, pos.BorrowedOnAsset, newAmount); err != nil {
		return err
	}

	units, err := amount.TransferAmount(col.Scale)
	if err != nil {
		return err
	}
	if err := m.book.Transfer(ledger.CollateralToken(pos.CollateralIndex), ledger.VaultAccount, owner, units); err != nil {
		return err
	}

	pos.CollateralAmount = newAmount
	col.VaultBorrowSupply = newVault
	return nil
}

// BorrowMore mints additional onAsset against an open position.
func (m *Manager) BorrowMore(owner string, positionIndex int, amount decimal.Decimal) error {
	acct := m.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return err
	}
	if err := registry.GuardActive(pool.Status); err != nil {
		return err
	}
	col, err := m.reg.Collateral(pos.CollateralIndex)
	if err != nil {
		return err
	}

	amount = decimal.RescaleTowardZero(amount, decimal.CloneScale)
	if err := positive(amount); err != nil {
		return err
	}
	newBorrowed, err := pos.BorrowedOnAsset.Add(amount)
	if err != nil {
		return err
	}
	newMinted, err := pool.TotalMinted.Add(amount)
	if err != nil {
		return err
	}

	if err := m.checkBorrowSolvent(pool, col, newBorrowed, pos.CollateralAmount); err != nil {
		return err
	}

	units, err := amount.TransferAmount(decimal.CloneScale)
	if err != nil {
		return err
	}
	if err := m.book.Mint(ledger.OnAssetToken(pos.PoolIndex), owner, units); err != nil {
		return err
	}

	pos.BorrowedOnAsset = newBorrowed
	pool.TotalMinted = newMinted
	return nil
}

// PayBorrowDebt burns onAsset against the position's debt. The payment
// is clamped to the outstanding amount, so overpaying settles the debt
// exactly and burns no more than is owed.
func (m *Manager) PayBorrowDebt(owner string, positionIndex int, amount decimal.Decimal) (decimal.Decimal, error) {
	acct := m.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := registry.GuardNotFrozen(pool.Status); err != nil {
		return decimal.Decimal{}, err
	}

	amount = decimal.RescaleTowardZero(amount, decimal.CloneScale)
	if err := positive(amount); err != nil {
		return decimal.Decimal{}, err
	}
	payment := decimal.Min(amount, pos.BorrowedOnAsset)
	if payment.Sign() <= 0 {
		return decimal.Zero(decimal.CloneScale), nil
	}
	newBorrowed, err := pos.BorrowedOnAsset.Sub(payment)
	if err != nil {
		return decimal.Decimal{}, err
	}
	newMinted, err := pool.TotalMinted.Sub(payment)
	if err != nil {
		return decimal.Decimal{}, err
	}

	units, err := payment.TransferAmount(decimal.CloneScale)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := m.book.Burn(ledger.OnAssetToken(pos.PoolIndex), owner, units); err != nil {
		return decimal.Decimal{}, err
	}

	pos.BorrowedOnAsset = newBorrowed
	pool.TotalMinted = newMinted
	return payment, nil
}

// CloseBorrowPosition returns remaining collateral and removes the
// position. The debt must already be fully paid.
func (m *Manager) CloseBorrowPosition(owner string, positionIndex int) error {
	acct := m.Account(owner)
	pos, err := acct.Borrow(positionIndex)
	if err != nil {
		return err
	}
	if pos.BorrowedOnAsset.Sign() != 0 {
		return ErrOutstandingDebt
	}
	col, err := m.reg.Collateral(pos.CollateralIndex)
	if err != nil {
		return err
	}

	if pos.CollateralAmount.Sign() > 0 {
		newVault, err := col.VaultBorrowSupply.Sub(pos.CollateralAmount)
		if err != nil {
			return err
		}
		units, err := pos.CollateralAmount.TransferAmount(col.Scale)
		if err != nil {
			return err
		}
		if err := m.book.Transfer(ledger.CollateralToken(pos.CollateralIndex), ledger.VaultAccount, owner, units); err != nil {
			return err
		}
		col.VaultBorrowSupply = newVault
	}
	return acct.RemoveBorrow(positionIndex)
}

// checkBorrowSolvent evaluates the overcollateral requirement for a
// staged borrow state against fresh oracle readings.
func (m *Manager) checkBorrowSolvent(pool *registry.Pool, col *registry.Collateral,
	borrowed, collateralAmount decimal.Decimal) error {

	poolReading, err := m.oracles.Read(pool.Params.OracleIndex)
	if err != nil {
		return err
	}
	colReading, err := m.collateralReading(col)
	if err != nil {
		return err
	}
	return health.CheckMintCollateralSufficient(poolReading, colReading,
		m.slot, m.staleThreshold,
		borrowed, pool.Params.MinOvercollateralRatio, col.CollateralizationRatio, collateralAmount)
}

// AddCometCollateral deposits collateral into the owner's comet.
func (m *Manager) AddCometCollateral(owner string, collateralIndex int, amount decimal.Decimal) error {
	col, err := m.reg.Collateral(collateralIndex)
	if err != nil {
		return err
	}
	amount = decimal.RescaleTowardZero(amount, col.Scale)
	if err := positive(amount); err != nil {
		return err
	}

	acct := m.Account(owner)
	alloc := acct.cometCollateral(collateralIndex, col.Scale)
	newAmount, err := alloc.Amount.Add(amount)
	if err != nil {
		return err
	}
	newVault, err := col.VaultCometSupply.Add(amount)
	if err != nil {
		return err
	}

	units, err := amount.TransferAmount(col.Scale)
	if err != nil {
		return err
	}
	if err := m.book.Transfer(ledger.CollateralToken(collateralIndex), owner, ledger.VaultAccount, units); err != nil {
		return err
	}

	alloc.Amount = newAmount
	col.VaultCometSupply = newVault
	return nil
}

// WithdrawCometCollateral releases comet collateral. The comet must
// remain healthy after the withdrawal.
func (m *Manager) WithdrawCometCollateral(owner string, collateralIndex int, amount decimal.Decimal) error {
	col, err := m.reg.Collateral(collateralIndex)
	if err != nil {
		return err
	}
	amount = decimal.RescaleTowardZero(amount, col.Scale)
	if err := positive(amount); err != nil {
		return err
	}

	acct := m.Account(owner)
	var alloc *CometCollateral
	for i := range acct.Comet.Collaterals {
		if acct.Comet.Collaterals[i].CollateralIndex == collateralIndex {
			alloc = &acct.Comet.Collaterals[i]
			break
		}
	}
	if alloc == nil {
		return fmt.Errorf("%w: index %d", ErrUnknownCollateral, collateralIndex)
	}
	if amount.Cmp(alloc.Amount) > 0 {
		return ErrInsufficientCollateral
	}

	newAmount, err := alloc.Amount.Sub(amount)
	if err != nil {
		return err
	}
	newVault, err := col.VaultCometSupply.Sub(amount)
	if err != nil {
		return err
	}

	// Score the staged comet before moving anything.
	staged := acct.Clone()
	for i := range staged.Comet.Collaterals {
		if staged.Comet.Collaterals[i].CollateralIndex == collateralIndex {
			staged.Comet.Collaterals[i].Amount = newAmount
		}
	}
	score, err := m.scoreComet(staged)
	if err != nil {
		return err
	}
	if !score.Healthy() {
		return ErrCometUnhealthy
	}

	units, err := amount.TransferAmount(col.Scale)
	if err != nil {
		return err
	}
	if err := m.book.Transfer(ledger.CollateralToken(collateralIndex), ledger.VaultAccount, owner, units); err != nil {
		return err
	}

	alloc.Amount = newAmount
	col.VaultCometSupply = newVault
	return nil
}

// AddLiquidity commits two-sided liquidity to a pool, sized by the
// stable-side amount at the oracle price. Both sides are recorded as
// debt against the comet; no tokens move, the reserves are virtual.
func (m *Manager) AddLiquidity(owner string, poolIndex int, stableAmount decimal.Decimal) (int, error) {
	pool, err := m.reg.Pool(poolIndex)
	if err != nil {
		return 0, err
	}
	if err := registry.GuardActive(pool.Status); err != nil {
		return 0, err
	}
	stableScale, err := m.stableScale()
	if err != nil {
		return 0, err
	}
	stableAmount = decimal.RescaleTowardZero(stableAmount, stableScale)
	if err := positive(stableAmount); err != nil {
		return 0, err
	}

	reading, err := m.oracles.ReadFresh(pool.Params.OracleIndex, m.slot, m.staleThreshold)
	if err != nil {
		return 0, err
	}
	onAssetWide, err := stableAmount.Quo(reading.GetPrice())
	if err != nil {
		return 0, err
	}
	onAssetAmount := decimal.RescaleTowardZero(onAssetWide, decimal.CloneScale)
	if onAssetAmount.Sign() <= 0 {
		return 0, errInvalidAmount
	}

	// First provider sets the token supply equal to the stable side.
	lpTokens := stableAmount
	if pool.LiquidityTokenSupply.Sign() > 0 {
		shareWide, err := stableAmount.Quo(pool.CollateralReserve)
		if err != nil {
			return 0, err
		}
		lpWide, err := pool.LiquidityTokenSupply.Mul(shareWide)
		if err != nil {
			return 0, err
		}
		lpTokens = decimal.RescaleTowardZero(lpWide, stableScale)
	}
	if lpTokens.Sign() <= 0 {
		return 0, errInvalidAmount
	}

	newCollateralReserve, err := pool.CollateralReserve.Add(stableAmount)
	if err != nil {
		return 0, err
	}
	newOnAssetReserve, err := pool.OnAssetReserve.Add(onAssetAmount)
	if err != nil {
		return 0, err
	}
	newSupply, err := pool.LiquidityTokenSupply.Add(lpTokens)
	if err != nil {
		return 0, err
	}
	newMinted, err := pool.TotalMinted.Add(onAssetAmount)
	if err != nil {
		return 0, err
	}

	acct := m.Account(owner)
	index := -1
	for i := range acct.Comet.Positions {
		if acct.Comet.Positions[i].PoolIndex == poolIndex {
			index = i
			break
		}
	}

	if index >= 0 {
		pos := &acct.Comet.Positions[index]
		newLTV, err := pos.LiquidityTokenValue.Add(lpTokens)
		if err != nil {
			return 0, err
		}
		newStable, err := pos.BorrowedStable.Add(stableAmount)
		if err != nil {
			return 0, err
		}
		newOnAsset, err := pos.BorrowedOnAsset.Add(onAssetAmount)
		if err != nil {
			return 0, err
		}
		pos.LiquidityTokenValue = newLTV
		pos.BorrowedStable = newStable
		pos.BorrowedOnAsset = newOnAsset
	} else {
		if len(acct.Comet.Positions) >= MaxPositionsPerAccount {
			return 0, ErrPositionCapacity
		}
		acct.Comet.Positions = append(acct.Comet.Positions, CometLiquidity{
			PoolIndex:           poolIndex,
			LiquidityTokenValue: lpTokens,
			BorrowedStable:      stableAmount,
			BorrowedOnAsset:     onAssetAmount,
		})
		index = len(acct.Comet.Positions) - 1
	}

	pool.CollateralReserve = newCollateralReserve
	pool.OnAssetReserve = newOnAssetReserve
	pool.LiquidityTokenSupply = newSupply
	pool.TotalMinted = newMinted

	score, err := m.scoreComet(acct)
	if err == nil && !score.Healthy() {
		err = ErrCometUnhealthy
	}
	if err != nil {
		// Unwind the staged commit; nothing external moved.
		m.unwindLiquidity(pool, acct, index, lpTokens, stableAmount, onAssetAmount)
		return 0, err
	}
	return index, nil
}

// unwindLiquidity reverses an AddLiquidity commit that failed its
// post-state health check. The subtractions mirror additions that just
// succeeded, so they cannot fail.
func (m *Manager) unwindLiquidity(pool *registry.Pool, acct *Account, index int,
	lpTokens, stableAmount, onAssetAmount decimal.Decimal) {

	pool.CollateralReserve, _ = pool.CollateralReserve.Sub(stableAmount)
	pool.OnAssetReserve, _ = pool.OnAssetReserve.Sub(onAssetAmount)
	pool.LiquidityTokenSupply, _ = pool.LiquidityTokenSupply.Sub(lpTokens)
	pool.TotalMinted, _ = pool.TotalMinted.Sub(onAssetAmount)

	pos := &acct.Comet.Positions[index]
	pos.LiquidityTokenValue, _ = pos.LiquidityTokenValue.Sub(lpTokens)
	pos.BorrowedStable, _ = pos.BorrowedStable.Sub(stableAmount)
	pos.BorrowedOnAsset, _ = pos.BorrowedOnAsset.Sub(onAssetAmount)
	if pos.Empty() {
		_ = acct.RemoveCometPosition(index)
	}
}

// WithdrawLiquidity redeems liquidity tokens for the proportional claim
// on both reserves. Claims first retire the recorded debt; any excess is
// realized profit minted to the owner.
func (m *Manager) WithdrawLiquidity(owner string, positionIndex int, lpTokens decimal.Decimal) error {
	acct := m.Account(owner)
	pos, err := acct.CometPosition(positionIndex)
	if err != nil {
		return err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return err
	}
	if err := registry.GuardNotFrozen(pool.Status); err != nil {
		return err
	}
	stableScale, err := m.stableScale()
	if err != nil {
		return err
	}

	lpTokens = decimal.RescaleTowardZero(lpTokens, stableScale)
	if err := positive(lpTokens); err != nil {
		return err
	}
	lpTokens = decimal.Min(lpTokens, pos.LiquidityTokenValue)
	if pool.LiquidityTokenSupply.Sign() <= 0 {
		return ErrNoLiquidity
	}

	claimStable, claimOnAsset, err := ProportionalClaim(pool, lpTokens, stableScale)
	if err != nil {
		return err
	}

	retiredStable := decimal.Min(claimStable, pos.BorrowedStable)
	retiredOnAsset := decimal.Min(claimOnAsset, pos.BorrowedOnAsset)
	surplusStable, err := claimStable.Sub(retiredStable)
	if err != nil {
		return err
	}
	surplusOnAsset, err := claimOnAsset.Sub(retiredOnAsset)
	if err != nil {
		return err
	}

	newCollateralReserve, err := pool.CollateralReserve.Sub(claimStable)
	if err != nil {
		return err
	}
	newOnAssetReserve, err := pool.OnAssetReserve.Sub(claimOnAsset)
	if err != nil {
		return err
	}
	newSupply, err := pool.LiquidityTokenSupply.Sub(lpTokens)
	if err != nil {
		return err
	}
	newMinted, err := pool.TotalMinted.Sub(retiredOnAsset)
	if err != nil {
		return err
	}
	newLTV, err := pos.LiquidityTokenValue.Sub(lpTokens)
	if err != nil {
		return err
	}
	newStable, err := pos.BorrowedStable.Sub(retiredStable)
	if err != nil {
		return err
	}
	newOnAsset, err := pos.BorrowedOnAsset.Sub(retiredOnAsset)
	if err != nil {
		return err
	}

	if surplusStable.Sign() > 0 {
		units, err := surplusStable.TransferAmount(stableScale)
		if err != nil {
			return err
		}
		if err := m.book.Mint(ledger.StableToken, owner, units); err != nil {
			return err
		}
	}
	if surplusOnAsset.Sign() > 0 {
		units, err := surplusOnAsset.TransferAmount(decimal.CloneScale)
		if err != nil {
			return err
		}
		if err := m.book.Mint(ledger.OnAssetToken(pos.PoolIndex), owner, units); err != nil {
			return err
		}
	}

	pool.CollateralReserve = newCollateralReserve
	pool.OnAssetReserve = newOnAssetReserve
	pool.LiquidityTokenSupply = newSupply
	pool.TotalMinted = newMinted
	pos.LiquidityTokenValue = newLTV
	pos.BorrowedStable = newStable
	pos.BorrowedOnAsset = newOnAsset
	return nil
}

// PayILDebt burns the owner's tokens against the impermanent-loss debt
// of one comet sub-position. Only the shortfall beyond the proportional
// claim is payable; payments clamp to it, so a position without IL debt
// is a no-op. Returns the amount actually paid.
func (m *Manager) PayILDebt(owner string, positionIndex int, amount decimal.Decimal, payOnAsset bool) (decimal.Decimal, error) {
	acct := m.Account(owner)
	pos, err := acct.CometPosition(positionIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := registry.GuardNotFrozen(pool.Status); err != nil {
		return decimal.Decimal{}, err
	}
	stableScale, err := m.stableScale()
	if err != nil {
		return decimal.Decimal{}, err
	}

	scale := stableScale
	if payOnAsset {
		scale = decimal.CloneScale
	}
	amount = decimal.RescaleTowardZero(amount, scale)
	if err := positive(amount); err != nil {
		return decimal.Decimal{}, err
	}

	claimStable, claimOnAsset, err := ProportionalClaim(pool, pos.LiquidityTokenValue, stableScale)
	if err != nil {
		return decimal.Decimal{}, err
	}

	borrowed, claim := pos.BorrowedStable, claimStable
	if payOnAsset {
		borrowed, claim = pos.BorrowedOnAsset, claimOnAsset
	}
	shortfall, err := borrowed.Sub(claim)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if shortfall.Sign() <= 0 {
		return decimal.Zero(scale), nil
	}
	payment := decimal.Min(amount, decimal.RescaleTowardZero(shortfall, scale))
	if payment.Sign() <= 0 {
		return decimal.Zero(scale), nil
	}

	newBorrowed, err := borrowed.Sub(payment)
	if err != nil {
		return decimal.Decimal{}, err
	}

	units, err := payment.TransferAmount(scale)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if payOnAsset {
		newMinted, err := pool.TotalMinted.Sub(payment)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if err := m.book.Burn(ledger.OnAssetToken(pos.PoolIndex), owner, units); err != nil {
			return decimal.Decimal{}, err
		}
		pos.BorrowedOnAsset = newBorrowed
		pool.TotalMinted = newMinted
	} else {
		if err := m.book.Burn(ledger.StableToken, owner, units); err != nil {
			return decimal.Decimal{}, err
		}
		pos.BorrowedStable = newBorrowed
	}
	return payment, nil
}

// Recenter rebalances a sub-position's debt against the current
// reserves at the oracle price. The onAsset-side shortfall or surplus
// moves onto the stable side at equal value, so recentering never
// changes the total debt value and never moves tokens.
func (m *Manager) Recenter(owner string, positionIndex int) error {
	acct := m.Account(owner)
	pos, err := acct.CometPosition(positionIndex)
	if err != nil {
		return err
	}
	pool, err := m.reg.Pool(pos.PoolIndex)
	if err != nil {
		return err
	}
	if err := registry.GuardActive(pool.Status); err != nil {
		return err
	}
	stableScale, err := m.stableScale()
	if err != nil {
		return err
	}

	reading, err := m.oracles.ReadFresh(pool.Params.OracleIndex, m.slot, m.staleThreshold)
	if err != nil {
		return err
	}
	price := reading.GetPrice()

	_, claimOnAsset, err := ProportionalClaim(pool, pos.LiquidityTokenValue, stableScale)
	if err != nil {
		return err
	}

	diff, err := pos.BorrowedOnAsset.Sub(claimOnAsset)
	if err != nil {
		return err
	}
	if diff.Sign() == 0 {
		return nil
	}
	valueWide, err := diff.Mul(price)
	if err != nil {
		return err
	}
	value := decimal.RescaleTowardZero(valueWide, stableScale)

	newStable, err := pos.BorrowedStable.Add(value)
	if err != nil {
		return err
	}
	newMinted, err := pool.TotalMinted.Sub(diff)
	if err != nil {
		return err
	}
	if newStable.Sign() < 0 {
		// A surplus larger than the stable debt would flip it negative;
		// leave the excess on the onAsset side instead.
		return nil
	}

	pos.BorrowedOnAsset = claimOnAsset
	pos.BorrowedStable = newStable
	pool.TotalMinted = newMinted
	return nil
}

// CloseCometPosition removes an emptied sub-position.
func (m *Manager) CloseCometPosition(owner string, positionIndex int) error {
	acct := m.Account(owner)
	pos, err := acct.CometPosition(positionIndex)
	if err != nil {
		return err
	}
	if !pos.Empty() {
		return ErrPositionNotEmpty
	}
	return acct.RemoveCometPosition(positionIndex)
}

// CometHealthScore evaluates the owner's comet against fresh prices.
func (m *Manager) CometHealthScore(owner string) (health.Score, error) {
	return m.scoreComet(m.Account(owner))
}

// scoreComet builds the per-pool health terms and collateral value for
// an account, failing eagerly on any stale oracle involved.
func (m *Manager) scoreComet(acct *Account) (health.Score, error) {
	stableScale, err := m.stableScale()
	if err != nil {
		return health.Score{}, err
	}

	totalCollateral := decimal.Zero(stableScale)
	for _, alloc := range acct.Comet.Collaterals {
		col, err := m.reg.Collateral(alloc.CollateralIndex)
		if err != nil {
			return health.Score{}, err
		}
		reading, err := m.collateralReading(col)
		if err != nil {
			return health.Score{}, err
		}
		if err := m.checkFresh(reading); err != nil {
			return health.Score{}, err
		}
		value, err := alloc.Amount.Mul(reading.GetPrice())
		if err != nil {
			return health.Score{}, err
		}
		value, err = value.Mul(col.CollateralizationRatio)
		if err != nil {
			return health.Score{}, err
		}
		totalCollateral, err = totalCollateral.Add(value)
		if err != nil {
			return health.Score{}, err
		}
	}

	terms := make([]health.CometTerm, 0, len(acct.Comet.Positions))
	for _, pos := range acct.Comet.Positions {
		pool, err := m.reg.Pool(pos.PoolIndex)
		if err != nil {
			return health.Score{}, err
		}
		reading, err := m.oracles.ReadFresh(pool.Params.OracleIndex, m.slot, m.staleThreshold)
		if err != nil {
			return health.Score{}, err
		}
		price := reading.GetPrice()

		claimStable, claimOnAsset, err := ProportionalClaim(pool, pos.LiquidityTokenValue, stableScale)
		if err != nil {
			return health.Score{}, err
		}

		ild, err := ilDebtValue(pos, claimStable, claimOnAsset, price)
		if err != nil {
			return health.Score{}, err
		}
		claimValueWide, err := claimOnAsset.Mul(price)
		if err != nil {
			return health.Score{}, err
		}
		committed, err := claimStable.Add(claimValueWide)
		if err != nil {
			return health.Score{}, err
		}

		terms = append(terms, health.CometTerm{
			ILDebtValue:         ild,
			CommittedValue:      committed,
			ILCoefficient:       pool.Params.ILHealthScoreCoefficient,
			PositionCoefficient: pool.Params.PositionHealthScoreCoefficient,
		})
	}
	return health.ComputeCometScore(terms, totalCollateral)
}

// ilDebtValue prices the debt exceeding the proportional claim on each
// side. Sides in surplus contribute nothing.
func ilDebtValue(pos CometLiquidity, claimStable, claimOnAsset, price decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero(decimal.CloneScale)

	stableShort, err := pos.BorrowedStable.Sub(claimStable)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if stableShort.Sign() > 0 {
		total, err = total.Add(stableShort)
		if err != nil {
			return decimal.Decimal{}, err
		}
	}

	onAssetShort, err := pos.BorrowedOnAsset.Sub(claimOnAsset)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if onAssetShort.Sign() > 0 {
		value, err := onAssetShort.Mul(price)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total, err = total.Add(value)
		if err != nil {
			return decimal.Decimal{}, err
		}
	}
	return total, nil
}

// ProportionalClaim computes the stable and onAsset amounts lpTokens
// redeem at the current reserves. Zero supply claims nothing.
func ProportionalClaim(pool *registry.Pool, lpTokens decimal.Decimal, stableScale uint8) (decimal.Decimal, decimal.Decimal, error) {
	if pool.LiquidityTokenSupply.Sign() <= 0 || lpTokens.Sign() <= 0 {
		return decimal.Zero(stableScale), decimal.Zero(decimal.CloneScale), nil
	}
	share, err := lpTokens.Quo(pool.LiquidityTokenSupply)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	stableWide, err := pool.CollateralReserve.Mul(share)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	onAssetWide, err := pool.OnAssetReserve.Mul(share)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return decimal.RescaleTowardZero(stableWide, stableScale),
		decimal.RescaleTowardZero(onAssetWide, decimal.CloneScale), nil
}

func (m *Manager) stableScale() (uint8, error) {
	col, err := m.reg.Collateral(registry.StableCollateralIndex)
	if err != nil {
		return 0, err
	}
	return col.Scale, nil
}

func (m *Manager) checkFresh(reading oracle.Reading) error {
	if m.slot > reading.LastUpdateSlot && m.slot-reading.LastUpdateSlot > m.staleThreshold {
		return fmt.Errorf("%w: feed updated at slot %d, current %d",
			oracle.ErrStale, reading.LastUpdateSlot, m.slot)
	}
	return nil
}
