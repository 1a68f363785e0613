// Package core wires the engines into the caller-facing action surface.
// Every action runs as one serialized unit: the engines stage their full
// state before committing, the core serializes access, emits the
// structured event and persists a snapshot after the commit.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/events"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/liquidation"
	"github.com/jup-ag/clone-protocol/observability/metrics"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/positions"
	"github.com/jup-ag/clone-protocol/registry"
	"github.com/jup-ag/clone-protocol/storage"
	"github.com/jup-ag/clone-protocol/swap"
)

var errInvalidAmount = errors.New("core: amount must be positive")

// Options configures the protocol beyond its genesis state.
type Options struct {
	StaleSlotThreshold uint64
	EventTailLimit     int
	// Emitter receives every sequenced event, e.g. the storage journal.
	Emitter events.Emitter
	// Snapshots, when set, persists the full state after each commit.
	Snapshots *storage.SnapshotStore
	Logger    *slog.Logger
}

// Protocol owns the shared registries and serializes all actions.
type Protocol struct {
	mu sync.Mutex

	log        *slog.Logger
	reg        *registry.Registry
	oracles    *oracle.Registry
	book       ledger.Ledger
	manager    *positions.Manager
	liquidator *liquidation.Engine
	recorder   *events.Recorder
	snapshots  *storage.SnapshotStore
	metrics    *metrics.ProtocolMetrics

	slot           uint64
	staleThreshold uint64
}

// New builds a protocol from genesis, restoring from the snapshot store
// when it already holds state.
func New(gen Genesis, book ledger.Ledger, opts Options) (*Protocol, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	threshold := opts.StaleSlotThreshold
	if threshold == 0 {
		threshold = 90
	}

	reg := registry.New(gen.Authority, gen.Pools, gen.Collaterals)
	oracles := oracle.NewRegistry(gen.Readings)
	manager := positions.NewManager(reg, oracles, book, threshold)
	p := &Protocol{
		log:            log,
		reg:            reg,
		oracles:        oracles,
		book:           book,
		manager:        manager,
		liquidator:     liquidation.NewEngine(reg, oracles, book, manager, threshold),
		recorder:       events.NewRecorder(opts.EventTailLimit, opts.Emitter),
		snapshots:      opts.Snapshots,
		metrics:        metrics.Protocol(),
		staleThreshold: threshold,
	}

	if p.snapshots != nil {
		snap, ok, err := p.snapshots.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			p.restore(snap)
			log.Info("state restored", "slot", snap.Slot, "eventCounter", snap.EventCounter)
		}
	}
	return p, nil
}

func (p *Protocol) restore(snap *storage.Snapshot) {
	p.reg.Restore(snap.Pools, snap.Collaterals)
	p.oracles.Restore(snap.Readings)
	p.manager.Restore(snap.Accounts)
	p.recorder.SetCounter(snap.EventCounter)
	p.slot = snap.Slot
}

// begin stamps the current slot into the engines. Callers hold the lock.
func (p *Protocol) begin() {
	p.manager.SetSlot(p.slot)
	p.liquidator.SetSlot(p.slot)
}

// done records metrics and persists the committed state.
func (p *Protocol) done(action string, err error) {
	p.metrics.ObserveAction(action, err)
	if err != nil {
		if errors.Is(err, oracle.ErrStale) {
			p.metrics.ObserveStaleOracle()
		}
		p.log.Warn("action failed", "action", action, "err", err)
		return
	}
	p.metrics.SetEventCounter(p.recorder.Counter())
	p.persist()
}

func (p *Protocol) persist() {
	if p.snapshots == nil {
		return
	}
	pools, collaterals := p.reg.Snapshot()
	snap := &storage.Snapshot{
		Slot:         p.slot,
		EventCounter: p.recorder.Counter(),
		Pools:        pools,
		Collaterals:  collaterals,
		Readings:     p.oracles.Snapshot(),
		Accounts:     p.manager.Snapshot(),
	}
	if err := p.snapshots.Save(snap); err != nil {
		p.log.Error("snapshot save failed", "err", err)
	}
}

// AdvanceSlot moves the protocol clock forward. The slot never goes
// backwards.
func (p *Protocol) AdvanceSlot(slot uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot > p.slot {
		p.slot = slot
	}
}

// Slot reports the current protocol clock.
func (p *Protocol) Slot() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot
}

// UpdatePrice decodes a raw feed payload and stores the normalized
// reading stamped with the current slot.
func (p *Protocol) UpdatePrice(index int, raw oracle.RawFeed) (reading oracle.Reading, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.done("update_prices", err) }()

	reading, err = p.oracles.Update(index, raw, p.slot)
	if err != nil {
		return oracle.Reading{}, err
	}
	p.metrics.ObserveOracleUpdate()
	p.recorder.Emit(events.PriceUpdate{
		FeedIndex: index,
		Address:   reading.Address,
		Price:     reading.GetPrice(),
		Slot:      reading.LastUpdateSlot,
	})
	return reading, nil
}

// Swap trades between a pool's onAsset and the stable synthetic at the
// oracle price. The input leg is burned from the actor, the output leg
// minted, and the treasury fee minted to the treasury account.
func (p *Protocol) Swap(actor string, poolIndex int, quantity decimal.Decimal,
	quantityIsInput, quantityIsCollateral bool) (quote swap.Quote, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("swap", err) }()

	pool, err := p.reg.Pool(poolIndex)
	if err != nil {
		return swap.Quote{}, err
	}
	stable, err := p.reg.Collateral(registry.StableCollateralIndex)
	if err != nil {
		return swap.Quote{}, err
	}
	reading, err := p.oracles.ReadFresh(pool.Params.OracleIndex, p.slot, p.staleThreshold)
	if err != nil {
		return swap.Quote{}, err
	}

	quote, err = swap.CalculateSwap(pool, reading.GetPrice(), decimal.One(0), quantity,
		quantityIsInput, quantityIsCollateral, stable.Scale)
	if err != nil {
		return swap.Quote{}, err
	}

	inToken, inScale := ledger.StableToken, stable.Scale
	outToken, outScale := ledger.OnAssetToken(poolIndex), decimal.CloneScale
	if !quote.CollateralIn {
		inToken, inScale = ledger.OnAssetToken(poolIndex), decimal.CloneScale
		outToken, outScale = ledger.StableToken, stable.Scale
	}

	inUnits, err := quote.Input.TransferAmount(inScale)
	if err != nil {
		return swap.Quote{}, err
	}
	outUnits, err := quote.Result.TransferAmount(outScale)
	if err != nil {
		return swap.Quote{}, err
	}
	treasuryUnits, err := quote.TreasuryFeePaid.TransferAmount(outScale)
	if err != nil {
		return swap.Quote{}, err
	}

	// Circulating onAsset changes by what leaves or enters the pool.
	newMinted := pool.TotalMinted
	if quote.CollateralIn {
		delta, err := quote.Result.Add(quote.TreasuryFeePaid)
		if err != nil {
			return swap.Quote{}, err
		}
		newMinted, err = pool.TotalMinted.Add(delta)
		if err != nil {
			return swap.Quote{}, err
		}
	} else {
		newMinted, err = pool.TotalMinted.Sub(quote.Input)
		if err != nil {
			return swap.Quote{}, err
		}
	}

	if err := p.book.Burn(inToken, actor, inUnits); err != nil {
		return swap.Quote{}, err
	}
	if err := swap.Execute(pool, quote); err != nil {
		return swap.Quote{}, err
	}
	if err := p.book.Mint(outToken, actor, outUnits); err != nil {
		return swap.Quote{}, err
	}
	if err := p.book.Mint(outToken, ledger.TreasuryAccount, treasuryUnits); err != nil {
		return swap.Quote{}, err
	}
	pool.TotalMinted = newMinted

	direction := "stable_in"
	if !quote.CollateralIn {
		direction = "onasset_in"
	}
	volume, _ := strconv.ParseFloat(quote.Input.String(), 64)
	p.metrics.ObserveSwap(strconv.Itoa(poolIndex), direction, volume)
	p.recorder.Emit(events.Swap{
		Actor:            actor,
		PoolIndex:        poolIndex,
		CollateralIn:     quote.CollateralIn,
		Input:            quote.Input,
		Result:           quote.Result,
		LiquidityFeePaid: quote.LiquidityFeePaid,
		TreasuryFeePaid:  quote.TreasuryFeePaid,
	})
	return quote, nil
}

// OpenBorrowPosition opens a borrow position and returns its index.
func (p *Protocol) OpenBorrowPosition(actor string, poolIndex, collateralIndex int,
	collateralAmount, borrowAmount decimal.Decimal) (index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("open_borrow", err) }()

	index, err = p.manager.OpenBorrowPosition(actor, poolIndex, collateralIndex, collateralAmount, borrowAmount)
	if err != nil {
		return 0, err
	}
	pos, err := p.manager.Account(actor).Borrow(index)
	if err != nil {
		return 0, err
	}
	p.emitBorrowUpdate(actor, pos.PoolIndex, false, pos, pos.CollateralAmount, pos.BorrowedOnAsset)
	return index, nil
}

// AddCollateral deposits collateral into a borrow position.
func (p *Protocol) AddCollateral(actor string, positionIndex int, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("add_collateral", err) }()

	if err = p.manager.AddBorrowCollateral(actor, positionIndex, amount); err != nil {
		return err
	}
	pos, err := p.manager.Account(actor).Borrow(positionIndex)
	if err != nil {
		return err
	}
	p.emitBorrowUpdate(actor, pos.PoolIndex, false, pos, amount, decimal.Zero(decimal.CloneScale))
	return nil
}

// WithdrawCollateral releases collateral from a borrow position.
func (p *Protocol) WithdrawCollateral(actor string, positionIndex int, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("withdraw_collateral", err) }()

	if err = p.manager.WithdrawBorrowCollateral(actor, positionIndex, amount); err != nil {
		return err
	}
	pos, err := p.manager.Account(actor).Borrow(positionIndex)
	if err != nil {
		return err
	}
	delta, err := amount.Neg()
	if err != nil {
		return err
	}
	p.emitBorrowUpdate(actor, pos.PoolIndex, false, pos, delta, decimal.Zero(decimal.CloneScale))
	return nil
}

// BorrowMore mints additional onAsset against a borrow position.
func (p *Protocol) BorrowMore(actor string, positionIndex int, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("borrow_more", err) }()

	if err = p.manager.BorrowMore(actor, positionIndex, amount); err != nil {
		return err
	}
	pos, err := p.manager.Account(actor).Borrow(positionIndex)
	if err != nil {
		return err
	}
	p.emitBorrowUpdate(actor, pos.PoolIndex, false, pos, decimal.Zero(pos.CollateralAmount.Scale()), amount)
	return nil
}

// PayDown burns onAsset against a borrow position, clamped to the
// outstanding debt. Returns the amount actually paid.
func (p *Protocol) PayDown(actor string, positionIndex int, amount decimal.Decimal) (paid decimal.Decimal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("pay_down", err) }()

	paid, err = p.manager.PayBorrowDebt(actor, positionIndex, amount)
	if err != nil {
		return decimal.Decimal{}, err
	}
	pos, err := p.manager.Account(actor).Borrow(positionIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	delta, err := paid.Neg()
	if err != nil {
		return decimal.Decimal{}, err
	}
	p.emitBorrowUpdate(actor, pos.PoolIndex, false, pos, decimal.Zero(pos.CollateralAmount.Scale()), delta)
	return paid, nil
}

// CloseBorrowPosition returns remaining collateral and removes the
// position; its debt must be zero.
func (p *Protocol) CloseBorrowPosition(actor string, positionIndex int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("close_borrow", err) }()

	pos, err := p.manager.Account(actor).Borrow(positionIndex)
	if err != nil {
		return err
	}
	poolIndex := pos.PoolIndex
	returned := pos.CollateralAmount

	if err = p.manager.CloseBorrowPosition(actor, positionIndex); err != nil {
		return err
	}
	delta, err := returned.Neg()
	if err != nil {
		return err
	}
	p.recorder.Emit(events.BorrowUpdate{
		Actor:              actor,
		PoolIndex:          poolIndex,
		CollateralSupplied: decimal.Zero(returned.Scale()),
		CollateralDelta:    delta,
		BorrowedAmount:     decimal.Zero(decimal.CloneScale),
		BorrowedDelta:      decimal.Zero(decimal.CloneScale),
	})
	return nil
}

// LiquidateBorrowPosition liquidates an insolvent borrow position.
func (p *Protocol) LiquidateBorrowPosition(liquidatorID, owner string, positionIndex int,
	amount decimal.Decimal) (res liquidation.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("liquidate", err) }()

	pre, err := p.manager.Account(owner).Borrow(positionIndex)
	if err != nil {
		return liquidation.Result{}, err
	}
	poolIndex := pre.PoolIndex

	res, err = p.liquidator.LiquidateBorrowPosition(liquidatorID, owner, positionIndex, amount)
	if err != nil {
		return liquidation.Result{}, err
	}
	p.metrics.ObserveLiquidation("borrow")

	post := positions.BorrowPosition{
		CollateralAmount: decimal.Zero(res.CollateralReward.Scale()),
		BorrowedOnAsset:  decimal.Zero(decimal.CloneScale),
	}
	if !res.Closed {
		ref, err := p.manager.Account(owner).Borrow(positionIndex)
		if err != nil {
			return liquidation.Result{}, err
		}
		post = *ref
	}
	collateralDelta, err := res.CollateralReward.Neg()
	if err != nil {
		return liquidation.Result{}, err
	}
	borrowedDelta, err := res.BurnAmount.Neg()
	if err != nil {
		return liquidation.Result{}, err
	}
	p.recorder.Emit(events.BorrowUpdate{
		Actor:              liquidatorID,
		PoolIndex:          poolIndex,
		IsLiquidation:      true,
		CollateralSupplied: post.CollateralAmount,
		CollateralDelta:    collateralDelta,
		BorrowedAmount:     post.BorrowedOnAsset,
		BorrowedDelta:      borrowedDelta,
	})
	return res, nil
}

// AddCometCollateral deposits collateral into the actor's comet.
func (p *Protocol) AddCometCollateral(actor string, collateralIndex int, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("add_comet_collateral", err) }()
	return p.manager.AddCometCollateral(actor, collateralIndex, amount)
}

// WithdrawCometCollateral releases comet collateral; the comet must
// stay healthy.
func (p *Protocol) WithdrawCometCollateral(actor string, collateralIndex int, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("withdraw_comet_collateral", err) }()
	return p.manager.WithdrawCometCollateral(actor, collateralIndex, amount)
}

// AddLiquidity commits comet liquidity to a pool and returns the
// sub-position index.
func (p *Protocol) AddLiquidity(actor string, poolIndex int, stableAmount decimal.Decimal) (index int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("add_liquidity", err) }()

	index, err = p.manager.AddLiquidity(actor, poolIndex, stableAmount)
	if err != nil {
		return 0, err
	}
	p.emitLiquidityUpdate(actor, poolIndex, false, index)
	return index, nil
}

// WithdrawLiquidity redeems comet liquidity tokens.
func (p *Protocol) WithdrawLiquidity(actor string, positionIndex int, lpTokens decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("withdraw_liquidity", err) }()

	pos, err := p.manager.Account(actor).CometPosition(positionIndex)
	if err != nil {
		return err
	}
	poolIndex := pos.PoolIndex
	if err = p.manager.WithdrawLiquidity(actor, positionIndex, lpTokens); err != nil {
		return err
	}
	p.emitLiquidityUpdate(actor, poolIndex, false, positionIndex)
	return nil
}

// PayILDebt pays a comet sub-position's impermanent-loss debt.
func (p *Protocol) PayILDebt(actor string, positionIndex int, amount decimal.Decimal, payOnAsset bool) (paid decimal.Decimal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("pay_il_debt", err) }()

	pos, err := p.manager.Account(actor).CometPosition(positionIndex)
	if err != nil {
		return decimal.Decimal{}, err
	}
	poolIndex := pos.PoolIndex
	paid, err = p.manager.PayILDebt(actor, positionIndex, amount, payOnAsset)
	if err != nil {
		return decimal.Decimal{}, err
	}
	p.emitLiquidityUpdate(actor, poolIndex, false, positionIndex)
	return paid, nil
}

// Recenter rebalances a comet sub-position's debt against current
// reserves at the oracle price.
func (p *Protocol) Recenter(actor string, positionIndex int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("recenter", err) }()

	pos, err := p.manager.Account(actor).CometPosition(positionIndex)
	if err != nil {
		return err
	}
	poolIndex := pos.PoolIndex
	if err = p.manager.Recenter(actor, positionIndex); err != nil {
		return err
	}
	p.emitLiquidityUpdate(actor, poolIndex, false, positionIndex)
	return nil
}

// CloseCometPosition removes an emptied comet sub-position.
func (p *Protocol) CloseCometPosition(actor string, positionIndex int) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("close_comet_position", err) }()
	return p.manager.CloseCometPosition(actor, positionIndex)
}

// LiquidateCometPosition liquidates impermanent-loss debt of an
// unhealthy comet.
func (p *Protocol) LiquidateCometPosition(liquidatorID, owner string, positionIndex int,
	amount decimal.Decimal, payOnAsset bool) (res liquidation.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("liquidate_comet", err) }()

	pre, err := p.manager.Account(owner).CometPosition(positionIndex)
	if err != nil {
		return liquidation.Result{}, err
	}
	poolIndex := pre.PoolIndex

	res, err = p.liquidator.LiquidateCometPosition(liquidatorID, owner, positionIndex, amount, payOnAsset)
	if err != nil {
		return liquidation.Result{}, err
	}
	p.metrics.ObserveLiquidation("comet")

	update := events.LiquidityUpdate{
		Actor:           liquidatorID,
		PoolIndex:       poolIndex,
		IsLiquidation:   true,
		LiquidityTokens: decimal.Zero(6),
		StableDebt:      decimal.Zero(6),
		OnAssetDebt:     decimal.Zero(decimal.CloneScale),
	}
	if !res.Closed {
		if ref, err := p.manager.Account(owner).CometPosition(positionIndex); err == nil {
			update.LiquidityTokens = ref.LiquidityTokenValue
			update.StableDebt = ref.BorrowedStable
			update.OnAssetDebt = ref.BorrowedOnAsset
		}
	}
	p.recorder.Emit(update)
	return res, nil
}

// MintStable locks stable collateral in the vault and mints the stable
// synthetic one-for-one.
func (p *Protocol) MintStable(actor string, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("mint_stable", err) }()

	stable, err := p.reg.Collateral(registry.StableCollateralIndex)
	if err != nil {
		return err
	}
	amount = decimal.RescaleTowardZero(amount, stable.Scale)
	if amount.Sign() <= 0 {
		return errInvalidAmount
	}
	units, err := amount.TransferAmount(stable.Scale)
	if err != nil {
		return err
	}
	if err := p.book.Transfer(ledger.CollateralToken(registry.StableCollateralIndex), actor, ledger.VaultAccount, units); err != nil {
		return err
	}
	if err := p.book.Mint(ledger.StableToken, actor, units); err != nil {
		return err
	}
	p.recorder.Emit(events.StableUpdate{Actor: actor, Amount: amount, Minted: true})
	return nil
}

// BurnStable burns the stable synthetic and releases vault collateral
// one-for-one.
func (p *Protocol) BurnStable(actor string, amount decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	defer func() { p.done("burn_stable", err) }()

	stable, err := p.reg.Collateral(registry.StableCollateralIndex)
	if err != nil {
		return err
	}
	amount = decimal.RescaleTowardZero(amount, stable.Scale)
	if amount.Sign() <= 0 {
		return errInvalidAmount
	}
	units, err := amount.TransferAmount(stable.Scale)
	if err != nil {
		return err
	}
	if err := p.book.Burn(ledger.StableToken, actor, units); err != nil {
		return err
	}
	if err := p.book.Transfer(ledger.CollateralToken(registry.StableCollateralIndex), ledger.VaultAccount, actor, units); err != nil {
		return err
	}
	p.recorder.Emit(events.StableUpdate{Actor: actor, Amount: amount, Minted: false})
	return nil
}

// SetPoolStatus is the admin path for pool status changes.
func (p *Protocol) SetPoolStatus(caller string, poolIndex int, status registry.Status) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.done("set_pool_status", err) }()

	if err = p.reg.SetPoolStatus(caller, poolIndex, status); err != nil {
		return err
	}
	p.recorder.Emit(events.PoolStatus{Actor: caller, PoolIndex: poolIndex, Status: status.String()})
	return nil
}

// UpdatePoolParams is the admin path for pool risk settings.
func (p *Protocol) UpdatePoolParams(caller string, poolIndex int, params registry.PoolParams) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.done("update_pool_params", err) }()
	return p.reg.UpdatePoolParams(caller, poolIndex, params)
}

// UpdateCollateralRatio is the admin path for collateral risk settings.
func (p *Protocol) UpdateCollateralRatio(caller string, collateralIndex int, ratio decimal.Decimal) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.done("update_collateral_ratio", err) }()
	return p.reg.UpdateCollateralRatio(caller, collateralIndex, ratio)
}

// CometHealthScore evaluates an owner's comet at fresh prices.
func (p *Protocol) CometHealthScore(owner string) (health.Score, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	return p.manager.CometHealthScore(owner)
}

// PoolView returns a copy of the pool at index.
func (p *Protocol) PoolView(index int) (registry.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, err := p.reg.Pool(index)
	if err != nil {
		return registry.Pool{}, err
	}
	return *pool, nil
}

// CollateralView returns a copy of the collateral at index.
func (p *Protocol) CollateralView(index int) (registry.Collateral, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	col, err := p.reg.Collateral(index)
	if err != nil {
		return registry.Collateral{}, err
	}
	return *col, nil
}

// ReadingView returns the stored oracle reading without a freshness
// check.
func (p *Protocol) ReadingView(index int) (oracle.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oracles.Read(index)
}

// AccountView returns a deep copy of an owner's account.
func (p *Protocol) AccountView(owner string) *positions.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manager.Account(owner).Clone()
}

// RecentEvents returns the retained event tail, oldest first.
func (p *Protocol) RecentEvents() []events.Sequenced {
	return p.recorder.Recent()
}

// emitBorrowUpdate reads the post-state off the position and emits the
// structured update.
func (p *Protocol) emitBorrowUpdate(actor string, poolIndex int, isLiquidation bool,
	pos *positions.BorrowPosition, collateralDelta, borrowedDelta decimal.Decimal) {
	p.recorder.Emit(events.BorrowUpdate{
		Actor:              actor,
		PoolIndex:          poolIndex,
		IsLiquidation:      isLiquidation,
		CollateralSupplied: pos.CollateralAmount,
		CollateralDelta:    collateralDelta,
		BorrowedAmount:     pos.BorrowedOnAsset,
		BorrowedDelta:      borrowedDelta,
	})
}

func (p *Protocol) emitLiquidityUpdate(actor string, poolIndex int, isLiquidation bool, positionIndex int) {
	update := events.LiquidityUpdate{
		Actor:         actor,
		PoolIndex:     poolIndex,
		IsLiquidation: isLiquidation,
	}
	if pos, err := p.manager.Account(actor).CometPosition(positionIndex); err == nil {
		update.LiquidityTokens = pos.LiquidityTokenValue
		update.StableDebt = pos.BorrowedStable
		update.OnAssetDebt = pos.BorrowedOnAsset
	}
	p.recorder.Emit(update)
}

// String renders a short identity for logs.
func (p *Protocol) String() string {
	return fmt.Sprintf("clone-protocol(slot=%d)", p.slot)
}
