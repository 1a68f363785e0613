package liquidation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/positions"
	"github.com/jup-ag/clone-protocol/registry"
)

const (
	borrower   = "alice"
	liquidator = "bob"
	testSlot   = uint64(100)
)

type fixture struct {
	engine  *Engine
	manager *positions.Manager
	reg     *registry.Registry
	oracles *oracle.Registry
	book    *ledger.Memory
	slot    uint64
}

// newFixture sets up one pool priced at 1.00 and a volatile collateral
// at index 1, also priced at 1.00, with a 1.5 collateralization ratio.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	pools := []registry.Pool{{
		OnAssetReserve:       decimal.MustParse("1000.00000000"),
		CollateralReserve:    decimal.MustParse("1000.000000"),
		TotalMinted:          decimal.MustParse("1000.00000000"),
		LiquidityTokenSupply: decimal.MustParse("1000.000000"),
		Status:               registry.StatusActive,
		Params: registry.PoolParams{
			OracleIndex:                       0,
			MinOvercollateralRatio:            decimal.MustParse("1.5"),
			MaxLiquidationOvercollateralRatio: decimal.MustParse("1.3"),
			LiquidationDiscountBps:            500,
			ILHealthScoreCoefficient:          decimal.MustParse("100"),
			PositionHealthScoreCoefficient:    decimal.MustParse("0.01"),
		},
	}}
	collaterals := []registry.Collateral{
		{
			VaultBorrowSupply:      decimal.Zero(6),
			VaultCometSupply:       decimal.Zero(6),
			Scale:                  6,
			CollateralizationRatio: decimal.MustParse("1.0"),
			Stable:                 true,
		},
		{
			VaultBorrowSupply:      decimal.Zero(6),
			VaultCometSupply:       decimal.Zero(6),
			Scale:                  6,
			CollateralizationRatio: decimal.MustParse("1.5"),
			OracleIndex:            1,
		},
	}
	readings := []oracle.Reading{
		{Address: "feed-onasset", Source: oracle.SourceFeedA, Price: 100000000, Exponent: 8, LastUpdateSlot: testSlot},
		{Address: "feed-collateral", Source: oracle.SourceFeedA, Price: 100000000, Exponent: 8, LastUpdateSlot: testSlot},
	}

	reg := registry.New("admin", pools, collaterals)
	oracles := oracle.NewRegistry(readings)
	book := ledger.NewMemory()
	manager := positions.NewManager(reg, oracles, book, 50)
	manager.SetSlot(testSlot)
	engine := NewEngine(reg, oracles, book, manager, 50)
	engine.SetSlot(testSlot)

	for _, tok := range []string{ledger.CollateralToken(0), ledger.CollateralToken(1)} {
		for _, who := range []string{borrower, liquidator} {
			if err := book.Mint(tok, who, 1_000_000_000); err != nil {
				t.Fatal(err)
			}
		}
	}
	return &fixture{engine: engine, manager: manager, reg: reg, oracles: oracles, book: book, slot: testSlot}
}

// setPrice pushes a new onAsset price through the oracle update path.
func (f *fixture) setPrice(t *testing.T, price string) {
	t.Helper()
	d := decimal.MustParse(price)
	mant := decimal.RescaleTowardZero(d, 8).Mantissa()
	payload, err := json.Marshal(map[string]any{"price": mant.Int64(), "expo": -8})
	if err != nil {
		t.Fatal(err)
	}
	f.slot++
	if _, err := f.oracles.Update(0, oracle.RawFeed{Address: "feed-onasset", Payload: payload}, f.slot); err != nil {
		t.Fatalf("oracle update: %v", err)
	}
	f.manager.SetSlot(f.slot)
	f.engine.SetSlot(f.slot)
}

// openBoundaryBorrow opens the scenario position: 150 collateral against
// 100 borrowed, exactly at the solvency boundary at price 1.00.
func (f *fixture) openBoundaryBorrow(t *testing.T) {
	t.Helper()
	if _, err := f.manager.OpenBorrowPosition(borrower, 0, 1,
		decimal.MustParse("150"), decimal.MustParse("100")); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Give the liquidator onAsset to burn.
	if err := f.book.Mint(ledger.OnAssetToken(0), liquidator, 20_000_000_000); err != nil {
		t.Fatal(err)
	}
}

func TestLiquidateRejectsSolventPosition(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)

	_, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("50"))
	if !errors.Is(err, ErrUnableToLiquidate) {
		t.Fatalf("expected ErrUnableToLiquidate, got %v", err)
	}
}

func TestLiquidateBorrowPartial(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)
	f.setPrice(t, "1.60")

	res, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("50"))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.BurnAmount.Cmp(decimal.MustParse("50")) != 0 {
		t.Fatalf("burn amount: %s", res.BurnAmount)
	}
	// 1.05 × 50 × 1.60 / 1.00 = 84 collateral.
	if res.CollateralReward.Cmp(decimal.MustParse("84")) != 0 {
		t.Fatalf("collateral reward: %s", res.CollateralReward)
	}
	if res.Closed {
		t.Fatal("partial liquidation must keep the position open")
	}

	pos, err := f.manager.Account(borrower).Borrow(0)
	if err != nil {
		t.Fatal(err)
	}
	if pos.BorrowedOnAsset.Cmp(decimal.MustParse("50")) != 0 ||
		pos.CollateralAmount.Cmp(decimal.MustParse("66")) != 0 {
		t.Fatalf("position after: %s / %s", pos.BorrowedOnAsset, pos.CollateralAmount)
	}
	if got := f.book.Balance(ledger.CollateralToken(1), liquidator); got != 1_084_000_000 {
		t.Fatalf("liquidator collateral: %d", got)
	}
	if got := f.book.Balance(ledger.OnAssetToken(0), liquidator); got != 15_000_000_000 {
		t.Fatalf("liquidator onasset: %d", got)
	}
}

func TestLiquidateBorrowRejectsUnderLiquidation(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)
	f.setPrice(t, "1.60")

	// Burning only 10 leaves 133.2 collateral against 90 debt: the ratio
	// 199.8 / 144 = 1.3875 still exceeds the 1.3 maximum.
	_, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("10"))
	if !errors.Is(err, health.ErrInvalidMintCollateralRatio) {
		t.Fatalf("expected ErrInvalidMintCollateralRatio, got %v", err)
	}
	// The failed attempt must not touch state.
	pos, _ := f.manager.Account(borrower).Borrow(0)
	if pos.BorrowedOnAsset.Cmp(decimal.MustParse("100")) != 0 {
		t.Fatalf("debt mutated: %s", pos.BorrowedOnAsset)
	}
	if got := f.book.Balance(ledger.OnAssetToken(0), liquidator); got != 20_000_000_000 {
		t.Fatalf("liquidator balance mutated: %d", got)
	}
}

func TestLiquidateBorrowFullClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)
	f.setPrice(t, "1.60")

	// Requesting more than outstanding clamps to 100; the reward formula
	// asks for 168 collateral and clamps to the 150 available.
	res, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("500"))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.BurnAmount.Cmp(decimal.MustParse("100")) != 0 {
		t.Fatalf("burn amount not clamped: %s", res.BurnAmount)
	}
	if res.CollateralReward.Cmp(decimal.MustParse("150")) != 0 {
		t.Fatalf("reward not clamped to collateral: %s", res.CollateralReward)
	}
	if !res.Closed {
		t.Fatal("full liquidation must remove the position")
	}
	if len(f.manager.Account(borrower).Borrows) != 0 {
		t.Fatal("position not removed")
	}
	if got := f.book.Balance(ledger.CollateralToken(1), ledger.VaultAccount); got != 0 {
		t.Fatalf("vault not emptied: %d", got)
	}
}

func TestForcedLiquidationIgnoresSolvency(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)

	if err := f.reg.SetPoolStatus("admin", 0, registry.StatusLiquidation); err != nil {
		t.Fatal(err)
	}
	// Still solvent at 1.00, but the pool is in forced liquidation.
	res, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatalf("forced liquidation: %v", err)
	}
	if !res.Closed {
		t.Fatal("expected full close")
	}
}

func TestLiquidateFrozenPoolRejected(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)
	if err := f.reg.SetPoolStatus("admin", 0, registry.StatusFrozen); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("10"))
	if !errors.Is(err, registry.ErrStatusPreventsAction) {
		t.Fatalf("expected ErrStatusPreventsAction, got %v", err)
	}
}

func TestLiquidateZeroAmountRejected(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)
	if _, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.Zero(8)); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestLiquidateStaleOracleRejected(t *testing.T) {
	f := newFixture(t)
	f.openBoundaryBorrow(t)

	f.engine.SetSlot(testSlot + 200)
	_, err := f.engine.LiquidateBorrowPosition(liquidator, borrower, 0, decimal.MustParse("10"))
	if !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestLiquidateCometSeizesStableCollateral(t *testing.T) {
	f := newFixture(t)

	// Build a comet and push it under water: stable collateral 10
	// against 100 of committed liquidity keeps it barely healthy, then
	// a reserve drain creates IL debt the collateral cannot absorb.
	if err := f.manager.AddCometCollateral(borrower, 0, decimal.MustParse("10")); err != nil {
		t.Fatal(err)
	}
	idx, err := f.manager.AddLiquidity(borrower, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	pool, _ := f.reg.Pool(0)
	pool.OnAssetReserve = decimal.MustParse("990.00000000")
	pool.CollateralReserve = decimal.MustParse("900.000000")

	score, err := f.manager.CometHealthScore(borrower)
	if err != nil {
		t.Fatal(err)
	}
	if score.Healthy() {
		t.Fatalf("setup should be unhealthy, score %s", score.Value)
	}

	// Stable-side claim is 900·100/1100 = 81.818181 against 100 borrowed.
	if err := f.book.Mint(ledger.StableToken, liquidator, 100_000_000); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.LiquidateCometPosition(liquidator, borrower, idx, decimal.MustParse("100"), false)
	if err != nil {
		t.Fatalf("liquidate comet: %v", err)
	}
	if res.BurnAmount.Cmp(decimal.MustParse("18.181819")) != 0 {
		t.Fatalf("burn amount: %s", res.BurnAmount)
	}
	// Reward value 1.05 × payment, clamped by the 10 of collateral held.
	if res.CollateralReward.Cmp(decimal.MustParse("10")) != 0 {
		t.Fatalf("seized collateral: %s", res.CollateralReward)
	}
	if got := f.book.Balance(ledger.CollateralToken(0), liquidator); got != 1_010_000_000 {
		t.Fatalf("liquidator stable collateral: %d", got)
	}
	pos, err := f.manager.Account(borrower).CometPosition(idx)
	if err != nil {
		t.Fatal(err)
	}
	if pos.BorrowedStable.Cmp(decimal.MustParse("81.818181")) != 0 {
		t.Fatalf("remaining stable debt: %s", pos.BorrowedStable)
	}
}

func TestLiquidateCometRejectsHealthy(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.AddCometCollateral(borrower, 0, decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}
	idx, err := f.manager.AddLiquidity(borrower, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.LiquidateCometPosition(liquidator, borrower, idx, decimal.MustParse("10"), false)
	if !errors.Is(err, ErrUnableToLiquidate) {
		t.Fatalf("expected ErrUnableToLiquidate, got %v", err)
	}
}
