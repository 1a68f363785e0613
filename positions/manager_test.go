package positions

import (
	"errors"
	"testing"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/health"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/registry"
)

const (
	testOwner = "alice"
	testSlot  = uint64(100)
)

// newTestManager builds a single-pool world: the onAsset trades at 2.00,
// genesis liquidity of 1000 stable against 500 onAsset, and the stable
// collateral at index zero.
func newTestManager(t *testing.T) (*Manager, *ledger.Memory) {
	t.Helper()
	pools := []registry.Pool{{
		OnAssetReserve:       decimal.MustParse("500.00000000"),
		CollateralReserve:    decimal.MustParse("1000.000000"),
		TotalMinted:          decimal.MustParse("500.00000000"),
		LiquidityTokenSupply: decimal.MustParse("1000.000000"),
		Status:               registry.StatusActive,
		Params: registry.PoolParams{
			OracleIndex:                    0,
			MinOvercollateralRatio:         decimal.MustParse("1.5"),
			ILHealthScoreCoefficient:       decimal.MustParse("1.0"),
			PositionHealthScoreCoefficient: decimal.MustParse("0.01"),
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
			CollateralizationRatio: decimal.MustParse("0.95"),
			OracleIndex:            1,
		},
	}
	readings := []oracle.Reading{
		{Address: "feed-onasset", Price: 200000000, Exponent: 8, LastUpdateSlot: testSlot},
		{Address: "feed-collateral", Price: 100000000, Exponent: 8, LastUpdateSlot: testSlot},
	}

	reg := registry.New("admin", pools, collaterals)
	book := ledger.NewMemory()
	m := NewManager(reg, oracle.NewRegistry(readings), book, 50)
	m.SetSlot(testSlot)

	// 1000 units of each collateral for the test owner.
	if err := book.Mint(ledger.CollateralToken(0), testOwner, 1_000_000_000); err != nil {
		t.Fatal(err)
	}
	if err := book.Mint(ledger.CollateralToken(1), testOwner, 1_000_000_000); err != nil {
		t.Fatal(err)
	}
	return m, book
}

func TestOpenBorrowPositionMintsAndLocks(t *testing.T) {
	m, book := newTestManager(t)

	// 100 onAsset at 2.00 needs 300 of stable collateral at ratio 1.5.
	idx, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("300"), decimal.MustParse("100"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if idx != 0 {
		t.Fatalf("unexpected position index %d", idx)
	}

	pos, err := m.Account(testOwner).Borrow(0)
	if err != nil {
		t.Fatal(err)
	}
	if pos.CollateralAmount.Cmp(decimal.MustParse("300")) != 0 ||
		pos.BorrowedOnAsset.Cmp(decimal.MustParse("100")) != 0 {
		t.Fatalf("unexpected position: %+v", pos)
	}

	if got := book.Balance(ledger.CollateralToken(0), ledger.VaultAccount); got != 300_000_000 {
		t.Fatalf("vault collateral: %d", got)
	}
	if got := book.Balance(ledger.OnAssetToken(0), testOwner); got != 10_000_000_000 {
		t.Fatalf("minted onAsset: %d", got)
	}

	pool, _ := m.reg.Pool(0)
	if pool.TotalMinted.Cmp(decimal.MustParse("600")) != 0 {
		t.Fatalf("total minted: %s", pool.TotalMinted)
	}
	col, _ := m.reg.Collateral(0)
	if col.VaultBorrowSupply.Cmp(decimal.MustParse("300")) != 0 {
		t.Fatalf("vault borrow supply: %s", col.VaultBorrowSupply)
	}
}

func TestOpenBorrowPositionRejectsInsufficientCollateral(t *testing.T) {
	m, book := newTestManager(t)

	_, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("300"), decimal.MustParse("101"))
	if !errors.Is(err, health.ErrInvalidMintCollateralRatio) {
		t.Fatalf("expected ErrInvalidMintCollateralRatio, got %v", err)
	}
	// Nothing may move on a failed open.
	if got := book.Balance(ledger.CollateralToken(0), testOwner); got != 1_000_000_000 {
		t.Fatalf("owner balance changed: %d", got)
	}
	if len(m.Account(testOwner).Borrows) != 0 {
		t.Fatal("position created despite failure")
	}
}

func TestWithdrawBorrowCollateralKeepsSolvency(t *testing.T) {
	m, book := newTestManager(t)
	if _, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("300"), decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	// The position sits exactly on the boundary; any withdrawal breaks it.
	err := m.WithdrawBorrowCollateral(testOwner, 0, decimal.MustParse("1"))
	if !errors.Is(err, health.ErrInvalidMintCollateralRatio) {
		t.Fatalf("expected ErrInvalidMintCollateralRatio, got %v", err)
	}
	pos, _ := m.Account(testOwner).Borrow(0)
	if pos.CollateralAmount.Cmp(decimal.MustParse("300")) != 0 {
		t.Fatalf("collateral mutated on failed withdraw: %s", pos.CollateralAmount)
	}
	if got := book.Balance(ledger.CollateralToken(0), ledger.VaultAccount); got != 300_000_000 {
		t.Fatalf("vault mutated on failed withdraw: %d", got)
	}

	// Adding headroom makes a withdrawal of the same size legal.
	if err := m.AddBorrowCollateral(testOwner, 0, decimal.MustParse("50")); err != nil {
		t.Fatal(err)
	}
	if err := m.WithdrawBorrowCollateral(testOwner, 0, decimal.MustParse("50")); err != nil {
		t.Fatalf("withdraw after topping up: %v", err)
	}
}

func TestWithdrawBorrowCollateralFailsOnStaleOracle(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("600"), decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	m.SetSlot(testSlot + 200)
	err := m.WithdrawBorrowCollateral(testOwner, 0, decimal.MustParse("1"))
	if !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestBorrowMoreRollsBackOnFailure(t *testing.T) {
	m, book := newTestManager(t)
	if _, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("300"), decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	err := m.BorrowMore(testOwner, 0, decimal.MustParse("1"))
	if !errors.Is(err, health.ErrInvalidMintCollateralRatio) {
		t.Fatalf("expected ErrInvalidMintCollateralRatio, got %v", err)
	}
	pool, _ := m.reg.Pool(0)
	if pool.TotalMinted.Cmp(decimal.MustParse("600")) != 0 {
		t.Fatalf("total minted mutated: %s", pool.TotalMinted)
	}
	if got := book.Balance(ledger.OnAssetToken(0), testOwner); got != 10_000_000_000 {
		t.Fatalf("onAsset minted despite failure: %d", got)
	}
}

func TestPayBorrowDebtClampsAndClose(t *testing.T) {
	m, book := newTestManager(t)
	if _, err := m.OpenBorrowPosition(testOwner, 0, 0,
		decimal.MustParse("300"), decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	if err := m.CloseBorrowPosition(testOwner, 0); !errors.Is(err, ErrOutstandingDebt) {
		t.Fatalf("expected ErrOutstandingDebt, got %v", err)
	}

	paid, err := m.PayBorrowDebt(testOwner, 0, decimal.MustParse("150"))
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Cmp(decimal.MustParse("100")) != 0 {
		t.Fatalf("payment not clamped to outstanding: %s", paid)
	}
	if got := book.Balance(ledger.OnAssetToken(0), testOwner); got != 0 {
		t.Fatalf("burned more than owed: %d left", got)
	}

	if err := m.CloseBorrowPosition(testOwner, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(m.Account(testOwner).Borrows) != 0 {
		t.Fatal("position not removed")
	}
	if got := book.Balance(ledger.CollateralToken(0), testOwner); got != 1_000_000_000 {
		t.Fatalf("collateral not returned: %d", got)
	}
}

func TestRemoveBorrowSwapsLast(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.OpenBorrowPosition(testOwner, 0, 0,
			decimal.MustParse("30"), decimal.MustParse("10")); err != nil {
			t.Fatal(err)
		}
	}
	acct := m.Account(testOwner)
	acct.Borrows[2].CollateralIndex = 1 // marker

	if err := acct.RemoveBorrow(0); err != nil {
		t.Fatal(err)
	}
	if len(acct.Borrows) != 2 {
		t.Fatalf("unexpected length %d", len(acct.Borrows))
	}
	if acct.Borrows[0].CollateralIndex != 1 {
		t.Fatal("last position was not swapped into the freed slot")
	}
}

func TestCometLiquidityLifecycle(t *testing.T) {
	m, book := newTestManager(t)

	if err := m.AddCometCollateral(testOwner, 0, decimal.MustParse("100")); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	idx, err := m.AddLiquidity(testOwner, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	pool, _ := m.reg.Pool(0)
	if pool.CollateralReserve.Cmp(decimal.MustParse("1100")) != 0 ||
		pool.OnAssetReserve.Cmp(decimal.MustParse("550")) != 0 {
		t.Fatalf("reserves: %s / %s", pool.CollateralReserve, pool.OnAssetReserve)
	}
	if pool.LiquidityTokenSupply.Cmp(decimal.MustParse("1100")) != 0 {
		t.Fatalf("lp supply: %s", pool.LiquidityTokenSupply)
	}
	pos, err := m.Account(testOwner).CometPosition(idx)
	if err != nil {
		t.Fatal(err)
	}
	if pos.BorrowedStable.Cmp(decimal.MustParse("100")) != 0 ||
		pos.BorrowedOnAsset.Cmp(decimal.MustParse("50")) != 0 {
		t.Fatalf("unexpected debts: %s / %s", pos.BorrowedStable, pos.BorrowedOnAsset)
	}

	score, err := m.CometHealthScore(testOwner)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !score.Healthy() {
		t.Fatalf("fresh comet unhealthy: %s", score.Value)
	}

	// Full redemption retires the debts down to truncation dust, with no
	// surplus minted while the reserves are unmoved.
	if err := m.WithdrawLiquidity(testOwner, idx, decimal.MustParse("100")); err != nil {
		t.Fatalf("withdraw liquidity: %v", err)
	}
	pos, _ = m.Account(testOwner).CometPosition(idx)
	if pos.LiquidityTokenValue.Sign() != 0 {
		t.Fatalf("liquidity tokens remain: %s", pos.LiquidityTokenValue)
	}
	if pos.BorrowedStable.Cmp(decimal.MustParse("0.000001")) != 0 {
		t.Fatalf("stable dust: %s", pos.BorrowedStable)
	}
	if got := book.Balance(ledger.StableToken, testOwner); got != 0 {
		t.Fatalf("unexpected stable surplus: %d", got)
	}

	// Dust debt with no liquidity is all shortfall; paying it clears the
	// position for removal.
	if err := book.Mint(ledger.StableToken, testOwner, 1_000_000); err != nil {
		t.Fatal(err)
	}
	if err := book.Mint(ledger.OnAssetToken(0), testOwner, 100_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PayILDebt(testOwner, idx, decimal.MustParse("1"), false); err != nil {
		t.Fatalf("pay stable dust: %v", err)
	}
	if _, err := m.PayILDebt(testOwner, idx, decimal.MustParse("1"), true); err != nil {
		t.Fatalf("pay onasset dust: %v", err)
	}
	if err := m.CloseCometPosition(testOwner, idx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(m.Account(testOwner).Comet.Positions) != 0 {
		t.Fatal("sub-position not removed")
	}
}

func TestAddLiquidityRequiresHealthyComet(t *testing.T) {
	m, _ := newTestManager(t)

	// No comet collateral at all: any committed liquidity is unhealthy.
	_, err := m.AddLiquidity(testOwner, 0, decimal.MustParse("100"))
	if !errors.Is(err, ErrCometUnhealthy) {
		t.Fatalf("expected ErrCometUnhealthy, got %v", err)
	}
	pool, _ := m.reg.Pool(0)
	if pool.CollateralReserve.Cmp(decimal.MustParse("1000")) != 0 ||
		pool.OnAssetReserve.Cmp(decimal.MustParse("500")) != 0 {
		t.Fatalf("reserves mutated on failed add: %s / %s", pool.CollateralReserve, pool.OnAssetReserve)
	}
	if len(m.Account(testOwner).Comet.Positions) != 0 {
		t.Fatal("sub-position left behind on failed add")
	}
}

func TestWithdrawCometCollateralHealthGate(t *testing.T) {
	m, book := newTestManager(t)
	if err := m.AddCometCollateral(testOwner, 0, decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddLiquidity(testOwner, 0, decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	err := m.WithdrawCometCollateral(testOwner, 0, decimal.MustParse("99.99"))
	if !errors.Is(err, ErrCometUnhealthy) {
		t.Fatalf("expected ErrCometUnhealthy, got %v", err)
	}
	if got := book.Balance(ledger.CollateralToken(0), ledger.VaultAccount); got != 100_000_000 {
		t.Fatalf("vault mutated on failed withdraw: %d", got)
	}

	// A modest withdrawal leaves plenty of score headroom.
	if err := m.WithdrawCometCollateral(testOwner, 0, decimal.MustParse("10")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestPayILDebtClampsToShortfall(t *testing.T) {
	m, book := newTestManager(t)
	if err := m.AddCometCollateral(testOwner, 0, decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}
	idx, err := m.AddLiquidity(testOwner, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}

	// Traders bought onAsset out of the pool: the position's claim on the
	// onAsset side drops below its recorded debt.
	pool, _ := m.reg.Pool(0)
	pool.OnAssetReserve = decimal.MustParse("500.00000000")
	pool.CollateralReserve = decimal.MustParse("1200.000000")

	if err := book.Mint(ledger.OnAssetToken(0), testOwner, 100_000_000_000); err != nil {
		t.Fatal(err)
	}
	paid, err := m.PayILDebt(testOwner, idx, decimal.MustParse("100"), true)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	// Claim is 500·100/1100 = 45.45454545; shortfall 4.54545455.
	if paid.Cmp(decimal.MustParse("4.54545455")) != 0 {
		t.Fatalf("unexpected payment: %s", paid)
	}
	pos, _ := m.Account(testOwner).CometPosition(idx)
	if pos.BorrowedOnAsset.Cmp(decimal.MustParse("45.45454545")) != 0 {
		t.Fatalf("unexpected remaining debt: %s", pos.BorrowedOnAsset)
	}

	// A second payment finds no shortfall left.
	paid, err = m.PayILDebt(testOwner, idx, decimal.MustParse("100"), true)
	if err != nil {
		t.Fatal(err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("expected no-op payment, got %s", paid)
	}
}

func TestRecenterMovesDebtAcrossSides(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.AddCometCollateral(testOwner, 0, decimal.MustParse("100")); err != nil {
		t.Fatal(err)
	}
	idx, err := m.AddLiquidity(testOwner, 0, decimal.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}
	pool, _ := m.reg.Pool(0)
	pool.OnAssetReserve = decimal.MustParse("500.00000000")
	pool.CollateralReserve = decimal.MustParse("1200.000000")
	mintedBefore := pool.TotalMinted

	if err := m.Recenter(testOwner, idx); err != nil {
		t.Fatalf("recenter: %v", err)
	}
	pos, _ := m.Account(testOwner).CometPosition(idx)
	if pos.BorrowedOnAsset.Cmp(decimal.MustParse("45.45454545")) != 0 {
		t.Fatalf("onasset debt not recentered: %s", pos.BorrowedOnAsset)
	}
	// The 4.54545455 shortfall moves to the stable side at the 2.00 price.
	if pos.BorrowedStable.Cmp(decimal.MustParse("109.090909")) != 0 {
		t.Fatalf("stable debt: %s", pos.BorrowedStable)
	}
	if pool.TotalMinted.Cmp(mintedBefore) >= 0 {
		t.Fatalf("total minted not reduced: %s", pool.TotalMinted)
	}
}

func TestPositionIndexBounds(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.BorrowMore(testOwner, 0, decimal.MustParse("1")); !errors.Is(err, ErrInvalidPositionIndex) {
		t.Fatalf("expected ErrInvalidPositionIndex, got %v", err)
	}
	if _, err := m.PayILDebt(testOwner, 5, decimal.MustParse("1"), false); !errors.Is(err, ErrInvalidPositionIndex) {
		t.Fatalf("expected ErrInvalidPositionIndex, got %v", err)
	}
}
