package registry

import (
	"errors"
	"testing"

	"github.com/jup-ag/clone-protocol/decimal"
)

func testRegistry() *Registry {
	return New("gov", []Pool{
		{Status: StatusActive, Params: PoolParams{OracleIndex: 1}},
		{Status: StatusFrozen},
	}, []Collateral{
		{Scale: 6, Stable: true, CollateralizationRatio: decimal.MustParse("1.0")},
		{Scale: 8, CollateralizationRatio: decimal.MustParse("1.5"), OracleIndex: 2},
	})
}

func TestPoolIndexBounds(t *testing.T) {
	r := testRegistry()
	if _, err := r.Pool(2); !errors.Is(err, ErrInvalidPoolIndex) {
		t.Fatalf("expected ErrInvalidPoolIndex, got %v", err)
	}
	if _, err := r.Pool(-1); !errors.Is(err, ErrInvalidPoolIndex) {
		t.Fatalf("expected ErrInvalidPoolIndex, got %v", err)
	}
	if _, err := r.Collateral(5); !errors.Is(err, ErrInvalidCollateralIndex) {
		t.Fatalf("expected ErrInvalidCollateralIndex, got %v", err)
	}
}

func TestGuards(t *testing.T) {
	if err := GuardActive(StatusActive); err != nil {
		t.Fatalf("active pool should pass: %v", err)
	}
	for _, s := range []Status{StatusFrozen, StatusLiquidation, StatusDeprecated} {
		if err := GuardActive(s); !errors.Is(err, ErrStatusPreventsAction) {
			t.Fatalf("expected ErrStatusPreventsAction for %s, got %v", s, err)
		}
	}
	if err := GuardNotFrozen(StatusLiquidation); err != nil {
		t.Fatalf("liquidation mode should allow liquidation actions: %v", err)
	}
	if err := GuardNotFrozen(StatusFrozen); !errors.Is(err, ErrStatusPreventsAction) {
		t.Fatalf("expected ErrStatusPreventsAction, got %v", err)
	}
}

func TestAdminGate(t *testing.T) {
	r := testRegistry()

	if err := r.SetPoolStatus("mallory", 0, StatusFrozen); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := r.SetPoolStatus("gov", 0, StatusFrozen); err != nil {
		t.Fatalf("admin freeze: %v", err)
	}
	pool, _ := r.Pool(0)
	if pool.Status != StatusFrozen {
		t.Fatalf("status not applied: %s", pool.Status)
	}
	// Explicit admin reactivation is the one transition allowed to move
	// toward a less restrictive state.
	if err := r.SetPoolStatus("gov", 0, StatusActive); err != nil {
		t.Fatalf("admin reactivate: %v", err)
	}

	if err := r.UpdateCollateralRatio("gov", 1, decimal.MustParse("1.8")); err != nil {
		t.Fatalf("update ratio: %v", err)
	}
	col, _ := r.Collateral(1)
	if col.CollateralizationRatio.Cmp(decimal.MustParse("1.8")) != 0 {
		t.Fatalf("ratio not applied: %s", col.CollateralizationRatio)
	}
	if err := r.UpdateCollateralRatio("gov", StableCollateralIndex, decimal.MustParse("1.2")); err == nil {
		t.Fatal("stable collateral ratio must stay fixed")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := testRegistry()
	pools, collaterals := r.Snapshot()

	fresh := New("gov", nil, nil)
	fresh.Restore(pools, collaterals)
	if fresh.PoolCount() != 2 || fresh.CollateralCount() != 2 {
		t.Fatalf("unexpected counts: %d pools, %d collaterals", fresh.PoolCount(), fresh.CollateralCount())
	}
	pool, err := fresh.Pool(0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Params.OracleIndex != 1 {
		t.Fatalf("params lost in round trip: %+v", pool.Params)
	}
}
