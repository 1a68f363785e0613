package health

import (
	"errors"
	"testing"

	"github.com/jup-ag/clone-protocol/decimal"
	"github.com/jup-ag/clone-protocol/oracle"
)

func freshReading(price int64, expo uint8) oracle.Reading {
	return oracle.Reading{Price: price, Exponent: expo, LastUpdateSlot: 100}
}

func TestCheckMintCollateralSufficientBoundary(t *testing.T) {
	poolOracle := freshReading(100000000, 8)       // 1.00
	collateralOracle := freshReading(100000000, 8) // 1.00

	// 150 collateral at ratio 1.5 exactly covers 100 borrowed at a 1.5
	// minimum overcollateral ratio: 225 >= 150... the boundary holds.
	err := CheckMintCollateralSufficient(poolOracle, collateralOracle, 100, 50,
		decimal.MustParse("100"), decimal.MustParse("1.5"), decimal.MustParse("1.5"), decimal.MustParse("150"))
	if err != nil {
		t.Fatalf("boundary position should be healthy: %v", err)
	}

	// Asset price rising to 1.60 breaks it: 225 < 240.
	poolOracle = freshReading(160000000, 8)
	err = CheckMintCollateralSufficient(poolOracle, collateralOracle, 100, 50,
		decimal.MustParse("100"), decimal.MustParse("1.5"), decimal.MustParse("1.5"), decimal.MustParse("150"))
	if !errors.Is(err, ErrInvalidMintCollateralRatio) {
		t.Fatalf("expected ErrInvalidMintCollateralRatio, got %v", err)
	}
}

func TestCheckMintCollateralSufficientFailsEagerlyOnStaleOracle(t *testing.T) {
	stale := oracle.Reading{Price: 100000000, Exponent: 8, LastUpdateSlot: 10}
	fresh := freshReading(100000000, 8)

	err := CheckMintCollateralSufficient(stale, fresh, 100, 50,
		decimal.MustParse("1"), decimal.MustParse("1.5"), decimal.MustParse("1.0"), decimal.MustParse("1000"))
	if !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("expected ErrStale for pool oracle, got %v", err)
	}

	err = CheckMintCollateralSufficient(fresh, stale, 100, 50,
		decimal.MustParse("1"), decimal.MustParse("1.5"), decimal.MustParse("1.0"), decimal.MustParse("1000"))
	if !errors.Is(err, oracle.ErrStale) {
		t.Fatalf("expected ErrStale for collateral oracle, got %v", err)
	}
}

func TestCometScoreSumAggregation(t *testing.T) {
	terms := []CometTerm{
		{
			ILDebtValue:         decimal.MustParse("100"),
			CommittedValue:      decimal.MustParse("1000"),
			ILCoefficient:       decimal.MustParse("1.2"),
			PositionCoefficient: decimal.MustParse("0.05"),
		},
		{
			ILDebtValue:         decimal.MustParse("50"),
			CommittedValue:      decimal.MustParse("500"),
			ILCoefficient:       decimal.MustParse("1.0"),
			PositionCoefficient: decimal.MustParse("0.1"),
		},
	}
	// Penalty = 1.2·100 + 0.05·1000 + 1.0·50 + 0.1·500 = 270.
	score, err := ComputeCometScore(terms, decimal.MustParse("1000"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value.Cmp(decimal.MustParse("99.73")) != 0 {
		t.Fatalf("unexpected score: %s", score.Value)
	}
	if !score.Healthy() {
		t.Fatal("expected healthy score")
	}
}

func TestCometScoreLiquidatableAndClamped(t *testing.T) {
	terms := []CometTerm{{
		ILDebtValue:   decimal.MustParse("5000"),
		ILCoefficient: decimal.MustParse("100"),
	}}
	score, err := ComputeCometScore(terms, decimal.MustParse("100"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value.Cmp(decimal.MustParse("-100")) != 0 {
		t.Fatalf("expected clamp at -100, got %s", score.Value)
	}
	if score.Healthy() {
		t.Fatal("expected liquidatable score")
	}
}

func TestCometScoreNoCollateral(t *testing.T) {
	score, err := ComputeCometScore(nil, decimal.Zero(6))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value.Cmp(decimal.MustParse("100")) != 0 {
		t.Fatalf("empty comet should be perfectly healthy, got %s", score.Value)
	}

	score, err = ComputeCometScore([]CometTerm{{
		ILDebtValue:   decimal.MustParse("1"),
		ILCoefficient: decimal.MustParse("1"),
	}}, decimal.Zero(6))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Healthy() {
		t.Fatal("debt with no collateral must be liquidatable")
	}
}
