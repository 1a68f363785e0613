package positions

import (
	"errors"
	"fmt"

	"github.com/jup-ag/clone-protocol/decimal"
)

var (
	// ErrInvalidPositionIndex reports an index outside the owner's
	// position collection.
	ErrInvalidPositionIndex = errors.New("positions: input position index out of range")
	// ErrPositionCapacity reports a full position collection.
	ErrPositionCapacity = errors.New("positions: position capacity reached")
)

// MaxPositionsPerAccount bounds each owner's borrow and comet
// sub-position collections. Collections are fixed capacity; removal
// swaps the last element into the freed slot, so position order is not
// preserved across removals and callers must not rely on it.
const MaxPositionsPerAccount = 24

// BorrowPosition is an open debt position: collateral locked against
// minted onAsset.
type BorrowPosition struct {
	PoolIndex        int             `json:"poolIndex"`
	CollateralIndex  int             `json:"collateralIndex"`
	CollateralAmount decimal.Decimal `json:"collateralAmount"`
	BorrowedOnAsset  decimal.Decimal `json:"borrowedOnAsset"`
}

// Empty reports whether both legs of the position have reached zero.
func (p BorrowPosition) Empty() bool {
	return p.CollateralAmount.Sign() == 0 && p.BorrowedOnAsset.Sign() == 0
}

// CometCollateral is one collateral allocation backing a comet.
type CometCollateral struct {
	CollateralIndex int             `json:"collateralIndex"`
	Amount          decimal.Decimal `json:"amount"`
}

// CometLiquidity is a comet's stake in one pool: contributed liquidity
// tokens plus the impermanent-loss debt accrued against that pool.
type CometLiquidity struct {
	PoolIndex           int             `json:"poolIndex"`
	LiquidityTokenValue decimal.Decimal `json:"liquidityTokenValue"`
	BorrowedOnAsset     decimal.Decimal `json:"borrowedOnAsset"`
	BorrowedStable      decimal.Decimal `json:"borrowedStable"`
}

// Empty reports whether the sub-position carries no liquidity and no debt.
func (p CometLiquidity) Empty() bool {
	return p.LiquidityTokenValue.Sign() == 0 &&
		p.BorrowedOnAsset.Sign() == 0 &&
		p.BorrowedStable.Sign() == 0
}

// Comet is a concentrated liquidity position spanning possibly several
// pools, collateralized by one or more collateral allocations.
type Comet struct {
	Collaterals []CometCollateral `json:"collaterals"`
	Positions   []CometLiquidity  `json:"positions"`
}

// Account holds every position owned by a single user.
type Account struct {
	Owner   string           `json:"owner"`
	Borrows []BorrowPosition `json:"borrows"`
	Comet   Comet            `json:"comet"`
}

// Borrow returns the borrow position at index.
func (a *Account) Borrow(index int) (*BorrowPosition, error) {
	if a == nil || index < 0 || index >= len(a.Borrows) {
		return nil, fmt.Errorf("%w: borrow %d", ErrInvalidPositionIndex, index)
	}
	return &a.Borrows[index], nil
}

// CometPosition returns the comet sub-position at index.
func (a *Account) CometPosition(index int) (*CometLiquidity, error) {
	if a == nil || index < 0 || index >= len(a.Comet.Positions) {
		return nil, fmt.Errorf("%w: comet %d", ErrInvalidPositionIndex, index)
	}
	return &a.Comet.Positions[index], nil
}

// AppendBorrow adds a borrow position, enforcing the capacity bound.
func (a *Account) AppendBorrow(p BorrowPosition) error {
	if len(a.Borrows) >= MaxPositionsPerAccount {
		return ErrPositionCapacity
	}
	a.Borrows = append(a.Borrows, p)
	return nil
}

// RemoveBorrow swaps the last borrow position into the freed slot and
// shrinks the collection.
func (a *Account) RemoveBorrow(index int) error {
	if a == nil || index < 0 || index >= len(a.Borrows) {
		return fmt.Errorf("%w: borrow %d", ErrInvalidPositionIndex, index)
	}
	last := len(a.Borrows) - 1
	a.Borrows[index] = a.Borrows[last]
	a.Borrows = a.Borrows[:last]
	return nil
}

// RemoveCometPosition swaps the last comet sub-position into the freed
// slot and shrinks the collection.
func (a *Account) RemoveCometPosition(index int) error {
	if a == nil || index < 0 || index >= len(a.Comet.Positions) {
		return fmt.Errorf("%w: comet %d", ErrInvalidPositionIndex, index)
	}
	last := len(a.Comet.Positions) - 1
	a.Comet.Positions[index] = a.Comet.Positions[last]
	a.Comet.Positions = a.Comet.Positions[:last]
	return nil
}

// cometCollateral finds or creates the allocation for a collateral index.
func (a *Account) cometCollateral(collateralIndex int, scale uint8) *CometCollateral {
	for i := range a.Comet.Collaterals {
		if a.Comet.Collaterals[i].CollateralIndex == collateralIndex {
			return &a.Comet.Collaterals[i]
		}
	}
	a.Comet.Collaterals = append(a.Comet.Collaterals, CometCollateral{
		CollateralIndex: collateralIndex,
		Amount:          decimal.Zero(scale),
	})
	return &a.Comet.Collaterals[len(a.Comet.Collaterals)-1]
}

// Clone deep-copies the account so callers can stage mutations and
// discard them on failure.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{Owner: a.Owner}
	out.Borrows = append([]BorrowPosition(nil), a.Borrows...)
	out.Comet.Collaterals = append([]CometCollateral(nil), a.Comet.Collaterals...)
	out.Comet.Positions = append([]CometLiquidity(nil), a.Comet.Positions...)
	return out
}
