// Package registry keeps the shared pool and collateral arenas. Entries
// are allocated once and referenced by stable integer index; every index
// argument crossing the API boundary is bounds checked.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jup-ag/clone-protocol/decimal"
)

var (
	// ErrInvalidPoolIndex reports a pool index outside the arena.
	ErrInvalidPoolIndex = errors.New("registry: pool index out of range")
	// ErrInvalidCollateralIndex reports a collateral index outside the arena.
	ErrInvalidCollateralIndex = errors.New("registry: collateral index out of range")
	// ErrStatusPreventsAction reports a pool status that forbids the
	// attempted mutation.
	ErrStatusPreventsAction = errors.New("registry: pool status prevents action")
	// ErrUnauthorized reports a caller without the admin capability.
	ErrUnauthorized = errors.New("registry: unauthorized")
)

// Registry owns the pool and collateral arenas plus the admin identity
// allowed to change parameters. It is mutated only through component
// operations; the hosting layer serializes access per action.
type Registry struct {
	authority   string
	pools       []Pool
	collaterals []Collateral
}

// New builds a registry with the given admin authority and initial
// arenas. The slices are copied so the caller cannot alias them.
func New(authority string, pools []Pool, collaterals []Collateral) *Registry {
	return &Registry{
		authority:   strings.TrimSpace(authority),
		pools:       append([]Pool(nil), pools...),
		collaterals: append([]Collateral(nil), collaterals...),
	}
}

// PoolCount reports the number of pools.
func (r *Registry) PoolCount() int { return len(r.pools) }

// CollateralCount reports the number of collaterals.
func (r *Registry) CollateralCount() int { return len(r.collaterals) }

// Pool returns a mutable reference to the pool at index.
func (r *Registry) Pool(index int) (*Pool, error) {
	if r == nil || index < 0 || index >= len(r.pools) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPoolIndex, index)
	}
	return &r.pools[index], nil
}

// Collateral returns a mutable reference to the collateral at index.
func (r *Registry) Collateral(index int) (*Collateral, error) {
	if r == nil || index < 0 || index >= len(r.collaterals) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCollateralIndex, index)
	}
	return &r.collaterals[index], nil
}

// GuardActive rejects mutations against pools that are not active.
// Frozen, liquidation-mode and deprecated pools all refuse.
func GuardActive(s Status) error {
	if s != StatusActive {
		return fmt.Errorf("%w: %s", ErrStatusPreventsAction, s)
	}
	return nil
}

// GuardNotFrozen rejects mutations against frozen pools while letting
// liquidation-mode actions through.
func GuardNotFrozen(s Status) error {
	if s == StatusFrozen || s == StatusDeprecated {
		return fmt.Errorf("%w: %s", ErrStatusPreventsAction, s)
	}
	return nil
}

func (r *Registry) guardAuthority(caller string) error {
	if r == nil || r.authority == "" || !strings.EqualFold(strings.TrimSpace(caller), r.authority) {
		return ErrUnauthorized
	}
	return nil
}

// SetPoolStatus is the admin path for status changes, including
// reactivation out of a restrictive state.
func (r *Registry) SetPoolStatus(caller string, index int, status Status) error {
	if err := r.guardAuthority(caller); err != nil {
		return err
	}
	pool, err := r.Pool(index)
	if err != nil {
		return err
	}
	pool.Status = status
	return nil
}

// UpdatePoolParams replaces the risk settings of a pool.
func (r *Registry) UpdatePoolParams(caller string, index int, params PoolParams) error {
	if err := r.guardAuthority(caller); err != nil {
		return err
	}
	pool, err := r.Pool(index)
	if err != nil {
		return err
	}
	pool.Params = params
	return nil
}

// UpdateCollateralRatio replaces the collateralization ratio of a
// collateral entry. The stable collateral keeps its fixed ratio.
func (r *Registry) UpdateCollateralRatio(caller string, index int, ratio decimal.Decimal) error {
	if err := r.guardAuthority(caller); err != nil {
		return err
	}
	col, err := r.Collateral(index)
	if err != nil {
		return err
	}
	if index == StableCollateralIndex {
		return fmt.Errorf("%w: stable collateral ratio is fixed", ErrUnauthorized)
	}
	col.CollateralizationRatio = ratio
	return nil
}

// Snapshot returns copies of the arenas for persistence.
func (r *Registry) Snapshot() ([]Pool, []Collateral) {
	if r == nil {
		return nil, nil
	}
	return append([]Pool(nil), r.pools...), append([]Collateral(nil), r.collaterals...)
}

// Restore replaces the arenas from a snapshot.
func (r *Registry) Restore(pools []Pool, collaterals []Collateral) {
	if r == nil {
		return
	}
	r.pools = append([]Pool(nil), pools...)
	r.collaterals = append([]Collateral(nil), collaterals...)
}
