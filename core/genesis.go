package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/registry"
)

// Genesis declares the initial pool and collateral arenas and the
// registered oracle feeds.
type Genesis struct {
	Authority   string                `json:"authority"`
	Pools       []registry.Pool       `json:"pools"`
	Collaterals []registry.Collateral `json:"collaterals"`
	Readings    []oracle.Reading      `json:"readings"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("core: read genesis: %w", err)
	}
	var gen Genesis
	if err := json.Unmarshal(raw, &gen); err != nil {
		return Genesis{}, fmt.Errorf("core: decode genesis: %w", err)
	}
	if err := gen.Validate(); err != nil {
		return Genesis{}, err
	}
	return gen, nil
}

// Validate checks the cross-references a running protocol relies on.
func (g Genesis) Validate() error {
	if len(g.Collaterals) == 0 {
		return errors.New("core: genesis needs at least the stable collateral")
	}
	if !g.Collaterals[registry.StableCollateralIndex].Stable {
		return errors.New("core: collateral index 0 must be the stable collateral")
	}
	for i, pool := range g.Pools {
		if pool.Params.OracleIndex < 0 || pool.Params.OracleIndex >= len(g.Readings) {
			return fmt.Errorf("core: pool %d references unknown oracle %d", i, pool.Params.OracleIndex)
		}
	}
	for i, col := range g.Collaterals {
		if col.Stable {
			continue
		}
		if col.OracleIndex < 0 || col.OracleIndex >= len(g.Readings) {
			return fmt.Errorf("core: collateral %d references unknown oracle %d", i, col.OracleIndex)
		}
	}
	return nil
}
