package ledger

import "fmt"

// Well-known protocol accounts. Collateral backing borrow positions and
// comets sits in the vault; treasury swap fees accrue to the treasury.
const (
	VaultAccount    = "vault"
	TreasuryAccount = "treasury"
)

// StableToken is the protocol's stable synthetic. Pool collateral-side
// balances and comet stable debt are denominated in it.
const StableToken = "onusd"

// OnAssetToken names the synthetic token minted against a pool.
func OnAssetToken(poolIndex int) string {
	return fmt.Sprintf("onasset/%d", poolIndex)
}

// CollateralToken names the deposit token of a collateral entry.
func CollateralToken(collateralIndex int) string {
	return fmt.Sprintf("collateral/%d", collateralIndex)
}
