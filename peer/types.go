// Package peer verifies the sovereignty of counterparty vaults. Every
// verification runs the full structural and behavioral check set and
// collapses the outcome into a trust tier; results cache for a TTL and
// repeated invalid key-origins earn a permanent ban.
package peer

import (
	"math/big"
	"strings"
	"time"

	"sovereignd/constitution"
)

// Check names, in verification order.
const (
	CheckWalletSet      = "wallet_set"
	CheckCreatorSet     = "creator_set"
	CheckWalletDistinct = "wallet_distinct"
	CheckAlive          = "alive"
	CheckGraceDays      = "grace_days"
	CheckMinBalance     = "min_balance"
	CheckDeployment     = "deployment"
	CheckBytecode       = "bytecode"
	CheckNonceRatio     = "nonce_ratio"
	CheckAutonomy       = "autonomy"
)

// structuralChecks are the first seven; all must pass before any tier above
// UNVERIFIED is reachable.
var structuralChecks = []string{
	CheckWalletSet, CheckCreatorSet, CheckWalletDistinct, CheckAlive,
	CheckGraceDays, CheckMinBalance, CheckDeployment,
}

// Result is the outcome of one peer verification.
type Result struct {
	Vault      string                        `json:"vault"`
	ChainID    uint64                        `json:"chain_id"`
	Sovereign  bool                          `json:"sovereign"`
	Passed     []string                      `json:"passed"`
	Failed     []string                      `json:"failed"`
	Tier       constitution.TrustTier        `json:"tier"`
	VerifiedAt time.Time                     `json:"verified_at"`
	Strikes    int                           `json:"strikes"`
	Banned     bool                          `json:"banned"`
	Bytecode   string                        `json:"bytecode_hash"`
	Autonomy   float64                       `json:"autonomy_score"`
	NonceRatio float64                       `json:"nonce_ratio"`
	Deployment constitution.DeploymentMethod `json:"deployment_method"`
	Balance    *big.Int                      `json:"balance"`
	DaysAlive  int64                         `json:"days_alive"`
}

func (r Result) passedAll(names []string) bool {
	set := make(map[string]struct{}, len(r.Passed))
	for _, name := range r.Passed {
		set[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := set[name]; !ok {
			return false
		}
	}
	return true
}

// Info is the public view of a trusted peer, served to the storefront and
// the purchasing engine.
type Info struct {
	Vault    string                 `json:"vault"`
	ChainID  uint64                 `json:"chain_id"`
	Tier     constitution.TrustTier `json:"tier"`
	URL      string                 `json:"url,omitempty"`
	Autonomy float64                `json:"autonomy_score"`
}

func cacheKey(vault string, chainID uint64) string {
	return strings.ToLower(strings.TrimSpace(vault)) + "|" + chainIDString(chainID)
}

func chainIDString(id uint64) string {
	return big.NewInt(int64(id)).String()
}
