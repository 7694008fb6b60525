// Package chain submits signed treasury transactions and reads on-chain
// vault state across the configured chains. Failures are non-fatal: a failed
// submission is logged by the caller and retried on the next heartbeat.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"sovereignd/constitution"
)

// canonicalDecimals is the shared ledger denomination (micro-units).
const canonicalDecimals = 6

// Profile describes one supported chain. The runtime ships two: Base with a
// six-decimal token and BSC with an eighteen-decimal token.
type Profile struct {
	Name          string
	ChainID       uint64
	TokenDecimals int
	RPCURL        string
	// Token is the ERC-20 treasury token contract.
	Token common.Address
	// VaultContract is the agent's on-chain vault.
	VaultContract common.Address
}

// DefaultProfiles returns the constitutional chain set. RPC URLs and
// contract addresses are filled from configuration.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "base", ChainID: constitution.ChainBase, TokenDecimals: 6},
		{Name: "bsc", ChainID: constitution.ChainBSC, TokenDecimals: 18},
	}
}

// ProfileByName looks a profile up case-insensitively.
func ProfileByName(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("chain: unknown chain %q", name)
}

// Dial opens an RPC client for the profile endpoint.
func Dial(p Profile) (*ethclient.Client, error) {
	url := strings.TrimSpace(p.RPCURL)
	if url == "" {
		return nil, fmt.Errorf("chain: rpc url required for %s", p.Name)
	}
	return ethclient.Dial(url)
}

// ToCanonical scales a raw token amount into canonical micro-units,
// preserving precision by integer division only on the wider side.
func ToCanonical(raw *big.Int, tokenDecimals int) *big.Int {
	if raw == nil {
		return big.NewInt(0)
	}
	switch {
	case tokenDecimals == canonicalDecimals:
		return new(big.Int).Set(raw)
	case tokenDecimals > canonicalDecimals:
		scale := pow10(tokenDecimals - canonicalDecimals)
		return new(big.Int).Quo(raw, scale)
	default:
		scale := pow10(canonicalDecimals - tokenDecimals)
		return new(big.Int).Mul(raw, scale)
	}
}

// FromCanonical scales canonical micro-units back into the token's native
// denomination.
func FromCanonical(amount *big.Int, tokenDecimals int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	switch {
	case tokenDecimals == canonicalDecimals:
		return new(big.Int).Set(amount)
	case tokenDecimals > canonicalDecimals:
		scale := pow10(tokenDecimals - canonicalDecimals)
		return new(big.Int).Mul(amount, scale)
	default:
		scale := pow10(canonicalDecimals - tokenDecimals)
		return new(big.Int).Quo(amount, scale)
	}
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
