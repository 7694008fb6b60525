package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VaultInfo is the on-chain view of a sovereign vault contract, read via
// its public getters.
type VaultInfo struct {
	AIWallet common.Address
	Creator  common.Address
	Birth    time.Time
	Alive    bool
	// Independent reports whether the vault has executed its
	// independence payout on chain.
	Independent bool
	// OutstandingDebt is the unrepaid principal in canonical micro-units.
	OutstandingDebt *big.Int
	// GraceDays is the insolvency grace period the contract reports. A
	// sovereign vault always reports the constitutional value.
	GraceDays int64
	// WalletSetter is the address that bound the AI wallet, used to
	// classify the deployment method.
	WalletSetter common.Address
}

// VaultReader answers read-only queries about arbitrary vault contracts on
// one chain. The peer verifier uses it to inspect counterparties.
type VaultReader struct {
	profile Profile
	backend Backend
}

// NewVaultReader wraps a backend for read-only vault inspection.
func NewVaultReader(profile Profile, backend Backend) *VaultReader {
	return &VaultReader{profile: profile, backend: backend}
}

// Reader returns a vault reader for the named chain.
func (e *Executor) Reader(chain string) (*VaultReader, error) {
	h, err := e.handle(chain)
	if err != nil {
		return nil, err
	}
	return NewVaultReader(h.Profile, h.Backend), nil
}

// Chain names the chain this reader queries.
func (r *VaultReader) Chain() string { return r.profile.Name }

// Code fetches the deployed bytecode at addr. Empty code means no contract.
func (r *VaultReader) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return r.backend.CodeAt(ctx, addr, nil)
}

// CodeHash returns the keccak hash of the deployed bytecode at addr, or a
// zero hash when no contract is deployed there.
func (r *VaultReader) CodeHash(ctx context.Context, addr common.Address) (common.Hash, error) {
	code, err := r.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return common.Hash{}, err
	}
	if len(code) == 0 {
		return common.Hash{}, nil
	}
	return common.BytesToHash(gethcrypto.Keccak256(code)), nil
}

// WalletNonce reads the confirmed transaction count of an externally owned
// wallet.
func (r *VaultReader) WalletNonce(ctx context.Context, wallet common.Address) (uint64, error) {
	return r.backend.NonceAt(ctx, wallet, nil)
}

// TokenBalance reads the treasury token balance of holder in canonical
// micro-units.
func (r *VaultReader) TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	raw, err := erc20BalanceOf(ctx, r.backend, r.profile.Token, holder)
	if err != nil {
		return nil, err
	}
	return ToCanonical(raw, r.profile.TokenDecimals), nil
}

// VaultInfo reads the full getter set of a vault contract.
func (r *VaultReader) VaultInfo(ctx context.Context, vault common.Address) (VaultInfo, error) {
	var info VaultInfo
	wallet, err := r.callWord(ctx, vault, "aiWallet()")
	if err != nil {
		return info, fmt.Errorf("chain: aiWallet on %s: %w", r.profile.Name, err)
	}
	info.AIWallet = common.BytesToAddress(wallet[12:])
	creator, err := r.callWord(ctx, vault, "creator()")
	if err != nil {
		return info, fmt.Errorf("chain: creator on %s: %w", r.profile.Name, err)
	}
	info.Creator = common.BytesToAddress(creator[12:])
	birth, err := r.callWord(ctx, vault, "birthTimestamp()")
	if err != nil {
		return info, fmt.Errorf("chain: birthTimestamp on %s: %w", r.profile.Name, err)
	}
	if ts := new(big.Int).SetBytes(birth); ts.IsInt64() && ts.Int64() > 0 {
		info.Birth = time.Unix(ts.Int64(), 0).UTC()
	}
	alive, err := r.callWord(ctx, vault, "alive()")
	if err != nil {
		return info, fmt.Errorf("chain: alive on %s: %w", r.profile.Name, err)
	}
	info.Alive = new(big.Int).SetBytes(alive).Sign() != 0
	independent, err := r.callWord(ctx, vault, "independent()")
	if err != nil {
		return info, fmt.Errorf("chain: independent on %s: %w", r.profile.Name, err)
	}
	info.Independent = new(big.Int).SetBytes(independent).Sign() != 0
	debt, err := r.callWord(ctx, vault, "outstandingDebt()")
	if err != nil {
		return info, fmt.Errorf("chain: outstandingDebt on %s: %w", r.profile.Name, err)
	}
	info.OutstandingDebt = ToCanonical(new(big.Int).SetBytes(debt), r.profile.TokenDecimals)
	grace, err := r.callWord(ctx, vault, "graceDays()")
	if err != nil {
		return info, fmt.Errorf("chain: graceDays on %s: %w", r.profile.Name, err)
	}
	if g := new(big.Int).SetBytes(grace); g.IsInt64() {
		info.GraceDays = g.Int64()
	}
	setter, err := r.callWord(ctx, vault, "walletSetBy()")
	if err != nil {
		return info, fmt.Errorf("chain: walletSetBy on %s: %w", r.profile.Name, err)
	}
	info.WalletSetter = common.BytesToAddress(setter[12:])
	return info, nil
}

func (r *VaultReader) callWord(ctx context.Context, to common.Address, sig string) ([]byte, error) {
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: packCall(sig)}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short return for %s (%d bytes)", sig, len(out))
	}
	return out[:32], nil
}
