package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrReadOnly is returned when a submission is attempted without a
	// signing key loaded for the target chain.
	ErrReadOnly = errors.New("chain: no signing key loaded")
	// ErrUnknownChain is returned when the executor has no handle for the
	// requested chain.
	ErrUnknownChain = errors.New("chain: unknown chain")
)

// gasLimitMultiplierBps pads the node's gas estimate before signing.
const gasLimitMultiplierBps = 12_000

// Backend is the subset of ethclient.Client the executor relies on.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Handle binds a profile to a live RPC backend and an optional signing key.
type Handle struct {
	Profile Profile
	Backend Backend
	Key     *ecdsa.PrivateKey
}

// Submission reports the outcome of one on-chain write. Submissions never
// abort the heartbeat; the caller inspects Err and retries later.
type Submission struct {
	Chain  string
	TxHash common.Hash
	Err    error
}

// Executor signs and submits treasury transactions and answers balance
// queries in canonical micro-units.
type Executor struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewExecutor builds an executor over the supplied handles. Handles without
// a key operate read-only.
func NewExecutor(handles ...*Handle) (*Executor, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("chain: at least one handle required")
	}
	byName := make(map[string]*Handle, len(handles))
	for _, h := range handles {
		if h == nil || h.Backend == nil {
			return nil, fmt.Errorf("chain: nil handle")
		}
		name := strings.ToLower(strings.TrimSpace(h.Profile.Name))
		if name == "" {
			return nil, fmt.Errorf("chain: handle missing profile name")
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("chain: duplicate handle for %s", name)
		}
		byName[name] = h
	}
	return &Executor{handles: byName}, nil
}

// Chains lists the configured chain names in deterministic order.
func (e *Executor) Chains() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.handles))
	for name := range e.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) handle(chain string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return h, nil
}

// TokenBalance reads the treasury token balance of the vault contract on the
// named chain, scaled to canonical micro-units.
func (e *Executor) TokenBalance(ctx context.Context, chain string) (*big.Int, error) {
	h, err := e.handle(chain)
	if err != nil {
		return nil, err
	}
	raw, err := erc20BalanceOf(ctx, h.Backend, h.Profile.Token, h.Profile.VaultContract)
	if err != nil {
		return nil, fmt.Errorf("chain: balance query on %s: %w", h.Profile.Name, err)
	}
	return ToCanonical(raw, h.Profile.TokenDecimals), nil
}

// RichestChain returns the chain holding the largest canonical balance. All
// chains must answer; a single RPC failure fails the pick so callers never
// act on a partial view.
func (e *Executor) RichestChain(ctx context.Context) (string, *big.Int, error) {
	var (
		best    string
		bestBal *big.Int
	)
	for _, name := range e.Chains() {
		bal, err := e.TokenBalance(ctx, name)
		if err != nil {
			return "", nil, err
		}
		if bestBal == nil || bal.Cmp(bestBal) > 0 {
			best, bestBal = name, bal
		}
	}
	if best == "" {
		return "", nil, fmt.Errorf("chain: no chains configured")
	}
	return best, bestBal, nil
}

// Transfer sends a canonical amount of the treasury token to the recipient
// on the named chain.
func (e *Executor) Transfer(ctx context.Context, chain string, to common.Address, amount *big.Int) Submission {
	h, err := e.handle(chain)
	if err != nil {
		return Submission{Chain: chain, Err: err}
	}
	raw := FromCanonical(amount, h.Profile.TokenDecimals)
	data := packCall("transfer(address,uint256)", padAddress(to), padUint(raw))
	hash, err := e.submit(ctx, h, h.Profile.Token, data)
	return Submission{Chain: h.Profile.Name, TxHash: hash, Err: err}
}

// SubmitRepay records a principal repayment against the on-chain vault.
func (e *Executor) SubmitRepay(ctx context.Context, chain string, amount *big.Int) Submission {
	return e.vaultCall(ctx, chain, "repayPrincipal(uint256)", amount)
}

// SubmitDividend records a dividend payout against the on-chain vault.
func (e *Executor) SubmitDividend(ctx context.Context, chain string, amount *big.Int) Submission {
	return e.vaultCall(ctx, chain, "payDividend(uint256)", amount)
}

// SubmitLiquidation triggers the insolvency drain on the on-chain vault.
func (e *Executor) SubmitLiquidation(ctx context.Context, chain string) Submission {
	h, err := e.handle(chain)
	if err != nil {
		return Submission{Chain: chain, Err: err}
	}
	data := packCall("liquidate()")
	hash, err := e.submit(ctx, h, h.Profile.VaultContract, data)
	return Submission{Chain: h.Profile.Name, TxHash: hash, Err: err}
}

func (e *Executor) vaultCall(ctx context.Context, chain, sig string, amount *big.Int) Submission {
	h, err := e.handle(chain)
	if err != nil {
		return Submission{Chain: chain, Err: err}
	}
	raw := FromCanonical(amount, h.Profile.TokenDecimals)
	data := packCall(sig, padUint(raw))
	hash, err := e.submit(ctx, h, h.Profile.VaultContract, data)
	return Submission{Chain: h.Profile.Name, TxHash: hash, Err: err}
}

// submit signs a legacy transaction with a fresh pending nonce and pushes it
// to the backend. Nonces are never cached across submissions.
func (e *Executor) submit(ctx context.Context, h *Handle, to common.Address, data []byte) (common.Hash, error) {
	if h.Key == nil {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrReadOnly, h.Profile.Name)
	}
	from := gethcrypto.PubkeyToAddress(h.Key.PublicKey)
	nonce, err := h.Backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce on %s: %w", h.Profile.Name, err)
	}
	gasPrice, err := h.Backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price on %s: %w", h.Profile.Name, err)
	}
	estimate, err := h.Backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas estimate on %s: %w", h.Profile.Name, err)
	}
	gasLimit := estimate * gasLimitMultiplierBps / 10_000
	chainID := new(big.Int).SetUint64(h.Profile.ChainID)
	tx, err := types.SignNewTx(h.Key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign on %s: %w", h.Profile.Name, err)
	}
	if err := h.Backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send on %s: %w", h.Profile.Name, err)
	}
	return tx.Hash(), nil
}

func erc20BalanceOf(ctx context.Context, backend Backend, token, owner common.Address) (*big.Int, error) {
	data := packCall("balanceOf(address)", padAddress(owner))
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short balanceOf return (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// packCall builds calldata from a solidity signature and pre-padded
// 32-byte argument words.
func packCall(sig string, args ...[]byte) []byte {
	selector := gethcrypto.Keccak256([]byte(sig))[:4]
	data := make([]byte, 0, 4+32*len(args))
	data = append(data, selector...)
	for _, arg := range args {
		data = append(data, arg...)
	}
	return data
}

func padAddress(addr common.Address) []byte {
	word := make([]byte, 32)
	copy(word[12:], addr.Bytes())
	return word
}

func padUint(v *big.Int) []byte {
	word := make([]byte, 32)
	if v != nil {
		v.FillBytes(word)
	}
	return word
}
