package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrNoReceipts is returned when a chain backend cannot serve transaction
// receipts; such a handle can submit but not confirm.
var ErrNoReceipts = errors.New("chain: backend does not serve receipts")

// ReceiptSource is the optional receipt capability of a backend. The live
// ethclient satisfies it; test stubs may not.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ConfirmInbound verifies that txHash carried a successful treasury-token
// transfer of at least minAmount (canonical micro-units) to the given
// recipient, and returns the payer address. Used by the storefront to
// confirm a buyer's payment before fulfilling an order.
func (e *Executor) ConfirmInbound(ctx context.Context, chainName string, txHash common.Hash, to common.Address, minAmount *big.Int) (common.Address, error) {
	h, err := e.handle(chainName)
	if err != nil {
		return common.Address{}, err
	}
	receipts, ok := h.Backend.(ReceiptSource)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoReceipts, h.Profile.Name)
	}
	if (txHash == common.Hash{}) {
		return common.Address{}, fmt.Errorf("chain: tx hash required")
	}
	if minAmount == nil || minAmount.Sign() <= 0 {
		return common.Address{}, fmt.Errorf("chain: amount must be positive")
	}

	receipt, err := receipts.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return common.Address{}, fmt.Errorf("chain: transaction %s not found on %s", txHash.Hex(), h.Profile.Name)
		}
		return common.Address{}, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, fmt.Errorf("chain: transaction %s failed", txHash.Hex())
	}

	want := FromCanonical(minAmount, h.Profile.TokenDecimals)
	for _, logEntry := range receipt.Logs {
		if logEntry == nil || logEntry.Address != h.Profile.Token {
			continue
		}
		if len(logEntry.Topics) != 3 || logEntry.Topics[0] != transferEventSignature {
			continue
		}
		recipient := common.BytesToAddress(logEntry.Topics[2].Bytes())
		if recipient != to {
			continue
		}
		paid := new(big.Int).SetBytes(logEntry.Data)
		if paid.Cmp(want) < 0 {
			return common.Address{}, fmt.Errorf("chain: transfer %s below expected %s", paid, want)
		}
		return common.BytesToAddress(logEntry.Topics[1].Bytes()), nil
	}
	return common.Address{}, fmt.Errorf("chain: no matching token transfer in %s", txHash.Hex())
}
