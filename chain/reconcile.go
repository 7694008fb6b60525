package chain

import (
	"context"
	"log/slog"
	"math/big"
)

// Ledger is the slice of the local vault the reconciler adjusts.
type Ledger interface {
	ChainBalance(chain string) *big.Int
	Reconcile(chain string, onChain *big.Int) error
}

// Reconciler aligns the local ledger with observed on-chain balances. The
// chain is authoritative: any drift is booked as a reconciliation entry.
type Reconciler struct {
	exec   *Executor
	ledger Ledger
	logger *slog.Logger
}

// NewReconciler wires an executor to the local ledger.
func NewReconciler(exec *Executor, ledger Ledger, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{exec: exec, ledger: ledger, logger: logger}
}

// Run reconciles every configured chain. A chain whose RPC fails is skipped
// and retried next cycle; the remaining chains still reconcile.
func (r *Reconciler) Run(ctx context.Context) error {
	var firstErr error
	for _, name := range r.exec.Chains() {
		observed, err := r.exec.TokenBalance(ctx, name)
		if err != nil {
			r.logger.Warn("reconcile skipped", "chain", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		local := r.ledger.ChainBalance(name)
		if local != nil && local.Cmp(observed) == 0 {
			continue
		}
		if err := r.ledger.Reconcile(name, observed); err != nil {
			r.logger.Warn("reconcile rejected", "chain", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("ledger reconciled", "chain", name, "observed", observed.String())
	}
	return firstErr
}
