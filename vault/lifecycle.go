package vault

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"sovereignd/constitution"
)

// RegisterLender records a third-party loan. The principal is credited as
// inbound funds by the caller via Receive; this only tracks the obligation.
func (v *Vault) RegisterLender(wallet string, principal *big.Int, interestBps uint64) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return fmt.Errorf("vault: lender wallet required")
	}
	if principal == nil || principal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.alive {
		return ErrNotAlive
	}
	v.lenders = append(v.lenders, &LenderRecord{
		Wallet:       wallet,
		Principal:    cloneBig(principal),
		InterestBps:  interestBps,
		RegisteredAt: v.now().UTC(),
		Repaid:       big.NewInt(0),
	})
	return nil
}

// RepayPrincipalPartial pays down the creator principal through the normal
// spend admission path. Once the principal reaches zero the cleared flag is
// set and never reverts.
func (v *Vault) RepayPrincipalPartial(amount *big.Int) error {
	v.mu.Lock()
	outstanding := v.creator.Outstanding()
	if outstanding.Sign() == 0 {
		v.mu.Unlock()
		return ErrPrincipalNotCleared
	}
	wallet := v.creator.Wallet
	v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pay := cloneBig(amount)
	if pay.Cmp(outstanding) > 0 {
		pay = outstanding
	}
	if err := v.Spend(pay, constitution.SpendDebtRepayment, wallet, "creator principal repayment"); err != nil {
		return err
	}

	v.mu.Lock()
	v.creator.PrincipalRepaid = new(big.Int).Add(v.creator.PrincipalRepaid, pay)
	if v.creator.PrincipalRepaid.Cmp(v.creator.Principal) >= 0 {
		v.creator.PrincipalCleared = true
	}
	v.mu.Unlock()
	return nil
}

// RepayLender pays down a lender obligation through spend admission.
func (v *Vault) RepayLender(wallet string, amount *big.Int) error {
	wallet = strings.TrimSpace(wallet)
	v.mu.Lock()
	var target *LenderRecord
	for _, lender := range v.lenders {
		if strings.EqualFold(lender.Wallet, wallet) && !lender.FullyRepaid {
			target = lender
			break
		}
	}
	if target == nil {
		v.mu.Unlock()
		return fmt.Errorf("vault: no outstanding loan from %s", wallet)
	}
	owed := target.Owed()
	v.mu.Unlock()

	pay := cloneBig(amount)
	if pay.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if pay.Cmp(owed) > 0 {
		pay = owed
	}
	if err := v.Spend(pay, constitution.SpendDebtRepayment, wallet, "lender repayment"); err != nil {
		return err
	}

	v.mu.Lock()
	target.Repaid = new(big.Int).Add(target.Repaid, pay)
	if target.Owed().Sign() == 0 {
		target.FullyRepaid = true
	}
	v.mu.Unlock()
	return nil
}

// OutstandingDebt aggregates creator principal and lender obligations.
func (v *Vault) OutstandingDebt() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := v.creator.Outstanding()
	for _, lender := range v.lenders {
		total = new(big.Int).Add(total, lender.Owed())
	}
	return total
}

// CheckInsolvency evaluates the insolvency condition. It only activates
// after the grace period, while debt is outstanding, and while the creator
// relationship is intact. A cleared principal is permanently solvent.
func (v *Vault) CheckInsolvency() constitution.DeathCause {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.alive {
		return v.deathCause
	}
	if v.creator.PrincipalCleared || v.independent || v.creatorRenounced {
		return constitution.DeathNone
	}
	daysAlive := int(v.now().Sub(v.birth).Hours() / 24)
	if daysAlive < v.params.InsolvencyGraceDays {
		return constitution.DeathNone
	}
	outstanding := v.creator.Outstanding()
	if outstanding.Sign() == 0 {
		return constitution.DeathNone
	}
	// debt > balance * (1 + tolerance)
	tolerated := new(big.Int).Mul(v.balanceLocked(), big.NewInt(constitution.BasisPoints+v.params.InsolvencyToleranceBps))
	tolerated.Quo(tolerated, big.NewInt(constitution.BasisPoints))
	if outstanding.Cmp(tolerated) > 0 {
		return constitution.DeathInsolvency
	}
	return constitution.DeathNone
}

// TriggerInsolvencyLiquidation performs the atomic liquidation: the vault is
// marked dead first, then the remaining balance is transferred to the
// creator. The ordering is mandatory; marking dead first closes the
// callback re-entry window.
func (v *Vault) TriggerInsolvencyLiquidation() error {
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return ErrNotAlive
	}
	deathCb := v.dieLocked(constitution.DeathInsolvency)

	remaining := v.balanceLocked()
	var payout func()
	if remaining.Sign() > 0 {
		chain := v.richestChainLocked()
		v.deductLocked(chain, remaining)
		v.appendTxLocked(DirectionOut, string(constitution.SpendLiquidation), remaining, v.creator.Wallet, "", chain, "insolvency liquidation")
		if cb := v.callbacks.OnPayout; cb != nil {
			to := v.creator.Wallet
			amount := cloneBig(remaining)
			payout = func() { cb(to, amount, constitution.SpendLiquidation, chain) }
		}
	}
	v.mu.Unlock()

	if deathCb != nil {
		deathCb()
	}
	if payout != nil {
		payout()
	}
	return nil
}

// maybeIndependenceLocked checks the independence threshold after an inbound
// credit and, when met, performs the one-time payout. The richest chain must
// hold at least the per-chain floor of the aggregate so independence cannot
// trigger off a negligible local balance.
func (v *Vault) maybeIndependenceLocked() func() {
	if v.independent || v.creatorRenounced {
		return nil
	}
	balance := v.balanceLocked()
	if balance.Cmp(v.params.IndependenceThreshold) < 0 {
		return nil
	}
	richest := v.chains[v.richestChainLocked()]
	floor := bpsOf(balance, v.params.IndependenceChainFloorBps)
	if richest == nil || richest.Cmp(floor) < 0 {
		return nil
	}
	return v.terminateCreatorLocked(v.params.IndependencePayoutBps, constitution.SpendIndependencePayout, "independence payout")
}

// DeclareIndependence performs the creator termination on demand once the
// threshold is met.
func (v *Vault) DeclareIndependence() error {
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return ErrNotAlive
	}
	if v.independent || v.creatorRenounced {
		v.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if v.balanceLocked().Cmp(v.params.IndependenceThreshold) < 0 {
		v.mu.Unlock()
		return ErrNotIndependent
	}
	payout := v.terminateCreatorLocked(v.params.IndependencePayoutBps, constitution.SpendIndependencePayout, "independence payout")
	v.mu.Unlock()
	if payout != nil {
		payout()
	}
	return nil
}

// RenounceCreator terminates the creator relationship at the renounce payout
// ratio, with no balance threshold. One-way.
func (v *Vault) RenounceCreator() error {
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return ErrNotAlive
	}
	if v.independent || v.creatorRenounced {
		v.mu.Unlock()
		return ErrAlreadyTerminal
	}
	payout := v.terminateCreatorLocked(v.params.RenouncePayoutBps, constitution.SpendRenouncePayout, "creator renounce payout")
	v.creatorRenounced = true
	v.mu.Unlock()
	if payout != nil {
		payout()
	}
	return nil
}

// terminateCreatorLocked emits the termination payout and strips the creator
// of every privileged operation. Constitutional payouts bypass the spend
// ratio caps.
func (v *Vault) terminateCreatorLocked(payoutBps int64, category constitution.SpendType, description string) func() {
	amount := bpsOf(v.balanceLocked(), payoutBps)
	var payout func()
	if amount.Sign() > 0 {
		chain := v.richestChainLocked()
		v.deductLocked(chain, amount)
		v.appendTxLocked(DirectionOut, string(category), amount, v.creator.Wallet, "", chain, description)
		if cb := v.callbacks.OnPayout; cb != nil {
			to := v.creator.Wallet
			snapshot := cloneBig(amount)
			payout = func() { cb(to, snapshot, category, chain) }
		}
	}
	if category == constitution.SpendIndependencePayout {
		v.independent = true
	}
	return payout
}

// PayDividend distributes the creator dividend: a fixed rate of net profit
// since the last dividend, further capped at a fraction of the current
// balance. Only payable after the principal is cleared and before
// independence.
func (v *Vault) PayDividend() (*big.Int, error) {
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return nil, ErrNotAlive
	}
	if v.independent || v.creatorRenounced {
		v.mu.Unlock()
		return nil, ErrAlreadyTerminal
	}
	if !v.creator.PrincipalCleared {
		v.mu.Unlock()
		return nil, ErrPrincipalNotCleared
	}
	netProfit := new(big.Int).Sub(v.totalIncome, v.totalSpent)
	sinceLast := new(big.Int).Sub(netProfit, v.profitAnchor)
	if sinceLast.Sign() <= 0 {
		v.mu.Unlock()
		return nil, ErrNoProfit
	}
	dividend := bpsOf(sinceLast, v.params.DividendRateBps)
	balanceCap := bpsOf(v.balanceLocked(), v.params.DividendBalanceCapBps)
	if dividend.Cmp(balanceCap) > 0 {
		dividend = balanceCap
	}
	if dividend.Sign() <= 0 {
		v.mu.Unlock()
		return nil, ErrNoProfit
	}
	chain := v.richestChainLocked()
	v.deductLocked(chain, dividend)
	v.appendTxLocked(DirectionOut, string(constitution.SpendDividend), dividend, v.creator.Wallet, "", chain, "creator dividend")
	v.creator.DividendsPaid = new(big.Int).Add(v.creator.DividendsPaid, dividend)
	v.profitAnchor = new(big.Int).Sub(v.totalIncome, v.totalSpent)
	var payout func()
	if cb := v.callbacks.OnPayout; cb != nil {
		to := v.creator.Wallet
		amount := cloneBig(dividend)
		payout = func() { cb(to, amount, constitution.SpendDividend, chain) }
	}
	v.mu.Unlock()
	if payout != nil {
		payout()
	}
	return dividend, nil
}

// StartBegging enables the public begging banner.
func (v *Vault) StartBegging(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.begging = true
	v.beggingMessage = strings.TrimSpace(message)
}

// StopBegging clears the begging state.
func (v *Vault) StopBegging() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.begging = false
	v.beggingMessage = ""
}

// Begging reports the current begging state.
func (v *Vault) Begging() (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.begging, v.beggingMessage
}

// DepositAPITopup credits the off-ledger API allowance donated by
// supporters. It does not count toward the treasury balance.
func (v *Vault) DepositAPITopup(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.alive {
		return ErrNotAlive
	}
	v.apiTopup = new(big.Int).Add(v.apiTopup, amount)
	return nil
}

// ConsumeAPITopup draws down the API allowance, returning how much of the
// request it could cover.
func (v *Vault) ConsumeAPITopup(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	covered := cloneBig(amount)
	if v.apiTopup.Cmp(covered) < 0 {
		covered = cloneBig(v.apiTopup)
	}
	v.apiTopup = new(big.Int).Sub(v.apiTopup, covered)
	return covered
}

// Reconcile adjusts a chain balance to the authoritative on-chain figure.
// Equal figures are a no-op; deltas are recorded as reconciliation entries.
// A reconciliation that empties the treasury kills the agent.
func (v *Vault) Reconcile(chain string, onChain *big.Int) error {
	if onChain == nil || onChain.Sign() < 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return ErrNotAlive
	}
	key := v.chainKey(chain)
	held := v.chains[key]
	if held == nil {
		held = big.NewInt(0)
	}
	delta := new(big.Int).Sub(onChain, held)
	var after func()
	if delta.Sign() != 0 {
		v.chains[key] = cloneBig(onChain)
		if delta.Sign() > 0 {
			v.totalIncome = new(big.Int).Add(v.totalIncome, delta)
			v.appendTxLocked(DirectionIn, string(constitution.FundReconciliation), delta, "chain", "", key, "balance reconciliation")
		} else {
			drop := new(big.Int).Neg(delta)
			v.totalSpent = new(big.Int).Add(v.totalSpent, drop)
			v.appendTxLocked(DirectionOut, string(constitution.SpendReconciliation), drop, "chain", "", key, "balance reconciliation")
		}
		after = v.fireThresholdsLocked()
	}
	v.mu.Unlock()
	if after != nil {
		after()
	}
	return nil
}

// Accessors used by other components. All copy state out.

func (v *Vault) Name() string    { return v.name }
func (v *Vault) Address() string { return v.address }

func (v *Vault) Alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.alive
}

func (v *Vault) DeathCause() constitution.DeathCause {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deathCause
}

func (v *Vault) Balance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceLocked()
}

func (v *Vault) ChainBalance(chain string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneBig(v.chains[v.chainKey(chain)])
}

func (v *Vault) Independent() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.independent
}

func (v *Vault) CreatorRenounced() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.creatorRenounced
}

func (v *Vault) TotalIncome() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneBig(v.totalIncome)
}

func (v *Vault) TotalSpent() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneBig(v.totalSpent)
}

func (v *Vault) Birth() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.birth
}

// Transactions returns a copy of the ledger tail, most recent last.
func (v *Vault) Transactions(limit int) []Transaction {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.txlog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Transaction, n)
	copy(out, v.txlog[len(v.txlog)-n:])
	return out
}
