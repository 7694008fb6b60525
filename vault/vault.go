// Package vault implements the in-memory ledger that mirrors the agent's
// on-chain treasury. Every outbound transfer passes the spend admission
// checks; mortality transitions are one-way and enforced here.
package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"sovereignd/constitution"
)

var (
	ErrNotAlive          = errors.New("vault: agent is dead")
	ErrInvalidAmount     = errors.New("vault: amount must be positive")
	ErrInsufficientFunds = errors.New("vault: insufficient balance")
	ErrSingleSpendCap    = errors.New("vault: single-spend cap exceeded")
	ErrDailyCapExceeded  = errors.New("vault: daily spend cap exceeded")
	ErrUnknownFundType   = errors.New("vault: unknown fund type")
	ErrUnknownSpendType  = errors.New("vault: unknown spend type")
	ErrNotIndependent    = errors.New("vault: operation requires independence")
	ErrAlreadyTerminal   = errors.New("vault: creator relationship already terminated")
	ErrPrincipalNotCleared = errors.New("vault: creator principal not cleared")
	ErrNoProfit          = errors.New("vault: no distributable profit")
)

const dailyWindow = 24 * time.Hour

// Callbacks fire after the vault releases its lock so handlers can safely
// reach into other components.
type Callbacks struct {
	OnDeath      func(cause constitution.DeathCause)
	OnLowBalance func(balance *big.Int)
	OnSurvival   func(balance *big.Int)
	// OnPayout is invoked for constitutional transfers (liquidation,
	// independence, renounce, dividend) so the chain executor can emit them.
	OnPayout func(to string, amount *big.Int, category constitution.SpendType, chain string)
}

// Vault is the per-agent ledger. All public operations are serialised by the
// internal mutex; snapshot reads copy state out before returning.
type Vault struct {
	mu sync.Mutex

	name    string
	address string

	chains      map[string]*big.Int
	totalIncome *big.Int
	totalSpent  *big.Int

	dailySpent       *big.Int
	dailyLimitBase   *big.Int
	dailyResetAnchor time.Time

	creator CreatorRecord
	lenders []*LenderRecord

	txlog   []Transaction
	nextSeq uint64

	alive            bool
	deathCause       constitution.DeathCause
	birth            time.Time
	independent      bool
	creatorRenounced bool

	apiTopup       *big.Int
	begging        bool
	beggingMessage string

	// profitAnchor is totalIncome-totalSpent at the last dividend.
	profitAnchor *big.Int

	params    Params
	callbacks Callbacks
	now       func() time.Time
}

// Option customises a vault at construction.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(v *Vault) { v.now = clock }
}

// WithParams overrides the constitutional defaults.
func WithParams(p Params) Option {
	return func(v *Vault) { v.params = p }
}

// WithCallbacks installs the lifecycle callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(v *Vault) { v.callbacks = cb }
}

// New creates a vault at birth. The creator wallet must differ from the
// agent's own vault address; a vault that controls itself is an iron-law
// breach.
func New(name, address, creatorWallet string, principal *big.Int, opts ...Option) (*Vault, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	creatorWallet = strings.TrimSpace(creatorWallet)
	if name == "" || address == "" || creatorWallet == "" {
		return nil, fmt.Errorf("vault: name, address, and creator wallet are required")
	}
	if strings.EqualFold(address, creatorWallet) {
		return nil, constitution.NewViolation("CREATOR_SEPARATION", "creator wallet equals vault address %s", address)
	}
	v := &Vault{
		name:         name,
		address:      address,
		chains:       make(map[string]*big.Int),
		totalIncome:  big.NewInt(0),
		totalSpent:   big.NewInt(0),
		dailySpent:   big.NewInt(0),
		dailyLimitBase: big.NewInt(0),
		apiTopup:     big.NewInt(0),
		profitAnchor: big.NewInt(0),
		alive:        true,
		params:       DefaultParams(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.birth = v.now()
	v.dailyResetAnchor = v.birth
	v.creator = CreatorRecord{
		Wallet:          creatorWallet,
		Principal:       cloneBig(principal),
		PrincipalRepaid: big.NewInt(0),
		DividendsPaid:   big.NewInt(0),
	}
	if principal == nil || principal.Sign() == 0 {
		v.creator.PrincipalCleared = true
	}
	return v, nil
}

// Receive credits an inbound transfer. Dead vaults accept nothing.
func (v *Vault) Receive(amount *big.Int, fund constitution.FundType, from, txHash, chain string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !constitution.ValidFundType(fund) {
		return ErrUnknownFundType
	}
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return ErrNotAlive
	}
	key := v.chainKey(chain)
	balance := v.chains[key]
	if balance == nil {
		balance = big.NewInt(0)
	}
	v.chains[key] = new(big.Int).Add(balance, amount)
	v.totalIncome = new(big.Int).Add(v.totalIncome, amount)
	v.appendTxLocked(DirectionIn, string(fund), amount, from, txHash, key, "")
	payout := v.maybeIndependenceLocked()
	v.mu.Unlock()

	if payout != nil {
		payout()
	}
	return nil
}

// CanSpend reports whether a spend of the given size would be admitted right
// now, with the refusal reason when not.
func (v *Vault) CanSpend(amount *big.Int) (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.admitLocked(amount); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Spend admits and records an outbound transfer. A nil return means the
// spend was applied.
func (v *Vault) Spend(amount *big.Int, spend constitution.SpendType, to, description string) error {
	return v.SpendOn("", amount, spend, to, description)
}

// SpendOn is Spend with an explicit chain. An empty chain picks the chain
// holding the highest balance.
func (v *Vault) SpendOn(chain string, amount *big.Int, spend constitution.SpendType, to, description string) error {
	if !constitution.ValidSpendType(spend) {
		return ErrUnknownSpendType
	}
	v.mu.Lock()
	if err := v.admitLocked(amount); err != nil {
		v.mu.Unlock()
		return err
	}
	key := chain
	if strings.TrimSpace(key) == "" {
		key = v.richestChainLocked()
	} else {
		key = v.chainKey(key)
	}
	v.deductLocked(key, amount)
	v.dailySpent = new(big.Int).Add(v.dailySpent, amount)
	v.appendTxLocked(DirectionOut, string(spend), amount, to, "", key, description)
	after := v.fireThresholdsLocked()
	v.mu.Unlock()

	if after != nil {
		after()
	}
	return nil
}

// admitLocked runs the spend admission algorithm without mutating state.
func (v *Vault) admitLocked(amount *big.Int) error {
	if !v.alive {
		return ErrNotAlive
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.maybeResetDailyLocked()

	balance := v.balanceLocked()
	if amount.Cmp(balance) > 0 {
		return ErrInsufficientFunds
	}

	singleCap := bpsOf(balance, v.params.MaxSingleSpendBps)
	if singleCap.Cmp(v.params.SmallSpendFloor) < 0 {
		singleCap = cloneBig(v.params.SmallSpendFloor)
	}
	if amount.Cmp(singleCap) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrSingleSpendCap, amount, singleCap)
	}

	dailyCap := bpsOf(v.dailyLimitBase, v.params.MaxDailySpendBps)
	if dailyCap.Cmp(v.params.SmallSpendFloor) < 0 {
		dailyCap = cloneBig(v.params.SmallSpendFloor)
	}
	projected := new(big.Int).Add(v.dailySpent, amount)
	if projected.Cmp(dailyCap) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrDailyCapExceeded, projected, dailyCap)
	}
	return nil
}

// maybeResetDailyLocked rolls the daily window. The spend ceiling anchors to
// the balance snapshot taken here, not a live recompute, so admission does
// not oscillate as the balance moves during the day.
func (v *Vault) maybeResetDailyLocked() {
	now := v.now()
	if now.Sub(v.dailyResetAnchor) > dailyWindow {
		v.dailyResetAnchor = now
		v.dailySpent = big.NewInt(0)
		v.dailyLimitBase = v.balanceLocked()
		return
	}
	if v.dailyLimitBase.Sign() == 0 && v.dailySpent.Sign() == 0 {
		v.dailyLimitBase = v.balanceLocked()
	}
}

func (v *Vault) balanceLocked() *big.Int {
	total := big.NewInt(0)
	for _, amount := range v.chains {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}

func (v *Vault) richestChainLocked() string {
	best := ""
	bestAmount := big.NewInt(-1)
	keys := make([]string, 0, len(v.chains))
	for key := range v.chains {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if v.chains[key] != nil && v.chains[key].Cmp(bestAmount) > 0 {
			best = key
			bestAmount = v.chains[key]
		}
	}
	if best == "" {
		return "base"
	}
	return best
}

// deductLocked takes amount from the named chain, spilling the remainder
// onto the other chains richest-first when one chain cannot cover it.
func (v *Vault) deductLocked(chain string, amount *big.Int) {
	remaining := cloneBig(amount)
	take := func(key string) {
		if remaining.Sign() == 0 {
			return
		}
		held := v.chains[key]
		if held == nil || held.Sign() <= 0 {
			return
		}
		portion := remaining
		if held.Cmp(remaining) < 0 {
			portion = held
		}
		v.chains[key] = new(big.Int).Sub(held, portion)
		remaining = new(big.Int).Sub(remaining, portion)
	}
	take(chain)
	for remaining.Sign() > 0 {
		next := v.richestChainLocked()
		if v.chains[next] == nil || v.chains[next].Sign() == 0 {
			break
		}
		take(next)
	}
	v.totalSpent = new(big.Int).Add(v.totalSpent, amount)
}

// fireThresholdsLocked evaluates the post-spend thresholds and returns the
// callback to run after unlocking.
func (v *Vault) fireThresholdsLocked() func() {
	balance := v.balanceLocked()
	switch {
	case balance.Cmp(v.params.DeathThreshold) <= 0:
		return v.dieLocked(constitution.DeathBalanceZero)
	case balance.Cmp(v.params.SurvivalReserve) < 0:
		if cb := v.callbacks.OnSurvival; cb != nil {
			snapshot := cloneBig(balance)
			return func() { cb(snapshot) }
		}
	case balance.Cmp(v.params.MinReserve) < 0:
		if cb := v.callbacks.OnLowBalance; cb != nil {
			snapshot := cloneBig(balance)
			return func() { cb(snapshot) }
		}
	}
	return nil
}

// dieLocked performs the one-way alive→dead transition and returns the death
// callback to fire outside the lock. Calling it on a dead vault is a no-op.
func (v *Vault) dieLocked(cause constitution.DeathCause) func() {
	if !v.alive {
		return nil
	}
	v.alive = false
	v.deathCause = cause
	if cb := v.callbacks.OnDeath; cb != nil {
		return func() { cb(cause) }
	}
	return nil
}

func (v *Vault) appendTxLocked(direction, category string, amount *big.Int, counterparty, txHash, chain, description string) {
	v.nextSeq++
	v.txlog = append(v.txlog, Transaction{
		Seq:          v.nextSeq,
		Timestamp:    v.now().UTC(),
		Direction:    direction,
		Category:     category,
		Amount:       cloneBig(amount),
		Counterparty: counterparty,
		TxHash:       txHash,
		Chain:        chain,
		Description:  description,
	})
	if limit := v.params.TransactionLogCap; limit > 0 && len(v.txlog) > limit {
		v.txlog = append([]Transaction(nil), v.txlog[len(v.txlog)-limit:]...)
	}
}

func (v *Vault) chainKey(chain string) string {
	key := strings.ToLower(strings.TrimSpace(chain))
	if key == "" {
		return "base"
	}
	return key
}
