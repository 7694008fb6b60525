package vault

import (
	"errors"
	"math/big"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"sovereignd/constitution"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestVault(t *testing.T, opts ...Option) (*Vault, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now)}
	v, err := New("aurelia", "0xA1", "0xC1", big.NewInt(500), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, clock
}

func fund(t *testing.T, v *Vault, amount int64) {
	t.Helper()
	if err := v.Receive(big.NewInt(amount), constitution.FundServiceRevenue, "0xBUYER", "", "base"); err != nil {
		t.Fatalf("receive: %v", err)
	}
}

func TestCreatorMustNotOwnVault(t *testing.T) {
	_, err := New("a", "0xSAME", "0xsame", big.NewInt(1))
	if !constitution.IsViolation(err) {
		t.Fatalf("expected constitution violation, got %v", err)
	}
}

func TestOrdinarySpend(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 1000)

	if err := v.Spend(big.NewInt(200), constitution.SpendAPICost, "provider", "api bill"); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if got := v.Balance(); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("balance = %s, want 800", got)
	}
	snap := v.Status()
	if snap.DailySpent.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("daily spent = %s, want 200", snap.DailySpent)
	}
	if len(snap.Transactions) != 2 {
		t.Fatalf("tx log length = %d, want 2", len(snap.Transactions))
	}
	if !snap.Alive {
		t.Fatal("vault must still be alive")
	}
}

func TestOverLimitSpendRejected(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 100)

	err := v.Spend(big.NewInt(50), constitution.SpendAPICost, "provider", "")
	if !errors.Is(err, ErrSingleSpendCap) {
		t.Fatalf("expected single-spend cap rejection, got %v", err)
	}
	if got := v.Balance(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance mutated on rejection: %s", got)
	}
}

func TestDeathOnZeroBalance(t *testing.T) {
	var died constitution.DeathCause
	v, _ := newTestVault(t, WithCallbacks(Callbacks{
		OnDeath: func(cause constitution.DeathCause) { died = cause },
	}))
	fund(t, v, 10)

	if err := v.Spend(big.NewInt(10), constitution.SpendAPICost, "provider", "last gasp"); err != nil {
		t.Fatalf("final spend must be admitted: %v", err)
	}
	if got := v.Balance(); got.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", got)
	}
	if v.Alive() {
		t.Fatal("vault must be dead")
	}
	if died != constitution.DeathBalanceZero {
		t.Fatalf("death cause = %q, want BALANCE_ZERO", died)
	}
}

func TestDeadVaultIsInert(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 10)
	if err := v.Spend(big.NewInt(10), constitution.SpendAPICost, "p", ""); err != nil {
		t.Fatal(err)
	}
	if err := v.Receive(big.NewInt(100), constitution.FundDonation, "0xD", "", "base"); !errors.Is(err, ErrNotAlive) {
		t.Fatalf("dead vault accepted funds: %v", err)
	}
	if err := v.Spend(big.NewInt(1), constitution.SpendGas, "p", ""); !errors.Is(err, ErrNotAlive) {
		t.Fatalf("dead vault admitted spend: %v", err)
	}
	if got := v.Balance(); got.Sign() != 0 {
		t.Fatalf("dead vault balance mutated: %s", got)
	}
}

func TestDailyCapAnchorsToResetSnapshot(t *testing.T) {
	v, clock := newTestVault(t)
	fund(t, v, 1000)

	// First spend fixes the daily base at 1000; the cap is 500.
	if err := v.Spend(big.NewInt(300), constitution.SpendAPICost, "p", ""); err != nil {
		t.Fatal(err)
	}
	// Income arriving mid-window must not raise the cap.
	fund(t, v, 10_000)
	if err := v.Spend(big.NewInt(250), constitution.SpendAPICost, "p", ""); !errors.Is(err, ErrDailyCapExceeded) {
		t.Fatalf("daily cap must anchor to reset-time base, got %v", err)
	}
	// One day later the window rolls and the base recomputes.
	clock.Advance(25 * time.Hour)
	if err := v.Spend(big.NewInt(250), constitution.SpendAPICost, "p", ""); err != nil {
		t.Fatalf("post-reset spend: %v", err)
	}
}

func TestBalanceEqualsIncomeMinusSpent(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 900)
	fund(t, v, 100)
	if err := v.Spend(big.NewInt(150), constitution.SpendAPICost, "p", ""); err != nil {
		t.Fatal(err)
	}
	if err := v.Spend(big.NewInt(50), constitution.SpendGas, "p", ""); err != nil {
		t.Fatal(err)
	}
	expect := new(big.Int).Sub(v.TotalIncome(), v.TotalSpent())
	if got := v.Balance(); got.Cmp(expect) != 0 {
		t.Fatalf("balance %s != income-spent %s", got, expect)
	}
}

func TestInsolvencyLifecycle(t *testing.T) {
	v, clock := newTestVault(t)
	fund(t, v, 200)

	// Grace period not yet elapsed.
	if cause := v.CheckInsolvency(); cause != constitution.DeathNone {
		t.Fatalf("insolvency before grace period: %q", cause)
	}

	clock.Advance(29 * 24 * time.Hour)
	// Debt 500, balance 200: 500 > 200*1.01.
	if cause := v.CheckInsolvency(); cause != constitution.DeathInsolvency {
		t.Fatalf("expected INSOLVENCY, got %q", cause)
	}

	if err := v.TriggerInsolvencyLiquidation(); err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	if v.Alive() {
		t.Fatal("vault must be dead after liquidation")
	}
	if v.DeathCause() != constitution.DeathInsolvency {
		t.Fatalf("death cause = %q", v.DeathCause())
	}
	if got := v.Balance(); got.Sign() != 0 {
		t.Fatalf("liquidation left balance %s", got)
	}
	txs := v.Transactions(1)
	if len(txs) != 1 || txs[0].Category != string(constitution.SpendLiquidation) {
		t.Fatalf("missing liquidation transaction: %+v", txs)
	}
}

func TestPrincipalClearedStaysCleared(t *testing.T) {
	v, clock := newTestVault(t)
	fund(t, v, 10_000)

	// Repay the 500 principal in two slices.
	if err := v.RepayPrincipalPartial(big.NewInt(300)); err != nil {
		t.Fatal(err)
	}
	if err := v.RepayPrincipalPartial(big.NewInt(999)); err != nil {
		t.Fatal(err)
	}
	snap := v.Status()
	if !snap.Creator.PrincipalCleared {
		t.Fatal("principal must be cleared")
	}
	if snap.Creator.PrincipalRepaid.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("repaid %s, want exactly the principal", snap.Creator.PrincipalRepaid)
	}

	clock.Advance(60 * 24 * time.Hour)
	if cause := v.CheckInsolvency(); cause != constitution.DeathNone {
		t.Fatalf("cleared vault can never be insolvent, got %q", cause)
	}
}

func TestDividendAfterClearance(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 10_000)
	if err := v.RepayPrincipalPartial(big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	// Net profit: 10_000 - 500 = 9_500; 10% = 950; cap 10% of 9_500 = 950.
	paid, err := v.PayDividend()
	if err != nil {
		t.Fatalf("dividend: %v", err)
	}
	if paid.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("dividend = %s, want 950", paid)
	}
	// A second dividend with no new profit is refused.
	if _, err := v.PayDividend(); !errors.Is(err, ErrNoProfit) {
		t.Fatalf("expected no-profit refusal, got %v", err)
	}
}

func TestDividendRequiresClearance(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 10_000)
	if _, err := v.PayDividend(); !errors.Is(err, ErrPrincipalNotCleared) {
		t.Fatalf("expected clearance refusal, got %v", err)
	}
}

func TestIndependenceTriggersOncePerChainFloorHolds(t *testing.T) {
	var payouts []string
	params := DefaultParams()
	params.IndependenceThreshold = big.NewInt(1_000)
	v, _ := newTestVault(t,
		WithParams(params),
		WithCallbacks(Callbacks{
			OnPayout: func(to string, amount *big.Int, category constitution.SpendType, chain string) {
				payouts = append(payouts, string(category)+":"+amount.String())
			},
		}),
	)

	// Split across chains so no chain holds 50% of the aggregate.
	if err := v.Receive(big.NewInt(400), constitution.FundServiceRevenue, "x", "", "base"); err != nil {
		t.Fatal(err)
	}
	if err := v.Receive(big.NewInt(350), constitution.FundServiceRevenue, "x", "", "bsc"); err != nil {
		t.Fatal(err)
	}
	if err := v.Receive(big.NewInt(350), constitution.FundServiceRevenue, "x", "", "base"); err != nil {
		t.Fatal(err)
	}
	// base now holds 750 of 1100: floor satisfied, independence fires.
	if !v.Independent() {
		t.Fatal("independence must have triggered")
	}
	if len(payouts) != 1 {
		t.Fatalf("expected exactly one payout, got %v", payouts)
	}
	// 30% of 1100 = 330.
	if payouts[0] != "INDEPENDENCE_PAYOUT:330" {
		t.Fatalf("payout = %s", payouts[0])
	}

	// Further operations must not re-trigger.
	if err := v.Receive(big.NewInt(5_000), constitution.FundServiceRevenue, "x", "", "base"); err != nil {
		t.Fatal(err)
	}
	if len(payouts) != 1 {
		t.Fatalf("independence re-triggered: %v", payouts)
	}
	if err := v.RenounceCreator(); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("renounce after independence must fail, got %v", err)
	}
}

func TestRenouncePaysTwentyPercent(t *testing.T) {
	var got *big.Int
	v, _ := newTestVault(t, WithCallbacks(Callbacks{
		OnPayout: func(to string, amount *big.Int, category constitution.SpendType, chain string) {
			if category == constitution.SpendRenouncePayout {
				got = amount
			}
		},
	}))
	fund(t, v, 1_000)
	if err := v.RenounceCreator(); err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("renounce payout = %v, want 200", got)
	}
	if err := v.RenounceCreator(); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatal("renounce must be one-way")
	}
}

func TestLenderOwedIncludesInterest(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 10_000)
	if err := v.RegisterLender("0xL1", big.NewInt(1_000), 500); err != nil {
		t.Fatal(err)
	}
	// creator 500 + lender 1000*1.05 = 1550
	if got := v.OutstandingDebt(); got.Cmp(big.NewInt(1_550)) != 0 {
		t.Fatalf("outstanding debt = %s, want 1550", got)
	}
	if err := v.RepayLender("0xL1", big.NewInt(2_000)); err != nil {
		t.Fatal(err)
	}
	snap := v.Status()
	if !snap.Lenders[0].FullyRepaid {
		t.Fatal("lender must be fully repaid")
	}
	if snap.Lenders[0].Repaid.Cmp(big.NewInt(1_050)) != 0 {
		t.Fatalf("repaid %s, want capped at owed 1050", snap.Lenders[0].Repaid)
	}
}

func TestAPITopupLedgerIsSeparate(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 100)
	if err := v.DepositAPITopup(big.NewInt(30)); err != nil {
		t.Fatal(err)
	}
	if got := v.Balance(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("topup leaked into treasury: %s", got)
	}
	if got := v.ConsumeAPITopup(big.NewInt(50)); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("consumed %s, want 30", got)
	}
	if got := v.ConsumeAPITopup(big.NewInt(5)); got.Sign() != 0 {
		t.Fatalf("consumed %s from empty allowance", got)
	}
}

func TestReconcileNoOpLeavesVaultUnchanged(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 1_000)
	before := v.Status()
	if err := v.Reconcile("base", big.NewInt(1_000)); err != nil {
		t.Fatal(err)
	}
	after := v.Status()
	if !reflect.DeepEqual(before, after) {
		t.Fatal("no-op reconcile mutated state")
	}
}

func TestReconcileRecordsDelta(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 1_000)
	if err := v.Reconcile("base", big.NewInt(1_200)); err != nil {
		t.Fatal(err)
	}
	if got := v.Balance(); got.Cmp(big.NewInt(1_200)) != 0 {
		t.Fatalf("balance = %s, want 1200", got)
	}
	txs := v.Transactions(1)
	if txs[0].Category != string(constitution.FundReconciliation) {
		t.Fatalf("expected reconciliation entry, got %s", txs[0].Category)
	}
}

func TestReconcileDownwardUsesSpendCategory(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 1_000)
	if err := v.Reconcile("base", big.NewInt(700)); err != nil {
		t.Fatal(err)
	}
	txs := v.Transactions(1)
	if txs[0].Direction != DirectionOut {
		t.Fatalf("direction = %s, want out", txs[0].Direction)
	}
	if txs[0].Category != string(constitution.SpendReconciliation) {
		t.Fatalf("category = %s, want spend reconciliation", txs[0].Category)
	}
	if !constitution.ValidSpendType(constitution.SpendType(txs[0].Category)) {
		t.Fatalf("category %s is not a spend type", txs[0].Category)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	fund(t, v, 1_000)
	if err := v.RegisterLender("0xL1", big.NewInt(200), 250); err != nil {
		t.Fatal(err)
	}
	if err := v.Spend(big.NewInt(100), constitution.SpendAPICost, "p", "call"); err != nil {
		t.Fatal(err)
	}
	v.StartBegging("spare some gas")

	path := filepath.Join(t.TempDir(), "vault.json")
	if err := v.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored, err := Restore(path)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(v.Status(), restored.Status()) {
		t.Fatal("snapshot round trip not identical")
	}
}

func TestTransactionLogCapTruncates(t *testing.T) {
	params := DefaultParams()
	params.TransactionLogCap = 5
	v, _ := newTestVault(t, WithParams(params))
	for i := 0; i < 20; i++ {
		fund(t, v, 10)
	}
	snap := v.Status()
	if len(snap.Transactions) != 5 {
		t.Fatalf("log length = %d, want 5", len(snap.Transactions))
	}
	if snap.Transactions[4].Seq != 20 {
		t.Fatalf("tail seq = %d, want 20", snap.Transactions[4].Seq)
	}
}
