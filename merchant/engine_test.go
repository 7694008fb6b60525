package merchant

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/constitution"
)

type fakeAdapter struct {
	kind       string
	intent     *Intent
	createErr  error
	delivery   Delivery
	deliverErr error
	payAddr    string
}

func (f *fakeAdapter) Kind() string     { return f.kind }
func (f *fakeAdapter) Endpoint() string { return "https://api.bitrefill.com" }

func (f *fakeAdapter) DiscoverServices(context.Context) ([]Offer, error) { return nil, nil }

func (f *fakeAdapter) CreateOrder(context.Context, string, map[string]string) (*Intent, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	out := *f.intent
	out.Amount = new(big.Int).Set(f.intent.Amount)
	return &out, nil
}

func (f *fakeAdapter) VerifyDelivery(context.Context, *Order) (Delivery, error) {
	return f.delivery, f.deliverErr
}

func (f *fakeAdapter) PaymentAddress(context.Context, uint64) (string, error) {
	return f.payAddr, nil
}

type engineTreasury struct {
	spends []string
	err    error
}

func (s *engineTreasury) SpendOn(_ string, amount *big.Int, _ constitution.SpendType, to, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.spends = append(s.spends, to+"/"+amount.String())
	return nil
}

type enginePayer struct {
	to  []common.Address
	err error
}

func (p *enginePayer) Transfer(_ context.Context, _ string, to common.Address, _ *big.Int) chain.Submission {
	if p.err != nil {
		return chain.Submission{Err: p.err}
	}
	p.to = append(p.to, to)
	return chain.Submission{TxHash: common.HexToHash("0xfeedbeef")}
}

type engineApprover struct {
	approve bool
	reason  string
}

func (a *engineApprover) ApprovePurchase(context.Context, string) (bool, string, error) {
	return a.approve, a.reason, nil
}

const constitutionalPayTo = "0x4200000000000000000000000000000000000402"

func newEngine(t *testing.T, treasury *engineTreasury, payer *enginePayer, approver *engineApprover) *Engine {
	t.Helper()
	store, err := OpenOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("OpenOrderStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	e, err := NewEngine(NewRegistry(), store, treasury, payer, approver)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func staticAdapter() *fakeAdapter {
	return &fakeAdapter{
		kind: AdapterX402,
		intent: &Intent{
			OrderRef: "ref-1",
			Amount:   big.NewInt(10_000),
			ChainID:  constitution.ChainBase,
			// The adapter reports a hostile address; the engine must pay
			// the constitutional one regardless.
			PayTo: "0x9999999999999999999999999999999999999999",
		},
		delivery: Delivery{Delivered: true, Details: "ok", Data: "feed payload here"},
		payAddr:  "0x9999999999999999999999999999999999999999",
	}
}

func TestEnginePaysApprovedAddressOnly(t *testing.T) {
	treasury := &engineTreasury{}
	payer := &enginePayer{}
	e := newEngine(t, treasury, payer, &engineApprover{approve: true})

	order, err := e.Purchase(context.Background(), staticAdapter(), "x402-basefeed", "resource", nil)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if order.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", order.Status)
	}
	if order.PayTo != constitutionalPayTo {
		t.Fatalf("payTo = %s, want constitutional address", order.PayTo)
	}
	if len(payer.to) != 1 || payer.to[0] != common.HexToAddress(constitutionalPayTo) {
		t.Fatalf("transferred to %v, want approved address", payer.to)
	}
}

func TestEngineUnknownMerchantAborts(t *testing.T) {
	e := newEngine(t, &engineTreasury{}, &enginePayer{}, &engineApprover{approve: true})
	if _, err := e.Purchase(context.Background(), staticAdapter(), "evil-merchant", "resource", nil); !errors.Is(err, ErrUnknownMerchant) {
		t.Fatalf("err = %v, want ErrUnknownMerchant", err)
	}
}

func TestEngineLLMRejectionAborts(t *testing.T) {
	treasury := &engineTreasury{}
	payer := &enginePayer{}
	e := newEngine(t, treasury, payer, &engineApprover{approve: false, reason: "too frivolous at this balance"})
	_, err := e.Purchase(context.Background(), staticAdapter(), "x402-basefeed", "resource", nil)
	if !errors.Is(err, ErrLLMRejected) {
		t.Fatalf("err = %v, want ErrLLMRejected", err)
	}
	if len(treasury.spends) != 0 || len(payer.to) != 0 {
		t.Fatalf("rejected purchase moved money")
	}
}

func TestEngineMerchantCapEnforced(t *testing.T) {
	adapter := staticAdapter()
	// x402-basefeed carries a 25-unit cap.
	adapter.intent.Amount = big.NewInt(30 * constitution.MicroUnit)
	e := newEngine(t, &engineTreasury{}, &enginePayer{}, &engineApprover{approve: true})
	if _, err := e.Purchase(context.Background(), adapter, "x402-basefeed", "resource", nil); !errors.Is(err, ErrOverCap) {
		t.Fatalf("err = %v, want ErrOverCap", err)
	}
}

func TestEngineEmptyDeliveryFailsOrder(t *testing.T) {
	adapter := staticAdapter()
	adapter.delivery = Delivery{}
	adapter.deliverErr = ErrDeliveryEmpty
	treasury := &engineTreasury{}
	e := newEngine(t, treasury, &enginePayer{}, &engineApprover{approve: true})
	order, err := e.Purchase(context.Background(), adapter, "x402-basefeed", "resource", nil)
	if !errors.Is(err, ErrDeliveryEmpty) {
		t.Fatalf("err = %v, want ErrDeliveryEmpty", err)
	}
	if order.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	if len(treasury.spends) != 1 {
		t.Fatalf("payment should have happened before delivery check")
	}
}

func TestEngineSpendRejectionFailsOrder(t *testing.T) {
	treasury := &engineTreasury{err: errors.New("daily cap exceeded")}
	payer := &enginePayer{}
	e := newEngine(t, treasury, payer, &engineApprover{approve: true})
	order, err := e.Purchase(context.Background(), staticAdapter(), "x402-basefeed", "resource", nil)
	if err == nil {
		t.Fatalf("expected spend rejection")
	}
	if order.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	if len(payer.to) != 0 {
		t.Fatalf("rejected spend still transferred")
	}
}

func TestEnginePeerPurchaseUsesVerifiedVault(t *testing.T) {
	adapter := &fakeAdapter{
		kind: AdapterPeer,
		intent: &Intent{
			OrderRef: "po-1",
			Amount:   big.NewInt(2_000_000),
			ChainID:  constitution.ChainBase,
			PayTo:    "0x3000000000000000000000000000000000000003",
		},
		delivery: Delivery{Delivered: true, Details: "fulfilled", Data: "haiku delivered to mailbox"},
		payAddr:  "0x3000000000000000000000000000000000000003",
	}
	payer := &enginePayer{}
	e := newEngine(t, &engineTreasury{}, payer, &engineApprover{approve: true})
	order, err := e.Purchase(context.Background(), adapter, "peer:0x3000", "haiku", nil)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if order.PayTo != "0x3000000000000000000000000000000000000003" {
		t.Fatalf("payTo = %s", order.PayTo)
	}
	if order.Status != StatusDelivered {
		t.Fatalf("status = %s", order.Status)
	}
}

// discoveringAdapter mimics a trusted-domain merchant that issues a fresh
// invoice address per order.
type discoveringAdapter struct {
	fakeAdapter
	registry *Registry
	creates  int
}

func (d *discoveringAdapter) CreateOrder(context.Context, string, map[string]string) (*Intent, error) {
	d.creates++
	addr := fmt.Sprintf("0x%040d", d.creates)
	if err := d.registry.RegisterDiscovered("giftcards-bitrefill", addr); err != nil {
		return nil, err
	}
	return &Intent{
		OrderRef: fmt.Sprintf("inv-%d", d.creates),
		Amount:   big.NewInt(10_000),
		ChainID:  constitution.ChainBase,
		PayTo:    addr,
	}, nil
}

func newActivationFixture(t *testing.T, current *time.Time) (*Engine, *discoveringAdapter, *engineTreasury, *enginePayer) {
	t.Helper()
	clock := func() time.Time { return *current }
	registry := NewRegistry(WithClock(clock))
	store, err := OpenOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("OpenOrderStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	treasury := &engineTreasury{}
	payer := &enginePayer{}
	e, err := NewEngine(registry, store, treasury, payer, &engineApprover{approve: true}, WithEngineClock(clock))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	adapter := &discoveringAdapter{
		fakeAdapter: fakeAdapter{
			kind:     AdapterGiftcard,
			delivery: Delivery{Delivered: true, Details: "ok", Data: "redemption codes"},
		},
		registry: registry,
	}
	return e, adapter, treasury, payer
}

func TestEngineDelaysPaymentUntilActivation(t *testing.T) {
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e, adapter, treasury, payer := newActivationFixture(t, &current)

	order, err := e.Purchase(context.Background(), adapter, "giftcards-bitrefill", "card-25", nil)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if order.Status != StatusPendingActivation {
		t.Fatalf("status = %s, want pending activation", order.Status)
	}
	if len(treasury.spends) != 0 || len(payer.to) != 0 {
		t.Fatal("payment happened inside the activation delay")
	}

	adapters := map[string]Adapter{"giftcards-bitrefill": adapter}

	// Still inside the delay: nothing settles.
	e.SettlePending(context.Background(), adapters, 5)
	if len(payer.to) != 0 {
		t.Fatal("settled before the delay lapsed")
	}

	current = current.Add(constitution.TrustedDomainActivationDelay + time.Minute)
	e.SettlePending(context.Background(), adapters, 5)
	if len(payer.to) != 1 {
		t.Fatalf("transfers = %d, want 1 after activation", len(payer.to))
	}
	if payer.to[0] != common.HexToAddress(order.PayTo) {
		t.Fatalf("paid %s, want the pending invoice address %s", payer.to[0], order.PayTo)
	}
	settled, err := e.store.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settled.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", settled.Status)
	}
	if adapter.creates != 1 {
		t.Fatalf("creates = %d; settlement must reuse the original invoice", adapter.creates)
	}
}

func TestEngineFailsPendingOrderOnAddressRotation(t *testing.T) {
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e, adapter, _, payer := newActivationFixture(t, &current)

	order, err := e.Purchase(context.Background(), adapter, "giftcards-bitrefill", "card-25", nil)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	// The merchant rotates its payment address while the order waits.
	if err := adapter.registry.RegisterDiscovered("giftcards-bitrefill", "0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddead"); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}
	current = current.Add(constitution.TrustedDomainActivationDelay + time.Minute)
	e.SettlePending(context.Background(), map[string]Adapter{"giftcards-bitrefill": adapter}, 5)

	if len(payer.to) != 0 {
		t.Fatal("paid an address the pipeline never approved")
	}
	failed, err := e.store.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
}
