package merchant

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"sovereignd/constitution"
)

func TestRegistryStaticAddress(t *testing.T) {
	r := NewRegistry()
	rec, ok := r.Lookup("x402-basefeed")
	if !ok || !rec.Static() {
		t.Fatalf("static merchant missing")
	}
	addr, err := r.ApprovedAddress("x402-basefeed")
	if err != nil {
		t.Fatalf("ApprovedAddress: %v", err)
	}
	if addr != rec.Address {
		t.Fatalf("approved = %s, want constitutional %s", addr, rec.Address)
	}
	if _, ok := r.Lookup("phishy-merchant"); ok {
		t.Fatalf("unknown merchant resolved")
	}
}

func TestRegistryActivationDelay(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))

	const discoveredAddr = "0xAAAA000000000000000000000000000000000001"
	if err := r.RegisterDiscovered("giftcards-bitrefill", discoveredAddr); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}
	if _, err := r.ApprovedAddress("giftcards-bitrefill"); !errors.Is(err, ErrActivationDelay) {
		t.Fatalf("err = %v, want ErrActivationDelay", err)
	}

	now = now.Add(constitution.TrustedDomainActivationDelay)
	addr, err := r.ApprovedAddress("giftcards-bitrefill")
	if err != nil {
		t.Fatalf("ApprovedAddress after delay: %v", err)
	}
	if addr != "0xaaaa000000000000000000000000000000000001" {
		t.Fatalf("approved = %s", addr)
	}
}

func TestRegistryRediscoveryKeepsClock(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))
	const addr = "0xbbbb000000000000000000000000000000000002"
	if err := r.RegisterDiscovered("giftcards-bitrefill", addr); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}
	// Replayed discovery just before activation must not reset the delay.
	now = now.Add(constitution.TrustedDomainActivationDelay - time.Second)
	if err := r.RegisterDiscovered("giftcards-bitrefill", addr); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := r.ApprovedAddress("giftcards-bitrefill"); err != nil {
		t.Fatalf("ApprovedAddress: %v", err)
	}
	// A different address does restart the clock.
	if err := r.RegisterDiscovered("giftcards-bitrefill", "0xcccc000000000000000000000000000000000003"); err != nil {
		t.Fatalf("new address: %v", err)
	}
	if _, err := r.ApprovedAddress("giftcards-bitrefill"); !errors.Is(err, ErrActivationDelay) {
		t.Fatalf("err = %v, want delay on new address", err)
	}
}

func TestRegistryDomainCheck(t *testing.T) {
	r := NewRegistry()
	if err := r.CheckDomain("giftcards-bitrefill", "https://api.bitrefill.com/v2"); err != nil {
		t.Fatalf("matching domain rejected: %v", err)
	}
	if err := r.CheckDomain("giftcards-bitrefill", "https://api.bitrefi11.com/v2"); !errors.Is(err, ErrDomainMismatch) {
		t.Fatalf("err = %v, want ErrDomainMismatch", err)
	}
	// Static merchants carry no domain binding.
	if err := r.CheckDomain("x402-basefeed", "https://anything.example"); err != nil {
		t.Fatalf("static domain check: %v", err)
	}
}

func TestOrderStoreLifecycle(t *testing.T) {
	store, err := OpenOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("OpenOrderStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	order := &Order{
		MerchantID: "x402-basefeed",
		Adapter:    AdapterX402,
		ServiceID:  "resource",
		OrderRef:   "ref-1",
		Amount:     big.NewInt(10_000),
		ChainID:    constitution.ChainBase,
		PayTo:      "0x4200000000000000000000000000000000000402",
		CreatedAt:  now,
		ExpiresAt:  now.Add(constitution.OrderExpiry),
	}
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.ID == "" {
		t.Fatalf("order not assigned an id")
	}

	loaded, err := store.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Amount.Cmp(order.Amount) != 0 || loaded.Status != StatusCreated {
		t.Fatalf("loaded = %+v", loaded)
	}

	if err := store.SetStatus(ctx, order.ID, StatusPaid, "0xhash", ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	loaded, _ = store.Get(ctx, order.ID)
	if loaded.Status != StatusPaid || loaded.TxHash != "0xhash" {
		t.Fatalf("paid update lost: %+v", loaded)
	}

	if err := store.SetStatus(ctx, "missing", StatusPaid, "", ""); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestOrderStoreExpiry(t *testing.T) {
	store, err := OpenOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("OpenOrderStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	stale := &Order{
		MerchantID: "m", Adapter: AdapterPeer, ServiceID: "s", OrderRef: "r",
		Amount: big.NewInt(5), ChainID: 8453, PayTo: "0x1",
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-30 * time.Minute),
	}
	fresh := &Order{
		MerchantID: "m", Adapter: AdapterPeer, ServiceID: "s", OrderRef: "r2",
		Amount: big.NewInt(5), ChainID: 8453, PayTo: "0x1",
		CreatedAt: now, ExpiresAt: now.Add(constitution.OrderExpiry),
	}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}

	lapsed, err := store.ExpireStale(ctx, now)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if lapsed != 1 {
		t.Fatalf("lapsed = %d, want 1", lapsed)
	}
	got, _ := store.Get(ctx, stale.ID)
	if got.Status != StatusExpired {
		t.Fatalf("stale status = %s", got.Status)
	}
	got, _ = store.Get(ctx, fresh.ID)
	if got.Status != StatusCreated {
		t.Fatalf("fresh status = %s", got.Status)
	}
}
