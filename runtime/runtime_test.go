package runtime

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/config"
	"sovereignd/constitution"
	"sovereignd/costguard"
	"sovereignd/crypto"
	"sovereignd/evolve"
	"sovereignd/merchant"
	"sovereignd/peer"
)

func TestGiftcardKeyEnv(t *testing.T) {
	if got := giftcardKeyEnv("giftcards-bitrefill"); got != "GIFTCARD_BITREFILL_API_KEY" {
		t.Fatalf("env name = %q", got)
	}
}

func TestLoadOperatorKeyFromEnv(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_OPERATOR_KEY", "0x"+hex.EncodeToString(key.Bytes()))

	cfg := &config.Config{OperatorKeyEnv: "TEST_OPERATOR_KEY"}
	loaded, err := loadOperatorKey(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch: %s != %s", loaded.Address(), key.Address())
	}
}

func TestLoadOperatorKeyRejectsEmptyEnv(t *testing.T) {
	t.Setenv("TEST_OPERATOR_KEY", "")
	cfg := &config.Config{OperatorKeyEnv: "TEST_OPERATOR_KEY"}
	if _, err := loadOperatorKey(cfg); err == nil {
		t.Fatal("expected error for empty key env")
	}
}

func TestSeedCatalogInstallsStarterServices(t *testing.T) {
	catalog, err := evolve.OpenCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := seedCatalog(catalog); err != nil {
		t.Fatal(err)
	}
	services := catalog.List()
	if len(services) != 3 {
		t.Fatalf("seeded %d services, want 3", len(services))
	}
	for _, svc := range services {
		if !svc.Active {
			t.Fatalf("service %s not active", svc.ID)
		}
		if svc.Price.Sign() <= 0 {
			t.Fatalf("service %s has no price", svc.ID)
		}
	}
}

type approverTreasury struct{}

func (approverTreasury) Balance() *big.Int                  { return big.NewInt(100 * constitution.MicroUnit) }
func (approverTreasury) TotalIncome() *big.Int              { return big.NewInt(200 * constitution.MicroUnit) }
func (approverTreasury) ConsumeAPITopup(*big.Int) *big.Int  { return big.NewInt(0) }
func (approverTreasury) Spend(*big.Int, constitution.SpendType, string, string) error {
	return nil
}

type scriptedCaller struct {
	text string
}

func (c scriptedCaller) Call(context.Context, *costguard.Provider, string, int, float64, string, []costguard.Message) (string, int, int, error) {
	return c.text, 40, 20, nil
}

func newApproverGuard(t *testing.T, verdict string) *purchaseApprover {
	t.Helper()
	policy := filepath.Join(t.TempDir(), "providers.yaml")
	err := os.WriteFile(policy, []byte("providers:\n  - id: local-free\n    url: http://127.0.0.1:11434/v1/chat/completions\n    free: true\n    priority: 1\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	providers, err := costguard.LoadProviders(policy)
	if err != nil {
		t.Fatal(err)
	}
	guard, err := costguard.New(providers, scriptedCaller{text: verdict}, approverTreasury{})
	if err != nil {
		t.Fatal(err)
	}
	return &purchaseApprover{guard: guard}
}

func TestPurchaseApproverAccepts(t *testing.T) {
	approver := newApproverGuard(t, `{"approved": true, "reason": "fair price from a known peer"}`)
	ok, reason, err := approver.ApprovePurchase(context.Background(), "buy a data feed for 2 units")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected approval")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestPurchaseApproverRejects(t *testing.T) {
	approver := newApproverGuard(t, `{"approved": false, "reason": "address not in the registry"}`)
	ok, _, err := approver.ApprovePurchase(context.Background(), "send funds to a new wallet")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected rejection")
	}
}

func TestPurchaseApproverFailsClosedOnGarbage(t *testing.T) {
	approver := newApproverGuard(t, "sure, sounds good to me")
	ok, _, err := approver.ApprovePurchase(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected decode error")
	}
	if ok {
		t.Fatal("garbage verdict must not approve")
	}
}

type peerTrustStub struct{}

func (peerTrustStub) Verify(context.Context, string, uint64) (peer.Result, error) {
	return peer.Result{}, nil
}

func TestPeerAdapterSetBuildsFromVerifiedPeers(t *testing.T) {
	peers := []peer.Info{
		{Vault: "0x1111111111111111111111111111111111111111", ChainID: constitution.ChainBase, URL: "https://agent-a.example"},
		{Vault: "0x2222222222222222222222222222222222222222", ChainID: constitution.ChainBase},
	}
	set := peerAdapterSet(peers, peerTrustStub{}, nil)
	if len(set) != 1 {
		t.Fatalf("adapters = %d, want 1 (peers without a URL are skipped)", len(set))
	}
	adapter, ok := set["0x1111111111111111111111111111111111111111"]
	if !ok {
		t.Fatal("adapter not keyed by vault address")
	}
	if adapter.Kind() != merchant.AdapterPeer {
		t.Fatalf("kind = %s", adapter.Kind())
	}
	if adapter.Endpoint() != "https://agent-a.example" {
		t.Fatalf("endpoint = %s", adapter.Endpoint())
	}
}

type settleAdapter struct {
	registry *merchant.Registry
	creates  int
	deliver  bool
}

func (a *settleAdapter) Kind() string     { return merchant.AdapterGiftcard }
func (a *settleAdapter) Endpoint() string { return "https://api.bitrefill.com" }

func (a *settleAdapter) DiscoverServices(context.Context) ([]merchant.Offer, error) {
	return nil, nil
}

func (a *settleAdapter) CreateOrder(context.Context, string, map[string]string) (*merchant.Intent, error) {
	a.creates++
	addr := "0x00000000000000000000000000000000000000aa"
	if err := a.registry.RegisterDiscovered("giftcards-bitrefill", addr); err != nil {
		return nil, err
	}
	return &merchant.Intent{OrderRef: "inv-1", Amount: big.NewInt(9_000), ChainID: constitution.ChainBase, PayTo: addr}, nil
}

func (a *settleAdapter) VerifyDelivery(context.Context, *merchant.Order) (merchant.Delivery, error) {
	if !a.deliver {
		return merchant.Delivery{Details: "processing"}, nil
	}
	return merchant.Delivery{Delivered: true, Details: "ok", Data: "redemption codes"}, nil
}

func (a *settleAdapter) PaymentAddress(context.Context, uint64) (string, error) {
	return a.registry.ApprovedAddress("giftcards-bitrefill")
}

type settleTreasury struct{}

func (settleTreasury) SpendOn(string, *big.Int, constitution.SpendType, string, string) error {
	return nil
}

type settlePayer struct{ transfers int }

func (p *settlePayer) Transfer(context.Context, string, common.Address, *big.Int) chain.Submission {
	p.transfers++
	return chain.Submission{TxHash: common.HexToHash("0xabc")}
}

type settleApprover struct{}

func (settleApprover) ApprovePurchase(context.Context, string) (bool, string, error) {
	return true, "", nil
}

func TestSettleOrdersPaysActivatedOrders(t *testing.T) {
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	registry := merchant.NewRegistry(merchant.WithClock(clock))
	store, err := merchant.OpenOrderStore(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("OpenOrderStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	payer := &settlePayer{}
	engine, err := merchant.NewEngine(registry, store, settleTreasury{}, payer, settleApprover{},
		merchant.WithEngineClock(clock))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	adapter := &settleAdapter{registry: registry}

	rt := &Runtime{
		engine:   engine,
		adapters: map[string]merchant.Adapter{"giftcards-bitrefill": adapter},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx := context.Background()
	order, err := engine.Purchase(ctx, adapter, "giftcards-bitrefill", "card-10", nil)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if order.Status != merchant.StatusPendingActivation {
		t.Fatalf("status = %s, want pending activation", order.Status)
	}

	rt.settleOrders(ctx)
	if payer.transfers != 0 {
		t.Fatal("settled inside the activation delay")
	}

	current = current.Add(constitution.TrustedDomainActivationDelay + time.Minute)
	rt.settleOrders(ctx)
	if payer.transfers != 1 {
		t.Fatalf("transfers = %d, want 1 after activation", payer.transfers)
	}
	paid, err := store.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if paid.Status != merchant.StatusPaid {
		t.Fatalf("status = %s, want paid while delivery settles", paid.Status)
	}

	// Delivery completes on a later pass; the housekeeping re-poll must
	// pick it up.
	adapter.deliver = true
	rt.settleOrders(ctx)
	settled, err := store.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settled.Status != merchant.StatusDelivered {
		t.Fatalf("status = %s, want delivered after re-poll", settled.Status)
	}
}
