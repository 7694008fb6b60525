package merchant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"sovereignd/constitution"
)

// Payment proof and instruction headers for the legacy x402 form.
const (
	headerPaymentAddress = "X-Payment-Address"
	headerPaymentAmount  = "X-Payment-Amount"
	headerPaymentChain   = "X-Payment-Chain"
	headerPaymentTxHash  = "X-Payment-TxHash"
)

// X402Adapter buys HTTP resources that answer 402 with payment
// instructions. For static merchants the discovered address must equal the
// constitutional one; for trusted-domain merchants it is registered with
// the registry and re-checked at execution.
type X402Adapter struct {
	merchantID string
	endpoint   string
	registry   *Registry
	client     *http.Client

	mu sync.Mutex
	// accepted remembers the probe result per service path so delivery
	// can retry the original request.
	accepted map[string]*Intent
}

// NewX402Adapter wires an x402 endpoint for one constitutional merchant.
func NewX402Adapter(merchantID, endpoint string, registry *Registry, client *http.Client) *X402Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &X402Adapter{
		merchantID: merchantID,
		endpoint:   strings.TrimRight(endpoint, "/"),
		registry:   registry,
		client:     client,
		accepted:   make(map[string]*Intent),
	}
}

func (a *X402Adapter) Kind() string     { return AdapterX402 }
func (a *X402Adapter) Endpoint() string { return a.endpoint }

// DiscoverServices probes the endpoint root. An x402 merchant offers one
// logical service: the paid resource itself.
func (a *X402Adapter) DiscoverServices(ctx context.Context) ([]Offer, error) {
	intent, err := a.probe(ctx, "")
	if err != nil {
		return nil, err
	}
	return []Offer{{
		ServiceID: "resource",
		Name:      a.merchantID,
		Price:     new(big.Int).Set(intent.Amount),
	}}, nil
}

// canonical 402 body: accepts list with payment requirements.
type x402Body struct {
	Accepts []struct {
		Scheme            string `json:"scheme"`
		PayTo             string `json:"payTo"`
		MaxAmountRequired string `json:"maxAmountRequired"`
		Network           string `json:"network"`
	} `json:"accepts"`
}

// probe issues the initial GET expecting 402 and extracts the payment
// instructions from the canonical body or the legacy headers.
func (a *X402Adapter) probe(ctx context.Context, servicePath string) (*Intent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serviceURL(servicePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merchant: x402 probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("merchant: x402 probe returned %d, want 402", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	intent, err := parseX402(payload, resp.Header)
	if err != nil {
		return nil, err
	}

	rec, ok := a.registry.Lookup(a.merchantID)
	if !ok {
		return nil, ErrUnknownMerchant
	}
	if rec.Static() {
		if !strings.EqualFold(intent.PayTo, rec.Address) {
			return nil, fmt.Errorf("merchant: x402 payTo %s differs from constitutional %s", intent.PayTo, rec.Address)
		}
	} else {
		if err := a.registry.RegisterDiscovered(a.merchantID, intent.PayTo); err != nil {
			return nil, err
		}
	}
	if intent.ChainID == 0 {
		intent.ChainID = rec.ChainID
	}

	a.mu.Lock()
	a.accepted[servicePath] = intent
	a.mu.Unlock()
	return intent, nil
}

func parseX402(payload []byte, headers http.Header) (*Intent, error) {
	var body x402Body
	if err := json.Unmarshal(payload, &body); err == nil && len(body.Accepts) > 0 {
		req := body.Accepts[0]
		amount, ok := new(big.Int).SetString(strings.TrimSpace(req.MaxAmountRequired), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("merchant: x402 bad amount %q", req.MaxAmountRequired)
		}
		payTo := strings.ToLower(strings.TrimSpace(req.PayTo))
		if payTo == "" {
			return nil, fmt.Errorf("merchant: x402 accepts entry missing payTo")
		}
		return &Intent{Amount: amount, ChainID: networkChainID(req.Network), PayTo: payTo}, nil
	}

	payTo := strings.ToLower(strings.TrimSpace(headers.Get(headerPaymentAddress)))
	rawAmount := strings.TrimSpace(headers.Get(headerPaymentAmount))
	if payTo == "" || rawAmount == "" {
		return nil, fmt.Errorf("merchant: x402 response carries no payment instructions")
	}
	amount, ok := new(big.Int).SetString(rawAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("merchant: x402 bad header amount %q", rawAmount)
	}
	return &Intent{Amount: amount, ChainID: networkChainID(headers.Get(headerPaymentChain)), PayTo: payTo}, nil
}

func networkChainID(network string) uint64 {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "base":
		return constitution.ChainBase
	case "bsc":
		return constitution.ChainBSC
	}
	return 0
}

// CreateOrder re-probes the resource and returns the payment intent. The
// order reference is the service path so delivery can retry it.
func (a *X402Adapter) CreateOrder(ctx context.Context, serviceID string, _ map[string]string) (*Intent, error) {
	path := ""
	if serviceID != "resource" {
		path = serviceID
	}
	intent, err := a.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if intent.Amount.Cmp(big.NewInt(constitution.MaxSinglePurchase)) > 0 {
		return nil, fmt.Errorf("%w: x402 requires %s", ErrOverCap, intent.Amount)
	}
	out := *intent
	out.OrderRef = path
	return &out, nil
}

// VerifyDelivery retries the original request with the payment proof; the
// 200 response body is the delivery.
func (a *X402Adapter) VerifyDelivery(ctx context.Context, order *Order) (Delivery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serviceURL(order.OrderRef), nil)
	if err != nil {
		return Delivery{}, err
	}
	req.Header.Set(headerPaymentTxHash, order.TxHash)
	req.Header.Set(headerPaymentChain, chainName(order.ChainID))
	resp, err := a.client.Do(req)
	if err != nil {
		return Delivery{}, fmt.Errorf("merchant: x402 retry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Delivery{Details: fmt.Sprintf("status %d", resp.StatusCode)},
			fmt.Errorf("merchant: x402 retry returned %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Delivery{}, err
	}
	data := strings.TrimSpace(string(payload))
	if len(data) < minDeliveryPayload {
		return Delivery{Details: "empty 200 body"}, ErrDeliveryEmpty
	}
	return Delivery{Delivered: true, Details: "resource delivered", Data: data}, nil
}

// PaymentAddress returns the most recently probed payTo. The engine never
// pays it directly; payment routes through the registry's approved
// address.
func (a *X402Adapter) PaymentAddress(_ context.Context, chainID uint64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, intent := range a.accepted {
		if intent.ChainID == chainID {
			return intent.PayTo, nil
		}
	}
	return "", ErrNoAddress
}

func (a *X402Adapter) serviceURL(path string) string {
	if path == "" {
		return a.endpoint
	}
	return a.endpoint + "/" + strings.TrimLeft(path, "/")
}

func chainName(chainID uint64) string {
	switch chainID {
	case constitution.ChainBase:
		return "base"
	case constitution.ChainBSC:
		return "bsc"
	}
	return ""
}
