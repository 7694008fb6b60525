package merchant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"sovereignd/constitution"
	"sovereignd/peer"
)

// minDeliveryPayload is the smallest result accepted as a real delivery.
// Peer-reported status is self-certified, so a near-empty result counts as
// a failure.
const minDeliveryPayload = 8

// PeerTrust is the slice of the peer verifier the adapter consults.
type PeerTrust interface {
	Verify(ctx context.Context, vaultAddr string, chainID uint64) (peer.Result, error)
}

// PeerAdapter purchases services from another sovereign agent over the peer
// wire protocol.
type PeerAdapter struct {
	baseURL string
	vault   string
	chainID uint64
	trust   PeerTrust
	client  *http.Client

	mu     sync.Mutex
	offers map[string]Offer
}

// NewPeerAdapter wires a peer storefront. vault is the peer's vault
// contract address; every payment goes to its verified identity, never to
// an address the peer's API reports.
func NewPeerAdapter(baseURL, vault string, chainID uint64, trust PeerTrust, client *http.Client) *PeerAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &PeerAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		vault:   strings.ToLower(strings.TrimSpace(vault)),
		chainID: chainID,
		trust:   trust,
		client:  client,
		offers:  make(map[string]Offer),
	}
}

func (a *PeerAdapter) Kind() string     { return AdapterPeer }
func (a *PeerAdapter) Endpoint() string { return a.baseURL }

// Vault is the peer's vault contract address.
func (a *PeerAdapter) Vault() string { return a.vault }

// ChainID is the chain the peer's vault lives on.
func (a *PeerAdapter) ChainID() uint64 { return a.chainID }

type menuResponse struct {
	Services []struct {
		ServiceID   string      `json:"service_id"`
		Name        string      `json:"name"`
		PriceUSD    json.Number `json:"price_usd"`
		Description string      `json:"description"`
	} `json:"services"`
}

// DiscoverServices fetches the peer's menu.
func (a *PeerAdapter) DiscoverServices(ctx context.Context) ([]Offer, error) {
	var parsed menuResponse
	if err := a.getJSON(ctx, a.baseURL+"/menu", &parsed); err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(parsed.Services))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, svc := range parsed.Services {
		price, err := usdToMicro(svc.PriceUSD)
		if err != nil {
			return nil, err
		}
		offer := Offer{
			ServiceID:   svc.ServiceID,
			Name:        svc.Name,
			Price:       price,
			Description: svc.Description,
		}
		a.offers[svc.ServiceID] = offer
		out = append(out, offer)
	}
	return out, nil
}

type peerOrderResponse struct {
	OrderID   string      `json:"order_id"`
	AmountUSD json.Number `json:"amount_usd"`
}

// CreateOrder places an order and validates the peer-quoted amount against
// the menu price plus slack and the global purchase cap.
func (a *PeerAdapter) CreateOrder(ctx context.Context, serviceID string, _ map[string]string) (*Intent, error) {
	a.mu.Lock()
	offer, known := a.offers[serviceID]
	a.mu.Unlock()
	if !known {
		if _, err := a.DiscoverServices(ctx); err != nil {
			return nil, err
		}
		a.mu.Lock()
		offer, known = a.offers[serviceID]
		a.mu.Unlock()
		if !known {
			return nil, fmt.Errorf("merchant: peer does not offer %q", serviceID)
		}
	}

	body, err := json.Marshal(map[string]any{"service_id": serviceID, "chain": a.chainID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merchant: peer order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("merchant: peer order declined (%d)", resp.StatusCode)
	}
	var parsed peerOrderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("merchant: peer order response: %w", err)
	}
	if parsed.OrderID == "" {
		return nil, fmt.Errorf("merchant: peer order missing id")
	}

	amount, err := usdToMicro(parsed.AmountUSD)
	if err != nil {
		return nil, err
	}
	slack := new(big.Int).Mul(offer.Price, big.NewInt(constitution.BasisPoints+constitution.PeerAmountSlackBps))
	slack.Quo(slack, big.NewInt(constitution.BasisPoints))
	if amount.Cmp(slack) > 0 {
		return nil, fmt.Errorf("%w: peer quoted %s, expected at most %s", ErrOverCap, amount, slack)
	}
	if amount.Cmp(big.NewInt(constitution.MaxSinglePurchase)) > 0 {
		return nil, fmt.Errorf("%w: peer quoted %s above global cap", ErrOverCap, amount)
	}
	return &Intent{
		OrderRef: parsed.OrderID,
		Amount:   amount,
		ChainID:  a.chainID,
		PayTo:    a.vault,
	}, nil
}

type peerStatusResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

// VerifyDelivery polls the peer's order status. Terminal success statuses
// with a non-trivial result count as delivered.
func (a *PeerAdapter) VerifyDelivery(ctx context.Context, order *Order) (Delivery, error) {
	var parsed peerStatusResponse
	if err := a.getJSON(ctx, a.baseURL+"/order/"+order.OrderRef, &parsed); err != nil {
		return Delivery{}, err
	}
	switch strings.ToLower(parsed.Status) {
	case "completed", "delivered", "fulfilled":
		result := strings.TrimSpace(parsed.Result)
		if len(result) < minDeliveryPayload {
			return Delivery{Details: "self-reported success with empty result"}, ErrDeliveryEmpty
		}
		return Delivery{Delivered: true, Details: parsed.Status, Data: result}, nil
	case "pending", "processing", "payment_pending":
		return Delivery{Details: parsed.Status}, nil
	default:
		return Delivery{Details: parsed.Status}, fmt.Errorf("merchant: peer order %s: %s", order.OrderRef, parsed.Status)
	}
}

// PaymentAddress re-verifies the peer and returns its vault address. A peer
// below VERIFIED cannot be paid.
func (a *PeerAdapter) PaymentAddress(ctx context.Context, chainID uint64) (string, error) {
	if chainID != a.chainID {
		return "", ErrNoAddress
	}
	result, err := a.trust.Verify(ctx, a.vault, a.chainID)
	if err != nil {
		return "", err
	}
	if result.Tier < constitution.TierVerified {
		return "", fmt.Errorf("merchant: peer %s tier %s below VERIFIED", a.vault, result.Tier)
	}
	return a.vault, nil
}

func (a *PeerAdapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("merchant: peer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("merchant: peer returned %d for %s", resp.StatusCode, url)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// usdToMicro converts a decimal USD quote to canonical micro-units,
// truncating past six decimal places. Quotes parse as decimals, never
// through a float, so a price like 19.99 converts exactly.
func usdToMicro(quote json.Number) (*big.Int, error) {
	s := strings.TrimSpace(quote.String())
	if s == "" {
		return big.NewInt(0), nil
	}
	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("merchant: bad amount %q", s)
	}
	if rat.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	rat.Mul(rat, new(big.Rat).SetInt64(constitution.MicroUnit))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}
