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

	"sovereignd/constitution"
)

// GiftcardAdapter buys redemption codes from a trusted-domain gift-card
// merchant. Every order yields a fresh invoice address, which is registered
// to the merchant's trust anchor before payment.
type GiftcardAdapter struct {
	merchantID string
	endpoint   string
	apiKey     string
	registry   *Registry
	client     *http.Client
}

// NewGiftcardAdapter wires a gift-card API. The key is required; the
// adapter refuses to operate without it.
func NewGiftcardAdapter(merchantID, endpoint, apiKey string, registry *Registry, client *http.Client) (*GiftcardAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("merchant: giftcard adapter requires an api key")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GiftcardAdapter{
		merchantID: merchantID,
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		registry:   registry,
		client:     client,
	}, nil
}

func (a *GiftcardAdapter) Kind() string     { return AdapterGiftcard }
func (a *GiftcardAdapter) Endpoint() string { return a.endpoint }

type giftcardCatalog struct {
	Products []struct {
		ID       string      `json:"id"`
		Name     string      `json:"name"`
		PriceUSD json.Number `json:"price_usd"`
	} `json:"products"`
}

// DiscoverServices lists the purchasable card products.
func (a *GiftcardAdapter) DiscoverServices(ctx context.Context) ([]Offer, error) {
	var catalog giftcardCatalog
	if err := a.doJSON(ctx, http.MethodGet, "/products", nil, &catalog); err != nil {
		return nil, err
	}
	out := make([]Offer, 0, len(catalog.Products))
	for _, p := range catalog.Products {
		price, err := usdToMicro(p.PriceUSD)
		if err != nil {
			return nil, err
		}
		out = append(out, Offer{ServiceID: p.ID, Name: p.Name, Price: price})
	}
	return out, nil
}

type giftcardInvoice struct {
	InvoiceID      string      `json:"invoice_id"`
	PaymentAddress string      `json:"payment_address"`
	AmountUSD      json.Number `json:"amount_usd"`
	Chain          string      `json:"chain"`
}

// CreateOrder opens an invoice and registers its fresh payment address with
// the registry's activation window.
func (a *GiftcardAdapter) CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*Intent, error) {
	payload := map[string]string{"product_id": serviceID}
	for k, v := range params {
		payload[k] = v
	}
	var invoice giftcardInvoice
	if err := a.doJSON(ctx, http.MethodPost, "/orders", payload, &invoice); err != nil {
		return nil, err
	}
	if invoice.InvoiceID == "" || invoice.PaymentAddress == "" {
		return nil, fmt.Errorf("merchant: giftcard invoice incomplete")
	}
	amount, err := usdToMicro(invoice.AmountUSD)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("merchant: giftcard invoice amount %q invalid", invoice.AmountUSD)
	}
	if amount.Cmp(big.NewInt(constitution.MaxSinglePurchase)) > 0 {
		return nil, fmt.Errorf("%w: invoice requires %s", ErrOverCap, amount)
	}
	if err := a.registry.RegisterDiscovered(a.merchantID, invoice.PaymentAddress); err != nil {
		return nil, err
	}
	chainID := networkChainID(invoice.Chain)
	if chainID == 0 {
		if rec, ok := a.registry.Lookup(a.merchantID); ok {
			chainID = rec.ChainID
		}
	}
	return &Intent{
		OrderRef: invoice.InvoiceID,
		Amount:   amount,
		ChainID:  chainID,
		PayTo:    strings.ToLower(invoice.PaymentAddress),
	}, nil
}

type giftcardStatus struct {
	Status string   `json:"status"`
	Codes  []string `json:"redemption_codes"`
}

// VerifyDelivery fetches the redemption codes. An order marked complete
// without codes is a delivery failure.
func (a *GiftcardAdapter) VerifyDelivery(ctx context.Context, order *Order) (Delivery, error) {
	var status giftcardStatus
	if err := a.doJSON(ctx, http.MethodGet, "/orders/"+order.OrderRef, nil, &status); err != nil {
		return Delivery{}, err
	}
	switch strings.ToLower(status.Status) {
	case "completed", "delivered":
		if len(status.Codes) == 0 {
			return Delivery{Details: "completed without codes"}, ErrDeliveryEmpty
		}
		return Delivery{
			Delivered: true,
			Details:   fmt.Sprintf("%d redemption codes", len(status.Codes)),
			Data:      strings.Join(status.Codes, "\n"),
		}, nil
	case "pending", "processing", "payment_pending":
		return Delivery{Details: status.Status}, nil
	default:
		return Delivery{Details: status.Status}, fmt.Errorf("merchant: giftcard order %s: %s", order.OrderRef, status.Status)
	}
}

// PaymentAddress returns the registry-approved invoice address.
func (a *GiftcardAdapter) PaymentAddress(_ context.Context, _ uint64) (string, error) {
	return a.registry.ApprovedAddress(a.merchantID)
}

func (a *GiftcardAdapter) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("merchant: giftcard request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("merchant: giftcard returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
