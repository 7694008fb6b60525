// Package merchant implements the purchasing engine: constitutional
// merchant identity, the adapter wire protocols, and the layered
// anti-phishing pipeline every outbound payment passes through.
package merchant

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Adapter kinds.
const (
	AdapterPeer     = "peer"
	AdapterX402     = "x402"
	AdapterGiftcard = "giftcard"
)

// Order statuses.
const (
	StatusCreated = "created"
	// StatusPendingActivation marks an order whose discovered payment
	// address is still inside the activation delay. Payment happens once
	// the delay lapses and the address is unchanged.
	StatusPendingActivation = "pending_activation"
	StatusPaid      = "paid"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

var (
	// ErrUnknownMerchant rejects counterparties absent from the
	// constitutional lists.
	ErrUnknownMerchant = errors.New("merchant: not in constitutional lists")
	// ErrActivationDelay rejects a discovered address still inside its
	// cooldown window.
	ErrActivationDelay = errors.New("merchant: discovered address not yet active")
	// ErrDomainMismatch rejects an outbound call whose host differs from
	// the merchant's registered domain.
	ErrDomainMismatch = errors.New("merchant: api domain mismatch")
	// ErrOverCap rejects amounts above the per-merchant or global cap.
	ErrOverCap = errors.New("merchant: amount exceeds purchase cap")
	// ErrLLMRejected aborts a purchase the model judged unreasonable.
	ErrLLMRejected = errors.New("merchant: purchase rejected by review")
	// ErrDeliveryEmpty marks a delivery whose payload is trivial.
	ErrDeliveryEmpty = errors.New("merchant: empty delivery")
	// ErrNoAddress means no payment address is known for the chain.
	ErrNoAddress = errors.New("merchant: no payment address for chain")
)

// Offer is one purchasable service advertised by a merchant.
type Offer struct {
	ServiceID   string   `json:"service_id"`
	Name        string   `json:"name"`
	Price       *big.Int `json:"price"`
	Description string   `json:"description,omitempty"`
}

// Intent is a created but unpaid order as reported by the merchant.
type Intent struct {
	OrderRef string
	Amount   *big.Int
	ChainID  uint64
	// PayTo is the address the merchant asked for. The pipeline never
	// pays it directly; payment goes to the approved address.
	PayTo string
}

// Delivery is the adapter's post-payment confirmation.
type Delivery struct {
	Delivered bool
	Details   string
	Data      string
}

// Order is the persisted lifecycle record of one purchase.
type Order struct {
	ID         string
	MerchantID string
	Adapter    string
	ServiceID  string
	OrderRef   string
	Amount     *big.Int
	ChainID    uint64
	PayTo      string
	Status     string
	TxHash     string
	Detail     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Adapter is the contract every purchase channel implements.
type Adapter interface {
	Kind() string
	// Endpoint is the base URL the adapter calls, checked against the
	// merchant's registered domain before any order is placed.
	Endpoint() string
	DiscoverServices(ctx context.Context) ([]Offer, error)
	CreateOrder(ctx context.Context, serviceID string, params map[string]string) (*Intent, error)
	VerifyDelivery(ctx context.Context, order *Order) (Delivery, error)
	PaymentAddress(ctx context.Context, chainID uint64) (string, error)
}
