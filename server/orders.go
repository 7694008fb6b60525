package server

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sovereignd/constitution"
	"sovereignd/persist"
)

// Sales order statuses, matching the peer wire protocol.
const (
	SaleAwaitingPayment = "payment_pending"
	SaleProcessing      = "processing"
	SaleCompleted       = "completed"
	SaleExpired         = "expired"
	SaleFailed          = "failed"
)

var ErrUnknownOrder = errors.New("server: unknown order")

// SalesOrder is one inbound order on the storefront. The agent is the
// seller: PayTo is always its own vault address.
type SalesOrder struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"service_id"`
	Chain     string    `json:"chain"`
	Amount    *big.Int  `json:"amount"`
	PayTo     string    `json:"pay_to"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	PaidBy    string    `json:"paid_by,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OrderBook tracks storefront orders and persists them as one atomically
// replaced JSON file, like the other runtime snapshots.
type OrderBook struct {
	mu     sync.Mutex
	path   string
	orders map[string]*SalesOrder
	now    func() time.Time
}

// OpenOrderBook loads the book at path, creating an empty one if missing.
func OpenOrderBook(path string) (*OrderBook, error) {
	b := &OrderBook{path: path, orders: make(map[string]*SalesOrder), now: time.Now}
	var stored []*SalesOrder
	if err := persist.ReadJSON(path, &stored); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, order := range stored {
		b.orders[order.ID] = order
	}
	return b, nil
}

// WithClock overrides the book clock, for tests.
func (b *OrderBook) WithClock(now func() time.Time) *OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
	return b
}

// Create opens a new awaiting-payment order.
func (b *OrderBook) Create(serviceID, chain, payTo string, amount *big.Int) (SalesOrder, error) {
	if amount == nil || amount.Sign() <= 0 {
		return SalesOrder{}, fmt.Errorf("server: order needs a positive amount")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now().UTC()
	order := &SalesOrder{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Chain:     strings.ToLower(strings.TrimSpace(chain)),
		Amount:    new(big.Int).Set(amount),
		PayTo:     strings.ToLower(strings.TrimSpace(payTo)),
		Status:    SaleAwaitingPayment,
		CreatedAt: now,
		ExpiresAt: now.Add(constitution.OrderExpiry),
	}
	b.orders[order.ID] = order
	return *clone(order), b.saveLocked()
}

// Get returns a copy of one order.
func (b *OrderBook) Get(id string) (SalesOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[id]
	if !ok {
		return SalesOrder{}, ErrUnknownOrder
	}
	return *clone(order), nil
}

// MarkPaid transitions an awaiting-payment order to processing. The
// transition is idempotent: a second payment report on the same order is
// refused so a buyer cannot restart fulfilment.
func (b *OrderBook) MarkPaid(id, payer, txHash string) (SalesOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[id]
	if !ok {
		return SalesOrder{}, ErrUnknownOrder
	}
	if order.Status != SaleAwaitingPayment {
		return SalesOrder{}, fmt.Errorf("server: order %s is %s, not awaiting payment", id, order.Status)
	}
	if b.now().After(order.ExpiresAt) {
		order.Status = SaleExpired
		return SalesOrder{}, fmt.Errorf("server: order %s expired", id)
	}
	order.Status = SaleProcessing
	order.PaidBy = strings.ToLower(strings.TrimSpace(payer))
	order.TxHash = txHash
	return *clone(order), b.saveLocked()
}

// Resolve records the fulfilment outcome of a processing order.
func (b *OrderBook) Resolve(id, status, result string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	order.Status = status
	order.Result = result
	return b.saveLocked()
}

// ExpireStale lapses unpaid orders past their expiry.
func (b *OrderBook) ExpireStale() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	expired := 0
	for _, order := range b.orders {
		if order.Status == SaleAwaitingPayment && now.After(order.ExpiresAt) {
			order.Status = SaleExpired
			expired++
		}
	}
	if expired > 0 {
		if err := b.saveLocked(); err != nil {
			return expired
		}
	}
	return expired
}

func (b *OrderBook) saveLocked() error {
	out := make([]*SalesOrder, 0, len(b.orders))
	for _, order := range b.orders {
		out = append(out, order)
	}
	return persist.WriteJSON(b.path, out)
}

func clone(order *SalesOrder) *SalesOrder {
	copied := *order
	copied.Amount = new(big.Int).Set(order.Amount)
	return &copied
}
