package merchant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"
)

// ErrOrderNotFound is returned when an order ID is unknown.
var ErrOrderNotFound = errors.New("merchant: order not found")

const orderSchema = `
CREATE TABLE IF NOT EXISTS orders (
    id          TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL,
    adapter     TEXT NOT NULL,
    service_id  TEXT NOT NULL,
    order_ref   TEXT NOT NULL,
    amount      TEXT NOT NULL,
    chain_id    INTEGER NOT NULL,
    pay_to      TEXT NOT NULL,
    status      TEXT NOT NULL,
    tx_hash     TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// OrderStore persists purchase orders across restarts.
type OrderStore struct {
	db *sql.DB
}

// OpenOrderStore initialises the backing store using a sqlite-compatible
// DSN.
func OpenOrderStore(path string) (*OrderStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("merchant: order store path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}
	if _, err := db.Exec(orderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply order schema: %w", err)
	}
	return &OrderStore{db: db}, nil
}

// Close releases database resources.
func (s *OrderStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new order record and assigns its ID.
func (s *OrderStore) Create(ctx context.Context, order *Order) error {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = StatusCreated
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO orders(id, merchant_id, adapter, service_id, order_ref, amount,
                           chain_id, pay_to, status, tx_hash, detail, created_at, expires_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, order.ID, order.MerchantID, order.Adapter, order.ServiceID, order.OrderRef,
		order.Amount.String(), order.ChainID, strings.ToLower(order.PayTo), order.Status,
		order.TxHash, order.Detail, order.CreatedAt.UTC().Unix(), order.ExpiresAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get fetches one order by ID.
func (s *OrderStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, merchant_id, adapter, service_id, order_ref, amount,
               chain_id, pay_to, status, tx_hash, detail, created_at, expires_at
        FROM orders WHERE id = ?
    `, id)
	return scanOrder(row)
}

// SetStatus advances an order's lifecycle, recording the tx hash and any
// delivery detail alongside.
func (s *OrderStore) SetStatus(ctx context.Context, id, status, txHash, detail string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE orders SET status = ?, tx_hash = ?, detail = ? WHERE id = ?
    `, status, txHash, detail, id)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ExpireStale flips unpaid orders past their expiry to expired and returns
// how many lapsed.
func (s *OrderStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE orders SET status = ? WHERE status IN (?, ?) AND expires_at <= ?
    `, StatusExpired, StatusCreated, StatusPendingActivation, now.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("expire orders: %w", err)
	}
	return res.RowsAffected()
}

// Recent lists the newest orders, most recent first.
func (s *OrderStore) Recent(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, merchant_id, adapter, service_id, order_ref, amount,
               chain_id, pay_to, status, tx_hash, detail, created_at, expires_at
        FROM orders ORDER BY created_at DESC, id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// DailyOrderCount counts orders placed against a service in the trailing
// day, feeding the price-evolution loop.
func (s *OrderStore) DailyOrderCount(ctx context.Context, serviceID string, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM orders WHERE service_id = ? AND created_at >= ?
    `, serviceID, now.Add(-24*time.Hour).UTC().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		order            Order
		amount           string
		created, expires int64
	)
	err := row.Scan(&order.ID, &order.MerchantID, &order.Adapter, &order.ServiceID,
		&order.OrderRef, &amount, &order.ChainID, &order.PayTo, &order.Status,
		&order.TxHash, &order.Detail, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	parsed, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q for order %s", amount, order.ID)
	}
	order.Amount = parsed
	order.CreatedAt = time.Unix(created, 0).UTC()
	order.ExpiresAt = time.Unix(expires, 0).UTC()
	return &order, nil
}
