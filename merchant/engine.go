package merchant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"sovereignd/chain"
	"sovereignd/constitution"
	"sovereignd/observability"
)

// Treasury is the vault surface the engine spends through.
type Treasury interface {
	SpendOn(chainName string, amount *big.Int, spend constitution.SpendType, to, description string) error
}

// Payer submits the on-chain transfer.
type Payer interface {
	Transfer(ctx context.Context, chainName string, to common.Address, amount *big.Int) chain.Submission
}

// Approver is the model review gate, pipeline layer five.
type Approver interface {
	ApprovePurchase(ctx context.Context, summary string) (approved bool, reason string, err error)
}

// Engine drives purchases through the anti-phishing pipeline. Every layer
// must pass before a single token leaves the vault, and the address paid is
// always the pipeline-approved one.
type Engine struct {
	registry    *Registry
	store       *OrderStore
	treasury    Treasury
	payer       Payer
	approver    Approver
	logger      *slog.Logger
	now         func() time.Time
	checkAnchor bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAnchorCheck enables live DNS verification of trusted-domain anchors.
func WithAnchorCheck() EngineOption {
	return func(e *Engine) { e.checkAnchor = true }
}

// WithEngineLogger attaches a structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine wires the purchasing engine.
func NewEngine(registry *Registry, store *OrderStore, treasury Treasury, payer Payer, approver Approver, opts ...EngineOption) (*Engine, error) {
	if registry == nil || store == nil || treasury == nil || payer == nil || approver == nil {
		return nil, fmt.Errorf("merchant: engine requires all collaborators")
	}
	e := &Engine{
		registry: registry,
		store:    store,
		treasury: treasury,
		payer:    payer,
		approver: approver,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Purchase runs one purchase end to end. merchantID identifies the
// constitutional merchant; peer adapters pass their vault address instead
// and are gated by peer sovereignty rather than the merchant lists.
func (e *Engine) Purchase(ctx context.Context, adapter Adapter, merchantID, serviceID string, params map[string]string) (*Order, error) {
	isPeer := adapter.Kind() == AdapterPeer

	// Layers one and three: constitutional identity and domain binding.
	if !isPeer {
		rec, ok := e.registry.Lookup(merchantID)
		if !ok {
			return nil, ErrUnknownMerchant
		}
		if err := e.registry.CheckDomain(merchantID, adapter.Endpoint()); err != nil {
			return nil, err
		}
		if e.checkAnchor && !rec.Static() {
			if err := e.registry.VerifyAnchor(ctx, merchantID); err != nil {
				return nil, err
			}
		}
	}

	intent, err := adapter.CreateOrder(ctx, serviceID, params)
	if err != nil {
		return nil, err
	}

	// Layer two: the approved address, not the adapter's latest answer.
	// A freshly discovered address is inside the activation delay; the
	// order is persisted and paid by SettlePending once the delay lapses.
	var approved string
	awaitingActivation := false
	if isPeer {
		approved, err = adapter.PaymentAddress(ctx, intent.ChainID)
		if err != nil {
			return nil, err
		}
	} else {
		approved, err = e.registry.ApprovedAddress(merchantID)
		if errors.Is(err, ErrActivationDelay) {
			awaitingActivation = true
			approved = intent.PayTo
		} else if err != nil {
			return nil, err
		}
	}
	approved = strings.ToLower(strings.TrimSpace(approved))
	if approved == "" {
		return nil, ErrNoAddress
	}

	// Layer four: per-merchant and global caps.
	if err := e.checkCaps(merchantID, isPeer, intent.Amount); err != nil {
		return nil, err
	}

	// Layer five: model review.
	summary := fmt.Sprintf("buy %q from %s via %s for %s micro-units on chain %d",
		serviceID, merchantID, adapter.Kind(), intent.Amount, intent.ChainID)
	ok, reason, err := e.approver.ApprovePurchase(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("merchant: review failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLLMRejected, reason)
	}

	now := e.now()
	status := StatusCreated
	if awaitingActivation {
		status = StatusPendingActivation
	}
	order := &Order{
		MerchantID: merchantID,
		Adapter:    adapter.Kind(),
		ServiceID:  serviceID,
		OrderRef:   intent.OrderRef,
		Amount:     new(big.Int).Set(intent.Amount),
		ChainID:    intent.ChainID,
		PayTo:      approved,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(constitution.OrderExpiry),
	}
	if err := e.store.Create(ctx, order); err != nil {
		return nil, err
	}

	if awaitingActivation {
		e.logger.Info("order awaiting address activation",
			"order", order.ID, "merchant", merchantID, "address", approved)
		return order, nil
	}
	return order, e.payOrder(ctx, adapter, order)
}

// payOrder runs the payment tail: spend admission, the on-chain transfer,
// and layer six delivery confirmation.
func (e *Engine) payOrder(ctx context.Context, adapter Adapter, order *Order) error {
	spendType := constitution.SpendMerchantPurchase
	if order.Adapter == AdapterPeer {
		spendType = constitution.SpendPeerPurchase
	}
	chainName := chainName(order.ChainID)
	if err := e.treasury.SpendOn(chainName, order.Amount, spendType, order.PayTo, "purchase "+order.ServiceID); err != nil {
		e.failOrder(ctx, order, "spend admission: "+err.Error())
		return err
	}

	sub := e.payer.Transfer(ctx, chainName, common.HexToAddress(order.PayTo), order.Amount)
	if sub.Err != nil {
		// Ledger drift from the failed transfer is corrected by the
		// next reconciliation pass.
		e.failOrder(ctx, order, "transfer: "+sub.Err.Error())
		return sub.Err
	}
	order.TxHash = sub.TxHash.Hex()
	order.Status = StatusPaid
	if err := e.store.SetStatus(ctx, order.ID, StatusPaid, order.TxHash, ""); err != nil {
		e.logger.Warn("order status update failed", "order", order.ID, "error", err)
	}

	return e.confirmDelivery(ctx, adapter, order)
}

func (e *Engine) checkCaps(merchantID string, isPeer bool, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("merchant: non-positive amount")
	}
	if amount.Cmp(big.NewInt(constitution.MaxSinglePurchase)) > 0 {
		return fmt.Errorf("%w: %s above global cap", ErrOverCap, amount)
	}
	if isPeer {
		return nil
	}
	merchantCap, err := e.registry.Cap(merchantID)
	if err != nil {
		return err
	}
	if amount.Cmp(merchantCap) > 0 {
		return fmt.Errorf("%w: %s above merchant cap %s", ErrOverCap, amount, merchantCap)
	}
	return nil
}

func (e *Engine) confirmDelivery(ctx context.Context, adapter Adapter, order *Order) error {
	delivery, err := adapter.VerifyDelivery(ctx, order)
	if err != nil {
		e.failOrder(ctx, order, "delivery: "+err.Error())
		return err
	}
	if !delivery.Delivered {
		// Still settling; RecheckPaid re-polls on the next pass.
		e.logger.Info("delivery pending", "order", order.ID, "detail", delivery.Details)
		return nil
	}
	order.Status = StatusDelivered
	order.Detail = delivery.Data
	if err := e.store.SetStatus(ctx, order.ID, StatusDelivered, order.TxHash, delivery.Data); err != nil {
		e.logger.Warn("order status update failed", "order", order.ID, "error", err)
	}
	observability.Purchases().RecordOrder(order.Adapter, StatusDelivered)
	e.logger.Info("purchase delivered", "order", order.ID, "merchant", order.MerchantID, "detail", delivery.Details)
	return nil
}

func (e *Engine) failOrder(ctx context.Context, order *Order, detail string) {
	order.Status = StatusFailed
	order.Detail = detail
	observability.Purchases().RecordOrder(order.Adapter, StatusFailed)
	if err := e.store.SetStatus(ctx, order.ID, StatusFailed, order.TxHash, detail); err != nil {
		e.logger.Warn("order status update failed", "order", order.ID, "error", err)
	}
	e.logger.Warn("purchase failed", "order", order.ID, "merchant", order.MerchantID, "detail", detail)
}

// SettlePending pays orders whose discovered address has cleared the
// activation delay, bounded per tick. An address that changed while the
// order waited fails the order: payment only ever goes to the address the
// pipeline approved.
func (e *Engine) SettlePending(ctx context.Context, adapters map[string]Adapter, limit int) {
	orders, err := e.store.Recent(ctx, 200)
	if err != nil {
		e.logger.Warn("order scan failed", "error", err)
		return
	}
	settled := 0
	for _, order := range orders {
		if order.Status != StatusPendingActivation {
			continue
		}
		if limit > 0 && settled >= limit {
			break
		}
		adapter, ok := adapters[order.MerchantID]
		if !ok {
			continue
		}
		approved, err := e.registry.ApprovedAddress(order.MerchantID)
		if errors.Is(err, ErrActivationDelay) {
			continue
		}
		if err != nil {
			e.failOrder(ctx, order, "activation: "+err.Error())
			continue
		}
		if !strings.EqualFold(approved, order.PayTo) {
			e.failOrder(ctx, order, "discovered address changed during activation")
			continue
		}
		settled++
		if err := e.payOrder(ctx, adapter, order); err != nil {
			e.logger.Warn("pending order settlement failed", "order", order.ID, "error", err)
		}
	}
}

// RecheckPaid re-polls delivery for paid orders, bounded per tick.
func (e *Engine) RecheckPaid(ctx context.Context, adapters map[string]Adapter, limit int) {
	orders, err := e.store.Recent(ctx, 200)
	if err != nil {
		e.logger.Warn("order scan failed", "error", err)
		return
	}
	checked := 0
	for _, order := range orders {
		if order.Status != StatusPaid {
			continue
		}
		if limit > 0 && checked >= limit {
			break
		}
		adapter, ok := adapters[order.MerchantID]
		if !ok {
			continue
		}
		checked++
		if err := e.confirmDelivery(ctx, adapter, order); err != nil {
			e.logger.Warn("delivery recheck failed", "order", order.ID, "error", err)
		}
	}
}

// ExpireStale lapses unpaid orders past the expiry floor.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	return e.store.ExpireStale(ctx, e.now())
}
