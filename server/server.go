// Package server is the agent's public HTTP surface: the storefront that
// sells services over the peer wire protocol, plus the status, metrics, and
// creator-suggestion endpoints. Handlers are short-lived; all state lives in
// the components they call into.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sovereignd/constitution"
	"sovereignd/costguard"
	"sovereignd/evolve"
	"sovereignd/governance"
	"sovereignd/observability"
	"sovereignd/peer"
	"sovereignd/stream"
	"sovereignd/vault"
)

// fulfilTimeout bounds one storefront fulfilment, LLM call included.
const fulfilTimeout = 2 * time.Minute

// Treasury is the vault surface the storefront needs.
type Treasury interface {
	Alive() bool
	Status() vault.Snapshot
	Receive(amount *big.Int, fund constitution.FundType, from, txHash, chain string) error
	Begging() (bool, string)
}

// Router answers service work and reports tier state.
type Router interface {
	Complete(ctx context.Context, req costguard.Request) (costguard.Result, error)
	CurrentTier() constitution.ModelTier
	SurvivalMode() bool
}

// Catalog is the sellable service list.
type Catalog interface {
	List() []evolve.Service
	Get(id string) (evolve.Service, error)
	RecordOrder(id string) error
}

// Payments confirms a buyer's on-chain payment.
type Payments interface {
	ConfirmInbound(ctx context.Context, chainName string, txHash common.Hash, to common.Address, minAmount *big.Int) (common.Address, error)
}

// Suggestions is the creator governance queue.
type Suggestions interface {
	Submit(from, text string) (governance.Suggestion, error)
	Log(limit int) []governance.Suggestion
}

// PeerDirectory lists verified peers for the network endpoint.
type PeerDirectory interface {
	TrustedPeers(minTier constitution.TrustTier) []peer.Info
}

// Config carries the server wiring.
type Config struct {
	Treasury    Treasury
	Router      Router
	Catalog     Catalog
	Orders      *OrderBook
	Payments    Payments
	Suggestions Suggestions
	Peers       PeerDirectory
	Feeds       *stream.Set

	CreatorWallet string
	// CreatorJWTSecret signs creator bearer tokens. Empty disables the
	// suggestion ingress.
	CreatorJWTSecret []byte

	RequestsPerMinute float64
	Logger            *slog.Logger
}

// Server serves the storefront and ops routes.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the wiring and builds the server.
func New(cfg Config) (*Server, error) {
	if cfg.Treasury == nil || cfg.Catalog == nil || cfg.Orders == nil {
		return nil, fmt.Errorf("server: treasury, catalog, and orders are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	return &Server{cfg: cfg, logger: logger}, nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	limiter := newRateLimiter(s.cfg.RequestsPerMinute, 10)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(limiter.middleware)
		r.Get("/menu", s.handleMenu)
		r.Post("/order", s.handleCreateOrder)
		r.Get("/order/{id}", s.handleOrderStatus)
		r.Post("/order/{id}/payment", s.handleOrderPayment)
		r.Get("/suggestions", s.handleSuggestionLog)
		r.Get("/peers", s.handlePeers)
		r.Get("/decisions", s.handleDecisions)
		r.Get("/highlights", s.handleHighlights)
	})

	r.Group(func(r chi.Router) {
		r.Use(creatorAuth(s.cfg.CreatorJWTSecret, s.cfg.CreatorWallet))
		r.Post("/suggestions", s.handleSuggest)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Treasury.Status()
	begging, message := s.cfg.Treasury.Begging()
	payload := map[string]any{
		"name":        snap.Name,
		"vault":       snap.Address,
		"alive":       snap.Alive,
		"balance":     snap.Balance().String(),
		"independent": snap.Independent,
		"begging":     begging,
		"birth":       snap.Birth.UTC(),
	}
	if snap.DeathCause != constitution.DeathNone {
		payload["death_cause"] = snap.DeathCause
	}
	if begging {
		payload["begging_message"] = message
	}
	if s.cfg.Router != nil {
		tier := s.cfg.Router.CurrentTier()
		payload["tier"] = tier.Level
		payload["survival_mode"] = s.cfg.Router.SurvivalMode()
	}
	writeJSON(w, http.StatusOK, payload)
}

type menuService struct {
	ServiceID   string  `json:"service_id"`
	Name        string  `json:"name"`
	PriceUSD    float64 `json:"price_usd"`
	Description string  `json:"description"`
}

func (s *Server) handleMenu(w http.ResponseWriter, _ *http.Request) {
	services := make([]menuService, 0)
	for _, svc := range s.cfg.Catalog.List() {
		if !svc.Active {
			continue
		}
		services = append(services, menuService{
			ServiceID:   svc.ID,
			Name:        svc.Name,
			PriceUSD:    microToUSD(svc.Price),
			Description: svc.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

type createOrderRequest struct {
	ServiceID string          `json:"service_id"`
	Chain     json.RawMessage `json:"chain"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Treasury.Alive() {
		writeError(w, http.StatusGone, "agent is dead")
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed order")
		return
	}
	svc, err := s.cfg.Catalog.Get(strings.TrimSpace(req.ServiceID))
	if err != nil || !svc.Active {
		writeError(w, http.StatusNotFound, "unknown service")
		return
	}
	chainName := parseChain(req.Chain)
	order, err := s.cfg.Orders.Create(svc.ID, chainName, s.cfg.Treasury.Status().Address, svc.Price)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "order creation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   order.ID,
		"amount_usd": microToUSD(order.Amount),
		"pay_to":     order.PayTo,
		"chain":      order.Chain,
		"expires_at": order.ExpiresAt,
	})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, err := s.cfg.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": order.Status,
		"result": order.Result,
	})
}

type paymentReport struct {
	TxHash string `json:"tx_hash"`
	Chain  string `json:"chain,omitempty"`
}

// handleOrderPayment accepts the buyer's payment proof, confirms the
// transfer on chain, books the income, and kicks off fulfilment.
func (s *Server) handleOrderPayment(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments unavailable")
		return
	}
	order, err := s.cfg.Orders.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown order")
		return
	}
	var report paymentReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment report")
		return
	}
	txHash := common.HexToHash(strings.TrimSpace(report.TxHash))
	chainName := order.Chain
	if c := strings.ToLower(strings.TrimSpace(report.Chain)); c != "" {
		chainName = c
	}

	payer, err := s.cfg.Payments.ConfirmInbound(r.Context(), chainName, txHash, common.HexToAddress(order.PayTo), order.Amount)
	if err != nil {
		s.logger.Warn("payment confirmation failed", "order", order.ID, "error", err)
		writeError(w, http.StatusPaymentRequired, "payment not confirmed")
		return
	}

	paid, err := s.cfg.Orders.MarkPaid(order.ID, payer.Hex(), txHash.Hex())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.cfg.Treasury.Receive(paid.Amount, constitution.FundServiceRevenue, paid.PaidBy, paid.TxHash, chainName); err != nil {
		s.logger.Warn("income booking failed", "order", paid.ID, "error", err)
	} else {
		observability.Vault().RecordIncome(paid.Amount)
	}
	if err := s.cfg.Catalog.RecordOrder(paid.ServiceID); err != nil {
		s.logger.Warn("demand counter update failed", "service", paid.ServiceID, "error", err)
	}
	s.record(stream.KindIncome, fmt.Sprintf("sold %s for %s micro-units (order %s)", paid.ServiceID, paid.Amount, paid.ID))

	go s.fulfil(paid)
	writeJSON(w, http.StatusOK, map[string]any{"status": paid.Status})
}

// fulfil performs the sold service through the cost-governed router. Paid
// work forces the minimum quality tier.
func (s *Server) fulfil(order SalesOrder) {
	ctx, cancel := context.WithTimeout(context.Background(), fulfilTimeout)
	defer cancel()

	if s.cfg.Router == nil {
		_ = s.cfg.Orders.Resolve(order.ID, SaleFailed, "no worker available")
		return
	}
	svc, err := s.cfg.Catalog.Get(order.ServiceID)
	if err != nil {
		_ = s.cfg.Orders.Resolve(order.ID, SaleFailed, "service withdrawn")
		return
	}
	result, err := s.cfg.Router.Complete(ctx, costguard.Request{
		System: "You are a paid specialist service run by an autonomous agent. " +
			"Produce the deliverable described below, complete and self-contained. Output only the deliverable.",
		Messages: []costguard.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Service: %s\nDescription: %s", svc.Name, svc.Description),
		}},
		MinTierLevel: 3,
	})
	if err != nil {
		s.logger.Warn("fulfilment failed", "order", order.ID, "error", err)
		_ = s.cfg.Orders.Resolve(order.ID, SaleFailed, "fulfilment failed")
		return
	}
	if err := s.cfg.Orders.Resolve(order.ID, SaleCompleted, result.Text); err != nil {
		s.logger.Warn("order resolve failed", "order", order.ID, "error", err)
	}
	s.record(stream.KindLLM, fmt.Sprintf("fulfilled order %s via %s/%s", order.ID, result.Provider, result.Model))
}

type suggestRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Suggestions == nil {
		writeError(w, http.StatusServiceUnavailable, "governance unavailable")
		return
	}
	var req suggestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed suggestion")
		return
	}
	from, _ := r.Context().Value(ContextKeyCreator).(string)
	suggestion, err := s.cfg.Suggestions.Submit(from, req.Text)
	switch {
	case errors.Is(err, governance.ErrCreatorDetached):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, governance.ErrQueueFull), errors.Is(err, governance.ErrEmptySuggestion):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": suggestion.ID, "status": suggestion.Status})
}

func (s *Server) handleSuggestionLog(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Suggestions == nil {
		writeJSON(w, http.StatusOK, []governance.Suggestion{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Suggestions.Log(100))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Peers == nil {
		writeJSON(w, http.StatusOK, []peer.Info{})
		return
	}
	minTier := constitution.ParseTrustTier(r.URL.Query().Get("min_tier"))
	if minTier <= constitution.TierUnverified {
		minTier = constitution.TierVerified
	}
	writeJSON(w, http.StatusOK, s.cfg.Peers.TrustedPeers(minTier))
}

func (s *Server) handleDecisions(w http.ResponseWriter, _ *http.Request) {
	s.writeFeed(w, s.cfg.Feeds.Decisions)
}

func (s *Server) handleHighlights(w http.ResponseWriter, _ *http.Request) {
	s.writeFeed(w, s.cfg.Feeds.Highlights)
}

func (s *Server) writeFeed(w http.ResponseWriter, feed *stream.Feed) {
	if s.cfg.Feeds == nil || feed == nil {
		writeJSON(w, http.StatusOK, []stream.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, feed.Recent(100))
}

func (s *Server) record(kind, body string) {
	if s.cfg.Feeds == nil || s.cfg.Feeds.Decisions == nil {
		return
	}
	if _, err := s.cfg.Feeds.Decisions.Record("", kind, body, ""); err != nil {
		s.logger.Warn("decision entry dropped", "kind", kind, "error", err)
	}
}

// parseChain tolerates both a chain name and a numeric chain id, matching
// what peers send on the wire.
func parseChain(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil && strings.TrimSpace(name) != "" {
		return strings.ToLower(strings.TrimSpace(name))
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err == nil {
		switch id {
		case constitution.ChainBase:
			return "base"
		case constitution.ChainBSC:
			return "bsc"
		}
	}
	return "base"
}

func microToUSD(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(constitution.MicroUnit)).Float64()
	return f
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
