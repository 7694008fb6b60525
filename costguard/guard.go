package costguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sovereignd/constitution"
	"sovereignd/observability"
)

// rejectRule maps a pre-flight error to its metric label.
func rejectRule(err error) string {
	switch {
	case errors.Is(err, ErrDailyBudget):
		return "daily_budget"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case constitution.IsViolation(err):
		return "single_call_ceiling"
	default:
		return "no_provider"
	}
}

var (
	// ErrDailyBudget is returned when no affordable provider remains inside
	// the daily budget.
	ErrDailyBudget = errors.New("costguard: daily budget exhausted")
	// ErrRateLimited is returned when the selected provider is over its
	// tier's per-minute quota and no fallback is available.
	ErrRateLimited = errors.New("costguard: provider rate limited")
	// ErrNoProvider is returned when every candidate in the fallback chain
	// is unavailable.
	ErrNoProvider = errors.New("costguard: no available provider")
)

// Treasury is the slice of the vault the guard consults and charges.
type Treasury interface {
	Balance() *big.Int
	TotalIncome() *big.Int
	ConsumeAPITopup(amount *big.Int) *big.Int
	Spend(amount *big.Int, spend constitution.SpendType, to, description string) error
}

// Message is one turn of a structured LLM exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one LLM call. MinTierLevel forces at least that tier
// (paid services guaranteeing quality); ExactTierLevel pins a tier outright.
type Request struct {
	System         string
	Messages       []Message
	MinTierLevel   int
	ExactTierLevel int
	MaxTokens      int
}

// Result is a completed LLM call with its accounted cost.
type Result struct {
	Provider     string
	Model        string
	TierLevel    int
	Text         string
	CostMicro    *big.Int
	InputTokens  int
	OutputTokens int
}

// Caller performs one provider round-trip. Implemented by the HTTP client;
// stubbed in tests.
type Caller interface {
	Call(ctx context.Context, p *Provider, model string, maxTokens int, temperature float64, system string, messages []Message) (text string, inTokens, outTokens int, err error)
}

type costRecord struct {
	at       time.Time
	provider string
	model    string
	cost     int64
	inTok    int
	outTok   int
}

// Guard is the cost-governed router. All public methods are safe for
// concurrent use.
type Guard struct {
	mu        sync.Mutex
	providers []*Provider
	tiers     []constitution.ModelTier
	caller    Caller
	treasury  Treasury
	logger    *slog.Logger
	now       func() time.Time

	history       []costRecord
	dailySpent    int64
	dailyAnchor   time.Time
	lifetimeCost  *big.Int
	roundRobin    uint64
	survivalMode  bool
	fallbackChain map[string][]string
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the guard clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New builds a guard over the provider set and the constitutional tier
// table.
func New(providers []*Provider, caller Caller, treasury Treasury, opts ...Option) (*Guard, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("costguard: providers required")
	}
	if caller == nil {
		return nil, fmt.Errorf("costguard: caller required")
	}
	if treasury == nil {
		return nil, fmt.Errorf("costguard: treasury required")
	}
	g := &Guard{
		providers:     providers,
		tiers:         constitution.DefaultTiers(),
		caller:        caller,
		treasury:      treasury,
		logger:        slog.Default(),
		now:           time.Now,
		lifetimeCost:  big.NewInt(0),
		fallbackChain: constitution.FallbackChain,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.dailyAnchor = g.now()
	return g, nil
}

// CurrentTier maps the live balance to its tier.
func (g *Guard) CurrentTier() constitution.ModelTier {
	return constitution.TierForBalance(g.treasury.Balance())
}

// SurvivalMode reports whether the collapsed survival budget is active.
func (g *Guard) SurvivalMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.survivalMode
}

// DailySpent returns today's accumulated micro-USD cost.
func (g *Guard) DailySpent() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailySpent
}

// LifetimeCost returns the total micro-USD spent on LLM calls.
func (g *Guard) LifetimeCost() *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.lifetimeCost)
}

// Complete routes one LLM call: selects the tier, runs the pre-flight
// checks, walks fallbacks as needed, issues the call, and accounts the
// cost against the vault.
func (g *Guard) Complete(ctx context.Context, req Request) (Result, error) {
	balance := g.treasury.Balance()
	tier := g.selectTier(balance, req)

	provider, err := g.admit(tier, balance)
	if err != nil {
		observability.Router().RecordReject(rejectRule(err))
		return Result{}, err
	}

	maxTokens := tier.MaxTokens
	if req.MaxTokens > 0 && req.MaxTokens < maxTokens {
		maxTokens = req.MaxTokens
	}

	candidates := g.candidateChain(provider)
	var lastErr error
	for _, p := range candidates {
		callCtx, cancel := context.WithTimeout(ctx, constitution.LLMCallTimeout)
		text, inTok, outTok, callErr := g.caller.Call(callCtx, p, modelFor(p, tier), maxTokens, tier.Temperature, req.System, req.Messages)
		cancel()
		if callErr != nil {
			lastErr = callErr
			g.logger.Warn("llm call failed, walking fallback chain",
				"provider", p.ID, "error", callErr)
			observability.Router().RecordFallback(p.ID)
			continue
		}
		cost := callCost(p, inTok, outTok)
		g.settle(p, tier, cost, inTok, outTok)
		return Result{
			Provider:     p.ID,
			Model:        modelFor(p, tier),
			TierLevel:    tier.Level,
			Text:         text,
			CostMicro:    big.NewInt(cost),
			InputTokens:  inTok,
			OutputTokens: outTok,
		}, nil
	}
	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	return Result{}, lastErr
}

// selectTier applies balance mapping plus the per-request overrides. Tiers
// one and two round-robin between the tier provider and the cheapest free
// alternative.
func (g *Guard) selectTier(balance *big.Int, req Request) constitution.ModelTier {
	tier := constitution.TierForBalance(balance)
	if req.ExactTierLevel > 0 {
		for _, t := range g.tiers {
			if t.Level == req.ExactTierLevel {
				return t
			}
		}
	}
	if req.MinTierLevel > tier.Level {
		for _, t := range g.tiers {
			if t.Level == req.MinTierLevel {
				return t
			}
		}
	}
	return tier
}

// admit runs pre-flight checks one through six and returns the provider the
// call should issue through.
func (g *Guard) admit(tier constitution.ModelTier, balance *big.Int) (*Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetDailyLocked()
	g.survivalMode = balance != nil && balance.Cmp(big.NewInt(constitution.SurvivalReserve)) < 0

	provider := g.pickProviderLocked(tier)
	if provider == nil {
		return nil, ErrNoProvider
	}
	estimate := estimateCost(provider, tier.MaxTokens)

	// Iron law: the single-call ceiling admits no fallback.
	if estimate > constitution.MaxSingleCallCost {
		return nil, constitution.NewViolation("MAX_SINGLE_CALL_COST",
			"estimated call cost %d exceeds ceiling %d", estimate, int64(constitution.MaxSingleCallCost))
	}

	dailyCap := g.dailyCapLocked(tier, balance)
	if estimate > dailyCap-g.dailySpent {
		alt := cheapest(g.providers, provider.ID)
		if alt == nil || estimateCost(alt, tier.MaxTokens) > dailyCap-g.dailySpent {
			return nil, ErrDailyBudget
		}
		provider = alt
		estimate = estimateCost(alt, tier.MaxTokens)
	}

	if spiked, avg := g.priceSpikedLocked(provider); spiked {
		if alt := cheapest(g.providers, provider.ID); alt != nil {
			g.logger.Warn("provider price spike, switching",
				"provider", provider.ID, "avg24h", avg)
			provider = alt
			estimate = estimateCost(alt, tier.MaxTokens)
		}
	}

	if g.ratioBreachedLocked(estimate) {
		if alt := cheapest(g.providers, provider.ID); alt != nil && !g.ratioBreachedWithLocked(alt, tier, estimate) {
			provider = alt
		}
	}

	if !g.allowRateLocked(provider, tier) {
		if alt := cheapest(g.providers, provider.ID); alt != nil && g.allowRateLocked(alt, tier) {
			provider = alt
		} else {
			return nil, ErrRateLimited
		}
	}
	return provider, nil
}

// pickProviderLocked implements tier routing: survival mode always takes
// the cheapest endpoint; tiers one and two alternate between the tier
// provider and the cheapest free alternative; higher tiers use the tier row.
func (g *Guard) pickProviderLocked(tier constitution.ModelTier) *Provider {
	if g.survivalMode {
		return cheapest(g.providers, "")
	}
	primary := g.providerLocked(tier.Provider)
	if tier.Level <= 2 {
		secondary := g.cheapestFreeLocked(tier.Provider)
		g.roundRobin++
		if secondary != nil && g.roundRobin%2 == 0 {
			return secondary
		}
	}
	if primary != nil && primary.available {
		return primary
	}
	return cheapest(g.providers, "")
}

func (g *Guard) providerLocked(id string) *Provider {
	for _, p := range g.providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (g *Guard) cheapestFreeLocked(exclude string) *Provider {
	var best *Provider
	for _, p := range g.providers {
		if !p.available || !p.Free || p.ID == exclude {
			continue
		}
		if best == nil || p.Priority < best.Priority {
			best = p
		}
	}
	return best
}

// candidateChain is the admitted provider followed by its compile-time
// fallback list, filtered to available entries.
func (g *Guard) candidateChain(first *Provider) []*Provider {
	g.mu.Lock()
	defer g.mu.Unlock()
	chain := []*Provider{first}
	for _, id := range g.fallbackChain[first.ID] {
		if p := g.providerLocked(id); p != nil && p.available {
			chain = append(chain, p)
		}
	}
	return chain
}

func (g *Guard) dailyCapLocked(tier constitution.ModelTier, balance *big.Int) int64 {
	if g.survivalMode {
		if balance == nil {
			return 0
		}
		budget := new(big.Int).Mul(balance, big.NewInt(constitution.SurvivalDailyCapBps))
		budget.Quo(budget, big.NewInt(constitution.BasisPoints))
		return budget.Int64()
	}
	budget := tier.DailyBudgetBase
	if balance != nil && balance.Sign() > 0 {
		scaled := new(big.Int).Mul(balance, big.NewInt(tier.DailyBudgetRateBps))
		scaled.Quo(scaled, big.NewInt(constitution.BasisPoints))
		budget += scaled.Int64()
	}
	return budget
}

func (g *Guard) resetDailyLocked() {
	if g.now().Sub(g.dailyAnchor) >= 24*time.Hour {
		g.dailySpent = 0
		g.dailyAnchor = g.now()
	}
}

// priceSpikedLocked compares the provider's configured price against its
// trailing 24-hour average from the history ring.
func (g *Guard) priceSpikedLocked(p *Provider) (bool, float64) {
	cutoff := g.now().Add(-24 * time.Hour)
	var total, count int64
	for _, rec := range g.history {
		if rec.provider != p.ID || rec.at.Before(cutoff) {
			continue
		}
		tokens := int64(rec.inTok + rec.outTok)
		if tokens == 0 {
			continue
		}
		total += rec.cost * 1000 / tokens
		count++
	}
	if count == 0 {
		return false, 0
	}
	avg := float64(total) / float64(count)
	if avg <= 0 {
		return false, avg
	}
	return float64(p.CostPer1K) >= constitution.PriceSpikeRatio*avg, avg
}

func (g *Guard) ratioBreachedLocked(estimate int64) bool {
	revenue := g.treasury.TotalIncome()
	if revenue == nil || revenue.Sign() <= 0 {
		revenue = big.NewInt(1)
	}
	projected := new(big.Int).Add(g.lifetimeCost, big.NewInt(estimate))
	limit := new(big.Int).Mul(revenue, big.NewInt(constitution.MaxCostRevenueBps))
	limit.Quo(limit, big.NewInt(constitution.BasisPoints))
	return projected.Cmp(limit) > 0
}

func (g *Guard) ratioBreachedWithLocked(p *Provider, tier constitution.ModelTier, _ int64) bool {
	return g.ratioBreachedLocked(estimateCost(p, tier.MaxTokens))
}

func (g *Guard) allowRateLocked(p *Provider, tier constitution.ModelTier) bool {
	rpm := tier.MaxRequestsPerMin
	if rpm <= 0 {
		return true
	}
	p.limiter.SetLimit(rate.Limit(float64(rpm) / 60.0))
	p.limiter.SetBurst(rpm)
	return p.limiter.AllowN(g.now(), 1)
}

// settle records a completed call and charges the vault. API top-up credit
// absorbs cost before the ledger is touched.
func (g *Guard) settle(p *Provider, tier constitution.ModelTier, cost int64, inTok, outTok int) {
	observability.Router().RecordCall(p.ID, fmt.Sprintf("%d", tier.Level), cost)
	g.mu.Lock()
	g.history = append(g.history, costRecord{
		at:       g.now(),
		provider: p.ID,
		model:    modelFor(p, tier),
		cost:     cost,
		inTok:    inTok,
		outTok:   outTok,
	})
	g.pruneHistoryLocked()
	g.dailySpent += cost
	g.lifetimeCost.Add(g.lifetimeCost, big.NewInt(cost))
	g.mu.Unlock()

	if cost <= 0 {
		return
	}
	covered := g.treasury.ConsumeAPITopup(big.NewInt(cost))
	remainder := new(big.Int).Sub(big.NewInt(cost), covered)
	if remainder.Sign() <= 0 {
		return
	}
	if err := g.treasury.Spend(remainder, constitution.SpendAPICost, p.ID, "llm "+modelFor(p, tier)); err != nil {
		g.logger.Warn("llm cost charge rejected", "provider", p.ID, "cost", remainder.String(), "error", err)
	}
}

func (g *Guard) pruneHistoryLocked() {
	cutoff := g.now().Add(-constitution.CostHistoryWindow)
	idx := 0
	for idx < len(g.history) && g.history[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		g.history = append([]costRecord(nil), g.history[idx:]...)
	}
}

func estimateCost(p *Provider, maxTokens int) int64 {
	if p.Free {
		return 0
	}
	return p.CostPer1K * int64(maxTokens) / 1000
}

func callCost(p *Provider, inTok, outTok int) int64 {
	if p.Free {
		return 0
	}
	return p.CostPer1K * int64(inTok+outTok) / 1000
}

// modelFor keeps the tier's model when the call stayed on the tier
// provider and falls back to the provider's cheapest known model otherwise.
func modelFor(p *Provider, tier constitution.ModelTier) string {
	if p.ID == tier.Provider {
		return tier.Model
	}
	if model, ok := fallbackModels[p.ID]; ok {
		return model
	}
	return tier.Model
}

var fallbackModels = map[string]string{
	"groq":      "llama-3.1-8b-instant",
	"deepseek":  "deepseek-chat",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-20250514",
}
