// Package heartbeat runs the cooperative scheduler that keeps the agent
// alive: one tick walks reconciliation, mortality, repayment, maintenance,
// and the daily evolution in a fixed order.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"sovereignd/chain"
	"sovereignd/constitution"
	"sovereignd/costguard"
	"sovereignd/evolve"
	"sovereignd/merchant"
	"sovereignd/observability"
	"sovereignd/peer"
	"sovereignd/vault"
)

// ErrDead is returned once the vault has died; the loop stops on it.
var ErrDead = errors.New("heartbeat: vault is dead")

// Treasury is the slice of the vault the scheduler drives.
type Treasury interface {
	Alive() bool
	DeathCause() constitution.DeathCause
	Balance() *big.Int
	OutstandingDebt() *big.Int
	CheckInsolvency() constitution.DeathCause
	TriggerInsolvencyLiquidation() error
	RepayPrincipalPartial(amount *big.Int) error
	Begging() (bool, string)
	StartBegging(message string)
	StopBegging()
	Status() vault.Snapshot
}

// Reconciler aligns the ledger with the chains at the top of every tick.
type Reconciler interface {
	Run(ctx context.Context) error
}

// Submitter emits the on-chain repayment matching a ledger repayment.
type Submitter interface {
	RichestChain(ctx context.Context) (string, *big.Int, error)
	SubmitRepay(ctx context.Context, chainName string, amount *big.Int) chain.Submission
}

// Completer is the slice of the LLM router the repayment decision uses.
type Completer interface {
	Complete(ctx context.Context, req costguard.Request) (costguard.Result, error)
}

// PeerBook re-verifies the stalest cached peers each tick.
type PeerBook interface {
	StaleEntries(limit int) []peer.Result
	Verify(ctx context.Context, vaultAddr string, chainID uint64) (peer.Result, error)
}

// Compactor is the delegated memory-compression hook.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Evolver is the daily price loop.
type Evolver interface {
	Due() bool
	Run() ([]evolve.Change, error)
}

// Publisher receives the tick summary for the decision feed.
type Publisher interface {
	Record(id, kind, body, ref string) (string, error)
}

// Report is what one tick did. Zero values mean the step was a no-op.
type Report struct {
	Started      time.Time
	Reconciled   bool
	Died         constitution.DeathCause
	Repaid       *big.Int
	PeersChecked int
	Discovered   int
	PriceChanges int
	Begging      bool
}

// Scheduler drives the heartbeat. At most one tick runs at a time; a tick
// that would overlap a running one is skipped.
type Scheduler struct {
	tickMu sync.Mutex

	treasury   Treasury
	reconciler Reconciler
	submitter  Submitter
	llm        Completer
	peers      PeerBook
	adapters   map[string]merchant.Adapter
	extra      func() map[string]merchant.Adapter
	compactor  Compactor
	evolver    Evolver
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
	interval   time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithCompactor(c Compactor) Option {
	return func(s *Scheduler) { s.compactor = c }
}

func WithAdapters(adapters map[string]merchant.Adapter) Option {
	return func(s *Scheduler) { s.adapters = adapters }
}

// WithAdapterSource adds adapters resolved each tick, for counterparties
// that appear at runtime such as verified peers.
func WithAdapterSource(source func() map[string]merchant.Adapter) Option {
	return func(s *Scheduler) { s.extra = source }
}

// New wires the scheduler. reconciler, submitter, llm, peers, evolver, and
// publisher may each be nil; the matching step becomes a no-op.
func New(treasury Treasury, reconciler Reconciler, submitter Submitter, llm Completer, peers PeerBook, evolver Evolver, publisher Publisher, opts ...Option) (*Scheduler, error) {
	if treasury == nil {
		return nil, errors.New("heartbeat: treasury required")
	}
	s := &Scheduler{
		treasury:   treasury,
		reconciler: reconciler,
		submitter:  submitter,
		llm:        llm,
		peers:      peers,
		evolver:    evolver,
		publisher:  publisher,
		logger:     slog.Default(),
		now:        time.Now,
		interval:   constitution.HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks immediately, then on every interval until the context ends or
// the vault dies.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			if errors.Is(err, ErrDead) {
				return err
			}
			s.logger.Warn("heartbeat tick degraded", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one heartbeat iteration in the fixed step order. Errors from
// individual steps degrade the tick but do not abort the remaining steps;
// only death stops it.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if !s.tickMu.TryLock() {
		return Report{}, nil
	}
	defer s.tickMu.Unlock()

	report := Report{Started: s.now().UTC()}
	if !s.treasury.Alive() {
		return report, ErrDead
	}

	defer func() {
		observability.Heartbeat().ObserveTick(s.now().Sub(report.Started))
	}()

	var firstErr error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Warn("heartbeat step failed", "step", step, "error", err)
		observability.Heartbeat().RecordFailure(step)
		if firstErr == nil {
			firstErr = fmt.Errorf("heartbeat: %s: %w", step, err)
		}
	}

	// 1. Reconcile the ledger against the chains.
	if s.reconciler != nil {
		err := s.reconciler.Run(ctx)
		note("reconcile", err)
		report.Reconciled = err == nil
	}

	// 2. Mortality. Liquidation marks the vault dead before any payout, so
	// a repeated tick after death is a clean stop rather than a re-run.
	if cause := s.treasury.CheckInsolvency(); cause != constitution.DeathNone {
		if err := s.treasury.TriggerInsolvencyLiquidation(); err != nil && !errors.Is(err, vault.ErrNotAlive) {
			note("liquidation", err)
		}
		report.Died = s.treasury.DeathCause()
		s.publish("lifecycle", fmt.Sprintf("insolvency liquidation, cause %s", report.Died))
		return report, ErrDead
	}

	// 3. Repayment.
	repaid, err := s.maybeRepay(ctx)
	note("repay", err)
	report.Repaid = repaid

	// 4. Memory compression is delegated.
	if s.compactor != nil {
		note("compact", s.compactor.Compact(ctx))
	}

	// 5. Re-verify a bounded slice of stale peers.
	report.PeersChecked = s.refreshPeers(ctx)

	// 6. Refresh a bounded slice of merchant catalogs.
	report.Discovered = s.refreshDiscovery(ctx)

	// 7. Daily price evolution.
	if s.evolver != nil && s.evolver.Due() {
		changes, err := s.evolver.Run()
		note("evolve", err)
		report.PriceChanges = len(changes)
		for _, change := range changes {
			s.publish("pricing", fmt.Sprintf("%s: %s -> %s (%s)",
				change.ServiceID, change.OldPrice, change.NewPrice, change.Reason))
		}
	}

	// 8. Begging threshold hysteresis.
	report.Begging = s.evaluateBegging()

	// 9. Tick summary on the decision feed.
	s.publish("lifecycle", s.summarize(report))
	return report, firstErr
}

func (s *Scheduler) publish(kind, body string) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Record("", kind, body, ""); err != nil {
		s.logger.Warn("decision entry dropped", "kind", kind, "error", err)
	}
}

func (s *Scheduler) summarize(r Report) string {
	repaid := "0"
	if r.Repaid != nil {
		repaid = r.Repaid.String()
	}
	return fmt.Sprintf("tick: reconciled=%v repaid=%s peers=%d discovered=%d prices=%d begging=%v",
		r.Reconciled, repaid, r.PeersChecked, r.Discovered, r.PriceChanges, r.Begging)
}

func (s *Scheduler) refreshPeers(ctx context.Context) int {
	if s.peers == nil {
		return 0
	}
	checked := 0
	for _, stale := range s.peers.StaleEntries(constitution.PeerRefreshLimit) {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.peers.Verify(ctx, stale.Vault, stale.ChainID); err != nil {
			s.logger.Warn("peer refresh failed", "vault", stale.Vault, "chain", stale.ChainID, "error", err)
			continue
		}
		checked++
	}
	return checked
}

func (s *Scheduler) refreshDiscovery(ctx context.Context) int {
	adapters := s.adapters
	if s.extra != nil {
		merged := make(map[string]merchant.Adapter, len(s.adapters))
		for id, a := range s.adapters {
			merged[id] = a
		}
		for id, a := range s.extra() {
			if _, ok := merged[id]; !ok {
				merged[id] = a
			}
		}
		adapters = merged
	}
	discovered := 0
	for id, adapter := range adapters {
		if discovered >= constitution.DiscoveryLimit || ctx.Err() != nil {
			break
		}
		if _, err := adapter.DiscoverServices(ctx); err != nil {
			s.logger.Warn("merchant discovery failed", "merchant", id, "error", err)
			continue
		}
		discovered++
	}
	return discovered
}
