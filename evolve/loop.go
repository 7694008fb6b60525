package evolve

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"sovereignd/constitution"
	"sovereignd/persist"
)

// Price loop tuning. Ratios are basis points.
const (
	// staleWindow is how long a service may go unsold before its price
	// decays.
	staleWindow = 7 * 24 * time.Hour
	// busyDailyOrders is the demand level that raises a price.
	busyDailyOrders = 5
	decayBps        = 2_000
	raiseBps        = 1_000
	// priceFloor is one whole unit; decay never goes below it.
	priceFloor = constitution.MicroUnit
)

// Change is one recorded price adjustment.
type Change struct {
	Timestamp time.Time `json:"timestamp"`
	ServiceID string    `json:"service_id"`
	OldPrice  *big.Int  `json:"old_price"`
	NewPrice  *big.Int  `json:"new_price"`
	Reason    string    `json:"reason"`
}

// Loop runs the daily price evolution over a catalog and journals every
// change.
type Loop struct {
	mu      sync.Mutex
	catalog *Catalog
	log     *persist.AppendLog
	logger  *slog.Logger
	now     func() time.Time
	lastRun time.Time
}

// NewLoop wires the loop to a catalog and its evolution journal.
func NewLoop(catalog *Catalog, logPath string, logger *slog.Logger) (*Loop, error) {
	journal, err := persist.OpenAppendLog(logPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{catalog: catalog, log: journal, logger: logger, now: time.Now}, nil
}

// WithClock overrides the loop clock, for tests.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
	return l
}

// Close releases the journal.
func (l *Loop) Close() error { return l.log.Close() }

// Due reports whether a daily run is owed.
func (l *Loop) Due() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastRun) >= 24*time.Hour
}

// Run applies the pricing rules once: stale services decay twenty percent
// down to the floor, busy services raise ten percent up to the purchase
// cap. Every change lands in the journal before the catalog persists it.
func (l *Loop) Run() ([]Change, error) {
	l.mu.Lock()
	now := l.now()
	l.lastRun = now
	l.mu.Unlock()

	var changes []Change
	for _, svc := range l.catalog.List() {
		if !svc.Active {
			continue
		}
		newPrice, reason := evolvePrice(svc, now)
		if newPrice == nil {
			continue
		}
		change := Change{
			Timestamp: now.UTC(),
			ServiceID: svc.ID,
			OldPrice:  new(big.Int).Set(svc.Price),
			NewPrice:  new(big.Int).Set(newPrice),
			Reason:    reason,
		}
		if err := l.log.Append(change); err != nil {
			return changes, err
		}
		svc.Price = newPrice
		if err := l.catalog.Add(svc); err != nil {
			return changes, err
		}
		changes = append(changes, change)
		l.logger.Info("price evolved",
			"service", svc.ID, "old", change.OldPrice.String(),
			"new", change.NewPrice.String(), "reason", reason)
	}
	return changes, nil
}

// evolvePrice returns the adjusted price, or nil when no rule applies.
func evolvePrice(svc Service, now time.Time) (*big.Int, string) {
	floor := big.NewInt(priceFloor)
	ceiling := big.NewInt(constitution.MaxSinglePurchase)

	stale := svc.LastOrderAt.IsZero() || now.Sub(svc.LastOrderAt) >= staleWindow
	if stale && svc.Price.Cmp(floor) > 0 {
		next := new(big.Int).Mul(svc.Price, big.NewInt(constitution.BasisPoints-decayBps))
		next.Quo(next, big.NewInt(constitution.BasisPoints))
		if next.Cmp(floor) < 0 {
			next.Set(floor)
		}
		return next, "no orders in seven days"
	}

	today := now.UTC().Format("2006-01-02")
	if svc.OrdersDay == today && svc.OrdersToday >= busyDailyOrders && svc.Price.Cmp(ceiling) < 0 {
		next := new(big.Int).Mul(svc.Price, big.NewInt(constitution.BasisPoints+raiseBps))
		next.Quo(next, big.NewInt(constitution.BasisPoints))
		if next.Cmp(ceiling) > 0 {
			next.Set(ceiling)
		}
		return next, "high demand"
	}
	return nil, ""
}
