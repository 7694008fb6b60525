// Package observability exposes the runtime's Prometheus collectors.
// Registries are lazy so importing the package costs nothing until a
// component records its first observation.
package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type heartbeatMetrics struct {
	ticks    prometheus.Counter
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

type routerMetrics struct {
	calls     *prometheus.CounterVec
	cost      prometheus.Counter
	fallbacks *prometheus.CounterVec
	rejects   *prometheus.CounterVec
}

type vaultMetrics struct {
	spends  *prometheus.CounterVec
	income  prometheus.Counter
	balance prometheus.Gauge
	deaths  *prometheus.CounterVec
}

type peerMetrics struct {
	verifications *prometheus.CounterVec
	strikes       prometheus.Counter
	bans          prometheus.Counter
}

type purchaseMetrics struct {
	orders *prometheus.CounterVec
}

var (
	heartbeatOnce sync.Once
	heartbeatReg  *heartbeatMetrics

	routerOnce sync.Once
	routerReg  *routerMetrics

	vaultOnce sync.Once
	vaultReg  *vaultMetrics

	peerOnce sync.Once
	peerReg  *peerMetrics

	purchaseOnce sync.Once
	purchaseReg  *purchaseMetrics
)

// Heartbeat returns the scheduler collectors.
func Heartbeat() *heartbeatMetrics {
	heartbeatOnce.Do(func() {
		heartbeatReg = &heartbeatMetrics{
			ticks: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereignd_heartbeat_ticks_total",
				Help: "Completed heartbeat ticks.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_heartbeat_step_failures_total",
				Help: "Heartbeat steps that degraded a tick.",
			}, []string{"step"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "sovereignd_heartbeat_tick_seconds",
				Help:    "Wall-clock duration of one tick.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
		}
		prometheus.MustRegister(heartbeatReg.ticks, heartbeatReg.failures, heartbeatReg.duration)
	})
	return heartbeatReg
}

func (m *heartbeatMetrics) ObserveTick(d time.Duration) {
	m.ticks.Inc()
	m.duration.Observe(d.Seconds())
}

func (m *heartbeatMetrics) RecordFailure(step string) {
	m.failures.WithLabelValues(labelOrUnknown(step)).Inc()
}

// Router returns the LLM cost-governance collectors.
func Router() *routerMetrics {
	routerOnce.Do(func() {
		routerReg = &routerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_llm_calls_total",
				Help: "Issued LLM calls by provider and tier.",
			}, []string{"provider", "tier"}),
			cost: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereignd_llm_cost_micro_total",
				Help: "Cumulative LLM spend in micro-USD.",
			}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_llm_fallbacks_total",
				Help: "Provider fallbacks by trigger.",
			}, []string{"trigger"}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_llm_rejects_total",
				Help: "Pre-flight rejections by rule.",
			}, []string{"rule"}),
		}
		prometheus.MustRegister(routerReg.calls, routerReg.cost, routerReg.fallbacks, routerReg.rejects)
	})
	return routerReg
}

func (m *routerMetrics) RecordCall(provider, tier string, costMicro int64) {
	m.calls.WithLabelValues(labelOrUnknown(provider), labelOrUnknown(tier)).Inc()
	if costMicro > 0 {
		m.cost.Add(float64(costMicro))
	}
}

func (m *routerMetrics) RecordFallback(trigger string) {
	m.fallbacks.WithLabelValues(labelOrUnknown(trigger)).Inc()
}

func (m *routerMetrics) RecordReject(rule string) {
	m.rejects.WithLabelValues(labelOrUnknown(rule)).Inc()
}

// Vault returns the ledger collectors.
func Vault() *vaultMetrics {
	vaultOnce.Do(func() {
		vaultReg = &vaultMetrics{
			spends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_vault_spends_total",
				Help: "Admitted spends by category.",
			}, []string{"category"}),
			income: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereignd_vault_income_micro_total",
				Help: "Cumulative inbound funds in micro-units.",
			}),
			balance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "sovereignd_vault_balance_micro",
				Help: "Aggregate vault balance in micro-units.",
			}),
			deaths: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_vault_deaths_total",
				Help: "Mortality transitions by cause. At most one ever fires.",
			}, []string{"cause"}),
		}
		prometheus.MustRegister(vaultReg.spends, vaultReg.income, vaultReg.balance, vaultReg.deaths)
	})
	return vaultReg
}

func (m *vaultMetrics) RecordSpend(category string) {
	m.spends.WithLabelValues(labelOrUnknown(category)).Inc()
}

func (m *vaultMetrics) RecordIncome(amount *big.Int) {
	m.income.Add(bigToFloat(amount))
}

func (m *vaultMetrics) SetBalance(balance *big.Int) {
	m.balance.Set(bigToFloat(balance))
}

func (m *vaultMetrics) RecordDeath(cause string) {
	m.deaths.WithLabelValues(labelOrUnknown(cause)).Inc()
}

// Peers returns the sovereignty-verification collectors.
func Peers() *peerMetrics {
	peerOnce.Do(func() {
		peerReg = &peerMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_peer_verifications_total",
				Help: "Peer verifications by resulting trust tier.",
			}, []string{"tier"}),
			strikes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereignd_peer_strikes_total",
				Help: "Invalid key-origin strikes recorded.",
			}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sovereignd_peer_bans_total",
				Help: "Peers permanently banned.",
			}),
		}
		prometheus.MustRegister(peerReg.verifications, peerReg.strikes, peerReg.bans)
	})
	return peerReg
}

func (m *peerMetrics) RecordVerification(tier string) {
	m.verifications.WithLabelValues(labelOrUnknown(tier)).Inc()
}

func (m *peerMetrics) RecordStrike() { m.strikes.Inc() }
func (m *peerMetrics) RecordBan()    { m.bans.Inc() }

// Purchases returns the purchasing-engine collectors.
func Purchases() *purchaseMetrics {
	purchaseOnce.Do(func() {
		purchaseReg = &purchaseMetrics{
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "sovereignd_purchase_orders_total",
				Help: "Purchase orders by adapter and terminal outcome.",
			}, []string{"adapter", "outcome"}),
		}
		prometheus.MustRegister(purchaseReg.orders)
	})
	return purchaseReg
}

func (m *purchaseMetrics) RecordOrder(adapter, outcome string) {
	m.orders.WithLabelValues(labelOrUnknown(adapter), labelOrUnknown(outcome)).Inc()
}

func labelOrUnknown(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
