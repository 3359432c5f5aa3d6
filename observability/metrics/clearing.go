package metrics

import (
	"math/big"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/publu/spacecommand/core/events"
	"github.com/publu/spacecommand/native/clearing"
)

// Clearing exposes Prometheus collectors for the clearinghouse daemon. It
// doubles as an events.Emitter so engine events are counted as they commit.
type Clearing struct {
	events        *prometheus.CounterVec
	lockedValue   prometheus.Gauge
	stableBalance prometheus.Gauge
	pendingFees   prometheus.Gauge
	totalShares   prometheus.Gauge
	vaults        prometheus.Gauge
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	keeperRuns    *prometheus.CounterVec
}

// NewClearing builds the collectors and registers them with reg. A nil reg
// falls back to the default registerer.
func NewClearing(reg prometheus.Registerer) *Clearing {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "spacecommand", Subsystem: "pool", Name: name, Help: help})
	}
	m := &Clearing{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spacecommand",
			Subsystem: "clearing",
			Name:      "events_total",
			Help:      "Committed clearinghouse events by type.",
		}, []string{"type"}),
		lockedValue:   gauge("locked_value", "Aggregate locked value in reference units."),
		stableBalance: gauge("stable_balance", "Reference asset held by the pool."),
		pendingFees:   gauge("fees_pending", "Protocol fees earned but not yet released."),
		totalShares:   gauge("shares_total", "Outstanding pool shares."),
		vaults:        gauge("vaults", "Registered vaults."),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spacecommand",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spacecommand",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spacecommand",
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Keeper sweeps by job and outcome.",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(m.events, m.lockedValue, m.stableBalance, m.pendingFees,
		m.totalShares, m.vaults, m.requests, m.latency, m.keeperRuns)
	return m
}

// Emit implements events.Emitter.
func (m *Clearing) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
}

// ObserveSnapshot updates the pool gauges.
func (m *Clearing) ObserveSnapshot(snap *clearing.PoolSnapshot) {
	if m == nil || snap == nil {
		return
	}
	m.lockedValue.Set(toFloat(snap.LockedValue))
	m.stableBalance.Set(toFloat(snap.StableBalance))
	m.pendingFees.Set(toFloat(snap.Treasury.EarnedPending))
	m.totalShares.Set(toFloat(snap.TotalShares))
	m.vaults.Set(float64(snap.VaultCount))
}

// ObserveRequest records one served HTTP request.
func (m *Clearing) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecordKeeperRun counts a keeper sweep.
func (m *Clearing) RecordKeeperRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.keeperRuns.WithLabelValues(job, outcome).Inc()
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
