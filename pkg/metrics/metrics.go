// Package metrics exposes the desk's prometheus collectors on a private
// registry.
package metrics

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/glwdesk/pkg/ledger"
)

type Metrics struct {
	registry *prometheus.Registry

	// Order book
	OrdersListed    *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	BookDepth       *prometheus.GaugeVec

	// Settlement
	Transitions    *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	ActiveAttempts prometheus.Gauge
	Activities     *prometheus.CounterVec

	// External ledger
	LedgerCalls   *prometheus.CounterVec
	LedgerLatency *prometheus.HistogramVec

	// Presentation
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	WSClients    prometheus.Gauge
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		OrdersListed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_listed_total",
			Help:      "Orders listed on the board",
		}, []string{"side"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by their owner",
		}, []string{"side"}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Open orders by side",
		}, []string{"side"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_transitions_total",
			Help:      "Settlement state changes by target state",
		}, []string{"state"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_outcomes_total",
			Help:      "Settlement results: completed, or failed with a reason",
		}, []string{"outcome", "reason"}),
		ActiveAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlement_active_attempts",
			Help:      "Live settlement attempts",
		}),
		Activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Activities recorded by kind",
		}, []string{"kind"}),

		LedgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "External ledger calls by asset, operation and result",
		}, []string{"asset", "op", "result"}),
		LedgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "External ledger call latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"asset", "op"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
		}, []string{"method", "path"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),
	}

	m.registry.MustRegister(
		m.OrdersListed, m.OrdersCancelled, m.BookDepth,
		m.Transitions, m.Outcomes, m.ActiveAttempts, m.Activities,
		m.LedgerCalls, m.LedgerLatency,
		m.HTTPRequests, m.HTTPDuration, m.WSClients,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentLedger counts and times every call made through c.
func (m *Metrics) InstrumentLedger(asset string, c ledger.Client) ledger.Client {
	return &instrumented{next: c, asset: asset, m: m}
}

// InstrumentBinder instruments every client b hands out.
func (m *Metrics) InstrumentBinder(asset string, b ledger.Binder) ledger.Binder {
	return binder{next: b, asset: asset, m: m}
}

type binder struct {
	next  ledger.Binder
	asset string
	m     *Metrics
}

func (b binder) As(caller common.Address) ledger.Client {
	return b.m.InstrumentLedger(b.asset, b.next.As(caller))
}

type instrumented struct {
	next  ledger.Client
	asset string
	m     *Metrics
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case ledger.IsTimeout(err):
		result = "timeout"
	case ledger.IsRejected(err):
		result = "rejected"
	default:
		result = "error"
	}
	i.m.LedgerCalls.WithLabelValues(i.asset, op, result).Inc()
	i.m.LedgerLatency.WithLabelValues(i.asset, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	start := time.Now()
	v, err := i.next.BalanceOf(ctx, owner)
	i.observe("balanceOf", start, err)
	return v, err
}

func (i *instrumented) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	start := time.Now()
	v, err := i.next.AllowanceOf(ctx, owner, spender)
	i.observe("allowance", start, err)
	return v, err
}

func (i *instrumented) Approve(ctx context.Context, spender common.Address, amount *big.Int) (ledger.Receipt, error) {
	start := time.Now()
	r, err := i.next.Approve(ctx, spender, amount)
	i.observe("approve", start, err)
	return r, err
}

func (i *instrumented) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (ledger.Receipt, error) {
	start := time.Now()
	r, err := i.next.Transfer(ctx, from, to, amount)
	i.observe("transfer", start, err)
	return r, err
}
