package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the order transaction service.
type Metrics struct {
	registry *prometheus.Registry

	sagaStarted   *prometheus.CounterVec
	sagaFinished  *prometheus.CounterVec
	sagaLatency   *prometheus.HistogramVec
	activeSagas   prometheus.Gauge
	stockConflict prometheus.Counter

	ordersCreated   prometheus.Counter
	ordersCancelled prometheus.Counter
	paymentDeclined prometheus.Counter

	auditWriteErrors prometheus.Counter
	auditPurged      prometheus.Counter
}

// New creates a metrics registry and registers saga/order metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started saga transactions.",
	}, []string{"saga"})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of finished saga transactions by outcome.",
	}, []string{"saga", "outcome"})

	sagaLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "End-to-end saga duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"saga"})

	activeSagas := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_active_transactions",
		Help: "Current number of in-flight saga transactions.",
	})

	stockConflict := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservation_conflicts_total",
		Help: "Total number of stock reservations lost to a concurrent saga.",
	})

	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of successfully created orders.",
	})

	ordersCancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders.",
	})

	paymentDeclined := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_declined_total",
		Help: "Total number of declined payment attempts.",
	})

	auditWriteErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_errors_total",
		Help: "Total number of failed audit log writes. Audit writes are best-effort and never fail the business transaction.",
	})

	auditPurged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_purged_total",
		Help: "Total number of audit entries removed by retention purge.",
	})

	registry.MustRegister(sagaStarted, sagaFinished, sagaLatency, activeSagas,
		stockConflict, ordersCreated, ordersCancelled, paymentDeclined,
		auditWriteErrors, auditPurged)

	return &Metrics{
		registry:         registry,
		sagaStarted:      sagaStarted,
		sagaFinished:     sagaFinished,
		sagaLatency:      sagaLatency,
		activeSagas:      activeSagas,
		stockConflict:    stockConflict,
		ordersCreated:    ordersCreated,
		ordersCancelled:  ordersCancelled,
		paymentDeclined:  paymentDeclined,
		auditWriteErrors: auditWriteErrors,
		auditPurged:      auditPurged,
	}
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSagaStarted(saga string) {
	if m == nil {
		return
	}
	m.sagaStarted.WithLabelValues(saga).Inc()
}

func (m *Metrics) ObserveSaga(saga, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(saga, outcome).Inc()
	m.sagaLatency.WithLabelValues(saga).Observe(d.Seconds())
}

func (m *Metrics) SetActiveSagas(n int) {
	if m == nil {
		return
	}
	m.activeSagas.Set(float64(n))
}

func (m *Metrics) IncStockConflict() {
	if m == nil {
		return
	}
	m.stockConflict.Inc()
}

func (m *Metrics) IncOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Metrics) IncOrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

func (m *Metrics) IncPaymentDeclined() {
	if m == nil {
		return
	}
	m.paymentDeclined.Inc()
}

func (m *Metrics) IncAuditWriteError() {
	if m == nil {
		return
	}
	m.auditWriteErrors.Inc()
}

func (m *Metrics) AddAuditPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.auditPurged.Add(float64(n))
}
