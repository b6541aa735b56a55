package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianpay/corewatch"
)

// PrometheusMetrics implements Metrics on top of a dedicated registry, so a
// process embedding this core doesn't have its metrics mixed into the
// global default registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	rpcCallDuration   *prometheus.HistogramVec
	paymentsDetected  *prometheus.CounterVec
	paymentsConfirmed *prometheus.CounterVec
	paymentsExpired   *prometheus.CounterVec
	paymentsFailed    *prometheus.CounterVec
	cursorHeight      *prometheus.GaugeVec
	eventStreamDegraded *prometheus.GaugeVec
}

// NewPrometheusMetrics builds a PrometheusMetrics with its own registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		registry: registry,
		rpcCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corewatch",
			Name:      "rpc_call_duration_seconds",
			Help:      "Duration of Chain RPC Client calls by chain, method, and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method", "outcome"}),
		paymentsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corewatch",
			Name:      "payments_detected_total",
			Help:      "Payments transitioned from pending to detected, by chain.",
		}, []string{"chain"}),
		paymentsConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corewatch",
			Name:      "payments_confirmed_total",
			Help:      "Payments transitioned from detected to confirmed, by chain.",
		}, []string{"chain"}),
		paymentsExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corewatch",
			Name:      "payments_expired_total",
			Help:      "Payments transitioned from pending to expired, by chain.",
		}, []string{"chain"}),
		paymentsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corewatch",
			Name:      "payments_failed_total",
			Help:      "Confirmed payments whose transaction was later reorged out, by chain.",
		}, []string{"chain"}),
		cursorHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corewatch",
			Name:      "cursor_height",
			Help:      "Highest block height fully processed, by chain.",
		}, []string{"chain"}),
		eventStreamDegraded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corewatch",
			Name:      "event_stream_degraded",
			Help:      "1 if the event-stream subscriber has exhausted its reconnect budget, by chain.",
		}, []string{"chain"}),
	}
}

func (m *PrometheusMetrics) ObserveRPCCall(chain corewatch.Chain, method string, duration time.Duration, outcome string) {
	m.rpcCallDuration.WithLabelValues(string(chain), method, outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordPaymentDetected(chain corewatch.Chain) {
	m.paymentsDetected.WithLabelValues(string(chain)).Inc()
}

func (m *PrometheusMetrics) RecordPaymentConfirmed(chain corewatch.Chain) {
	m.paymentsConfirmed.WithLabelValues(string(chain)).Inc()
}

func (m *PrometheusMetrics) RecordPaymentExpired(chain corewatch.Chain) {
	m.paymentsExpired.WithLabelValues(string(chain)).Inc()
}

func (m *PrometheusMetrics) RecordPaymentFailed(chain corewatch.Chain) {
	m.paymentsFailed.WithLabelValues(string(chain)).Inc()
}

func (m *PrometheusMetrics) SetCursorHeight(chain corewatch.Chain, height int64) {
	m.cursorHeight.WithLabelValues(string(chain)).Set(float64(height))
}

func (m *PrometheusMetrics) SetEventStreamDegraded(chain corewatch.Chain, degraded bool) {
	value := 0.0
	if degraded {
		value = 1.0
	}
	m.eventStreamDegraded.WithLabelValues(string(chain)).Set(value)
}

func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ Metrics = (*PrometheusMetrics)(nil)
