// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pipeline records into. A single
// instance is created at startup and shared.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	AuthFailures       *prometheus.CounterVec
	RateLimitExceeded  *prometheus.CounterVec
	RateLimitErrors    prometheus.Counter
	ProxyTimeouts      *prometheus.CounterVec
	ProxyFailures      *prometheus.CounterVec
	ActiveWSSessions   prometheus.Gauge
	WSMessagesRelayed  *prometheus.CounterVec
	TrafficRequestB    *prometheus.CounterVec
	TrafficResponseB   *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Proxied requests by service and status code.",
		}, []string{"service", "method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Authentication and authorization rejections by kind.",
		}, []string{"service", "kind"}),
		RateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_exceeded_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"service", "type"}),
		RateLimitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_store_errors_total",
			Help: "Rate limit store failures that degraded to allow.",
		}),
		ProxyTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_timeout_total",
			Help: "Upstream request timeouts by host and phase.",
		}, []string{"service", "phase"}),
		ProxyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_failures_total",
			Help: "Upstream connection failures by classification.",
		}, []string{"service", "class"}),
		ActiveWSSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_websocket_sessions",
			Help: "Active WebSocket proxy sessions.",
		}),
		WSMessagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_websocket_messages_total",
			Help: "Relayed WebSocket messages by direction.",
		}, []string{"service", "direction"}),
		TrafficRequestB: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_traffic_request_bytes_total",
			Help: "Request bytes attributed per service.",
		}, []string{"service"}),
		TrafficResponseB: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_traffic_response_bytes_total",
			Help: "Response bytes attributed per service.",
		}, []string{"service"}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(service, method string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// AttributeTraffic records byte counts for a successfully proxied exchange.
func (m *Metrics) AttributeTraffic(service string, requestBytes, responseBytes int64) {
	if requestBytes > 0 {
		m.TrafficRequestB.WithLabelValues(service).Add(float64(requestBytes))
	}
	if responseBytes > 0 {
		m.TrafficResponseB.WithLabelValues(service).Add(float64(responseBytes))
	}
}
