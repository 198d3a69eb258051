package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("users", "GET", 200, 42*time.Millisecond)
	m.ObserveRequest("users", "GET", 200, 10*time.Millisecond)
	m.ObserveRequest("users", "GET", 429, time.Millisecond)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("users", "GET", "200")); got != 2 {
		t.Errorf("200 count = %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("users", "GET", "429")); got != 1 {
		t.Errorf("429 count = %v", got)
	}
}

func TestAttributeTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AttributeTraffic("users", 100, 2000)
	m.AttributeTraffic("users", 50, 0)

	if got := testutil.ToFloat64(m.TrafficRequestB.WithLabelValues("users")); got != 150 {
		t.Errorf("request bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.TrafficResponseB.WithLabelValues("users")); got != 2000 {
		t.Errorf("response bytes = %v", got)
	}
}

func TestGaugeAndTimeouts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveWSSessions.Inc()
	m.ActiveWSSessions.Inc()
	m.ActiveWSSessions.Dec()
	if got := testutil.ToFloat64(m.ActiveWSSessions); got != 1 {
		t.Errorf("gauge = %v", got)
	}

	m.ProxyTimeouts.WithLabelValues("u", "request").Inc()
	if got := testutil.ToFloat64(m.ProxyTimeouts.WithLabelValues("u", "request")); got != 1 {
		t.Errorf("timeouts = %v", got)
	}
}
