package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionsTotal.Inc()
	m.SessionsActive.Set(3)
	m.BytesRelayed.WithLabelValues("client-to-upstream").Add(128)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"socks5d_sessions_total",
		"socks5d_sessions_active",
		"socks5d_tcp_bytes_relayed_total",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestSessionErrorsByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionErrors.WithLabelValues("protocol_violation").Inc()
	m.SessionErrors.WithLabelValues("protocol_violation").Inc()
	m.SessionErrors.WithLabelValues("timeout").Inc()

	var metric dto.Metric
	if err := m.SessionErrors.WithLabelValues("protocol_violation").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("protocol_violation count = %v, want 2", got)
	}
}
