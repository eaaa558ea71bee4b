package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetConnectionState(2)
	m.ReconnectAttempt()
	m.FrameReceived("event")
	m.EventRouted("new-message")
	m.EventDropped("invalid")
	m.ClientEvent("sent")
	m.StatusUpdate("applied")
	m.Proposal("accepted")
	m.Notification("poll", "presented")
	m.Poll("ok", 0.1)
	m.WatchdogExpired("awaiting")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnectionState(2)
	m.ReconnectAttempt()
	m.ReconnectAttempt()
	m.StatusUpdate("applied")
	m.StatusUpdate("stale")
	m.StatusUpdate("applied")

	if got := testutil.ToFloat64(m.connectionState); got != 2 {
		t.Errorf("connection_state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.reconnectAttempts); got != 2 {
		t.Errorf("reconnect_attempts_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.statusTransitions.WithLabelValues("applied")); got != 2 {
		t.Errorf("order_status_updates_total{applied} = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}
