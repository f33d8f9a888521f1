package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Refresh("ok")
	m.State("valid")
	m.Gate("GET", "ok")
	m.GateObserve("GET", 0.1)
	m.Frame("in", "ok")
	m.ChannelOpened()
	m.ChannelClosed()
}

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Refresh("ok")
	m.Refresh("ok")
	m.Refresh("rejected")
	m.ChannelOpened()

	if got := testutil.ToFloat64(m.RefreshAttempts.WithLabelValues("ok")); got != 2 {
		t.Fatalf("refresh ok=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.ChannelsOpen); got != 1 {
		t.Fatalf("channels open=%v want=1", got)
	}

	n, err := testutil.GatherAndCount(reg, "chatsession_session_refresh_attempts_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("series=%d want=2", n)
	}
}
