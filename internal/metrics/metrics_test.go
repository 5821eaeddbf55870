package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SamplesTotal.Inc()
	m.Subscribers.WithLabelValues(StreamTelemetry).Set(1)
	m.ExposuresFinished.WithLabelValues("COMPLETED").Inc()
	m.LogEntriesTotal.WithLabelValues("COMMAND").Inc()

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected registered series")
	}
}

func TestStreamObserver_CountsPerStream(t *testing.T) {
	m := New(nil)
	tel := m.FanoutObserver(StreamTelemetry)
	lg := m.FanoutObserver(StreamLog)

	tel.Subscribed()
	tel.Subscribed()
	tel.Unsubscribed()
	tel.Failed()
	lg.Dropped()
	lg.Dropped()

	if got := testutil.ToFloat64(m.Subscribers.WithLabelValues(StreamTelemetry)); got != 1 {
		t.Fatalf("telemetry subscribers=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubscriberFailures.WithLabelValues(StreamTelemetry)); got != 1 {
		t.Fatalf("telemetry failures=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubscriberDropped.WithLabelValues(StreamLog)); got != 2 {
		t.Fatalf("log dropped=%v, want 2", got)
	}
}
