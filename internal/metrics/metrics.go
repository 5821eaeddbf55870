// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stream labels for fan-out metrics.
const (
	StreamTelemetry = "telemetry"
	StreamLog       = "log"
)

// Metrics groups the collectors of every engine component.
type Metrics struct {
	SamplesTotal        prometheus.Counter
	PollFailuresTotal   prometheus.Counter
	StaleTotal          prometheus.Counter
	AcquisitionDegraded prometheus.Gauge
	PollLatency         prometheus.Histogram

	Subscribers        *prometheus.GaugeVec
	SubscriberFailures *prometheus.CounterVec
	SubscriberDropped  *prometheus.CounterVec

	ExposuresStarted  prometheus.Counter
	ExposuresFinished *prometheus.CounterVec
	ExposureRunning   prometheus.Gauge

	LogEntriesTotal *prometheus.CounterVec
	LogPending      prometheus.Gauge
	LogFlushLatency prometheus.Histogram
	LogFlushErrors  prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bench_samples_total",
			Help: "Samples stamped and fanned out by the acquisition loop.",
		}),
		PollFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bench_poll_failures_total",
			Help: "Telemetry polls that returned an error or timed out.",
		}),
		StaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bench_stale_telemetry_total",
			Help: "Transitions into the degraded acquisition state.",
		}),
		AcquisitionDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bench_acquisition_degraded",
			Help: "1 while fan-out is suspended because telemetry is stale.",
		}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bench_poll_latency_seconds",
			Help:    "Latency of a single telemetry poll.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bench_subscribers",
			Help: "Current subscribers per stream.",
		}, []string{"stream"}),
		SubscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bench_subscriber_failures_total",
			Help: "Handler errors or panics isolated by the fan-out hub.",
		}, []string{"stream"}),
		SubscriberDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bench_subscriber_dropped_total",
			Help: "Values not delivered because a subscriber mailbox was full.",
		}, []string{"stream"}),
		ExposuresStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bench_exposures_started_total",
			Help: "Exposures accepted by the sequencer.",
		}),
		ExposuresFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bench_exposures_finished_total",
			Help: "Exposures that reached a terminal state.",
		}, []string{"state"}),
		ExposureRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bench_exposure_running",
			Help: "1 while an exposure is running.",
		}),
		LogEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bench_log_entries_total",
			Help: "Entries appended to the event log.",
		}, []string{"kind"}),
		LogPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bench_log_pending",
			Help: "Entries appended but not yet flushed.",
		}),
		LogFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bench_log_flush_latency_seconds",
			Help:    "Time spent in one flush to the persistence boundary.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		LogFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bench_log_flush_errors_total",
			Help: "Flushes that failed and were retried later.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SamplesTotal, m.PollFailuresTotal, m.StaleTotal, m.AcquisitionDegraded, m.PollLatency,
			m.Subscribers, m.SubscriberFailures, m.SubscriberDropped,
			m.ExposuresStarted, m.ExposuresFinished, m.ExposureRunning,
			m.LogEntriesTotal, m.LogPending, m.LogFlushLatency, m.LogFlushErrors,
		)
	}
	return m
}

// FanoutObserver adapts the per-stream collectors to the fan-out hub hooks.
func (m *Metrics) FanoutObserver(stream string) *StreamObserver {
	return &StreamObserver{m: m, stream: stream}
}

// StreamObserver records fan-out activity for one stream.
type StreamObserver struct {
	m      *Metrics
	stream string
}

func (o *StreamObserver) Subscribed()   { o.m.Subscribers.WithLabelValues(o.stream).Inc() }
func (o *StreamObserver) Unsubscribed() { o.m.Subscribers.WithLabelValues(o.stream).Dec() }
func (o *StreamObserver) Failed()       { o.m.SubscriberFailures.WithLabelValues(o.stream).Inc() }
func (o *StreamObserver) Dropped()      { o.m.SubscriberDropped.WithLabelValues(o.stream).Inc() }
