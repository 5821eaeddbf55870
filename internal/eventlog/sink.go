// Package eventlog is the append-only, ordered record of bench activity.
// Entries live in memory for the whole process lifetime and are handed to a
// Flusher, the boundary to external persistence, on a fixed cadence.
package eventlog

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"optical_bench/internal/benchclock"
	"optical_bench/internal/fanout"
	"optical_bench/internal/logger"
	"optical_bench/internal/metrics"
	"optical_bench/internal/models"

	"github.com/google/uuid"
)

const finalFlushTimeout = 5 * time.Second

// Flusher persists a batch of entries. A nil error means every entry in the
// batch is durable; on error none of them may be considered durable.
type Flusher interface {
	Flush(ctx context.Context, entries []models.LogEntry) error
}

// Discard is the Flusher used when no journal is configured.
type Discard struct{}

func (Discard) Flush(context.Context, []models.LogEntry) error { return nil }

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kind     models.LogKind
	SinceSeq uint64 // exclusive
	From     time.Time
	To       time.Time
	Limit    int
}

// Sink is the event log.
type Sink struct {
	clock   benchclock.Clock
	base    time.Time
	flusher Flusher
	log     *logger.Logger
	metrics *metrics.Metrics
	hub     *fanout.Hub[models.LogEntry]

	mu      sync.Mutex
	entries []models.LogEntry
	last    time.Time
	notify  chan struct{}
	flushed int

	flushMu sync.Mutex
}

// NewSink creates an empty log. buffer sizes each live subscriber's mailbox.
func NewSink(clock benchclock.Clock, flusher Flusher, log *logger.Logger, m *metrics.Metrics, buffer int) *Sink {
	if clock == nil {
		clock = benchclock.Real{}
	}
	if flusher == nil {
		flusher = Discard{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.Named("eventlog")
	return &Sink{
		clock:   clock,
		base:    clock.Now(),
		flusher: flusher,
		log:     log,
		metrics: m,
		hub: fanout.New[models.LogEntry](metrics.StreamLog,
			fanout.WithBuffer(buffer),
			fanout.WithLogger(log),
			fanout.WithObserver(m.FanoutObserver(metrics.StreamLog)),
		),
		notify: make(chan struct{}),
	}
}

// Record appends a new entry and returns it. Timestamps are derived from the
// monotonic clock and are strictly increasing.
func (s *Sink) Record(kind models.LogKind, message string, payload any) models.LogEntry {
	mono := s.clock.Since(s.base)
	ts := s.base.Add(mono).UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
		mono = ts.Sub(s.base.UTC())
	}
	s.last = ts

	e := models.LogEntry{
		Seq:       uint64(len(s.entries)) + 1,
		ID:        uuid.NewString(),
		Timestamp: ts,
		Monotonic: mono,
		Kind:      kind,
		Message:   message,
		Payload:   payload,
	}
	s.entries = append(s.entries, e)

	close(s.notify)
	s.notify = make(chan struct{})

	// published under mu so live subscribers see Seq order
	s.hub.Publish(e)

	s.metrics.LogEntriesTotal.WithLabelValues(string(kind)).Inc()
	s.metrics.LogPending.Set(float64(len(s.entries) - s.flushed))
	return e
}

// Subscribe registers a live handler for entries recorded from now on.
func (s *Sink) Subscribe(fn fanout.Handler[models.LogEntry]) fanout.Handle {
	return s.hub.Subscribe(fn)
}

func (s *Sink) Unsubscribe(h fanout.Handle) bool {
	return s.hub.Unsubscribe(h)
}

// Len returns the number of recorded entries.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Durable returns the Seq of the last entry accepted by the Flusher.
func (s *Sink) Durable() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.flushed)
}

// Flush hands every pending entry to the Flusher.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	pending := make([]models.LogEntry, len(s.entries)-s.flushed)
	copy(pending, s.entries[s.flushed:])
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	if err := s.flusher.Flush(ctx, pending); err != nil {
		s.metrics.LogFlushErrors.Inc()
		return fmt.Errorf("flush %d entries: %w", len(pending), err)
	}
	s.metrics.LogFlushLatency.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	s.flushed += len(pending)
	s.metrics.LogPending.Set(float64(len(s.entries) - s.flushed))
	s.mu.Unlock()
	return nil
}

// Run flushes every interval until ctx is canceled, then flushes once more.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := s.Flush(fctx); err != nil {
				s.log.Errorw("eventlog_final_flush_failed", "err", err)
			}
			cancel()
			return
		case <-t.C:
			fctx, cancel := context.WithTimeout(ctx, interval)
			if err := s.Flush(fctx); err != nil {
				s.log.Warnw("eventlog_flush_failed", "err", err, "pending", s.Len()-int(s.Durable()))
			}
			cancel()
		}
	}
}

// Close stops live delivery. Recorded entries remain readable.
func (s *Sink) Close() {
	s.hub.Close()
}

// List returns entries matching f in Seq order.
func (s *Sink) List(f Filter) []models.LogEntry {
	kind := models.LogKind(strings.ToUpper(strings.TrimSpace(string(f.Kind))))

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.LogEntry, 0, 64)
	start := int(min(f.SinceSeq, uint64(len(s.entries))))
	for _, e := range s.entries[start:] {
		if kind != "" && e.Kind != kind {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Entries lazily yields entries with Seq > after, up to the last one recorded
// when iteration reaches it. Each call starts a fresh pass.
func (s *Sink) Entries(after uint64) iter.Seq[models.LogEntry] {
	return func(yield func(models.LogEntry) bool) {
		for next := after; ; next++ {
			s.mu.Lock()
			if next >= uint64(len(s.entries)) {
				s.mu.Unlock()
				return
			}
			e := s.entries[next]
			s.mu.Unlock()
			if !yield(e) {
				return
			}
		}
	}
}
