// Package acquisition polls the telemetry source on a fixed cadence, stamps
// samples on the monotonic clock and fans them out to subscribers. The loop
// is the single owner of the session state; consumers only get snapshots.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/fanout"
	"optical_bench/internal/logger"
	"optical_bench/internal/metrics"
	"optical_bench/internal/models"
	"optical_bench/internal/telemetry"

	"github.com/google/uuid"
)

// Recorder is the slice of the event log the loop writes to.
type Recorder interface {
	Record(kind models.LogKind, message string, payload any) models.LogEntry
}

// ExposureReader supplies the exposure part of the session snapshot.
type ExposureReader interface {
	Status() models.ExposureStatus
}

// FaultFunc is told about hardware faults. It runs on its own goroutine.
type FaultFunc func(err error)

// Config sets the acquisition cadence and buffers.
type Config struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	PollTimeout      time.Duration
	SubscriberBuffer int
	LogEvery         int // record every Nth sample in the event log; 0 disables
	HistorySize      int
}

// DefaultConfig polls at 10 Hz and goes stale after three missed intervals.
func DefaultConfig() Config {
	return Config{
		Interval:         100 * time.Millisecond,
		StaleAfter:       300 * time.Millisecond,
		PollTimeout:      100 * time.Millisecond,
		SubscriberBuffer: fanout.DefaultBuffer,
		LogEvery:         10,
		HistorySize:      100,
	}
}

type Option func(*Loop)

func WithClock(c benchclock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithLogger(lg *logger.Logger) Option {
	return func(l *Loop) { l.log = lg.Named("acquisition") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.rec = r }
}

func WithExposure(e ExposureReader) Option {
	return func(l *Loop) { l.exposure = e }
}

func WithFaultHandler(fn FaultFunc) Option {
	return func(l *Loop) { l.onFault = fn }
}

// Loop is the acquisition loop and session owner.
type Loop struct {
	cfg       Config
	src       telemetry.Source
	clock     benchclock.Clock
	rec       Recorder
	log       *logger.Logger
	metrics   *metrics.Metrics
	exposure  ExposureReader
	onFault   FaultFunc
	hub       *fanout.Hub[models.Sample]
	sessionID string
	base      time.Time

	mu         sync.RWMutex
	runGen     uint64
	status     models.AcquisitionStatus
	connection models.ConnectionStatus
	experiment models.ExperimentKind
	laserOn    bool
	last       *models.Sample
	history    []models.Sample
	seq        uint64
	lastMono   time.Duration
	lastGood   time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped, disconnected loop over src.
func New(cfg Config, src telemetry.Source, opts ...Option) *Loop {
	l := &Loop{
		cfg:        cfg,
		src:        src,
		sessionID:  uuid.NewString(),
		status:     models.AcquisitionStopped,
		connection: models.Disconnected,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = benchclock.Real{}
	}
	if l.log == nil {
		l.log = logger.Nop()
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil)
	}
	if l.rec == nil {
		l.rec = nopRecorder{}
	}
	l.base = l.clock.Now()
	l.hub = fanout.New[models.Sample](metrics.StreamTelemetry,
		fanout.WithBuffer(cfg.SubscriberBuffer),
		fanout.WithLogger(l.log),
		fanout.WithObserver(l.metrics.FanoutObserver(metrics.StreamTelemetry)),
		fanout.WithFailureHook(l.subscriberFailed),
	)
	return l
}

// SessionID identifies this process's session.
func (l *Loop) SessionID() string { return l.sessionID }

// Subscribe registers a telemetry handler. Handlers see samples in
// production order; a failing handler is isolated and logged.
func (l *Loop) Subscribe(fn fanout.Handler[models.Sample]) fanout.Handle {
	return l.hub.Subscribe(fn)
}

func (l *Loop) Unsubscribe(h fanout.Handle) bool {
	return l.hub.Unsubscribe(h)
}

// Start launches the polling goroutine for an experiment run.
func (l *Loop) Start(kind models.ExperimentKind) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.runningLocked() {
		return fmt.Errorf("%w: acquisition already running", bencherr.ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.runGen++
	gen := l.runGen
	l.status = models.AcquisitionRunning
	l.experiment = kind
	l.lastGood = l.clock.Now()
	l.mu.Unlock()

	l.cancel, l.done = cancel, done
	go l.run(ctx, gen, done)

	l.rec.Record(models.LogAcquisition, "acquisition started", map[string]any{"experiment": kind})
	l.log.Infow("acquisition_started", "experiment", kind, "interval", l.cfg.Interval)
	return nil
}

// Stop ends the polling goroutine and waits for it; the wait is bounded by
// the poll timeout. It reports whether a run was active.
func (l *Loop) Stop() bool {
	return l.stop(true, "acquisition stopped")
}

// Halt is Stop without waiting. It is safe to call from any goroutine and
// is what the emergency stop uses.
func (l *Loop) Halt() bool {
	return l.stop(false, "acquisition halted")
}

func (l *Loop) stop(wait bool, msg string) bool {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.cancel == nil {
		return false
	}
	active := l.runningLocked()
	l.cancel()
	if wait {
		<-l.done
	}
	l.cancel, l.done = nil, nil

	l.mu.Lock()
	l.runGen++
	l.status = models.AcquisitionStopped
	l.mu.Unlock()
	l.metrics.AcquisitionDegraded.Set(0)

	if active {
		l.rec.Record(models.LogAcquisition, msg, nil)
		l.log.Infow("acquisition_stopped", "wait", wait)
	}
	return active
}

// runningLocked reports whether the polling goroutine is alive. Caller holds runMu.
func (l *Loop) runningLocked() bool {
	if l.done == nil {
		return false
	}
	if l.Status() == models.AcquisitionStopped {
		// a faulted run is already returning
		<-l.done
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Close stops acquisition and closes every subscription.
func (l *Loop) Close() {
	l.Stop()
	l.hub.Close()
}

func (l *Loop) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(l.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !l.step(ctx, gen) {
				return
			}
		}
	}
}

// step performs one poll. It returns false when the run must end.
func (l *Loop) step(ctx context.Context, gen uint64) bool {
	start := time.Now()
	s, err := telemetry.PollWithTimeout(ctx, l.src, l.cfg.PollTimeout)
	l.metrics.PollLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		l.metrics.PollFailuresTotal.Inc()
		if errors.Is(err, bencherr.ErrHardwareFault) {
			l.fault(gen, err)
			return false
		}
		l.checkStale(gen, err)
		return true
	}
	l.accept(gen, s)
	return true
}

func (l *Loop) accept(gen uint64, s models.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.runGen {
		return
	}

	if l.status == models.AcquisitionDegraded {
		l.status = models.AcquisitionRunning
		l.metrics.AcquisitionDegraded.Set(0)
		l.rec.Record(models.LogAcquisition, "telemetry restored, fan-out re-armed", nil)
		l.log.Infow("acquisition_rearmed")
	}

	mono := l.clock.Since(l.base)
	if l.seq > 0 && mono <= l.lastMono {
		mono = l.lastMono + time.Nanosecond
	}
	l.seq++
	l.lastMono = mono
	l.lastGood = l.clock.Now()

	s.Seq = l.seq
	s.Monotonic = mono
	if s.CapturedAt.IsZero() {
		s.CapturedAt = l.base.Add(mono).UTC()
	}

	l.last = &s
	l.history = append(l.history, s)
	if n := l.cfg.HistorySize; n > 0 && len(l.history) > n {
		l.history = l.history[len(l.history)-n:]
	}

	// published under mu so a Halt/Start pair cannot interleave two runs
	l.hub.Publish(s)
	l.metrics.SamplesTotal.Inc()

	if l.cfg.LogEvery > 0 && s.Seq%uint64(l.cfg.LogEvery) == 0 {
		l.rec.Record(models.LogSample, fmt.Sprintf("intensity %.3f", s.IntensityAU), s)
	}
}

func (l *Loop) checkStale(gen uint64, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.runGen || l.status != models.AcquisitionRunning {
		return
	}
	silent := l.clock.Since(l.lastGood)
	if silent < l.cfg.StaleAfter {
		return
	}
	l.status = models.AcquisitionDegraded
	l.metrics.StaleTotal.Inc()
	l.metrics.AcquisitionDegraded.Set(1)

	err := fmt.Errorf("%w: no sample for %s: %v", bencherr.ErrStaleTelemetry, silent, cause)
	l.rec.Record(models.LogError, err.Error(), map[string]any{
		"code":      bencherr.Code(err),
		"silent_ms": silent.Milliseconds(),
	})
	l.log.Warnw("acquisition_stale", "silent", silent, "err", cause)
}

func (l *Loop) fault(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.runGen {
		l.mu.Unlock()
		return
	}
	l.runGen++
	l.status = models.AcquisitionStopped
	l.connection = models.Faulted
	l.laserOn = false
	l.rec.Record(models.LogError, err.Error(), map[string]any{"code": bencherr.Code(err)})
	l.mu.Unlock()

	l.metrics.AcquisitionDegraded.Set(0)
	l.log.Errorw("acquisition_hardware_fault", "err", err)
	if l.onFault != nil {
		go l.onFault(err)
	}
}

func (l *Loop) subscriberFailed(h fanout.Handle, err error) {
	l.rec.Record(models.LogError, err.Error(), map[string]any{
		"code":       bencherr.Code(err),
		"subscriber": uint64(h),
	})
}

// SetConnection records the instrument link state.
func (l *Loop) SetConnection(c models.ConnectionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connection = c
	if c != models.Connected {
		l.laserOn = false
	}
}

func (l *Loop) Connection() models.ConnectionStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connection
}

// SetLaser records the commanded laser output state.
func (l *Loop) SetLaser(on bool) {
	l.mu.Lock()
	l.laserOn = on
	l.mu.Unlock()
}

func (l *Loop) Status() models.AcquisitionStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Snapshot returns a read-only copy of the session.
func (l *Loop) Snapshot() models.SessionSnapshot {
	var exp models.ExposureStatus
	if l.exposure != nil {
		exp = l.exposure.Status()
	} else {
		exp.State = models.ExposureIdle
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := models.SessionSnapshot{
		SessionID:   l.sessionID,
		Connection:  l.connection,
		Acquisition: l.status,
		LaserOn:     l.laserOn,
		Exposure:    exp,
		UpdatedAt:   l.clock.Now().UTC(),
	}
	if l.status != models.AcquisitionStopped {
		snap.Experiment = l.experiment
	}
	if l.last != nil {
		s := *l.last
		snap.LastSample = &s
	}
	return snap
}

// History returns the most recent samples, oldest first.
func (l *Loop) History() []models.Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Sample, len(l.history))
	copy(out, l.history)
	return out
}

type nopRecorder struct{}

func (nopRecorder) Record(kind models.LogKind, message string, payload any) models.LogEntry {
	return models.LogEntry{Kind: kind, Message: message, Payload: payload}
}
