// Package sequencer runs timed laser exposures:
//
//	IDLE --Start--> RUNNING --elapsed>=duration--> COMPLETED
//	                RUNNING --Abort/EmergencyStop--> ABORTED
//	COMPLETED|ABORTED --Reset--> IDLE
//
// Every transition happens under one mutex, so concurrent commands and timer
// ticks resolve to a single well-defined order. Elapsed time always comes from
// the monotonic clock.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/logger"
	"optical_bench/internal/metrics"
	"optical_bench/internal/models"
	"optical_bench/internal/telemetry"
)

// Recorder is the slice of the event log the sequencer writes to.
type Recorder interface {
	Record(kind models.LogKind, message string, payload any) models.LogEntry
}

// Config bounds commands and sets the timer cadences.
type Config struct {
	MaxDuration      time.Duration
	MaxPowerMW       float64
	ProgressInterval time.Duration
	CheckInterval    time.Duration
	ActuationTimeout time.Duration
}

// DefaultConfig matches the bench hardware limits.
func DefaultConfig() Config {
	return Config{
		MaxDuration:      models.MaxExposureDuration,
		MaxPowerMW:       models.MaxLaserPowerMW,
		ProgressInterval: time.Second,
		CheckInterval:    100 * time.Millisecond,
		ActuationTimeout: 2 * time.Second,
	}
}

// ProgressFunc receives progress snapshots, at most one per ProgressInterval
// plus one on completion.
type ProgressFunc func(models.ExposureStatus)

type Option func(*Sequencer)

func WithClock(c benchclock.Clock) Option {
	return func(s *Sequencer) { s.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Sequencer) { s.log = l.Named("sequencer") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

func WithProgressHook(fn ProgressFunc) Option {
	return func(s *Sequencer) { s.onProgress = fn }
}

// Sequencer owns the single ExposureState of a session.
type Sequencer struct {
	cfg        Config
	clock      benchclock.Clock
	laser      telemetry.LaserDriver
	rec        Recorder
	log        *logger.Logger
	metrics    *metrics.Metrics
	onProgress ProgressFunc

	mu           sync.Mutex
	state        models.ExposureState
	cmd          *models.ExposureCommand
	startedAt    time.Time
	finalElapsed time.Duration
	lastProgress time.Time
	abortReason  string
	gen          uint64 // bumped on every exit from RUNNING

	actMu sync.Mutex // serializes laser actuation
}

// New returns an idle sequencer. laser and rec may be nil.
func New(cfg Config, laser telemetry.LaserDriver, rec Recorder, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:   cfg,
		laser: laser,
		rec:   rec,
		state: models.ExposureIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = benchclock.Real{}
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	return s
}

// Validate checks a command against the configured limits.
func (s *Sequencer) Validate(cmd models.ExposureCommand) error {
	maxS := s.cfg.MaxDuration.Seconds()
	if !(cmd.DurationS > 0 && cmd.DurationS <= maxS) {
		return fmt.Errorf("%w: duration_s must be in (0, %g], got %g", bencherr.ErrInvalidParameter, maxS, cmd.DurationS)
	}
	if !(cmd.PowerMW >= 0 && cmd.PowerMW <= s.cfg.MaxPowerMW) {
		return fmt.Errorf("%w: power_mw must be in [0, %g], got %g", bencherr.ErrInvalidParameter, s.cfg.MaxPowerMW, cmd.PowerMW)
	}
	return nil
}

// Start begins an exposure and switches the laser on at the requested power.
// It fails with ErrInvalidParameter before touching state, and with
// ErrAlreadyRunning unless the sequencer is IDLE.
func (s *Sequencer) Start(ctx context.Context, cmd models.ExposureCommand) error {
	if err := s.Validate(cmd); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != models.ExposureIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: exposure is %s", bencherr.ErrAlreadyRunning, st)
	}
	now := s.clock.Now()
	c := cmd
	s.state = models.ExposureRunning
	s.cmd = &c
	s.startedAt = now
	s.lastProgress = now
	s.finalElapsed = 0
	s.abortReason = ""
	gen := s.gen
	s.recordTransitionLocked(models.ExposureIdle, models.ExposureRunning, map[string]any{
		"duration_s": cmd.DurationS,
		"power_mw":   cmd.PowerMW,
	})
	s.metrics.ExposuresStarted.Inc()
	s.metrics.ExposureRunning.Set(1)
	s.mu.Unlock()

	if err := s.laserOn(ctx, gen, cmd.PowerMW); err != nil {
		s.abortIf(gen, "laser actuation failed: "+err.Error())
		return fmt.Errorf("laser on: %w", err)
	}
	return nil
}

// Abort ends a RUNNING exposure. It is a no-op in any other state and
// reports whether a transition happened.
func (s *Sequencer) Abort(reason string) bool {
	s.mu.Lock()
	if s.state != models.ExposureRunning {
		s.mu.Unlock()
		return false
	}
	s.abortLocked(reason, false)
	gen := s.gen
	s.mu.Unlock()

	s.laserOff(gen, "abort")
	return true
}

// EmergencyStop forces ABORTED from any state. It never fails and does not
// wait for in-flight actuation.
func (s *Sequencer) EmergencyStop(reason string) {
	s.mu.Lock()
	s.abortLocked(reason, true)
	gen := s.gen
	s.mu.Unlock()

	go s.laserOff(gen, "emergency stop")
}

// Reset returns a terminal exposure to IDLE. Resetting IDLE is a no-op;
// resetting RUNNING fails with ErrAlreadyRunning.
func (s *Sequencer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case models.ExposureRunning:
		return fmt.Errorf("%w: abort the running exposure before reset", bencherr.ErrAlreadyRunning)
	case models.ExposureIdle:
		return nil
	}
	prev := s.state
	s.state = models.ExposureIdle
	s.cmd = nil
	s.finalElapsed = 0
	s.abortReason = ""
	s.recordTransitionLocked(prev, models.ExposureIdle, nil)
	return nil
}

// State returns the current state.
func (s *Sequencer) State() models.ExposureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a read-only snapshot.
func (s *Sequencer) Status() models.ExposureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Tick completes a due exposure and emits progress when the progress interval
// has elapsed. Run calls it; tests may call it directly.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	if s.state != models.ExposureRunning {
		s.mu.Unlock()
		return
	}

	elapsed := s.clock.Since(s.startedAt)
	if elapsed >= s.cmd.Duration() {
		s.state = models.ExposureCompleted
		s.finalElapsed = elapsed
		s.gen++
		s.recordTransitionLocked(models.ExposureRunning, models.ExposureCompleted, map[string]any{
			"elapsed_s": elapsed.Seconds(),
		})
		s.metrics.ExposuresFinished.WithLabelValues(string(models.ExposureCompleted)).Inc()
		s.metrics.ExposureRunning.Set(0)
		gen := s.gen
		st := s.statusLocked()
		s.mu.Unlock()

		s.laserOff(gen, "completed")
		s.emit(st)
		return
	}

	if s.clock.Since(s.lastProgress) < s.cfg.ProgressInterval {
		s.mu.Unlock()
		return
	}
	s.lastProgress = s.clock.Now()
	st := s.statusLocked()
	s.rec.Record(models.LogProgress, fmt.Sprintf("exposure %.0f%%", st.Progress*100), map[string]any{
		"elapsed_s":   st.Elapsed.Seconds(),
		"remaining_s": st.Remaining.Seconds(),
		"progress":    st.Progress,
	})
	s.mu.Unlock()

	s.emit(st)
}

// Run calls Tick every CheckInterval until ctx is canceled.
func (s *Sequencer) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// abortLocked moves to ABORTED. Non-forced aborts require RUNNING.
func (s *Sequencer) abortLocked(reason string, forced bool) {
	prev := s.state
	if prev == models.ExposureRunning {
		s.finalElapsed = s.clock.Since(s.startedAt)
		s.metrics.ExposuresFinished.WithLabelValues(string(models.ExposureAborted)).Inc()
		s.metrics.ExposureRunning.Set(0)
	}
	s.state = models.ExposureAborted
	s.abortReason = reason
	s.gen++
	s.recordTransitionLocked(prev, models.ExposureAborted, map[string]any{
		"reason":    reason,
		"emergency": forced,
	})
}

// abortIf aborts only if the exposure started as generation gen is still running.
func (s *Sequencer) abortIf(gen uint64, reason string) {
	s.mu.Lock()
	if s.gen != gen || s.state != models.ExposureRunning {
		s.mu.Unlock()
		return
	}
	s.abortLocked(reason, false)
	gen = s.gen
	s.mu.Unlock()
	s.laserOff(gen, "actuation failure")
}

func (s *Sequencer) statusLocked() models.ExposureStatus {
	st := models.ExposureStatus{State: s.state, AbortReason: s.abortReason}
	if s.cmd == nil {
		return st
	}
	c := *s.cmd
	st.Command = &c

	dur := c.Duration()
	elapsed := s.finalElapsed
	if s.state == models.ExposureRunning {
		elapsed = s.clock.Since(s.startedAt)
	}
	elapsed = min(elapsed, dur)
	st.Elapsed = elapsed
	st.Remaining = dur - elapsed
	if dur > 0 {
		st.Progress = float64(elapsed) / float64(dur)
	}
	if s.state == models.ExposureCompleted {
		st.Progress = 1
		st.Remaining = 0
	}
	return st
}

func (s *Sequencer) recordTransitionLocked(from, to models.ExposureState, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = from
	payload["to"] = to
	s.rec.Record(models.LogStateTransition, fmt.Sprintf("exposure %s -> %s", from, to), payload)
	s.log.Infow("exposure_transition", "from", from, "to", to)
}

func (s *Sequencer) emit(st models.ExposureStatus) {
	if s.onProgress != nil {
		s.onProgress(st)
	}
}

// laserOn switches the laser on unless the exposure of generation gen has
// already left RUNNING.
func (s *Sequencer) laserOn(ctx context.Context, gen uint64, powerMW float64) error {
	if s.laser == nil {
		return nil
	}
	s.actMu.Lock()
	defer s.actMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen && s.state == models.ExposureRunning
	s.mu.Unlock()
	if !current {
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.ActuationTimeout)
	defer cancel()
	return s.laser.SetLaser(actx, true, powerMW)
}

// laserOff switches the laser off for the exposure that ended as generation
// gen. It is skipped once a newer exposure is RUNNING and owns the laser.
func (s *Sequencer) laserOff(gen uint64, why string) {
	if s.laser == nil {
		return
	}
	s.actMu.Lock()
	defer s.actMu.Unlock()

	s.mu.Lock()
	superseded := s.gen == gen && s.state == models.ExposureRunning
	s.mu.Unlock()
	if superseded {
		s.log.Debugw("laser_off_skipped", "why", why, "gen", gen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ActuationTimeout)
	defer cancel()
	if err := s.laser.SetLaser(ctx, false, 0); err != nil {
		s.log.Warnw("laser_off_failed", "why", why, "err", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) Record(kind models.LogKind, message string, payload any) models.LogEntry {
	return models.LogEntry{Kind: kind, Message: message, Payload: payload}
}
