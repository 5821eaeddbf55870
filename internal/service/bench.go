package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optical_bench/internal/acquisition"
	"optical_bench/internal/bencherr"
	"optical_bench/internal/eventlog"
	"optical_bench/internal/fanout"
	"optical_bench/internal/logger"
	"optical_bench/internal/models"
	"optical_bench/internal/sequencer"
	"optical_bench/internal/telemetry"
)

const (
	// commandTimeout bounds every instrument call made on behalf of a command.
	commandTimeout = 5 * time.Second

	DefaultLaserPowerMW = 100.0
	DefaultExposureS    = 60.0
	DefaultTemperatureC = 23.0
	DefaultSampleRateHz = 10.0
)

var errInterrupted = errors.New("interrupted by emergency stop")

// BenchService is the command surface over one instrument. The acquisition
// loop owns session state; the sequencer owns exposure state.
type BenchService struct {
	inst telemetry.Instrument
	sink *eventlog.Sink
	loop *acquisition.Loop
	seq  *sequencer.Sequencer
	log  *logger.Logger

	mu     sync.Mutex    // serializes connect/disconnect
	connMu sync.Mutex    // orders estops with connection writes; never held across I/O
	estops atomic.Uint64 // bumped by every emergency stop
	maxPow float64
}

func NewBenchService(d Deps) *BenchService {
	b := &BenchService{
		inst:   d.Instrument,
		sink:   d.Sink,
		log:    d.Logger.Named("bench"),
		maxPow: d.Sequencer.MaxPowerMW,
	}
	b.seq = sequencer.New(d.Sequencer, laserFunc(b.actuate), d.Sink,
		sequencer.WithClock(d.Clock),
		sequencer.WithLogger(d.Logger),
		sequencer.WithMetrics(d.Metrics),
	)
	b.loop = acquisition.New(d.Acquisition, d.Instrument,
		acquisition.WithClock(d.Clock),
		acquisition.WithLogger(d.Logger),
		acquisition.WithMetrics(d.Metrics),
		acquisition.WithRecorder(d.Sink),
		acquisition.WithExposure(b.seq),
		acquisition.WithFaultHandler(b.handleFault),
	)
	return b
}

// laserFunc adapts a function to telemetry.LaserDriver.
type laserFunc func(ctx context.Context, on bool, powerMW float64) error

func (f laserFunc) SetLaser(ctx context.Context, on bool, powerMW float64) error {
	return f(ctx, on, powerMW)
}

// actuate drives the instrument and mirrors the laser state into the session.
// Off always lands in the session, even when the driver call fails.
func (b *BenchService) actuate(ctx context.Context, on bool, powerMW float64) error {
	err := b.inst.SetLaser(ctx, on, powerMW)
	switch {
	case !on:
		b.loop.SetLaser(false)
	case err == nil:
		b.loop.SetLaser(true)
	}
	return err
}

// Connect opens the instrument link. Connecting twice is a no-op.
func (b *BenchService) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loop.Connection() == models.Connected {
		return nil
	}
	mark := b.estops.Load()

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := b.inst.Connect(cctx); err != nil {
		b.sink.Record(models.LogError, "connect failed: "+err.Error(), map[string]any{"code": bencherr.Code(err)})
		return fmt.Errorf("connect: %w", err)
	}
	b.connMu.Lock()
	if b.estops.Load() != mark {
		b.connMu.Unlock()
		b.inst.Cease()
		return fmt.Errorf("connect: %w", errInterrupted)
	}
	b.loop.SetConnection(models.Connected)
	b.connMu.Unlock()

	b.sink.Record(models.LogConnection, "instrument connected", map[string]any{"session_id": b.loop.SessionID()})
	b.log.Infow("instrument_connected")
	return nil
}

// Disconnect aborts a running exposure, stops acquisition and closes the link.
func (b *BenchService) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loop.Connection() == models.Disconnected {
		return nil
	}
	b.seq.Abort("instrument disconnected")
	b.loop.Stop()

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	err := b.inst.Disconnect(cctx)
	b.loop.SetConnection(models.Disconnected)
	if err != nil {
		b.sink.Record(models.LogError, "disconnect failed: "+err.Error(), map[string]any{"code": bencherr.Code(err)})
		return fmt.Errorf("disconnect: %w", err)
	}
	b.sink.Record(models.LogConnection, "instrument disconnected", nil)
	b.log.Infow("instrument_disconnected")
	return nil
}

// SetLaser switches the laser manually. It is refused while an exposure owns
// the laser.
func (b *BenchService) SetLaser(ctx context.Context, p LaserParams) error {
	power := p.PowerMW
	if p.On {
		if power == 0 {
			power = DefaultLaserPowerMW
		}
		if !(power > 0 && power <= b.maxPow) {
			return fmt.Errorf("%w: power_mw must be in (0, %g], got %g", bencherr.ErrInvalidParameter, b.maxPow, power)
		}
	}
	if b.loop.Connection() != models.Connected {
		return bencherr.ErrNotConnected
	}
	if b.seq.State() == models.ExposureRunning {
		return fmt.Errorf("%w: exposure in progress controls the laser", bencherr.ErrAlreadyRunning)
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := b.actuate(cctx, p.On, power); err != nil {
		return fmt.Errorf("set laser: %w", err)
	}
	b.sink.Record(models.LogCommand, fmt.Sprintf("laser %s", onOff(p.On)), map[string]any{"on": p.On, "power_mw": power})
	return nil
}

// StartExperiment starts acquisition fan-out for an experiment run.
func (b *BenchService) StartExperiment(ctx context.Context, kind models.ExperimentKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown experiment kind %q", bencherr.ErrInvalidParameter, kind)
	}
	if b.loop.Connection() != models.Connected {
		return bencherr.ErrNotConnected
	}
	if err := b.loop.Start(kind); err != nil {
		return err
	}
	b.sink.Record(models.LogCommand, "start experiment "+string(kind), map[string]any{"experiment": kind})
	return nil
}

// StopExperiment stops acquisition. Stopping an idle bench is a no-op.
func (b *BenchService) StopExperiment(ctx context.Context) error {
	if b.loop.Stop() {
		b.sink.Record(models.LogCommand, "stop experiment", nil)
	}
	return nil
}

// ExperimentParameters returns the default parameter table. An empty kind
// is accepted.
func (b *BenchService) ExperimentParameters(kind models.ExperimentKind) ([]models.ExperimentParameter, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown experiment kind %q", bencherr.ErrInvalidParameter, kind)
	}
	return []models.ExperimentParameter{
		{Name: "laser_power", Value: DefaultLaserPowerMW, Unit: "mW"},
		{Name: "exposure_time", Value: DefaultExposureS, Unit: "s"},
		{Name: "temperature", Value: DefaultTemperatureC, Unit: "C"},
		{Name: "sample_rate", Value: DefaultSampleRateHz, Unit: "Hz"},
	}, nil
}

// StartExposure validates cmd, then requires a connected bench with fresh
// telemetry before handing off to the sequencer.
func (b *BenchService) StartExposure(ctx context.Context, cmd models.ExposureCommand) error {
	if err := b.seq.Validate(cmd); err != nil {
		return err
	}
	if b.loop.Connection() != models.Connected {
		return bencherr.ErrNotConnected
	}
	if b.loop.Status() == models.AcquisitionDegraded {
		return fmt.Errorf("%w: refusing to start exposure", bencherr.ErrStaleTelemetry)
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := b.seq.Start(cctx, cmd); err != nil {
		return err
	}
	b.sink.Record(models.LogCommand, "start exposure", cmd)
	return nil
}

// StopExposure aborts a running exposure. It reports whether one was running.
func (b *BenchService) StopExposure(ctx context.Context, reason string) (bool, error) {
	if reason == "" {
		reason = "operator stop"
	}
	stopped := b.seq.Abort(reason)
	if stopped {
		b.sink.Record(models.LogCommand, "stop exposure", map[string]any{"reason": reason})
	}
	return stopped, nil
}

func (b *BenchService) ResetExposure(ctx context.Context) error {
	return b.seq.Reset()
}

// EmergencyStop forces the exposure to ABORTED, tells the instrument to cease
// and halts acquisition. It never waits on a lock held across instrument I/O
// and never fails.
func (b *BenchService) EmergencyStop(ctx context.Context, reason string) {
	if reason == "" {
		reason = "emergency stop"
	}
	b.seq.EmergencyStop(reason)
	b.inst.Cease()
	b.loop.Halt()

	// a Connect that has not yet published CONNECTED sees the bump and backs off
	b.connMu.Lock()
	b.estops.Add(1)
	b.loop.SetConnection(models.Disconnected)
	b.connMu.Unlock()

	b.sink.Record(models.LogCommand, "emergency stop", map[string]any{"reason": reason})
	b.log.Warnw("emergency_stop", "reason", reason)
}

// handleFault forces the safe state after a hardware fault. The loop has
// already stopped and marked the connection FAULTED. If the link changed
// since (reconnect, disconnect or emergency stop) only the exposure is
// aborted.
func (b *BenchService) handleFault(err error) {
	b.seq.EmergencyStop("hardware fault")
	b.log.Errorw("hardware_fault", "err", err)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop.Connection() != models.Faulted {
		b.log.Infow("hardware_fault_superseded", "connection", b.loop.Connection())
		return
	}
	b.inst.Cease()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if derr := b.inst.Disconnect(ctx); derr != nil {
		b.log.Errorw("fault_disconnect_failed", "err", derr)
	}
}

func (b *BenchService) SubscribeTelemetry(fn fanout.Handler[models.Sample]) fanout.Handle {
	return b.loop.Subscribe(fn)
}

func (b *BenchService) UnsubscribeTelemetry(h fanout.Handle) bool {
	return b.loop.Unsubscribe(h)
}

func (b *BenchService) SubscribeLog(fn fanout.Handler[models.LogEntry]) fanout.Handle {
	return b.sink.Subscribe(fn)
}

func (b *BenchService) UnsubscribeLog(h fanout.Handle) bool {
	return b.sink.Unsubscribe(h)
}

// Run drives the sequencer timer until ctx is canceled.
func (b *BenchService) Run(ctx context.Context) {
	b.seq.Run(ctx)
}

// Shutdown aborts any exposure, stops acquisition and releases the instrument.
func (b *BenchService) Shutdown(ctx context.Context) error {
	b.seq.Abort("shutdown")
	b.loop.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loop.Connection() == models.Disconnected {
		return nil
	}
	err := b.inst.Disconnect(ctx)
	b.loop.SetConnection(models.Disconnected)
	b.sink.Record(models.LogConnection, "instrument released on shutdown", nil)
	return err
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
