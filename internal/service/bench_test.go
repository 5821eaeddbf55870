package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"optical_bench/internal/acquisition"
	"optical_bench/internal/bencherr"
	"optical_bench/internal/eventlog"
	"optical_bench/internal/logger"
	"optical_bench/internal/models"
	"optical_bench/internal/sequencer"

	"github.com/stretchr/testify/require"
)

// ---- Test doubles ----

type fakeInstrument struct {
	mu          sync.Mutex
	connected   bool
	ceased      bool
	laserOn     bool
	powerMW     float64
	hang        bool
	fault       bool
	connects    int
	disconnects int
	ceases      int
	onConnect   func()
}

func (f *fakeInstrument) Poll(ctx context.Context) (models.Sample, error) {
	f.mu.Lock()
	if f.fault {
		f.mu.Unlock()
		return models.Sample{}, bencherr.ErrHardwareFault
	}
	if !f.connected || f.ceased {
		f.mu.Unlock()
		return models.Sample{}, bencherr.ErrNotConnected
	}
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		return models.Sample{}, ctx.Err()
	}
	s := models.Sample{LaserPowerMW: f.powerMW, TemperatureC: 23, IntensityAU: f.powerMW / 100}
	f.mu.Unlock()
	return s, nil
}

func (f *fakeInstrument) SetLaser(_ context.Context, on bool, powerMW float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.ceased {
		return bencherr.ErrNotConnected
	}
	f.laserOn = on
	f.powerMW = 0
	if on {
		f.powerMW = powerMW
	}
	return nil
}

func (f *fakeInstrument) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.connected, f.ceased = true, false
	hook := f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeInstrument) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected, f.laserOn = false, false
	return nil
}

func (f *fakeInstrument) Cease() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ceases++
	f.ceased, f.laserOn = true, false
}

func (f *fakeInstrument) set(fn func(f *fakeInstrument)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeInstrument) isLaserOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.laserOn
}

func newTestService(t *testing.T) (*Service, *fakeInstrument, *eventlog.Sink) {
	t.Helper()
	inst := &fakeInstrument{}
	sink := eventlog.NewSink(nil, nil, logger.Nop(), nil, 256)

	seqCfg := sequencer.DefaultConfig()
	seqCfg.CheckInterval = 5 * time.Millisecond

	svc := NewService(Deps{
		Instrument: inst,
		Sink:       sink,
		Acquisition: acquisition.Config{
			Interval:         2 * time.Millisecond,
			StaleAfter:       20 * time.Millisecond,
			PollTimeout:      5 * time.Millisecond,
			SubscriberBuffer: 256,
			LogEvery:         10,
			HistorySize:      100,
		},
		Sequencer: seqCfg,
		Logger:    logger.Nop(),
	})
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		sink.Close()
	})
	return svc, inst, sink
}

func countKind(sink *eventlog.Sink, kind models.LogKind) int {
	return len(sink.List(eventlog.Filter{Kind: kind}))
}

func state(t *testing.T, svc *Service) models.SessionSnapshot {
	t.Helper()
	snap, err := svc.GetState(context.Background())
	require.NoError(t, err)
	return snap
}

// ---- Tests ----

func TestBench_CommandsRequireConnection(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 10, PowerMW: 50}), bencherr.ErrNotConnected)
	require.ErrorIs(t, svc.SetLaser(ctx, LaserParams{On: true}), bencherr.ErrNotConnected)
	require.ErrorIs(t, svc.StartExperiment(ctx, models.ExperimentCalibration), bencherr.ErrNotConnected)

	// parameter errors win over state errors
	require.ErrorIs(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 0, PowerMW: 50}), bencherr.ErrInvalidParameter)
	require.ErrorIs(t, svc.StartExperiment(ctx, "spectroscopy"), bencherr.ErrInvalidParameter)
	require.ErrorIs(t, svc.SetLaser(ctx, LaserParams{On: true, PowerMW: 500}), bencherr.ErrInvalidParameter)

	require.Equal(t, models.ExposureIdle, state(t, svc).Exposure.State)
}

func TestBench_ConnectIsIdempotent(t *testing.T) {
	svc, inst, sink := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.Connect(ctx))
	require.Equal(t, 1, inst.connects)
	require.Equal(t, models.Connected, state(t, svc).Connection)
	require.Equal(t, 1, countKind(sink, models.LogConnection))

	require.NoError(t, svc.Disconnect(ctx))
	require.NoError(t, svc.Disconnect(ctx))
	require.Equal(t, 1, inst.disconnects)
	require.Equal(t, models.Disconnected, state(t, svc).Connection)
}

func TestBench_ExposureDrivesLaser(t *testing.T) {
	svc, inst, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	cmd := models.ExposureCommand{DurationS: 30, PowerMW: 120}
	require.NoError(t, svc.StartExposure(ctx, cmd))
	require.True(t, inst.isLaserOn())

	snap := state(t, svc)
	require.True(t, snap.LaserOn)
	require.Equal(t, models.ExposureRunning, snap.Exposure.State)

	require.ErrorIs(t, svc.StartExposure(ctx, cmd), bencherr.ErrAlreadyRunning)
	require.ErrorIs(t, svc.SetLaser(ctx, LaserParams{On: false}), bencherr.ErrAlreadyRunning)

	stopped, err := svc.StopExposure(ctx, "")
	require.NoError(t, err)
	require.True(t, stopped)
	require.False(t, inst.isLaserOn())

	snap = state(t, svc)
	require.False(t, snap.LaserOn)
	require.Equal(t, models.ExposureAborted, snap.Exposure.State)
	require.Equal(t, "operator stop", snap.Exposure.AbortReason)

	stopped, _ = svc.StopExposure(ctx, "")
	require.False(t, stopped)

	require.NoError(t, svc.ResetExposure(ctx))
	require.Equal(t, models.ExposureIdle, state(t, svc).Exposure.State)
}

func TestBench_ManualLaser(t *testing.T) {
	svc, inst, sink := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	require.NoError(t, svc.SetLaser(ctx, LaserParams{On: true}))
	require.True(t, inst.isLaserOn())
	require.Equal(t, DefaultLaserPowerMW, inst.powerMW)
	require.True(t, state(t, svc).LaserOn)

	require.NoError(t, svc.SetLaser(ctx, LaserParams{On: false}))
	require.False(t, state(t, svc).LaserOn)
	require.Equal(t, 2, countKind(sink, models.LogCommand))
}

func TestBench_EmergencyStopFromIdle(t *testing.T) {
	svc, inst, sink := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	svc.EmergencyStop(ctx, "")

	snap := state(t, svc)
	require.Equal(t, models.ExposureAborted, snap.Exposure.State)
	require.Equal(t, models.Disconnected, snap.Connection)
	require.Equal(t, 1, inst.ceases)

	entries := sink.List(eventlog.Filter{Kind: models.LogCommand})
	require.NotEmpty(t, entries)
	require.Equal(t, "emergency stop", entries[len(entries)-1].Message)

	// repeated emergency stops stay in ABORTED
	svc.EmergencyStop(ctx, "again")
	require.Equal(t, models.ExposureAborted, state(t, svc).Exposure.State)
}

func TestBench_EmergencyStopDuringExposureAndAcquisition(t *testing.T) {
	svc, inst, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.StartExperiment(ctx, models.ExperimentPhotopolymerization))
	require.NoError(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 60, PowerMW: 100}))

	svc.EmergencyStop(ctx, "operator panic button")

	snap := state(t, svc)
	require.Equal(t, models.ExposureAborted, snap.Exposure.State)
	require.Equal(t, models.AcquisitionStopped, snap.Acquisition)
	require.Eventually(t, func() bool { return !inst.isLaserOn() }, time.Second, time.Millisecond)

	// reconnect and reset bring the bench back
	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.ResetExposure(ctx))
	require.NoError(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 1, PowerMW: 10}))
}

func TestBench_HardwareFaultForcesSafeState(t *testing.T) {
	svc, inst, sink := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.StartExperiment(ctx, models.ExperimentAbsorption))
	require.NoError(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 60, PowerMW: 100}))

	inst.set(func(f *fakeInstrument) { f.fault = true })

	require.Eventually(t, func() bool {
		snap := state(t, svc)
		return snap.Connection == models.Faulted && snap.Exposure.State == models.ExposureAborted
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return inst.disconnects == 1
	}, 5*time.Second, time.Millisecond)
	require.Positive(t, countKind(sink, models.LogError))
	require.Equal(t, models.AcquisitionStopped, state(t, svc).Acquisition)
}

func TestBench_EmergencyStopDuringConnectWins(t *testing.T) {
	svc, inst, _ := newTestService(t)
	ctx := context.Background()
	inst.set(func(f *fakeInstrument) {
		f.onConnect = func() { svc.EmergencyStop(ctx, "stop during connect") }
	})

	err := svc.Connect(ctx)
	require.ErrorIs(t, err, errInterrupted)

	snap := state(t, svc)
	require.Equal(t, models.Disconnected, snap.Connection)
	require.Equal(t, models.ExposureAborted, snap.Exposure.State)
	inst.mu.Lock()
	require.True(t, inst.ceased)
	inst.mu.Unlock()

	err = svc.StartExposure(ctx, models.ExposureCommand{DurationS: 5, PowerMW: 50})
	require.ErrorIs(t, err, bencherr.ErrNotConnected)

	// the next plain connect succeeds
	inst.set(func(f *fakeInstrument) { f.onConnect = nil })
	require.NoError(t, svc.Connect(ctx))
	require.Equal(t, models.Connected, state(t, svc).Connection)
}

func TestBench_SupersededFaultKeepsNewLink(t *testing.T) {
	svc, inst, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	bench := svc.Bench.(*BenchService)
	bench.handleFault(bencherr.ErrHardwareFault)

	snap := state(t, svc)
	require.Equal(t, models.Connected, snap.Connection)
	require.Equal(t, models.ExposureAborted, snap.Exposure.State)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	require.Zero(t, inst.disconnects)
	require.False(t, inst.ceased)
}

func TestBench_StaleTelemetryBlocksNewExposure(t *testing.T) {
	svc, inst, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.StartExperiment(ctx, models.ExperimentCalibration))
	require.Eventually(t, func() bool { return state(t, svc).LastSample != nil }, 5*time.Second, time.Millisecond)

	inst.set(func(f *fakeInstrument) { f.hang = true })
	require.Eventually(t, func() bool {
		return state(t, svc).Acquisition == models.AcquisitionDegraded
	}, 5*time.Second, time.Millisecond)

	err := svc.StartExposure(ctx, models.ExposureCommand{DurationS: 5, PowerMW: 50})
	require.ErrorIs(t, err, bencherr.ErrStaleTelemetry)

	inst.set(func(f *fakeInstrument) { f.hang = false })
	require.Eventually(t, func() bool {
		return state(t, svc).Acquisition == models.AcquisitionRunning
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, svc.StartExposure(ctx, models.ExposureCommand{DurationS: 5, PowerMW: 50}))
}

func TestBench_TelemetrySubscription(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seqs []uint64
	h := svc.SubscribeTelemetry(func(s models.Sample) error {
		mu.Lock()
		seqs = append(seqs, s.Seq)
		mu.Unlock()
		return nil
	})
	require.NotZero(t, h)

	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.StartExperiment(ctx, models.ExperimentCalibration))
	require.ErrorIs(t, svc.StartExperiment(ctx, models.ExperimentCalibration), bencherr.ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 20
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, svc.StopExperiment(ctx))
	require.True(t, svc.UnsubscribeTelemetry(h))

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		require.Equal(t, seqs[i-1]+1, seqs[i])
	}

	hist, err := svc.History(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
}

func TestBench_ExperimentParameters(t *testing.T) {
	svc, _, _ := newTestService(t)

	params, err := svc.ExperimentParameters(models.ExperimentCalibration)
	require.NoError(t, err)
	require.Len(t, params, 4)
	require.Equal(t, "laser_power", params[0].Name)
	require.Equal(t, 100.0, params[0].Value)

	_, err = svc.ExperimentParameters("unknown")
	require.ErrorIs(t, err, bencherr.ErrInvalidParameter)
}

func TestBench_LogSubscriptionSeesCommands(t *testing.T) {
	svc, _, _ := newTestService(t)

	got := make(chan models.LogEntry, 16)
	h := svc.SubscribeLog(func(e models.LogEntry) error {
		got <- e
		return nil
	})
	defer svc.UnsubscribeLog(h)

	require.NoError(t, svc.Connect(context.Background()))

	select {
	case e := <-got:
		require.Equal(t, models.LogConnection, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("no log entry delivered")
	}
}
