package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/models"

	"github.com/stretchr/testify/require"
)

// ---- Test doubles ----

type scriptedSource struct {
	mu    sync.Mutex
	n     int
	hang  bool
	fault bool
}

func (s *scriptedSource) Poll(ctx context.Context) (models.Sample, error) {
	s.mu.Lock()
	hang, fault := s.hang, s.fault
	s.n++
	n := s.n
	s.mu.Unlock()

	if fault {
		return models.Sample{}, bencherr.ErrHardwareFault
	}
	if hang {
		<-ctx.Done()
		return models.Sample{}, ctx.Err()
	}
	return models.Sample{LaserPowerMW: float64(n), TemperatureC: 23, IntensityAU: float64(n) / 100}, nil
}

func (s *scriptedSource) set(hang, fault bool) {
	s.mu.Lock()
	s.hang, s.fault = hang, fault
	s.mu.Unlock()
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (r *fakeRecorder) Record(kind models.LogKind, msg string, payload any) models.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := models.LogEntry{Seq: uint64(len(r.entries)) + 1, Kind: kind, Message: msg, Payload: payload}
	r.entries = append(r.entries, e)
	return e
}

func (r *fakeRecorder) count(kind models.LogKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type collector struct {
	mu      sync.Mutex
	samples []models.Sample
}

func (c *collector) handle(s models.Sample) error {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *collector) snapshot() []models.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Sample(nil), c.samples...)
}

func fastConfig() Config {
	return Config{
		Interval:         time.Millisecond,
		StaleAfter:       20 * time.Millisecond,
		PollTimeout:      5 * time.Millisecond,
		SubscriberBuffer: 4096,
		LogEvery:         10,
		HistorySize:      100,
	}
}

func newTestLoop(t *testing.T, src *scriptedSource, opts ...Option) (*Loop, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	l := New(fastConfig(), src, append([]Option{WithRecorder(rec)}, opts...)...)
	t.Cleanup(l.Close)
	return l, rec
}

// ---- Tests ----

func TestLoop_DeliversSamplesInOrder(t *testing.T) {
	l, _ := newTestLoop(t, &scriptedSource{})
	c := &collector{}
	require.NotZero(t, l.Subscribe(c.handle))

	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.Eventually(t, func() bool { return c.len() >= 1000 }, 20*time.Second, 5*time.Millisecond)
	require.True(t, l.Stop())

	got := c.snapshot()
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].Seq+1, got[i].Seq, "gap or reorder at %d", i)
		require.Greater(t, got[i].Monotonic, got[i-1].Monotonic)
		require.Greater(t, got[i].LaserPowerMW, got[i-1].LaserPowerMW)
	}
}

func TestLoop_FailingSubscriberIsIsolated(t *testing.T) {
	l, rec := newTestLoop(t, &scriptedSource{})

	var failures atomic.Int64
	l.Subscribe(func(models.Sample) error {
		failures.Add(1)
		return errors.New("sink unavailable")
	})
	l.Subscribe(func(models.Sample) error { panic("boom") })
	healthy := &collector{}
	l.Subscribe(healthy.handle)

	require.NoError(t, l.Start(models.ExperimentAbsorption))
	require.Eventually(t, func() bool { return healthy.len() >= 200 }, 10*time.Second, 5*time.Millisecond)
	l.Stop()

	require.Positive(t, failures.Load())
	require.Positive(t, rec.count(models.LogError))
	require.Equal(t, models.AcquisitionStopped, l.Status())
}

func TestLoop_FrozenClockStillStrictlyMonotonic(t *testing.T) {
	clock := benchclock.NewManual(time.Date(2025, 10, 26, 2, 30, 0, 0, time.UTC))
	l, _ := newTestLoop(t, &scriptedSource{}, WithClock(clock))
	c := &collector{}
	l.Subscribe(c.handle)

	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.Eventually(t, func() bool { return c.len() >= 50 }, 5*time.Second, time.Millisecond)
	l.Stop()

	got := c.snapshot()
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].Monotonic, got[i-1].Monotonic)
	}
}

func TestLoop_StaleTelemetryDegradesAndRearms(t *testing.T) {
	src := &scriptedSource{}
	l, rec := newTestLoop(t, src)
	c := &collector{}
	l.Subscribe(c.handle)

	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.Eventually(t, func() bool { return c.len() > 0 }, 5*time.Second, time.Millisecond)

	src.set(true, false)
	require.Eventually(t, func() bool { return l.Status() == models.AcquisitionDegraded }, 5*time.Second, time.Millisecond)
	require.Equal(t, 1, rec.count(models.LogError))

	// nothing is delivered while degraded
	before := c.len()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, c.len(), before+1)

	src.set(false, false)
	require.Eventually(t, func() bool { return l.Status() == models.AcquisitionRunning }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.len() > before+5 }, 5*time.Second, time.Millisecond)

	got := c.snapshot()
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
}

func TestLoop_HardwareFaultStopsAndReports(t *testing.T) {
	src := &scriptedSource{}
	faults := make(chan error, 1)
	l, rec := newTestLoop(t, src, WithFaultHandler(func(err error) { faults <- err }))
	l.SetConnection(models.Connected)
	l.SetLaser(true)

	require.NoError(t, l.Start(models.ExperimentPhotopolymerization))
	src.set(false, true)

	select {
	case err := <-faults:
		require.ErrorIs(t, err, bencherr.ErrHardwareFault)
	case <-time.After(5 * time.Second):
		t.Fatal("fault handler not called")
	}

	snap := l.Snapshot()
	require.Equal(t, models.AcquisitionStopped, snap.Acquisition)
	require.Equal(t, models.Faulted, snap.Connection)
	require.False(t, snap.LaserOn)
	require.Positive(t, rec.count(models.LogError))

	// a new run can start once the fault is cleared
	src.set(false, false)
	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.Eventually(t, func() bool { return l.Snapshot().LastSample != nil }, 5*time.Second, time.Millisecond)
}

func TestLoop_StartTwiceIsRejected(t *testing.T) {
	l, _ := newTestLoop(t, &scriptedSource{})
	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.ErrorIs(t, l.Start(models.ExperimentCalibration), bencherr.ErrAlreadyRunning)

	require.True(t, l.Stop())
	require.False(t, l.Stop())
	require.NoError(t, l.Start(models.ExperimentAbsorption))
	require.True(t, l.Halt())
	require.False(t, l.Halt())
}

func TestLoop_HistoryAndPeriodicSampleLog(t *testing.T) {
	l, rec := newTestLoop(t, &scriptedSource{})
	c := &collector{}
	l.Subscribe(c.handle)

	require.NoError(t, l.Start(models.ExperimentCalibration))
	require.Eventually(t, func() bool { return c.len() >= 250 }, 10*time.Second, time.Millisecond)
	l.Stop()

	hist := l.History()
	require.Len(t, hist, 100)
	for i := 1; i < len(hist); i++ {
		require.Equal(t, hist[i-1].Seq+1, hist[i].Seq)
	}

	total := int(hist[len(hist)-1].Seq)
	require.Equal(t, total/10, rec.count(models.LogSample))
}

func TestLoop_SnapshotIsACopy(t *testing.T) {
	l, _ := newTestLoop(t, &scriptedSource{})
	l.SetConnection(models.Connected)
	require.NoError(t, l.Start(models.ExperimentAbsorption))
	require.Eventually(t, func() bool { return l.Snapshot().LastSample != nil }, 5*time.Second, time.Millisecond)

	snap := l.Snapshot()
	require.Equal(t, models.ExperimentAbsorption, snap.Experiment)
	require.Equal(t, models.ExposureIdle, snap.Exposure.State)
	require.NotEmpty(t, snap.SessionID)

	snap.LastSample.IntensityAU = -1
	l.Stop()
	require.NotEqual(t, -1.0, l.Snapshot().LastSample.IntensityAU)
	require.Empty(t, l.Snapshot().Experiment)
}
