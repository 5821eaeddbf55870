package handlers

import (
	"context"
	"sync"

	"optical_bench/internal/eventlog"
	"optical_bench/internal/fanout"
	"optical_bench/internal/models"
	"optical_bench/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockBench struct {
	connectErr    error
	disconnectErr error
	laserErr      error
	experimentErr error
	paramsErr     error

	connectCalled int
	lastLaser     service.LaserParams
	lastKind      models.ExperimentKind
}

func (m *mockBench) Connect(ctx context.Context) error {
	m.connectCalled++
	return m.connectErr
}
func (m *mockBench) Disconnect(ctx context.Context) error { return m.disconnectErr }
func (m *mockBench) SetLaser(ctx context.Context, p service.LaserParams) error {
	m.lastLaser = p
	return m.laserErr
}
func (m *mockBench) StartExperiment(ctx context.Context, kind models.ExperimentKind) error {
	m.lastKind = kind
	return m.experimentErr
}
func (m *mockBench) StopExperiment(ctx context.Context) error { return nil }
func (m *mockBench) ExperimentParameters(kind models.ExperimentKind) ([]models.ExperimentParameter, error) {
	if m.paramsErr != nil {
		return nil, m.paramsErr
	}
	return []models.ExperimentParameter{{Name: "laser_power", Value: 100, Unit: "mW"}}, nil
}

type mockExposure struct {
	startErr   error
	resetErr   error
	stopped    bool
	lastCmd    models.ExposureCommand
	lastReason string
	estops     int
}

func (m *mockExposure) StartExposure(ctx context.Context, cmd models.ExposureCommand) error {
	m.lastCmd = cmd
	return m.startErr
}
func (m *mockExposure) StopExposure(ctx context.Context, reason string) (bool, error) {
	m.lastReason = reason
	return m.stopped, nil
}
func (m *mockExposure) ResetExposure(ctx context.Context) error { return m.resetErr }
func (m *mockExposure) EmergencyStop(ctx context.Context, reason string) {
	m.estops++
	m.lastReason = reason
}

type mockMonitoring struct {
	state   models.SessionSnapshot
	history []models.Sample
	err     error
}

func (m *mockMonitoring) GetState(ctx context.Context) (models.SessionSnapshot, error) {
	return m.state, m.err
}
func (m *mockMonitoring) History(ctx context.Context) ([]models.Sample, error) {
	return m.history, m.err
}

type mockEventLog struct {
	sink *eventlog.Sink
	resp []models.LogEntry
	err  error
	last service.LogFilter
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.LogEntry, error) {
	m.last = f
	return m.resp, m.err
}
func (m *mockEventLog) Replay() *eventlog.Cursor { return m.sink.Replay() }
func (m *mockEventLog) Tail() *eventlog.Cursor   { return m.sink.Tail() }

// mockStreams hands the registered telemetry handler back to the test.
type mockStreams struct {
	mu        sync.Mutex
	telemetry fanout.Handler[models.Sample]
	unsubs    int
}

func (m *mockStreams) SubscribeTelemetry(fn fanout.Handler[models.Sample]) fanout.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = fn
	return 1
}
func (m *mockStreams) UnsubscribeTelemetry(h fanout.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs++
	return true
}
func (m *mockStreams) SubscribeLog(fn fanout.Handler[models.LogEntry]) fanout.Handle { return 1 }
func (m *mockStreams) UnsubscribeLog(h fanout.Handle) bool                           { return true }

func (m *mockStreams) handler() fanout.Handler[models.Sample] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.telemetry
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}
