package service

import (
	"context"

	"optical_bench/internal/acquisition"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/eventlog"
	"optical_bench/internal/fanout"
	"optical_bench/internal/logger"
	"optical_bench/internal/metrics"
	"optical_bench/internal/models"
	"optical_bench/internal/sequencer"
	"optical_bench/internal/telemetry"
)

// Bench exposes instrument and experiment control.
type Bench interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetLaser(ctx context.Context, p LaserParams) error
	StartExperiment(ctx context.Context, kind models.ExperimentKind) error
	StopExperiment(ctx context.Context) error
	ExperimentParameters(kind models.ExperimentKind) ([]models.ExperimentParameter, error)
}

// Exposure drives the exposure sequencer. EmergencyStop never fails.
type Exposure interface {
	StartExposure(ctx context.Context, cmd models.ExposureCommand) error
	StopExposure(ctx context.Context, reason string) (bool, error)
	ResetExposure(ctx context.Context) error
	EmergencyStop(ctx context.Context, reason string)
}

// Streams hands out live telemetry and log subscriptions.
type Streams interface {
	SubscribeTelemetry(fn fanout.Handler[models.Sample]) fanout.Handle
	UnsubscribeTelemetry(h fanout.Handle) bool
	SubscribeLog(fn fanout.Handler[models.LogEntry]) fanout.Handle
	UnsubscribeLog(h fanout.Handle) bool
}

// Monitoring exposes read-only session state.
type Monitoring interface {
	GetState(ctx context.Context) (models.SessionSnapshot, error)
	History(ctx context.Context) ([]models.Sample, error)
}

// EventLog exposes the append-only log with filtering and cursors.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.LogEntry, error)
	Replay() *eventlog.Cursor
	Tail() *eventlog.Cursor
}

// Lifecycle runs the background work and releases the instrument on exit.
// Stop via context cancellation in main() for graceful shutdown.
type Lifecycle interface {
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// Service aggregates the sub-services the handlers depend on.
type Service struct {
	Bench
	Exposure
	Streams
	Monitoring
	EventLog
	Lifecycle
}

// Deps are the collaborators NewService wires together.
type Deps struct {
	Instrument  telemetry.Instrument
	Sink        *eventlog.Sink
	Acquisition acquisition.Config
	Sequencer   sequencer.Config
	Clock       benchclock.Clock
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// NewService builds the engine: one acquisition loop and one sequencer
// sharing the instrument, with the event log as their recorder.
func NewService(d Deps) *Service {
	bench := NewBenchService(d)
	return &Service{
		Bench:      bench,
		Exposure:   bench,
		Streams:    bench,
		Monitoring: NewMonitoringService(bench.loop),
		EventLog:   NewEventLogService(d.Sink),
		Lifecycle:  bench,
	}
}
