// Package telemetry defines the instrument capability interfaces and the
// simulated optical bench that stands in for real hardware.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/models"
)

// Source produces one sample per call. Implementations must honour ctx;
// PollWithTimeout guards against those that do not.
type Source interface {
	Poll(ctx context.Context) (models.Sample, error)
}

// LaserDriver switches the laser output. powerMW is ignored when on is false.
type LaserDriver interface {
	SetLaser(ctx context.Context, on bool, powerMW float64) error
}

// Instrument is the full capability set a hardware driver provides.
type Instrument interface {
	Source
	LaserDriver
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Cease drops the laser and stops sample production. It must not block
	// and cannot fail; it backs the emergency stop.
	Cease()
}

type pollResult struct {
	s   models.Sample
	err error
}

// PollWithTimeout polls src with a deadline. A driver that hangs past the
// deadline yields ErrStaleTelemetry; its goroutine is abandoned and its late
// result discarded.
func PollWithTimeout(ctx context.Context, src Source, timeout time.Duration) (models.Sample, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := make(chan pollResult, 1)
	go func() {
		s, err := src.Poll(pctx)
		res <- pollResult{s: s, err: err}
	}()

	select {
	case r := <-res:
		return r.s, r.err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return models.Sample{}, ctx.Err()
		}
		return models.Sample{}, fmt.Errorf("%w: poll exceeded %s", bencherr.ErrStaleTelemetry, timeout)
	}
}
