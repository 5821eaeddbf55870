// Package bencherr defines the error taxonomy of the bench engine.
package bencherr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidParameter rejects bad command arguments before any state change.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrAlreadyRunning rejects a command that conflicts with the current state.
	ErrAlreadyRunning = errors.New("already running")
	// ErrStaleTelemetry means no sample arrived within the stale window.
	ErrStaleTelemetry = errors.New("stale telemetry")
	// ErrSubscriberFailure wraps an error or panic raised by one subscriber.
	ErrSubscriberFailure = errors.New("subscriber failure")
	// ErrHardwareFault is fatal for the session: exposure aborted, bench disconnected.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrNotConnected rejects commands that need a connected instrument.
	ErrNotConnected = errors.New("instrument not connected")
)

// Code returns a stable machine-readable code for err. A subscriber failure
// keeps its own code whatever the handler's error wraps.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSubscriberFailure):
		return "subscriber_failure"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrStaleTelemetry):
		return "stale_telemetry"
	case errors.Is(err, ErrHardwareFault):
		return "hardware_fault"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err onto the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrSubscriberFailure):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, ErrStaleTelemetry), errors.Is(err, ErrHardwareFault):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
