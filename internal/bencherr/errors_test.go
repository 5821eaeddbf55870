package bencherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeAndHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("%w: duration 0", ErrInvalidParameter), "invalid_parameter", http.StatusBadRequest},
		{fmt.Errorf("%w: state RUNNING", ErrAlreadyRunning), "already_running", http.StatusConflict},
		{ErrNotConnected, "not_connected", http.StatusConflict},
		{fmt.Errorf("poll: %w", ErrStaleTelemetry), "stale_telemetry", http.StatusServiceUnavailable},
		{fmt.Errorf("%w: interlock", ErrHardwareFault), "hardware_fault", http.StatusServiceUnavailable},
		{fmt.Errorf("%w: boom", ErrSubscriberFailure), "subscriber_failure", http.StatusInternalServerError},
		{fmt.Errorf("%w: %w", ErrSubscriberFailure, ErrInvalidParameter), "subscriber_failure", http.StatusInternalServerError},
		{fmt.Errorf("%w: %w", ErrSubscriberFailure, ErrStaleTelemetry), "subscriber_failure", http.StatusInternalServerError},
		{errors.New("other"), "internal_error", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v)=%q, want %q", tc.err, got, tc.code)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Errorf("HTTPStatus(%v)=%d, want %d", tc.err, got, tc.status)
		}
	}
	if Code(nil) != "" {
		t.Fatalf("Code(nil) should be empty")
	}
}
