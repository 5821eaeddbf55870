package models

import "time"

// ExposureState is the sequencer state: IDLE | RUNNING | COMPLETED | ABORTED.
type ExposureState string

const (
	ExposureIdle      ExposureState = "IDLE"
	ExposureRunning   ExposureState = "RUNNING"
	ExposureCompleted ExposureState = "COMPLETED"
	ExposureAborted   ExposureState = "ABORTED"
)

// Terminal reports whether the state requires a reset before the next start.
func (s ExposureState) Terminal() bool {
	return s == ExposureCompleted || s == ExposureAborted
}

// Bench hardware limits. Configuration may tighten them, never widen them.
const (
	MaxExposureDuration = 300 * time.Second
	MaxLaserPowerMW     = 200.0
)

// ExposureCommand is a timed laser activation request.
type ExposureCommand struct {
	DurationS float64 `json:"duration_s"`
	PowerMW   float64 `json:"power_mw"`
}

// Duration converts DurationS to a time.Duration.
func (c ExposureCommand) Duration() time.Duration {
	return time.Duration(c.DurationS * float64(time.Second))
}

// ExposureStatus is a read-only projection of the sequencer.
type ExposureStatus struct {
	State       ExposureState    `json:"state"`
	Command     *ExposureCommand `json:"command,omitempty"`
	Elapsed     time.Duration    `json:"elapsed_ns"`
	Remaining   time.Duration    `json:"remaining_ns"`
	Progress    float64          `json:"progress"` // 0..1
	AbortReason string           `json:"abort_reason,omitempty"`
}
