package models

import "time"

// LogKind categorizes an event log entry.
type LogKind string

const (
	LogStateTransition LogKind = "STATE_TRANSITION"
	LogProgress        LogKind = "PROGRESS"
	LogSample          LogKind = "SAMPLE"
	LogCommand         LogKind = "COMMAND"
	LogConnection      LogKind = "CONNECTION"
	LogAcquisition     LogKind = "ACQUISITION"
	LogError           LogKind = "ERROR"
)

// LogEntry is a single append-only record.
type LogEntry struct {
	Seq       uint64        `json:"seq"`
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Monotonic time.Duration `json:"monotonic_ns"`
	Kind      LogKind       `json:"kind"`
	Message   string        `json:"message"`
	Payload   any           `json:"payload,omitempty"`
}
