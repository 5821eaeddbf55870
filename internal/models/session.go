package models

import "time"

type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "DISCONNECTED"
	Connected    ConnectionStatus = "CONNECTED"
	Faulted      ConnectionStatus = "FAULTED" // hardware fault, reconnect required
)

type AcquisitionStatus string

const (
	AcquisitionStopped  AcquisitionStatus = "STOPPED"
	AcquisitionRunning  AcquisitionStatus = "RUNNING"
	AcquisitionDegraded AcquisitionStatus = "DEGRADED" // stale telemetry, fan-out suspended
)

// ExperimentKind names the experiment protocol an acquisition run belongs to.
type ExperimentKind string

const (
	ExperimentCalibration         ExperimentKind = "calibration"
	ExperimentAbsorption          ExperimentKind = "absorption"
	ExperimentPhotopolymerization ExperimentKind = "photopolymerization"
)

// Valid reports whether k is a known experiment kind.
func (k ExperimentKind) Valid() bool {
	switch k {
	case ExperimentCalibration, ExperimentAbsorption, ExperimentPhotopolymerization:
		return true
	}
	return false
}

// ExperimentParameter is one row of the default experiment parameter table.
type ExperimentParameter struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// SessionSnapshot is the read-only view of the session handed to consumers.
type SessionSnapshot struct {
	SessionID   string            `json:"session_id"`
	Connection  ConnectionStatus  `json:"connection"`
	Acquisition AcquisitionStatus `json:"acquisition"`
	Experiment  ExperimentKind    `json:"experiment,omitempty"`
	LaserOn     bool              `json:"laser_on"`
	LastSample  *Sample           `json:"last_sample,omitempty"`
	Exposure    ExposureStatus    `json:"exposure"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
