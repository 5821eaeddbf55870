package service

import "time"

// LaserParams is the manual laser command.
type LaserParams struct {
	On      bool
	PowerMW float64 // used when On; zero selects the default setpoint
}

// LogFilter supports history filtering by kind, sequence and time range.
type LogFilter struct {
	Kind     string    // "", "STATE_TRANSITION", "PROGRESS", "SAMPLE", "COMMAND", "CONNECTION", "ACQUISITION", "ERROR"
	SinceSeq uint64    // exclusive
	From     time.Time // inclusive; zero means no lower bound
	To       time.Time // inclusive; zero means no upper bound
	Limit    int
}
