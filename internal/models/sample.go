package models

import "time"

// Sample is one reading of the optical bench. Values are never mutated once
// the acquisition loop has stamped them.
type Sample struct {
	Seq          uint64        `json:"seq"`
	Monotonic    time.Duration `json:"monotonic_ns"` // offset from session start on the monotonic clock
	CapturedAt   time.Time     `json:"captured_at"`  // wall clock, display only
	LaserPowerMW float64       `json:"laser_power_mw"`
	TemperatureC float64       `json:"temperature_c"`
	IntensityAU  float64       `json:"intensity_au"`
}
