package telemetry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/benchclock"
	"optical_bench/internal/models"
)

// ----------- Simulation constants -----------
const (
	AmbientC           = 23.0  // bench ambient temperature °C
	AmbientNoiseC      = 0.5   // ± band around ambient
	HeatingCPerMW      = 0.004 // steady-state temperature rise per mW of output
	PowerNoiseFraction = 0.05  // ± fraction of the setpoint
	LeakPowerMW        = 0.5   // upper bound of stray power with the laser off
	IntensityPerMW     = 0.01  // a.u. per mW (100 mW → 1.0)
	IntensityNoise     = 0.2   // ± fraction of nominal intensity
	DarkIntensityAU    = 0.02  // upper bound of dark reading with the laser off
	MaxPowerMW         = 200.0
)

// SimulatorConfig tunes the simulated bench.
type SimulatorConfig struct {
	Seed      int64   // 0 → time based
	FaultRate float64 // probability per poll of an injected hardware fault
}

// Simulator is an in-memory Instrument producing noisy readings.
type Simulator struct {
	clock benchclock.Clock

	mu         sync.Mutex
	rng        *rand.Rand
	faultRate  float64
	connected  bool
	ceased     bool
	laserOn    bool
	setpointMW float64
	hung       bool
}

// NewSimulator returns a disconnected simulator.
func NewSimulator(cfg SimulatorConfig, clock benchclock.Clock) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if clock == nil {
		clock = benchclock.Real{}
	}
	return &Simulator{
		clock:     clock,
		rng:       rand.New(rand.NewSource(seed)),
		faultRate: cfg.FaultRate,
	}
}

// Connect opens the (simulated) link and clears a previous Cease.
func (s *Simulator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.ceased = false
	return nil
}

// Disconnect closes the link and switches the laser off.
func (s *Simulator) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.laserOn = false
	s.setpointMW = 0
	return nil
}

func (s *Simulator) Cease() {
	s.mu.Lock()
	s.ceased = true
	s.laserOn = false
	s.setpointMW = 0
	s.mu.Unlock()
}

// SetLaser validates powerMW and updates the output setpoint.
func (s *Simulator) SetLaser(ctx context.Context, on bool, powerMW float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if on && (powerMW < 0 || powerMW > MaxPowerMW) {
		return fmt.Errorf("%w: laser power %.1f mW outside [0, %.0f]", bencherr.ErrInvalidParameter, powerMW, MaxPowerMW)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.ceased {
		return bencherr.ErrNotConnected
	}
	s.laserOn = on
	if on {
		s.setpointMW = powerMW
	} else {
		s.setpointMW = 0
	}
	return nil
}

// LaserOn reports the current output state.
func (s *Simulator) LaserOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laserOn
}

// Hang makes subsequent polls block until their context ends. It simulates
// a wedged serial link.
func (s *Simulator) Hang(hung bool) {
	s.mu.Lock()
	s.hung = hung
	s.mu.Unlock()
}

// Poll generates one reading.
func (s *Simulator) Poll(ctx context.Context) (models.Sample, error) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		<-ctx.Done()
		return models.Sample{}, ctx.Err()
	}
	defer s.mu.Unlock()

	if !s.connected || s.ceased {
		return models.Sample{}, bencherr.ErrNotConnected
	}
	if s.faultRate > 0 && s.rng.Float64() < s.faultRate {
		s.laserOn = false
		s.setpointMW = 0
		return models.Sample{}, fmt.Errorf("%w: simulated interlock trip", bencherr.ErrHardwareFault)
	}

	power := s.uniform(0, LeakPowerMW)
	intensity := s.uniform(0, DarkIntensityAU)
	if s.laserOn {
		power = s.setpointMW * (1 + s.uniform(-PowerNoiseFraction, PowerNoiseFraction))
		intensity = power * IntensityPerMW * (1 + s.uniform(-IntensityNoise, IntensityNoise))
	}
	temp := AmbientC + s.uniform(-AmbientNoiseC, AmbientNoiseC) + power*HeatingCPerMW

	return models.Sample{
		CapturedAt:   s.clock.Now().UTC(),
		LaserPowerMW: maxFloat(power, 0),
		TemperatureC: temp,
		IntensityAU:  maxFloat(intensity, 0),
	}, nil
}

// uniform returns a value in [lo, hi). Caller holds mu.
func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// helpers
func maxFloat(a, b float64) float64 {
	if a >= b {
		return a
	}
	return b
}
