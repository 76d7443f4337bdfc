package tracking

import (
	"fmt"
	"time"
)

// Config holds the detection thresholds.
type Config struct {
	MinUpdateInterval time.Duration // samples closer than this to the last processed one are dropped
	MaxAccuracy       float64       // meters; worse fixes never reach evaluation
	HysteresisBuffer  float64       // meters added to / removed from the radius
	DwellTime         time.Duration // how long a candidate must persist before it is confirmed
	// ObservationWindow bounds how long after Start the first evaluated
	// sample may arrive and still dwell from the start time.
	ObservationWindow time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinUpdateInterval: 20 * time.Second,
		MaxAccuracy:       100,
		HysteresisBuffer:  20,
		DwellTime:         90 * time.Second,
		ObservationWindow: 30 * time.Second,
	}
}

// Validate rejects thresholds that would make detection meaningless.
func (c Config) Validate() error {
	if c.MinUpdateInterval < 0 {
		return fmt.Errorf("min update interval must not be negative: %s", c.MinUpdateInterval)
	}
	if c.MaxAccuracy <= 0 {
		return fmt.Errorf("max accuracy must be positive: %v", c.MaxAccuracy)
	}
	if c.HysteresisBuffer < 0 {
		return fmt.Errorf("hysteresis buffer must not be negative: %v", c.HysteresisBuffer)
	}
	if c.DwellTime <= 0 {
		return fmt.Errorf("dwell time must be positive: %s", c.DwellTime)
	}
	if c.ObservationWindow < 0 {
		return fmt.Errorf("observation window must not be negative: %s", c.ObservationWindow)
	}
	return nil
}
