package pipeline

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds the core pipeline settings
type Config struct {
	Throttle       int           // Run the detector on every Nth taken frame
	AlertThreshold int           // Counts above this are high density
	IdleInterval   time.Duration // Worker idle poll when the slot is empty
	DetectTimeout  time.Duration // Per-call detector deadline, 0 = none
	Width          int           // Canonical frame width
	Height         int           // Canonical frame height
	TargetClass    string        // Class kept from detector output
	FeaturePolicy  FeaturePolicy // Unknown feature name handling
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		Throttle:       DefaultThrottle,
		AlertThreshold: DefaultAlertThreshold,
		IdleInterval:   DefaultIdleInterval,
		DetectTimeout:  2 * time.Second,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		TargetClass:    DefaultTargetClass,
		FeaturePolicy:  FeaturePolicyOpen,
	}
}

// Validate checks the configuration for impossible values
func (c Config) Validate() error {
	if c.Throttle < 1 {
		return errors.Errorf("throttle must be >= 1, got %d", c.Throttle)
	}
	if c.AlertThreshold < 0 {
		return errors.Errorf("alert threshold must be >= 0, got %d", c.AlertThreshold)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("invalid canonical size %dx%d", c.Width, c.Height)
	}
	if c.IdleInterval <= 0 {
		return errors.Errorf("idle interval must be positive, got %s", c.IdleInterval)
	}
	switch c.FeaturePolicy {
	case FeaturePolicyOpen, FeaturePolicyClosed:
	default:
		return errors.Errorf("unknown feature policy %q", c.FeaturePolicy)
	}
	return nil
}
