package strategies

import (
	"time"

	"github.com/pkg/errors"

	"crowdwatch/internal/pipeline"
)

// Mode names a throttle strategy
type Mode string

const (
	// ModeEveryNth - detect on every Nth taken frame
	ModeEveryNth Mode = "every_nth"
	// ModeInterval - detect at most once per interval
	ModeInterval Mode = "interval"
	// ModeDisabled - never detect, streaming only
	ModeDisabled Mode = "disabled"
	// ModeMotion - detect when the scene changed, or every Nth frame otherwise
	ModeMotion Mode = "motion"
)

// New creates a throttle strategy for mode. n is used by ModeEveryNth,
// minInterval by ModeInterval. ModeMotion forces a detection at least
// every n*DefaultKeepaliveFactor frames on a static scene.
func New(mode Mode, n int, minInterval time.Duration) (pipeline.Throttle, error) {
	switch mode {
	case "", ModeEveryNth:
		if n < 1 {
			return nil, errors.Errorf("every_nth throttle needs n >= 1, got %d", n)
		}
		return pipeline.EveryNth(n), nil

	case ModeInterval:
		if minInterval < 0 {
			return nil, errors.Errorf("negative interval %s", minInterval)
		}
		return NewIntervalStrategy(minInterval), nil

	case ModeMotion:
		if n < 1 {
			return nil, errors.Errorf("motion throttle needs n >= 1, got %d", n)
		}
		return NewMotionStrategy(DefaultMotionSensitivity, uint64(n)*DefaultKeepaliveFactor), nil

	case ModeDisabled:
		return NewDisabledStrategy(), nil

	default:
		return nil, errors.Errorf("unknown throttle mode: %s", mode)
	}
}
