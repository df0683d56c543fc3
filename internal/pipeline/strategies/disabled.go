package strategies

import (
	"crowdwatch/internal/pipeline"
)

// DisabledStrategy never triggers detection.
// Used when only streaming is desired; the detection state keeps its
// "no data yet" value.
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled detection strategy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return string(ModeDisabled)
}

func (s *DisabledStrategy) ShouldDetect(counter uint64) bool {
	return false
}

func (s *DisabledStrategy) OnDetectionComplete() {
	// No-op
}

func (s *DisabledStrategy) Reset() {
	// No-op
}

var _ pipeline.Throttle = (*DisabledStrategy)(nil)
