package strategies

import (
	"sync"
	"time"

	"crowdwatch/internal/pipeline"
)

// IntervalStrategy triggers detection when at least minInterval has
// passed since the previous detector call, regardless of frame rate
type IntervalStrategy struct {
	minInterval   time.Duration
	lastDetection time.Time
	now           func() time.Time
	mu            sync.Mutex
}

// NewIntervalStrategy creates a time-based throttle.
// minInterval can be 0 to process every frame.
func NewIntervalStrategy(minInterval time.Duration) *IntervalStrategy {
	return &IntervalStrategy{
		minInterval: minInterval,
		now:         time.Now,
	}
}

func (s *IntervalStrategy) Name() string {
	return string(ModeInterval)
}

func (s *IntervalStrategy) ShouldDetect(counter uint64) bool {
	if s.minInterval == 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastDetection) >= s.minInterval
}

func (s *IntervalStrategy) OnDetectionComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = s.now()
}

func (s *IntervalStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = time.Time{}
}

var _ pipeline.Throttle = (*IntervalStrategy)(nil)
