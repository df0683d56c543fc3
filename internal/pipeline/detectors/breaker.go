package detectors

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// Breaker wraps a Detector and stops calling it for a cooldown period
// after maxFailures consecutive errors. While open, Detect fails fast
// with pipeline.ErrDetector so the worker keeps the previous result.
type Breaker struct {
	inner       pipeline.Detector
	maxFailures int
	cooldown    time.Duration
	log         zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker wraps inner. maxFailures < 1 disables the breaker.
func NewBreaker(inner pipeline.Detector, maxFailures int, cooldown time.Duration, log zerolog.Logger) *Breaker {
	return &Breaker{
		inner:       inner,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		log:         log,
		now:         time.Now,
	}
}

func (b *Breaker) Name() string {
	return b.inner.Name()
}

func (b *Breaker) IsHealthy() bool {
	if b.Open() {
		return false
	}
	return b.inner.IsHealthy()
}

// Open reports whether calls are currently being short-circuited
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *Breaker) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	if b.Open() {
		return nil, errors.Wrapf(pipeline.ErrDetector, "%s: circuit open", b.inner.Name())
	}

	dets, err := b.inner.Detect(ctx, frame)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		return dets, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	b.failures++
	if b.maxFailures > 0 && b.failures >= b.maxFailures {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
		b.log.Warn().
			Str("detector", b.inner.Name()).
			Dur("cooldown", b.cooldown).
			Msg("Too many consecutive detector failures, pausing calls")
	}
	return nil, err
}

func (b *Breaker) Close() error {
	return b.inner.Close()
}

var _ pipeline.Detector = (*Breaker)(nil)
