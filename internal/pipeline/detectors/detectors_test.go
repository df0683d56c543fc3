package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/pipeline"
)

type stubDetector struct {
	name    string
	healthy bool
	err     error
	calls   int
	closed  bool
}

func (s *stubDetector) Name() string    { return s.name }
func (s *stubDetector) IsHealthy() bool { return s.healthy }
func (s *stubDetector) Close() error {
	s.closed = true
	return nil
}

func (s *stubDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []pipeline.Detection{{Class: "person"}}, nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubDetector{name: "grpc", healthy: true, err: errors.New("unavailable")}
	b := NewBreaker(inner, 3, time.Minute, zerolog.Nop())
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := b.Detect(context.Background(), &pipeline.Frame{})
		assert.Error(t, err)
	}
	assert.True(t, b.Open())
	assert.False(t, b.IsHealthy())

	_, err := b.Detect(context.Background(), &pipeline.Frame{})
	assert.True(t, errors.Is(err, pipeline.ErrDetector))
	assert.Equal(t, 3, inner.calls, "open breaker must not call the backend")

	now = now.Add(time.Minute)
	inner.err = nil
	dets, err := b.Detect(context.Background(), &pipeline.Frame{})
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	assert.False(t, b.Open())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	inner := &stubDetector{name: "grpc", healthy: true, err: errors.New("flaky")}
	b := NewBreaker(inner, 2, time.Minute, zerolog.Nop())

	_, _ = b.Detect(context.Background(), &pipeline.Frame{})
	inner.err = nil
	_, _ = b.Detect(context.Background(), &pipeline.Frame{})
	inner.err = errors.New("flaky")
	_, _ = b.Detect(context.Background(), &pipeline.Frame{})

	assert.False(t, b.Open())
}
