package strategies

import (
	"image"
	"sync"

	"crowdwatch/internal/pipeline"
)

const (
	// DefaultMotionSensitivity is the fraction of sampled pixels that must
	// change before the scene counts as moving
	DefaultMotionSensitivity = 0.02
	// DefaultKeepaliveFactor multiplies the every-Nth throttle into the
	// forced detection period on a static scene
	DefaultKeepaliveFactor = 10

	// Per-pixel brightness delta on the 16-bit RGBA scale
	pixelDelta = 6000
	sampleStep = 2
)

// MotionStrategy runs the detector only when the frame differs enough
// from the last frame that was sent to the detector. A static scene is
// still re-checked every keepalive frames so the count cannot go stale.
type MotionStrategy struct {
	sensitivity float32
	keepalive   uint64

	mu         sync.Mutex
	background *image.RGBA
	sinceLast  uint64
}

// NewMotionStrategy creates a motion-gated throttle. keepalive 0 never
// forces a detection.
func NewMotionStrategy(sensitivity float32, keepalive uint64) *MotionStrategy {
	return &MotionStrategy{sensitivity: sensitivity, keepalive: keepalive}
}

func (s *MotionStrategy) Name() string {
	return string(ModeMotion)
}

// ShouldDetect is used when no frame is available; it falls back to the
// keepalive period.
func (s *MotionStrategy) ShouldDetect(counter uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLast++
	return s.keepalive > 0 && s.sinceLast >= s.keepalive
}

func (s *MotionStrategy) ShouldDetectFrame(counter uint64, frame *pipeline.Frame) bool {
	if frame == nil || frame.Image == nil {
		return s.ShouldDetect(counter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLast++

	if s.background == nil || s.background.Bounds() != frame.Image.Bounds() {
		s.background = frame.Image
		return true
	}
	if s.keepalive > 0 && s.sinceLast >= s.keepalive {
		s.background = frame.Image
		return true
	}
	if ChangeRatio(s.background, frame.Image) < s.sensitivity {
		return false
	}
	s.background = frame.Image
	return true
}

func (s *MotionStrategy) OnDetectionComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLast = 0
}

func (s *MotionStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background = nil
	s.sinceLast = 0
}

// ChangeRatio returns the fraction of sampled pixels whose brightness
// moved by more than pixelDelta. Mismatched bounds count as a full change.
func ChangeRatio(background, current *image.RGBA) float32 {
	b := background.Bounds()
	if b != current.Bounds() {
		return 1
	}

	var changed, sampled int
	for y := b.Min.Y; y < b.Max.Y; y += sampleStep {
		for x := b.Min.X; x < b.Max.X; x += sampleStep {
			diff := brightness(background, x, y) - brightness(current, x, y)
			if diff < 0 {
				diff = -diff
			}
			if diff > pixelDelta {
				changed++
			}
			sampled++
		}
	}
	if sampled == 0 {
		return 0
	}
	return float32(changed) / float32(sampled)
}

func brightness(img *image.RGBA, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	return int((r + g + b) / 3)
}

var _ pipeline.FrameThrottle = (*MotionStrategy)(nil)
