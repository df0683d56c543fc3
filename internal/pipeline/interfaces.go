package pipeline

import (
	"context"
)

// Detector is the unified interface for all detection backends
type Detector interface {
	// Name returns the detector identifier (e.g., "grpc", "http", "static")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect runs detection on a canonical frame. It may be slow.
	// Boxes are in the frame's pixel coordinates.
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// Throttle decides which taken frames go to the detector
type Throttle interface {
	// Name returns the strategy identifier
	Name() string

	// ShouldDetect is called once per taken frame with the incremented counter
	ShouldDetect(counter uint64) bool

	// OnDetectionComplete is called after each detector invocation
	OnDetectionComplete()

	// Reset clears internal state
	Reset()
}

// FrameThrottle is an optional Throttle extension for strategies that
// look at the pixels. When implemented it replaces ShouldDetect.
type FrameThrottle interface {
	Throttle
	ShouldDetectFrame(counter uint64, frame *Frame) bool
}

// SnapshotHandler receives every replaced detection state
type SnapshotHandler interface {
	OnSnapshot(snap Snapshot)
}

// Ensure implementations satisfy their interfaces
var (
	_ Throttle        = (*everyNth)(nil)
	_ SnapshotHandler = snapshotPublisher{}
)
