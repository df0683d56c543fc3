package detection

import (
	"context"

	"crowdwatch/internal/pipeline"
)

// StaticDetector returns the same detections for every frame.
// With no detections it is the stand-in used when no model backend is
// configured.
type StaticDetector struct {
	detections []pipeline.Detection
}

// NewStaticDetector creates a detector that always reports dets
func NewStaticDetector(dets ...pipeline.Detection) *StaticDetector {
	return &StaticDetector{detections: dets}
}

func (s *StaticDetector) Name() string    { return "static" }
func (s *StaticDetector) IsHealthy() bool { return true }
func (s *StaticDetector) Close() error    { return nil }

func (s *StaticDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	out := make([]pipeline.Detection, len(s.detections))
	copy(out, s.detections)
	return out, nil
}

var _ pipeline.Detector = (*StaticDetector)(nil)
