package pipeline

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Classify derives the alert level for a count. Strictly greater than
// threshold is high density.
func Classify(count, threshold int) AlertLevel {
	if count > threshold {
		return AlertHighDensity
	}
	return AlertNormal
}

// DetectionState holds the latest detection result. It is written by the
// inference worker only and read by any number of goroutines.
type DetectionState struct {
	mu        sync.RWMutex
	current   Snapshot
	ready     bool // At least one inference completed
	threshold int
}

// NewDetectionState creates a state holding the "no data yet" value
func NewDetectionState(threshold int) *DetectionState {
	if threshold < 0 {
		threshold = DefaultAlertThreshold
	}
	return &DetectionState{
		threshold: threshold,
		current: Snapshot{
			Detections: []Detection{},
			Alert:      AlertNormal,
		},
	}
}

// Threshold returns the alert threshold
func (s *DetectionState) Threshold() int {
	return s.threshold
}

// Build assembles a snapshot from a fresh detection list
func (s *DetectionState) Build(detections []Detection, frameSeq uint64) Snapshot {
	dets := make([]Detection, len(detections))
	copy(dets, detections)
	return Snapshot{
		Count:      len(dets),
		Detections: dets,
		Alert:      Classify(len(dets), s.threshold),
		FrameSeq:   frameSeq,
		UpdatedAt:  time.Now(),
	}
}

// Replace swaps in snap as one update and returns the previous value.
// A snapshot whose count or alert disagrees with its detections is a
// programming defect and panics with ErrInvariant.
func (s *DetectionState) Replace(snap Snapshot) Snapshot {
	if snap.Count != len(snap.Detections) {
		panic(errors.Wrapf(ErrInvariant, "count %d with %d detections", snap.Count, len(snap.Detections)))
	}
	if snap.Alert != Classify(snap.Count, s.threshold) {
		panic(errors.Wrapf(ErrInvariant, "alert %s for count %d", snap.Alert, snap.Count))
	}
	if snap.Detections == nil {
		snap.Detections = []Detection{}
	}

	s.mu.Lock()
	prev := s.current
	s.current = snap
	s.ready = true
	s.mu.Unlock()
	return prev
}

// Snapshot returns a consistent copy of the current state
func (s *DetectionState) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.current
	s.mu.RUnlock()

	dets := make([]Detection, len(snap.Detections))
	copy(dets, snap.Detections)
	snap.Detections = dets
	return snap
}

// Ready reports whether any inference has completed
func (s *DetectionState) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}
