package pipeline

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		count int
		want  AlertLevel
	}{
		{0, AlertNormal},
		{4, AlertNormal},
		{5, AlertNormal},
		{6, AlertHighDensity},
		{40, AlertHighDensity},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.count, DefaultAlertThreshold), "count=%d", tt.count)
	}
}

func TestAlertLevel_Status(t *testing.T) {
	assert.Equal(t, "Normal", AlertNormal.Status())
	assert.Equal(t, "HIGH DENSITY WARNING", AlertHighDensity.Status())
}

func TestDetectionState_DefaultBeforeFirstInference(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)
	snap := s.Snapshot()

	assert.False(t, s.Ready())
	assert.Equal(t, 0, snap.Count)
	assert.NotNil(t, snap.Detections)
	assert.Empty(t, snap.Detections)
	assert.Equal(t, AlertNormal, snap.Alert)
}

func TestDetectionState_ThresholdBoundary(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)

	s.Replace(s.Build(people(5), 1))
	assert.Equal(t, AlertNormal, s.Snapshot().Alert)

	prev := s.Replace(s.Build(people(6), 2))
	assert.Equal(t, AlertNormal, prev.Alert)
	snap := s.Snapshot()
	assert.Equal(t, AlertHighDensity, snap.Alert)
	assert.Equal(t, 6, snap.Count)
	assert.Equal(t, uint64(2), snap.FrameSeq)
}

func TestDetectionState_ReplaceSupersedes(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)
	s.Replace(s.Build(people(3), 1))
	s.Replace(s.Build(people(1), 2))

	snap := s.Snapshot()
	if diff := cmp.Diff(people(1), snap.Detections); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectionState_SnapshotIsACopy(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)
	s.Replace(s.Build(people(2), 1))

	snap := s.Snapshot()
	snap.Detections[0].Class = "mutated"

	assert.Equal(t, "person", s.Snapshot().Detections[0].Class)
}

func TestDetectionState_InvariantViolationPanics(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrInvariant))
	}()

	s.Replace(Snapshot{Count: 3, Detections: people(2), Alert: AlertNormal})
}

func TestDetectionState_ConcurrentReadsAreConsistent(t *testing.T) {
	s := NewDetectionState(DefaultAlertThreshold)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Replace(s.Build(people(i%12), uint64(i)))
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 5000; i++ {
				snap := s.Snapshot()
				if snap.Count != len(snap.Detections) {
					t.Errorf("count %d != len %d", snap.Count, len(snap.Detections))
					return
				}
				if snap.Alert != Classify(snap.Count, DefaultAlertThreshold) {
					t.Errorf("alert %s for count %d", snap.Alert, snap.Count)
					return
				}
			}
		}()
	}

	readers.Wait()
	close(stop)
	<-writerDone
}
