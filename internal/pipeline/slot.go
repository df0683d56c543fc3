package pipeline

import (
	"context"
	"sync"
	"time"
)

// FrameSlot is a single-frame mailbox with latest-wins semantics.
// Publish overwrites any unconsumed frame and never blocks; TakeLatest
// moves the held frame out so it is never handed to two readers.
type FrameSlot struct {
	mu     sync.Mutex
	frame  *Frame // nil = empty
	closed bool

	ready chan struct{} // Signalled on publish, capacity 1

	published        uint64
	overwritten      uint64 // Frames replaced before being taken
	consecutiveDrops uint64 // Overwrites since the last take
	taken            uint64
}

// NewFrameSlot creates an empty slot
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{ready: make(chan struct{}, 1)}
}

// Publish stores frame, replacing any pending one. It reports whether a
// pending frame was discarded. Publishing to a closed slot is a no-op.
func (s *FrameSlot) Publish(frame *Frame) (overwrote bool) {
	if frame == nil {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.frame != nil {
		overwrote = true
		s.overwritten++
		s.consecutiveDrops++
	}
	s.frame = frame
	s.published++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return overwrote
}

// TakeLatest removes and returns the pending frame. ok is false when the
// slot is empty or closed.
func (s *FrameSlot) TakeLatest() (frame *Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil || s.closed {
		return nil, false
	}
	frame = s.frame
	s.frame = nil
	s.taken++
	s.consecutiveDrops = 0
	return frame, true
}

// Wait blocks until a frame may be available, d elapses or ctx is done.
// It is the worker's only suspension point.
func (s *FrameSlot) Wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-s.ready:
	case <-t.C:
	}
}

// Pending reports whether a frame is waiting to be taken
func (s *FrameSlot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame != nil && !s.closed
}

// Peek returns the pending frame without consuming it
func (s *FrameSlot) Peek() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Close drops the pending frame and turns later publishes into no-ops.
// Idempotent.
func (s *FrameSlot) Close() {
	s.mu.Lock()
	s.closed = true
	s.frame = nil
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// SlotStats contains mailbox counters
type SlotStats struct {
	Published        uint64
	Overwritten      uint64
	ConsecutiveDrops uint64
	Taken            uint64
}

// Stats returns a copy of the slot counters
func (s *FrameSlot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{
		Published:        s.published,
		Overwritten:      s.overwritten,
		ConsecutiveDrops: s.consecutiveDrops,
		Taken:            s.taken,
	}
}
