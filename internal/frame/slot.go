// Package frame provides the single-slot frame buffer between a frame
// producer and a tracker worker. The producer always wins: an unconsumed
// frame is overwritten, never queued, so the worker processes the most recent
// frame available and the producer never blocks.
package frame

import (
	"sync"

	"gocv.io/x/gocv"
)

// Slot is a single-producer/single-consumer latest-frame buffer.
type Slot struct {
	mu    sync.Mutex
	frame gocv.Mat
	fresh bool
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{frame: gocv.NewMat()}
}

// Put stores a copy of the frame, overwriting any unconsumed one.
func (s *Slot) Put(f gocv.Mat) {
	if f.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Close()
	s.frame = f.Clone()
	s.fresh = true
}

// Take returns a copy of the freshest frame and marks it consumed. The
// caller owns the returned Mat and must Close it. ok is false when no new
// frame arrived since the last Take.
func (s *Slot) Take() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return gocv.NewMat(), false
	}
	s.fresh = false
	return s.frame.Clone(), true
}

// Close releases the buffered frame.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Close()
	s.fresh = false
}
