package tracking

import (
	"context"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/frame"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
)

// pollInterval is how long the worker sleeps when no fresh frame is
// available.
const pollInterval = 2 * time.Millisecond

// Worker runs a tracker's processing loop on a dedicated goroutine,
// decoupled from the frame producer. Cancellation is cooperative: the stop
// signal is checked only between frames, never mid-computation.
type Worker struct {
	slot    *frame.Slot
	process func(gocv.Mat)
	log     logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewWorker wires a frame slot to a per-frame process function.
func NewWorker(slot *frame.Slot, process func(gocv.Mat), log logger.Logger) *Worker {
	return &Worker{slot: slot, process: process, log: log}
}

// Start launches the processing loop. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Worker", "processing loop stopped", nil)
			return
		default:
		}
		f, ok := w.slot.Take()
		if !ok {
			f.Close()
			time.Sleep(pollInterval)
			continue
		}
		w.process(f)
		f.Close()
	}
}

// Stop terminates the loop after the in-flight frame, if any, and waits for
// it to exit. Stopping a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	<-w.done
	w.started = false
}
