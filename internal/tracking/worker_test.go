package tracking

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/frame"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
)

func TestWorkerProcessesLatestFrame(t *testing.T) {
	slot := frame.NewSlot()
	defer slot.Close()

	var processed atomic.Int64
	w := NewWorker(slot, func(gocv.Mat) { processed.Add(1) }, logger.NewNop())

	w.Start(context.Background())
	defer w.Stop()

	img := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8U)
	defer img.Close()
	slot.Put(img)

	require.Eventually(t, func() bool { return processed.Load() >= 1 },
		time.Second, time.Millisecond)

	// without a fresh frame the worker idles instead of reprocessing
	count := processed.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, processed.Load())
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	slot := frame.NewSlot()
	defer slot.Close()

	w := NewWorker(slot, func(gocv.Mat) {}, logger.NewNop())
	w.Start(context.Background())
	w.Start(context.Background()) // no-op on a running worker
	w.Stop()
	w.Stop() // no-op on a stopped worker
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	slot := frame.NewSlot()
	defer slot.Close()

	var processed atomic.Int64
	w := NewWorker(slot, func(gocv.Mat) { processed.Add(1) }, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond) // let the loop observe the cancellation

	img := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8U)
	defer img.Close()
	slot.Put(img)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), processed.Load())

	w.Stop()
}
