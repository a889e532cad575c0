package orchestrator

import (
	"context"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/detect"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/tracking"
)

type fakeRecognizer struct {
	label   string
	markers map[string]*detect.Marker
}

func (f *fakeRecognizer) DetectMarkerInImage(gocv.Mat) (string, error) {
	if f.label == "" {
		return "", detect.ErrNoConfidentMatch
	}
	return f.label, nil
}

func (f *fakeRecognizer) Marker(label string) (*detect.Marker, error) {
	m, ok := f.markers[label]
	if !ok {
		return nil, detect.ErrUnknownLabel
	}
	return m, nil
}

func texturedImage(w, h int, seed int64) gocv.Mat {
	img := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 60; i++ {
		x := rng.Intn(w - 24)
		y := rng.Intn(h - 24)
		rw := 6 + rng.Intn(24)
		rh := 6 + rng.Intn(24)
		v := uint8(35 + rng.Intn(220))
		gocv.Rectangle(&img, image.Rect(x, y, x+rw, y+rh),
			color.RGBA{R: v, G: v, B: v, A: 255}, -1)
	}
	return img
}

func testCamera() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		700, 0, 320,
		0, 700, 240,
		0, 0, 1,
	})
}

func newTestOrchestrator(t *testing.T, rec Recognizer) *Orchestrator {
	t.Helper()
	newBackend := func() features.Backend {
		return features.NewORBBackend(features.DefaultMatchingConfig())
	}
	o, err := New(tracking.DefaultConfig(), rec, newBackend, testCamera(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown() })
	return o
}

func TestUpdateSpawnsTrackerOnFirstSighting(t *testing.T) {
	markerImg := texturedImage(240, 240, 31)
	defer markerImg.Close()
	rec := &fakeRecognizer{
		label: "poster",
		markers: map[string]*detect.Marker{
			"poster": {Label: "poster", Image: markerImg},
		},
	}
	o := newTestOrchestrator(t, rec)
	o.Start(context.Background())

	frame := texturedImage(640, 480, 32)
	defer frame.Close()

	require.NoError(t, o.Update(frame))
	assert.Equal(t, []string{"poster"}, o.Labels())

	tracker, ok := o.Tracker("poster")
	require.True(t, ok)
	assert.NotNil(t, tracker)

	// a second sighting reuses the existing tracker
	require.NoError(t, o.Update(frame))
	assert.Len(t, o.Labels(), 1)
}

func TestUpdateWithoutRecognitionSpawnsNothing(t *testing.T) {
	rec := &fakeRecognizer{}
	o := newTestOrchestrator(t, rec)
	o.Start(context.Background())

	frame := texturedImage(640, 480, 33)
	defer frame.Close()

	require.NoError(t, o.Update(frame))
	assert.Empty(t, o.Labels())
}

func TestUpdateBeforeStartFails(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRecognizer{})

	frame := texturedImage(640, 480, 34)
	defer frame.Close()
	require.Error(t, o.Update(frame))
}

func TestUpdateEmptyFrame(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRecognizer{})
	o.Start(context.Background())

	empty := gocv.NewMat()
	defer empty.Close()
	require.ErrorIs(t, o.Update(empty), detect.ErrEmptyImage)
}

func TestShutdownClosesTrackers(t *testing.T) {
	markerImg := texturedImage(240, 240, 35)
	defer markerImg.Close()
	rec := &fakeRecognizer{
		label: "box",
		markers: map[string]*detect.Marker{
			"box": {Label: "box", Image: markerImg},
		},
	}
	o := newTestOrchestrator(t, rec)
	o.Start(context.Background())

	frame := texturedImage(640, 480, 36)
	defer frame.Close()
	require.NoError(t, o.Update(frame))
	require.Len(t, o.Labels(), 1)

	require.NoError(t, o.Shutdown())
	assert.Empty(t, o.Labels())

	// a stopped orchestrator refuses new frames
	require.Error(t, o.Update(frame))
}
