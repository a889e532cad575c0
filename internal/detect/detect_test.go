package detect

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
)

// markerImage synthesizes a distinctly textured marker per seed.
func markerImage(seed int64) gocv.Mat {
	img := gocv.NewMatWithSize(240, 240, gocv.MatTypeCV8UC3)
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 70; i++ {
		x := rng.Intn(210)
		y := rng.Intn(210)
		w := 6 + rng.Intn(28)
		h := 6 + rng.Intn(28)
		v := uint8(30 + rng.Intn(225))
		gocv.Rectangle(&img, image.Rect(x, y, min(x+w, 239), min(y+h, 239)),
			color.RGBA{R: v, G: v, B: v, A: 255}, -1)
	}
	for i := 0; i < 30; i++ {
		c := image.Pt(12+rng.Intn(216), 12+rng.Intn(216))
		v := uint8(30 + rng.Intn(225))
		gocv.Circle(&img, c, 4+rng.Intn(9), color.RGBA{R: v, G: v, B: v, A: 255}, -1)
	}
	return img
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	backend := features.NewORBBackend(features.DefaultMatchingConfig())
	d, err := NewDetector(DefaultConfig(), backend, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func trainOnMarkers(t *testing.T, d *Detector, seeds map[string]int64) map[string]gocv.Mat {
	t.Helper()
	imgs := make(map[string]gocv.Mat, len(seeds))
	for label, seed := range seeds {
		img := markerImage(seed)
		require.NoError(t, d.AddMarker(label, img))
		imgs[label] = img
		t.Cleanup(func() { img.Close() })
	}
	require.NoError(t, d.Train())
	return imgs
}

func TestAddMarkerRejectsLowTexture(t *testing.T) {
	d := newTestDetector(t)

	flat := gocv.NewMatWithSize(240, 240, gocv.MatTypeCV8UC3)
	defer flat.Close()

	err := d.AddMarker("flat", flat)
	require.ErrorIs(t, err, ErrLowTexture)
	assert.Empty(t, d.Labels())
}

func TestAddMarkerEmptyImage(t *testing.T) {
	d := newTestDetector(t)
	empty := gocv.NewMat()
	defer empty.Close()
	require.ErrorIs(t, d.AddMarker("x", empty), ErrEmptyImage)
}

func TestClusterNeedsMarkers(t *testing.T) {
	d := newTestDetector(t)
	require.ErrorIs(t, d.Cluster(), ErrNoTraining)
}

func TestExtractBOWDescriptorNormalized(t *testing.T) {
	d := newTestDetector(t)
	img := markerImage(1)
	defer img.Close()
	require.NoError(t, d.AddMarker("a", img))

	// before clustering there is no word space
	_, err := d.ExtractBOWDescriptor(img)
	require.ErrorIs(t, err, ErrNoVocabulary)

	require.NoError(t, d.Cluster())
	hist, err := d.ExtractBOWDescriptor(img)
	require.NoError(t, err)

	var sum float32
	for _, v := range hist {
		assert.GreaterOrEqual(t, v, float32(0))
		sum += v
	}
	assert.InDelta(t, 1.0, float64(sum), 1e-5)
}

func TestTrainingClosure(t *testing.T) {
	d := newTestDetector(t)
	imgs := trainOnMarkers(t, d, map[string]int64{
		"poster": 11,
		"box":    47,
		"card":   93,
	})

	for label, img := range imgs {
		got, err := d.DetectMarkerInImage(img)
		require.NoError(t, err, "marker %q", label)
		assert.Equal(t, label, got)
	}
}

func TestDetectUntrained(t *testing.T) {
	d := newTestDetector(t)
	img := markerImage(3)
	defer img.Close()

	label, err := d.DetectMarkerInImage(img)
	require.ErrorIs(t, err, ErrNoTraining)
	assert.Empty(t, label)
}

func TestDetectRejectsBlankFrame(t *testing.T) {
	d := newTestDetector(t)
	trainOnMarkers(t, d, map[string]int64{"a": 11, "b": 47})

	blank := gocv.NewMatWithSize(240, 240, gocv.MatTypeCV8UC3)
	defer blank.Close()

	label, err := d.DetectMarkerInImage(blank)
	require.ErrorIs(t, err, ErrNoConfidentMatch)
	assert.Empty(t, label)
}

func TestDetectEmptyImage(t *testing.T) {
	d := newTestDetector(t)
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := d.DetectMarkerInImage(empty)
	require.ErrorIs(t, err, ErrEmptyImage)
}

func TestMarkerLookup(t *testing.T) {
	d := newTestDetector(t)
	img := markerImage(5)
	defer img.Close()
	require.NoError(t, d.AddMarker("poster", img))

	m, err := d.Marker("poster")
	require.NoError(t, err)
	assert.Equal(t, "poster", m.Label)
	assert.False(t, m.Image.Empty())
	assert.NotEmpty(t, m.Keypoints)

	_, err = d.Marker("nope")
	require.ErrorIs(t, err, ErrUnknownLabel)

	assert.Equal(t, []string{"poster"}, d.Labels())
}

func TestSaveLoadClassificationEquality(t *testing.T) {
	d := newTestDetector(t)
	imgs := trainOnMarkers(t, d, map[string]int64{
		"poster": 11,
		"box":    47,
	})

	want := make(map[string]string, len(imgs))
	for label, img := range imgs {
		got, err := d.DetectMarkerInImage(img)
		require.NoError(t, err)
		want[label] = got
	}

	var buf bytes.Buffer
	require.NoError(t, d.Save(&buf))

	restored := newTestDetector(t)
	require.NoError(t, restored.Load(&buf))
	assert.ElementsMatch(t, d.Labels(), restored.Labels())

	for label, img := range imgs {
		got, err := restored.DetectMarkerInImage(img)
		require.NoError(t, err)
		assert.Equal(t, want[label], got, "label %q drifted across save/load", label)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.VocabularySize = 1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.KNN = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RejectionDistance = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PCAComponents = 0
	require.Error(t, cfg.Validate())
}
