package tracking

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/geometry"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
)

func newTestAdHocTracker(t *testing.T) *AdHocSfMTracker {
	t.Helper()
	backend := features.NewORBBackend(features.DefaultMatchingConfig())
	tracker, err := NewAdHocSfMTracker(DefaultConfig(), backend, testCamera(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func rotY(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// adHocFixture builds a deep, non-planar scene observed from two views with
// a unit-norm baseline, so the essential-matrix reconstruction recovers the
// scene at its true scale.
func adHocFixture(t *testing.T) (r, tvec *mat.Dense, world []r3.Vector, pts1, pts2 []gocv.Point2f) {
	t.Helper()
	k := testCamera()
	r = rotY(0.1)
	tvec = mat.NewDense(3, 1, []float64{-0.96, 0.08, 0.26})
	norm := math.Sqrt(0.96*0.96 + 0.08*0.08 + 0.26*0.26)
	tvec.Scale(1/norm, tvec)

	for _, x := range []float64{-1.4, -0.7, -0.1, 0.5, 1.2} {
		for _, y := range []float64{-1.0, -0.4, 0.3, 0.9} {
			for _, z := range []float64{3, 5.5, 9} {
				world = append(world, r3.Vector{X: x, Y: y, Z: z + 0.4*x - 0.3*y})
			}
		}
	}

	p0 := mat.NewDense(3, 4, nil)
	p0.Mul(k, geometry.IdentityProjection())
	p1 := mat.NewDense(3, 4, nil)
	p1.Mul(k, geometry.ComposeProjection(r, tvec))

	for _, w := range world {
		a := geometry.Project(p0, w)
		b := geometry.Project(p1, w)
		pts1 = append(pts1, gocv.Point2f{X: float32(a.X), Y: float32(a.Y)})
		pts2 = append(pts2, gocv.Point2f{X: float32(b.X), Y: float32(b.Y)})
	}
	return
}

// injectPair loads a two-view correspondence set as if BootstrapTrack had
// flowed the reference features into the current frame.
func injectPair(tracker *AdHocSfMTracker, pts1, pts2 []gocv.Point2f) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	tracker.bootstrapRef = pts1
	tracker.currentPts = pts2
	tracker.bootstrapLinks = make([]int, len(pts1))
	for i := range tracker.bootstrapLinks {
		tracker.bootstrapLinks[i] = i
	}
	tracker.state = StateBootstrapping
}

func TestAdHocReconstructionFromTwoViews(t *testing.T) {
	tracker := newTestAdHocTracker(t)
	trueR, _, world, pts1, pts2 := adHocFixture(t)

	injectPair(tracker, pts1, pts2)
	require.NoError(t, tracker.CameraPoseAndTriangulationFromFundamental())

	assert.Equal(t, StateTracking, tracker.State())
	assert.True(t, tracker.IsTracking())

	cloud := tracker.Tracked3DFeatures()
	require.Len(t, cloud, len(world))
	for i := range world {
		assert.InDelta(t, world[i].X, cloud[i].X, 1e-3)
		assert.InDelta(t, world[i].Y, cloud[i].Y, 1e-3)
		assert.InDelta(t, world[i].Z, cloud[i].Z, 1e-3)
	}

	// feature/cloud links are index-aligned
	assert.Equal(t, len(tracker.trackedFeatures), len(tracker.featureTo3D))

	// the accepted pose matches the true relative rotation
	current, ok := tracker.holder.Current()
	require.True(t, ok)
	var rel mat.Dense
	rel.Mul(current.Rotation.T(), trueR)
	assert.Less(t, geometry.RotationAngle(&rel), 1e-4)
}

func TestAdHocReconstructionNeedsCorrespondences(t *testing.T) {
	tracker := newTestAdHocTracker(t)
	_, _, _, pts1, pts2 := adHocFixture(t)

	injectPair(tracker, pts1[:5], pts2[:5])
	err := tracker.CameraPoseAndTriangulationFromFundamental()
	require.ErrorIs(t, err, ErrDegenerateGeometry)
	assert.NotEqual(t, StateTracking, tracker.State())
}

func TestAdHocParallaxGate(t *testing.T) {
	tracker := newTestAdHocTracker(t)

	// a pure-translation pair is fully explained by a homography
	_, _, _, pts1, _ := adHocFixture(t)
	shifted := make([]gocv.Point2f, len(pts1))
	for i, p := range pts1 {
		shifted[i] = gocv.Point2f{X: p.X + 6, Y: p.Y + 4}
	}
	injectPair(tracker, pts1, shifted)
	tracker.mu.Lock()
	planar := tracker.pairIsPlanarLocked()
	tracker.mu.Unlock()
	assert.True(t, planar, "zero-parallax pair must be gated")

	// the non-planar stereo pair passes the gate
	_, _, _, pts1, pts2 := adHocFixture(t)
	injectPair(tracker, pts1, pts2)
	tracker.mu.Lock()
	planar = tracker.pairIsPlanarLocked()
	tracker.mu.Unlock()
	assert.False(t, planar, "parallax-rich pair must pass")
}

func TestAdHocCalcModelViewFromCloud(t *testing.T) {
	tracker := newTestAdHocTracker(t)
	trueR, trueT, world, _, pts2 := adHocFixture(t)

	tracker.mu.Lock()
	tracker.cloud = world
	tracker.trackedFeatures = pts2
	tracker.featureTo3D = make([]int, len(pts2))
	for i := range tracker.featureTo3D {
		tracker.featureTo3D[i] = i
	}
	tracker.state = StateTracking
	tracker.mu.Unlock()

	require.True(t, tracker.CanCalcModelViewMatrix())
	tracker.CalcModelViewMatrix()

	current, ok := tracker.holder.Current()
	require.True(t, ok)
	var rel mat.Dense
	rel.Mul(current.Rotation.T(), trueR)
	assert.Less(t, geometry.RotationAngle(&rel), 1e-4)
	assert.InDelta(t, trueT.At(0, 0), current.Translation.At(0, 0), 1e-4)
	assert.InDelta(t, trueT.At(2, 0), current.Translation.At(2, 0), 1e-4)
}

func TestAdHocBootstrapFromImage(t *testing.T) {
	tracker := newTestAdHocTracker(t)

	scene := texturedImage(640, 480, 21)
	defer scene.Close()

	require.NoError(t, tracker.Bootstrap(scene))
	assert.Equal(t, StateBootstrapping, tracker.State())

	tracker.mu.Lock()
	refs := len(tracker.bootstrapRef)
	current := len(tracker.currentPts)
	tracker.mu.Unlock()
	assert.GreaterOrEqual(t, refs, minFundamentalPoints)
	assert.Equal(t, refs, current)
}

func TestAdHocBootstrapRejectsBlankScene(t *testing.T) {
	tracker := newTestAdHocTracker(t)

	blank := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer blank.Close()

	err := tracker.Bootstrap(blank)
	require.ErrorIs(t, err, ErrInsufficientFeatures)
	assert.Empty(t, tracker.TrackedFeatures())
}

func TestAdHocResetDiscardsCloud(t *testing.T) {
	tracker := newTestAdHocTracker(t)
	_, _, _, pts1, pts2 := adHocFixture(t)

	injectPair(tracker, pts1, pts2)
	require.NoError(t, tracker.CameraPoseAndTriangulationFromFundamental())
	require.NotEmpty(t, tracker.Tracked3DFeatures())

	tracker.Reset()
	assert.Equal(t, StateIdle, tracker.State())
	assert.Empty(t, tracker.Tracked3DFeatures())
	assert.Empty(t, tracker.TrackedFeatures())
	assert.False(t, tracker.holder.HasPose())

	// identity model-view after reset
	mv := tracker.ModelViewFloats()
	assert.Equal(t, float32(1), mv[0])
	assert.Equal(t, float32(0), mv[12])
}

func TestAdHocProcessNewMapRebootstraps(t *testing.T) {
	tracker := newTestAdHocTracker(t)
	_, _, _, pts1, pts2 := adHocFixture(t)

	injectPair(tracker, pts1, pts2)
	require.NoError(t, tracker.CameraPoseAndTriangulationFromFundamental())
	require.Equal(t, StateTracking, tracker.State())

	scene := texturedImage(640, 480, 22)
	defer scene.Close()
	require.NoError(t, tracker.Process(scene, true))

	assert.Equal(t, StateBootstrapping, tracker.State())
	assert.Empty(t, tracker.Tracked3DFeatures())
}
