package tracking

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/frame"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/geometry"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/matconv"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/pose"
)

// minPnPPoints is the correspondence minimum for the linear pose solver.
const minPnPPoints = 6

// minFundamentalPoints is the correspondence minimum for the eight-point
// algorithm.
const minFundamentalPoints = 8

// AdHocSfMTracker creates an ad-hoc marker from any textured surface: it
// reconstructs a 3D point cloud from two views via essential-matrix
// decomposition and triangulation, then tracks those points exactly like a
// planar marker. The reconstruction lives in an arbitrary bootstrap
// coordinate frame and is discarded on reset.
type AdHocSfMTracker struct {
	cfg     Config
	backend features.Backend
	camMat  *mat.Dense
	log     logger.Logger

	slot   *frame.Slot
	worker *Worker
	holder *pose.Holder

	mu    sync.Mutex
	state State

	// two-view bootstrap bookkeeping: bootstrapRef holds feature positions
	// in the reference view, currentPts their tracked positions in the
	// latest view, bootstrapLinks the index of each current point in the
	// reference set. currentPts and bootstrapLinks stay index-aligned.
	bootstrapRef   []gocv.Point2f
	currentPts     []gocv.Point2f
	bootstrapLinks []int

	// incremental tracking state: featureTo3D links feature i to its
	// reconstructed cloud point, index-aligned with trackedFeatures.
	trackedFeatures []gocv.Point2f
	featureTo3D     []int
	cloud           []r3.Vector

	prevGray gocv.Mat
}

// NewAdHocSfMTracker creates an ad-hoc tracker for the given camera
// intrinsics. The tracker takes ownership of the backend.
func NewAdHocSfMTracker(cfg Config, backend features.Backend, camMat *mat.Dense, log logger.Logger) (*AdHocSfMTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var kinv mat.Dense
	if err := kinv.Inverse(camMat); err != nil {
		return nil, fmt.Errorf("camera matrix must be invertible: %w", err)
	}
	t := &AdHocSfMTracker{
		cfg:      cfg,
		backend:  backend,
		camMat:   mat.DenseCopyOf(camMat),
		log:      log,
		slot:     frame.NewSlot(),
		holder:   pose.NewHolder(),
		state:    StateIdle,
		prevGray: gocv.NewMat(),
	}
	t.worker = NewWorker(t.slot, t.processFrame, log)
	return t, nil
}

// Bootstrap stores the first view's keypoints as the two-view reference. No
// pose exists yet.
func (t *AdHocSfMTracker) Bootstrap(img gocv.Mat) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bootstrapLocked(gray)
}

func (t *AdHocSfMTracker) bootstrapLocked(gray gocv.Mat) error {
	mask := gocv.NewMat()
	defer mask.Close()
	kps := t.backend.Detect(gray, mask)

	t.cloud = nil
	t.trackedFeatures = nil
	t.featureTo3D = nil
	t.state = StateBootstrapping

	if len(kps) < minFundamentalPoints {
		t.bootstrapRef = nil
		t.currentPts = nil
		t.bootstrapLinks = nil
		return fmt.Errorf("%w: %d keypoints in reference view", ErrInsufficientFeatures, len(kps))
	}

	t.bootstrapRef = matconv.KeyPointCenters(kps)
	t.currentPts = make([]gocv.Point2f, len(t.bootstrapRef))
	copy(t.currentPts, t.bootstrapRef)
	t.bootstrapLinks = make([]int, len(t.bootstrapRef))
	for i := range t.bootstrapLinks {
		t.bootstrapLinks[i] = i
	}
	t.prevGray.Close()
	t.prevGray = gray.Clone()

	t.log.Debug("AdHocSfMTracker", "bootstrap reference captured", map[string]interface{}{
		"keypoints": len(kps),
	})
	return nil
}

// BootstrapTrack advances the reference keypoints into a new view and, once
// the pair shows enough parallax, attempts the two-view reconstruction.
// Pairs still explained by a pure homography are degenerate and the tracker
// waits for a different second frame.
func (t *AdHocSfMTracker) BootstrapTrack(img gocv.Mat) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bootstrapTrackLocked(gray)
}

func (t *AdHocSfMTracker) bootstrapTrackLocked(gray gocv.Mat) error {
	if len(t.bootstrapRef) == 0 {
		return t.bootstrapLocked(gray)
	}

	kept, links, err := flowStep(t.prevGray, gray, t.currentPts, t.bootstrapLinks, t.cfg.FlowErrorThreshold)
	if err != nil {
		return err
	}
	t.currentPts = kept
	t.bootstrapLinks = links
	t.prevGray.Close()
	t.prevGray = gray.Clone()

	if len(t.currentPts) < minFundamentalPoints {
		t.log.Debug("AdHocSfMTracker", "bootstrap pair lost, reseeding", map[string]interface{}{
			"survivors": len(t.currentPts),
		})
		return t.bootstrapLocked(gray)
	}

	if t.pairIsPlanarLocked() {
		return fmt.Errorf("%w: insufficient parallax", ErrDegenerateGeometry)
	}
	return t.poseAndTriangulationLocked()
}

// pairIsPlanarLocked checks the classical SfM degeneracy: if a homography
// explains most of the two-view correspondences there is no usable parallax.
func (t *AdHocSfMTracker) pairIsPlanarLocked() bool {
	refPts := make([]gocv.Point2f, len(t.currentPts))
	for i, idx := range t.bootstrapLinks {
		refPts[i] = t.bootstrapRef[idx]
	}
	src := matconv.PointsToMat64FC2(refPts)
	defer src.Close()
	dst := matconv.PointsToMat64FC2(t.currentPts)
	defer dst.Close()
	hmask := gocv.NewMat()
	defer hmask.Close()
	hm := gocv.FindHomography(src, &dst, gocv.HomograpyMethodRANSAC,
		t.cfg.RansacReprojThreshold, &hmask, 2000, 0.995)
	defer hm.Close()
	if hm.Empty() {
		return false
	}
	inliers := 0
	for i := 0; i < hmask.Rows(); i++ {
		if hmask.GetUCharAt(i, 0) > 0 {
			inliers++
		}
	}
	ratio := float64(inliers) / float64(len(t.currentPts))
	return ratio > t.cfg.PlanarInlierRatio
}

// CameraPoseAndTriangulationFromFundamental estimates the fundamental matrix
// from the current two-view correspondences, lifts it to the essential
// matrix, and tries the four candidate (rotation, translation) decompositions
// against the triangulation checks, accepting the first physically valid one.
func (t *AdHocSfMTracker) CameraPoseAndTriangulationFromFundamental() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poseAndTriangulationLocked()
}

func (t *AdHocSfMTracker) poseAndTriangulationLocked() error {
	refPts := make([]gocv.Point2f, len(t.currentPts))
	for i, idx := range t.bootstrapLinks {
		refPts[i] = t.bootstrapRef[idx]
	}
	pts1 := matconv.ToR2Points(refPts)
	pts2 := matconv.ToR2Points(t.currentPts)

	F, inlierMask, err := geometry.FundamentalRANSAC(pts1, pts2,
		t.cfg.RansacReprojThreshold, t.cfg.FundamentalRansacIters)
	if err != nil {
		return fmt.Errorf("%w: fundamental estimation: %v", ErrDegenerateGeometry, err)
	}

	in1 := make([]r2.Point, 0, len(pts1))
	in2 := make([]r2.Point, 0, len(pts2))
	inCur := make([]gocv.Point2f, 0, len(t.currentPts))
	for i, ok := range inlierMask {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
			inCur = append(inCur, t.currentPts[i])
		}
	}

	E, err := geometry.EssentialFromFundamental(t.camMat, F)
	if err != nil {
		return fmt.Errorf("%w: essential lift: %v", ErrDegenerateGeometry, err)
	}
	R1, R2, tvec, err := geometry.DecomposeEssential(E)
	if err != nil {
		return fmt.Errorf("%w: essential decomposition: %v", ErrDegenerateGeometry, err)
	}

	var tNeg mat.Dense
	tNeg.Scale(-1, tvec)
	candidates := []struct {
		r *mat.Dense
		t *mat.Dense
	}{
		{R1, tvec}, {R1, &tNeg}, {R2, tvec}, {R2, &tNeg},
	}

	var p0 mat.Dense
	p0.Mul(t.camMat, geometry.IdentityProjection())
	for _, cand := range candidates {
		var p1 mat.Dense
		p1.Mul(t.camMat, geometry.ComposeProjection(cand.r, mat.DenseCopyOf(cand.t)))
		cloud, ok := t.triangulateAndCheckReproj(&p0, &p1, in1, in2)
		if !ok {
			continue
		}
		t.cloud = cloud
		t.trackedFeatures = inCur
		t.featureTo3D = make([]int, len(inCur))
		for i := range t.featureTo3D {
			t.featureTo3D[i] = i
		}
		t.state = StateTracking
		t.holder.Set(pose.New(cand.r, mat.DenseCopyOf(cand.t)))
		t.log.Info("AdHocSfMTracker", "two-view reconstruction accepted", map[string]interface{}{
			"points": len(cloud),
		})
		return nil
	}

	// no candidate survived; retry with a fresh frame pair
	t.bootstrapRef = nil
	t.currentPts = nil
	t.bootstrapLinks = nil
	return fmt.Errorf("%w: no valid candidate pose", ErrDegenerateGeometry)
}

// triangulateAndCheckReproj triangulates every correspondence under the
// candidate camera pair and accepts it only when most points have positive
// depth in both views and the mean reprojection error stays below the pixel
// threshold.
func (t *AdHocSfMTracker) triangulateAndCheckReproj(p, p1 *mat.Dense, pts1, pts2 []r2.Point) ([]r3.Vector, bool) {
	cloud, err := geometry.Triangulate(p, p1, pts1, pts2)
	if err != nil {
		return nil, false
	}
	if geometry.PositiveDepthFraction(p, cloud) <= t.cfg.MinPositiveDepthFraction {
		return nil, false
	}
	if geometry.PositiveDepthFraction(p1, cloud) <= t.cfg.MinPositiveDepthFraction {
		return nil, false
	}
	if geometry.MeanReprojectionError(p1, pts2, cloud) >= t.cfg.MaxMeanReprojError {
		return nil, false
	}
	if geometry.MeanReprojectionError(p, pts1, cloud) >= t.cfg.MaxMeanReprojError {
		return nil, false
	}
	return cloud, true
}

// Track advances the reconstructed-point features into the given frame with
// sparse optical flow. Dropping below the continuation threshold discards
// the cloud and resets to bootstrap.
func (t *AdHocSfMTracker) Track(img gocv.Mat) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackLocked(gray)
}

func (t *AdHocSfMTracker) trackLocked(gray gocv.Mat) error {
	if len(t.trackedFeatures) == 0 || t.prevGray.Empty() {
		t.resetMapLocked()
		return ErrTrackingLost
	}
	kept, links, err := flowStep(t.prevGray, gray, t.trackedFeatures, t.featureTo3D, t.cfg.FlowErrorThreshold)
	if err != nil {
		return err
	}
	t.trackedFeatures = kept
	t.featureTo3D = links
	t.prevGray.Close()
	t.prevGray = gray.Clone()

	if len(t.trackedFeatures) < t.cfg.TrackingLostThreshold {
		t.log.Info("AdHocSfMTracker", "tracking lost", map[string]interface{}{
			"features":  len(t.trackedFeatures),
			"threshold": t.cfg.TrackingLostThreshold,
		})
		t.resetMapLocked()
		return ErrTrackingLost
	}
	return nil
}

// Process is the per-frame driver. newmap requests a full re-bootstrap,
// discarding the existing point cloud.
func (t *AdHocSfMTracker) Process(img gocv.Mat, newmap bool) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	if newmap {
		t.resetMapLocked()
	}

	var stepErr error
	switch t.state {
	case StateIdle:
		stepErr = t.bootstrapLocked(gray)
	case StateBootstrapping:
		stepErr = t.bootstrapTrackLocked(gray)
	case StateTracking:
		stepErr = t.trackLocked(gray)
		if t.canCalcLocked() {
			t.calcModelViewLocked()
		}
	}
	return stepErr
}

// CalcModelViewMatrix re-estimates the camera pose from the current
// feature-to-cloud correspondences. On failure the previous pose is left in
// place.
func (t *AdHocSfMTracker) CalcModelViewMatrix() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calcModelViewLocked()
}

func (t *AdHocSfMTracker) calcModelViewLocked() {
	if !t.canCalcLocked() {
		return
	}
	obj := make([]r3.Vector, len(t.trackedFeatures))
	for i, idx := range t.featureTo3D {
		obj[i] = t.cloud[idx]
	}
	img := matconv.ToR2Points(t.trackedFeatures)

	R, tvec, err := geometry.SolvePnP(obj, img, t.camMat)
	if err != nil {
		t.log.Debug("AdHocSfMTracker", "pose solve failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	t.holder.Set(pose.New(R, tvec))
}

// CanCalcModelViewMatrix reports whether enough correspondences exist for
// the pose solver.
func (t *AdHocSfMTracker) CanCalcModelViewMatrix() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canCalcLocked()
}

func (t *AdHocSfMTracker) canCalcLocked() bool {
	return t.state == StateTracking && len(t.trackedFeatures) >= minPnPPoints
}

// resetMapLocked discards the reconstruction and returns to bootstrap; the
// next frame reseeds the reference view.
func (t *AdHocSfMTracker) resetMapLocked() {
	t.cloud = nil
	t.trackedFeatures = nil
	t.featureTo3D = nil
	t.bootstrapRef = nil
	t.currentPts = nil
	t.bootstrapLinks = nil
	t.holder.Reset()
	t.state = StateIdle
}

// Reset discards the reconstruction and all tracked features.
func (t *AdHocSfMTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetMapLocked()
}

// Update hands the latest frame to the tracker's worker.
func (t *AdHocSfMTracker) Update(img gocv.Mat) {
	t.slot.Put(img)
}

// Start launches the continuous processing loop.
func (t *AdHocSfMTracker) Start(ctx context.Context) {
	t.worker.Start(ctx)
}

// Stop terminates the processing loop between frames.
func (t *AdHocSfMTracker) Stop() {
	t.worker.Stop()
}

func (t *AdHocSfMTracker) processFrame(f gocv.Mat) {
	_ = t.Process(f, false)
}

// State returns the current tracking state.
func (t *AdHocSfMTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsTracking reports whether incremental tracking is active.
func (t *AdHocSfMTracker) IsTracking() bool {
	return t.State() == StateTracking
}

// TrackedFeatures returns a copy of the current 2D feature positions.
func (t *AdHocSfMTracker) TrackedFeatures() []gocv.Point2f {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]gocv.Point2f, len(t.trackedFeatures))
	copy(out, t.trackedFeatures)
	return out
}

// Tracked3DFeatures returns a copy of the reconstructed point cloud.
func (t *AdHocSfMTracker) Tracked3DFeatures() []r3.Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]r3.Vector, len(t.cloud))
	copy(out, t.cloud)
	return out
}

// ModelView returns the current model-view matrix, identity before the first
// pose.
func (t *AdHocSfMTracker) ModelView() *mat.Dense {
	return t.holder.ModelView()
}

// ModelViewFloats returns the model-view matrix flattened for a renderer.
func (t *AdHocSfMTracker) ModelViewFloats() [16]float32 {
	return t.holder.ModelViewFloats()
}

// Close stops the worker and releases native resources.
func (t *AdHocSfMTracker) Close() error {
	t.Stop()
	t.slot.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prevGray.Close()
	return t.backend.Close()
}
