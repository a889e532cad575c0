package tracking

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/frame"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/geometry"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/matconv"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/pose"
)

// PlanarTracker tracks one registered planar marker through a video stream.
// It bootstraps from feature matching plus a robust homography, then switches
// to incremental optical-flow tracking, re-estimating the 3D pose from the
// marker-plane correspondences every frame. It recovers automatically: losing
// the features falls back to bootstrap, never to a fatal error.
type PlanarTracker struct {
	cfg     Config
	backend features.Backend
	camMat  *mat.Dense
	log     logger.Logger

	slot   *frame.Slot
	worker *Worker
	holder *pose.Holder

	mu           sync.Mutex
	state        State
	markerImage  gocv.Mat
	markerKP     []gocv.KeyPoint
	markerDesc   gocv.Mat
	markerBounds [4]gocv.Point2f

	// trackedFeatures and featureToMarker are index-aligned: entry i of the
	// link array names the marker keypoint that feature i observes. Removals
	// always drop both entries at the same position.
	trackedFeatures []gocv.Point2f
	featureToMarker []int
	prevGray        gocv.Mat
	homography      *mat.Dense
}

// NewPlanarTracker creates a tracker for the given camera intrinsics. The
// tracker takes ownership of the backend.
func NewPlanarTracker(cfg Config, backend features.Backend, camMat *mat.Dense, log logger.Logger) (*PlanarTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var kinv mat.Dense
	if err := kinv.Inverse(camMat); err != nil {
		return nil, fmt.Errorf("camera matrix must be invertible: %w", err)
	}
	t := &PlanarTracker{
		cfg:         cfg,
		backend:     backend,
		camMat:      mat.DenseCopyOf(camMat),
		log:         log,
		slot:        frame.NewSlot(),
		holder:      pose.NewHolder(),
		state:       StateIdle,
		markerImage: gocv.NewMat(),
		markerDesc:  gocv.NewMat(),
		prevGray:    gocv.NewMat(),
	}
	t.worker = NewWorker(t.slot, t.processFrame, log)
	return t, nil
}

// SetMarker registers the image to track. It fails with
// ErrInsufficientFeatures on low-texture markers, leaving prior state
// untouched.
func (t *PlanarTracker) SetMarker(img gocv.Mat) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := t.backend.DetectAndCompute(gray, mask)
	if len(kps) < t.cfg.MinMarkerKeypoints {
		desc.Close()
		return fmt.Errorf("%w: marker has %d keypoints, need %d",
			ErrInsufficientFeatures, len(kps), t.cfg.MinMarkerKeypoints)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.markerImage.Close()
	t.markerDesc.Close()
	t.markerImage = gray.Clone()
	t.markerKP = kps
	t.markerDesc = desc
	w := float32(gray.Cols())
	h := float32(gray.Rows())
	t.markerBounds = [4]gocv.Point2f{
		{X: 0, Y: 0}, {X: w, Y: 0}, {X: w, Y: h}, {X: 0, Y: h},
	}
	t.resetLocked()

	t.log.Info("PlanarTracker", "marker registered", map[string]interface{}{
		"keypoints": len(kps),
		"width":     gray.Cols(),
		"height":    gray.Rows(),
	})
	return nil
}

// BootstrapTracking matches the frame against the marker and estimates a
// robust homography. With enough homography-consistent matches the tracker
// transitions to incremental tracking; otherwise it stays in bootstrap and
// retries on the next frame. A non-nil useHomography skips estimation and
// scores matches against the supplied marker-to-frame transform instead.
func (t *PlanarTracker) BootstrapTracking(img gocv.Mat, useHomography *mat.Dense, mask gocv.Mat) error {
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
	return t.bootstrapLocked(gray, useHomography, mask)
}

func (t *PlanarTracker) bootstrapLocked(gray gocv.Mat, useHomography *mat.Dense, mask gocv.Mat) error {
	if t.markerDesc.Empty() {
		return fmt.Errorf("%w: no marker registered", ErrInsufficientFeatures)
	}

	kps, desc := t.backend.DetectAndCompute(gray, mask)
	defer desc.Close()
	matches := t.backend.Match(desc, t.markerDesc)
	if len(matches) < t.cfg.MinBootstrapInliers {
		t.log.Debug("PlanarTracker", "bootstrap: too few matches", map[string]interface{}{
			"matches": len(matches),
		})
		return fmt.Errorf("%w: %d matches", ErrInsufficientFeatures, len(matches))
	}

	markerPts := make([]gocv.Point2f, len(matches))
	framePts := make([]gocv.Point2f, len(matches))
	markerIdx := make([]int, len(matches))
	for i, m := range matches {
		mk := t.markerKP[m.TrainIdx]
		fk := kps[m.QueryIdx]
		markerPts[i] = gocv.Point2f{X: float32(mk.X), Y: float32(mk.Y)}
		framePts[i] = gocv.Point2f{X: float32(fk.X), Y: float32(fk.Y)}
		markerIdx[i] = m.TrainIdx
	}

	var H *mat.Dense
	inlier := make([]bool, len(matches))
	if useHomography != nil {
		H = mat.DenseCopyOf(useHomography)
		for i := range markerPts {
			proj := applyHomography(H, markerPts[i])
			dx := float64(proj.X - framePts[i].X)
			dy := float64(proj.Y - framePts[i].Y)
			inlier[i] = math.Hypot(dx, dy) <= t.cfg.RansacReprojThreshold
		}
	} else {
		src := matconv.PointsToMat64FC2(markerPts)
		defer src.Close()
		dst := matconv.PointsToMat64FC2(framePts)
		defer dst.Close()
		hmask := gocv.NewMat()
		defer hmask.Close()
		hm := gocv.FindHomography(src, &dst, gocv.HomograpyMethodRANSAC,
			t.cfg.RansacReprojThreshold, &hmask, 2000, 0.995)
		defer hm.Close()
		if hm.Empty() {
			return fmt.Errorf("%w: homography estimation failed", ErrDegenerateGeometry)
		}
		var err error
		H, err = matconv.MatToDense(hm)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
		}
		for i := range inlier {
			inlier[i] = hmask.GetUCharAt(i, 0) > 0
		}
	}

	kept := make([]gocv.Point2f, 0, len(matches))
	links := make([]int, 0, len(matches))
	for i, ok := range inlier {
		if ok {
			kept = append(kept, framePts[i])
			links = append(links, markerIdx[i])
		}
	}
	if len(kept) < t.cfg.MinBootstrapInliers {
		t.log.Debug("PlanarTracker", "bootstrap: too few inliers", map[string]interface{}{
			"inliers": len(kept),
			"matches": len(matches),
		})
		return fmt.Errorf("%w: %d homography inliers", ErrInsufficientFeatures, len(kept))
	}

	t.trackedFeatures = kept
	t.featureToMarker = links
	t.homography = H
	t.prevGray.Close()
	t.prevGray = gray.Clone()
	t.state = StateTracking

	t.log.Info("PlanarTracker", "bootstrap complete", map[string]interface{}{
		"inliers": len(kept),
	})
	return nil
}

// Track advances the tracked features into the given frame with sparse
// optical flow, dropping features with low flow confidence or out-of-bounds
// positions. Dropping below the continuation threshold resets to bootstrap.
func (t *PlanarTracker) Track(img gocv.Mat) error {
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

func (t *PlanarTracker) trackLocked(gray gocv.Mat) error {
	if len(t.trackedFeatures) == 0 || t.prevGray.Empty() {
		t.state = StateBootstrapping
		return ErrTrackingLost
	}

	kept, links, err := flowStep(t.prevGray, gray, t.trackedFeatures, t.featureToMarker, t.cfg.FlowErrorThreshold)
	if err != nil {
		return err
	}
	t.trackedFeatures = kept
	t.featureToMarker = links
	t.prevGray.Close()
	t.prevGray = gray.Clone()

	if len(t.trackedFeatures) < t.cfg.TrackingLostThreshold {
		t.log.Info("PlanarTracker", "tracking lost", map[string]interface{}{
			"features":  len(t.trackedFeatures),
			"threshold": t.cfg.TrackingLostThreshold,
		})
		t.trackedFeatures = nil
		t.featureToMarker = nil
		t.state = StateBootstrapping
		return ErrTrackingLost
	}
	return nil
}

// Process is the per-frame driver: it dispatches to bootstrap or incremental
// tracking based on the current state, then recomputes the pose when enough
// correspondences exist. The sentinel errors it returns are steady-state
// conditions, not failures.
func (t *PlanarTracker) Process(img, mask gocv.Mat) error {
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

	var stepErr error
	switch t.state {
	case StateIdle:
		return nil
	case StateBootstrapping:
		stepErr = t.bootstrapLocked(gray, nil, mask)
	case StateTracking:
		stepErr = t.trackLocked(gray)
	}
	if t.canCalcLocked() {
		t.calcModelViewLocked()
	}
	return stepErr
}

// CalcModelViewMatrix re-estimates the camera pose from the current
// feature-to-marker-plane correspondences. On failure the previous pose is
// left in place.
func (t *PlanarTracker) CalcModelViewMatrix() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calcModelViewLocked()
}

func (t *PlanarTracker) calcModelViewLocked() {
	if !t.canCalcLocked() {
		return
	}
	markerPts := make([]gocv.Point2f, len(t.trackedFeatures))
	for i, idx := range t.featureToMarker {
		kp := t.markerKP[idx]
		markerPts[i] = gocv.Point2f{X: float32(kp.X), Y: float32(kp.Y)}
	}

	src := matconv.PointsToMat64FC2(markerPts)
	defer src.Close()
	dst := matconv.PointsToMat64FC2(t.trackedFeatures)
	defer dst.Close()
	hmask := gocv.NewMat()
	defer hmask.Close()
	hm := gocv.FindHomography(src, &dst, gocv.HomograpyMethodRANSAC,
		t.cfg.RansacReprojThreshold, &hmask, 2000, 0.995)
	defer hm.Close()
	if hm.Empty() {
		return
	}
	H, err := matconv.MatToDense(hm)
	if err != nil {
		return
	}

	// keep only homography-consistent features, links staying in step
	kept := t.trackedFeatures[:0]
	links := t.featureToMarker[:0]
	for i := range t.trackedFeatures {
		if i < hmask.Rows() && hmask.GetUCharAt(i, 0) > 0 {
			kept = append(kept, t.trackedFeatures[i])
			links = append(links, t.featureToMarker[i])
		}
	}
	t.trackedFeatures = kept
	t.featureToMarker = links
	if len(t.trackedFeatures) < t.cfg.MinBootstrapInliers {
		return
	}
	t.homography = H

	R, tvec, err := geometry.PoseFromHomography(H, t.camMat)
	if err != nil {
		t.log.Debug("PlanarTracker", "pose solve failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	t.holder.Set(pose.New(R, tvec))
}

// CanCalcModelViewMatrix reports whether enough correspondences exist for a
// pose solve.
func (t *PlanarTracker) CanCalcModelViewMatrix() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canCalcLocked()
}

func (t *PlanarTracker) canCalcLocked() bool {
	return len(t.trackedFeatures) >= t.cfg.MinBootstrapInliers
}

// Reset clears all tracked features and their links, forces the state back
// to bootstrap and discards the pose.
func (t *PlanarTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *PlanarTracker) resetLocked() {
	t.trackedFeatures = nil
	t.featureToMarker = nil
	t.homography = nil
	t.prevGray.Close()
	t.prevGray = gocv.NewMat()
	t.holder.Reset()
	if t.markerDesc.Empty() {
		t.state = StateIdle
	} else {
		t.state = StateBootstrapping
	}
}

// Update hands the latest frame to the tracker's worker. Unconsumed frames
// are overwritten, never queued.
func (t *PlanarTracker) Update(img gocv.Mat) {
	t.slot.Put(img)
}

// Start launches the continuous processing loop.
func (t *PlanarTracker) Start(ctx context.Context) {
	t.worker.Start(ctx)
}

// Stop terminates the processing loop between frames.
func (t *PlanarTracker) Stop() {
	t.worker.Stop()
}

func (t *PlanarTracker) processFrame(f gocv.Mat) {
	mask := gocv.NewMat()
	defer mask.Close()
	_ = t.Process(f, mask)
}

// State returns the current tracking state.
func (t *PlanarTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsTracking reports whether incremental tracking is active.
func (t *PlanarTracker) IsTracking() bool {
	return t.State() == StateTracking
}

// TrackedFeatures returns a copy of the current 2D feature positions for
// debug overlay.
func (t *PlanarTracker) TrackedFeatures() []gocv.Point2f {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]gocv.Point2f, len(t.trackedFeatures))
	copy(out, t.trackedFeatures)
	return out
}

// MarkerBounds returns the marker's bounding quadrilateral projected through
// the current homography into frame coordinates, for debug overlay. ok is
// false before the first successful bootstrap.
func (t *PlanarTracker) MarkerBounds() ([4]gocv.Point2f, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.homography == nil {
		return [4]gocv.Point2f{}, false
	}
	var out [4]gocv.Point2f
	for i, p := range t.markerBounds {
		out[i] = applyHomography(t.homography, p)
	}
	return out, true
}

// ModelView returns the current model-view matrix, identity before the first
// pose.
func (t *PlanarTracker) ModelView() *mat.Dense {
	return t.holder.ModelView()
}

// ModelViewFloats returns the model-view matrix flattened for a renderer.
func (t *PlanarTracker) ModelViewFloats() [16]float32 {
	return t.holder.ModelViewFloats()
}

// Close stops the worker and releases native resources.
func (t *PlanarTracker) Close() error {
	t.Stop()
	t.slot.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markerImage.Close()
	t.markerDesc.Close()
	t.prevGray.Close()
	return t.backend.Close()
}

// applyHomography maps a point through a 3x3 projective transform.
func applyHomography(h *mat.Dense, p gocv.Point2f) gocv.Point2f {
	x := float64(p.X)
	y := float64(p.Y)
	denom := h.At(2, 0)*x + h.At(2, 1)*y + h.At(2, 2)
	if denom == 0 {
		return gocv.Point2f{X: float32(math.Inf(1)), Y: float32(math.Inf(1))}
	}
	sx := (h.At(0, 0)*x + h.At(0, 1)*y + h.At(0, 2)) / denom
	sy := (h.At(1, 0)*x + h.At(1, 1)*y + h.At(1, 2)) / denom
	return gocv.Point2f{X: float32(sx), Y: float32(sy)}
}

// flowStep runs pyramidal Lucas-Kanade from prev to next and prunes features
// by flow status, flow error and image bounds. links is pruned at the same
// positions, preserving the index alignment invariant.
func flowStep(prev, next gocv.Mat, pts []gocv.Point2f, links []int, maxErr float32) ([]gocv.Point2f, []int, error) {
	prevPts := matconv.PointsToMat32F(pts)
	defer prevPts.Close()
	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()

	gocv.CalcOpticalFlowPyrLK(prev, next, prevPts, nextPts, &status, &flowErr)
	moved := matconv.PointsFromMat(nextPts)

	kept := make([]gocv.Point2f, 0, len(pts))
	keptLinks := make([]int, 0, len(pts))
	cols := float32(next.Cols())
	rows := float32(next.Rows())
	for i := range moved {
		if i >= status.Rows() {
			break
		}
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		if flowErr.Rows() > i && flowErr.GetFloatAt(i, 0) > maxErr {
			continue
		}
		p := moved[i]
		if p.X < 0 || p.Y < 0 || p.X >= cols || p.Y >= rows {
			continue
		}
		kept = append(kept, p)
		keptLinks = append(keptLinks, links[i])
	}
	return kept, keptLinks, nil
}
