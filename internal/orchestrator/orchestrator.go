// Package orchestrator ties recognition to tracking: every camera frame is
// classified, a planar tracker is spawned the first time a known marker is
// sighted, and the frame is fanned out to every live tracker's worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/detect"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/tracking"
)

// Recognizer is the classification capability consumed per frame. The
// concrete implementation is detect.Detector.
type Recognizer interface {
	DetectMarkerInImage(img gocv.Mat) (string, error)
	Marker(label string) (*detect.Marker, error)
}

// Orchestrator fans camera frames out to per-marker planar trackers.
// Trackers are created lazily on first sighting and live until Shutdown;
// a marker leaving the view keeps its tracker, which simply relocalizes
// when the marker returns.
type Orchestrator struct {
	cfg        tracking.Config
	recognizer Recognizer
	newBackend func() features.Backend
	camMat     *mat.Dense
	log        logger.Logger

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	trackers map[string]*tracking.PlanarTracker
}

// New creates an orchestrator. newBackend is called once per spawned
// tracker, since a feature backend is single-owner.
func New(cfg tracking.Config, recognizer Recognizer, newBackend func() features.Backend, camMat *mat.Dense, log logger.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:        cfg,
		recognizer: recognizer,
		newBackend: newBackend,
		camMat:     mat.DenseCopyOf(camMat),
		log:        log,
		trackers:   make(map[string]*tracking.PlanarTracker),
	}, nil
}

// Start arms the orchestrator; trackers spawned afterwards run under ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx = ctx
	o.started = true
}

// Update classifies the frame, spawns a tracker on a first sighting, and
// hands the frame to every live tracker. Recognition failures on a single
// frame are not fatal; the error is returned for observability.
func (o *Orchestrator) Update(img gocv.Mat) error {
	if img.Empty() {
		return detect.ErrEmptyImage
	}

	label, err := o.recognizer.DetectMarkerInImage(img)
	if err != nil && !errors.Is(err, detect.ErrNoConfidentMatch) && !errors.Is(err, detect.ErrNoTraining) {
		return fmt.Errorf("recognizing frame: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return fmt.Errorf("orchestrator not started")
	}

	if label != "" {
		if _, ok := o.trackers[label]; !ok {
			if err := o.spawnLocked(label); err != nil {
				o.log.Error("Orchestrator", err, map[string]interface{}{
					"label": label,
				})
			}
		}
	}

	for _, t := range o.trackers {
		t.Update(img)
	}
	return nil
}

func (o *Orchestrator) spawnLocked(label string) error {
	marker, err := o.recognizer.Marker(label)
	if err != nil {
		return fmt.Errorf("spawning tracker: %w", err)
	}
	t, err := tracking.NewPlanarTracker(o.cfg, o.newBackend(), o.camMat, o.log)
	if err != nil {
		return fmt.Errorf("spawning tracker for %q: %w", label, err)
	}
	if err := t.SetMarker(marker.Image); err != nil {
		t.Close()
		return fmt.Errorf("registering marker %q: %w", label, err)
	}
	t.Start(o.ctx)
	o.trackers[label] = t
	o.log.Info("Orchestrator", "tracker spawned", map[string]interface{}{
		"label": label,
	})
	return nil
}

// Tracker returns the live tracker for a label, if one has been spawned.
func (o *Orchestrator) Tracker(label string) (*tracking.PlanarTracker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[label]
	return t, ok
}

// Labels returns the labels with live trackers.
func (o *Orchestrator) Labels() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.trackers))
	for label := range o.trackers {
		out = append(out, label)
	}
	return out
}

// Shutdown stops and closes every tracker. The orchestrator cannot be
// restarted afterwards.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for label, t := range o.trackers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing tracker %q: %w", label, err)
		}
	}
	o.trackers = make(map[string]*tracking.PlanarTracker)
	o.started = false
	return firstErr
}
