package tracking

import (
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/config"
)

// Config tunes the trackers. Zero values are invalid; start from
// DefaultConfig.
type Config struct {
	// MinMarkerKeypoints is the minimum keypoint count for a registerable
	// marker. Low-texture markers below it are rejected.
	MinMarkerKeypoints int
	// MinBootstrapInliers is the homography inlier count required to leave
	// bootstrap. Four is the homography minimum.
	MinBootstrapInliers int
	// TrackingLostThreshold is the feature count under which incremental
	// tracking resets to bootstrap. A count exactly at the threshold keeps
	// tracking.
	TrackingLostThreshold int
	// RansacReprojThreshold is the RANSAC reprojection cutoff in pixels for
	// homography estimation.
	RansacReprojThreshold float64
	// FlowErrorThreshold drops optical-flow features whose tracking error
	// exceeds it.
	FlowErrorThreshold float32
	// PlanarInlierRatio is the parallax gate: when a homography explains
	// more than this fraction of two-view correspondences, the pair is
	// considered degenerate for triangulation.
	PlanarInlierRatio float64
	// MinPositiveDepthFraction is the cheirality acceptance bar for a
	// candidate camera pair.
	MinPositiveDepthFraction float64
	// MaxMeanReprojError is the mean reprojection error acceptance bar in
	// pixels for a candidate camera pair.
	MaxMeanReprojError float64
	// FundamentalRansacIters bounds the robust fundamental-matrix search.
	FundamentalRansacIters int
}

// DefaultConfig returns the documented fixed thresholds.
func DefaultConfig() Config {
	return Config{
		MinMarkerKeypoints:       20,
		MinBootstrapInliers:      4,
		TrackingLostThreshold:    10,
		RansacReprojThreshold:    3.0,
		FlowErrorThreshold:       25.0,
		PlanarInlierRatio:        0.75,
		MinPositiveDepthFraction: 0.75,
		MaxMeanReprojError:       4.0,
		FundamentalRansacIters:   200,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.MinMarkerKeypoints < 4 {
		return config.NewValidationError("MinMarkerKeypoints", c.MinMarkerKeypoints, "must be at least 4")
	}
	if c.MinBootstrapInliers < 4 {
		return config.NewValidationError("MinBootstrapInliers", c.MinBootstrapInliers, "must be at least 4, the homography minimum")
	}
	if c.TrackingLostThreshold < 4 {
		return config.NewValidationError("TrackingLostThreshold", c.TrackingLostThreshold, "must be at least 4")
	}
	if c.RansacReprojThreshold <= 0 {
		return config.NewValidationError("RansacReprojThreshold", c.RansacReprojThreshold, "must be positive")
	}
	if c.FlowErrorThreshold <= 0 {
		return config.NewValidationError("FlowErrorThreshold", c.FlowErrorThreshold, "must be positive")
	}
	if c.PlanarInlierRatio <= 0 || c.PlanarInlierRatio > 1 {
		return config.NewValidationError("PlanarInlierRatio", c.PlanarInlierRatio, "must be in (0, 1]")
	}
	if c.MinPositiveDepthFraction <= 0 || c.MinPositiveDepthFraction > 1 {
		return config.NewValidationError("MinPositiveDepthFraction", c.MinPositiveDepthFraction, "must be in (0, 1]")
	}
	if c.MaxMeanReprojError <= 0 {
		return config.NewValidationError("MaxMeanReprojError", c.MaxMeanReprojError, "must be positive")
	}
	if c.FundamentalRansacIters < 1 {
		return config.NewValidationError("FundamentalRansacIters", c.FundamentalRansacIters, "must be at least 1")
	}
	return nil
}
