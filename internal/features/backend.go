// Package features abstracts keypoint detection, descriptor extraction and
// descriptor matching behind a capability contract, so the trackers never
// depend on a concrete algorithm.
package features

import (
	"gocv.io/x/gocv"
)

// Backend is the detector/extractor/matcher capability set consumed by the
// trackers and the marker detector. Implementations own native resources and
// must be closed. A Backend instance is not safe for concurrent use; each
// tracker worker owns its own.
type Backend interface {
	// Detect finds keypoints in a grayscale image. An empty mask means the
	// whole image.
	Detect(img, mask gocv.Mat) []gocv.KeyPoint
	// DetectAndCompute finds keypoints and extracts their descriptors. The
	// caller owns the returned descriptor Mat.
	DetectAndCompute(img, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)
	// Match matches query descriptors against train descriptors, returning
	// only matches that survive the backend's ambiguity filter.
	Match(query, train gocv.Mat) []gocv.DMatch
	Close() error
}

// MatchingConfig fixes the match-filter policy. KNN with k=2 and a Lowe
// ratio test is the default; cross-checking additionally requires the match
// to be mutual.
type MatchingConfig struct {
	RatioThreshold float64
	CrossCheck     bool
}

// DefaultMatchingConfig returns the documented fixed policy: ratio 0.75,
// no cross-check.
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{RatioThreshold: 0.75, CrossCheck: false}
}

// ratioFilter applies the Lowe ratio test to k=2 KNN matches.
func ratioFilter(knn [][]gocv.DMatch, ratio float64) []gocv.DMatch {
	out := make([]gocv.DMatch, 0, len(knn))
	for _, pair := range knn {
		if len(pair) < 2 {
			if len(pair) == 1 {
				out = append(out, pair[0])
			}
			continue
		}
		if pair[0].Distance < ratio*pair[1].Distance {
			out = append(out, pair[0])
		}
	}
	return out
}

// crossCheckFilter keeps only matches that are mutual nearest neighbors.
func crossCheckFilter(forward []gocv.DMatch, reverse [][]gocv.DMatch) []gocv.DMatch {
	best := make(map[int]int, len(reverse))
	for _, pair := range reverse {
		if len(pair) > 0 {
			best[pair[0].QueryIdx] = pair[0].TrainIdx
		}
	}
	out := make([]gocv.DMatch, 0, len(forward))
	for _, m := range forward {
		if q, ok := best[m.TrainIdx]; ok && q == m.QueryIdx {
			out = append(out, m)
		}
	}
	return out
}

// ORBBackend implements Backend with ORB keypoints and brute-force Hamming
// matching.
type ORBBackend struct {
	orb     gocv.ORB
	matcher gocv.BFMatcher
	cfg     MatchingConfig
}

// NewORBBackend creates the default backend.
func NewORBBackend(cfg MatchingConfig) *ORBBackend {
	return &ORBBackend{
		orb:     gocv.NewORB(),
		matcher: gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
		cfg:     cfg,
	}
}

func (b *ORBBackend) Detect(img, mask gocv.Mat) []gocv.KeyPoint {
	kps, desc := b.orb.DetectAndCompute(img, mask)
	desc.Close()
	return kps
}

func (b *ORBBackend) DetectAndCompute(img, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat) {
	return b.orb.DetectAndCompute(img, mask)
}

func (b *ORBBackend) Match(query, train gocv.Mat) []gocv.DMatch {
	return filteredMatch(&b.matcher, query, train, b.cfg)
}

func (b *ORBBackend) Close() error {
	b.orb.Close()
	return b.matcher.Close()
}

// AKAZEBackend implements Backend with AKAZE keypoints. Its MLDB descriptors
// are binary, so matching uses the same Hamming policy as ORB.
type AKAZEBackend struct {
	akaze   gocv.AKAZE
	matcher gocv.BFMatcher
	cfg     MatchingConfig
}

// NewAKAZEBackend creates an AKAZE-based backend.
func NewAKAZEBackend(cfg MatchingConfig) *AKAZEBackend {
	return &AKAZEBackend{
		akaze:   gocv.NewAKAZE(),
		matcher: gocv.NewBFMatcherWithParams(gocv.NormHamming, false),
		cfg:     cfg,
	}
}

func (b *AKAZEBackend) Detect(img, mask gocv.Mat) []gocv.KeyPoint {
	kps, desc := b.akaze.DetectAndCompute(img, mask)
	desc.Close()
	return kps
}

func (b *AKAZEBackend) DetectAndCompute(img, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat) {
	return b.akaze.DetectAndCompute(img, mask)
}

func (b *AKAZEBackend) Match(query, train gocv.Mat) []gocv.DMatch {
	return filteredMatch(&b.matcher, query, train, b.cfg)
}

func (b *AKAZEBackend) Close() error {
	b.akaze.Close()
	return b.matcher.Close()
}

func filteredMatch(matcher *gocv.BFMatcher, query, train gocv.Mat, cfg MatchingConfig) []gocv.DMatch {
	if query.Empty() || train.Empty() {
		return nil
	}
	knn := matcher.KnnMatch(query, train, 2)
	matches := ratioFilter(knn, cfg.RatioThreshold)
	if cfg.CrossCheck {
		reverse := matcher.KnnMatch(train, query, 1)
		matches = crossCheckFilter(matches, reverse)
	}
	return matches
}
