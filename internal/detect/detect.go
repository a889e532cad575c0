// Package detect recognizes which registered marker, if any, appears in a
// camera frame. Recognition is appearance-based: marker descriptors are
// clustered into a bag-of-visual-words vocabulary, every training view is
// summarized as a normalized word histogram, histograms are compressed with
// PCA, and queries are classified by k-nearest-neighbor voting with a
// distance rejection gate.
package detect

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/config"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/features"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/logger"
	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/matconv"
)

var (
	// ErrEmptyImage reports a malformed or empty input image.
	ErrEmptyImage = errors.New("detect: empty input image")
	// ErrLowTexture reports an image without enough keypoints to describe.
	ErrLowTexture = errors.New("detect: insufficient texture")
	// ErrNoVocabulary reports an operation that needs a clustered vocabulary
	// before any exists.
	ErrNoVocabulary = errors.New("detect: vocabulary not built")
	// ErrNoTraining reports training-dependent operations on an empty
	// training set.
	ErrNoTraining = errors.New("detect: no training samples")
	// ErrNoConfidentMatch reports a frame in which no registered marker
	// could be recognized with confidence. Recoverable every frame.
	ErrNoConfidentMatch = errors.New("detect: no confident match")
	// ErrUnknownLabel reports a lookup for a label never registered.
	ErrUnknownLabel = errors.New("detect: unknown marker label")
)

// Config tunes the recognizer.
type Config struct {
	// VocabularySize is the visual-word count. Clustering uses fewer words
	// when the descriptor pool is smaller.
	VocabularySize int
	// KNN is the neighbor count for classification voting.
	KNN int
	// RejectionDistance rejects a vote when the winning label's nearest
	// sample is farther than this in histogram space.
	RejectionDistance float32
	// PCAComponents is the histogram dimensionality after reduction, capped
	// by the training-set size.
	PCAComponents int
	// MinMarkerKeypoints rejects low-texture marker registrations.
	MinMarkerKeypoints int
}

// DefaultConfig returns the documented fixed recognizer policy.
func DefaultConfig() Config {
	return Config{
		VocabularySize:     64,
		KNN:                3,
		RejectionDistance:  0.5,
		PCAComponents:      32,
		MinMarkerKeypoints: 20,
	}
}

// Validate checks the configuration ranges.
func (c Config) Validate() error {
	if c.VocabularySize < 2 {
		return config.NewValidationError("VocabularySize", c.VocabularySize, "must be at least 2")
	}
	if c.KNN < 1 {
		return config.NewValidationError("KNN", c.KNN, "must be at least 1")
	}
	if c.RejectionDistance <= 0 {
		return config.NewValidationError("RejectionDistance", c.RejectionDistance, "must be positive")
	}
	if c.PCAComponents < 1 {
		return config.NewValidationError("PCAComponents", c.PCAComponents, "must be at least 1")
	}
	if c.MinMarkerKeypoints < 4 {
		return config.NewValidationError("MinMarkerKeypoints", c.MinMarkerKeypoints, "must be at least 4")
	}
	return nil
}

// Marker is a registered marker image with its precomputed features, ready
// to seed a planar tracker. The detector owns the Mats.
type Marker struct {
	Label       string
	Image       gocv.Mat
	Keypoints   []gocv.KeyPoint
	Descriptors gocv.Mat
}

type sample struct {
	label string
	vec   []float32
}

// Detector is the marker recognizer. All methods are safe for concurrent
// use, but training and classification share one lock, so train before the
// camera loop starts.
type Detector struct {
	cfg     Config
	backend features.Backend
	log     logger.Logger

	mu      sync.Mutex
	markers map[string]*Marker
	order   []string

	pool    gocv.Mat // pooled CV_32F marker descriptors, clustering input
	vocab   gocv.Mat // vocabulary centers, one visual word per row
	matcher gocv.BFMatcher

	pcaMean []float32
	pcaEig  [][]float32

	raw       []sample // word histograms before reduction
	projected []sample // classification space after FitPCA
}

// NewDetector creates a recognizer. The detector takes ownership of the
// backend.
func NewDetector(cfg Config, backend features.Backend, log logger.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		backend: backend,
		log:     log,
		markers: make(map[string]*Marker),
		pool:    gocv.NewMat(),
		vocab:   gocv.NewMat(),
		matcher: gocv.NewBFMatcherWithParams(gocv.NormL2, false),
	}, nil
}

// AddMarker registers a marker image under a label and pools its descriptors
// for vocabulary clustering. Re-registering a label replaces the old marker.
func (d *Detector) AddMarker(label string, img gocv.Mat) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}

	mask := gocv.NewMat()
	kps, desc := d.backend.DetectAndCompute(gray, mask)
	mask.Close()
	if len(kps) < d.cfg.MinMarkerKeypoints {
		gray.Close()
		desc.Close()
		return fmt.Errorf("%w: %d keypoints in marker %q, need %d",
			ErrLowTexture, len(kps), label, d.cfg.MinMarkerKeypoints)
	}

	desc32 := gocv.NewMat()
	desc.ConvertTo(&desc32, gocv.MatTypeCV32F)

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.markers[label]; ok {
		old.Image.Close()
		old.Descriptors.Close()
	} else {
		d.order = append(d.order, label)
	}
	d.markers[label] = &Marker{Label: label, Image: gray, Keypoints: kps, Descriptors: desc}

	if d.pool.Empty() {
		d.pool.Close()
		d.pool = desc32.Clone()
	} else {
		merged := gocv.NewMat()
		gocv.Vconcat(d.pool, desc32, &merged)
		d.pool.Close()
		d.pool = merged
	}
	desc32.Close()

	d.log.Info("Detector", "marker registered", map[string]interface{}{
		"label":     label,
		"keypoints": len(kps),
	})
	return nil
}

// AddMarkerFile registers a marker from an image file.
func (d *Detector) AddMarkerFile(label, path string) error {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return fmt.Errorf("%w: cannot read %q", ErrEmptyImage, path)
	}
	defer img.Close()
	return d.AddMarker(label, img)
}

// Cluster builds the visual-word vocabulary by k-means clustering of the
// pooled marker descriptors. A pool smaller than the configured vocabulary
// yields fewer words.
func (d *Detector) Cluster() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clusterLocked()
}

func (d *Detector) clusterLocked() error {
	if d.pool.Empty() {
		return fmt.Errorf("%w: register markers before clustering", ErrNoTraining)
	}
	k := d.cfg.VocabularySize
	if d.pool.Rows() < k {
		k = d.pool.Rows()
	}

	labels := gocv.NewMat()
	defer labels.Close()
	centers := gocv.NewMat()
	criteria := gocv.NewTermCriteria(gocv.MaxIter+gocv.EPS, 100, 0.001)
	gocv.KMeans(d.pool, k, &labels, criteria, 3, gocv.KMeansPPCenters, &centers)

	d.vocab.Close()
	d.vocab = centers
	d.log.Info("Detector", "vocabulary clustered", map[string]interface{}{
		"words":       d.vocab.Rows(),
		"descriptors": d.pool.Rows(),
	})
	return nil
}

// ExtractBOWDescriptor summarizes an image as an L1-normalized visual-word
// histogram against the current vocabulary.
func (d *Detector) ExtractBOWDescriptor(img gocv.Mat) ([]float32, error) {
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extractBOWLocked(gray)
}

func (d *Detector) extractBOWLocked(gray gocv.Mat) ([]float32, error) {
	if d.vocab.Empty() {
		return nil, ErrNoVocabulary
	}
	mask := gocv.NewMat()
	kps, desc := d.backend.DetectAndCompute(gray, mask)
	mask.Close()
	defer desc.Close()
	if len(kps) == 0 || desc.Empty() {
		return nil, ErrLowTexture
	}

	desc32 := gocv.NewMat()
	desc.ConvertTo(&desc32, gocv.MatTypeCV32F)
	defer desc32.Close()

	hist := make([]float32, d.vocab.Rows())
	total := 0
	for _, pair := range d.matcher.KnnMatch(desc32, d.vocab, 1) {
		if len(pair) == 0 {
			continue
		}
		hist[pair[0].TrainIdx]++
		total++
	}
	if total == 0 {
		return nil, ErrLowTexture
	}
	for i := range hist {
		hist[i] /= float32(total)
	}
	return hist, nil
}

// AddImageToTraining adds a labeled view to the training set. Extra views of
// a marker under different lighting and angles improve recognition.
func (d *Detector) AddImageToTraining(img gocv.Mat, label string) error {
	if img.Empty() {
		return ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	hist, err := d.extractBOWLocked(gray)
	if err != nil {
		return err
	}
	d.raw = append(d.raw, sample{label: label, vec: hist})
	return nil
}

// FitPCA fits the histogram reduction on the current training set and
// projects every training sample into the reduced classification space.
func (d *Detector) FitPCA() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fitPCALocked()
}

func (d *Detector) fitPCALocked() error {
	if len(d.raw) == 0 {
		return ErrNoTraining
	}
	rows := make([][]float32, len(d.raw))
	for i, s := range d.raw {
		rows[i] = s.vec
	}
	data, err := matconv.Float32RowsToMat(rows)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoTraining, err)
	}
	defer data.Close()

	comps := d.cfg.PCAComponents
	if comps > len(d.raw) {
		comps = len(d.raw)
	}
	if comps > data.Cols() {
		comps = data.Cols()
	}

	mean := gocv.NewMat()
	defer mean.Close()
	eigvec := gocv.NewMat()
	defer eigvec.Close()
	eigval := gocv.NewMat()
	defer eigval.Close()
	gocv.PCACompute(data, &mean, &eigvec, &eigval, comps)

	d.pcaMean = matconv.MatRowsToFloat32(mean)[0]
	d.pcaEig = matconv.MatRowsToFloat32(eigvec)

	d.projected = make([]sample, len(d.raw))
	for i, s := range d.raw {
		d.projected[i] = sample{label: s.label, vec: d.projectLocked(s.vec)}
	}
	d.log.Info("Detector", "training space fitted", map[string]interface{}{
		"samples":    len(d.projected),
		"components": len(d.pcaEig),
	})
	return nil
}

// projectLocked maps a histogram into the reduced space: subtract the mean,
// then dot against each principal axis.
func (d *Detector) projectLocked(vec []float32) []float32 {
	if len(d.pcaEig) == 0 {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	centered := make([]float32, len(vec))
	for i := range vec {
		centered[i] = vec[i] - d.pcaMean[i]
	}
	out := make([]float32, len(d.pcaEig))
	for i, axis := range d.pcaEig {
		var dot float32
		for j := range axis {
			dot += axis[j] * centered[j]
		}
		out[i] = dot
	}
	return out
}

// Train is the full offline pipeline: cluster the vocabulary, seed the
// training set with every registered marker's own view, and fit the
// reduction. Call AddImageToTraining afterwards and FitPCA again to fold in
// extra views.
func (d *Detector) Train() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.clusterLocked(); err != nil {
		return err
	}
	d.raw = d.raw[:0]
	for _, label := range d.order {
		hist, err := d.extractBOWLocked(d.markers[label].Image)
		if err != nil {
			return fmt.Errorf("training view for %q: %w", label, err)
		}
		d.raw = append(d.raw, sample{label: label, vec: hist})
	}
	return d.fitPCALocked()
}

// DetectMarkerInImage classifies a frame against the trained markers. It
// returns the winning label, or "" with ErrNoConfidentMatch when no marker
// is confidently present. An untrained detector reports ErrNoTraining.
func (d *Detector) DetectMarkerInImage(img gocv.Mat) (string, error) {
	if img.Empty() {
		return "", ErrEmptyImage
	}
	gray, err := matconv.Gray(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmptyImage, err)
	}
	defer gray.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.projected) == 0 {
		return "", ErrNoTraining
	}
	hist, err := d.extractBOWLocked(gray)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoConfidentMatch, err)
	}
	label := d.classifyLocked(d.projectLocked(hist))
	if label == "" {
		return "", ErrNoConfidentMatch
	}
	return label, nil
}

type neighbor struct {
	label string
	dist  float32
}

func (d *Detector) classifyLocked(vec []float32) string {
	neighbors := make([]neighbor, len(d.projected))
	for i, s := range d.projected {
		neighbors[i] = neighbor{label: s.label, dist: euclidean(vec, s.vec)}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].dist < neighbors[j].dist })

	k := d.cfg.KNN
	if k > len(neighbors) {
		k = len(neighbors)
	}

	votes := make(map[string]int, k)
	nearest := make(map[string]float32, k)
	for _, n := range neighbors[:k] {
		votes[n.label]++
		if _, ok := nearest[n.label]; !ok {
			nearest[n.label] = n.dist
		}
	}

	// majority vote, ties broken by the nearer label
	winner := ""
	for _, n := range neighbors[:k] {
		if winner == "" || votes[n.label] > votes[winner] {
			winner = n.label
		}
	}
	if winner == "" || nearest[winner] > d.cfg.RejectionDistance {
		return ""
	}
	return winner
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return float32(math.Sqrt(sum))
}

// Marker returns the registered marker for a label.
func (d *Detector) Marker(label string) (*Marker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.markers[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return m, nil
}

// Labels returns the registered marker labels in registration order.
func (d *Detector) Labels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Close releases the detector's native resources, including the backend.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.markers {
		m.Image.Close()
		m.Descriptors.Close()
	}
	d.markers = nil
	d.pool.Close()
	d.vocab.Close()
	d.matcher.Close()
	return d.backend.Close()
}
