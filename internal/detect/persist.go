package detect

import (
	"encoding/json"
	"fmt"
	"io"

	"gocv.io/x/gocv"

	"github.com/FihlaTV/ofxNaturalFeatureTracker/internal/matconv"
)

// persistedSample is one labeled training vector.
type persistedSample struct {
	Label  string    `json:"label"`
	Vector []float32 `json:"vector"`
}

// persistedMarker carries a marker image as PNG; keypoints and descriptors
// are re-extracted on load so the stored state stays backend-independent.
type persistedMarker struct {
	Label string `json:"label"`
	PNG   []byte `json:"png"`
}

type persistedDetector struct {
	Config          Config            `json:"config"`
	Markers         []persistedMarker `json:"markers"`
	Vocabulary      [][]float32       `json:"vocabulary,omitempty"`
	PCAMean         []float32         `json:"pca_mean,omitempty"`
	PCAEigenvectors [][]float32       `json:"pca_eigenvectors,omitempty"`
	Raw             []persistedSample `json:"raw,omitempty"`
	Projected       []persistedSample `json:"projected,omitempty"`
}

// Save writes the detector's trained state as JSON: marker images, the
// vocabulary, the fitted reduction and the training set.
func (d *Detector) Save(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := persistedDetector{
		Config:          d.cfg,
		PCAMean:         d.pcaMean,
		PCAEigenvectors: d.pcaEig,
	}
	for _, label := range d.order {
		buf, err := gocv.IMEncode(gocv.PNGFileExt, d.markers[label].Image)
		if err != nil {
			return fmt.Errorf("encoding marker %q: %w", label, err)
		}
		png := make([]byte, len(buf.GetBytes()))
		copy(png, buf.GetBytes())
		buf.Close()
		state.Markers = append(state.Markers, persistedMarker{Label: label, PNG: png})
	}
	if !d.vocab.Empty() {
		state.Vocabulary = matconv.MatRowsToFloat32(d.vocab)
	}
	for _, s := range d.raw {
		state.Raw = append(state.Raw, persistedSample{Label: s.label, Vector: s.vec})
	}
	for _, s := range d.projected {
		state.Projected = append(state.Projected, persistedSample{Label: s.label, Vector: s.vec})
	}

	enc := json.NewEncoder(w)
	return enc.Encode(state)
}

// Load restores a detector saved with Save into an empty detector created
// with NewDetector. Marker features are re-extracted with the current
// backend.
func (d *Detector) Load(r io.Reader) error {
	var state persistedDetector
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("decoding detector state: %w", err)
	}

	for _, pm := range state.Markers {
		img, err := gocv.IMDecode(pm.PNG, gocv.IMReadGrayScale)
		if err != nil {
			return fmt.Errorf("decoding marker %q: %w", pm.Label, err)
		}
		addErr := d.AddMarker(pm.Label, img)
		img.Close()
		if addErr != nil {
			return fmt.Errorf("restoring marker %q: %w", pm.Label, addErr)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = state.Config
	if len(state.Vocabulary) > 0 {
		vocab, err := matconv.Float32RowsToMat(state.Vocabulary)
		if err != nil {
			return fmt.Errorf("restoring vocabulary: %w", err)
		}
		d.vocab.Close()
		d.vocab = vocab
	}
	d.pcaMean = state.PCAMean
	d.pcaEig = state.PCAEigenvectors
	d.raw = d.raw[:0]
	for _, s := range state.Raw {
		d.raw = append(d.raw, sample{label: s.Label, vec: s.Vector})
	}
	d.projected = d.projected[:0]
	for _, s := range state.Projected {
		d.projected = append(d.projected, sample{label: s.Label, vec: s.Vector})
	}
	return nil
}
