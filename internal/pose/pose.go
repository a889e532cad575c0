// Package pose holds the camera pose produced by the trackers and its
// rendering-convention model-view matrix.
package pose

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// axisFlip converts from the detection camera convention (looking down +Z)
// to the rendering convention (looking down -Z) by negating the Y and Z axes.
func axisFlip() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, -1, 0,
		0, 0, 0, 1,
	})
}

// Pose is a camera pose: rotation, translation and the cached 4x4 model-view
// matrix in the rendering convention (column-major, ready for upload).
type Pose struct {
	Rotation    *mat.Dense
	Translation *mat.Dense
	modelView   *mat.Dense
}

// New builds a pose from a 3x3 rotation and a 3x1 translation and caches its
// model-view matrix.
func New(rotation, translation *mat.Dense) Pose {
	rt := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, rotation.At(i, j))
		}
		rt.Set(i, 3, translation.At(i, 0))
	}
	rt.Set(3, 3, 1)

	var flipped mat.Dense
	flipped.Mul(axisFlip(), rt)

	mv := mat.NewDense(4, 4, nil)
	mv.Copy(flipped.T())

	return Pose{
		Rotation:    mat.DenseCopyOf(rotation),
		Translation: mat.DenseCopyOf(translation),
		modelView:   mv,
	}
}

// ModelView returns the cached 4x4 model-view matrix.
func (p Pose) ModelView() *mat.Dense {
	return mat.DenseCopyOf(p.modelView)
}

// Holder guards the current pose for concurrent readers. A consumer may read
// a coherent snapshot at any time without synchronizing with the tracker's
// frame cadence.
type Holder struct {
	mu      sync.RWMutex
	current *Pose
}

// NewHolder creates an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Set stores a newly computed pose.
func (h *Holder) Set(p Pose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = &p
}

// HasPose reports whether a pose has been computed since the last reset.
func (h *Holder) HasPose() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil
}

// ModelView returns a copy of the current model-view matrix, or the 4x4
// identity if no pose has ever been computed. It never fails.
func (h *Holder) ModelView() *mat.Dense {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		identity := mat.NewDense(4, 4, nil)
		for i := 0; i < 4; i++ {
			identity.Set(i, i, 1)
		}
		return identity
	}
	return h.current.ModelView()
}

// ModelViewFloats returns the current model-view matrix flattened to 16
// float32 values for direct upload by a renderer.
func (h *Holder) ModelViewFloats() [16]float32 {
	mv := h.ModelView()
	var out [16]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = float32(mv.At(i, j))
		}
	}
	return out
}

// Current returns a copy of the stored pose, if any.
func (h *Holder) Current() (Pose, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil {
		return Pose{}, false
	}
	return *h.current, true
}

// Reset discards the stored pose; subsequent reads return identity.
func (h *Holder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = nil
}
