// Package geometry implements the two-view estimation primitives behind the
// trackers: fundamental and essential matrices, essential-matrix
// decomposition, linear triangulation and perspective pose solving. All
// functions are pure over immutable inputs and safe for concurrent use.
package geometry

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerate reports an input configuration the solvers cannot work with:
// a rank-deficient system, a non-invertible calibration matrix, or a
// factorization failure.
var ErrDegenerate = errors.New("geometry: degenerate configuration")

// ErrInsufficientPoints reports too few correspondences for the requested
// estimation.
var ErrInsufficientPoints = errors.New("geometry: insufficient points")

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func transpose(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

// svdParts holds the factors of a full SVD.
type svdParts struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  []float64
}

func factorize(m *mat.Dense) (*svdParts, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, ErrDegenerate
	}
	u, v, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	return &svdParts{U: u, V: v, VT: vt, S: svd.Values(nil)}, nil
}
