package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// crossProductMatrix returns the skew-symmetric matrix [p]x for a homogeneous
// image point.
func crossProductMatrix(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// Triangulate recovers 3D points from matched projections under the two 3x4
// projection matrices p and p1, with the linear cross-product method. The
// image points must be expressed in the same space as the projections (pixel
// coordinates for K-premultiplied matrices).
func Triangulate(p, p1 *mat.Dense, pts1, pts2 []r2.Point) ([]r3.Vector, error) {
	if len(pts1) != len(pts2) {
		return nil, ErrInsufficientPoints
	}
	out := make([]r3.Vector, len(pts1))
	for i := range pts1 {
		h1 := r3.Vector{X: pts1[i].X, Y: pts1[i].Y, Z: 1}
		h2 := r3.Vector{X: pts2[i].X, Y: pts2[i].Y, Z: 1}

		var top, bottom mat.Dense
		top.Mul(crossProductMatrix(h1), p)
		bottom.Mul(crossProductMatrix(h2), p1)
		var A mat.Dense
		A.Stack(&top, &bottom)

		parts, err := factorize(&A)
		if err != nil {
			return nil, err
		}
		pt := parts.V.ColView(3)
		w := pt.AtVec(3)
		if math.Abs(w) < 1e-15 {
			return nil, ErrDegenerate
		}
		out[i] = r3.Vector{
			X: pt.AtVec(0) / w,
			Y: pt.AtVec(1) / w,
			Z: pt.AtVec(2) / w,
		}
	}
	return out, nil
}

// Project applies a 3x4 projection matrix to a 3D point and dehomogenizes.
func Project(p *mat.Dense, pt r3.Vector) r2.Point {
	x := p.At(0, 0)*pt.X + p.At(0, 1)*pt.Y + p.At(0, 2)*pt.Z + p.At(0, 3)
	y := p.At(1, 0)*pt.X + p.At(1, 1)*pt.Y + p.At(1, 2)*pt.Z + p.At(1, 3)
	z := p.At(2, 0)*pt.X + p.At(2, 1)*pt.Y + p.At(2, 2)*pt.Z + p.At(2, 3)
	if z == 0 {
		return r2.Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return r2.Point{X: x / z, Y: y / z}
}

// MeanReprojectionError computes the mean L2 pixel distance between observed
// points and the projections of their triangulated counterparts.
func MeanReprojectionError(p *mat.Dense, observed []r2.Point, pts3d []r3.Vector) float64 {
	if len(observed) == 0 {
		return math.Inf(1)
	}
	total := 0.0
	for i, pt := range pts3d {
		proj := Project(p, pt)
		total += math.Hypot(proj.X-observed[i].X, proj.Y-observed[i].Y)
	}
	return total / float64(len(observed))
}

// PositiveDepthFraction returns the fraction of points with positive depth
// under the projection p. The depth sign comes from the third projection row,
// which is unaffected by a calibration premultiply since K's last row is
// (0, 0, 1).
func PositiveDepthFraction(p *mat.Dense, pts3d []r3.Vector) float64 {
	if len(pts3d) == 0 {
		return 0
	}
	positive := 0
	for _, pt := range pts3d {
		depth := p.At(2, 0)*pt.X + p.At(2, 1)*pt.Y + p.At(2, 2)*pt.Z + p.At(2, 3)
		if depth > 0 {
			positive++
		}
	}
	return float64(positive) / float64(len(pts3d))
}
