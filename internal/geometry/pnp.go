package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// SolvePnP estimates the camera pose from 2D-3D correspondences with a direct
// linear transform over calibration-normalized image points, followed by
// orthonormalization of the rotation block. Needs at least 6 correspondences.
// The returned translation shares the scale of the object points.
func SolvePnP(obj []r3.Vector, img []r2.Point, k *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if len(obj) != len(img) {
		return nil, nil, ErrInsufficientPoints
	}
	if len(obj) < 6 {
		return nil, nil, ErrInsufficientPoints
	}
	var kinv mat.Dense
	if err := kinv.Inverse(k); err != nil {
		return nil, nil, ErrDegenerate
	}

	n := len(obj)
	A := mat.NewDense(2*n, 12, nil)
	for i := range obj {
		// normalized camera coordinates
		u, v := img[i].X, img[i].Y
		x := kinv.At(0, 0)*u + kinv.At(0, 1)*v + kinv.At(0, 2)
		y := kinv.At(1, 0)*u + kinv.At(1, 1)*v + kinv.At(1, 2)

		X, Y, Z := obj[i].X, obj[i].Y, obj[i].Z
		A.SetRow(2*i, []float64{
			X, Y, Z, 1, 0, 0, 0, 0, -x * X, -x * Y, -x * Z, -x,
		})
		A.SetRow(2*i+1, []float64{
			0, 0, 0, 0, X, Y, Z, 1, -y * X, -y * Y, -y * Z, -y,
		})
	}

	parts, err := factorize(A)
	if err != nil {
		return nil, nil, err
	}
	sol := parts.V.ColView(11)
	P := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			P.Set(i, j, sol.AtVec(i*4+j))
		}
	}

	M := mat.DenseCopyOf(P.Slice(0, 3, 0, 3))
	if mat.Det(M) < 0 {
		P.Scale(-1, P)
		M.Scale(-1, M)
	}

	mParts, err := factorize(M)
	if err != nil {
		return nil, nil, err
	}
	var R mat.Dense
	R.Mul(mParts.U, mParts.VT)
	scale := (mParts.S[0] + mParts.S[1] + mParts.S[2]) / 3
	if scale < 1e-15 {
		return nil, nil, ErrDegenerate
	}
	t := mat.NewDense(3, 1, []float64{
		P.At(0, 3) / scale,
		P.At(1, 3) / scale,
		P.At(2, 3) / scale,
	})

	rOut := mat.DenseCopyOf(&R)
	if PositiveDepthFraction(ComposeProjection(rOut, t), obj) < 0.5 {
		return nil, nil, ErrDegenerate
	}
	return rOut, t, nil
}

// PoseFromHomography recovers the camera pose relative to the z=0 plane from
// a plane-to-image homography and the calibration matrix, using the
// H = K [r1 r2 t] factorization with SVD orthonormalization of the rotation.
func PoseFromHomography(h, k *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	var kinv mat.Dense
	if err := kinv.Inverse(k); err != nil {
		return nil, nil, ErrDegenerate
	}
	var A mat.Dense
	A.Mul(&kinv, h)

	a1 := r3.Vector{X: A.At(0, 0), Y: A.At(1, 0), Z: A.At(2, 0)}
	a2 := r3.Vector{X: A.At(0, 1), Y: A.At(1, 1), Z: A.At(2, 1)}
	a3 := r3.Vector{X: A.At(0, 2), Y: A.At(1, 2), Z: A.At(2, 2)}

	norm := (a1.Norm() + a2.Norm()) / 2
	if norm < 1e-15 {
		return nil, nil, ErrDegenerate
	}
	lambda := 1 / norm
	// the homography is defined up to sign; the plane must sit in front of
	// the camera
	if a3.Z*lambda < 0 {
		lambda = -lambda
	}

	r1 := a1.Mul(lambda)
	r2c := a2.Mul(lambda)
	r3c := r1.Cross(r2c)
	t := mat.NewDense(3, 1, []float64{a3.X * lambda, a3.Y * lambda, a3.Z * lambda})

	R0 := mat.NewDense(3, 3, []float64{
		r1.X, r2c.X, r3c.X,
		r1.Y, r2c.Y, r3c.Y,
		r1.Z, r2c.Z, r3c.Z,
	})
	parts, err := factorize(R0)
	if err != nil {
		return nil, nil, err
	}
	var R mat.Dense
	R.Mul(parts.U, parts.VT)
	if d := mat.Det(&R); d < 0 {
		// flip the last column of V to restore a proper rotation
		D := eye(3)
		D.Set(2, 2, -1)
		R.Mul(parts.U, D)
		R.Mul(&R, parts.VT)
	}
	return mat.DenseCopyOf(&R), t, nil
}

// RotationAngle returns the rotation angle in radians encoded by a 3x3
// rotation matrix. Useful for comparing recovered poses against references.
func RotationAngle(r *mat.Dense) float64 {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	c := (trace - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c)
}
