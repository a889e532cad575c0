package geometry

import (
	"gonum.org/v1/gonum/mat"
)

// DecomposeEssential decomposes an essential matrix into the two candidate
// rotations and the translation direction, up to sign. Proper rotations
// (determinant +1) are enforced: when the first candidate comes out improper
// the essential matrix sign is flipped and the decomposition redone. Pose
// disambiguation between the four (R, t) combinations is the caller's job.
func DecomposeEssential(e *mat.Dense) (r1, r2, t *mat.Dense, err error) {
	E := mat.DenseCopyOf(e)
	parts, err := factorize(E)
	if err != nil {
		return nil, nil, nil, err
	}

	W := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})

	var R1 mat.Dense
	R1.Mul(parts.U, W)
	R1.Mul(&R1, parts.VT)
	if mat.Det(&R1) < 0 {
		E.Scale(-1, E)
		parts, err = factorize(E)
		if err != nil {
			return nil, nil, nil, err
		}
		R1.Mul(parts.U, W)
		R1.Mul(&R1, parts.VT)
	}

	var R2 mat.Dense
	R2.Mul(parts.U, transpose(W))
	R2.Mul(&R2, parts.VT)

	u3 := parts.U.ColView(2)
	tvec := mat.NewDense(3, 1, []float64{u3.AtVec(0), u3.AtVec(1), u3.AtVec(2)})

	return mat.DenseCopyOf(&R1), mat.DenseCopyOf(&R2), tvec, nil
}

// ComposeProjection builds the 3x4 projection matrix [R|t].
func ComposeProjection(r, t *mat.Dense) *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Set(i, j, r.At(i, j))
		}
		p.Set(i, 3, t.At(i, 0))
	}
	return p
}

// IdentityProjection builds the 3x4 reference projection [I|0].
func IdentityProjection() *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	p.Set(0, 0, 1)
	p.Set(1, 1, 1)
	p.Set(2, 2, 1)
	return p
}
