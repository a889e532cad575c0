package geometry

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// normalizePoints translates points to their centroid and scales them so the
// mean distance from the origin is sqrt(2), per Multiple View Geometry
// Alg 11.1. Returns the transformed points and the 3x3 transform applied.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := float64(len(pts))
	mu := r2.Point{}
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1 / n)

	d := 0.0
	for _, pt := range pts {
		d += math.Hypot(pt.X-mu.X, pt.Y-mu.Y) / n
	}
	scale := math.Sqrt2 / d
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = r2.Point{X: scale * (pt.X - mu.X), Y: scale * (pt.Y - mu.Y)}
	}
	return out, T
}

// FundamentalFromPoints estimates the fundamental matrix from matched point
// sets with the normalized eight-point algorithm. Needs at least 8
// correspondences.
func FundamentalFromPoints(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, ErrInsufficientPoints
	}
	if len(pts1) < 8 {
		return nil, ErrInsufficientPoints
	}

	points1, T1 := normalizePoints(pts1)
	points2, T2 := normalizePoints(pts2)

	m := mat.NewDense(len(points1), 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	parts, err := factorize(m)
	if err != nil {
		return nil, err
	}
	lastCol := parts.V.ColView(8)
	data := make([]float64, 9)
	for i := range data {
		data[i] = lastCol.AtVec(i)
	}
	F := mat.NewDense(3, 3, data)

	// enforce rank 2
	fParts, err := factorize(F)
	if err != nil {
		return nil, err
	}
	S := mat.NewDense(3, 3, nil)
	S.Set(0, 0, fParts.S[0])
	S.Set(1, 1, fParts.S[1])
	var Fhat mat.Dense
	Fhat.Mul(fParts.U, S)
	F.Mul(&Fhat, fParts.VT)

	// denormalize: T2^T F T1
	F.Mul(transpose(T2), F)
	F.Mul(F, T1)
	if math.Abs(F.At(2, 2)) > 1e-12 {
		F.Scale(1/F.At(2, 2), F)
	}
	return F, nil
}

// symmetricEpipolarDistance measures how far a correspondence sits from the
// epipolar lines implied by F, symmetrized over both images.
func symmetricEpipolarDistance(f *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := []float64{p1.X, p1.Y, 1}
	x2 := []float64{p2.X, p2.Y, 1}

	// l2 = F x1, l1 = F^T x2
	l2 := make([]float64, 3)
	l1 := make([]float64, 3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			l2[i] += f.At(i, j) * x1[j]
			l1[i] += f.At(j, i) * x2[j]
		}
	}
	num := x2[0]*l2[0] + x2[1]*l2[1] + x2[2]*l2[2]
	num *= num

	d := 0.0
	if s := l2[0]*l2[0] + l2[1]*l2[1]; s > 0 {
		d += num / s
	}
	if s := l1[0]*l1[0] + l1[1]*l1[1]; s > 0 {
		d += num / s
	}
	return d
}

// FundamentalRANSAC estimates the fundamental matrix with random sample
// consensus over minimal eight-point fits, then refits on the inlier set.
// thresholdPx is the symmetric epipolar distance cutoff in pixels. Returns
// the matrix and the inlier mask over the input correspondences.
func FundamentalRANSAC(pts1, pts2 []r2.Point, thresholdPx float64, iterations int) (*mat.Dense, []bool, error) {
	n := len(pts1)
	if n != len(pts2) || n < 8 {
		return nil, nil, ErrInsufficientPoints
	}

	threshSq := thresholdPx * thresholdPx
	rng := rand.New(rand.NewSource(1))
	bestInliers := 0
	var bestMask []bool

	sample1 := make([]r2.Point, 8)
	sample2 := make([]r2.Point, 8)
	for it := 0; it < iterations; it++ {
		perm := rng.Perm(n)
		for i := 0; i < 8; i++ {
			sample1[i] = pts1[perm[i]]
			sample2[i] = pts2[perm[i]]
		}
		F, err := FundamentalFromPoints(sample1, sample2)
		if err != nil {
			continue
		}
		mask := make([]bool, n)
		inliers := 0
		for i := range pts1 {
			if symmetricEpipolarDistance(F, pts1[i], pts2[i]) < threshSq {
				mask[i] = true
				inliers++
			}
		}
		if inliers > bestInliers {
			bestInliers = inliers
			bestMask = mask
		}
	}
	if bestInliers < 8 {
		return nil, nil, ErrDegenerate
	}

	in1 := make([]r2.Point, 0, bestInliers)
	in2 := make([]r2.Point, 0, bestInliers)
	for i, ok := range bestMask {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	F, err := FundamentalFromPoints(in1, in2)
	if err != nil {
		return nil, nil, err
	}
	return F, bestMask, nil
}

// EssentialFromFundamental lifts a fundamental matrix to the essential matrix
// with the calibration matrix K, re-enforcing the (1, 1, 0) singular value
// structure.
func EssentialFromFundamental(k, f *mat.Dense) (*mat.Dense, error) {
	var essMat, tmp mat.Dense
	tmp.Mul(transpose(k), f)
	essMat.Mul(&tmp, k)

	parts, err := factorize(&essMat)
	if err != nil {
		return nil, err
	}
	S := eye(3)
	S.Set(2, 2, 0)
	essMat.Mul(parts.U, S)
	essMat.Mul(&essMat, parts.VT)
	out := mat.DenseCopyOf(&essMat)
	return out, nil
}
