// Package matconv converts between gocv Mats, point slices and gonum dense
// matrices. Every tracker package funnels its Mat plumbing through here so
// ownership rules stay in one place: functions returning a Mat transfer
// ownership to the caller, who must Close it.
package matconv

import (
	"fmt"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Gray returns a single-channel copy of src. Color input is converted,
// grayscale input is cloned.
func Gray(src gocv.Mat) (gocv.Mat, error) {
	if src.Empty() {
		return gocv.NewMat(), fmt.Errorf("source Mat is empty")
	}
	dst := gocv.NewMat()
	switch src.Channels() {
	case 1:
		dst = src.Clone()
	case 3:
		gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToGray)
	default:
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("unsupported number of channels: %d", src.Channels())
	}
	return dst, nil
}

// PointsToMat32F packs points into an Nx2 CV_32F Mat, the layout expected by
// CalcOpticalFlowPyrLK.
func PointsToMat32F(pts []gocv.Point2f) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV32F)
	for i, p := range pts {
		m.SetFloatAt(i, 0, p.X)
		m.SetFloatAt(i, 1, p.Y)
	}
	return m
}

// PointsFromMat reads a point Mat produced by an optical-flow or feature
// call, accepting both the Nx1 2-channel and the Nx2 1-channel layouts.
func PointsFromMat(m gocv.Mat) []gocv.Point2f {
	pts := make([]gocv.Point2f, m.Rows())
	for i := range pts {
		if m.Channels() == 2 {
			v := m.GetVecfAt(i, 0)
			pts[i] = gocv.Point2f{X: v[0], Y: v[1]}
		} else {
			pts[i] = gocv.Point2f{X: m.GetFloatAt(i, 0), Y: m.GetFloatAt(i, 1)}
		}
	}
	return pts
}

// PointsToMat64FC2 packs points into an Nx1 CV_64FC2 Mat, the layout expected
// by FindHomography.
func PointsToMat64FC2(pts []gocv.Point2f) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 1, gocv.MatTypeCV64FC2)
	for i, p := range pts {
		m.SetDoubleAt(i, 0, float64(p.X))
		m.SetDoubleAt(i, 1, float64(p.Y))
	}
	return m
}

// KeyPointCenters extracts the 2D centers of a keypoint set.
func KeyPointCenters(kps []gocv.KeyPoint) []gocv.Point2f {
	pts := make([]gocv.Point2f, len(kps))
	for i, kp := range kps {
		pts[i] = gocv.Point2f{X: float32(kp.X), Y: float32(kp.Y)}
	}
	return pts
}

// ToR2Points converts gocv points to gonum-friendly r2 points.
func ToR2Points(pts []gocv.Point2f) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return out
}

// MatToDense copies a CV_64F or CV_32F single-channel Mat into a gonum dense
// matrix.
func MatToDense(m gocv.Mat) (*mat.Dense, error) {
	if m.Empty() {
		return nil, fmt.Errorf("source Mat is empty")
	}
	rows, cols := m.Rows(), m.Cols()
	out := mat.NewDense(rows, cols, nil)
	switch m.Type() {
	case gocv.MatTypeCV64F:
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.Set(r, c, m.GetDoubleAt(r, c))
			}
		}
	case gocv.MatTypeCV32F:
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out.Set(r, c, float64(m.GetFloatAt(r, c)))
			}
		}
	default:
		return nil, fmt.Errorf("unsupported Mat type: %d", m.Type())
	}
	return out, nil
}

// DenseToMat64F copies a gonum dense matrix into a CV_64F Mat.
func DenseToMat64F(d *mat.Dense) gocv.Mat {
	rows, cols := d.Dims()
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64F)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.SetDoubleAt(r, c, d.At(r, c))
		}
	}
	return m
}

// MatRowsToFloat32 copies a CV_32F Mat into per-row float32 slices.
func MatRowsToFloat32(m gocv.Mat) [][]float32 {
	rows := make([][]float32, m.Rows())
	for r := range rows {
		row := make([]float32, m.Cols())
		for c := range row {
			row[c] = m.GetFloatAt(r, c)
		}
		rows[r] = row
	}
	return rows
}

// Float32RowsToMat packs per-row float32 slices into a CV_32F Mat. Rows must
// be equal length.
func Float32RowsToMat(rows [][]float32) (gocv.Mat, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return gocv.NewMat(), fmt.Errorf("no data rows")
	}
	cols := len(rows[0])
	m := gocv.NewMatWithSize(len(rows), cols, gocv.MatTypeCV32F)
	for r, row := range rows {
		if len(row) != cols {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("row %d has %d columns, want %d", r, len(row), cols)
		}
		for c, v := range row {
			m.SetFloatAt(r, c, v)
		}
	}
	return m, nil
}
