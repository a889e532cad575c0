package matconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

func TestGrayPassesThroughAndConverts(t *testing.T) {
	color := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC3)
	defer color.Close()
	g, err := Gray(color)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, 1, g.Channels())

	g2, err := Gray(g)
	require.NoError(t, err)
	defer g2.Close()
	assert.Equal(t, 1, g2.Channels())

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = Gray(empty)
	require.Error(t, err)
}

func TestPointRoundTrips(t *testing.T) {
	pts := []gocv.Point2f{{X: 1.5, Y: -2}, {X: 320, Y: 240}, {X: 0, Y: 7.25}}

	m32 := PointsToMat32F(pts)
	defer m32.Close()
	assert.Equal(t, pts, PointsFromMat(m32))

	m64 := PointsToMat64FC2(pts)
	defer m64.Close()
	assert.Equal(t, len(pts), m64.Rows())
	assert.Equal(t, gocv.MatTypeCV64FC2, m64.Type())
	assert.InDelta(t, float64(pts[0].X), m64.GetDoubleAt(0, 0), 1e-9)
	assert.InDelta(t, float64(pts[2].Y), m64.GetDoubleAt(2, 1), 1e-9)
}

func TestDenseRoundTrip(t *testing.T) {
	d := mat.NewDense(3, 3, []float64{
		1, 0, 150.5,
		0, 1, -90.25,
		0, 0, 1,
	})
	m := DenseToMat64F(d)
	defer m.Close()

	back, err := MatToDense(m)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(d, back, 1e-12))
}

func TestFloat32RowsRoundTrip(t *testing.T) {
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}}
	m, err := Float32RowsToMat(rows)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, rows, MatRowsToFloat32(m))

	_, err = Float32RowsToMat([][]float32{{1, 2}, {3}})
	require.Error(t, err)

	_, err = Float32RowsToMat(nil)
	require.Error(t, err)
}
