package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func grayFrame(t *testing.T, fill uint8) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8U)
	for r := 0; r < m.Rows(); r++ {
		for c := 0; c < m.Cols(); c++ {
			m.SetUCharAt(r, c, fill)
		}
	}
	return m
}

func TestSlotEmptyTake(t *testing.T) {
	s := NewSlot()
	defer s.Close()

	f, ok := s.Take()
	f.Close()
	assert.False(t, ok)
}

func TestSlotOverwritesUnconsumedFrame(t *testing.T) {
	s := NewSlot()
	defer s.Close()

	a := grayFrame(t, 10)
	defer a.Close()
	b := grayFrame(t, 20)
	defer b.Close()

	s.Put(a)
	s.Put(b)

	got, ok := s.Take()
	defer got.Close()
	require.True(t, ok)
	assert.Equal(t, uint8(20), got.GetUCharAt(0, 0), "older frame must be dropped")

	_, ok = s.Take()
	assert.False(t, ok, "a frame is consumed at most once")
}

func TestSlotTakeReturnsCopy(t *testing.T) {
	s := NewSlot()
	defer s.Close()

	a := grayFrame(t, 42)
	s.Put(a)
	a.Close() // the slot must not alias the producer's Mat

	got, ok := s.Take()
	defer got.Close()
	require.True(t, ok)
	assert.Equal(t, uint8(42), got.GetUCharAt(3, 3))
}

func TestSlotIgnoresEmptyFrames(t *testing.T) {
	s := NewSlot()
	defer s.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	s.Put(empty)

	f, ok := s.Take()
	f.Close()
	assert.False(t, ok)
}
