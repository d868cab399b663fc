package array

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayIndexing(t *testing.T) {
	a := New(2, 3)
	a.Set(5, 1, 2)
	a.Set(7, 0, 1)
	assert.Equal(t, []float64{0, 7, 0, 0, 0, 5}, a.Data())
	assert.Equal(t, 5.0, a.At(1, 2))
	assert.Equal(t, [][]float64{{0, 7, 0}, {0, 0, 5}}, a.Rows())
}

func TestArrayScalar(t *testing.T) {
	a := New()
	assert.Equal(t, 1, a.Len())
	a.Set(3)
	assert.Equal(t, 3.0, a.At())
}

func TestArrayAdd(t *testing.T) {
	a := Ones(2, 2)
	require.NoError(t, a.Add(Ones(2, 2)))
	assert.True(t, a.ApproxEqual(Ones(2, 2).scaled(2), 0))

	err := a.Add(Ones(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestFromSlice(t *testing.T) {
	a, err := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 4.0, a.At(1, 1))
	assert.Equal(t, []int{3, 2}, a.Shape())

	_, err = FromSlice([]float64{1, 2}, 3)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestCloneIsDeep(t *testing.T) {
	a := Vector([]float64{1, 2})
	b := a.Clone()
	b.Set(9, 0)
	assert.Equal(t, 1.0, a.At(0))

	shape := a.Shape()
	shape[0] = 100
	assert.Equal(t, []int{2}, a.Shape())
}

func (a *Array) scaled(s float64) *Array {
	res := a.Clone()
	res.Scale(s)
	return res
}
