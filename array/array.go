// Package array implements dense, row-major float64
// arrays of arbitrary rank, used as message buffers and
// running sums.
package array

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrShape is returned when two arrays that must agree in
// shape do not.
var ErrShape = errors.New("shape mismatch")

// An Array is a dense row-major block of float64 values.
type Array struct {
	shape []int
	data  []float64
}

// New creates a zero array with the given shape.
// A call with no dimensions creates a scalar.
func New(shape ...int) *Array {
	return &Array{shape: copyShape(shape), data: make([]float64, Size(shape))}
}

// Ones creates an array filled with 1.
func Ones(shape ...int) *Array {
	a := New(shape...)
	a.Fill(1)
	return a
}

// FromSlice wraps data in an array of the given shape.
// The data is not copied.
func FromSlice(data []float64, shape ...int) (*Array, error) {
	if Size(shape) != len(data) {
		return nil, errors.Wrapf(ErrShape, "%d values cannot fill shape %v", len(data), shape)
	}
	return &Array{shape: copyShape(shape), data: data}, nil
}

// Vector creates a 1-d array holding a copy of v.
func Vector(v []float64) *Array {
	return &Array{shape: []int{len(v)}, data: append([]float64{}, v...)}
}

// Size computes the number of elements in a shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// SameShape checks if two shapes are identical.
func SameShape(s1, s2 []int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i, x := range s1 {
		if s2[i] != x {
			return false
		}
	}
	return true
}

// Shape returns a copy of the array's shape.
func (a *Array) Shape() []int {
	return copyShape(a.shape)
}

// Data returns the backing slice.
func (a *Array) Data() []float64 {
	return a.data
}

// Len gets the total number of elements.
func (a *Array) Len() int {
	return len(a.data)
}

// At gets the element at a multi-dimensional index.
func (a *Array) At(idx ...int) float64 {
	return a.data[a.offset(idx)]
}

// Set sets the element at a multi-dimensional index.
func (a *Array) Set(value float64, idx ...int) {
	a.data[a.offset(idx)] = value
}

// Clone creates a deep copy of the array.
func (a *Array) Clone() *Array {
	return &Array{shape: copyShape(a.shape), data: append([]float64{}, a.data...)}
}

// Fill sets every element to x.
func (a *Array) Fill(x float64) {
	for i := range a.data {
		a.data[i] = x
	}
}

// Add adds other to a in place.
func (a *Array) Add(other *Array) error {
	if !SameShape(a.shape, other.shape) {
		return errors.Wrapf(ErrShape, "cannot add %v to %v", other.shape, a.shape)
	}
	for i, x := range other.data {
		a.data[i] += x
	}
	return nil
}

// Scale multiplies every element by s in place.
func (a *Array) Scale(s float64) {
	for i := range a.data {
		a.data[i] *= s
	}
}

// CopyFrom copies the contents of other into a.
func (a *Array) CopyFrom(other *Array) error {
	if !SameShape(a.shape, other.shape) {
		return errors.Wrapf(ErrShape, "cannot copy %v into %v", other.shape, a.shape)
	}
	copy(a.data, other.data)
	return nil
}

// Rows splits a 2-d array into per-row slices that alias
// the backing data.
func (a *Array) Rows() [][]float64 {
	if len(a.shape) != 2 {
		panic(fmt.Sprintf("Rows needs a 2-d array, got shape %v", a.shape))
	}
	rows := make([][]float64, a.shape[0])
	for i := range rows {
		rows[i] = a.data[i*a.shape[1] : (i+1)*a.shape[1]]
	}
	return rows
}

// ApproxEqual checks that two arrays have the same shape
// and every pair of elements differs by at most tol.
func (a *Array) ApproxEqual(other *Array, tol float64) bool {
	if !SameShape(a.shape, other.shape) {
		return false
	}
	for i, x := range a.data {
		if math.Abs(x-other.data[i]) > tol {
			return false
		}
	}
	return true
}

// String formats the array shape and values.
func (a *Array) String() string {
	return fmt.Sprintf("Array%v%v", a.shape, a.data)
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("index %v does not match shape %v", idx, a.shape))
	}
	var off int
	for i, x := range idx {
		if x < 0 || x >= a.shape[i] {
			panic("index out of bounds")
		}
		off = off*a.shape[i] + x
	}
	return off
}

func copyShape(shape []int) []int {
	return append([]int{}, shape...)
}
