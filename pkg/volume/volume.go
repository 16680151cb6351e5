// Package volume stores OCT volumes and annotations as dense 3D arrays and
// provides the axis reductions and sub-region extraction the rest of the
// module is built on.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Axes of a volume. An OCT volume is a stack of B-scans: axis 0 indexes the
// cross-section, axis 1 the row inside a B-scan (depth along the A-scan)
// and axis 2 the A-scan inside a B-scan.
const (
	AxisCrossSection = 0
	AxisDepth        = 1
	AxisWidth        = 2
)

// Volume is a 3D float64 array in row-major order
type Volume struct {
	// data holds the voxels, index = z*rows*cols + y*cols + x
	data []float64

	// dimensions of the volume
	n    int
	rows int
	cols int
}

// New creates a zero-filled volume with n cross-sections of rows x cols
func New(n, rows, cols int) (*Volume, error) {
	if n <= 0 || rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("volume dimensions must be positive, got (%d, %d, %d)", n, rows, cols)
	}
	return &Volume{
		data: make([]float64, n*rows*cols),
		n:    n,
		rows: rows,
		cols: cols,
	}, nil
}

// FromData wraps a copy of data as a volume of the given shape
func FromData(data []float64, n, rows, cols int) (*Volume, error) {
	v, err := New(n, rows, cols)
	if err != nil {
		return nil, err
	}
	if len(data) != len(v.data) {
		return nil, fmt.Errorf("got %d values for shape (%d, %d, %d)", len(data), n, rows, cols)
	}
	copy(v.data, data)
	return v, nil
}

// Shape returns (cross-sections, rows, cols)
func (v *Volume) Shape() [3]int {
	return [3]int{v.n, v.rows, v.cols}
}

// Len is the number of voxels
func (v *Volume) Len() int {
	return len(v.data)
}

func (v *Volume) index(z, y, x int) int {
	return z*v.rows*v.cols + y*v.cols + x
}

// At returns the voxel at (z, y, x)
func (v *Volume) At(z, y, x int) float64 {
	return v.data[v.index(z, y, x)]
}

// Set assigns the voxel at (z, y, x)
func (v *Volume) Set(z, y, x int, val float64) {
	v.data[v.index(z, y, x)] = val
}

// Values returns a copy of the voxels in row-major order
func (v *Volume) Values() []float64 {
	out := make([]float64, len(v.data))
	copy(out, v.data)
	return out
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	return &Volume{
		data: v.Values(),
		n:    v.n,
		rows: v.rows,
		cols: v.cols,
	}
}

// Equal reports whether both volumes have the same shape and voxels.
// NaN voxels compare equal to each other.
func (v *Volume) Equal(o *Volume) bool {
	if v.Shape() != o.Shape() {
		return false
	}
	for i, a := range v.data {
		b := o.data[i]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

// Sum adds all voxels, ignoring NaN
func (v *Volume) Sum() float64 {
	var total float64
	for _, val := range v.data {
		if !math.IsNaN(val) {
			total += val
		}
	}
	return total
}

// CountNonZero counts voxels that are neither zero nor NaN
func (v *Volume) CountNonZero() int {
	n := 0
	for _, val := range v.data {
		if val != 0 && !math.IsNaN(val) {
			n++
		}
	}
	return n
}

// ExtractSlice extracts a 2D plane perpendicular to axis at position.
// The remaining two axes keep their order, e.g. axis 1 yields a
// (cross-sections x cols) matrix.
func (v *Volume) ExtractSlice(axis, position int) (*mat.Dense, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case AxisCrossSection:
		if position >= v.n {
			return nil, fmt.Errorf("position %d exceeds cross-section count %d", position, v.n)
		}
		out := mat.NewDense(v.rows, v.cols, nil)
		for y := 0; y < v.rows; y++ {
			for x := 0; x < v.cols; x++ {
				out.Set(y, x, v.At(position, y, x))
			}
		}
		return out, nil

	case AxisDepth:
		if position >= v.rows {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.rows)
		}
		out := mat.NewDense(v.n, v.cols, nil)
		for z := 0; z < v.n; z++ {
			for x := 0; x < v.cols; x++ {
				out.Set(z, x, v.At(z, position, x))
			}
		}
		return out, nil

	case AxisWidth:
		if position >= v.cols {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.cols)
		}
		out := mat.NewDense(v.n, v.rows, nil)
		for z := 0; z < v.n; z++ {
			for y := 0; y < v.rows; y++ {
				out.Set(z, y, v.At(z, y, position))
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("invalid axis: %d (must be 0, 1 or 2)", axis)
	}
}

// SumAxis sums along axis ignoring NaN. The result keeps the order of the
// two remaining axes.
func (v *Volume) SumAxis(axis int) (*mat.Dense, error) {
	return v.reduce(axis, false)
}

// MeanAxis averages along axis ignoring NaN. Positions whose values are all
// NaN become NaN.
func (v *Volume) MeanAxis(axis int) (*mat.Dense, error) {
	return v.reduce(axis, true)
}

func (v *Volume) reduce(axis int, mean bool) (*mat.Dense, error) {
	var r, c int
	var at func(i, j, k int) float64
	var length int

	switch axis {
	case AxisCrossSection:
		r, c, length = v.rows, v.cols, v.n
		at = func(i, j, k int) float64 { return v.At(k, i, j) }
	case AxisDepth:
		r, c, length = v.n, v.cols, v.rows
		at = func(i, j, k int) float64 { return v.At(i, k, j) }
	case AxisWidth:
		r, c, length = v.n, v.rows, v.cols
		at = func(i, j, k int) float64 { return v.At(i, j, k) }
	default:
		return nil, fmt.Errorf("invalid axis: %d (must be 0, 1 or 2)", axis)
	}

	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			var sum float64
			valid := 0
			for k := 0; k < length; k++ {
				val := at(i, j, k)
				if math.IsNaN(val) {
					continue
				}
				sum += val
				valid++
			}
			if mean {
				if valid == 0 {
					sum = math.NaN()
				} else {
					sum /= float64(valid)
				}
			}
			out.Set(i, j, sum)
		}
	}
	return out, nil
}

// FlipRows returns a copy of m with the row order reversed
func FlipRows(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(r-1-i, j, m.At(i, j))
		}
	}
	return out
}
