// Package components labels face-connected regions of n-dimensional binary
// maps and removes regions that are too shallow or too thin.
package components

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"eyequant/pkg/volume"
)

// Map is an n-dimensional boolean array in row-major order
type Map struct {
	shape []int
	data  []bool
}

// NewMap creates an empty map. Every dimension must be positive.
func NewMap(shape ...int) (*Map, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	return &Map{shape: append([]int(nil), shape...), data: make([]bool, n)}, nil
}

// MapFromVolume marks every voxel that is neither zero nor NaN
func MapFromVolume(v *volume.Volume) *Map {
	shape := v.Shape()
	vals := v.Values()
	m := &Map{shape: shape[:], data: make([]bool, len(vals))}
	for i, val := range vals {
		m.data[i] = val != 0 && !math.IsNaN(val)
	}
	return m
}

// MapFromDense marks every entry of a matrix that is neither zero nor NaN
func MapFromDense(d mat.Matrix) *Map {
	r, c := d.Dims()
	m := &Map{shape: []int{r, c}, data: make([]bool, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			val := d.At(i, j)
			m.data[i*c+j] = val != 0 && !math.IsNaN(val)
		}
	}
	return m
}

func checkShape(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("map needs at least one dimension")
	}
	n := 1
	for axis, size := range shape {
		if size <= 0 {
			return 0, errors.Errorf("dimension %d must be positive, got %d", axis, size)
		}
		n *= size
	}
	return n, nil
}

// Shape returns a copy of the dimensions
func (m *Map) Shape() []int {
	return append([]int(nil), m.shape...)
}

// At reports whether the element at idx is set
func (m *Map) At(idx ...int) bool {
	return m.data[flatIndex(m.shape, idx)]
}

// Set assigns the element at idx
func (m *Map) Set(val bool, idx ...int) {
	m.data[flatIndex(m.shape, idx)] = val
}

// Count is the number of set elements
func (m *Map) Count() int {
	n := 0
	for _, b := range m.data {
		if b {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (m *Map) Clone() *Map {
	return &Map{
		shape: append([]int(nil), m.shape...),
		data:  append([]bool(nil), m.data...),
	}
}

// Equal reports whether both maps have the same shape and elements
func (m *Map) Equal(o *Map) bool {
	if len(m.shape) != len(o.shape) {
		return false
	}
	for i := range m.shape {
		if m.shape[i] != o.shape[i] {
			return false
		}
	}
	for i := range m.data {
		if m.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// Volume converts a 3D map to a 0/1 volume
func (m *Map) Volume() (*volume.Volume, error) {
	if len(m.shape) != 3 {
		return nil, errors.Errorf("map has %d dimensions, want 3", len(m.shape))
	}
	data := make([]float64, len(m.data))
	for i, b := range m.data {
		if b {
			data[i] = 1
		}
	}
	return volume.FromData(data, m.shape[0], m.shape[1], m.shape[2])
}

// Dense converts a 2D map to a 0/1 matrix
func (m *Map) Dense() (*mat.Dense, error) {
	if len(m.shape) != 2 {
		return nil, errors.Errorf("map has %d dimensions, want 2", len(m.shape))
	}
	data := make([]float64, len(m.data))
	for i, b := range m.data {
		if b {
			data[i] = 1
		}
	}
	return mat.NewDense(m.shape[0], m.shape[1], data), nil
}

// Labels is an n-dimensional integer array shaped like the Map it was
// derived from. For Label results 0 is background and components are
// numbered from 1.
type Labels struct {
	shape []int
	data  []int
}

// Shape returns a copy of the dimensions
func (l *Labels) Shape() []int {
	return append([]int(nil), l.shape...)
}

// At returns the element at idx
func (l *Labels) At(idx ...int) int {
	return l.data[flatIndex(l.shape, idx)]
}

// Values returns a copy of the elements in row-major order
func (l *Labels) Values() []int {
	return append([]int(nil), l.data...)
}

func flatIndex(shape, idx []int) int {
	if len(idx) != len(shape) {
		panic(errors.Errorf("got %d indices for %d dimensions", len(idx), len(shape)))
	}
	flat := 0
	for axis, i := range idx {
		if i < 0 || i >= shape[axis] {
			panic(errors.Errorf("index %d out of range [0, %d) on axis %d", i, shape[axis], axis))
		}
		flat = flat*shape[axis] + i
	}
	return flat
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	step := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		s[axis] = step
		step *= shape[axis]
	}
	return s
}

// Label numbers the face-connected components of m. Two elements are
// neighbours when they differ by one along exactly one axis; diagonal
// contact does not connect. Labels follow the raster order of each
// component's first element.
func Label(m *Map) (*Labels, int) {
	st := strides(m.shape)
	labels := &Labels{shape: append([]int(nil), m.shape...), data: make([]int, len(m.data))}

	next := 0
	var queue []int
	for start, fg := range m.data {
		if !fg || labels.data[start] != 0 {
			continue
		}
		next++
		labels.data[start] = next
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			cur := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			for axis, stride := range st {
				coord := (cur / stride) % m.shape[axis]
				if coord > 0 {
					nb := cur - stride
					if m.data[nb] && labels.data[nb] == 0 {
						labels.data[nb] = next
						queue = append(queue, nb)
					}
				}
				if coord < m.shape[axis]-1 {
					nb := cur + stride
					if m.data[nb] && labels.data[nb] == 0 {
						labels.data[nb] = next
						queue = append(queue, nb)
					}
				}
			}
		}
	}
	return labels, next
}

// Box is the half-open bounding box of a component, one range per axis
type Box struct {
	Ranges []volume.Range
}

// Size is the number of elements inside the box
func (b Box) Size() int {
	n := 1
	for _, r := range b.Ranges {
		n *= r.Len()
	}
	return n
}

// FindObjects returns the bounding box of every label; entry i belongs to
// label i+1.
func FindObjects(l *Labels) []Box {
	maxLabel := 0
	for _, v := range l.data {
		if v > maxLabel {
			maxLabel = v
		}
	}

	boxes := make([]Box, maxLabel)
	seen := make([]bool, maxLabel)
	st := strides(l.shape)
	for flat, v := range l.data {
		if v == 0 {
			continue
		}
		b := &boxes[v-1]
		if !seen[v-1] {
			seen[v-1] = true
			b.Ranges = make([]volume.Range, len(l.shape))
			for axis := range l.shape {
				c := (flat / st[axis]) % l.shape[axis]
				b.Ranges[axis] = volume.Range{Start: c, Stop: c + 1}
			}
			continue
		}
		for axis := range l.shape {
			c := (flat / st[axis]) % l.shape[axis]
			if c < b.Ranges[axis].Start {
				b.Ranges[axis].Start = c
			}
			if c+1 > b.Ranges[axis].Stop {
				b.Ranges[axis].Stop = c + 1
			}
		}
	}
	return boxes
}

// eachIndex calls fn with the flat index of every element inside ranges
func eachIndex(ranges []volume.Range, st []int, fn func(flat int)) {
	idx := make([]int, len(ranges))
	for axis, r := range ranges {
		if r.Len() <= 0 {
			return
		}
		idx[axis] = r.Start
	}

	for {
		flat := 0
		for axis, i := range idx {
			flat += i * st[axis]
		}
		fn(flat)

		axis := len(idx) - 1
		for ; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < ranges[axis].Stop {
				break
			}
			idx[axis] = ranges[axis].Start
		}
		if axis < 0 {
			return
		}
	}
}
