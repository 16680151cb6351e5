// Package interpolation resamples 2D images through inverse coordinate
// maps. Coordinates are (x = column, y = row) in pixel units.
package interpolation

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

// Order selects the resampling method
type Order int

const (
	// NearestNeighbor keeps discrete values (counts, labels, masks) intact
	NearestNeighbor Order = iota

	// Bilinear blends the four surrounding pixels
	Bilinear
)

func (o Order) String() string {
	switch o {
	case NearestNeighbor:
		return "nearest"
	case Bilinear:
		return "bilinear"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// CoordinateMap maps an output pixel position to an input pixel position
type CoordinateMap func(r2.Vec) r2.Vec

// Nearest samples m at the pixel closest to p. The second return value is
// false when p falls outside the image.
func Nearest(m mat.Matrix, p r2.Vec) (float64, bool) {
	rows, cols := m.Dims()
	x := int(math.Round(p.X))
	y := int(math.Round(p.Y))
	if x < 0 || y < 0 || x >= cols || y >= rows {
		return 0, false
	}
	return m.At(y, x), true
}

// edgeSnap absorbs rounding noise of fitted transforms at the image border
const edgeSnap = 1e-9

func snap(v, hi float64) float64 {
	if v < 0 && v > -edgeSnap {
		return 0
	}
	if v > hi && v < hi+edgeSnap {
		return hi
	}
	return v
}

// SampleBilinear interpolates m at p from its four neighbours. Points
// outside [0, cols-1] x [0, rows-1] are reported as outside.
func SampleBilinear(m mat.Matrix, p r2.Vec) (float64, bool) {
	rows, cols := m.Dims()
	p = r2.Vec{X: snap(p.X, float64(cols-1)), Y: snap(p.Y, float64(rows-1))}
	if p.X < 0 || p.Y < 0 || p.X > float64(cols-1) || p.Y > float64(rows-1) {
		return 0, false
	}

	x0 := int(math.Floor(p.X))
	y0 := int(math.Floor(p.Y))
	x1 := min(x0+1, cols-1)
	y1 := min(y0+1, rows-1)
	dx := p.X - float64(x0)
	dy := p.Y - float64(y0)

	top := m.At(y0, x0)*(1-dx) + m.At(y0, x1)*dx
	bottom := m.At(y1, x0)*(1-dx) + m.At(y1, x1)*dx
	return top*(1-dy) + bottom*dy, true
}

// Warp builds a rows x cols image whose pixel (x, y) is src sampled at
// inverse((x, y)). Samples outside src are set to cval. Rows are processed
// in parallel.
func Warp(src mat.Matrix, inverse CoordinateMap, rows, cols int, order Order, cval float64) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("output shape must be positive, got (%d, %d)", rows, cols)
	}

	var sample func(mat.Matrix, r2.Vec) (float64, bool)
	switch order {
	case NearestNeighbor:
		sample = Nearest
	case Bilinear:
		sample = SampleBilinear
	default:
		return nil, fmt.Errorf("unsupported interpolation order %v", order)
	}

	out := mat.NewDense(rows, cols, nil)

	numWorkers := min(runtime.NumCPU(), rows)
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := min(start+rowsPerWorker, rows)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				for x := 0; x < cols; x++ {
					val, ok := sample(src, inverse(r2.Vec{X: float64(x), Y: float64(y)}))
					if !ok {
						val = cval
					}
					out.Set(y, x, val)
				}
			}
		}(start, end)
	}
	wg.Wait()

	return out, nil
}
