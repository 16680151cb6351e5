package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// cell is a valid sample of a height map in physical coordinates
type cell struct {
	Y, X     float64
	Value    float64
	row, col int
}

// Compare implements the kdtree.Comparable interface
func (c cell) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	q := o.(cell)
	switch d {
	case 0:
		return c.Y - q.Y
	case 1:
		return c.X - q.X
	default:
		panic("illegal dimension")
	}
}

func (c cell) Dims() int { return 2 }

// Distance returns the squared Euclidean distance
func (c cell) Distance(o kdtree.Comparable) float64 {
	q := o.(cell)
	dy, dx := c.Y-q.Y, c.X-q.X
	return dy*dy + dx*dx
}

// cells satisfies kdtree.Interface
type cells []cell

func (c cells) Index(i int) kdtree.Comparable         { return c[i] }
func (c cells) Len() int                              { return len(c) }
func (c cells) Slice(start, end int) kdtree.Interface { return c[start:end] }

func (c cells) Pivot(d kdtree.Dim) int {
	p := cellPlane{cells: c, Dim: d}
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}

// cellPlane implements sort.Interface and kdtree.SortSlicer for cells
type cellPlane struct {
	cells
	kdtree.Dim
}

func (p cellPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.cells[i].Y < p.cells[j].Y
	case 1:
		return p.cells[i].X < p.cells[j].X
	default:
		panic("illegal dimension")
	}
}

func (p cellPlane) Slice(start, end int) kdtree.SortSlicer {
	return cellPlane{cells: p.cells[start:end], Dim: p.Dim}
}

func (p cellPlane) Swap(i, j int) {
	p.cells[i], p.cells[j] = p.cells[j], p.cells[i]
}

// FillGaps returns a copy of m with every NaN cell replaced by the inverse
// distance weighted mean of its k nearest valid cells. Row and column steps
// are scaled by rowScale and colScale so that neighbours are found in
// physical distance; B-scans are usually much further apart than A-scans.
func FillGaps(m mat.Matrix, k int, rowScale, colScale float64) (*mat.Dense, error) {
	if k < 1 {
		return nil, fmt.Errorf("neighbour count must be at least 1, got %d", k)
	}
	if !(rowScale > 0) || !(colScale > 0) {
		return nil, fmt.Errorf("scales must be positive, got row=%g col=%g", rowScale, colScale)
	}

	rows, cols := m.Dims()
	out := mat.DenseCopyOf(m)
	var valid cells
	var gaps []cell
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			p := cell{Y: float64(r) * rowScale, X: float64(c) * colScale, Value: out.At(r, c), row: r, col: c}
			if math.IsNaN(p.Value) {
				gaps = append(gaps, p)
			} else {
				valid = append(valid, p)
			}
		}
	}
	if len(gaps) == 0 {
		return out, nil
	}
	if len(valid) == 0 {
		return nil, errors.New("no valid cells to fill gaps from")
	}

	tree := kdtree.New(valid, false)
	for _, g := range gaps {
		keeper := kdtree.NewNKeeper(k)
		tree.NearestSet(keeper, g)

		// gaps are never in the tree so every distance is positive
		var sum, weights float64
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			w := 1 / math.Sqrt(item.Dist)
			sum += w * item.Comparable.(cell).Value
			weights += w
		}
		out.Set(g.row, g.col, sum/weights)
	}
	return out, nil
}
