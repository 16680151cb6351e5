// Package drusen segments drusen from retinal layer heights.
//
// A druse lifts the RPE off Bruch's membrane. The normal RPE position is
// estimated per B-scan by a low order polynomial fitted to the measured RPE
// with upward outliers removed; voxels between the measured RPE and that
// estimate are drusen.
package drusen

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"eyequant/pkg/components"
	"eyequant/pkg/interpolation"
	"eyequant/pkg/layers"
	"eyequant/pkg/volume"
)

// Defaults for Detect
const (
	DefaultDegree        = 3
	DefaultIterations    = 3
	DefaultTolerance     = 3.0
	DefaultMinimumHeight = 2
)

type options struct {
	degree        int
	iterations    int
	tolerance     float64
	minimumHeight int
	rpe           string
	bm            string

	fillNeighbors int
	rowScale      float64
	colScale      float64
}

// Option configures detection
type Option func(*options)

// WithDegree sets the degree of the normal RPE polynomial
func WithDegree(d int) Option {
	return func(o *options) { o.degree = d }
}

// WithIterations sets how many times outliers are removed and the fit is
// repeated
func WithIterations(n int) Option {
	return func(o *options) { o.iterations = n }
}

// WithTolerance sets how many rows above the fit an RPE point may lie
// before it is excluded from the next fit
func WithTolerance(rows float64) Option {
	return func(o *options) { o.tolerance = rows }
}

// WithMinimumHeight drops drusen lower than n rows
func WithMinimumHeight(n int) Option {
	return func(o *options) { o.minimumHeight = n }
}

// WithLayerNames overrides the RPE and BM layer names
func WithLayerNames(rpe, bm string) Option {
	return func(o *options) { o.rpe, o.bm = rpe, bm }
}

// WithGapFill fills missing layer heights from the k nearest valid heights
// before detection. zScale and xScale are the B-scan and A-scan spacings.
// k = 0 leaves gaps unfilled.
func WithGapFill(k int, zScale, xScale float64) Option {
	return func(o *options) { o.fillNeighbors, o.rowScale, o.colScale = k, zScale, xScale }
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		degree:        DefaultDegree,
		iterations:    DefaultIterations,
		tolerance:     DefaultTolerance,
		minimumHeight: DefaultMinimumHeight,
		rpe:           "RPE",
		bm:            "BM",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.degree < 0 || o.iterations < 0 || o.tolerance < 0 || o.minimumHeight < 0 || o.fillNeighbors < 0 {
		return o, errors.Errorf("drusen options must not be negative: degree=%d iterations=%d tolerance=%g minimumHeight=%d fill=%d",
			o.degree, o.iterations, o.tolerance, o.minimumHeight, o.fillNeighbors)
	}
	return o, nil
}

// NormalRPE estimates the healthy RPE height of every A-scan. B-scans with
// fewer valid RPE points than polynomial coefficients are NaN.
func NormalRPE(store *layers.Store, opts ...Option) (*mat.Dense, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	rpe, err := layer(store, o.rpe, o)
	if err != nil {
		return nil, err
	}
	return normalRPE(rpe, o), nil
}

// layer reads a layer and fills its gaps when configured
func layer(store *layers.Store, name string, o options) (*mat.Dense, error) {
	heights, err := store.Get(name)
	if err != nil || o.fillNeighbors == 0 {
		return heights, err
	}
	filled, err := interpolation.FillGaps(heights, o.fillNeighbors, o.rowScale, o.colScale)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fill gaps of %s", name)
	}
	return filled, nil
}

func normalRPE(rpe *mat.Dense, o options) *mat.Dense {
	rows, cols := rpe.Dims()
	out := mat.NewDense(rows, cols, nil)
	for z := 0; z < rows; z++ {
		out.SetRow(z, fitRow(rpe.RawRowView(z), o))
	}
	return out
}

// fitRow returns the fitted height for every column of one B-scan
func fitRow(heights []float64, o options) []float64 {
	n := len(heights)
	fit := make([]float64, n)
	for i := range fit {
		fit[i] = math.NaN()
	}

	var xs, ys []float64
	for x, h := range heights {
		if !math.IsNaN(h) {
			xs = append(xs, float64(x))
			ys = append(ys, h)
		}
	}

	scale := math.Max(float64(n-1), 1)
	var coef []float64
	for it := 0; ; it++ {
		if len(xs) < o.degree+1 {
			return fit
		}
		c, err := polyfit(xs, ys, o.degree, scale)
		if err != nil {
			return fit
		}
		coef = c
		if it == o.iterations {
			break
		}

		// drop points lifted above the fit
		keptX, keptY := xs[:0:0], ys[:0:0]
		for i, x := range xs {
			if polyval(coef, x/scale)-ys[i] <= o.tolerance {
				keptX = append(keptX, x)
				keptY = append(keptY, ys[i])
			}
		}
		if len(keptX) == len(xs) {
			break
		}
		xs, ys = keptX, keptY
	}

	for x := range fit {
		fit[x] = polyval(coef, float64(x)/scale)
	}
	return fit
}

// polyfit solves the least squares Vandermonde system on x/scale
func polyfit(xs, ys []float64, degree int, scale float64) ([]float64, error) {
	a := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		t := x / scale
		p := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, p)
			p *= t
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(ys), append([]float64(nil), ys...))); err != nil {
		return nil, err
	}
	return c.RawVector().Data, nil
}

func polyval(coef []float64, t float64) float64 {
	v := 0.0
	for j := len(coef) - 1; j >= 0; j-- {
		v = v*t + coef[j]
	}
	return v
}

// Detect returns a 0/1 volume of the given scan shape marking drusen
// voxels. shape is (cross-sections, depth, width) and must match the
// store's planes.
func Detect(store *layers.Store, shape [3]int, opts ...Option) (*volume.Volume, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	rows, cols, err := store.Shape()
	if err != nil {
		return nil, err
	}
	if rows != shape[0] || cols != shape[2] {
		return nil, errors.Errorf("layer planes (%d, %d) do not match scan shape %v", rows, cols, shape)
	}

	rpe, err := layer(store, o.rpe, o)
	if err != nil {
		return nil, err
	}
	normal := normalRPE(rpe, o)
	// BM is optional; without it the normal RPE bounds the drusen
	bm, err := layer(store, o.bm, o)
	var noData *layers.NoDataError
	if err != nil && !errors.As(err, &noData) {
		return nil, err
	}

	mask, err := components.NewMap(shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	for z := 0; z < rows; z++ {
		for x := 0; x < cols; x++ {
			top, bottom := rpe.At(z, x), normal.At(z, x)
			if math.IsNaN(top) || math.IsNaN(bottom) {
				continue
			}
			start := int(math.Round(top))
			stop := int(math.Round(bottom))
			if bm != nil && !math.IsNaN(bm.At(z, x)) {
				stop = min(stop, int(math.Round(bm.At(z, x))))
			}
			start = max(start, 0)
			stop = min(stop, shape[1])
			for y := start; y < stop; y++ {
				mask.Set(true, z, y, x)
			}
		}
	}

	filtered, err := components.FilterByHeight(mask, o.minimumHeight)
	if err != nil {
		return nil, err
	}
	return filtered.Volume()
}
