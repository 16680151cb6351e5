// Package registration maps OCT projection pixels to en-face (localizer)
// pixels and back.
//
// The OCT projection is the annotation or intensity volume summed along the
// A-scan axis and flipped so that the first acquired cross-section is the
// bottom row. Points are (x = column, y = row) in pixel units on both sides.
package registration

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
)

// DefaultTolerance bounds the round trip error accepted by the
// construction-time self check
const DefaultTolerance = 1e-6

// ErrGeometryUnavailable is the diagnostic reported when cross-section
// positions or the reference image scale are missing. Estimation then
// assumes the B-scans evenly cover a square as wide as one B-scan.
var ErrGeometryUnavailable = errors.New("geometry unavailable, assuming square isotropic coverage")

// ConsistencyError is returned when a transform fails its round trip check
type ConsistencyError struct {
	MaxDeviation float64
	Tolerance    float64
}

func (e *ConsistencyError) Error() string {
	if math.IsInf(e.MaxDeviation, 1) {
		return "affine transform between OCT projection and en-face image is not invertible"
	}
	return fmt.Sprintf("affine transform between OCT projection and en-face image fails round trip: deviation %g exceeds tolerance %g",
		e.MaxDeviation, e.Tolerance)
}

// Geometry is what is known about a scan when estimating its registration
type Geometry struct {
	// CrossSections is the number of B-scans (projection rows)
	CrossSections int

	// Width is the number of A-scans per B-scan (projection columns)
	Width int

	// Positions of each B-scan on the reference image in mm, in
	// acquisition order. Optional.
	Positions []models.CrossSectionPosition

	// EnfaceScale is the pixel size of the reference image in mm. Optional.
	EnfaceScale *models.PixelScale
}

// Affine is a validated affine map between projection and en-face space.
// It is immutable.
type Affine struct {
	forward  *mat.Dense // 3x3 homogeneous, projection -> en-face
	inverse  *mat.Dense // 3x3 homogeneous, en-face -> projection
	fallback bool

	tolerance float64
}

type options struct {
	logger    *zap.Logger
	tolerance float64
}

// Option configures estimation
type Option func(*options)

// WithLogger sets the logger receiving the geometry diagnostic
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTolerance overrides DefaultTolerance
func WithTolerance(tol float64) Option {
	return func(o *options) {
		if tol > 0 {
			o.tolerance = tol
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Estimate fits the projection to en-face transform from the scan
// geometry. When positions or the en-face scale are missing it logs
// ErrGeometryUnavailable once and maps the projection onto a square.
func Estimate(geom Geometry, opts ...Option) (*Affine, error) {
	o := buildOptions(opts)

	if geom.CrossSections < 2 || geom.Width < 2 {
		return nil, errors.Errorf("projection needs at least 2 cross-sections and 2 A-scans, got (%d, %d)", geom.CrossSections, geom.Width)
	}

	n := float64(geom.CrossSections - 1)
	w := float64(geom.Width - 1)

	// Projection corners: top left, top right, bottom left, bottom right
	src := []r2.Vec{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: n}, {X: w, Y: n}}

	var dst []r2.Vec
	fallback := false
	if hasGeometry(geom) {
		scale := r2.Vec{X: geom.EnfaceScale.X, Y: geom.EnfaceScale.Y}
		first := geom.Positions[0]
		last := geom.Positions[len(geom.Positions)-1]
		// The top row of the projection is the last acquired B-scan
		dst = []r2.Vec{
			toPixels(last.Start, scale),
			toPixels(last.End, scale),
			toPixels(first.Start, scale),
			toPixels(first.End, scale),
		}
	} else {
		o.logger.Warn("registration fallback",
			zap.Error(ErrGeometryUnavailable),
			zap.Int("crossSections", geom.CrossSections),
			zap.Int("width", geom.Width),
		)
		fallback = true
		dst = []r2.Vec{{X: 0, Y: 0}, {X: w, Y: 0}, {X: 0, Y: w}, {X: w, Y: w}}
	}

	params, err := fitAffine(src, dst)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fit affine transform")
	}

	a, err := newAffine(params, o.tolerance, src)
	if err != nil {
		return nil, err
	}
	a.fallback = fallback
	return a, nil
}

// New builds a registration from a pre-fitted 2x3 matrix
// [a b tx; c d ty] given row by row. It runs the same round trip check
// as Estimate on the unit square corners.
func New(params [6]float64, opts ...Option) (*Affine, error) {
	o := buildOptions(opts)
	corners := []r2.Vec{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}
	return newAffine(params, o.tolerance, corners)
}

func newAffine(params [6]float64, tol float64, samples []r2.Vec) (*Affine, error) {
	forward := mat.NewDense(3, 3, []float64{
		params[0], params[1], params[2],
		params[3], params[4], params[5],
		0, 0, 1,
	})

	var inverse mat.Dense
	if err := inverse.Inverse(forward); err != nil {
		// Ill conditioned but finite matrices are left to the round trip check
		if cond, ok := err.(mat.Condition); !ok || math.IsInf(float64(cond), 1) {
			return nil, &ConsistencyError{MaxDeviation: math.Inf(1), Tolerance: tol}
		}
	}

	a := &Affine{forward: forward, inverse: &inverse, tolerance: tol}
	if dev := a.roundTripDeviation(samples); !(dev <= tol) {
		return nil, &ConsistencyError{MaxDeviation: dev, Tolerance: tol}
	}
	return a, nil
}

// roundTripDeviation applies forward then inverse to samples, and inverse
// then forward to their images, returning the largest coordinate error.
func (a *Affine) roundTripDeviation(samples []r2.Vec) float64 {
	var worst float64
	for _, p := range samples {
		q := a.Forward(p)
		worst = math.Max(worst, r2.Norm(r2.Sub(a.Inverse(q), p)))
		worst = math.Max(worst, r2.Norm(r2.Sub(a.Forward(a.Inverse(q)), q)))
	}
	return worst
}

// Forward maps a projection pixel to en-face pixel coordinates
func (a *Affine) Forward(p r2.Vec) r2.Vec {
	return apply(a.forward, p)
}

// Inverse maps an en-face pixel to projection pixel coordinates
func (a *Affine) Inverse(p r2.Vec) r2.Vec {
	return apply(a.inverse, p)
}

// Matrix returns a copy of the 3x3 homogeneous forward matrix
func (a *Affine) Matrix() *mat.Dense {
	return mat.DenseCopyOf(a.forward)
}

// Tolerance is the round trip error a was validated against
func (a *Affine) Tolerance() float64 {
	return a.tolerance
}

// GeometryFallback reports whether the transform assumes square coverage
// because positions or scale were unavailable
func (a *Affine) GeometryFallback() bool {
	return a.fallback
}

func apply(m *mat.Dense, p r2.Vec) r2.Vec {
	return r2.Vec{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2),
	}
}

func hasGeometry(geom Geometry) bool {
	if geom.EnfaceScale == nil || geom.EnfaceScale.X <= 0 || geom.EnfaceScale.Y <= 0 {
		return false
	}
	return len(geom.Positions) > 0 && len(geom.Positions) == geom.CrossSections
}

func toPixels(p, scale r2.Vec) r2.Vec {
	return r2.Vec{X: p.X / scale.X, Y: p.Y / scale.Y}
}

// fitAffine solves the least squares affine transform mapping src to dst.
// Row 2i constrains the x image of src[i] and row 2i+1 its y image.
func fitAffine(src, dst []r2.Vec) ([6]float64, error) {
	var params [6]float64
	if len(src) < 3 || len(src) != len(dst) {
		return params, errors.Errorf("need at least 3 point pairs, got %d and %d", len(src), len(dst))
	}

	design := mat.NewDense(2*len(src), 6, nil)
	target := make([]float64, 0, 2*len(src))
	for i, p := range src {
		design.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0})
		design.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1})
		target = append(target, dst[i].X, dst[i].Y)
	}

	var solution mat.VecDense
	if err := solution.SolveVec(design, mat.NewVecDense(len(target), target)); err != nil {
		return params, errors.Wrap(err, "affine least squares failed")
	}
	for i := range params {
		params[i] = solution.AtVec(i)
	}
	return params, nil
}
