// Package layers stores retinal layer boundary heights for a stack of
// B-scans and hands out validity-masked copies of them.
package layers

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"eyequant/pkg/lazy"
	"eyequant/pkg/volume"
)

// DefaultMaxHeight is the largest height accepted as valid
const DefaultMaxHeight = 2000

// DefaultMapping is the layer index table used by Heyex exports
var DefaultMapping = map[string]int{
	"ILM":  0,
	"BM":   1,
	"RNFL": 2,
	"GCL":  3,
	"IPL":  4,
	"INL":  5,
	"OPL":  6,
	"ONL":  7,
	"ELM":  8,
	"IOS":  9,
	"OPT":  10,
	"CHO":  11,
	"VIT":  12,
	"ANT":  13,
	"PR1":  14,
	"PR2":  15,
	"RPE":  16,
}

// NoDataError is returned when a layer has no valid height after masking
type NoDataError struct {
	Layer string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("there is no data given for the %s layer", e.Layer)
}

// Producer loads raw heights on demand. The returned volume has shape
// (layers, cross-sections, width).
type Producer func() (*volume.Volume, error)

// Store maps layer names to (cross-sections x width) height planes.
//
// Heights outside [0, MaxHeight] and NaN are invalid. Reads return masked
// copies; the stored raw data is only changed by Set and Delete.
type Store struct {
	raw       *lazy.Value[*volume.Volume]
	mapping   map[string]int
	maxHeight float64
}

// Option configures a Store
type Option func(*Store)

// WithMapping replaces DefaultMapping
func WithMapping(mapping map[string]int) Option {
	return func(s *Store) {
		s.mapping = make(map[string]int, len(mapping))
		for k, v := range mapping {
			s.mapping[k] = v
		}
	}
}

// WithMaxHeight replaces DefaultMaxHeight
func WithMaxHeight(h float64) Option {
	return func(s *Store) {
		s.maxHeight = h
	}
}

func newStore(raw *lazy.Value[*volume.Volume], opts []Option) *Store {
	s := &Store{raw: raw, maxHeight: DefaultMaxHeight}
	WithMapping(DefaultMapping)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromVolume creates a store over a copy of raw, shaped
// (layers, cross-sections, width)
func FromVolume(raw *volume.Volume, opts ...Option) *Store {
	return newStore(lazy.Of(raw.Clone()), opts)
}

// FromDense creates a store for a single B-scan from a (layers x width)
// matrix
func FromDense(raw mat.Matrix, opts ...Option) (*Store, error) {
	r, c := raw.Dims()
	v, err := volume.New(r, 1, c)
	if err != nil {
		return nil, err
	}
	for l := 0; l < r; l++ {
		for x := 0; x < c; x++ {
			v.Set(l, 0, x, raw.At(l, x))
		}
	}
	return newStore(lazy.Of(v), opts), nil
}

// FromProducer creates a store whose raw data is loaded by p on first
// access. p runs at most once if it succeeds.
func FromProducer(p Producer, opts ...Option) *Store {
	return newStore(lazy.Deferred(func() (*volume.Volume, error) {
		v, err := p()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load layer heights")
		}
		if v == nil {
			return nil, errors.New("layer producer returned no data")
		}
		return v, nil
	}), opts)
}

// MaxHeight returns the upper validity bound
func (s *Store) MaxHeight() float64 {
	return s.maxHeight
}

// Limited returns a view of s sharing its raw heights whose upper validity
// bound is the smaller of h and the current one.
func (s *Store) Limited(h float64) *Store {
	return &Store{raw: s.raw, mapping: s.mapping, maxHeight: math.Min(s.maxHeight, h)}
}

// Names lists the mapped layers ordered by layer index
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.mapping))
	for name := range s.mapping {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.mapping[names[i]] < s.mapping[names[j]]
	})
	return names
}

// Shape returns (cross-sections, width) of every layer plane
func (s *Store) Shape() (int, int, error) {
	raw, err := s.raw.Get()
	if err != nil {
		return 0, 0, err
	}
	shape := raw.Shape()
	return shape[1], shape[2], nil
}

func (s *Store) layerIndex(raw *volume.Volume, name string) (int, error) {
	idx, ok := s.mapping[name]
	if !ok || idx < 0 || idx >= raw.Shape()[0] {
		return 0, &NoDataError{Layer: name}
	}
	return idx, nil
}

// Get returns a masked copy of the layer's heights, rows being B-scans.
// Invalid entries are NaN. A layer without any positive valid height
// yields a *NoDataError.
func (s *Store) Get(name string) (*mat.Dense, error) {
	var plane *mat.Dense
	err := s.raw.Do(func(raw *volume.Volume) error {
		idx, err := s.layerIndex(raw, name)
		if err != nil {
			return err
		}
		plane, err = raw.ExtractSlice(volume.AxisCrossSection, idx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sum float64
	rows, cols := plane.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			h := plane.At(r, c)
			if math.IsNaN(h) || h < 0 || h > s.maxHeight {
				plane.Set(r, c, math.NaN())
				continue
			}
			sum += h
		}
	}
	if !(sum > 0) {
		return nil, &NoDataError{Layer: name}
	}
	return plane, nil
}

// Set replaces the heights of a layer. The plane must have shape
// (cross-sections, width).
func (s *Store) Set(name string, heights mat.Matrix) error {
	return s.raw.Do(func(raw *volume.Volume) error {
		idx, err := s.layerIndex(raw, name)
		if err != nil {
			return err
		}
		shape := raw.Shape()
		r, c := heights.Dims()
		if r != shape[1] || c != shape[2] {
			return errors.Errorf("layer %s has shape (%d, %d), want (%d, %d)", name, r, c, shape[1], shape[2])
		}
		for y := 0; y < r; y++ {
			for x := 0; x < c; x++ {
				raw.Set(idx, y, x, heights.At(y, x))
			}
		}
		return nil
	})
}

// Delete marks every height of the layer invalid
func (s *Store) Delete(name string) error {
	return s.raw.Do(func(raw *volume.Volume) error {
		idx, err := s.layerIndex(raw, name)
		if err != nil {
			return err
		}
		shape := raw.Shape()
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				raw.Set(idx, y, x, math.NaN())
			}
		}
		return nil
	})
}

// PixelCoordinates rasterizes a layer boundary on one B-scan: one point
// per valid column, X being the column and Y the height rounded half to
// even.
func (s *Store) PixelCoordinates(name string, crossSection int) ([]image.Point, error) {
	heights, err := s.Get(name)
	if err != nil {
		return nil, err
	}
	rows, cols := heights.Dims()
	if crossSection < 0 || crossSection >= rows {
		return nil, errors.Errorf("cross-section %d outside [0, %d)", crossSection, rows)
	}

	points := make([]image.Point, 0, cols)
	for c := 0; c < cols; c++ {
		h := heights.At(crossSection, c)
		if math.IsNaN(h) {
			continue
		}
		points = append(points, image.Point{X: c, Y: int(math.RoundToEven(h))})
	}
	return points, nil
}
