// Package annotation binds voxel annotations (e.g. drusen) to an OCT scan
// and turns them into en-face projections and per-sector volumes.
package annotation

import (
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
	"eyequant/pkg/enface"
	"eyequant/pkg/grid"
	"eyequant/pkg/interpolation"
	"eyequant/pkg/lazy"
	"eyequant/pkg/registration"
	"eyequant/pkg/volume"
)

// Scan is the part of a scan an annotation needs
type Scan interface {
	Shape() [3]int
	Meta() models.VolumeMeta
	Enface() (*enface.Image, error)
	Registration() (*registration.Affine, error)
}

// Config is the sector grid layout used for quantification
type Config struct {
	// Center in en-face pixels; nil is the en-face image center
	Center         *r2.Vec
	Radii          []float64
	SectorsPerRing []int
	Offsets        []float64
}

// DefaultConfig is the clinical two ring grid: a central disc of 1.5 mm
// and a 2.5 mm ring split in four quadrants rotated by 45°
func DefaultConfig() Config {
	return Config{
		Radii:          []float64{1.5, 2.5},
		SectorsPerRing: []int{1, 4},
		Offsets:        []float64{0, 45},
	}
}

func (c Config) clone() Config {
	out := Config{
		Radii:          append([]float64(nil), c.Radii...),
		SectorsPerRing: append([]int(nil), c.SectorsPerRing...),
		Offsets:        append([]float64(nil), c.Offsets...),
	}
	if c.Center != nil {
		center := *c.Center
		out.Center = &center
	}
	return out
}

// Option adjusts the grid configuration at construction
type Option func(*Config)

// WithConfig replaces the whole grid configuration
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg.clone() }
}

// WithCenter sets the grid center in en-face pixels
func WithCenter(center r2.Vec) Option {
	return func(c *Config) { c.Center = &center }
}

// WithRadii sets the ring radii in mm
func WithRadii(radii ...float64) Option {
	return func(c *Config) { c.Radii = append([]float64(nil), radii...) }
}

// WithSectorsPerRing sets the number of sectors of every ring
func WithSectorsPerRing(n ...int) Option {
	return func(c *Config) { c.SectorsPerRing = append([]int(nil), n...) }
}

// WithOffsets sets the start angle of every ring in degrees
func WithOffsets(offsets ...float64) Option {
	return func(c *Config) { c.Offsets = append([]float64(nil), offsets...) }
}

// Volume is an annotation co-indexed with a scan.
//
// Masks and quantification are memoized and dropped whenever the grid
// configuration changes.
type Volume struct {
	name string
	scan Scan
	data *volume.Volume

	mu  sync.RWMutex
	cfg Config

	masks  *lazy.Value[*grid.Grid]
	result *lazy.Value[*grid.Result]
}

// New binds a copy of data to scan. data must have the scan's shape.
func New(name string, scan Scan, data *volume.Volume, opts ...Option) (*Volume, error) {
	if scan == nil || data == nil {
		return nil, errors.Errorf("annotation %q needs a scan and data", name)
	}
	if data.Shape() != scan.Shape() {
		return nil, errors.Errorf("annotation %q has shape %v, scan has %v", name, data.Shape(), scan.Shape())
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	v := &Volume{name: name, scan: scan, data: data.Clone()}
	if err := v.validate(cfg); err != nil {
		return nil, err
	}
	v.cfg = cfg
	v.masks = lazy.New(v.buildMasks)
	v.result = lazy.New(v.quantify)
	return v, nil
}

// Name of the annotation
func (v *Volume) Name() string {
	return v.name
}

// Data returns a copy of the voxels
func (v *Volume) Data() *volume.Volume {
	return v.data.Clone()
}

// Config returns a copy of the current grid configuration
func (v *Volume) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg.clone()
}

func (v *Volume) gridLayout(cfg Config) (grid.Layout, error) {
	img, err := v.scan.Enface()
	if err != nil {
		return grid.Layout{}, errors.Wrap(err, "failed to get en-face image")
	}
	rows, cols := img.Shape()
	scale := img.Scale()
	return grid.Layout{
		Center:         cfg.Center,
		Radii:          cfg.Radii,
		SectorsPerRing: cfg.SectorsPerRing,
		Offsets:        cfg.Offsets,
		Laterality:     v.scan.Meta().Laterality,
		ScaleX:         scale.X,
		ScaleY:         scale.Y,
		Rows:           rows,
		Cols:           cols,
	}, nil
}

func (v *Volume) validate(cfg Config) error {
	layout, err := v.gridLayout(cfg)
	if err != nil {
		return err
	}
	return layout.Validate()
}

// Configure replaces the grid configuration. An invalid configuration is
// rejected with a *grid.ConfigurationError and the old one stays active.
func (v *Volume) Configure(cfg Config) error {
	cfg = cfg.clone()
	if err := v.validate(cfg); err != nil {
		return err
	}

	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()

	v.masks.Invalidate()
	v.result.Invalidate()
	return nil
}

func (v *Volume) update(fn func(*Config)) error {
	cfg := v.Config()
	fn(&cfg)
	return v.Configure(cfg)
}

// SetCenter moves the grid center
func (v *Volume) SetCenter(center r2.Vec) error {
	return v.update(func(c *Config) { c.Center = &center })
}

// SetRadii replaces the ring radii
func (v *Volume) SetRadii(radii ...float64) error {
	return v.update(WithRadii(radii...))
}

// SetSectorsPerRing replaces the sector counts
func (v *Volume) SetSectorsPerRing(n ...int) error {
	return v.update(WithSectorsPerRing(n...))
}

// SetOffsets replaces the ring start angles
func (v *Volume) SetOffsets(offsets ...float64) error {
	return v.update(WithOffsets(offsets...))
}

// Projection sums the annotation along the A-scan axis and flips it so the
// first acquired cross-section is the bottom row
func (v *Volume) Projection() *mat.Dense {
	// AxisDepth is always a valid axis
	sum, _ := v.data.SumAxis(volume.AxisDepth)
	return volume.FlipRows(sum)
}

// Enface warps the projection into en-face pixel space with nearest
// neighbour sampling. Pixels outside the scanned area are 0.
func (v *Volume) Enface() (*mat.Dense, error) {
	reg, err := v.scan.Registration()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get registration")
	}
	img, err := v.scan.Enface()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get en-face image")
	}
	rows, cols := img.Shape()
	return interpolation.Warp(v.Projection(), reg.Inverse, rows, cols, interpolation.NearestNeighbor, 0)
}

// Masks returns the sector grid for the current configuration
func (v *Volume) Masks() (*grid.Grid, error) {
	return v.masks.Get()
}

// Quantify returns the per-sector volumes for the current configuration
func (v *Volume) Quantify() (*grid.Result, error) {
	return v.result.Get()
}

func (v *Volume) buildMasks() (*grid.Grid, error) {
	layout, err := v.gridLayout(v.Config())
	if err != nil {
		return nil, err
	}
	return grid.Build(layout)
}

// VoxelSizes returns the physical voxel sizes used by Quantify
func (v *Volume) VoxelSizes() (grid.Voxels, error) {
	img, err := v.scan.Enface()
	if err != nil {
		return grid.Voxels{}, errors.Wrap(err, "failed to get en-face image")
	}
	meta := v.scan.Meta()
	scale := img.Scale()
	return grid.Voxels{
		EnfaceUM3:     scale.X * 1e3 * scale.Y * 1e3 * meta.ScaleY * 1e3,
		OCTUM3:        meta.VoxelSizeUM3(),
		OCTVoxelCount: v.data.Sum(),
		Laterality:    meta.Laterality,
	}, nil
}

func (v *Volume) quantify() (*grid.Result, error) {
	masks, err := v.Masks()
	if err != nil {
		return nil, err
	}
	projection, err := v.Enface()
	if err != nil {
		return nil, err
	}
	voxels, err := v.VoxelSizes()
	if err != nil {
		return nil, err
	}
	return grid.Quantify(projection, masks, voxels)
}
