// Package scan holds an OCT volume together with everything registered to
// it: the en-face reference image, the projection registration, layer
// segmentations and voxel annotations.
package scan

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"eyequant/internal/models"
	"eyequant/pkg/annotation"
	"eyequant/pkg/enface"
	"eyequant/pkg/interpolation"
	"eyequant/pkg/layers"
	"eyequant/pkg/lazy"
	"eyequant/pkg/registration"
	"eyequant/pkg/volume"
)

// Volume is an OCT scan of shape (cross-sections, depth, width). Shape,
// data and metadata are fixed at construction; layer stores and
// annotations can be added and removed.
type Volume struct {
	data   *volume.Volume
	meta   models.VolumeMeta
	logger *zap.Logger

	registration *lazy.Value[*registration.Affine]
	enface       *lazy.Value[*enface.Image]

	mu          sync.RWMutex
	layers      map[string]*layers.Store
	annotations map[string]*annotation.Volume
}

type options struct {
	enface       *enface.Image
	registration *registration.Affine
	logger       *zap.Logger
	tolerance    float64
}

// Option configures a scan
type Option func(*options)

// WithEnface supplies the reference image. Without it a synthetic image
// is built from the volume.
func WithEnface(img *enface.Image) Option {
	return func(o *options) { o.enface = img }
}

// WithRegistration supplies a pre-fitted registration
func WithRegistration(reg *registration.Affine) Option {
	return func(o *options) { o.registration = reg }
}

// WithLogger sets the logger used for diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTolerance sets the registration round trip tolerance
func WithTolerance(tol float64) Option {
	return func(o *options) { o.tolerance = tol }
}

// New creates a scan from a copy of data
func New(data *volume.Volume, meta models.VolumeMeta, opts ...Option) (*Volume, error) {
	if data == nil {
		return nil, errors.New("scan data is nil")
	}
	o := options{logger: zap.NewNop(), tolerance: registration.DefaultTolerance}
	for _, opt := range opts {
		opt(&o)
	}

	shape := data.Shape()
	if err := meta.Validate(shape[volume.AxisCrossSection]); err != nil {
		return nil, errors.Wrap(err, "invalid scan metadata")
	}
	meta.Positions = append([]models.CrossSectionPosition(nil), meta.Positions...)

	s := &Volume{
		data:        data.Clone(),
		meta:        meta,
		logger:      o.logger,
		layers:      make(map[string]*layers.Store),
		annotations: make(map[string]*annotation.Volume),
	}

	if o.registration != nil {
		s.registration = lazy.Of(o.registration)
	} else {
		s.registration = lazy.Deferred(func() (*registration.Affine, error) {
			return s.estimateRegistration(o)
		})
	}

	if o.enface != nil {
		s.enface = lazy.Of(o.enface)
	} else {
		s.enface = lazy.Deferred(s.synthesizeEnface)
	}
	return s, nil
}

func (s *Volume) estimateRegistration(o options) (*registration.Affine, error) {
	geom := registration.Geometry{
		CrossSections: s.data.Shape()[volume.AxisCrossSection],
		Width:         s.data.Shape()[volume.AxisWidth],
	}
	// a synthesized en-face image shares the projection's geometry, so
	// positions only apply to a supplied reference image
	if o.enface != nil && s.meta.Positions != nil {
		scale := o.enface.Scale()
		geom.Positions = s.meta.Positions
		geom.EnfaceScale = &scale
	}

	reg, err := registration.Estimate(geom,
		registration.WithLogger(s.logger),
		registration.WithTolerance(o.tolerance))
	if err != nil {
		return nil, errors.Wrap(err, "failed to estimate registration")
	}
	return reg, nil
}

// synthesizeEnface averages the volume along the A-scans and warps the
// result onto a width x width image with isotropic ScaleX pixels
func (s *Volume) synthesizeEnface() (*enface.Image, error) {
	reg, err := s.Registration()
	if err != nil {
		return nil, err
	}
	mean, err := s.data.MeanAxis(volume.AxisDepth)
	if err != nil {
		return nil, err
	}
	width := s.data.Shape()[volume.AxisWidth]
	img, err := interpolation.Warp(volume.FlipRows(mean), reg.Inverse, width, width, interpolation.Bilinear, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to warp projection")
	}

	s.logger.Debug("synthesized en-face image", zap.Int("width", width))
	return enface.New(img, models.PixelScale{X: s.meta.ScaleX, Y: s.meta.ScaleX})
}

// Shape returns (cross-sections, depth, width)
func (s *Volume) Shape() [3]int {
	return s.data.Shape()
}

// Meta returns a copy of the metadata
func (s *Volume) Meta() models.VolumeMeta {
	m := s.meta
	m.Positions = append([]models.CrossSectionPosition(nil), s.meta.Positions...)
	return m
}

// Data returns a copy of the voxels
func (s *Volume) Data() *volume.Volume {
	return s.data.Clone()
}

// Registration returns the projection to en-face registration, estimating
// it on first use
func (s *Volume) Registration() (*registration.Affine, error) {
	return s.registration.Get()
}

// Enface returns the reference image, synthesizing it on first use
func (s *Volume) Enface() (*enface.Image, error) {
	return s.enface.Get()
}

// CrossSection returns B-scan i as a (depth x width) matrix
func (s *Volume) CrossSection(i int) (*mat.Dense, error) {
	return s.data.ExtractSlice(volume.AxisCrossSection, i)
}

// Region copies a sub-volume. Zero ranges select a whole axis.
func (s *Volume) Region(r volume.Region) (*volume.Volume, error) {
	return s.data.ExtractRegion(r)
}

// SetLayers stores a layer segmentation under name. Its planes must be
// (cross-sections x width).
func (s *Volume) SetLayers(name string, store *layers.Store) error {
	if store == nil {
		return errors.Errorf("layer store %q is nil", name)
	}
	rows, cols, err := store.Shape()
	if err != nil {
		return errors.Wrapf(err, "failed to read layer store %q", name)
	}
	shape := s.data.Shape()
	if rows != shape[volume.AxisCrossSection] || cols != shape[volume.AxisWidth] {
		return errors.Errorf("layer store %q has planes (%d, %d), scan needs (%d, %d)",
			name, rows, cols, shape[volume.AxisCrossSection], shape[volume.AxisWidth])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[name] = store
	return nil
}

// Layers returns the named layer store
func (s *Volume) Layers(name string) (*layers.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.layers[name]
	return store, ok
}

// RemoveLayers drops the named layer store
func (s *Volume) RemoveLayers(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers, name)
}

// LayerNames lists the stored segmentations in lexical order
func (s *Volume) LayerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.layers)
}

// AddAnnotation binds data to the scan under name, replacing any
// annotation of the same name
func (s *Volume) AddAnnotation(name string, data *volume.Volume, opts ...annotation.Option) (*annotation.Volume, error) {
	a, err := annotation.New(name, s, data, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[name] = a
	return a, nil
}

// Annotation returns the named annotation
func (s *Volume) Annotation(name string) (*annotation.Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[name]
	return a, ok
}

// RemoveAnnotation drops the named annotation
func (s *Volume) RemoveAnnotation(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.annotations, name)
}

// AnnotationNames lists the annotations in lexical order
func (s *Volume) AnnotationNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.annotations)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
