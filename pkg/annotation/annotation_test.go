package annotation

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
	"eyequant/pkg/enface"
	"eyequant/pkg/grid"
	"eyequant/pkg/registration"
	"eyequant/pkg/volume"
)

type fakeScan struct {
	shape [3]int
	meta  models.VolumeMeta
	img   *enface.Image
	reg   *registration.Affine
}

func (s *fakeScan) Shape() [3]int                               { return s.shape }
func (s *fakeScan) Meta() models.VolumeMeta                     { return s.meta }
func (s *fakeScan) Enface() (*enface.Image, error)              { return s.img, nil }
func (s *fakeScan) Registration() (*registration.Affine, error) { return s.reg, nil }

// newFakeScan is a 4 x 3 x 4 scan whose projection maps 1:1 onto a 4 x 4
// en-face image of 1 mm pixels
func newFakeScan(t *testing.T) *fakeScan {
	t.Helper()
	reg, err := registration.Estimate(registration.Geometry{CrossSections: 4, Width: 4})
	require.NoError(t, err)
	img, err := enface.New(mat.NewDense(4, 4, nil), models.PixelScale{X: 1, Y: 1})
	require.NoError(t, err)
	return &fakeScan{
		shape: [3]int{4, 3, 4},
		meta: models.VolumeMeta{
			ScaleX:     0.01,
			ScaleY:     0.004,
			ScaleZ:     0.1,
			Laterality: models.RightEye,
		},
		img: img,
		reg: reg,
	}
}

func drusen(t *testing.T) *volume.Volume {
	t.Helper()
	v, err := volume.New(4, 3, 4)
	require.NoError(t, err)
	// two voxels deep in the first B-scan, one in the last
	v.Set(0, 0, 2, 1)
	v.Set(0, 1, 2, 1)
	v.Set(3, 2, 0, 1)
	return v
}

func TestProjectionFlipsCrossSections(t *testing.T) {
	a, err := New("drusen", newFakeScan(t), drusen(t))
	require.NoError(t, err)

	p := a.Projection()
	rows, cols := p.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 4, cols)
	assert.Equal(t, 2.0, p.At(3, 2))
	assert.Equal(t, 1.0, p.At(0, 0))
	assert.Equal(t, 3.0, mat.Sum(p))
}

func TestEnfaceIdentityRegistration(t *testing.T) {
	a, err := New("drusen", newFakeScan(t), drusen(t))
	require.NoError(t, err)

	e, err := a.Enface()
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(a.Projection(), e, 1e-12))
}

func TestQuantify(t *testing.T) {
	scan := newFakeScan(t)
	a, err := New("drusen", scan, drusen(t))
	require.NoError(t, err)

	res, err := a.Quantify()
	require.NoError(t, err)

	enfaceUM3 := 1e3 * 1e3 * 4.0
	assert.InDelta(t, 3*enfaceUM3/1e9, res.TotalMM3, 1e-12)
	assert.Equal(t, 3.0, res.TotalOCTVoxels)
	assert.InDelta(t, 10*4*100.0, res.OCTVoxelSizeUM3, 1e-9)
	assert.Equal(t, models.RightEye, res.Laterality)

	var sum float64
	for _, e := range res.Sectors {
		sum += e.Value
	}
	assert.InDelta(t, res.TotalMM3, sum, 1e-12)
	assert.Len(t, res.Sectors, 5)
}

func TestConfigurationInvalidatesCaches(t *testing.T) {
	a, err := New("drusen", newFakeScan(t), drusen(t))
	require.NoError(t, err)

	first, err := a.Masks()
	require.NoError(t, err)
	again, err := a.Masks()
	require.NoError(t, err)
	assert.Same(t, first, again)

	res, err := a.Quantify()
	require.NoError(t, err)
	assert.Len(t, res.Sectors, 5)

	require.NoError(t, a.Configure(Config{
		Radii:          []float64{3},
		SectorsPerRing: []int{2},
		Offsets:        []float64{0},
	}))

	masks, err := a.Masks()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Radius: 3 mm, Sector: Inferior",
		"Radius: 3 mm, Sector: Superior",
	}, masks.Names())

	res, err = a.Quantify()
	require.NoError(t, err)
	assert.Len(t, res.Sectors, 2)

	require.NoError(t, a.SetOffsets(90))
	masks, err = a.Masks()
	require.NoError(t, err)
	assert.Equal(t, "Radius: 3 mm, Sector: Temporal", masks.Names()[0])
}

func TestInvalidConfigurationIsRejected(t *testing.T) {
	a, err := New("drusen", newFakeScan(t), drusen(t))
	require.NoError(t, err)
	before, err := a.Masks()
	require.NoError(t, err)

	err = a.SetRadii(1, 2, 3)
	var cfgErr *grid.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	err = a.SetCenter(r2.Vec{X: 10, Y: 1})
	require.True(t, errors.As(err, &cfgErr))

	assert.Equal(t, DefaultConfig(), a.Config())
	after, err := a.Masks()
	require.NoError(t, err)
	assert.Same(t, before, after)

	_, err = New("bad", newFakeScan(t), drusen(t), WithSectorsPerRing(0, 4))
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewValidatesShape(t *testing.T) {
	v, err := volume.New(4, 3, 5)
	require.NoError(t, err)
	_, err = New("drusen", newFakeScan(t), v)
	assert.Error(t, err)
}

func TestDataIsCopied(t *testing.T) {
	src := drusen(t)
	a, err := New("drusen", newFakeScan(t), src)
	require.NoError(t, err)

	src.Set(1, 1, 1, 9)
	assert.Equal(t, 3.0, a.Data().Sum())
	assert.Equal(t, "drusen", a.Name())
}
