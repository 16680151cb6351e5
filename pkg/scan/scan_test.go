package scan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
	"eyequant/pkg/annotation"
	"eyequant/pkg/enface"
	"eyequant/pkg/layers"
	"eyequant/pkg/registration"
	"eyequant/pkg/volume"
)

var testMeta = models.VolumeMeta{
	ScaleX:     0.01,
	ScaleY:     0.004,
	ScaleZ:     0.01,
	Laterality: models.LeftEye,
}

// testVolume is 4 B-scans of 3 x 4 where every A-scan holds 10*z + x
func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	v, err := volume.New(4, 3, 4)
	require.NoError(t, err)
	for z := 0; z < 4; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				v.Set(z, y, x, float64(10*z+x))
			}
		}
	}
	return v
}

func TestSynthesizedEnface(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := New(testVolume(t), testMeta, WithLogger(zap.New(core)))
	require.NoError(t, err)

	img, err := s.Enface()
	require.NoError(t, err)
	rows, cols := img.Shape()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 4, cols)
	assert.Equal(t, models.PixelScale{X: 0.01, Y: 0.01}, img.Scale())

	// the top row is the last B-scan
	for x := 0; x < 4; x++ {
		assert.InDelta(t, float64(30+x), img.At(0, x), 1e-9)
		assert.InDelta(t, float64(x), img.At(3, x), 1e-9)
	}

	reg, err := s.Registration()
	require.NoError(t, err)
	assert.True(t, reg.GeometryFallback())

	_, err = s.Enface()
	require.NoError(t, err)
	warnings := logs.FilterField(zap.Error(registration.ErrGeometryUnavailable)).All()
	assert.Len(t, warnings, 1)
}

func TestSuppliedEnfaceUsesPositions(t *testing.T) {
	img, err := enface.New(mat.NewDense(200, 200, nil), models.PixelScale{X: 0.01, Y: 0.01})
	require.NoError(t, err)

	meta := testMeta
	meta.Positions = []models.CrossSectionPosition{
		{Start: r2.Vec{X: 0.5, Y: 1.5}, End: r2.Vec{X: 1.5, Y: 1.5}},
		{Start: r2.Vec{X: 0.5, Y: 1.2}, End: r2.Vec{X: 1.5, Y: 1.2}},
		{Start: r2.Vec{X: 0.5, Y: 0.9}, End: r2.Vec{X: 1.5, Y: 0.9}},
		{Start: r2.Vec{X: 0.5, Y: 0.6}, End: r2.Vec{X: 1.5, Y: 0.6}},
	}
	s, err := New(testVolume(t), meta, WithEnface(img))
	require.NoError(t, err)

	reg, err := s.Registration()
	require.NoError(t, err)
	assert.False(t, reg.GeometryFallback())

	got := reg.Forward(r2.Vec{X: 0, Y: 0})
	assert.InDelta(t, 50, got.X, 1e-6)
	assert.InDelta(t, 60, got.Y, 1e-6)

	same, err := s.Enface()
	require.NoError(t, err)
	assert.Same(t, img, same)
}

func TestSuppliedRegistration(t *testing.T) {
	reg, err := registration.New([6]float64{2, 0, 0, 0, 2, 0})
	require.NoError(t, err)
	s, err := New(testVolume(t), testMeta, WithRegistration(reg))
	require.NoError(t, err)

	got, err := s.Registration()
	require.NoError(t, err)
	assert.Same(t, reg, got)
}

func TestNewValidatesMeta(t *testing.T) {
	meta := testMeta
	meta.ScaleZ = 0
	_, err := New(testVolume(t), meta)
	assert.Error(t, err)

	meta = testMeta
	meta.Positions = make([]models.CrossSectionPosition, 2)
	_, err = New(testVolume(t), meta)
	assert.Error(t, err)

	_, err = New(nil, testMeta)
	assert.Error(t, err)
}

func TestCrossSectionAndRegion(t *testing.T) {
	src := testVolume(t)
	s, err := New(src, testMeta)
	require.NoError(t, err)
	src.Set(2, 0, 0, -1)

	b, err := s.CrossSection(2)
	require.NoError(t, err)
	assert.Equal(t, 20.0, b.At(0, 0))
	assert.Equal(t, 23.0, b.At(2, 3))

	_, err = s.CrossSection(4)
	assert.Error(t, err)

	r, err := s.Region(volume.Region{Ranges: [3]volume.Range{{Start: 1, Stop: 3}, {}, {Start: 2, Stop: 4}}})
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 3, 2}, r.Shape())
	assert.Equal(t, 12.0, r.At(0, 0, 0))
}

func TestLayerStores(t *testing.T) {
	s, err := New(testVolume(t), testMeta)
	require.NoError(t, err)

	raw, err := volume.New(2, 4, 4)
	require.NoError(t, err)
	store := layers.FromVolume(raw, layers.WithMapping(map[string]int{"RPE": 0, "BM": 1}))
	require.NoError(t, s.SetLayers("heyex", store))
	require.NoError(t, s.SetLayers("manual", store))

	wrong, err := volume.New(2, 3, 4)
	require.NoError(t, err)
	assert.Error(t, s.SetLayers("bad", layers.FromVolume(wrong)))

	got, ok := s.Layers("heyex")
	assert.True(t, ok)
	assert.Same(t, store, got)
	assert.Equal(t, []string{"heyex", "manual"}, s.LayerNames())

	s.RemoveLayers("heyex")
	_, ok = s.Layers("heyex")
	assert.False(t, ok)
	assert.Equal(t, []string{"manual"}, s.LayerNames())
}

func TestAnnotations(t *testing.T) {
	s, err := New(testVolume(t), testMeta)
	require.NoError(t, err)

	mask, err := volume.New(4, 3, 4)
	require.NoError(t, err)
	mask.Set(1, 1, 1, 1)

	a, err := s.AddAnnotation("drusen", mask, annotation.WithRadii(0.01, 0.02))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.01, 0.02}, a.Config().Radii)

	got, ok := s.Annotation("drusen")
	require.True(t, ok)
	assert.Same(t, a, got)

	res, err := a.Quantify()
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.TotalOCTVoxels)
	assert.Equal(t, models.LeftEye, res.Laterality)
	assert.InDelta(t, 0.01*0.004*0.01*1e9, res.OCTVoxelSizeUM3, 1e-9)
	assert.False(t, math.IsNaN(res.TotalMM3))

	_, err = s.AddAnnotation("bad", testVolume(t).Clone(), annotation.WithRadii(-1, 2))
	assert.Error(t, err)
	assert.Equal(t, []string{"drusen"}, s.AnnotationNames())

	s.RemoveAnnotation("drusen")
	assert.Empty(t, s.AnnotationNames())
}
