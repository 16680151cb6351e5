package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"eyequant/internal/models"
)

func ones(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, 1)
		}
	}
	return m
}

func TestQuantifyDisjointMasks(t *testing.T) {
	a := mat.NewDense(10, 10, nil)
	b := mat.NewDense(10, 10, nil)
	for j := 0; j < 5; j++ {
		a.Set(0, j, 1)
		b.Set(1, j, 1)
	}
	g, err := NewGrid(10, 10, Sector{Name: "A", Mask: a}, Sector{Name: "B", Mask: b})
	require.NoError(t, err)

	const v = 1234.5
	res, err := Quantify(ones(10, 10), g, Voxels{
		EnfaceUM3:     v,
		OCTUM3:        42,
		OCTVoxelCount: 77,
		Laterality:    models.LeftEye,
	})
	require.NoError(t, err)

	got, ok := res.Get("A")
	require.True(t, ok)
	assert.InDelta(t, 5*v/1e9, got, 1e-15)
	got, _ = res.Get("B")
	assert.InDelta(t, 5*v/1e9, got, 1e-15)

	total, _ := res.Get(KeyTotalMM3)
	assert.InDelta(t, 100*v/1e9, total, 1e-15)
	voxels, _ := res.Get(KeyTotalOCTVoxels)
	assert.Equal(t, 77.0, voxels)
	size, _ := res.Get(KeyOCTVoxelSize)
	assert.Equal(t, 42.0, size)
	assert.Equal(t, models.LeftEye, res.Laterality)

	_, ok = res.Get(KeyLaterality)
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "B", KeyTotalMM3, KeyTotalOCTVoxels, KeyOCTVoxelSize, KeyLaterality}, res.Keys())
}

func TestQuantifyBuiltGridMatchesTotal(t *testing.T) {
	layout := defaultLayout(models.RightEye)
	layout.Radii = []float64{1, 10}
	layout.SectorsPerRing = []int{1, 8}
	layout.Offsets = []float64{0, 22.5}
	g, err := Build(layout)
	require.NoError(t, err)

	// the outer ring covers the whole image
	res, err := Quantify(ones(101, 101), g, Voxels{EnfaceUM3: 1e3})
	require.NoError(t, err)

	var sum float64
	for _, e := range res.Sectors {
		sum += e.Value
	}
	assert.InDelta(t, res.TotalMM3, sum, 1e-12)
}

func TestQuantifyShapeMismatch(t *testing.T) {
	g, err := NewGrid(3, 3)
	require.NoError(t, err)
	_, err = Quantify(ones(2, 3), g, Voxels{})
	assert.Error(t, err)

	_, err = Quantify(ones(3, 3), g, Voxels{EnfaceUM3: -1})
	assert.Error(t, err)
}
