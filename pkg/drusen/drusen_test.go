package drusen

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eyequant/pkg/layers"
	"eyequant/pkg/volume"
)

var mapping = map[string]int{"RPE": 0, "BM": 1}

// heights builds 2 B-scans of 20 A-scans with a flat RPE at row 20, BM at
// row 22 and the RPE lifted to row bump in columns from..to
func heights(t *testing.T, bump float64, from, to int) *layers.Store {
	t.Helper()
	raw, err := volume.New(2, 2, 20)
	require.NoError(t, err)
	for z := 0; z < 2; z++ {
		for x := 0; x < 20; x++ {
			rpe := 20.0
			if x >= from && x <= to {
				rpe = bump
			}
			raw.Set(0, z, x, rpe)
			raw.Set(1, z, x, 22)
		}
	}
	return layers.FromVolume(raw, layers.WithMapping(mapping))
}

func TestNormalRPEIgnoresDrusen(t *testing.T) {
	normal, err := NormalRPE(heights(t, 12, 8, 11))
	require.NoError(t, err)
	for x := 0; x < 20; x++ {
		assert.InDelta(t, 20, normal.At(0, x), 1e-6, "column %d", x)
	}
}

func TestDetectBump(t *testing.T) {
	mask, err := Detect(heights(t, 12, 8, 11), [3]int{2, 30, 20})
	require.NoError(t, err)

	assert.Equal(t, 2*4*8, mask.CountNonZero())
	assert.Equal(t, 1.0, mask.At(0, 12, 8))
	assert.Equal(t, 1.0, mask.At(1, 19, 11))
	assert.Equal(t, 0.0, mask.At(0, 20, 8))
	assert.Equal(t, 0.0, mask.At(0, 11, 8))
	assert.Equal(t, 0.0, mask.At(0, 15, 12))
}

func TestDetectMinimumHeight(t *testing.T) {
	store := heights(t, 19, 8, 8)

	mask, err := Detect(store, [3]int{2, 30, 20})
	require.NoError(t, err)
	assert.Equal(t, 0, mask.CountNonZero())

	mask, err = Detect(store, [3]int{2, 30, 20}, WithMinimumHeight(1))
	require.NoError(t, err)
	assert.Equal(t, 2, mask.CountNonZero())
}

func TestDetectClipsAtBM(t *testing.T) {
	raw, err := volume.New(2, 1, 20)
	require.NoError(t, err)
	for x := 0; x < 20; x++ {
		raw.Set(0, 0, x, 20)
		raw.Set(1, 0, x, 15)
	}
	raw.Set(0, 0, 10, 10)
	store := layers.FromVolume(raw, layers.WithMapping(mapping))

	mask, err := Detect(store, [3]int{1, 30, 20})
	require.NoError(t, err)
	// rows 10 to 14: BM at 15 caps the druse
	assert.Equal(t, 5, mask.CountNonZero())
}

func TestDetectWithoutBM(t *testing.T) {
	raw, err := volume.New(1, 1, 20)
	require.NoError(t, err)
	for x := 0; x < 20; x++ {
		raw.Set(0, 0, x, 20)
	}
	raw.Set(0, 0, 5, 14)
	store := layers.FromVolume(raw, layers.WithMapping(map[string]int{"RPE": 0}))

	mask, err := Detect(store, [3]int{1, 30, 20})
	require.NoError(t, err)
	assert.Equal(t, 6, mask.CountNonZero())
}

func TestDetectErrors(t *testing.T) {
	store := heights(t, 12, 8, 11)
	_, err := Detect(store, [3]int{3, 30, 20})
	assert.Error(t, err)

	_, err = Detect(store, [3]int{2, 30, 20}, WithDegree(-1))
	assert.Error(t, err)

	raw, err := volume.New(2, 2, 20)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		raw.Set(0, 0, i, math.NaN())
		raw.Set(0, 1, i, math.NaN())
	}
	_, err = Detect(layers.FromVolume(raw, layers.WithMapping(mapping)), [3]int{2, 30, 20})
	var noData *layers.NoDataError
	assert.ErrorAs(t, err, &noData)
}

func TestSparseRowsAreSkipped(t *testing.T) {
	fit := fitRow([]float64{1, math.NaN(), 2, math.NaN()}, options{degree: 3, iterations: 3, tolerance: 3})
	for _, v := range fit {
		assert.True(t, math.IsNaN(v))
	}
}

func TestDetectGapFill(t *testing.T) {
	raw, err := volume.New(2, 1, 20)
	require.NoError(t, err)
	for x := 0; x < 20; x++ {
		rpe := 20.0
		if x >= 8 && x <= 11 {
			rpe = 12
		}
		raw.Set(0, 0, x, rpe)
		raw.Set(1, 0, x, 22)
	}
	raw.Set(0, 0, 9, math.NaN())
	store := layers.FromVolume(raw, layers.WithMapping(mapping))

	mask, err := Detect(store, [3]int{1, 30, 20})
	require.NoError(t, err)
	assert.Equal(t, 3*8, mask.CountNonZero())

	mask, err = Detect(store, [3]int{1, 30, 20}, WithGapFill(2, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 4*8, mask.CountNonZero())
	assert.Equal(t, 1.0, mask.At(0, 15, 9))

	_, err = Detect(store, [3]int{1, 30, 20}, WithGapFill(-1, 1, 1))
	assert.Error(t, err)
}
