package interpolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

func identity(p r2.Vec) r2.Vec { return p }

func TestNearest(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})

	v, ok := Nearest(m, r2.Vec{X: 1.4, Y: 0.6})
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)

	_, ok = Nearest(m, r2.Vec{X: 2.6, Y: 0})
	assert.False(t, ok)
	_, ok = Nearest(m, r2.Vec{X: -0.6, Y: 0})
	assert.False(t, ok)
}

func TestSampleBilinear(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{
		0, 10,
		20, 30,
	})

	v, ok := SampleBilinear(m, r2.Vec{X: 0.5, Y: 0.5})
	assert.True(t, ok)
	assert.InDelta(t, 15.0, v, 1e-12)

	v, ok = SampleBilinear(m, r2.Vec{X: 1, Y: 1})
	assert.True(t, ok)
	assert.Equal(t, 30.0, v)

	_, ok = SampleBilinear(m, r2.Vec{X: 1.01, Y: 0})
	assert.False(t, ok)
}

func TestWarpIdentityAndShift(t *testing.T) {
	src := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})

	out, err := Warp(src, identity, 3, 3, NearestNeighbor, 0)
	require.NoError(t, err)
	assert.True(t, mat.Equal(src, out))

	shift := func(p r2.Vec) r2.Vec { return r2.Vec{X: p.X + 1, Y: p.Y} }
	out, err = Warp(src, shift, 3, 3, NearestNeighbor, -1)
	require.NoError(t, err)
	want := mat.NewDense(3, 3, []float64{
		2, 3, -1,
		5, 6, -1,
		8, 9, -1,
	})
	assert.True(t, mat.Equal(want, out))
}

func TestWarpValidation(t *testing.T) {
	src := mat.NewDense(1, 1, []float64{1})
	_, err := Warp(src, identity, 0, 3, NearestNeighbor, 0)
	assert.Error(t, err)
	_, err = Warp(src, identity, 1, 1, Order(7), 0)
	assert.Error(t, err)
}
