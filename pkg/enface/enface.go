// Package enface holds the 2D reference image (SLO / fundus / synthetic
// projection) an OCT volume is registered to.
package enface

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
)

// Image is an immutable reference image with its physical pixel size
type Image struct {
	data  *mat.Dense
	scale models.PixelScale
}

// New copies data into an Image. Both scales must be positive.
func New(data mat.Matrix, scale models.PixelScale) (*Image, error) {
	if data == nil {
		return nil, fmt.Errorf("en-face image data is nil")
	}
	if scale.X <= 0 || scale.Y <= 0 {
		return nil, fmt.Errorf("en-face scale must be positive, got x=%g y=%g", scale.X, scale.Y)
	}
	return &Image{data: mat.DenseCopyOf(data), scale: scale}, nil
}

// Data returns a copy of the pixels
func (img *Image) Data() *mat.Dense {
	return mat.DenseCopyOf(img.data)
}

// At returns the pixel at row r, column c
func (img *Image) At(r, c int) float64 {
	return img.data.At(r, c)
}

// Shape returns (rows, cols)
func (img *Image) Shape() (rows, cols int) {
	return img.data.Dims()
}

// Scale returns the pixel size in mm
func (img *Image) Scale() models.PixelScale {
	return img.scale
}

// Center is the geometric center in pixel coordinates (x = column, y = row)
func (img *Image) Center() r2.Vec {
	rows, cols := img.data.Dims()
	return r2.Vec{X: float64(cols-1) / 2, Y: float64(rows-1) / 2}
}

// PixelAreaUM2 is the area of one pixel in µm²
func (img *Image) PixelAreaUM2() float64 {
	return img.scale.X * 1e3 * img.scale.Y * 1e3
}
