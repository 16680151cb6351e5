package volume

import "fmt"

// Range is a half-open interval [Start, Stop) along one axis. The zero
// Range selects the whole axis.
type Range struct {
	Start int
	Stop  int
}

// Len is the number of indices covered by a normalized range
func (r Range) Len() int {
	return r.Stop - r.Start
}

// Region selects a box of a volume, one Range per axis
type Region struct {
	Ranges [3]Range
}

// Whole returns the region covering a complete volume of the given shape
func Whole(shape [3]int) Region {
	var r Region
	for axis, size := range shape {
		r.Ranges[axis] = Range{Start: 0, Stop: size}
	}
	return r
}

// Normalize resolves zero ranges to the full axis and checks the bounds
// against shape. Every entry point that accepts a Region normalizes it
// exactly once before use.
func (r Region) Normalize(shape [3]int) (Region, error) {
	out := r
	for axis, size := range shape {
		rg := r.Ranges[axis]
		if rg == (Range{}) {
			rg = Range{Start: 0, Stop: size}
		}
		if rg.Start < 0 || rg.Stop > size || rg.Start >= rg.Stop {
			return Region{}, fmt.Errorf("range [%d, %d) on axis %d is outside [0, %d) or empty", rg.Start, rg.Stop, axis, size)
		}
		out.Ranges[axis] = rg
	}
	return out, nil
}

// ExtractRegion copies a 3D sub-region of the volume
func (v *Volume) ExtractRegion(region Region) (*Volume, error) {
	r, err := region.Normalize(v.Shape())
	if err != nil {
		return nil, err
	}

	zr, yr, xr := r.Ranges[0], r.Ranges[1], r.Ranges[2]
	out, err := New(zr.Len(), yr.Len(), xr.Len())
	if err != nil {
		return nil, err
	}

	for z := 0; z < zr.Len(); z++ {
		for y := 0; y < yr.Len(); y++ {
			src := v.index(zr.Start+z, yr.Start+y, xr.Start)
			dst := out.index(z, y, 0)
			copy(out.data[dst:dst+xr.Len()], v.data[src:src+xr.Len()])
		}
	}
	return out, nil
}
