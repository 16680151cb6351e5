// Package grid builds concentric ring / angular sector masks over en-face
// pixel space and aggregates en-face projections into per-sector volumes.
package grid

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"eyequant/internal/models"
)

// ConfigurationError reports every problem found in a grid configuration.
// Err combines the individual problems; multierr.Errors splits them again.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "invalid sector grid configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Layout describes a sector grid
type Layout struct {
	// Center in pixel coordinates (X = column, Y = row). Nil selects the
	// image center.
	Center *r2.Vec

	// Radii of the rings in mm
	Radii []float64

	// SectorsPerRing holds the number of angular sectors of every ring
	SectorsPerRing []int

	// Offsets is the start angle of the first sector of every ring in
	// degrees, clockwise from the image's +x axis
	Offsets []float64

	Laterality models.Laterality

	// ScaleX and ScaleY are the pixel sizes in mm
	ScaleX float64
	ScaleY float64

	Rows int
	Cols int
}

// Validate checks the layout and returns a *ConfigurationError listing all
// problems
func (s Layout) Validate() error {
	var errs error
	if len(s.Radii) == 0 {
		errs = multierr.Append(errs, errors.New("at least one radius is required"))
	}
	if len(s.SectorsPerRing) != len(s.Radii) {
		errs = multierr.Append(errs, errors.Errorf("got %d sector counts for %d radii", len(s.SectorsPerRing), len(s.Radii)))
	}
	if len(s.Offsets) != len(s.Radii) {
		errs = multierr.Append(errs, errors.Errorf("got %d offsets for %d radii", len(s.Offsets), len(s.Radii)))
	}

	seen := make(map[float64]bool, len(s.Radii))
	for i, r := range s.Radii {
		if !(r > 0) || math.IsInf(r, 1) {
			errs = multierr.Append(errs, errors.Errorf("radius %d must be positive and finite, got %g", i, r))
		}
		if seen[r] {
			errs = multierr.Append(errs, errors.Errorf("radius %g is given twice", r))
		}
		seen[r] = true
	}
	for i, n := range s.SectorsPerRing {
		if n < 1 {
			errs = multierr.Append(errs, errors.Errorf("ring %d needs at least one sector, got %d", i, n))
		}
	}
	for i, o := range s.Offsets {
		if math.IsNaN(o) || math.IsInf(o, 0) {
			errs = multierr.Append(errs, errors.Errorf("offset %d must be finite, got %g", i, o))
		}
	}

	if !(s.ScaleX > 0) || !(s.ScaleY > 0) {
		errs = multierr.Append(errs, errors.Errorf("pixel scale must be positive, got x=%g y=%g", s.ScaleX, s.ScaleY))
	}
	if s.Rows <= 0 || s.Cols <= 0 {
		errs = multierr.Append(errs, errors.Errorf("image shape must be positive, got (%d, %d)", s.Rows, s.Cols))
	} else if s.Center != nil {
		c := *s.Center
		if !(c.X >= 0 && c.X <= float64(s.Cols-1) && c.Y >= 0 && c.Y <= float64(s.Rows-1)) {
			errs = multierr.Append(errs, errors.Errorf("center (%g, %g) is outside the %dx%d image", c.X, c.Y, s.Cols, s.Rows))
		}
	}
	if s.Laterality != "" && !s.Laterality.Valid() {
		errs = multierr.Append(errs, errors.Errorf("unknown laterality %q", s.Laterality))
	}

	if errs != nil {
		return &ConfigurationError{Err: errs}
	}
	return nil
}

// Sector is a named 0/1 mask over en-face pixel space
type Sector struct {
	Name string
	Mask *mat.Dense
}

// Grid is an ordered set of sector masks sharing one image shape
type Grid struct {
	rows    int
	cols    int
	sectors []Sector
}

// NewGrid assembles a grid from explicit masks. Names must be unique and
// every mask must be rows x cols.
func NewGrid(rows, cols int, sectors ...Sector) (*Grid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("grid shape must be positive, got (%d, %d)", rows, cols)
	}
	g := &Grid{rows: rows, cols: cols, sectors: make([]Sector, 0, len(sectors))}
	names := make(map[string]bool, len(sectors))
	for _, s := range sectors {
		if s.Mask == nil {
			return nil, errors.Errorf("sector %q has no mask", s.Name)
		}
		r, c := s.Mask.Dims()
		if r != rows || c != cols {
			return nil, errors.Errorf("sector %q has shape (%d, %d), want (%d, %d)", s.Name, r, c, rows, cols)
		}
		if names[s.Name] {
			return nil, errors.Errorf("sector %q is defined twice", s.Name)
		}
		names[s.Name] = true
		g.sectors = append(g.sectors, Sector{Name: s.Name, Mask: mat.DenseCopyOf(s.Mask)})
	}
	return g, nil
}

// Shape returns (rows, cols) of every mask
func (g *Grid) Shape() (int, int) {
	return g.rows, g.cols
}

// Len is the number of sectors
func (g *Grid) Len() int {
	return len(g.sectors)
}

// Names lists the sectors in grid order
func (g *Grid) Names() []string {
	names := make([]string, len(g.sectors))
	for i, s := range g.sectors {
		names[i] = s.Name
	}
	return names
}

// Mask returns a copy of the named mask
func (g *Grid) Mask(name string) (*mat.Dense, bool) {
	for _, s := range g.sectors {
		if s.Name == name {
			return mat.DenseCopyOf(s.Mask), true
		}
	}
	return nil, false
}

// Sectors returns copies of all sectors in grid order
func (g *Grid) Sectors() []Sector {
	out := make([]Sector, len(g.sectors))
	for i, s := range g.sectors {
		out[i] = Sector{Name: s.Name, Mask: mat.DenseCopyOf(s.Mask)}
	}
	return out
}

type ring struct {
	radius  float64
	sectors int
	offset  float64
}

// Build rasterizes the rings and sectors of layout.
//
// A pixel belongs to ring i when inner <= d < outer, d being its physical
// distance from the center. Angles grow clockwise on screen starting at
// the +x axis; sector k of n spans [offset + k*360/n, offset + (k+1)*360/n).
// Masks do not depend on laterality, only the sector names do.
func Build(layout Layout) (*Grid, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	rings := make([]ring, len(layout.Radii))
	for i := range layout.Radii {
		rings[i] = ring{radius: layout.Radii[i], sectors: layout.SectorsPerRing[i], offset: layout.Offsets[i]}
	}
	sort.Slice(rings, func(i, j int) bool { return rings[i].radius < rings[j].radius })

	center := r2.Vec{X: float64(layout.Cols-1) / 2, Y: float64(layout.Rows-1) / 2}
	if layout.Center != nil {
		center = *layout.Center
	}

	var sectors []Sector
	masks := make([][]*mat.Dense, len(rings))
	for i, rg := range rings {
		names := sectorNames(rg, layout.Laterality)
		masks[i] = make([]*mat.Dense, rg.sectors)
		for k := range masks[i] {
			masks[i][k] = mat.NewDense(layout.Rows, layout.Cols, nil)
			sectors = append(sectors, Sector{Name: names[k], Mask: masks[i][k]})
		}
	}

	for y := 0; y < layout.Rows; y++ {
		for x := 0; x < layout.Cols; x++ {
			dx := (float64(x) - center.X) * layout.ScaleX
			dy := (float64(y) - center.Y) * layout.ScaleY
			d := math.Hypot(dx, dy)

			i := sort.Search(len(rings), func(i int) bool { return d < rings[i].radius })
			if i == len(rings) {
				continue
			}
			rg := rings[i]
			angle := math.Atan2(dy, dx) * 180 / math.Pi
			width := 360 / float64(rg.sectors)
			k := int(math.Floor(wrapDegrees(angle-rg.offset) / width))
			if k >= rg.sectors {
				k = rg.sectors - 1
			}
			masks[i][k].Set(y, x, 1)
		}
	}

	return &Grid{rows: layout.Rows, cols: layout.Cols, sectors: sectors}, nil
}

func wrapDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// directions in clockwise order starting at +x, for the right eye whose
// optic disc lies on the right of the image
var directions = [8]string{
	"Nasal",
	"Inferior Nasal",
	"Inferior",
	"Inferior Temporal",
	"Temporal",
	"Superior Temporal",
	"Superior",
	"Superior Nasal",
}

func direction(angle float64, lat models.Laterality) string {
	i := int(math.Round(wrapDegrees(angle)/45)) % len(directions)
	if lat == models.LeftEye {
		// mirror across the vertical axis
		i = (len(directions) + 4 - i) % len(directions)
	}
	return directions[i]
}

func sectorNames(rg ring, lat models.Laterality) []string {
	radius := "Radius: " + strconv.FormatFloat(rg.radius, 'g', -1, 64) + " mm"
	if rg.sectors == 1 {
		return []string{radius}
	}

	width := 360 / float64(rg.sectors)
	dirs := make([]string, rg.sectors)
	count := make(map[string]int, rg.sectors)
	for k := range dirs {
		dirs[k] = direction(rg.offset+(float64(k)+0.5)*width, lat)
		count[dirs[k]]++
	}

	names := make([]string, rg.sectors)
	for k, dir := range dirs {
		names[k] = fmt.Sprintf("%s, Sector: %s", radius, dir)
		if count[dir] > 1 {
			names[k] += " " + strconv.Itoa(k+1)
		}
	}
	return names
}
