package grid

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"eyequant/internal/models"
)

// Fixed result keys next to the sector names
const (
	KeyTotalMM3       = "Total [mm³]"
	KeyTotalOCTVoxels = "Total [OCT voxels]"
	KeyOCTVoxelSize   = "OCT Voxel Size [µm³]"
	KeyLaterality     = "Laterality"
)

// Voxels carries the physical sizes a quantification is scaled with
type Voxels struct {
	// EnfaceUM3 is the volume of one en-face projection voxel in µm³
	EnfaceUM3 float64

	// OCTUM3 is the volume of one voxel of the source OCT volume in µm³
	OCTUM3 float64

	// OCTVoxelCount is the annotated voxel count before the en-face warp
	OCTVoxelCount float64

	Laterality models.Laterality
}

// Entry is one quantified sector
type Entry struct {
	Name  string
	Value float64
}

// Result is the quantification of one annotation. Sector values are in mm³.
type Result struct {
	Sectors         []Entry
	TotalMM3        float64
	TotalOCTVoxels  float64
	OCTVoxelSizeUM3 float64
	Laterality      models.Laterality
}

// Keys lists the sector names in grid order followed by the fixed keys
func (r *Result) Keys() []string {
	keys := make([]string, 0, len(r.Sectors)+4)
	for _, e := range r.Sectors {
		keys = append(keys, e.Name)
	}
	return append(keys, KeyTotalMM3, KeyTotalOCTVoxels, KeyOCTVoxelSize, KeyLaterality)
}

// Get returns the numeric value stored under key. Laterality is not
// numeric; read the Laterality field instead.
func (r *Result) Get(key string) (float64, bool) {
	switch key {
	case KeyTotalMM3:
		return r.TotalMM3, true
	case KeyTotalOCTVoxels:
		return r.TotalOCTVoxels, true
	case KeyOCTVoxelSize:
		return r.OCTVoxelSizeUM3, true
	}
	for _, e := range r.Sectors {
		if e.Name == key {
			return e.Value, true
		}
	}
	return 0, false
}

// Quantify sums the en-face projection under every sector mask and scales
// the sums to mm³. Sectors are summed concurrently.
func Quantify(enface mat.Matrix, g *Grid, v Voxels) (*Result, error) {
	if enface == nil || g == nil {
		return nil, errors.New("quantification needs an en-face projection and a grid")
	}
	rows, cols := enface.Dims()
	if gr, gc := g.Shape(); rows != gr || cols != gc {
		return nil, errors.Errorf("projection has shape (%d, %d), grid has (%d, %d)", rows, cols, gr, gc)
	}
	if v.EnfaceUM3 < 0 || v.OCTUM3 < 0 {
		return nil, errors.Errorf("voxel sizes must not be negative, got en-face %g and OCT %g", v.EnfaceUM3, v.OCTUM3)
	}

	scale := v.EnfaceUM3 / 1e9
	res := &Result{
		Sectors:         make([]Entry, len(g.sectors)),
		TotalMM3:        mat.Sum(enface) * scale,
		TotalOCTVoxels:  v.OCTVoxelCount,
		OCTVoxelSizeUM3: v.OCTUM3,
		Laterality:      v.Laterality,
	}

	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for i, s := range g.sectors {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s Sector) {
			defer wg.Done()
			defer func() { <-sem }()

			var masked mat.Dense
			masked.MulElem(enface, s.Mask)
			res.Sectors[i] = Entry{Name: s.Name, Value: mat.Sum(&masked) * scale}
		}(i, s)
	}
	wg.Wait()

	return res, nil
}
