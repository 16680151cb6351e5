// Package pipeline runs drusen quantification end to end: component
// filtering, binding the annotation to its scan, the en-face warp and the
// sector quantification.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"eyequant/internal/logging"
	"eyequant/internal/models"
	"eyequant/pkg/annotation"
	"eyequant/pkg/components"
	"eyequant/pkg/config"
	"eyequant/pkg/drusen"
	"eyequant/pkg/grid"
	"eyequant/pkg/layers"
	"eyequant/pkg/scan"
	"eyequant/pkg/volume"
)

// DefaultAnnotationName is the name quantified masks are stored under
const DefaultAnnotationName = "drusen"

// Params holds the quantification parameters.
type Params struct {
	// NumCores bounds how many scans ProcessBatch quantifies at once.
	NumCores int

	// MinimumDepth removes components spanning fewer B-scans.
	// Zero disables the depth filter.
	MinimumDepth int

	// MinimumHeight removes components spanning fewer rows of an A-scan.
	// Zero disables the height filter.
	MinimumHeight int

	// AnnotationName is the name the filtered mask is bound to the scan
	// under. An existing annotation of that name is replaced.
	AnnotationName string

	// Grid is the sector layout used for the quantification.
	Grid annotation.Config

	// RegistrationTolerance is the round trip tolerance of scans built
	// with NewScan.
	RegistrationTolerance float64

	// LayerMaxHeight bounds valid layer heights in ProcessLayers. Zero
	// keeps the bound of the layer store.
	LayerMaxHeight float64

	// Drusen configures segmentation from layer heights in ProcessLayers.
	DrusenDegree     int
	DrusenIterations int
	DrusenTolerance  float64

	// DrusenFillNeighbors fills layer gaps before segmentation when
	// positive.
	DrusenFillNeighbors int
}

// DefaultParams mirrors config.DefaultConfig
func DefaultParams() *Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig extracts the quantification parameters
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		NumCores:       cfg.Processing.NumCores,
		MinimumDepth:   cfg.Filter.MinimumDepth,
		MinimumHeight:  cfg.Filter.MinimumHeight,
		AnnotationName: DefaultAnnotationName,
		Grid: annotation.Config{
			Radii:          append([]float64(nil), cfg.Grid.Radii...),
			SectorsPerRing: append([]int(nil), cfg.Grid.SectorsPerRing...),
			Offsets:        append([]float64(nil), cfg.Grid.Offsets...),
		},
		RegistrationTolerance: cfg.Registration.Tolerance,
		LayerMaxHeight:        cfg.Layers.MaxHeight,

		DrusenDegree:     cfg.Drusen.Degree,
		DrusenIterations: cfg.Drusen.Iterations,
		DrusenTolerance:  cfg.Drusen.Tolerance,

		DrusenFillNeighbors: cfg.Drusen.FillNeighbors,
	}
}

// Stats summarizes the last run of a Quantifier.
type Stats struct {
	// ComponentsBefore and ComponentsAfter count the connected components
	// of the mask before and after filtering.
	ComponentsBefore int
	ComponentsAfter  int

	// VoxelsBefore and VoxelsAfter count the mask voxels.
	VoxelsBefore int
	VoxelsAfter  int

	// MeanComponentSize, StdComponentSize and LargestComponentSize
	// describe the voxel counts of the remaining components.
	MeanComponentSize    float64
	StdComponentSize     float64
	LargestComponentSize int

	Elapsed time.Duration
}

// Quantifier turns drusen masks into per-sector volumes.
//
// The process consists of these steps:
// 1. Removing components lower than MinimumHeight
// 2. Removing components shallower than MinimumDepth
// 3. Binding the filtered mask to the scan as an annotation
// 4. Warping the annotation projection into en-face space and quantifying
// it per sector
type Quantifier struct {
	params *Params
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewQuantifier creates a quantifier. A nil logger discards all output.
func NewQuantifier(params *Params, logger *zap.Logger) *Quantifier {
	if params == nil {
		params = DefaultParams()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Quantifier{params: params, logger: logger}
}

// NewQuantifierFromConfig validates cfg and creates a quantifier logging
// through a logger built from cfg.Logging
func NewQuantifierFromConfig(cfg *config.Config) (*Quantifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	logger, err := logging.New("pipeline", cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewQuantifier(ParamsFromConfig(cfg), logger), nil
}

// NewScan creates a scan that registers with the configured tolerance and
// logs through the quantifier's logger. opts are applied last.
func (q *Quantifier) NewScan(data *volume.Volume, meta models.VolumeMeta, opts ...scan.Option) (*scan.Volume, error) {
	base := []scan.Option{scan.WithLogger(q.logger)}
	if q.params.RegistrationTolerance > 0 {
		base = append(base, scan.WithTolerance(q.params.RegistrationTolerance))
	}
	return scan.New(data, meta, append(base, opts...)...)
}

// Stats returns the statistics of the last successful run
func (q *Quantifier) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Quantifier) annotationName() string {
	if q.params.AnnotationName == "" {
		return DefaultAnnotationName
	}
	return q.params.AnnotationName
}

// Process filters mask, binds it to s and quantifies it
func (q *Quantifier) Process(s *scan.Volume, mask *volume.Volume) (*grid.Result, error) {
	if s == nil || mask == nil {
		return nil, errors.New("process needs a scan and a mask")
	}
	start := time.Now()
	var stats Stats

	m := components.MapFromVolume(mask)
	_, stats.ComponentsBefore = components.Label(m)
	stats.VoxelsBefore = m.Count()

	// Step 1: Height filter
	q.logger.Debug("step 1: filtering components by height", zap.Int("minimumHeight", q.params.MinimumHeight))
	m, err := components.FilterByHeight(m, q.params.MinimumHeight)
	if err != nil {
		return nil, errors.Wrap(err, "height filter failed")
	}

	// Step 2: Depth filter
	q.logger.Debug("step 2: filtering components by depth", zap.Int("minimumDepth", q.params.MinimumDepth))
	m, err = components.FilterByDepth(m, q.params.MinimumDepth)
	if err != nil {
		return nil, errors.Wrap(err, "depth filter failed")
	}

	labels, n := components.Label(m)
	stats.ComponentsAfter = n
	stats.VoxelsAfter = m.Count()
	sizes := componentSizes(labels, n)
	stats.MeanComponentSize, stats.StdComponentSize = sizeStats(sizes)
	if n > 0 {
		stats.LargestComponentSize = int(floats.Max(sizes))
	}

	// Step 3: Bind to the scan
	q.logger.Debug("step 3: binding annotation", zap.String("name", q.annotationName()))
	filtered, err := m.Volume()
	if err != nil {
		return nil, err
	}
	a, err := s.AddAnnotation(q.annotationName(), filtered, annotation.WithConfig(q.params.Grid))
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind annotation")
	}

	// Step 4: En-face warp and quantification
	q.logger.Debug("step 4: quantifying sectors in en-face space")
	res, err := a.Quantify()
	if err != nil {
		return nil, errors.Wrap(err, "quantification failed")
	}

	stats.Elapsed = time.Since(start)
	q.mu.Lock()
	q.stats = stats
	q.mu.Unlock()

	q.logger.Info("quantified annotation",
		zap.String("name", q.annotationName()),
		zap.Int("componentsBefore", stats.ComponentsBefore),
		zap.Int("componentsAfter", stats.ComponentsAfter),
		zap.Int("voxelsRemoved", stats.VoxelsBefore-stats.VoxelsAfter),
		zap.Float64("totalMM3", res.TotalMM3),
		zap.Stringer("laterality", res.Laterality),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return res, nil
}

// ProcessLayers segments drusen from the named layer store of s and
// quantifies them
func (q *Quantifier) ProcessLayers(s *scan.Volume, layerName string) (*grid.Result, error) {
	store, ok := s.Layers(layerName)
	if !ok {
		return nil, errors.Errorf("scan has no layer store %q", layerName)
	}
	store = q.bounded(store)

	q.logger.Debug("segmenting drusen", zap.String("layers", layerName))
	meta := s.Meta()
	mask, err := drusen.Detect(store, s.Shape(),
		drusen.WithGapFill(q.params.DrusenFillNeighbors, meta.ScaleZ, meta.ScaleX),
		drusen.WithDegree(q.params.DrusenDegree),
		drusen.WithIterations(q.params.DrusenIterations),
		drusen.WithTolerance(q.params.DrusenTolerance),
		drusen.WithMinimumHeight(q.params.MinimumHeight),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "drusen segmentation from %q failed", layerName)
	}
	return q.Process(s, mask)
}

func (q *Quantifier) bounded(store *layers.Store) *layers.Store {
	if q.params.LayerMaxHeight > 0 {
		return store.Limited(q.params.LayerMaxHeight)
	}
	return store
}

func componentSizes(labels *components.Labels, n int) []float64 {
	sizes := make([]float64, n)
	for _, l := range labels.Values() {
		if l > 0 {
			sizes[l-1]++
		}
	}
	return sizes
}

func sizeStats(sizes []float64) (mean, std float64) {
	switch len(sizes) {
	case 0:
		return 0, 0
	case 1:
		return sizes[0], 0
	}
	return stat.MeanStdDev(sizes, nil)
}

// Job is one scan to quantify in a batch. Layers names a layer store to
// segment when Mask is nil.
type Job struct {
	Name   string
	Scan   *scan.Volume
	Mask   *volume.Volume
	Layers string
}

// Outcome is the result of one Job
type Outcome struct {
	Name   string
	Result *grid.Result
	Stats  Stats
	Err    error
}

// ProcessBatch quantifies jobs with at most NumCores running at once.
// Outcomes are returned in job order. Once ctx is done no further jobs
// start; those report ctx.Err().
func (q *Quantifier) ProcessBatch(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	workers := q.params.NumCores
	if workers < 1 {
		workers = 1
	}

	type task struct {
		idx int
		job Job
	}
	tasks := make(chan task)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				outcomes[t.idx] = q.runJob(t.job)
			}
		}()
	}

	dispatched := 0
dispatch:
	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case tasks <- task{idx: i, job: job}:
			dispatched++
		}
	}
	close(tasks)
	wg.Wait()

	for i := dispatched; i < len(jobs); i++ {
		outcomes[i] = Outcome{Name: jobs[i].Name, Err: ctx.Err()}
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	q.logger.Info("batch finished", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return outcomes
}

func (q *Quantifier) runJob(job Job) Outcome {
	out := Outcome{Name: job.Name}
	if job.Scan == nil {
		out.Err = errors.Errorf("job %q has no scan", job.Name)
		return out
	}

	// every job gets its own quantifier so that Stats stay per job
	jq := NewQuantifier(q.params, q.logger.With(zap.String("job", job.Name)))
	if job.Mask != nil {
		out.Result, out.Err = jq.Process(job.Scan, job.Mask)
	} else {
		out.Result, out.Err = jq.ProcessLayers(job.Scan, job.Layers)
	}
	out.Stats = jq.Stats()
	if out.Err != nil {
		q.logger.Warn("job failed", zap.String("job", job.Name), zap.Error(out.Err))
	}
	return out
}
