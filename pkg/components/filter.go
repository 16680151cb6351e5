package components

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"eyequant/pkg/volume"
)

// Axes the filters measure along. For a scan-shaped annotation of shape
// (cross-sections, depth rows, width) the depth of a component is its
// extent across B-scans and its height the extent inside an A-scan.
const (
	DepthAxis  = 0
	HeightAxis = 1
)

// ComponentMaxExtent measures every labeled component along axis: within
// the component's bounding box it counts the component's elements on each
// line parallel to axis and keeps the largest count. The result holds that
// count on every element of the component and 0 on background.
//
// Components are measured concurrently; each one only touches its own
// elements so the result does not depend on scheduling.
func ComponentMaxExtent(l *Labels, axis int) (*Labels, error) {
	if axis < 0 || axis >= len(l.shape) {
		return nil, errors.Errorf("invalid axis %d for %d dimensions", axis, len(l.shape))
	}

	out := &Labels{shape: append([]int(nil), l.shape...), data: make([]int, len(l.data))}
	boxes := FindObjects(l)
	if len(boxes) == 0 {
		return out, nil
	}
	st := strides(l.shape)

	workers := runtime.NumCPU()
	if workers > len(boxes) {
		workers = len(boxes)
	}
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				label := i + 1
				box := boxes[i]
				if box.Ranges == nil {
					continue
				}
				extent := lineMax(l, label, box, axis, st)
				eachIndex(box.Ranges, st, func(flat int) {
					if l.data[flat] == label {
						out.data[flat] = extent
					}
				})
			}
		}()
	}
	for i := range boxes {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return out, nil
}

func lineMax(l *Labels, label int, box Box, axis int, st []int) int {
	span := box.Ranges[axis]
	base := append([]volume.Range(nil), box.Ranges...)
	base[axis] = volume.Range{Start: span.Start, Stop: span.Start + 1}

	best := 0
	eachIndex(base, st, func(flat int) {
		n := 0
		for k := 0; k < span.Len(); k++ {
			if l.data[flat+k*st[axis]] == label {
				n++
			}
		}
		if n > best {
			best = n
		}
	})
	return best
}

// ComponentMaxHeight is ComponentMaxExtent along HeightAxis
func ComponentMaxHeight(l *Labels) (*Labels, error) {
	return ComponentMaxExtent(l, HeightAxis)
}

// ComponentMaxDepth is ComponentMaxExtent along DepthAxis
func ComponentMaxDepth(l *Labels) (*Labels, error) {
	return ComponentMaxExtent(l, DepthAxis)
}

// FilterByDepth removes components whose depth is below minimum.
// Components exactly minimum deep are kept. A zero minimum returns an
// unchanged copy of m.
func FilterByDepth(m *Map, minimum int) (*Map, error) {
	return filterByExtent(m, minimum, DepthAxis)
}

// FilterByHeight removes components whose height is below minimum
func FilterByHeight(m *Map, minimum int) (*Map, error) {
	return filterByExtent(m, minimum, HeightAxis)
}

func filterByExtent(m *Map, minimum, axis int) (*Map, error) {
	if minimum < 0 {
		return nil, errors.Errorf("minimum extent must not be negative, got %d", minimum)
	}
	if minimum == 0 {
		return m.Clone(), nil
	}

	labels, _ := Label(m)
	extent, err := ComponentMaxExtent(labels, axis)
	if err != nil {
		return nil, err
	}

	out := m.Clone()
	for i, keep := range out.data {
		if keep && extent.data[i] < minimum {
			out.data[i] = false
		}
	}
	return out, nil
}
