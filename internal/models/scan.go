package models

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"
)

// Laterality identifies the examined eye
type Laterality string

const (
	// RightEye is the oculus dexter
	RightEye Laterality = "OD"

	// LeftEye is the oculus sinister
	LeftEye Laterality = "OS"
)

// ParseLaterality accepts the usual spellings found in OCT exports
func ParseLaterality(s string) (Laterality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OD", "R", "RIGHT":
		return RightEye, nil
	case "OS", "L", "LEFT":
		return LeftEye, nil
	}
	return "", fmt.Errorf("unknown laterality %q", s)
}

// UnmarshalText parses l with ParseLaterality so that metadata files may
// use any of its spellings
func (l *Laterality) UnmarshalText(text []byte) error {
	parsed, err := ParseLaterality(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Valid reports whether l is one of the two known eyes
func (l Laterality) Valid() bool {
	return l == RightEye || l == LeftEye
}

func (l Laterality) String() string {
	return string(l)
}

// PixelScale is the physical size of one pixel of a 2D image in mm
type PixelScale struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// CrossSectionPosition is where a single B-scan was acquired on the
// reference image. Both points are in mm, x to the right and y down.
type CrossSectionPosition struct {
	Start r2.Vec `yaml:"start"`
	End   r2.Vec `yaml:"end"`
}

// VolumeMeta describes an OCT volume of shape (cross-sections, depth, width)
type VolumeMeta struct {
	// ScaleX is the distance between two A-scans of a B-scan in mm
	ScaleX float64 `yaml:"scaleX"`

	// ScaleY is the axial (depth) resolution in mm
	ScaleY float64 `yaml:"scaleY"`

	// ScaleZ is the distance between two B-scans in mm
	ScaleZ float64 `yaml:"scaleZ"`

	// Laterality of the scanned eye
	Laterality Laterality `yaml:"laterality"`

	// Positions holds one entry per cross-section when the export carries
	// them. Nil means unknown.
	Positions []CrossSectionPosition `yaml:"positions"`
}

// Validate checks the metadata against the number of cross-sections
func (m VolumeMeta) Validate(crossSections int) error {
	if m.ScaleX <= 0 || m.ScaleY <= 0 || m.ScaleZ <= 0 {
		return fmt.Errorf("scales must be positive, got x=%g y=%g z=%g", m.ScaleX, m.ScaleY, m.ScaleZ)
	}
	if !m.Laterality.Valid() {
		return fmt.Errorf("invalid laterality %q", m.Laterality)
	}
	if m.Positions != nil && len(m.Positions) != crossSections {
		return fmt.Errorf("got %d cross-section positions for %d cross-sections", len(m.Positions), crossSections)
	}
	return nil
}

// VoxelSizeUM3 is the physical volume of a single OCT voxel in µm³
func (m VolumeMeta) VoxelSizeUM3() float64 {
	return m.ScaleX * 1e3 * m.ScaleY * 1e3 * m.ScaleZ * 1e3
}
