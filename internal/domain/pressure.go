package domain

import "fmt"

// DefaultLevelStride is used when no pressure selection is given.
const DefaultLevelStride = 4

// PressureSelection picks pressure levels between Min and Max millibars.
type PressureSelection struct {
	Min    float64
	Max    float64
	Stride int
}

// Validate rejects selections that cannot match any level.
func (p PressureSelection) Validate() error {
	if p.Min > p.Max {
		return fmt.Errorf("%w: pressure min %g exceeds max %g", ErrConfiguration, p.Min, p.Max)
	}
	if p.Stride < 0 {
		return fmt.Errorf("%w: pressure stride %d", ErrConfiguration, p.Stride)
	}
	return nil
}

// LevelRange resolves a pressure selection against a level axis ordered from
// the surface upward. A nil selection takes every fourth level.
func LevelRange(levels []float64, sel *PressureSelection) (Range, error) {
	if sel == nil {
		return Range{Start: 0, Stop: len(levels), Stride: DefaultLevelStride}, nil
	}
	if err := sel.Validate(); err != nil {
		return Range{}, err
	}
	start, ok := firstAtMost(levels, sel.Max)
	if !ok {
		return Range{}, fmt.Errorf("%w: no pressure level at or below %g mb", ErrConfiguration, sel.Max)
	}
	if start > 0 {
		start--
	}
	stop, ok := firstAtMost(levels, sel.Min)
	if !ok {
		stop = len(levels)
	}
	stride := sel.Stride
	if stride == 0 {
		stride = 1
	}
	return Range{Start: start, Stop: stop, Stride: stride}, nil
}

func firstAtMost(levels []float64, target float64) (int, bool) {
	for i, v := range levels {
		if v <= target {
			return i, true
		}
	}
	return 0, false
}
