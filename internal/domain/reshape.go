package domain

import "fmt"

// SentinelThreshold is the fill-value cutoff: values at or above it are not
// observations.
const SentinelThreshold = 1e10

// IsValidValue reports whether v is a real observation. NaN is not.
func IsValidValue(v float64) bool {
	return v < SentinelThreshold
}

// RegionOrds lists the grid ordinals of a region in row-major order, the
// order a (lat, lon) slice of the region is laid out in.
func RegionOrds(r Region, nlon int) []int {
	ords := make([]int, 0, r.Size())
	for i := range r.Lat.Len() {
		ilat := r.Lat.Index(i)
		for j := range r.Lon.Len() {
			ords = append(ords, Ord(ilat, r.Lon.Index(j), nlon))
		}
	}
	return ords
}

// Reshape pairs one (lat, lon) slice with grid point ids and drops sentinel
// values. values[k] belongs to ords[k].
func Reshape(forecastID int32, values []float64, ords []int, gridIDs []int32) ([]DataPoint, error) {
	if len(values) != len(ords) {
		return nil, fmt.Errorf("%w: %d values for %d grid points", ErrUnknownShape, len(values), len(ords))
	}
	rows := make([]DataPoint, 0, len(values))
	for k, v := range values {
		if !IsValidValue(v) {
			continue
		}
		ord := ords[k]
		if ord < 0 || ord >= len(gridIDs) {
			return nil, fmt.Errorf("grid ordinal %d outside grid of %d points", ord, len(gridIDs))
		}
		rows = append(rows, DataPoint{
			ForecastID:  forecastID,
			GridPointID: gridIDs[ord],
			Value:       float32(v),
		})
	}
	return rows, nil
}
