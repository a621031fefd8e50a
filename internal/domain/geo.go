package domain

import "fmt"

// Range is a half-open strided index range [Start, Stop) over one axis.
type Range struct {
	Start  int
	Stop   int
	Stride int
}

// Len is the number of indices the range selects.
func (r Range) Len() int {
	if r.Stride <= 0 || r.Stop <= r.Start {
		return 0
	}
	return (r.Stop - r.Start + r.Stride - 1) / r.Stride
}

// Index is the axis index of the k-th selected element.
func (r Range) Index(k int) int {
	return r.Start + k*r.Stride
}

// Region is a rectangular block of grid indices.
type Region struct {
	Lat Range
	Lon Range
}

// String renders the region the way it is logged: [[s,e,i],[s,e,i]].
func (r Region) String() string {
	return fmt.Sprintf("[[%d,%d,%d],[%d,%d,%d]]",
		r.Lat.Start, r.Lat.Stop, r.Lat.Stride, r.Lon.Start, r.Lon.Stop, r.Lon.Stride)
}

// Size is the number of grid points in the region.
func (r Region) Size() int { return r.Lat.Len() * r.Lon.Len() }

// WholeGrid covers every point of the axes.
func WholeGrid(axes Axes) Region {
	return Region{
		Lat: Range{Start: 0, Stop: axes.NLat(), Stride: 1},
		Lon: Range{Start: 0, Stop: axes.NLon(), Stride: 1},
	}
}

// GeoSelection describes a region of the grid. The concrete forms are
// BoundingBox, PointNeighbors, Place and Composite.
type GeoSelection interface {
	geoSelection()
}

// BoundingBox selects every Stride-th point inside the box.
type BoundingBox struct {
	North  float64
	South  float64
	East   float64
	West   float64
	Stride int
}

// PointNeighbors selects the K grid points nearest (Lat, Lon).
type PointNeighbors struct {
	Lat float64
	Lon float64
	K   int
}

// Place is a named location, geocoded into PointNeighbors before resolution.
type Place struct {
	Query string
	K     int
}

// Composite is a list of selections resolved independently and concatenated.
type Composite []GeoSelection

func (BoundingBox) geoSelection()    {}
func (PointNeighbors) geoSelection() {}
func (Place) geoSelection()          {}
func (Composite) geoSelection()      {}

// NeedsGeocoder reports whether sel names a Place anywhere.
func NeedsGeocoder(sel GeoSelection) bool {
	switch g := sel.(type) {
	case Place:
		return true
	case Composite:
		for _, member := range g {
			if NeedsGeocoder(member) {
				return true
			}
		}
	}
	return false
}

// NormalizeLon maps lon onto the axis convention: when the axis has no
// negative values, negative longitudes are shifted by +360.
func NormalizeLon(axis []float64, lon float64) float64 {
	if lon >= 0 || len(axis) == 0 {
		return lon
	}
	for _, v := range axis {
		if v < 0 {
			return lon
		}
	}
	return lon + 360
}

// FirstAtLeast returns the first index whose value is >= target on an
// increasing axis, or len(axis) when there is none.
func FirstAtLeast(axis []float64, target float64) int {
	for i, v := range axis {
		if v >= target {
			return i
		}
	}
	return len(axis)
}

// BoxRegion resolves a bounding box into index ranges over increasing axes.
func BoxRegion(axes Axes, box BoundingBox) Region {
	stride := box.Stride
	if stride <= 0 {
		stride = 1
	}
	west := NormalizeLon(axes.Lon, box.West)
	east := NormalizeLon(axes.Lon, box.East)
	return Region{
		Lat: Range{
			Start:  FirstAtLeast(axes.Lat, box.South),
			Stop:   FirstAtLeast(axes.Lat, box.North),
			Stride: stride,
		},
		Lon: Range{
			Start:  FirstAtLeast(axes.Lon, west),
			Stop:   FirstAtLeast(axes.Lon, east),
			Stride: stride,
		},
	}
}

// PointRegion is the 1x1 region of the grid point with the given ordinal.
func PointRegion(ord, nlon int) Region {
	ilat := ord / nlon
	ilon := ord % nlon
	return Region{
		Lat: Range{Start: ilat, Stop: ilat + 1, Stride: 1},
		Lon: Range{Start: ilon, Stop: ilon + 1, Stride: 1},
	}
}
