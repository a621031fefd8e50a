// Package dataset is the array-like view of a remote or local model run:
// named variables with dimensions, read by strided hyperslab.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Coordinate variable names shared by NOMADS datasets and CF NetCDF files.
const (
	DimTime = "time"
	DimLev  = "lev"
	DimLat  = "lat"
	DimLon  = "lon"
)

// ErrNoVariable means the dataset has no variable of that name.
var ErrNoVariable = errors.New("no such variable")

// Variable describes one array of a dataset.
type Variable struct {
	Name  string
	Dims  []string
	Shape []int
	Units string
}

// Array is a hyperslab read from a variable, flattened in row-major order.
type Array struct {
	Dims   []string
	Shape  []int
	Values []float64
}

// Len is the number of elements the shape describes.
func (a Array) Len() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Dataset is an open model run.
type Dataset interface {
	// Variable returns the metadata of name, or an error wrapping ErrNoVariable.
	Variable(ctx context.Context, name string) (Variable, error)
	// Read fetches the hyperslab of name selected by one range per dimension.
	Read(ctx context.Context, name string, ranges []domain.Range) (Array, error)
	Close() error
}

// Opener opens the dataset at a URL.
type Opener interface {
	Open(ctx context.Context, rawURL string) (Dataset, error)
}

// Mux dispatches Open by URL scheme.
type Mux map[string]Opener

// Open implements Opener.
func (m Mux) Open(ctx context.Context, rawURL string) (Dataset, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dataset url %q: %w", domain.ErrConfiguration, rawURL, err)
	}
	o, ok := m[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no dataset opener for scheme %q", domain.ErrConfiguration, u.Scheme)
	}
	return o.Open(ctx, rawURL)
}

// ReadCoordinate reads a whole one-dimensional variable.
func ReadCoordinate(ctx context.Context, ds Dataset, name string) ([]float64, Variable, error) {
	v, err := ds.Variable(ctx, name)
	if err != nil {
		return nil, Variable{}, err
	}
	if len(v.Shape) != 1 {
		return nil, v, fmt.Errorf("%w: coordinate %s has %d dimensions", domain.ErrUnknownShape, name, len(v.Shape))
	}
	arr, err := ds.Read(ctx, name, []domain.Range{{Start: 0, Stop: v.Shape[0], Stride: 1}})
	if err != nil {
		return nil, v, err
	}
	return arr.Values, v, nil
}

// ReadAxes reads the lat, lon and (when present) lev coordinates.
func ReadAxes(ctx context.Context, ds Dataset) (domain.Axes, error) {
	lat, _, err := ReadCoordinate(ctx, ds, DimLat)
	if err != nil {
		return domain.Axes{}, fmt.Errorf("read latitude: %w", err)
	}
	lon, _, err := ReadCoordinate(ctx, ds, DimLon)
	if err != nil {
		return domain.Axes{}, fmt.Errorf("read longitude: %w", err)
	}
	lev, _, err := ReadCoordinate(ctx, ds, DimLev)
	if err != nil && !errors.Is(err, ErrNoVariable) {
		return domain.Axes{}, fmt.Errorf("read levels: %w", err)
	}
	return domain.Axes{Lat: lat, Lon: lon, Lev: lev}, nil
}

// Layout classifies a field by its dimensions.
type Layout int

const (
	LayoutUnknown     Layout = iota
	LayoutTimeLatLon         // (time, lat, lon)
	LayoutTimeLevLatLon      // (time, lev, lat, lon)
)

// LayoutOf returns the layout of v. Only the leading time and level
// dimension names are checked; the trailing two are taken as lat and lon.
func LayoutOf(v Variable) Layout {
	switch {
	case len(v.Dims) == 3 && v.Dims[0] == DimTime:
		return LayoutTimeLatLon
	case len(v.Dims) == 4 && slices.Equal(v.Dims[:2], []string{DimTime, DimLev}):
		return LayoutTimeLevLatLon
	default:
		return LayoutUnknown
	}
}
