package dataset

import (
	"context"
	"errors"
	"testing"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDataset struct {
	vars   map[string]Variable
	values map[string][]float64
}

func (s *stubDataset) Variable(_ context.Context, name string) (Variable, error) {
	v, ok := s.vars[name]
	if !ok {
		return Variable{}, ErrNoVariable
	}
	return v, nil
}

func (s *stubDataset) Read(_ context.Context, name string, _ []domain.Range) (Array, error) {
	v := s.vars[name]
	return Array{Dims: v.Dims, Shape: v.Shape, Values: s.values[name]}, nil
}

func (s *stubDataset) Close() error { return nil }

type stubOpener struct{ opened []string }

func (o *stubOpener) Open(_ context.Context, rawURL string) (Dataset, error) {
	o.opened = append(o.opened, rawURL)
	return &stubDataset{}, nil
}

func TestLayoutOf(t *testing.T) {
	assert.Equal(t, LayoutTimeLatLon, LayoutOf(Variable{Dims: []string{"time", "lat", "lon"}}))
	assert.Equal(t, LayoutTimeLevLatLon, LayoutOf(Variable{Dims: []string{"time", "lev", "lat", "lon"}}))
	assert.Equal(t, LayoutUnknown, LayoutOf(Variable{Dims: []string{"lat", "lon"}}))
	assert.Equal(t, LayoutUnknown, LayoutOf(Variable{Dims: []string{"time", "depth", "lat", "lon"}}))
	assert.Equal(t, LayoutUnknown, LayoutOf(Variable{Dims: []string{"time", "ens", "lev", "lat", "lon"}}))
}

func TestReadAxes(t *testing.T) {
	ds := &stubDataset{
		vars: map[string]Variable{
			"lat": {Name: "lat", Dims: []string{"lat"}, Shape: []int{2}},
			"lon": {Name: "lon", Dims: []string{"lon"}, Shape: []int{3}},
		},
		values: map[string][]float64{
			"lat": {10, 20},
			"lon": {0, 1, 2},
		},
	}

	axes, err := ReadAxes(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20}, axes.Lat)
	assert.Equal(t, []float64{0, 1, 2}, axes.Lon)
	assert.Empty(t, axes.Lev, "surface-only dataset has no level axis")
}

func TestReadAxes_MissingLatitude(t *testing.T) {
	_, err := ReadAxes(context.Background(), &stubDataset{})
	require.True(t, errors.Is(err, ErrNoVariable))
}

func TestMux(t *testing.T) {
	file := &stubOpener{}
	mux := Mux{"file": file}

	_, err := mux.Open(context.Background(), "file:///data/rap_12z.nc")
	require.NoError(t, err)
	assert.Equal(t, []string{"file:///data/rap_12z.nc"}, file.opened)

	_, err = mux.Open(context.Background(), "ftp://example.com/x")
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
