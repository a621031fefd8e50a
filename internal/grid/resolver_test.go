package grid_test

import (
	"context"
	"errors"
	"testing"

	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/memstore"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/grid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGeocoder struct {
	results map[string]domain.GeocodingResult
	err     error
	calls   int
}

func (f *fakeGeocoder) ForwardGeocode(_ context.Context, query string) (domain.GeocodingResult, error) {
	f.calls++
	if f.err != nil {
		return domain.GeocodingResult{}, f.err
	}
	return f.results[query], nil
}

func openSession(t *testing.T, axes domain.Axes) (*memstore.Store, *grid.Session) {
	t.Helper()
	store := memstore.New()
	s, err := grid.NewCatalog(store, discardLogger()).Open(context.Background(), domain.NewModel("rap", ""), axes)
	require.NoError(t, err)
	return store, s
}

func TestResolve_WholeGrid(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, nil)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 16, regions[0].Size())
}

func TestResolve_BoundingBox(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.BoundingBox{North: 2, South: 0, East: 2, West: 0, Stride: 1})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "[[0,2,1],[0,2,1]]", regions[0].String())
}

func TestResolve_BoundingBoxInvalid(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	_, err := r.Resolve(context.Background(), s, domain.BoundingBox{North: 0, South: 2, East: 2, West: 0})
	require.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = r.Resolve(context.Background(), s, domain.BoundingBox{North: 2, South: 0, East: 2, West: 0, Stride: -1})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestResolve_Point(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.PointNeighbors{Lat: 1, Lon: 1, K: 1})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, domain.Region{
		Lat: domain.Range{Start: 1, Stop: 2, Stride: 1},
		Lon: domain.Range{Start: 1, Stop: 2, Stride: 1},
	}, regions[0])
	assert.Equal(t, 1, regions[0].Size())
}

func TestResolve_PointNeighbours(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.PointNeighbors{Lat: 0, Lon: 0, K: 3})
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, domain.PointRegion(0, 4), regions[0], "nearest first")
	for _, reg := range regions {
		assert.Equal(t, 1, reg.Size())
	}
}

func TestResolve_PointNegativeLongitude(t *testing.T) {
	axes := domain.Axes{Lat: []float64{0, 1}, Lon: []float64{0, 90, 180, 270}}
	store, s := openSession(t, axes)
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.PointNeighbors{Lat: 0, Lon: -90, K: 1})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, domain.PointRegion(3, 4), regions[0])
}

func TestResolve_Place(t *testing.T) {
	store, s := openSession(t, squareAxes())
	geo := &fakeGeocoder{results: map[string]domain.GeocodingResult{
		"Null Island": {Lat: 3, Lon: 2, FormattedAddress: "Null Island", Confidence: 1},
	}}
	r := grid.NewResolver(store, geo, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.Place{Query: "Null Island"})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, domain.PointRegion(domain.Ord(3, 2, 4), 4), regions[0])
}

func TestResolve_PlaceErrors(t *testing.T) {
	store, s := openSession(t, squareAxes())

	_, err := grid.NewResolver(store, nil, discardLogger()).
		Resolve(context.Background(), s, domain.Place{Query: "Denver"})
	require.ErrorIs(t, err, domain.ErrConfiguration, "no geocoder configured")

	_, err = grid.NewResolver(store, &fakeGeocoder{}, discardLogger()).
		Resolve(context.Background(), s, domain.Place{Query: "Atlantis"})
	require.ErrorIs(t, err, domain.ErrConfiguration, "not found")

	boom := errors.New("upstream 503")
	_, err = grid.NewResolver(store, &fakeGeocoder{err: boom}, discardLogger()).
		Resolve(context.Background(), s, domain.Place{Query: "Denver"})
	require.ErrorIs(t, err, boom)
}

func TestResolve_Composite(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	regions, err := r.Resolve(context.Background(), s, domain.Composite{
		domain.BoundingBox{North: 2, South: 0, East: 2, West: 0, Stride: 1},
		domain.PointNeighbors{Lat: 1, Lon: 1, K: 1},
		domain.PointNeighbors{Lat: 1, Lon: 1, K: 1},
	})
	require.NoError(t, err)
	require.Len(t, regions, 3, "members are concatenated without deduplication")
	assert.Equal(t, regions[1], regions[2])
}

type unknownSelection struct{ domain.BoundingBox }

func TestResolve_UnknownSelection(t *testing.T) {
	store, s := openSession(t, squareAxes())
	r := grid.NewResolver(store, nil, discardLogger())

	_, err := r.Resolve(context.Background(), s, unknownSelection{})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
