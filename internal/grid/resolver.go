package grid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// NeighborFinder answers nearest-neighbour queries over stored grid points.
type NeighborFinder interface {
	// NearestGridPoints returns the ords of the k grid points of the model
	// closest to (lat, lon), nearest first.
	NearestGridPoints(ctx context.Context, modelID int32, lat, lon float64, k int) ([]int, error)
}

// Resolver turns GeoSelections into index regions.
type Resolver struct {
	finder   NeighborFinder
	geocoder domain.Geocoder // optional; needed for Place selections
	logger   *slog.Logger
}

// NewResolver creates a Resolver. geocoder may be nil.
func NewResolver(finder NeighborFinder, geocoder domain.Geocoder, logger *slog.Logger) *Resolver {
	return &Resolver{finder: finder, geocoder: geocoder, logger: logger}
}

// Resolve returns the regions a selection covers. A nil selection is the
// whole grid. Composite members are resolved in order and concatenated
// without deduplication.
func (r *Resolver) Resolve(ctx context.Context, s *Session, sel domain.GeoSelection) ([]domain.Region, error) {
	switch g := sel.(type) {
	case nil:
		return []domain.Region{domain.WholeGrid(s.Axes)}, nil
	case domain.BoundingBox:
		if g.North < g.South {
			return nil, fmt.Errorf("%w: bounding box north %g is below south %g", domain.ErrConfiguration, g.North, g.South)
		}
		if g.Stride < 0 {
			return nil, fmt.Errorf("%w: bounding box stride %d", domain.ErrConfiguration, g.Stride)
		}
		region := domain.BoxRegion(s.Axes, g)
		r.logger.Debug("resolved bounding box", "region", region.String())
		return []domain.Region{region}, nil
	case domain.PointNeighbors:
		return r.resolvePoint(ctx, s, g)
	case domain.Place:
		return r.resolvePlace(ctx, s, g)
	case domain.Composite:
		var regions []domain.Region
		for _, member := range g {
			rs, err := r.Resolve(ctx, s, member)
			if err != nil {
				return nil, err
			}
			regions = append(regions, rs...)
		}
		return regions, nil
	default:
		return nil, fmt.Errorf("%w: unsupported geo selection %T", domain.ErrConfiguration, sel)
	}
}

func (r *Resolver) resolvePoint(ctx context.Context, s *Session, p domain.PointNeighbors) ([]domain.Region, error) {
	if p.Lat < -90 || p.Lat > 90 {
		return nil, fmt.Errorf("%w: latitude %g", domain.ErrConfiguration, p.Lat)
	}
	k := p.K
	if k <= 0 {
		k = 1
	}
	lon := domain.NormalizeLon(s.Axes.Lon, p.Lon)
	ords, err := r.finder.NearestGridPoints(ctx, s.ModelID, p.Lat, lon, k)
	if err != nil {
		return nil, fmt.Errorf("nearest grid points: %w", err)
	}
	nlon := s.Axes.NLon()
	regions := make([]domain.Region, 0, len(ords))
	for _, ord := range ords {
		if ord < 0 || ord >= s.Axes.GridSize() {
			return nil, fmt.Errorf("%w: neighbour ord %d outside grid", domain.ErrStorageUnavailable, ord)
		}
		regions = append(regions, domain.PointRegion(ord, nlon))
	}
	r.logger.Debug("resolved point neighbours", "lat", p.Lat, "lon", lon, "k", k, "regions", len(regions))
	return regions, nil
}

func (r *Resolver) resolvePlace(ctx context.Context, s *Session, p domain.Place) ([]domain.Region, error) {
	if r.geocoder == nil {
		return nil, fmt.Errorf("%w: place %q needs a geocoder", domain.ErrConfiguration, p.Query)
	}
	res, err := r.geocoder.ForwardGeocode(ctx, p.Query)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", p.Query, err)
	}
	if !res.Found() {
		return nil, fmt.Errorf("%w: place %q not found", domain.ErrConfiguration, p.Query)
	}
	r.logger.Info("geocoded place", "query", p.Query, "address", res.FormattedAddress, "lat", res.Lat, "lon", res.Lon)
	return r.resolvePoint(ctx, s, domain.PointNeighbors{Lat: res.Lat, Lon: res.Lon, K: p.K})
}
