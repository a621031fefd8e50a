package ingest

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Description summarizes a model's grid and data availability.
type Description struct {
	Model       string    `json:"model"`
	URLTemplate string    `json:"url_template"`
	Run         time.Time `json:"run"`
	NLat        int       `json:"nlat"`
	NLon        int       `json:"nlon"`
	NLev        int       `json:"nlev"`
	MinLat      float64   `json:"min_lat"`
	MaxLat      float64   `json:"max_lat"`
	MinLon      float64   `json:"min_lon"`
	MaxLon      float64   `json:"max_lon"`
	Levels      []float64 `json:"levels,omitempty"`
	FirstDay    time.Time `json:"first_day,omitzero"`
	LastDay     time.Time `json:"last_day,omitzero"`
}

// Describe reads the axes of the run of model issued at run.
func Describe(ctx context.Context, opener dataset.Opener, model domain.Model, run time.Time) (Description, error) {
	ds, err := opener.Open(ctx, model.RunURL(run))
	if err != nil {
		return Description{}, fmt.Errorf("open run: %w", err)
	}
	defer ds.Close()

	axes, err := dataset.ReadAxes(ctx, ds)
	if err != nil {
		return Description{}, err
	}
	if axes.GridSize() == 0 {
		return Description{}, fmt.Errorf("%w: model %s has an empty grid", domain.ErrUnknownShape, model.Name)
	}
	return Description{
		Model:       model.Name,
		URLTemplate: fmt.Sprintf("%s/%s/%sYYYYMMDD/%s_HHz", model.BaseURL, model.Name, model.Name, model.Name),
		Run:         run.UTC(),
		NLat:        axes.NLat(),
		NLon:        axes.NLon(),
		NLev:        axes.NLev(),
		MinLat:      slices.Min(axes.Lat),
		MaxLat:      slices.Max(axes.Lat),
		MinLon:      slices.Min(axes.Lon),
		MaxLon:      slices.Max(axes.Lon),
		Levels:      axes.Lev,
	}, nil
}
