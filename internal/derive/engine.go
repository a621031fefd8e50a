// Package derive computes calculated fields from already ingested fields.
package derive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Store is what derivation needs from storage.
type Store interface {
	// FieldID is get-or-create for a field of a model.
	FieldID(ctx context.Context, modelID int32, name string) (int32, error)
	// ForecastGroups lists every (datatimeforecast, level) of the run issued
	// at dataTime for which at least one of fields has a forecast, with the
	// forecast ids of the fields present.
	ForecastGroups(ctx context.Context, modelID int32, fields []string, dataTime time.Time) ([]domain.ForecastGroup, error)
	// ForecastID is get-or-create for a forecast.
	ForecastID(ctx context.Context, f domain.Forecast) (int32, error)
	// DeriveIntoStaging evaluates expr per grid point over the input
	// forecasts, writes the results for target through staging and
	// reconciliation in one transaction, and returns the row count. Grid
	// points missing any input are skipped.
	DeriveIntoStaging(ctx context.Context, target int32, inputs []domain.DerivedInput, expr *domain.Expr) (int, error)
}

// Result summarizes one derivation.
type Result struct {
	Groups int // (datatimeforecast, level) combinations derived
	Rows   int
}

// Engine runs calculated fields.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Derive computes cf for every forecast time and level of the run issued at
// dataTime. Combinations where a dependent field is absent are not derived
// and are reported as domain.ErrMissingDependency; complete combinations
// are still written.
func (e *Engine) Derive(ctx context.Context, modelID int32, cf domain.CalculatedField, dataTime time.Time) (Result, error) {
	groups, err := e.store.ForecastGroups(ctx, modelID, cf.Dependents, dataTime)
	if err != nil {
		return Result{}, fmt.Errorf("derive %s: %w", cf.Name, err)
	}
	if len(groups) == 0 {
		return Result{}, fmt.Errorf("derive %s: %w: no forecasts of %v issued at %s",
			cf.Name, domain.ErrMissingDependency, cf.Dependents, dataTime.Format(time.RFC3339))
	}

	target, err := e.store.FieldID(ctx, modelID, cf.Name)
	if err != nil {
		return Result{}, fmt.Errorf("derive %s: field id: %w", cf.Name, err)
	}

	var (
		res     Result
		skipped []error
	)
	for _, g := range groups {
		if missing := g.Missing(cf.Dependents); len(missing) > 0 {
			skipped = append(skipped, fmt.Errorf("%w: %v at %s%s",
				domain.ErrMissingDependency, missing, g.DataTimeForecast.Format(time.RFC3339), levelSuffix(g.Level)))
			continue
		}

		fid, err := e.store.ForecastID(ctx, domain.Forecast{
			FieldID:          target,
			DataTime:         g.DataTime,
			DataTimeForecast: g.DataTimeForecast,
			Level:            g.Level,
		})
		if err != nil {
			return res, fmt.Errorf("derive %s: forecast id: %w", cf.Name, err)
		}

		inputs := make([]domain.DerivedInput, len(cf.Dependents))
		for i, name := range cf.Dependents {
			inputs[i] = domain.DerivedInput{Name: name, ForecastID: g.ForecastIDs[name]}
		}
		n, err := e.store.DeriveIntoStaging(ctx, fid, inputs, cf.Expression)
		if err != nil {
			return res, fmt.Errorf("derive %s at %s: %w", cf.Name, g.DataTimeForecast.Format(time.RFC3339), err)
		}
		res.Groups++
		res.Rows += n
	}

	e.logger.Info("derived calculated field", "field", cf.Name, "groups", res.Groups,
		"rows", res.Rows, "incomplete", len(skipped))
	if len(skipped) > 0 {
		return res, fmt.Errorf("derive %s: %w", cf.Name, errors.Join(skipped...))
	}
	return res, nil
}

func levelSuffix(level *float64) string {
	if level == nil {
		return ""
	}
	return fmt.Sprintf(" %gmb", *level)
}
