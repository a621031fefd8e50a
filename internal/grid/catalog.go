// Package grid owns grid point identity and turns geographic selections into
// index regions over a model grid.
package grid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/forecast-ingest-service/internal/cache"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Store persists models and grid points.
type Store interface {
	// EnsureModel returns the id of the named model, creating it if needed.
	EnsureModel(ctx context.Context, name string) (int32, error)
	CountGridPoints(ctx context.Context, modelID int32) (int, error)
	// InsertGrid adds points, skipping any (model, ord) already stored.
	InsertGrid(ctx context.Context, modelID int32, points []domain.GridPoint) error
	// GridIDs returns grid point ids ordered by ord.
	GridIDs(ctx context.Context, modelID int32) ([]int32, error)
}

// Session is the per-orchestrator view of one model: its storage identity,
// axes and the ord-indexed grid id lookup table.
type Session struct {
	Model   domain.Model
	ModelID int32
	Axes    domain.Axes
	GridIDs []int32
}

// Catalog manages grid identity. Model ids are cached for its lifetime.
type Catalog struct {
	store  Store
	models *cache.LRU[string, int32]
	logger *slog.Logger
}

// NewCatalog creates a Catalog over store.
func NewCatalog(store Store, logger *slog.Logger) *Catalog {
	return &Catalog{store: store, models: cache.New[string, int32](64), logger: logger}
}

// EnsureModel is get-or-create for a model name.
func (c *Catalog) EnsureModel(ctx context.Context, name string) (int32, error) {
	if id, ok := c.models.Get(name); ok {
		return id, nil
	}
	id, err := c.store.EnsureModel(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("ensure model %s: %w", name, err)
	}
	c.models.Put(name, id)
	return id, nil
}

// EnsureGrid populates the model's grid unless it already holds exactly
// nlat*nlon points.
func (c *Catalog) EnsureGrid(ctx context.Context, modelID int32, axes domain.Axes) error {
	n, err := c.store.CountGridPoints(ctx, modelID)
	if err != nil {
		return fmt.Errorf("count grid points: %w", err)
	}
	if n == axes.GridSize() {
		c.logger.Debug("grid already initialized", "model_id", modelID, "points", n)
		return nil
	}
	c.logger.Info("initializing grid", "model_id", modelID,
		"nlat", axes.NLat(), "nlon", axes.NLon(), "stored", n)
	if err := c.store.InsertGrid(ctx, modelID, domain.GridPoints(modelID, axes)); err != nil {
		return fmt.Errorf("insert grid: %w", err)
	}
	return nil
}

// LoadGridIDs returns the ord-indexed grid id table. Its length must match
// the axes.
func (c *Catalog) LoadGridIDs(ctx context.Context, modelID int32, axes domain.Axes) ([]int32, error) {
	ids, err := c.store.GridIDs(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load grid ids: %w", err)
	}
	if len(ids) != axes.GridSize() {
		return nil, fmt.Errorf("%w: model %d has %d grid points, axes need %d",
			domain.ErrStorageUnavailable, modelID, len(ids), axes.GridSize())
	}
	return ids, nil
}

// Open ensures the model and its grid exist and loads the lookup table.
func (c *Catalog) Open(ctx context.Context, model domain.Model, axes domain.Axes) (*Session, error) {
	if axes.GridSize() == 0 {
		return nil, fmt.Errorf("%w: model %s has an empty grid", domain.ErrUnknownShape, model.Name)
	}
	id, err := c.EnsureModel(ctx, model.Name)
	if err != nil {
		return nil, err
	}
	if err := c.EnsureGrid(ctx, id, axes); err != nil {
		return nil, err
	}
	ids, err := c.LoadGridIDs(ctx, id, axes)
	if err != nil {
		return nil, err
	}
	return &Session{Model: model, ModelID: id, Axes: axes, GridIDs: ids}, nil
}
