// Package ingest transfers one model run from a dataset into storage: grid
// and region resolution, hyperslab fetches, reshaping onto grid point ids,
// bulk commits, then calculated fields.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/forecast-ingest-service/internal/bulk"
	"github.com/couchcryptid/forecast-ingest-service/internal/config"
	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/derive"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/grid"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

// Store is everything a transfer needs from storage.
type Store interface {
	grid.Store
	grid.NeighborFinder
	bulk.Store
	derive.Store
}

// Notifier publishes a message once a run has been ingested.
type Notifier interface {
	NotifyRunIngested(ctx context.Context, event domain.RunIngested) error
}

// Request describes one run transfer.
type Request struct {
	Model            domain.Model
	Fields           []string
	DataTime         time.Time
	Geo              domain.GeoSelection
	Pressure         *domain.PressureSelection
	CalculatedFields []domain.CalculatedField
}

// NewRequest builds the request for the run of job issued at dataTime.
func NewRequest(job *config.Job, dataTime time.Time) Request {
	return Request{
		Model:            job.Model,
		Fields:           job.Fields,
		DataTime:         dataTime,
		Geo:              job.Geo,
		Pressure:         job.Pressure,
		CalculatedFields: job.CalculatedFields,
	}
}

// Summary reports what a transfer did.
type Summary struct {
	Model    string        `json:"model"`
	DataTime time.Time     `json:"datatime"`
	State    State         `json:"state"`
	Regions  int           `json:"regions"`
	Fields   []string      `json:"fields"`            // fields fully loaded
	Derived  []string      `json:"derived,omitempty"` // calculated fields with at least one row written
	Rows     int           `json:"rows"`              // data rows committed, derived rows excluded
	Duration time.Duration `json:"duration_ns"`
}

// Orchestrator runs transfers one at a time. It owns the grid session of
// each model it has seen.
type Orchestrator struct {
	opener   dataset.Opener
	store    Store
	catalog  *grid.Catalog
	resolver *grid.Resolver
	loader   *bulk.Loader
	engine   *derive.Engine
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*grid.Session
	state    atomic.Int32
}

// New creates an Orchestrator. geocoder and notifier may be nil.
func New(opener dataset.Opener, store Store, geocoder domain.Geocoder, notifier Notifier, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		opener:   opener,
		store:    store,
		catalog:  grid.NewCatalog(store, logger),
		resolver: grid.NewResolver(store, geocoder, logger),
		loader:   bulk.NewLoader(store, logger, metrics),
		engine:   derive.NewEngine(store, logger),
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*grid.Session),
	}
}

// State is the state of the current or most recent transfer.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) != s {
		o.logger.Debug("transfer state", "state", s.String())
	}
}

// Transfer ingests the requested fields of one run. Fields with an
// unsupported shape are skipped and reported in the returned error; fetch
// and storage failures abort the transfer. Derivation and notification
// failures are logged and do not fail it.
func (o *Orchestrator) Transfer(ctx context.Context, req Request) (Summary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	sum := Summary{Model: req.Model.Name, DataTime: req.DataTime.UTC()}
	o.logger.Info("transfer starting", "model", sum.Model, "run", sum.DataTime, "fields", req.Fields)

	err := o.transfer(ctx, req, &sum)
	sum.Duration = time.Since(start)
	o.metrics.TransferDuration.Observe(sum.Duration.Seconds())

	if err != nil {
		o.setState(StateFailed)
		sum.State = StateFailed
		o.metrics.TransferResults.WithLabelValues("failure").Inc()
		o.logger.Error("transfer failed", "model", sum.Model, "run", sum.DataTime,
			"rows", sum.Rows, "duration", sum.Duration, "error", err)
		return sum, err
	}

	o.setState(StateDone)
	sum.State = StateDone
	o.metrics.TransferResults.WithLabelValues("success").Inc()
	o.logger.Info("transfer complete", "model", sum.Model, "run", sum.DataTime,
		"rows", sum.Rows, "derived", sum.Derived, "duration", sum.Duration)
	return sum, nil
}

func (o *Orchestrator) transfer(ctx context.Context, req Request, sum *Summary) error {
	o.setState(StateResolving)
	ds, err := o.opener.Open(ctx, req.Model.RunURL(req.DataTime))
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil {
			o.logger.Warn("close dataset", "error", cerr)
		}
	}()

	plan, err := o.resolve(ctx, ds, req)
	if err != nil {
		return err
	}
	sum.Regions = len(plan.regions)

	var skipped []error
	for _, field := range req.Fields {
		rows, err := o.transferField(ctx, ds, plan, req, field)
		sum.Rows += rows
		if err != nil {
			if !skippable(err) || ctx.Err() != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			o.logger.Error("field skipped", "field", field, "error", err)
			skipped = append(skipped, fmt.Errorf("field %s: %w", field, err))
			continue
		}
		sum.Fields = append(sum.Fields, field)
	}
	if len(skipped) > 0 {
		return errors.Join(skipped...)
	}

	o.setState(StateDeriving)
	for _, cf := range req.CalculatedFields {
		res, err := o.engine.Derive(ctx, plan.session.ModelID, cf, sum.DataTime)
		if res.Rows > 0 {
			sum.Derived = append(sum.Derived, cf.Name)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.metrics.DerivationFailures.WithLabelValues(cf.Name).Inc()
			o.logger.Warn("calculated field failed", "field", cf.Name, "rows", res.Rows, "error", err)
		}
	}

	o.notify(ctx, req, sum)
	return nil
}

// plan is the resolved shape of a transfer.
type plan struct {
	session *grid.Session
	regions []domain.Region
	times   []time.Time
	levels  domain.Range
}

func (o *Orchestrator) resolve(ctx context.Context, ds dataset.Dataset, req Request) (*plan, error) {
	axes, err := dataset.ReadAxes(ctx, ds)
	if err != nil {
		return nil, err
	}
	session, err := o.session(ctx, req.Model, axes)
	if err != nil {
		return nil, err
	}
	regions, err := o.resolver.Resolve(ctx, session, req.Geo)
	if err != nil {
		return nil, err
	}

	p := &plan{session: session, regions: regions}
	if axes.NLev() > 0 {
		if p.levels, err = domain.LevelRange(axes.Lev, req.Pressure); err != nil {
			return nil, err
		}
	}

	raw, tv, err := dataset.ReadCoordinate(ctx, ds, dataset.DimTime)
	if err != nil {
		return nil, fmt.Errorf("read time axis: %w", err)
	}
	p.times = make([]time.Time, len(raw))
	for i, v := range raw {
		t, err := domain.DecodeTime(tv.Units, v)
		if err != nil {
			return nil, err
		}
		p.times[i] = domain.ForecastTime(t)
	}

	o.logger.Debug("transfer resolved", "model_id", session.ModelID, "regions", len(regions),
		"times", len(p.times), "levels", p.levels.Len())
	return p, nil
}

// session returns the cached grid session of model, reopening it when the
// dataset's horizontal axes differ from the cached ones.
func (o *Orchestrator) session(ctx context.Context, model domain.Model, axes domain.Axes) (*grid.Session, error) {
	if s, ok := o.sessions[model.Name]; ok &&
		slices.Equal(s.Axes.Lat, axes.Lat) && slices.Equal(s.Axes.Lon, axes.Lon) {
		s.Axes.Lev = axes.Lev
		return s, nil
	}
	s, err := o.catalog.Open(ctx, model, axes)
	if err != nil {
		return nil, err
	}
	o.sessions[model.Name] = s
	return s, nil
}

func (o *Orchestrator) transferField(ctx context.Context, ds dataset.Dataset, p *plan, req Request, field string) (int, error) {
	o.setState(StateFetching)
	v, err := ds.Variable(ctx, field)
	if err != nil {
		return 0, err
	}
	layout := dataset.LayoutOf(v)
	if layout == dataset.LayoutUnknown {
		return 0, fmt.Errorf("%w: dimensions %v", domain.ErrUnknownShape, v.Dims)
	}
	if layout == dataset.LayoutTimeLevLatLon && p.session.Axes.NLev() == 0 {
		return 0, fmt.Errorf("%w: %s has a level dimension but the run has no level axis", domain.ErrUnknownShape, field)
	}

	fieldID, err := o.store.FieldID(ctx, p.session.ModelID, field)
	if err != nil {
		return 0, fmt.Errorf("field id: %w", err)
	}

	levels := []*float64{nil}
	timeRange := domain.Range{Start: 0, Stop: len(p.times), Stride: 1}
	if layout == dataset.LayoutTimeLevLatLon {
		levels = levels[:0]
		for k := range p.levels.Len() {
			lev := p.session.Axes.Lev[p.levels.Index(k)]
			levels = append(levels, &lev)
		}
	}

	rows := 0
	for _, region := range p.regions {
		ranges := []domain.Range{timeRange, region.Lat, region.Lon}
		if layout == dataset.LayoutTimeLevLatLon {
			ranges = []domain.Range{timeRange, p.levels, region.Lat, region.Lon}
		}
		o.setState(StateFetching)
		arr, err := ds.Read(ctx, field, ranges)
		if err != nil {
			return rows, fmt.Errorf("read %s: %w", region, err)
		}
		size := region.Size()
		if want := len(p.times) * len(levels) * size; len(arr.Values) != want {
			return rows, fmt.Errorf("%w: read %d values from %s, want %d", domain.ErrUnknownShape, len(arr.Values), region, want)
		}

		ords := domain.RegionOrds(region, p.session.Axes.NLon())
		for ti, validAt := range p.times {
			for li, level := range levels {
				n, err := o.loadSlice(ctx, p, req, fieldID, validAt, level, ords,
					arr.Values[(ti*len(levels)+li)*size:][:size])
				rows += n
				if err != nil {
					return rows, err
				}
			}
		}
	}
	o.logger.Info("field loaded", "field", field, "rows", rows, "regions", len(p.regions))
	return rows, nil
}

// loadSlice commits one (valid time, level) slice. A slice holding only fill
// values creates no forecast.
func (o *Orchestrator) loadSlice(ctx context.Context, p *plan, req Request, fieldID int32, validAt time.Time, level *float64, ords []int, values []float64) (int, error) {
	o.setState(StateReshaping)
	rows, err := domain.Reshape(0, values, ords, p.session.GridIDs)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		o.logger.Debug("slice has no valid values", "field_id", fieldID, "valid_at", validAt)
		return 0, nil
	}
	fid, err := o.store.ForecastID(ctx, domain.Forecast{
		FieldID:          fieldID,
		DataTime:         req.DataTime.UTC(),
		DataTimeForecast: validAt,
		Level:            level,
	})
	if err != nil {
		return 0, fmt.Errorf("forecast id: %w", err)
	}
	for i := range rows {
		rows[i].ForecastID = fid
	}

	o.setState(StateLoading)
	res, err := o.loader.Commit(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("commit forecast %d: %w", fid, err)
	}
	return res.Rows, nil
}

func (o *Orchestrator) notify(ctx context.Context, req Request, sum *Summary) {
	if o.notifier == nil {
		return
	}
	event := domain.RunIngested{
		ID:          uuid.NewString(),
		Model:       req.Model.Name,
		DataTime:    sum.DataTime,
		Fields:      sum.Fields,
		Derived:     sum.Derived,
		Rows:        sum.Rows,
		CompletedAt: time.Now().UTC(),
	}
	if err := o.notifier.NotifyRunIngested(ctx, event); err != nil {
		o.metrics.Notifications.WithLabelValues("error").Inc()
		o.logger.Warn("run notification failed", "id", event.ID, "error", err)
		return
	}
	o.metrics.Notifications.WithLabelValues("success").Inc()
}

// skippable reports whether a field error leaves the rest of the run intact.
func skippable(err error) bool {
	return errors.Is(err, domain.ErrUnknownShape) || errors.Is(err, dataset.ErrNoVariable)
}
