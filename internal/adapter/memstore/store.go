// Package memstore is an in-memory storage engine with the same uniqueness
// and reconciliation rules as the PostgreSQL schema. It backs dry runs and
// unit tests.
package memstore

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/couchcryptid/forecast-ingest-service/internal/bulk"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

type fieldKey struct {
	modelID int32
	name    string
}

type forecastKey struct {
	fieldID  int32
	dataTime int64
	validAt  int64
	level    float64
	hasLevel bool
}

type dataKey struct {
	forecastID  int32
	gridPointID int32
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	nextID    int32
	models    map[string]int32
	points    map[int32][]domain.GridPoint // by model, indexed by ord
	fields    map[fieldKey]int32
	fieldName map[int32]fieldKey
	forecasts map[forecastKey]int32
	byID      map[int32]domain.Forecast
	data      map[dataKey]float32
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		models:    make(map[string]int32),
		points:    make(map[int32][]domain.GridPoint),
		fields:    make(map[fieldKey]int32),
		fieldName: make(map[int32]fieldKey),
		forecasts: make(map[forecastKey]int32),
		byID:      make(map[int32]domain.Forecast),
		data:      make(map[dataKey]float32),
	}
}

func (s *Store) id() int32 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// EnsureModel implements grid.Store.
func (s *Store) EnsureModel(_ context.Context, name string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.models[name]; ok {
		return id, nil
	}
	id := s.id()
	s.models[name] = id
	return id, nil
}

// CountGridPoints implements grid.Store.
func (s *Store) CountGridPoints(_ context.Context, modelID int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.points[modelID] {
		if p.ID != 0 {
			n++
		}
	}
	return n, nil
}

// InsertGrid implements grid.Store.
func (s *Store) InsertGrid(_ context.Context, modelID int32, points []domain.GridPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grid := s.points[modelID]
	for _, p := range points {
		if p.Ord < 0 {
			return fmt.Errorf("grid point with negative ord %d", p.Ord)
		}
		if p.Ord >= len(grid) {
			grid = append(grid, make([]domain.GridPoint, p.Ord+1-len(grid))...)
		}
		if grid[p.Ord].ID != 0 {
			continue
		}
		p.ID = s.id()
		p.ModelID = modelID
		grid[p.Ord] = p
	}
	s.points[modelID] = grid
	return nil
}

// GridIDs implements grid.Store.
func (s *Store) GridIDs(_ context.Context, modelID int32) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.points[modelID]))
	for _, p := range s.points[modelID] {
		if p.ID != 0 {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// NearestGridPoints implements grid.NeighborFinder using geodesic distance.
func (s *Store) NearestGridPoints(_ context.Context, modelID int32, lat, lon float64, k int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type cand struct {
		ord  int
		dist float64
	}
	target := orb.Point{lon, lat}
	var cands []cand
	for _, p := range s.points[modelID] {
		if p.ID == 0 {
			continue
		}
		cands = append(cands, cand{ord: p.Ord, dist: geo.Distance(target, orb.Point{p.Lon, p.Lat})})
	}
	slices.SortFunc(cands, func(a, b cand) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.ord, b.ord)
	})
	if k > len(cands) {
		k = len(cands)
	}
	ords := make([]int, k)
	for i := range ords {
		ords[i] = cands[i].ord
	}
	return ords, nil
}

// FieldID implements derive.Store.
func (s *Store) FieldID(_ context.Context, modelID int32, name string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fieldKey{modelID: modelID, name: name}
	if id, ok := s.fields[key]; ok {
		return id, nil
	}
	id := s.id()
	s.fields[key] = id
	s.fieldName[id] = key
	return id, nil
}

func keyOf(f domain.Forecast) forecastKey {
	k := forecastKey{
		fieldID:  f.FieldID,
		dataTime: f.DataTime.UTC().Unix(),
		validAt:  f.DataTimeForecast.UTC().Unix(),
	}
	if f.Level != nil {
		k.level, k.hasLevel = *f.Level, true
	}
	return k
}

// ForecastID implements derive.Store.
func (s *Store) ForecastID(_ context.Context, f domain.Forecast) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(f)
	if id, ok := s.forecasts[key]; ok {
		return id, nil
	}
	if _, ok := s.fieldName[f.FieldID]; !ok {
		return 0, fmt.Errorf("forecast references unknown field %d", f.FieldID)
	}
	id := s.id()
	s.forecasts[key] = id
	s.byID[id] = f
	return id, nil
}

// ForecastGroups implements derive.Store.
func (s *Store) ForecastGroups(_ context.Context, modelID int32, fields []string, dataTime time.Time) ([]domain.ForecastGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type groupKey struct {
		validAt  int64
		level    float64
		hasLevel bool
	}
	groups := make(map[groupKey]*domain.ForecastGroup)
	for id, f := range s.byID {
		fk := s.fieldName[f.FieldID]
		if fk.modelID != modelID || !slices.Contains(fields, fk.name) || !f.DataTime.Equal(dataTime) {
			continue
		}
		k := keyOf(f)
		gk := groupKey{validAt: k.validAt, level: k.level, hasLevel: k.hasLevel}
		g, ok := groups[gk]
		if !ok {
			g = &domain.ForecastGroup{
				DataTime:         f.DataTime,
				DataTimeForecast: f.DataTimeForecast,
				Level:            f.Level,
				ForecastIDs:      make(map[string]int32),
			}
			groups[gk] = g
		}
		g.ForecastIDs[fk.name] = id
	}

	out := make([]domain.ForecastGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b domain.ForecastGroup) int {
		if c := a.DataTimeForecast.Compare(b.DataTimeForecast); c != 0 {
			return c
		}
		return cmp.Compare(levelOf(a.Level), levelOf(b.Level))
	})
	return out, nil
}

func levelOf(l *float64) float64 {
	if l == nil {
		return -1
	}
	return *l
}

// CopyData implements bulk.Store. It is all-or-nothing: any key already
// present, or repeated in the payload, rejects the whole batch.
func (s *Store) CopyData(_ context.Context, payload []byte) error {
	rows, err := bulk.Decode(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[dataKey]struct{}, len(rows))
	for _, r := range rows {
		k := dataKey{r.ForecastID, r.GridPointID}
		if _, dup := s.data[k]; dup {
			return fmt.Errorf("%w: (%d, %d)", domain.ErrDuplicateConflict, r.ForecastID, r.GridPointID)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: (%d, %d) repeated in batch", domain.ErrDuplicateConflict, r.ForecastID, r.GridPointID)
		}
		seen[k] = struct{}{}
	}
	for _, r := range rows {
		s.data[dataKey{r.ForecastID, r.GridPointID}] = r.Value
	}
	return nil
}

// CopyStagingAndApply implements bulk.Store with last-write-wins merging.
func (s *Store) CopyStagingAndApply(_ context.Context, payload []byte) error {
	rows, err := bulk.Decode(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.data[dataKey{r.ForecastID, r.GridPointID}] = r.Value
	}
	return nil
}

// DeriveIntoStaging implements derive.Store. A formula error anywhere
// leaves the data untouched.
func (s *Store) DeriveIntoStaging(_ context.Context, target int32, inputs []domain.DerivedInput, expr *domain.Expr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPoint := make(map[int32]map[string]float64)
	for k, v := range s.data {
		for _, in := range inputs {
			if k.forecastID != in.ForecastID {
				continue
			}
			vals, ok := byPoint[k.gridPointID]
			if !ok {
				vals = make(map[string]float64, len(inputs))
				byPoint[k.gridPointID] = vals
			}
			vals[in.Name] = float64(v)
		}
	}

	staged := make(map[int32]float32, len(byPoint))
	for gp, vals := range byPoint {
		if len(vals) != len(inputs) {
			continue
		}
		v, err := expr.Eval(vals)
		if err != nil {
			return 0, fmt.Errorf("grid point %d: %w", gp, err)
		}
		staged[gp] = float32(v)
	}
	for gp, v := range staged {
		s.data[dataKey{target, gp}] = v
	}
	return len(staged), nil
}

// DataCount is the number of values stored for a forecast.
func (s *Store) DataCount(forecastID int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.data {
		if k.forecastID == forecastID {
			n++
		}
	}
	return n
}

// Values returns a forecast's values keyed by grid point id.
func (s *Store) Values(forecastID int32) map[int32]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]float32)
	for k, v := range s.data {
		if k.forecastID == forecastID {
			out[k.gridPointID] = v
		}
	}
	return out
}

// TotalRows is the size of the data table.
func (s *Store) TotalRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// StoredForecast is a forecast with its id.
type StoredForecast struct {
	ID int32
	domain.Forecast
}

// Forecasts lists the stored forecasts of a field by name, any model,
// ordered by valid time then level.
func (s *Store) Forecasts(field string) []StoredForecast {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredForecast
	for id, f := range s.byID {
		if s.fieldName[f.FieldID].name == field {
			out = append(out, StoredForecast{ID: id, Forecast: f})
		}
	}
	slices.SortFunc(out, func(a, b StoredForecast) int {
		if c := a.DataTimeForecast.Compare(b.DataTimeForecast); c != 0 {
			return c
		}
		return cmp.Compare(levelOf(a.Level), levelOf(b.Level))
	})
	return out
}
