// Package postgres is the PostGIS storage engine: grid identity, forecast
// identity, binary COPY ingestion with staging reconciliation, and
// calculated field derivation.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/couchcryptid/forecast-ingest-service/internal/cache"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

const (
	copyData    = "COPY data (forecastid, gridpointid, value) FROM STDIN WITH (FORMAT binary)"
	copyStaging = "COPY stagingdata (forecastid, gridpointid, value) FROM STDIN WITH (FORMAT binary)"

	uniqueViolation = "23505"
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

// Store owns one connection. Bulk copy is a stateful streaming protocol, so
// every operation holds the connection exclusively.
type Store struct {
	mu        sync.Mutex
	conn      *pgx.Conn
	fields    *cache.LRU[fieldKey, int32]
	forecasts *cache.LRU[forecastKey, int32]
	logger    *slog.Logger
}

// Connect opens a Store. cacheSize bounds each identifier cache.
func Connect(ctx context.Context, databaseURL string, cacheSize int, logger *slog.Logger) (*Store, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", domain.ErrStorageUnavailable, err)
	}
	return &Store{
		conn:      conn,
		fields:    cache.New[fieldKey, int32](cacheSize),
		forecasts: cache.New[forecastKey, int32](cacheSize),
		logger:    logger,
	}, nil
}

// Close closes the connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(ctx)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Ping(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// wrap classifies a driver error into the domain taxonomy.
func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrDuplicateConflict, pgErr.Detail)
	case errors.As(err, &pgErr):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
	}
}

// inTx runs fn in its own transaction, rolling back unless fn and the
// commit both succeed.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return wrap(op+": begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return wrap(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap(op+": commit", err)
	}
	return nil
}

// EnsureModel implements grid.Store.
func (s *Store) EnsureModel(ctx context.Context, name string) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int32
	if err := s.conn.QueryRow(ctx, "SELECT insertmodel($1)", name).Scan(&id); err != nil {
		return 0, wrap("insertmodel", err)
	}
	return id, nil
}

// CountGridPoints implements grid.Store.
func (s *Store) CountGridPoints(ctx context.Context, modelID int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.conn.QueryRow(ctx, "SELECT count(*) FROM gridpoints WHERE modelid = $1", modelID).Scan(&n); err != nil {
		return 0, wrap("count gridpoints", err)
	}
	return n, nil
}

// InsertGrid implements grid.Store. Points are copied into a temporary
// table and merged, so an interrupted setup can be completed later.
func (s *Store) InsertGrid(ctx context.Context, modelID int32, points []domain.GridPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err := s.inTx(ctx, "insert grid", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"CREATE TEMP TABLE gridstage (lat double precision, lon double precision, ord integer) ON COMMIT DROP"); err != nil {
			return err
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"gridstage"}, []string{"lat", "lon", "ord"},
			pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
				p := points[i]
				return []any{p.Lat, p.Lon, int32(p.Ord)}, nil
			})); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO gridpoints (modelid, lat, lon, ord, geom)
			SELECT $1, lat, lon, ord, ST_SetSRID(ST_MakePoint(lon, lat), 4326) FROM gridstage
			ON CONFLICT (modelid, ord) DO NOTHING`, modelID)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("grid stored", "model_id", modelID, "points", len(points), "duration", time.Since(start))
	return nil
}

// GridIDs implements grid.Store.
func (s *Store) GridIDs(ctx context.Context, modelID int32) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, "SELECT id FROM gridpoints WHERE modelid = $1 ORDER BY ord", modelID)
	if err != nil {
		return nil, wrap("grid ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, wrap("grid ids", err)
	}
	return ids, nil
}

// NearestGridPoints implements grid.NeighborFinder with the GiST KNN operator.
func (s *Store) NearestGridPoints(ctx context.Context, modelID int32, lat, lon float64, k int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT ord FROM gridpoints
		WHERE modelid = $1
		ORDER BY geom <-> ST_SetSRID(ST_MakePoint($2, $3), 4326)
		LIMIT $4`, modelID, lon, lat, k)
	if err != nil {
		return nil, wrap("nearest grid points", err)
	}
	ords, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, wrap("nearest grid points", err)
	}
	return ords, nil
}

// FieldID implements derive.Store.
func (s *Store) FieldID(ctx context.Context, modelID int32, name string) (int32, error) {
	key := fieldKey{modelID: modelID, name: name}
	if id, ok := s.fields.Get(key); ok {
		return id, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int32
	if err := s.conn.QueryRow(ctx, "SELECT insertfield($1, $2)", modelID, name).Scan(&id); err != nil {
		return 0, wrap("insertfield", err)
	}
	s.fields.Put(key, id)
	return id, nil
}

// ForecastID implements derive.Store.
func (s *Store) ForecastID(ctx context.Context, f domain.Forecast) (int32, error) {
	key := forecastKey{
		fieldID:  f.FieldID,
		dataTime: f.DataTime.UTC().Unix(),
		validAt:  f.DataTimeForecast.UTC().Unix(),
	}
	if f.Level != nil {
		key.level, key.hasLevel = *f.Level, true
	}
	if id, ok := s.forecasts.Get(key); ok {
		return id, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var id int32
	err := s.conn.QueryRow(ctx, "SELECT insertforecast($1, $2, $3, $4)",
		f.FieldID, f.DataTime.UTC(), f.DataTimeForecast.UTC(), f.Level).Scan(&id)
	if err != nil {
		return 0, wrap("insertforecast", err)
	}
	s.forecasts.Put(key, id)
	return id, nil
}

// ForecastGroups implements derive.Store.
func (s *Store) ForecastGroups(ctx context.Context, modelID int32, fields []string, dataTime time.Time) ([]domain.ForecastGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT fo.id, fi.name, fo.datatimeforecast, fo.pressure_mb
		FROM forecasts fo
		JOIN fields fi ON fi.id = fo.fieldid
		WHERE fi.modelid = $1 AND fi.name = ANY($2) AND fo.datatime = $3
		ORDER BY fo.datatimeforecast, fo.pressure_mb NULLS FIRST`, modelID, fields, dataTime.UTC())
	if err != nil {
		return nil, wrap("forecast groups", err)
	}
	defer rows.Close()

	var groups []domain.ForecastGroup
	for rows.Next() {
		var (
			id      int32
			name    string
			validAt time.Time
			level   *float64
		)
		if err := rows.Scan(&id, &name, &validAt, &level); err != nil {
			return nil, wrap("forecast groups", err)
		}
		if n := len(groups); n == 0 || !sameGroup(groups[n-1], validAt, level) {
			groups = append(groups, domain.ForecastGroup{
				DataTime:         dataTime,
				DataTimeForecast: validAt.UTC(),
				Level:            level,
				ForecastIDs:      make(map[string]int32),
			})
		}
		groups[len(groups)-1].ForecastIDs[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("forecast groups", err)
	}
	return groups, nil
}

func sameGroup(g domain.ForecastGroup, validAt time.Time, level *float64) bool {
	if !g.DataTimeForecast.Equal(validAt) {
		return false
	}
	if g.Level == nil || level == nil {
		return g.Level == nil && level == nil
	}
	return *g.Level == *level
}

// DataCount is the number of values stored for a forecast.
func (s *Store) DataCount(ctx context.Context, forecastID int32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.conn.QueryRow(ctx, "SELECT count(*) FROM data WHERE forecastid = $1", forecastID).Scan(&n); err != nil {
		return 0, wrap("count data", err)
	}
	return n, nil
}

// CopyData implements bulk.Store: a binary COPY straight into data. Any
// existing (forecastid, gridpointid) rejects the whole payload with
// domain.ErrDuplicateConflict.
func (s *Store) CopyData(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, "copy data", func(tx pgx.Tx) error {
		_, err := tx.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(payload), copyData)
		return err
	})
}

// CopyStagingAndApply implements bulk.Store: a binary COPY into staging
// followed by applystagingdata(), in one transaction.
func (s *Store) CopyStagingAndApply(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, "copy staging", func(tx pgx.Tx) error {
		if _, err := tx.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(payload), copyStaging); err != nil {
			return err
		}
		var merged int64
		if err := tx.QueryRow(ctx, "SELECT applystagingdata()").Scan(&merged); err != nil {
			return err
		}
		s.logger.Debug("staging applied", "rows", merged)
		return nil
	})
}

// DeriveIntoStaging implements derive.Store. The expression is rendered
// from its validated syntax tree with every variable bound to a quoted
// column of the pivoted inputs.
func (s *Store) DeriveIntoStaging(ctx context.Context, target int32, inputs []domain.DerivedInput, expr *domain.Expr) (int, error) {
	query, args := deriveQuery(target, inputs, expr)

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.inTx(ctx, "derive", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		_, err = tx.Exec(ctx, "SELECT applystagingdata()")
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func deriveQuery(target int32, inputs []domain.DerivedInput, expr *domain.Expr) (string, []any) {
	args := []any{target}
	ids := make([]int32, len(inputs))
	cols := make([]string, len(inputs))
	notNull := make([]string, len(inputs))
	for i, in := range inputs {
		args = append(args, in.ForecastID)
		col := pgx.Identifier{in.Name}.Sanitize()
		cols[i] = fmt.Sprintf("min(CASE WHEN forecastid = $%d THEN value END)::float8 AS %s", len(args), col)
		notNull[i] = col + " IS NOT NULL"
		ids[i] = in.ForecastID
	}
	args = append(args, ids)

	formula := expr.SQL(func(name string) string { return pgx.Identifier{name}.Sanitize() })
	query := fmt.Sprintf(`
		INSERT INTO stagingdata (forecastid, gridpointid, value)
		SELECT $1, gridpointid, %s FROM (
			SELECT gridpointid, %s
			FROM data
			WHERE forecastid = ANY($%d)
			GROUP BY gridpointid
		) v
		WHERE %s`,
		formula, strings.Join(cols, ", "), len(args), strings.Join(notNull, " AND "))
	return query, args
}
