// Package bulk commits data rows through the binary COPY channel: a fast
// direct copy into the data table, and on rejection a copy into staging
// reconciled by the store.
package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

// Store is the bulk side of the storage engine. Each method runs in its own
// transaction and rolls back on error.
type Store interface {
	// CopyData streams a binary COPY payload straight into the data table.
	// A key collision fails with an error wrapping domain.ErrDuplicateConflict.
	CopyData(ctx context.Context, payload []byte) error
	// CopyStagingAndApply streams the payload into staging and runs the
	// reconciliation procedure, which merges it into the data table.
	CopyStagingAndApply(ctx context.Context, payload []byte) error
}

// Path names how a commit reached the data table.
type Path string

const (
	PathNone    Path = "none"
	PathFast    Path = "fast"
	PathStaging Path = "staging"
)

// Result describes one commit.
type Result struct {
	Rows     int // rows sent after sentinel filtering
	Filtered int // sentinel rows dropped
	Path     Path
}

// Loader is the two-path commit helper.
type Loader struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLoader creates a Loader over store.
func NewLoader(store Store, logger *slog.Logger, metrics *observability.Metrics) *Loader {
	return &Loader{store: store, logger: logger, metrics: metrics}
}

// Commit writes rows. The fast path is tried first; any failure other than
// cancellation is compensated by the staging path in a new transaction.
// When both fail the joined error is returned.
func (l *Loader) Commit(ctx context.Context, rows []domain.DataPoint) (Result, error) {
	var buf bytes.Buffer
	n, err := Encode(&buf, rows)
	if err != nil {
		return Result{}, err
	}
	res := Result{Rows: n, Filtered: len(rows) - n, Path: PathNone}
	if n == 0 {
		return res, nil
	}
	payload := buf.Bytes()

	fastErr := l.store.CopyData(ctx, payload)
	if fastErr == nil {
		res.Path = PathFast
		l.metrics.RowsLoaded.WithLabelValues(string(PathFast)).Add(float64(n))
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("bulk copy: %w", ctx.Err())
	}

	l.metrics.BulkFallbacks.Inc()
	if errors.Is(fastErr, domain.ErrDuplicateConflict) {
		l.logger.Debug("fast path rejected duplicates, using staging", "rows", n)
	} else {
		l.logger.Warn("fast path failed, using staging", "rows", n, "error", fastErr)
	}

	if stageErr := l.store.CopyStagingAndApply(ctx, payload); stageErr != nil {
		return Result{}, fmt.Errorf("bulk copy: %w", errors.Join(fastErr, stageErr))
	}
	res.Path = PathStaging
	l.metrics.RowsLoaded.WithLabelValues(string(PathStaging)).Add(float64(n))
	return res, nil
}
