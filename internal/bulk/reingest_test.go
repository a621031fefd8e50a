package bulk_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/couchcryptid/forecast-ingest-service/internal/adapter/memstore"
	"github.com/couchcryptid/forecast-ingest-service/internal/bulk"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_ReingestIsIdempotent(t *testing.T) {
	store := memstore.New()
	l := bulk.NewLoader(store, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	ctx := context.Background()

	batch := []domain.DataPoint{
		{ForecastID: 9, GridPointID: 1, Value: 1},
		{ForecastID: 9, GridPointID: 2, Value: 2},
		{ForecastID: 9, GridPointID: 3, Value: 3},
	}

	first, err := l.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, bulk.PathFast, first.Path)
	assert.Equal(t, 3, store.DataCount(9))

	second, err := l.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, bulk.PathStaging, second.Path)
	assert.Equal(t, 3, store.DataCount(9), "re-ingesting must not duplicate rows")

	updated := []domain.DataPoint{{ForecastID: 9, GridPointID: 2, Value: 20}}
	_, err = l.Commit(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, float32(20), store.Values(9)[2], "staging merge is last-write-wins")
	assert.Equal(t, 3, store.DataCount(9))
}
