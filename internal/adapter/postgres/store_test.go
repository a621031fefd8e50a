package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

func TestWrap(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", Detail: "Key (forecastid, gridpointid)=(1, 2) already exists."}
	err := wrap("copy data", dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateConflict)
	assert.Contains(t, err.Error(), "already exists")

	err = wrap("copy data", &pgconn.PgError{Code: "22012", Message: "division by zero"})
	assert.NotErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, domain.ErrDuplicateConflict)

	err = wrap("ping", errors.New("conn closed"))
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	err = wrap("ping", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestDeriveQuery(t *testing.T) {
	expr, err := domain.ParseExpr("field1 + 2*field2", []string{"field1", "field2"})
	require.NoError(t, err)

	query, args := deriveQuery(77, []domain.DerivedInput{
		{Name: "field1", ForecastID: 10},
		{Name: "field2", ForecastID: 11},
	}, expr)

	assert.Equal(t, []any{int32(77), int32(10), int32(11), []int32{10, 11}}, args)
	assert.Contains(t, query, `min(CASE WHEN forecastid = $2 THEN value END)::float8 AS "field1"`)
	assert.Contains(t, query, `min(CASE WHEN forecastid = $3 THEN value END)::float8 AS "field2"`)
	assert.Contains(t, query, "forecastid = ANY($4)")
	assert.Contains(t, query, `"field1" IS NOT NULL AND "field2" IS NOT NULL`)
	assert.Contains(t, query, expr.SQL(func(n string) string { return `"` + n + `"` }))
	assert.NotContains(t, query, "field1 +", "variables are always quoted columns")
}

func TestMigrationScripts(t *testing.T) {
	scripts, err := migrationScripts(SchemaVersion)
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.True(t, strings.HasSuffix(scripts[0], "001_schema.sql"))
	assert.True(t, strings.HasSuffix(scripts[1], "002_functions.sql"))

	body, err := migrations.ReadFile(scripts[1])
	require.NoError(t, err)
	assert.Contains(t, string(body), "'"+SchemaVersion+"'", "forecastingversion() must report SchemaVersion")

	_, err = migrationScripts("9.9.9")
	require.Error(t, err)
}
