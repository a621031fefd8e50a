package domain

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quoted(name string) string { return pgx.Identifier{name}.Sanitize() }

func TestParseExpr_Eval(t *testing.T) {
	tests := []struct {
		src    string
		fields []string
		values map[string]float64
		want   float64
	}{
		{"field1+field2", []string{"field1", "field2"}, map[string]float64{"field1": 1, "field2": 4}, 5},
		{"sqrt(u^2+v^2)", []string{"u", "v"}, map[string]float64{"u": 3, "v": 4}, 5},
		{"p/(t*287.058)", []string{"p", "t"}, map[string]float64{"p": 287.058, "t": 1}, 1},
		{"2^3^2", nil, nil, 512},
		{"-a^2", []string{"a"}, map[string]float64{"a": 3}, -9},
		{"10 - 4 - 3", nil, nil, 3},
		{"log(1000) + ln(exp(2))", nil, nil, 5},
		{"atan2(1, 1) * 4", nil, nil, 3.141592653589793},
		{"1.5e2 / 3", nil, nil, 50},
		{"abs(-7) * +2", nil, nil, 14},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := ParseExpr(tt.src, tt.fields)
			require.NoError(t, err)
			got, err := e.Eval(tt.values)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseExpr_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown identifier", "ugrd + vgrd"},
		{"disallowed function", "pg_sleep(10)"},
		{"sql injection", "ugrd); DROP TABLE data; --"},
		{"string literal", "ugrd || 'x'"},
		{"unbalanced parens", "(ugrd + 1"},
		{"trailing operator", "ugrd +"},
		{"wrong arity", "sqrt(ugrd, 2)"},
		{"empty", ""},
		{"dangling token", "ugrd 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpr(tt.src, []string{"ugrd"})
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestExpr_Vars(t *testing.T) {
	e, err := ParseExpr("sqrt(ugrdprs^2 + vgrdprs^2) + ugrdprs", []string{"ugrdprs", "vgrdprs", "unused"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ugrdprs", "vgrdprs"}, e.Vars())
	assert.Equal(t, "sqrt(ugrdprs^2 + vgrdprs^2) + ugrdprs", e.String())
}

func TestExpr_SQL(t *testing.T) {
	e, err := ParseExpr("sqrt(u^2 + v^2) / -2", []string{"u", "v"})
	require.NoError(t, err)
	assert.Equal(t,
		`(sqrt((("u" ^ (2)::float8) + ("v" ^ (2)::float8))) / (-(2)::float8))`,
		e.SQL(quoted))
}

func TestExpr_EvalErrors(t *testing.T) {
	e, err := ParseExpr("a / b", []string{"a", "b"})
	require.NoError(t, err)

	_, err = e.Eval(map[string]float64{"a": 1, "b": 0})
	require.Error(t, err)

	_, err = e.Eval(map[string]float64{"a": 1})
	require.ErrorIs(t, err, ErrMissingDependency)

	s, err := ParseExpr("sqrt(a)", []string{"a"})
	require.NoError(t, err)
	_, err = s.Eval(map[string]float64{"a": -1})
	require.Error(t, err)
}

func TestNewCalculatedField(t *testing.T) {
	cf, err := NewCalculatedField("wndprs", []string{"ugrdprs", "vgrdprs"}, "sqrt(ugrdprs^2+vgrdprs^2)")
	require.NoError(t, err)
	assert.Equal(t, "wndprs", cf.Name)

	_, err = NewCalculatedField("bad name", []string{"a"}, "a")
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewCalculatedField("x", nil, "1")
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewCalculatedField("x", []string{"a"}, "a + b")
	require.ErrorIs(t, err, ErrConfiguration)
}
