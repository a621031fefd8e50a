package domain

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionOrds(t *testing.T) {
	r := Region{
		Lat: Range{Start: 1, Stop: 3, Stride: 1},
		Lon: Range{Start: 0, Stop: 4, Stride: 2},
	}
	assert.Equal(t, []int{4, 6, 8, 10}, RegionOrds(r, 4))
}

func TestReshape(t *testing.T) {
	gridIDs := []int32{100, 101, 102, 103}

	t.Run("maps ordinals to grid ids", func(t *testing.T) {
		rows, err := Reshape(7, []float64{1, 2, 3, 4}, []int{0, 1, 2, 3}, gridIDs)
		require.NoError(t, err)
		want := []DataPoint{
			{ForecastID: 7, GridPointID: 100, Value: 1},
			{ForecastID: 7, GridPointID: 101, Value: 2},
			{ForecastID: 7, GridPointID: 102, Value: 3},
			{ForecastID: 7, GridPointID: 103, Value: 4},
		}
		if diff := cmp.Diff(want, rows); diff != "" {
			t.Errorf("rows mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("drops sentinel values", func(t *testing.T) {
		rows, err := Reshape(7, []float64{1, 1e12, math.NaN(), 9.999e20}, []int{0, 1, 2, 3}, gridIDs)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int32(100), rows[0].GridPointID)
		for _, r := range rows {
			assert.Less(t, float64(r.Value), SentinelThreshold)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := Reshape(7, []float64{1, 2}, []int{0}, gridIDs)
		require.ErrorIs(t, err, ErrUnknownShape)
	})

	t.Run("ordinal outside grid", func(t *testing.T) {
		_, err := Reshape(7, []float64{1}, []int{9}, gridIDs)
		require.Error(t, err)
	})
}

func TestIsValidValue(t *testing.T) {
	assert.True(t, IsValidValue(-40))
	assert.True(t, IsValidValue(9.9e9))
	assert.False(t, IsValidValue(1e10))
	assert.False(t, IsValidValue(math.NaN()))
	assert.False(t, IsValidValue(math.Inf(1)))
}
