package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoxRegion(t *testing.T) {
	axes := Axes{Lat: []float64{0, 1, 2, 3}, Lon: []float64{0, 1, 2, 3}}

	t.Run("unit box", func(t *testing.T) {
		r := BoxRegion(axes, BoundingBox{North: 2, South: 0, East: 2, West: 0, Stride: 1})
		assert.Equal(t, "[[0,2,1],[0,2,1]]", r.String())
		assert.Equal(t, 4, r.Size())
	})

	t.Run("stride defaults to one", func(t *testing.T) {
		r := BoxRegion(axes, BoundingBox{North: 3, South: 1, East: 3, West: 1})
		assert.Equal(t, Region{
			Lat: Range{Start: 1, Stop: 3, Stride: 1},
			Lon: Range{Start: 1, Stop: 3, Stride: 1},
		}, r)
	})

	t.Run("bound past the axis", func(t *testing.T) {
		r := BoxRegion(axes, BoundingBox{North: 10, South: 2, East: 10, West: 0, Stride: 2})
		assert.Equal(t, "[[2,4,2],[0,4,2]]", r.String())
		assert.Equal(t, 2, r.Size())
	})

	t.Run("western hemisphere on a 0-360 axis", func(t *testing.T) {
		a := Axes{Lat: []float64{38, 39, 40, 41}, Lon: []float64{257, 258, 259, 260, 261}}
		r := BoxRegion(a, BoundingBox{North: 41, South: 39, East: -100, West: -102})
		assert.Equal(t, "[[1,3,1],[1,3,1]]", r.String())
	})
}

func TestNormalizeLon(t *testing.T) {
	tests := []struct {
		name string
		axis []float64
		lon  float64
		want float64
	}{
		{"positive axis shifts negative", []float64{0, 90, 180, 270}, -100, 260},
		{"signed axis unchanged", []float64{-180, 0, 179}, -100, -100},
		{"positive input unchanged", []float64{0, 180}, 45, 45},
		{"empty axis unchanged", nil, -10, -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, NormalizeLon(tt.axis, tt.lon), 1e-9)
		})
	}
}

func TestRangeLen(t *testing.T) {
	assert.Equal(t, 4, Range{Start: 0, Stop: 4, Stride: 1}.Len())
	assert.Equal(t, 2, Range{Start: 0, Stop: 4, Stride: 3}.Len())
	assert.Equal(t, 13, Range{Start: 0, Stop: 50, Stride: 4}.Len())
	assert.Equal(t, 0, Range{Start: 2, Stop: 2, Stride: 1}.Len())
	assert.Equal(t, 0, Range{Start: 0, Stop: 4, Stride: 0}.Len())
	assert.Equal(t, 7, Range{Start: 1, Stop: 50, Stride: 6}.Index(1))
}

func TestPointRegion(t *testing.T) {
	r := PointRegion(Ord(1, 1, 4), 4)
	assert.Equal(t, "[[1,2,1],[1,2,1]]", r.String())
	assert.Equal(t, 1, r.Size())
}

func TestWholeGrid(t *testing.T) {
	axes := Axes{Lat: make([]float64, 3), Lon: make([]float64, 5)}
	assert.Equal(t, "[[0,3,1],[0,5,1]]", WholeGrid(axes).String())
}

func TestNeedsGeocoder(t *testing.T) {
	assert.False(t, NeedsGeocoder(nil))
	assert.False(t, NeedsGeocoder(BoundingBox{North: 1}))
	assert.False(t, NeedsGeocoder(Composite{PointNeighbors{Lat: 1, Lon: 1, K: 1}}))
	assert.True(t, NeedsGeocoder(Place{Query: "Boulder, CO", K: 4}))
	assert.True(t, NeedsGeocoder(Composite{BoundingBox{}, Composite{Place{Query: "Boulder, CO"}}}))
}
