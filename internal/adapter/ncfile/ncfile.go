// Package ncfile opens local NetCDF files (file:// URLs) as datasets, for
// replaying archived runs without the remote service.
package ncfile

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Opener opens file:// dataset URLs.
type Opener struct{}

// Open implements dataset.Opener. The URL path names the file.
func (Opener) Open(_ context.Context, rawURL string) (dataset.Dataset, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrConfiguration, rawURL, err)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrDataUnavailable, path, err)
	}
	return &File{nc: nc, vars: make(map[string]api.VarGetter)}, nil
}

// File is an open NetCDF file.
type File struct {
	nc   api.Group
	mu   sync.Mutex
	vars map[string]api.VarGetter
}

func (f *File) getter(name string) (api.VarGetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vg, ok := f.vars[name]; ok {
		return vg, nil
	}
	vg, err := f.nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", dataset.ErrNoVariable, name, err)
	}
	f.vars[name] = vg
	return vg, nil
}

// Variable implements dataset.Dataset.
func (f *File) Variable(_ context.Context, name string) (dataset.Variable, error) {
	vg, err := f.getter(name)
	if err != nil {
		return dataset.Variable{}, err
	}
	shape, err := shapeOf(vg)
	if err != nil {
		return dataset.Variable{}, fmt.Errorf("%s: %w", name, err)
	}
	v := dataset.Variable{Name: name, Dims: vg.Dimensions(), Shape: shape}
	if attrs := vg.Attributes(); attrs != nil {
		if units, ok := attrs.Get("units"); ok {
			if s, ok := units.(string); ok {
				v.Units = s
			}
		}
	}
	return v, nil
}

// Read implements dataset.Dataset. Packed values are unpacked with
// scale_factor and add_offset; _FillValue becomes +Inf.
func (f *File) Read(ctx context.Context, name string, ranges []domain.Range) (dataset.Array, error) {
	v, err := f.Variable(ctx, name)
	if err != nil {
		return dataset.Array{}, err
	}
	if len(ranges) != len(v.Shape) {
		return dataset.Array{}, fmt.Errorf("%w: %s has %d dimensions, got %d ranges",
			domain.ErrUnknownShape, name, len(v.Shape), len(ranges))
	}
	out := dataset.Array{Dims: v.Dims, Shape: make([]int, len(ranges))}
	for i, rg := range ranges {
		if rg.Stop > v.Shape[i] {
			return dataset.Array{}, fmt.Errorf("%w: %s range %d:%d exceeds dimension of %d",
				domain.ErrConfiguration, name, rg.Start, rg.Stop, v.Shape[i])
		}
		out.Shape[i] = rg.Len()
	}
	if out.Len() == 0 {
		return out, nil
	}

	vg, err := f.getter(name)
	if err != nil {
		return dataset.Array{}, err
	}
	first := ranges[0]
	raw, err := vg.GetSlice(int64(first.Start), int64(first.Stop))
	if err != nil {
		return dataset.Array{}, fmt.Errorf("read %s: %w", name, err)
	}

	shifted := make([]domain.Range, len(ranges))
	copy(shifted, ranges)
	shifted[0] = domain.Range{Start: 0, Stop: first.Stop - first.Start, Stride: first.Stride}

	values := make([]float64, 0, out.Len())
	if err := flatten(reflect.ValueOf(raw), shifted, &values); err != nil {
		return dataset.Array{}, fmt.Errorf("%w: %s: %w", domain.ErrUnknownShape, name, err)
	}
	unpack(vg.Attributes(), values)
	out.Values = values
	return out, nil
}

// Close implements dataset.Dataset.
func (f *File) Close() error {
	f.nc.Close()
	return nil
}

// shapeOf reads the leading dimension from Len and the rest from the first
// record.
func shapeOf(vg api.VarGetter) ([]int, error) {
	ndims := len(vg.Dimensions())
	if ndims == 0 {
		return nil, nil
	}
	shape := []int{int(vg.Len())}
	if ndims == 1 {
		return shape, nil
	}
	if shape[0] == 0 {
		return append(shape, make([]int, ndims-1)...), nil
	}
	rec, err := vg.GetSlice(0, 1)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(rec)
	for range ndims - 1 {
		if v.Kind() != reflect.Slice || v.Len() == 0 {
			return nil, fmt.Errorf("cannot determine shape")
		}
		v = v.Index(0)
		shape = append(shape, v.Len())
	}
	return shape, nil
}

// flatten appends the elements of a nested slice selected by ranges, in
// row-major order.
func flatten(v reflect.Value, ranges []domain.Range, out *[]float64) error {
	if len(ranges) == 0 {
		x, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("unsupported element kind %s", v.Kind())
		}
		*out = append(*out, x)
		return nil
	}
	if v.Kind() != reflect.Slice {
		return fmt.Errorf("expected slice, got %s", v.Kind())
	}
	rg := ranges[0]
	for k := range rg.Len() {
		i := rg.Index(k)
		if i >= v.Len() {
			return fmt.Errorf("index %d outside dimension of %d", i, v.Len())
		}
		if err := flatten(v.Index(i), ranges[1:], out); err != nil {
			return err
		}
	}
	return nil
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Slice:
		if v.Len() == 1 {
			return toFloat(v.Index(0))
		}
	case reflect.Interface:
		return toFloat(v.Elem())
	}
	return 0, false
}

func attrFloat(attrs api.AttributeMap, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	raw, ok := attrs.Get(key)
	if !ok {
		return 0, false
	}
	return toFloat(reflect.ValueOf(raw))
}

func unpack(attrs api.AttributeMap, values []float64) {
	fill, hasFill := attrFloat(attrs, "_FillValue")
	scale, hasScale := attrFloat(attrs, "scale_factor")
	offset, hasOffset := attrFloat(attrs, "add_offset")
	if !hasFill && !hasScale && !hasOffset {
		return
	}
	if !hasScale {
		scale = 1
	}
	for i, x := range values {
		if hasFill && x == fill {
			values[i] = math.Inf(1)
			continue
		}
		values[i] = x*scale + offset
	}
}
