package dap

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

var dataMarker = []byte("\nData:\n")

// remoteDataset is an open DAP dataset. It holds only the DDS; every Read
// is one .dods request.
type remoteDataset struct {
	client *Client
	url    string
	dds    *dds
}

func (r *remoteDataset) Variable(_ context.Context, name string) (dataset.Variable, error) {
	d, ok := r.dds.lookup(name)
	if !ok {
		return dataset.Variable{}, fmt.Errorf("%w: %s in %s", dataset.ErrNoVariable, name, r.url)
	}
	arr := d.array()
	return dataset.Variable{Name: name, Dims: arr.dimNames(), Shape: arr.shape()}, nil
}

func (r *remoteDataset) Read(ctx context.Context, name string, ranges []domain.Range) (dataset.Array, error) {
	d, ok := r.dds.lookup(name)
	if !ok {
		return dataset.Array{}, fmt.Errorf("%w: %s in %s", dataset.ErrNoVariable, name, r.url)
	}
	arr := d.array()
	if len(ranges) != len(arr.dims) {
		return dataset.Array{}, fmt.Errorf("%w: %s has %d dimensions, got %d ranges",
			domain.ErrUnknownShape, name, len(arr.dims), len(ranges))
	}

	out := dataset.Array{Dims: arr.dimNames(), Shape: make([]int, len(ranges))}
	for i, rg := range ranges {
		if rg.Stop > arr.dims[i].size {
			return dataset.Array{}, fmt.Errorf("%w: %s range %d:%d exceeds dimension %s of %d",
				domain.ErrConfiguration, name, rg.Start, rg.Stop, arr.dims[i].name, arr.dims[i].size)
		}
		out.Shape[i] = rg.Len()
	}
	if out.Len() == 0 {
		return out, nil
	}

	body, err := r.client.fetch(ctx, "dods", r.url+".dods?"+constraint(name, ranges), false)
	if err != nil {
		return dataset.Array{}, err
	}
	values, err := decodeDODS(body)
	if err != nil {
		return dataset.Array{}, fmt.Errorf("%w: %s: %w", domain.ErrUnknownShape, name, err)
	}
	if len(values) != out.Len() {
		return dataset.Array{}, fmt.Errorf("%w: %s: got %d values for shape %v",
			domain.ErrUnknownShape, name, len(values), out.Shape)
	}
	out.Values = values
	return out, nil
}

func (r *remoteDataset) Close() error { return nil }

// constraint renders a projection with one [start:stride:stop] hyperslab per
// dimension. DAP stops are inclusive.
func constraint(name string, ranges []domain.Range) string {
	var b strings.Builder
	b.WriteString(url.PathEscape(name))
	for _, rg := range ranges {
		last := rg.Index(rg.Len() - 1)
		fmt.Fprintf(&b, "%%5B%d:%d:%d%%5D", rg.Start, rg.Stride, last)
	}
	return b.String()
}

// decodeDODS splits a .dods response into its DDS and XDR parts and returns
// the values of the first array, which is the projected variable.
func decodeDODS(body []byte) ([]float64, error) {
	i := bytes.Index(body, dataMarker)
	if i < 0 {
		return nil, fmt.Errorf("no Data section")
	}
	d, err := parseDDS(string(body[:i]))
	if err != nil {
		return nil, err
	}
	atoms := d.atoms()
	if len(atoms) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	arrays, err := decodeData(bytes.NewReader(body[i+len(dataMarker):]), atoms)
	if err != nil {
		return nil, err
	}
	return arrays[0], nil
}
