package dap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// decodeData reads the XDR-encoded values of every atomic array in decls,
// in declaration order.
func decodeData(r io.Reader, decls []*decl) ([][]float64, error) {
	br := bufio.NewReader(r)
	out := make([][]float64, 0, len(decls))
	for _, d := range decls {
		vals, err := decodeAtom(br, d)
		if err != nil {
			return nil, fmt.Errorf("xdr %s: %w", d.name, err)
		}
		out = append(out, vals)
	}
	return out, nil
}

func decodeAtom(r io.Reader, d *decl) ([]float64, error) {
	if len(d.dims) == 0 {
		return decodeValues(r, d.typ, 1)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if m := binary.BigEndian.Uint32(hdr[4:8]); m != n {
		return nil, fmt.Errorf("length words differ: %d != %d", n, m)
	}
	want := 1
	for _, dd := range d.dims {
		want *= dd.size
	}
	if int(n) != want {
		return nil, fmt.Errorf("%d values for declared shape %v", n, d.shape())
	}
	return decodeValues(r, d.typ, int(n))
}

func decodeValues(r io.Reader, typ string, n int) ([]float64, error) {
	vals := make([]float64, n)
	switch typ {
	case "Byte":
		buf := make([]byte, (n+3)/4*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		for i := range vals {
			vals[i] = float64(buf[i])
		}
		return vals, nil
	case "Float64":
		var b [8]byte
		for i := range vals {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, err
			}
			vals[i] = math.Float64frombits(binary.BigEndian.Uint64(b[:]))
		}
		return vals, nil
	case "Float32", "Int32", "UInt32", "Int16", "UInt16":
		var b [4]byte
		for i := range vals {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, err
			}
			u := binary.BigEndian.Uint32(b[:])
			switch typ {
			case "Float32":
				vals[i] = float64(math.Float32frombits(u))
			case "Int32", "Int16":
				vals[i] = float64(int32(u))
			default:
				vals[i] = float64(u)
			}
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", typ)
	}
}
