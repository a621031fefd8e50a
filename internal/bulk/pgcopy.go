package bulk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

// Signature opens every PostgreSQL binary COPY stream.
var Signature = []byte("PGCOPY\n\xff\r\n\x00")

const (
	fieldCount = 3
	trailer    = -1
)

// Encode writes rows in PostgreSQL binary COPY format for the columns
// (forecastid int4, gridpointid int4, value float4). Rows whose value is a
// sentinel are skipped. It returns the number of rows written.
func Encode(w io.Writer, rows []domain.DataPoint) (int, error) {
	bw := bufio.NewWriter(w)

	writeBE(bw, Signature)
	writeBE(bw, int32(0)) // flags
	writeBE(bw, int32(0)) // header extension length

	n := 0
	for _, r := range rows {
		if !domain.IsValidValue(float64(r.Value)) {
			continue
		}
		writeBE(bw, int16(fieldCount))
		writeBE(bw, int32(4))
		writeBE(bw, r.ForecastID)
		writeBE(bw, int32(4))
		writeBE(bw, r.GridPointID)
		writeBE(bw, int32(4))
		writeBE(bw, math.Float32bits(r.Value))
		n++
	}
	writeBE(bw, int16(trailer))

	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("encode copy stream: %w", err)
	}
	return n, nil
}

// writeBE ignores errors; bufio.Writer keeps the first one for Flush.
func writeBE(w io.Writer, v any) {
	binary.Write(w, binary.BigEndian, v) //nolint:errcheck // surfaced by Flush
}

// Decode reads a stream produced by Encode.
func Decode(r io.Reader) ([]domain.DataPoint, error) {
	br := bufio.NewReader(r)

	sig := make([]byte, len(Signature))
	if _, err := io.ReadFull(br, sig); err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	if !bytes.Equal(sig, Signature) {
		return nil, errors.New("not a binary copy stream")
	}
	var flags, extLen int32
	if err := readBE(br, &flags, &extLen); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if _, err := br.Discard(int(extLen)); err != nil {
		return nil, fmt.Errorf("read header extension: %w", err)
	}

	var rows []domain.DataPoint
	for {
		var count int16
		if err := readBE(br, &count); err != nil {
			return nil, fmt.Errorf("read tuple: %w", err)
		}
		if count == trailer {
			return rows, nil
		}
		if count != fieldCount {
			return nil, fmt.Errorf("tuple has %d fields, want %d", count, fieldCount)
		}
		var (
			l1, l2, l3 int32
			row        domain.DataPoint
			bits       uint32
		)
		if err := readBE(br, &l1, &row.ForecastID, &l2, &row.GridPointID, &l3, &bits); err != nil {
			return nil, fmt.Errorf("read tuple: %w", err)
		}
		if l1 != 4 || l2 != 4 || l3 != 4 {
			return nil, fmt.Errorf("unexpected field lengths %d,%d,%d", l1, l2, l3)
		}
		row.Value = math.Float32frombits(bits)
		rows = append(rows, row)
	}
}

func readBE(r io.Reader, vs ...any) error {
	for _, v := range vs {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return err
		}
	}
	return nil
}
