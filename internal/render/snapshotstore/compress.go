package snapshotstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/littb/snapshot/internal/common/configtypes"
)

// CompressionMinSize is the payload size below which values are stored raw
const CompressionMinSize = 1024

// Stored values start with one header byte naming the encoding
const (
	headerRaw    byte = 0
	headerSnappy byte = 1
	headerLZ4    byte = 2
)

// ErrDecompression wraps every decode failure
var ErrDecompression = errors.New("decompression failed")

// encode prefixes payload with its header, compressing with algorithm when
// the payload is large enough
func encode(payload []byte, algorithm string) ([]byte, error) {
	if len(payload) < CompressionMinSize {
		return withHeader(headerRaw, payload), nil
	}

	switch algorithm {
	case configtypes.CompressionSnappy:
		return withHeader(headerSnappy, snappy.Encode(nil, payload)), nil

	case configtypes.CompressionLZ4:
		// stream format, so the reader needs no size hint
		var buf bytes.Buffer
		buf.WriteByte(headerLZ4)
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return withHeader(headerRaw, payload), nil
	}
}

// decode reverses encode
func decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrDecompression)
	}
	header, body := stored[0], stored[1:]

	switch header {
	case headerRaw:
		return body, nil

	case headerSnappy:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrDecompression, err)
		}
		return out, nil

	case headerLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown header %d", ErrDecompression, header)
	}
}

func withHeader(header byte, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, header)
	return append(out, body...)
}
