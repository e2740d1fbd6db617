package snapshotstore

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littb/snapshot/internal/common/configtypes"
)

func TestEncodeDecode(t *testing.T) {
	large := []byte(strings.Repeat("<p>Röda rummet</p>", 200))
	small := []byte("<html></html>")

	tests := []struct {
		name      string
		payload   []byte
		algorithm string
		header    byte
	}{
		{"small stays raw", small, configtypes.CompressionSnappy, headerRaw},
		{"large snappy", large, configtypes.CompressionSnappy, headerSnappy},
		{"large lz4", large, configtypes.CompressionLZ4, headerLZ4},
		{"large none", large, configtypes.CompressionNone, headerRaw},
		{"unknown algorithm", large, "zstd", headerRaw},
		{"empty", []byte{}, configtypes.CompressionLZ4, headerRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := encode(tt.payload, tt.algorithm)
			require.NoError(t, err)
			require.NotEmpty(t, encoded)
			assert.Equal(t, tt.header, encoded[0])
			if tt.header != headerRaw {
				assert.Less(t, len(encoded), len(tt.payload))
			}

			decoded, err := decode(encoded)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.payload, decoded))
		})
	}
}

func TestEncode_Threshold(t *testing.T) {
	below, err := encode(bytes.Repeat([]byte("a"), CompressionMinSize-1), configtypes.CompressionSnappy)
	require.NoError(t, err)
	assert.Equal(t, headerRaw, below[0])

	at, err := encode(bytes.Repeat([]byte("a"), CompressionMinSize), configtypes.CompressionSnappy)
	require.NoError(t, err)
	assert.Equal(t, headerSnappy, at[0])
}

func TestDecode_Errors(t *testing.T) {
	tests := map[string][]byte{
		"empty":          nil,
		"unknown header": {9, 1, 2},
		"bad snappy":     {headerSnappy, 0xff, 0xff, 0xff},
		"bad lz4":        {headerLZ4, 1, 2, 3, 4},
	}
	for name, stored := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decode(stored)
			assert.ErrorIs(t, err, ErrDecompression)
		})
	}
}
