package quartz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateCompressor(t *testing.T) {
	assert.Equal(t, "zstd", negotiateCompressor(
		[]string{"zstd", "gzip"}, []string{"gzip", "zstd"}))

	// Client preference order wins.
	assert.Equal(t, "gzip", negotiateCompressor(
		[]string{"gzip", "zstd"}, []string{"zstd", "gzip"}))

	assert.Equal(t, "", negotiateCompressor([]string{"zstd"}, []string{"snappy"}))
	assert.Equal(t, "", negotiateCompressor(nil, []string{"zstd"}))
	assert.Equal(t, "", negotiateCompressor([]string{"zstd"}, nil))
}

func TestCompressDecompressZstd(t *testing.T) {
	data := []byte(strings.Repeat("quartz wire payload ", 100))

	buffer := &bytes.Buffer{}
	require.NoError(t, CompressPayload(ZstdCompression, data, buffer))
	assert.Less(t, buffer.Len(), len(data))

	require.NoError(t, DecompressPayload(ZstdCompression, buffer))
	assert.Equal(t, data, buffer.Bytes())
}

func TestCompressDecompressGzip(t *testing.T) {
	data := []byte(strings.Repeat("quartz wire payload ", 100))

	buffer := &bytes.Buffer{}
	require.NoError(t, CompressPayload(GzipCompression, data, buffer))
	assert.Less(t, buffer.Len(), len(data))

	require.NoError(t, DecompressPayload(GzipCompression, buffer))
	assert.Equal(t, data, buffer.Bytes())
}

func TestUnknownCompressor(t *testing.T) {
	buffer := &bytes.Buffer{}

	err := CompressPayload("snappy", []byte("data"), buffer)
	assert.ErrorIs(t, err, ErrUnknownCompressor)

	err = DecompressPayload("snappy", buffer)
	assert.ErrorIs(t, err, ErrUnknownCompressor)
}
