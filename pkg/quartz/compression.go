package quartz

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// ZstdCompression identifies zstd in the handshake compression array.
	ZstdCompression = "zstd"

	// GzipCompression identifies gzip in the handshake compression array.
	GzipCompression = "gzip"
)

// negotiateCompressor picks the first client-advertised compressor the server
// also supports, or "" when there is no overlap.
func negotiateCompressor(client []string, server []string) string {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c
			}
		}
	}
	return ""
}

// CompressPayload compresses a wire payload with the named compressor and
// places the result in the supplied buffer.
func CompressPayload(compressor string, data []byte, buffer *bytes.Buffer) error {
	switch compressor {
	case ZstdCompression:
		return compressWithZstd(data, buffer)
	case GzipCompression:
		return compressWithGzip(data, buffer)
	default:
		return ErrUnknownCompressor
	}
}

// DecompressPayload reverses CompressPayload, replacing the buffer contents
// with the decompressed payload.
func DecompressPayload(compressor string, buffer *bytes.Buffer) error {
	switch compressor {
	case ZstdCompression:
		return decompressWithZstd(buffer)
	case GzipCompression:
		return decompressWithGzip(buffer)
	default:
		return ErrUnknownCompressor
	}
}

func compressWithZstd(data []byte, buffer *bytes.Buffer) error {
	zstdWriter, err := zstd.NewWriter(buffer)
	if err != nil {
		return err
	}

	_, err = io.Copy(zstdWriter, bytes.NewReader(data))
	if err != nil {
		closeErr := zstdWriter.Close()
		if closeErr != nil {
			return closeErr
		}

		return err
	}

	return zstdWriter.Close()
}

func decompressWithZstd(buffer *bytes.Buffer) error {
	zstdReader, err := zstd.NewReader(buffer)
	if err != nil {
		return err
	}
	defer zstdReader.Close()

	data, err := io.ReadAll(zstdReader)
	if err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}

func compressWithGzip(data []byte, buffer *bytes.Buffer) error {
	gzipWriter := gzip.NewWriter(buffer)

	_, err := gzipWriter.Write(data)
	if err != nil {
		return err
	}

	return gzipWriter.Close()
}

func decompressWithGzip(buffer *bytes.Buffer) error {
	gzipReader, err := gzip.NewReader(buffer)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(gzipReader)
	if err != nil {
		return err
	}

	if err := gzipReader.Close(); err != nil {
		return err
	}

	*buffer = *bytes.NewBuffer(data)

	return nil
}
