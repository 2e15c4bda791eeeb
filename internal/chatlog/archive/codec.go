package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Supported codecs.
const (
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
	CodecGzip = "gzip"
	CodecNone = "none"
)

// Extension returns the file suffix for a codec.
func Extension(codec string) (string, error) {
	switch codec {
	case CodecZstd, "zst", "":
		return ".zst", nil
	case CodecLZ4:
		return ".lz4", nil
	case CodecGzip, "gz":
		return ".gz", nil
	case CodecNone:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported compression codec: %s", codec)
	}
}

// NewWriter wraps w in a compressor for codec.
func NewWriter(w io.Writer, codec string) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd, "zst", "":
		return zstd.NewWriter(w)
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecGzip, "gz":
		return gzip.NewWriter(w), nil
	case CodecNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec: %s", codec)
	}
}

// NewReader returns a decompressing reader chosen by the extension of path.
// Unknown extensions are read as plain text.
func NewReader(r io.Reader, path string) (io.ReadCloser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	case ".lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	case ".gz", ".gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	default:
		return io.NopCloser(r), nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
