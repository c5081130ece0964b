package artifacts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrTooLarge is returned when an artifact, after decompression, exceeds the
// caller's limit.
var ErrTooLarge = errors.New("artifacts: too large")

// Codec identifies a compression framing.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectCodec picks a codec from the file suffix of name, falling back to
// the frame magic of data.
func DetectCodec(name string, data []byte) Codec {
	switch strings.ToLower(path.Ext(name)) {
	case ".zst", ".zstd":
		return CodecZstd
	case ".lz4":
		return CodecLZ4
	}
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return CodecZstd
	case bytes.HasPrefix(data, lz4Magic):
		return CodecLZ4
	}
	return CodecNone
}

// TrimCodecSuffix strips a compression suffix: "calc.wasm.zst" -> "calc.wasm".
func TrimCodecSuffix(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".zst", ".zstd", ".lz4":
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return name
}

// Decompress decodes data framed with c, reading at most limit bytes of
// output when limit is positive.
func Decompress(c Codec, data []byte, limit int64) ([]byte, error) {
	switch c {
	case CodecNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), limit)
		}
		return data, nil
	case CodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer dec.Close()
		out, err := readLimited(dec, limit)
		if err != nil && !errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, err
	case CodecLZ4:
		out, err := readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
		if err != nil && !errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, err
	}
	return nil, fmt.Errorf("artifacts: unsupported codec %q", c)
}

// Compress frames data with c.
func Compress(c Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch c {
	case CodecNone, "":
		return data, nil
	case CodecZstd:
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		w = zw
	case CodecLZ4:
		w = lz4.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("artifacts: unsupported codec %q", c)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s compress: %w", c, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c, err)
	}
	return buf.Bytes(), nil
}
