// Package compress precomputes compressed variants of a payload and picks the
// variant a client should receive from its Accept-Encoding header.
package compress

import (
	"bytes"
	"fmt"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encoding names as they appear in Content-Encoding.
const (
	Identity = "identity"
	Brotli   = "br"
	Zstd     = "zstd"
	Gzip     = "gzip"
)

// Encoded is one representation of a payload.
type Encoded struct {
	Name string
	Body []byte
}

// Limits caps the input size each algorithm is applied to. Zero disables
// the algorithm.
type Limits struct {
	BrotliMaxSize int
	ZstdMaxSize   int
	GzipMaxSize   int
}

// DefaultLimits returns 1 MiB for brotli, 16 MiB for zstd and 20 MiB for gzip.
func DefaultLimits() Limits {
	return Limits{
		BrotliMaxSize: 1 << 20,
		ZstdMaxSize:   16 << 20,
		GzipMaxSize:   20 << 20,
	}
}

// Encoder produces compressed variants. It is safe for concurrent use.
type Encoder struct {
	limits Limits
	zstd   *zstd.Encoder
}

// NewEncoder creates an Encoder with the given size ceilings.
func NewEncoder(limits Limits) (*Encoder, error) {
	zw, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &Encoder{limits: limits, zstd: zw}, nil
}

// Encode returns the compressed variants of body whose ceiling admits it,
// most expensive algorithm first. Empty bodies are not compressed.
func (e *Encoder) Encode(body []byte) ([]Encoded, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var out []Encoded

	if within(len(body), e.limits.BrotliMaxSize) {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		out = append(out, Encoded{Name: Brotli, Body: buf.Bytes()})
	}

	if within(len(body), e.limits.ZstdMaxSize) {
		out = append(out, Encoded{Name: Zstd, Body: e.zstd.EncodeAll(body, nil)})
	}

	if within(len(body), e.limits.GzipMaxSize) {
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		out = append(out, Encoded{Name: Gzip, Body: buf.Bytes()})
	}

	return out, nil
}

// Close releases the zstd encoder.
func (e *Encoder) Close() error {
	return e.zstd.Close()
}

func within(n, limit int) bool {
	return limit > 0 && n <= limit
}
