package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	return []byte(strings.Repeat("trip_update stop_time_update ", n/29+1)[:n])
}

func decode(t *testing.T, e Encoded) []byte {
	t.Helper()
	var r io.Reader
	switch e.Name {
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(e.Body))
	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(e.Body))
		require.NoError(t, err)
		r = gr
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(e.Body))
		require.NoError(t, err)
		defer zr.Close()
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		return out
	default:
		t.Fatalf("unknown encoding %q", e.Name)
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func names(vs []Encoded) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Name)
	}
	return out
}

func TestEncodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder(DefaultLimits())
	require.NoError(t, err)
	defer enc.Close()

	body := payload(4096)
	vs, err := enc.Encode(body)
	require.NoError(t, err)
	assert.Equal(t, []string{Brotli, Zstd, Gzip}, names(vs))
	for _, v := range vs {
		assert.Less(t, len(v.Body), len(body), v.Name)
		assert.Equal(t, body, decode(t, v), v.Name)
	}
}

func TestEncodeRespectsCeilings(t *testing.T) {
	enc, err := NewEncoder(Limits{BrotliMaxSize: 100, ZstdMaxSize: 1000, GzipMaxSize: 10000})
	require.NoError(t, err)
	defer enc.Close()

	cases := []struct {
		size int
		want []string
	}{
		{100, []string{Brotli, Zstd, Gzip}},
		{101, []string{Zstd, Gzip}},
		{5000, []string{Gzip}},
		{10001, []string{}},
	}
	for _, tc := range cases {
		vs, err := enc.Encode(payload(tc.size))
		require.NoError(t, err)
		assert.Equal(t, tc.want, names(vs), "size %d", tc.size)
	}

	vs, err := enc.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestNegotiate(t *testing.T) {
	identity := make([]byte, 100)
	variants := []Encoded{
		{Name: Brotli, Body: make([]byte, 20)},
		{Name: Zstd, Body: make([]byte, 25)},
		{Name: Gzip, Body: make([]byte, 30)},
	}

	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"", Identity, true},
		{"gzip", Gzip, true},
		{"x-gzip", Gzip, true},
		{"gzip, deflate, br", Brotli, true},
		{"gzip;q=1.0, br;q=0", Gzip, true},
		{"zstd, gzip", Zstd, true},
		{"*", Brotli, true},
		{"deflate", Identity, true},
		{"identity;q=0", "", false},
		{"*;q=0", "", false},
		{"*;q=0, gzip", Gzip, true},
		{"identity;q=0, deflate", "", false},
		{"GZIP;Q=0.5", Gzip, true},
		{"br;q=oops", Brotli, true},
	}
	for _, tc := range cases {
		got, ok := Negotiate(tc.header, identity, variants)
		assert.Equal(t, tc.ok, ok, tc.header)
		if tc.ok {
			assert.Equal(t, tc.want, got.Name, tc.header)
		}
	}
}

func TestNegotiatePrefersIdentityWhenCompressionDoesNotHelp(t *testing.T) {
	identity := []byte("tiny")
	got, ok := Negotiate("gzip", identity, []Encoded{{Name: Gzip, Body: make([]byte, 24)}})
	require.True(t, ok)
	assert.Equal(t, Identity, got.Name)
	assert.Equal(t, identity, got.Body)
}
