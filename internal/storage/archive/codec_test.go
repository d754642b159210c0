package archive

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

func makeSamples(n int) []types.Sample {
	samples := make([]types.Sample, n)
	base := int64(1700000000000)
	for i := range samples {
		samples[i] = types.Sample{
			SiteName:    "hq-tower",
			PointName:   fmt.Sprintf("ahu-%d/supply-temp", i%8),
			TimestampMs: base + int64(i)*60000,
			Value:       20.0 + math.Sin(float64(i)/50.0),
		}
	}
	return samples
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{1, 17, 1000} {
		t.Run(fmt.Sprintf("%d rows", n), func(t *testing.T) {
			in := makeSamples(n)

			blob, err := Encode(in, DefaultOptions())
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			out, err := Decode(blob)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(out) != len(in) {
				t.Fatalf("row count = %d, want %d", len(out), len(in))
			}
			for i := range in {
				if out[i] != in[i] {
					t.Fatalf("row %d = %+v, want %+v", i, out[i], in[i])
				}
			}
		})
	}
}

func TestEncodeDecodeLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("large round trip")
	}
	in := makeSamples(100000)

	blob, err := Encode(in, DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("row count = %d, want %d", len(out), len(in))
	}
	if out[0] != in[0] || out[len(out)-1] != in[len(in)-1] {
		t.Error("boundary rows corrupted")
	}
}

func TestEncodeHonorsCompressionLevel(t *testing.T) {
	in := makeSamples(500)
	for _, level := range []int{0, 1, 3, 11, 22} {
		opts := Options{Compression: CompressionZstd, CompressionLevel: level}
		data, err := Encode(in, opts)
		if err != nil {
			t.Fatalf("Encode at level %d: %v", level, err)
		}
		if err := CheckMarker(data); err != nil {
			t.Fatalf("level %d archive: %v", level, err)
		}
		out, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode at level %d: %v", level, err)
		}
		if len(out) != len(in) {
			t.Errorf("level %d: decoded %d rows, want %d", level, len(out), len(in))
		}
	}
}

func TestEncodeEmptyInput(t *testing.T) {
	if _, err := Encode(nil, DefaultOptions()); !errors.Is(err, errors.ErrEmptyInput) {
		t.Errorf("nil input: err = %v, want ErrEmptyInput", err)
	}
	if _, err := Encode([]types.Sample{}, DefaultOptions()); !errors.Is(err, errors.ErrEmptyInput) {
		t.Errorf("empty input: err = %v, want ErrEmptyInput", err)
	}
}

func TestEncodeRejectsInvalidRows(t *testing.T) {
	valid := makeSamples(1)[0]

	cases := []struct {
		name   string
		mutate func(*types.Sample)
	}{
		{"missing point_name", func(s *types.Sample) { s.PointName = "" }},
		{"missing site_name", func(s *types.Sample) { s.SiteName = "" }},
		{"zero timestamp", func(s *types.Sample) { s.TimestampMs = 0 }},
		{"negative timestamp", func(s *types.Sample) { s.TimestampMs = -1 }},
		{"NaN value", func(s *types.Sample) { s.Value = math.NaN() }},
		{"Inf value", func(s *types.Sample) { s.Value = math.Inf(1) }},
	}
	for _, tc := range cases {
		s := valid
		tc.mutate(&s)
		if _, err := Encode([]types.Sample{s}, DefaultOptions()); err == nil {
			t.Errorf("%s: Encode accepted invalid sample", tc.name)
		}
	}
}

func TestArchiveMarker(t *testing.T) {
	blob, err := Encode(makeSamples(10), DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if !strings.HasPrefix(string(blob), "PAR1") {
		t.Errorf("archive does not start with PAR1: % x", blob[:4])
	}
	if err := CheckMarker(blob); err != nil {
		t.Errorf("CheckMarker on valid archive: %v", err)
	}
	if err := CheckMarker([]byte("PAR")); err == nil {
		t.Error("CheckMarker accepted truncated blob")
	}
	if err := CheckMarker([]byte("NOTPARQUET123456")); err == nil {
		t.Error("CheckMarker accepted foreign blob")
	}
}

func TestDecodeRejectsCorruptBlob(t *testing.T) {
	if _, err := Decode([]byte("garbage that is long enough")); err == nil {
		t.Error("Decode accepted non-parquet blob")
	}

	blob, err := Encode(makeSamples(10), DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Truncate the footer; the marker still matches but parsing must fail.
	if _, err := Decode(blob[:len(blob)-6]); err == nil {
		t.Error("Decode accepted truncated archive")
	}
}

func TestRowCount(t *testing.T) {
	blob, err := Encode(makeSamples(123), DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n, err := RowCount(blob)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if n != 123 {
		t.Errorf("RowCount = %d, want 123", n)
	}
}

func TestCompressionRatioOnPeriodicData(t *testing.T) {
	// Steady sampling with a small point vocabulary compresses well.
	samples := makeSamples(50000)

	blob, err := Encode(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ratio := EstimateRatio(UncompressedSizeOf(samples), int64(len(blob)))
	if ratio < 3.0 {
		t.Errorf("compression ratio = %.2f, want at least 3.0", ratio)
	}
}

func TestParseCompressionType(t *testing.T) {
	cases := map[string]CompressionType{
		"snappy":  CompressionSnappy,
		"zstd":    CompressionZstd,
		"lz4":     CompressionLZ4,
		"gzip":    CompressionGzip,
		"none":    CompressionNone,
		"":        CompressionNone,
		"bogus":   CompressionZstd,
		"unknown": CompressionZstd,
	}
	for in, want := range cases {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestEstimateRatio(t *testing.T) {
	if r := EstimateRatio(0, 100); r != 0 {
		t.Errorf("zero uncompressed: ratio = %v, want 0", r)
	}
	if r := EstimateRatio(100, 0); r != 0 {
		t.Errorf("zero compressed: ratio = %v, want 0", r)
	}
	if r := EstimateRatio(400, 100); r != 4.0 {
		t.Errorf("ratio = %v, want 4.0", r)
	}
}
