// Package archive implements the columnar archive codec for cold-tier
// sample files.
//
// Archives are parquet files with a fixed four-column schema and
// zstd-compressed column chunks. Encode validates every row before it is
// written; nothing non-finite or identity-less ever reaches an archive.
package archive

import (
	"bytes"
	"math"

	kzstd "github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

// formatMarker is the fixed 4-byte marker every archive begins with.
// Parquet files open and close with this magic.
const formatMarker = "PAR1"

// CompressionType represents a parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// Options configures the archive codec.
type Options struct {
	// Compression algorithm for column chunks.
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22).
	CompressionLevel int
}

// DefaultOptions returns default codec options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec. For zstd a
// non-zero level picks the encoder speed/ratio trade-off; other
// algorithms ignore it.
func getCompression(opts Options) compress.Codec {
	switch opts.Compression {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		if opts.CompressionLevel > 0 {
			return &zstd.Codec{Level: kzstd.EncoderLevelFromZstd(opts.CompressionLevel)}
		}
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// sampleRow is the archive's fixed schema. Every row carries all four
// fields; optionality is not part of the format.
type sampleRow struct {
	TimestampMs int64   `parquet:"timestamp_ms"`
	PointName   string  `parquet:"point_name,zstd"`
	Value       float64 `parquet:"value"`
	SiteName    string  `parquet:"site_name,zstd"`
}

func toRow(s *types.Sample) sampleRow {
	return sampleRow{
		TimestampMs: s.TimestampMs,
		PointName:   s.PointName,
		Value:       s.Value,
		SiteName:    s.SiteName,
	}
}

func fromRow(r *sampleRow) types.Sample {
	return types.Sample{
		TimestampMs: r.TimestampMs,
		PointName:   r.PointName,
		Value:       r.Value,
		SiteName:    r.SiteName,
	}
}

// validate rejects a sample the encoder must not coerce.
// Upstream is contractually required to pre-filter null/NaN values;
// finding one here is an error, not a row to skip.
func validate(i int, s *types.Sample) error {
	if s.PointName == "" {
		return errors.Wrapf(errors.ErrMissingField, "sample %d: point_name", i)
	}
	if s.SiteName == "" {
		return errors.Wrapf(errors.ErrMissingField, "sample %d: site_name", i)
	}
	if s.TimestampMs <= 0 {
		return errors.Wrapf(errors.ErrCodec, "sample %d: non-positive timestamp %d", i, s.TimestampMs)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return errors.Wrapf(errors.ErrCodec, "sample %d: non-finite value", i)
	}
	return nil
}

// Encode encodes samples into a compressed columnar archive.
// It fails on empty input and on any row missing identity fields or
// carrying a non-finite value.
func Encode(samples []types.Sample, opts Options) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyInput, "encode archive")
	}

	for i := range samples {
		if err := validate(i, &samples[i]); err != nil {
			return nil, err
		}
	}

	rows := make([]sampleRow, len(samples))
	for i := range samples {
		rows[i] = toRow(&samples[i])
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[sampleRow](&buf,
		parquet.Compression(getCompression(opts)),
	)

	if _, err := writer.Write(rows); err != nil {
		return nil, errors.Wrap(err, "write archive rows")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "finalize archive")
	}

	return buf.Bytes(), nil
}

// Decode decodes an archive back into samples. The blob must begin with
// the archive format marker; anything else is rejected before parsing.
func Decode(data []byte) ([]types.Sample, error) {
	if err := CheckMarker(data); err != nil {
		return nil, err
	}

	rows, err := parquet.Read[sampleRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "read archive rows")
	}

	samples := make([]types.Sample, len(rows))
	for i := range rows {
		samples[i] = fromRow(&rows[i])
	}
	return samples, nil
}

// RowCount returns the number of rows in an archive without decoding them.
func RowCount(data []byte) (int64, error) {
	if err := CheckMarker(data); err != nil {
		return 0, err
	}

	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "open archive")
	}
	return f.NumRows(), nil
}

// CheckMarker verifies the fixed 4-byte format marker.
func CheckMarker(data []byte) error {
	if len(data) < 2*len(formatMarker) {
		return errors.Wrap(errors.ErrCodec, "archive too short")
	}
	if string(data[:len(formatMarker)]) != formatMarker {
		return errors.Wrap(errors.ErrCodec, "bad archive format marker")
	}
	return nil
}

// UncompressedSizeOf estimates the flat, uncompressed byte size of a
// sample set: 8 bytes of timestamp, 8 of value, plus both identity strings
// per row.
func UncompressedSizeOf(samples []types.Sample) int64 {
	var size int64
	for i := range samples {
		size += 16 + int64(len(samples[i].PointName)) + int64(len(samples[i].SiteName))
	}
	return size
}

// EstimateRatio computes the compression ratio from an uncompressed-size
// estimate and the actual compressed size. Returns 0 when either is
// non-positive.
func EstimateRatio(uncompressed, compressed int64) float64 {
	if uncompressed <= 0 || compressed <= 0 {
		return 0
	}
	return float64(uncompressed) / float64(compressed)
}
