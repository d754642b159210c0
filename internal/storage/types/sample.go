package types

import (
	"math"
	"time"
)

// Sample represents a single building-telemetry measurement.
// This is the primary data unit flowing through the storage system.
type Sample struct {
	// Identity
	SiteName  string // Building or campus (e.g., "hq-tower")
	PointName string // Sensor point (e.g., "ahu-1/supply-temp")

	// Timestamp
	TimestampMs int64 // Unix timestamp in milliseconds

	// Value
	Value float64

	// Unit is an optional engineering unit (e.g., "degF", "kWh").
	Unit string
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Key returns the natural dedup key for this sample.
// At most one authoritative value exists per key in a served result.
func (s *Sample) Key() string {
	return s.SiteName + "/" + s.PointName + "/" + s.TimestampTime().UTC().Format(time.RFC3339Nano)
}

// IsValid reports whether the sample carries a complete identity and a
// finite value. NaN and infinite values never enter the archive.
func (s *Sample) IsValid() bool {
	if s.SiteName == "" || s.PointName == "" {
		return false
	}
	if s.TimestampMs <= 0 {
		return false
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return false
	}
	return true
}

// SampleBatch represents a collection of samples for batch processing.
type SampleBatch struct {
	Samples []Sample
}

// NewSampleBatch creates a new batch with the given capacity.
func NewSampleBatch(capacity int) *SampleBatch {
	return &SampleBatch{
		Samples: make([]Sample, 0, capacity),
	}
}

// Add appends a sample to the batch.
func (b *SampleBatch) Add(s Sample) {
	b.Samples = append(b.Samples, s)
}

// Len returns the number of samples in the batch.
func (b *SampleBatch) Len() int {
	return len(b.Samples)
}

// Clear resets the batch for reuse.
func (b *SampleBatch) Clear() {
	b.Samples = b.Samples[:0]
}

// Point is an opaque enrichment record consumed from the point-metadata
// collaborator. The engine never recomputes DisplayName and always issues
// tier reads using Name.
type Point struct {
	Name        string
	DisplayName string
	SiteName    string
	Unit        string
}
