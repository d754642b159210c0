package types

// DataSource names the tier(s) that produced a result set.
type DataSource string

const (
	SourceHot  DataSource = "HOT"
	SourceCold DataSource = "COLD"
	SourceBoth DataSource = "BOTH"
)

// DataPoint is one [timestamp, value] pair in a served series.
type DataPoint struct {
	TimestampMs int64
	Value       float64
}

// Series is a named, time-sorted sequence of data points.
type Series struct {
	Name string
	Data []DataPoint
}

// ResultMetadata describes where a result set came from.
type ResultMetadata struct {
	// DataSource is HOT, COLD, or BOTH.
	DataSource DataSource

	// Sources lists the tier names that contributed.
	Sources []string

	// TotalPoints is the sum of unique timestamps across all series.
	TotalPoints int64
}

// ResultSet is the uniform result shape returned by every tier and by the
// merger, so cascaded retrieval strategies compose without special cases.
type ResultSet struct {
	Series   []Series
	Metadata ResultMetadata
}

// TotalPoints counts the data points across all series.
func (r *ResultSet) TotalPoints() int64 {
	var n int64
	for i := range r.Series {
		n += int64(len(r.Series[i].Data))
	}
	return n
}

// IsEmpty reports whether the result set carries no data.
func (r *ResultSet) IsEmpty() bool {
	return r == nil || r.TotalPoints() == 0
}
