// Package merge combines partial result sets from the hot and cold tiers
// into one deduplicated, time-sorted series set.
package merge

import (
	"sort"

	"github.com/coldpoint/tierstore/internal/storage/types"
)

// Merge combines up to one result set from each tier.
//
// For every series name present in either input, cold points are inserted
// first and hot points overwrite on timestamp collision: the hot tier is
// authoritative because it reflects the most recent ingestion path. Output
// series are sorted ascending by timestamp regardless of input order.
//
// When only one tier responded its series pass through unchanged, with the
// metadata marking the single source. Both inputs nil yields an empty,
// well-formed result.
func Merge(hot, cold *types.ResultSet) *types.ResultSet {
	switch {
	case hot == nil && cold == nil:
		return &types.ResultSet{
			Series:   []types.Series{},
			Metadata: types.ResultMetadata{DataSource: types.SourceHot, Sources: []string{}},
		}
	case cold == nil:
		return passthrough(hot, types.SourceHot, "hot")
	case hot == nil:
		return passthrough(cold, types.SourceCold, "cold")
	}

	names := seriesNames(cold, hot)

	merged := make([]types.Series, 0, len(names))
	var totalPoints int64

	for _, name := range names {
		byTimestamp := make(map[int64]float64)

		// Cold first, hot overwrites.
		if s := findSeries(cold, name); s != nil {
			for _, dp := range s.Data {
				byTimestamp[dp.TimestampMs] = dp.Value
			}
		}
		if s := findSeries(hot, name); s != nil {
			for _, dp := range s.Data {
				byTimestamp[dp.TimestampMs] = dp.Value
			}
		}

		data := make([]types.DataPoint, 0, len(byTimestamp))
		for ts, v := range byTimestamp {
			data = append(data, types.DataPoint{TimestampMs: ts, Value: v})
		}
		sort.Slice(data, func(i, j int) bool {
			return data[i].TimestampMs < data[j].TimestampMs
		})

		totalPoints += int64(len(data))
		merged = append(merged, types.Series{Name: name, Data: data})
	}

	return &types.ResultSet{
		Series: merged,
		Metadata: types.ResultMetadata{
			DataSource:  types.SourceBoth,
			Sources:     []string{"cold", "hot"},
			TotalPoints: totalPoints,
		},
	}
}

// passthrough returns a single tier's series unchanged, with metadata set.
func passthrough(rs *types.ResultSet, src types.DataSource, tier string) *types.ResultSet {
	series := rs.Series
	if series == nil {
		series = []types.Series{}
	}

	out := &types.ResultSet{
		Series: series,
		Metadata: types.ResultMetadata{
			DataSource: src,
			Sources:    []string{tier},
		},
	}
	out.Metadata.TotalPoints = out.TotalPoints()
	return out
}

// seriesNames returns the union of series names in input order:
// all of a's names first, then b's additions.
func seriesNames(a, b *types.ResultSet) []string {
	seen := make(map[string]bool)
	var names []string

	for _, rs := range []*types.ResultSet{a, b} {
		for i := range rs.Series {
			name := rs.Series[i].Name
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// findSeries locates a series by name, or nil.
func findSeries(rs *types.ResultSet, name string) *types.Series {
	for i := range rs.Series {
		if rs.Series[i].Name == name {
			return &rs.Series[i]
		}
	}
	return nil
}

// FromSamples groups flat samples into per-point series, time-sorted, for
// handing tier reads to the merger in the uniform result shape.
func FromSamples(samples []types.Sample) *types.ResultSet {
	byName := make(map[string][]types.DataPoint)
	var order []string

	for i := range samples {
		s := &samples[i]
		if _, ok := byName[s.PointName]; !ok {
			order = append(order, s.PointName)
		}
		byName[s.PointName] = append(byName[s.PointName], types.DataPoint{
			TimestampMs: s.TimestampMs,
			Value:       s.Value,
		})
	}

	series := make([]types.Series, 0, len(order))
	var total int64
	for _, name := range order {
		data := byName[name]
		sort.Slice(data, func(i, j int) bool {
			return data[i].TimestampMs < data[j].TimestampMs
		})
		total += int64(len(data))
		series = append(series, types.Series{Name: name, Data: data})
	}

	return &types.ResultSet{
		Series:   series,
		Metadata: types.ResultMetadata{TotalPoints: total},
	}
}
