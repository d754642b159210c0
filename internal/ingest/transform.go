package ingest

import (
	"math"
	"strconv"
	"time"

	"github.com/coldpoint/tierstore/internal/storage/types"
)

// fieldAliases maps the canonical sample fields to the names upstream
// deployments have been observed using.
var (
	nameAliases  = []string{"name", "point", "point_name"}
	timeAliases  = []string{"time", "timestamp", "ts"}
	valueAliases = []string{"value", "val"}
	unitAliases  = []string{"unit", "units"}
)

// TransformResult summarizes one transform pass.
type TransformResult struct {
	Samples []types.Sample
	Skipped int
}

// Transform converts raw upstream records into samples for the given
// site. Records missing a usable name, timestamp, or finite numeric
// value are skipped, never fatal: one bad record never poisons a page.
func Transform(site string, records []RawRecord) TransformResult {
	var res TransformResult
	for _, rec := range records {
		name := firstString(rec, nameAliases)
		if name == "" {
			res.Skipped++
			continue
		}

		tsMs, ok := parseTimestamp(firstValue(rec, timeAliases))
		if !ok {
			res.Skipped++
			continue
		}

		value, ok := parseValue(firstValue(rec, valueAliases))
		if !ok {
			res.Skipped++
			continue
		}

		res.Samples = append(res.Samples, types.Sample{
			SiteName:    site,
			PointName:   name,
			TimestampMs: tsMs,
			Value:       value,
			Unit:        firstString(rec, unitAliases),
		})
	}
	return res
}

// Dedup removes duplicate samples by (point, timestamp), last wins, so a
// re-fetched overlap window upserts cleanly.
func Dedup(samples []types.Sample) []types.Sample {
	seen := make(map[string]int, len(samples))
	out := samples[:0]

	for i := range samples {
		key := samples[i].Key()
		if idx, ok := seen[key]; ok {
			out[idx] = samples[i]
			continue
		}
		seen[key] = len(out)
		out = append(out, samples[i])
	}
	return out
}

// UniquePoints collects the distinct point names in a batch, in first-seen
// order.
func UniquePoints(samples []types.Sample) []string {
	seen := make(map[string]bool)
	var names []string
	for i := range samples {
		if !seen[samples[i].PointName] {
			seen[samples[i].PointName] = true
			names = append(names, samples[i].PointName)
		}
	}
	return names
}

func firstValue(rec RawRecord, aliases []string) interface{} {
	for _, a := range aliases {
		if v, ok := rec[a]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(rec RawRecord, aliases []string) string {
	if v, ok := firstValue(rec, aliases).(string); ok {
		return v
	}
	return ""
}

// parseTimestamp accepts unix milliseconds (any numeric type) or an
// RFC 3339 string.
func parseTimestamp(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, t > 0
	case int:
		return int64(t), t > 0
	case float64:
		return int64(t), t > 0
	case string:
		if t == "" {
			return 0, false
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	default:
		return 0, false
	}
}

// parseValue accepts numeric types or a numeric string, rejecting NaN and
// infinities.
func parseValue(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
