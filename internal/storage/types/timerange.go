package types

import (
	"fmt"
	"time"
)

// TimeRange is a half-open-agnostic [Start, End] query window.
// Start must not be after End.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange builds a validated time range.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if end.Before(start) {
		return TimeRange{}, fmt.Errorf("time range end %s precedes start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return TimeRange{Start: start, End: end}, nil
}

// Duration returns the span of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Minutes returns the span in whole minutes, at least 1 for non-empty ranges.
func (r TimeRange) Minutes() int64 {
	m := int64(r.Duration() / time.Minute)
	if m < 1 && r.Duration() > 0 {
		return 1
	}
	return m
}

// Days returns the span in days, rounded up.
func (r TimeRange) Days() int64 {
	d := r.Duration()
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// RangeClass classifies a range against the hot/cold boundary.
type RangeClass int

const (
	// RangeHot means the whole range is within the hot window.
	RangeHot RangeClass = iota
	// RangeCold means the whole range predates the boundary.
	RangeCold
	// RangeSpan means the range straddles the boundary.
	RangeSpan
)

// String returns a human-readable representation of the class.
func (c RangeClass) String() string {
	switch c {
	case RangeHot:
		return "hot"
	case RangeCold:
		return "cold"
	case RangeSpan:
		return "span"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Classify compares the range against a hot/cold boundary.
// A range is entirely hot if Start >= boundary, entirely cold if
// End < boundary, and spans otherwise.
func (r TimeRange) Classify(boundary time.Time) RangeClass {
	if !r.Start.Before(boundary) {
		return RangeHot
	}
	if r.End.Before(boundary) {
		return RangeCold
	}
	return RangeSpan
}

// SplitAt divides the range at the boundary into a cold part
// [Start, boundary) and a hot part [boundary, End].
func (r TimeRange) SplitAt(boundary time.Time) (cold, hot TimeRange) {
	cold = TimeRange{Start: r.Start, End: boundary}
	hot = TimeRange{Start: boundary, End: r.End}
	return cold, hot
}

// MonthsTouched counts the distinct calendar months the range overlaps.
// Cold archives are laid out one file per site-month, so this drives the
// cold-tier cost model.
func (r TimeRange) MonthsTouched() int64 {
	start := r.Start.UTC()
	end := r.End.UTC()

	months := int64(end.Year()-start.Year())*12 + int64(end.Month()-start.Month()) + 1
	if months < 1 {
		months = 1
	}
	return months
}

// HotBoundary returns the hot/cold boundary for the given window,
// anchored at now.
func HotBoundary(now time.Time, hotWindow time.Duration) time.Time {
	return now.Add(-hotWindow)
}
