// Package router classifies queries against the hot/cold boundary and
// picks a retrieval strategy with a latency estimate.
package router

import (
	"fmt"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

// Query is the router input.
type Query struct {
	Site   string
	Points []string
	Range  types.TimeRange
}

// Router computes query plans. It is stateless and safe for concurrent use;
// the only moving part is the clock, injectable for tests.
type Router struct {
	cfg config.TieringConfig
	now func() time.Time
}

// New creates a router with the given tiering configuration.
func New(cfg config.TieringConfig) *Router {
	return &Router{cfg: cfg, now: time.Now}
}

// NewWithClock creates a router with a fixed clock, for tests.
func NewWithClock(cfg config.TieringConfig, now func() time.Time) *Router {
	return &Router{cfg: cfg, now: now}
}

// Boundary returns the current hot/cold boundary.
func (r *Router) Boundary() time.Time {
	return types.HotBoundary(r.now(), r.cfg.HotWindow)
}

// Plan classifies the query's range against the boundary and estimates the
// cost of each strategy. An empty point set is valid and yields a plan with
// near-zero cost; strategy selection is independent of point count.
func (r *Router) Plan(q Query) types.QueryPlan {
	boundary := r.Boundary()

	switch q.Range.Classify(boundary) {
	case types.RangeHot:
		return types.QueryPlan{
			Strategy:           types.StrategyHotOnly,
			UseHot:             true,
			EstimatedLatencyMs: r.hotCost(len(q.Points), q.Range),
			Rationale:          "range is entirely within hot storage window",
		}

	case types.RangeCold:
		return types.QueryPlan{
			Strategy:           types.StrategyColdOnly,
			UseCold:            true,
			EstimatedLatencyMs: r.coldCost(q.Range),
			Rationale: fmt.Sprintf("range ends before hot boundary %s; served from archives",
				boundary.UTC().Format(time.RFC3339)),
		}

	default:
		cold, hot := q.Range.SplitAt(boundary)
		split := boundary
		return types.QueryPlan{
			Strategy:           types.StrategySplit,
			UseHot:             true,
			UseCold:            true,
			SplitPoint:         &split,
			EstimatedLatencyMs: r.hotCost(len(q.Points), hot) + r.coldCost(cold),
			Rationale: fmt.Sprintf("range straddles hot boundary %s; split into cold and hot sub-queries",
				boundary.UTC().Format(time.RFC3339)),
		}
	}
}

// hotCost models a hot-tier read: a fixed round trip plus a per-expected-
// sample cost. Expected samples = points * minutes * sampling density.
func (r *Router) hotCost(pointCount int, tr types.TimeRange) int64 {
	expected := float64(pointCount) * float64(tr.Minutes()) * r.cfg.SamplesPerMinute
	cost := r.cfg.HotBaseLatencyMs + int64(expected*float64(r.cfg.HotPerSampleCostUs)/1000.0)
	return cost
}

// coldCost models a cold-tier read at archive-file granularity: archives
// are laid out one file per site-month, so the dominant cost is files
// touched, not rows.
func (r *Router) coldCost(tr types.TimeRange) int64 {
	return r.cfg.ColdBaseLatencyMs + tr.MonthsTouched()*r.cfg.ColdPerFileCostMs
}

// EstimatedSize is the background-job size heuristic:
// pointCount * rangeDays * samplesPerDayPerPoint.
func EstimatedSize(pointCount int, tr types.TimeRange, samplesPerDayPerPoint int64) int64 {
	return int64(pointCount) * tr.Days() * samplesPerDayPerPoint
}
