package types

import (
	"fmt"
	"time"
)

// Strategy selects which tier(s) serve a query.
type Strategy int

const (
	// StrategyHotOnly serves entirely from the hot store.
	StrategyHotOnly Strategy = iota
	// StrategyColdOnly serves entirely from archived data.
	StrategyColdOnly
	// StrategySplit issues sub-queries to both tiers and merges.
	StrategySplit
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyHotOnly:
		return "HOT_ONLY"
	case StrategyColdOnly:
		return "COLD_ONLY"
	case StrategySplit:
		return "SPLIT"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// QueryPlan is the router's decision for a single query.
// Plans are computed per query and never persisted.
type QueryPlan struct {
	Strategy Strategy

	UseHot  bool
	UseCold bool

	// SplitPoint is the hot/cold boundary for SPLIT plans, nil otherwise.
	SplitPoint *time.Time

	// EstimatedLatencyMs is the cost model's latency estimate.
	EstimatedLatencyMs int64

	// Rationale is a human-readable explanation of the decision.
	Rationale string
}

// ShouldQueue reports whether the estimated cost exceeds the deferral
// threshold and the query belongs on the background queue.
func (p QueryPlan) ShouldQueue(thresholdMs int64) bool {
	return thresholdMs > 0 && p.EstimatedLatencyMs > thresholdMs
}
