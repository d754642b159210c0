// Package hotstore provides the low-latency hot tier for recent samples.
//
// The engine treats the hot tier as a collaborator exposing point-in-range
// reads and batch upserts. The default implementation is an embedded
// BadgerDB keyed so that one (site, point) series occupies a contiguous
// key range in timestamp order.
package hotstore

import (
	"context"

	"github.com/coldpoint/tierstore/internal/storage/types"
)

// Store is the hot-tier collaborator surface.
type Store interface {
	// UpsertBatch writes samples, overwriting any existing value at the
	// same (site, point, timestamp) key.
	UpsertBatch(ctx context.Context, samples []types.Sample) error

	// QueryRange returns samples for the given points within the range,
	// per point in ascending timestamp order.
	QueryRange(ctx context.Context, site string, points []string, tr types.TimeRange) ([]types.Sample, error)

	// DeleteBefore removes samples older than the cutoff, returning the
	// number deleted. Run after archival migrates data cold.
	DeleteBefore(ctx context.Context, site string, cutoffMs int64) (int64, error)

	// Close releases the store.
	Close() error
}
