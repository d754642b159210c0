// Package ingest pulls samples from an upstream telemetry source into the
// hot tier: paginated fetch, tolerant record transform, dedup, and point
// registry upkeep.
package ingest

import (
	"context"
	"time"
)

// RawRecord is one upstream record before transformation. Upstream field
// naming is inconsistent across deployments, so records arrive as loose
// maps and the transform resolves aliases.
type RawRecord map[string]interface{}

// Page is one page of upstream records.
type Page struct {
	Records    []RawRecord
	NextCursor string
}

// Window is the upstream fetch range.
type Window struct {
	Start time.Time
	End   time.Time
}

// SourceClient is the upstream telemetry source. Implementations wrap the
// actual source API; the engine only ever sees this surface.
type SourceClient interface {
	// Sites lists the site names available upstream.
	Sites(ctx context.Context) ([]string, error)

	// FetchPage returns one page of records for a site and window.
	// An empty cursor starts from the beginning; an empty NextCursor in
	// the returned page means the window is exhausted.
	FetchPage(ctx context.Context, site string, w Window, cursor string) (Page, error)
}
