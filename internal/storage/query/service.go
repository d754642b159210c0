// Package query orchestrates tiered reads: the router's plan is executed
// against the hot store and the cold archive, partial results are merged,
// and cold results are written back to the cache keyed by the query.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/singleflight"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/archive"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/hotstore"
	"github.com/coldpoint/tierstore/internal/storage/merge"
	"github.com/coldpoint/tierstore/internal/storage/router"
	"github.com/coldpoint/tierstore/internal/storage/timeout"
	"github.com/coldpoint/tierstore/internal/storage/types"
	"github.com/coldpoint/tierstore/internal/validation"
)

var log = logging.Component("query")

// Request is one tiered read.
type Request struct {
	Site   string
	Points []string
	Range  types.TimeRange
}

// Validate rejects malformed requests before any storage I/O.
func (r Request) Validate() error {
	if err := validation.ValidateSiteName(r.Site); err != nil {
		return errors.Wrap(errors.ErrInvalidQuery, err.Error())
	}
	if err := validation.ValidatePointNames(r.Points); err != nil {
		return errors.Wrap(errors.ErrInvalidQuery, err.Error())
	}
	if err := validation.ValidateTimeRange(r.Range.Start, r.Range.End); err != nil {
		return errors.Wrap(errors.ErrInvalidQuery, err.Error())
	}
	return nil
}

// Stats holds running query counters.
type Stats struct {
	QueriesExecuted int64 `json:"queries_executed"`
	RowsReturned    int64 `json:"rows_returned"`
	Errors          int64 `json:"errors"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
}

// Service executes planned queries over both tiers.
// Cold reads go through DuckDB scanning archived parquet in place, with a
// query-keyed cache in front and singleflight collapsing concurrent
// identical fetches.
type Service struct {
	cfg    *config.Config
	router *router.Router
	hot    hotstore.Store
	cache  *cache.Service
	db     *sql.DB

	flight singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New creates a query service with an in-memory DuckDB engine for cold
// parquet scans.
func New(cfg *config.Config, rt *router.Router, hot hotstore.Store, cacheSvc *cache.Service) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrap(err, "open duckdb")
	}

	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set memory limit")
		}
	}

	return &Service{
		cfg:    cfg,
		router: rt,
		hot:    hot,
		cache:  cacheSvc,
		db:     db,
	}, nil
}

// Close releases the cold query engine.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Plan returns the router's decision for a request without executing it.
func (s *Service) Plan(req Request) types.QueryPlan {
	return s.router.Plan(router.Query{
		Site:   req.Site,
		Points: req.Points,
		Range:  req.Range,
	})
}

// Execute runs a request according to its plan and returns the merged
// result set.
func (s *Service) Execute(ctx context.Context, req Request) (*types.ResultSet, error) {
	if err := req.Validate(); err != nil {
		s.recordError()
		return nil, err
	}

	plan := s.Plan(req)
	log.With(logging.ContextAttrs(ctx)...).Debug("executing query",
		"site", req.Site,
		"points", len(req.Points),
		"strategy", plan.Strategy.String(),
		"estimated_ms", plan.EstimatedLatencyMs)

	var hot, cold *types.ResultSet
	var err error

	switch plan.Strategy {
	case types.StrategyHotOnly:
		hot, err = s.fetchHot(ctx, req.Site, req.Points, req.Range)
	case types.StrategyColdOnly:
		cold, err = s.fetchCold(ctx, req.Site, req.Points, req.Range)
	case types.StrategySplit:
		coldRange, hotRange := req.Range.SplitAt(*plan.SplitPoint)
		hot, err = s.fetchHot(ctx, req.Site, req.Points, hotRange)
		if err == nil {
			cold, err = s.fetchCold(ctx, req.Site, req.Points, coldRange)
		}
	}
	if err != nil {
		s.recordError()
		return nil, err
	}

	result := merge.Merge(hot, cold)

	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += result.Metadata.TotalPoints
	s.mu.Unlock()

	return result, nil
}

// fetchHot reads the hot tier directly. No cache sits in front: hot reads
// are cheap and the data changes continuously.
func (s *Service) fetchHot(ctx context.Context, site string, points []string, tr types.TimeRange) (*types.ResultSet, error) {
	samples, err := s.hot.QueryRange(ctx, site, points, tr)
	if err != nil {
		return nil, errors.Wrap(err, "hot tier read")
	}
	return merge.FromSamples(samples), nil
}

// fetchCold serves a cold sub-query: cache lookup by query key, then a
// DuckDB scan over the site's archived parquet on miss, with the scan
// result written back to the cache. Concurrent identical misses collapse
// to one scan.
func (s *Service) fetchCold(ctx context.Context, site string, points []string, tr types.TimeRange) (*types.ResultSet, error) {
	key, err := cachekey.Generate(cachekey.Params{
		Tier:   cachekey.TierResults,
		Site:   site,
		Points: points,
		Start:  tr.Start,
		End:    tr.End,
		Ext:    cachekey.ExtParquet,
	})
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cacheLookup(ctx, key); ok {
		return cached, nil
	}

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight: the first caller may have just
		// populated the cache.
		if cached, ok := s.cacheLookup(ctx, key); ok {
			return cached, nil
		}
		return s.scanArchive(ctx, key, site, points, tr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ResultSet), nil
}

// cacheLookup returns a decoded cached result, honoring the TTL policy at
// read time.
func (s *Service) cacheLookup(ctx context.Context, key string) (*types.ResultSet, bool) {
	if s.cfg.Cache.TTL > 0 {
		meta, err := s.cache.Head(ctx, key)
		if err != nil || meta == nil || meta.Expired(time.Now(), s.cfg.Cache.TTL) {
			s.recordMiss()
			return nil, false
		}
	}

	data, err := s.cache.Get(ctx, key)
	if err != nil || data == nil {
		s.recordMiss()
		return nil, false
	}

	samples, err := archive.Decode(data)
	if err != nil {
		// A corrupt cached object is a miss, not a failure.
		log.Warn("discarding undecodable cached result", "key", key, "error", err)
		s.recordMiss()
		return nil, false
	}

	s.mu.Lock()
	s.stats.CacheHits++
	s.mu.Unlock()
	return merge.FromSamples(samples), true
}

// scanArchive runs the DuckDB scan with adaptive timeout and retry, then
// writes the result back under the query key.
func (s *Service) scanArchive(ctx context.Context, key, site string, points []string, tr types.TimeRange) (*types.ResultSet, error) {
	expectedRows := router.EstimatedSize(len(points), tr, s.cfg.Jobs.SamplesPerDayPerPoint)

	opts := timeout.RetryOptions{
		MaxAttempts: s.cfg.Jobs.MaxAttempts,
		Timeout:     timeout.Adaptive(s.cfg.Retry, expectedRows),
		Backoff:     true,
		BackoffBase: s.cfg.Retry.BackoffBase,
		BackoffCap:  s.cfg.Retry.BackoffCap,
	}

	samples, err := timeout.WithRetry(ctx, "archive scan "+site, opts,
		func(opCtx context.Context) ([]types.Sample, error) {
			return s.queryParquet(opCtx, site, points, tr)
		})
	if err != nil {
		return nil, err
	}

	s.writeBack(ctx, key, site, points, samples)
	return merge.FromSamples(samples), nil
}

// queryParquet scans the site's archive files in place.
func (s *Service) queryParquet(ctx context.Context, site string, points []string, tr types.TimeRange) ([]types.Sample, error) {
	// archive/{site}/{date}/{digest}.parquet under the cold store root.
	pattern := filepath.Join(s.cache.TierDir(cachekey.TierArchive), site, "*", "*.parquet")

	var sb strings.Builder
	sb.WriteString(`
		SELECT timestamp_ms, point_name, value, site_name
		FROM read_parquet($1)
		WHERE site_name = $2
		  AND timestamp_ms >= $3
		  AND timestamp_ms <= $4`)

	args := []interface{}{
		pattern,
		site,
		tr.Start.UTC().UnixMilli(),
		tr.End.UTC().UnixMilli(),
	}
	if len(points) > 0 {
		placeholders := make([]string, len(points))
		for i, p := range points {
			args = append(args, p)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		sb.WriteString("\n\t\t  AND point_name IN (" + strings.Join(placeholders, ", ") + ")")
	}
	sb.WriteString("\n\t\tORDER BY point_name, timestamp_ms")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		// No archive files for the site yet: an empty tier, not a failure.
		if strings.Contains(err.Error(), "No files found") {
			return nil, nil
		}
		return nil, errors.Wrap(err, "archive scan")
	}
	defer rows.Close()

	var samples []types.Sample
	maxRows := s.cfg.Query.MaxRows
	for rows.Next() {
		var sm types.Sample
		if err := rows.Scan(&sm.TimestampMs, &sm.PointName, &sm.Value, &sm.SiteName); err != nil {
			return nil, errors.Wrap(err, "scan archive row")
		}
		samples = append(samples, sm)
		if maxRows > 0 && len(samples) >= maxRows {
			break
		}
	}
	return samples, rows.Err()
}

// writeBack stores a scan result under the query key. Failures are logged
// and swallowed: the caller already has the data.
func (s *Service) writeBack(ctx context.Context, key, site string, points []string, samples []types.Sample) {
	if len(samples) == 0 {
		return
	}

	payload, err := archive.Encode(samples, archive.DefaultOptions())
	if err != nil {
		log.Warn("result encode for cache failed", "key", key, "error", err)
		return
	}

	meta := cache.Metadata{
		PointsCount:      len(points),
		SamplesCount:     int64(len(samples)),
		UncompressedSize: archive.UncompressedSizeOf(samples),
		UploadedAt:       time.Now().UTC(),
	}
	if err := s.cache.Put(ctx, key, payload, meta); err != nil {
		log.Warn("cache write-back failed", "key", key, "error", err)
		return
	}
	log.Debug("cold result cached", "key", key, "samples", len(samples), "site", site)
}

// Stats returns a snapshot of the query counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) recordMiss() {
	s.mu.Lock()
	s.stats.CacheMisses++
	s.mu.Unlock()
}

func (s *Service) recordError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}
