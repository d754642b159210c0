package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/types"
	"github.com/coldpoint/tierstore/internal/validation"
)

var log = logging.Component("ingest")

// Sink is the storage surface the ingest pipeline writes to.
type Sink interface {
	UpsertBatch(ctx context.Context, samples []types.Sample) error
	UpsertPoints(ctx context.Context, points []types.Point) error
}

// SiteSummary reports one site's sync outcome.
type SiteSummary struct {
	Site         string `json:"site"`
	Fetched      int    `json:"fetched"`
	Inserted     int    `json:"inserted"`
	Skipped      int    `json:"skipped"`
	UniquePoints int    `json:"unique_points"`
	Pages        int    `json:"pages"`
	Error        string `json:"error,omitempty"`
}

// Service pulls upstream telemetry into the hot tier.
type Service struct {
	source SourceClient
	sink   Sink
	cfg    config.IngestConfig
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an ingest service.
func New(source SourceClient, sink Sink, cfg config.IngestConfig) *Service {
	return &Service{
		source: source,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SyncWindow syncs the trailing window for every upstream site. The
// window overlaps previous runs; upserts make the overlap harmless. One
// site's failure never aborts the others.
func (s *Service) SyncWindow(ctx context.Context) ([]SiteSummary, error) {
	sites, err := s.source.Sites(ctx)
	if err != nil {
		return nil, err
	}

	end := s.now().UTC()
	w := Window{Start: end.Add(-s.cfg.SyncWindow), End: end}

	summaries := make([]SiteSummary, 0, len(sites))
	for _, site := range sites {
		summaries = append(summaries, s.syncSite(ctx, site, w, s.cfg.MaxPages))
	}
	return summaries, nil
}

// Backfill syncs an explicit historical range for one site, with the
// higher backfill page cap.
func (s *Service) Backfill(ctx context.Context, site string, start, end time.Time) (SiteSummary, error) {
	w := Window{Start: start.UTC(), End: end.UTC()}
	summary := s.syncSite(ctx, site, w, s.cfg.BackfillMaxPages)
	return summary, nil
}

// syncSite pulls one site's pages, transforms and dedups each page, and
// upserts samples plus any newly seen point names. The upstream spelling
// drives the fetch; stored data carries the normalized name so every
// spelling of a site lands in one keyspace the archiver can key.
func (s *Service) syncSite(ctx context.Context, site string, w Window, maxPages int) SiteSummary {
	stored := validation.NormalizeSiteName(site)
	summary := SiteSummary{Site: stored}

	if err := validation.ValidateSiteName(stored); err != nil {
		summary.Error = err.Error()
		log.Error("site name rejected", "site", site, "error", err)
		return summary
	}

	seenPoints := make(map[string]bool)
	cursor := ""

	for summary.Pages < maxPages {
		if err := ctx.Err(); err != nil {
			summary.Error = err.Error()
			return summary
		}

		page, err := s.source.FetchPage(ctx, site, w, cursor)
		if err != nil {
			summary.Error = err.Error()
			log.Error("page fetch failed",
				"site", site, "page", summary.Pages, "error", err)
			return summary
		}
		summary.Pages++

		if len(page.Records) == 0 {
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
			continue
		}
		summary.Fetched += len(page.Records)

		res := Transform(stored, page.Records)
		summary.Skipped += res.Skipped
		samples := Dedup(res.Samples)

		if fresh := s.newPoints(stored, samples, seenPoints); len(fresh) > 0 {
			if err := s.sink.UpsertPoints(ctx, fresh); err != nil {
				summary.Error = err.Error()
				return summary
			}
		}

		if err := s.upsert(ctx, samples); err != nil {
			summary.Error = err.Error()
			return summary
		}
		summary.Inserted += len(samples)

		if summary.Pages%10 == 0 {
			log.Info("sync progress",
				"site", site,
				"pages", summary.Pages,
				"fetched", summary.Fetched,
				"inserted", summary.Inserted)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	summary.UniquePoints = len(seenPoints)
	if summary.Skipped > 0 {
		log.Warn("skipped invalid records", "site", site, "skipped", summary.Skipped)
	}
	log.Info("site sync finished",
		"site", site,
		"fetched", summary.Fetched,
		"inserted", summary.Inserted,
		"unique_points", summary.UniquePoints,
		"pages", summary.Pages)
	return summary
}

// newPoints returns registry records for point names not seen earlier in
// this sync.
func (s *Service) newPoints(site string, samples []types.Sample, seen map[string]bool) []types.Point {
	var fresh []types.Point
	for _, name := range UniquePoints(samples) {
		if seen[name] {
			continue
		}
		seen[name] = true
		fresh = append(fresh, types.Point{
			Name:     name,
			SiteName: site,
		})
	}
	return fresh
}

// upsert writes samples in bounded batches.
func (s *Service) upsert(ctx context.Context, samples []types.Sample) error {
	batchSize := s.cfg.UpsertBatchSize
	if batchSize <= 0 {
		batchSize = len(samples)
	}

	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := s.sink.UpsertBatch(ctx, samples[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the continuous sync loop. Each tick pulls the trailing
// window for every upstream site.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summaries, err := s.SyncWindow(ctx)
				if err != nil {
					log.Error("sync run failed", "error", err)
					continue
				}
				for _, sum := range summaries {
					if sum.Error != "" {
						log.Error("site sync failed", "site", sum.Site, "error", sum.Error)
					}
				}
			}
		}
	}()
}

// Stop halts the continuous sync loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
