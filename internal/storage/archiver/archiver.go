// Package archiver migrates expired hot-tier samples into columnar
// archives in the cold store. One archive object covers one site-day;
// re-running over the same day merges instead of duplicating.
package archiver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/archive"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

var log = logging.Component("archiver")

// HotSource is the hot-store surface the archiver needs.
type HotSource interface {
	Sites(ctx context.Context) ([]string, error)
	ScanBefore(ctx context.Context, site string, cutoffMs int64) ([]types.Sample, error)
	DeleteBefore(ctx context.Context, site string, cutoffMs int64) (int64, error)
}

// SiteResult summarizes one site's migration pass.
type SiteResult struct {
	Site     string `json:"site"`
	Archived int64  `json:"archived"`
	Deleted  int64  `json:"deleted"`
	Files    int    `json:"files"`
	Err      error  `json:"-"`
}

// Archiver runs the hot-to-cold migration.
type Archiver struct {
	cfg      *config.Config
	hot      HotSource
	cache    *cache.Service
	boundary func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an archiver. boundary returns the current hot/cold cutoff.
func New(cfg *config.Config, hot HotSource, cacheSvc *cache.Service, boundary func() time.Time) *Archiver {
	return &Archiver{
		cfg:      cfg,
		hot:      hot,
		cache:    cacheSvc,
		boundary: boundary,
	}
}

// Start launches the periodic migration loop.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	interval := a.cfg.Archive.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				results := a.RunOnce(ctx)
				for _, r := range results {
					if r.Err != nil {
						log.Error("site migration failed", "site", r.Site, "error", r.Err)
					}
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// RunOnce migrates every site's expired samples. One site's failure never
// blocks the others.
func (a *Archiver) RunOnce(ctx context.Context) []SiteResult {
	sites, err := a.hot.Sites(ctx)
	if err != nil {
		log.Error("site listing failed", "error", err)
		return nil
	}

	results := make([]SiteResult, 0, len(sites))
	for _, site := range sites {
		results = append(results, a.archiveSite(ctx, site))
	}
	return results
}

// archiveSite writes one site's expired samples into per-day archive
// objects, then removes them from the hot tier. Deletion happens only
// after every day's object is durably stored, so a failure mid-pass
// leaves the hot data intact for the next run.
func (a *Archiver) archiveSite(ctx context.Context, site string) SiteResult {
	res := SiteResult{Site: site}
	cutoff := a.boundary().UnixMilli()

	samples, err := a.hot.ScanBefore(ctx, site, cutoff)
	if err != nil {
		res.Err = err
		return res
	}
	if len(samples) == 0 {
		return res
	}

	for day, batch := range groupByDay(samples) {
		if err := a.storeDay(ctx, site, day, batch); err != nil {
			res.Err = errors.Wrapf(err, "archive %s/%s", site, day.Format("2006-01-02"))
			return res
		}
		res.Files++
		res.Archived += int64(len(batch))
	}

	deleted, err := a.hot.DeleteBefore(ctx, site, cutoff)
	if err != nil {
		res.Err = errors.Wrap(err, "prune hot tier")
		return res
	}
	res.Deleted = deleted

	log.Info("site migrated",
		"site", site,
		"archived", res.Archived,
		"files", res.Files,
		"deleted", deleted)
	return res
}

// storeDay merges a day's batch into its archive object. The key depends
// only on (site, day), so re-archiving a day reads the existing object
// and folds the new samples in, last writer wins per sample key.
func (a *Archiver) storeDay(ctx context.Context, site string, day time.Time, batch []types.Sample) error {
	key, err := dayKey(site, day)
	if err != nil {
		return err
	}

	existing, err := a.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		prior, err := archive.Decode(existing)
		if err != nil {
			return errors.Wrap(err, "decode existing archive")
		}
		batch = mergeSamples(prior, batch)
	}

	opts := archive.Options{
		Compression:      archive.ParseCompressionType(a.cfg.Archive.Compression),
		CompressionLevel: a.cfg.Archive.Level,
	}
	payload, err := archive.Encode(batch, opts)
	if err != nil {
		return err
	}

	meta := cache.Metadata{
		SamplesCount:     int64(len(batch)),
		UncompressedSize: archive.UncompressedSizeOf(batch),
		UploadedAt:       time.Now().UTC(),
	}
	return a.cache.Put(ctx, key, payload, meta)
}

// dayKey builds the archive object key for one site-day.
func dayKey(site string, day time.Time) (string, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	return cachekey.Generate(cachekey.Params{
		Tier:  cachekey.TierArchive,
		Site:  site,
		Start: start,
		End:   start.Add(24*time.Hour - time.Millisecond),
		Ext:   cachekey.ExtParquet,
	})
}

// groupByDay buckets samples by their UTC calendar day.
func groupByDay(samples []types.Sample) map[time.Time][]types.Sample {
	days := make(map[time.Time][]types.Sample)
	for i := range samples {
		day := time.UnixMilli(samples[i].TimestampMs).UTC().Truncate(24 * time.Hour)
		days[day] = append(days[day], samples[i])
	}
	return days
}

// mergeSamples folds two batches, new samples overwriting prior ones at
// the same (site, point, timestamp), sorted by point then time.
func mergeSamples(prior, fresh []types.Sample) []types.Sample {
	byKey := make(map[string]types.Sample, len(prior)+len(fresh))
	for i := range prior {
		byKey[prior[i].Key()] = prior[i]
	}
	for i := range fresh {
		byKey[fresh[i].Key()] = fresh[i]
	}

	out := make([]types.Sample, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointName != out[j].PointName {
			return out[i].PointName < out[j].PointName
		}
		return out[i].TimestampMs < out[j].TimestampMs
	})
	return out
}
