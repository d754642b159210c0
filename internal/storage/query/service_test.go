package query

import (
	"context"
	"testing"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/archive"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/coldstore"
	"github.com/coldpoint/tierstore/internal/storage/hotstore"
	"github.com/coldpoint/tierstore/internal/storage/router"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

func newTestService(t *testing.T) (*Service, *hotstore.BadgerStore, *cache.Service) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	hot, err := hotstore.OpenBadger(hotstore.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { hot.Close() })

	cold, err := coldstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	cacheSvc, err := cache.New(cold, cache.DefaultOptions())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	svc, err := New(cfg, router.New(cfg.Tiering), hot, cacheSvc)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, hot, cacheSvc
}

func hotRange() types.TimeRange {
	end := time.Now().UTC()
	return types.TimeRange{Start: end.Add(-24 * time.Hour), End: end}
}

func coldRange() types.TimeRange {
	now := time.Now().UTC()
	return types.TimeRange{Start: now.AddDate(0, 0, -90), End: now.AddDate(0, 0, -60)}
}

func TestValidate(t *testing.T) {
	good := Request{Site: "hq-tower", Points: []string{"ahu-1/temp"}, Range: hotRange()}
	if err := good.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	cases := []Request{
		{Site: "", Points: nil, Range: hotRange()},
		{Site: "../etc", Points: nil, Range: hotRange()},
		{Site: "hq", Points: []string{"bad name"}, Range: hotRange()},
		{Site: "hq", Points: nil, Range: types.TimeRange{}},
	}
	for i, req := range cases {
		err := req.Validate()
		if err == nil {
			t.Errorf("case %d accepted", i)
			continue
		}
		if !errors.IsUserError(err) {
			t.Errorf("case %d: err = %v, want a user error", i, err)
		}
	}
}

func TestExecuteHotOnly(t *testing.T) {
	svc, hot, _ := newTestService(t)
	ctx := context.Background()

	tr := hotRange()
	base := tr.Start.Add(time.Hour).UnixMilli()
	if err := hot.UpsertBatch(ctx, []types.Sample{
		{SiteName: "hq", PointName: "ahu-1/temp", TimestampMs: base, Value: 20.0},
		{SiteName: "hq", PointName: "ahu-1/temp", TimestampMs: base + 60_000, Value: 20.5},
		{SiteName: "hq", PointName: "ahu-2/temp", TimestampMs: base, Value: 19.0},
	}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	req := Request{Site: "hq", Points: []string{"ahu-1/temp", "ahu-2/temp"}, Range: tr}
	if plan := svc.Plan(req); plan.Strategy != types.StrategyHotOnly {
		t.Fatalf("strategy = %s, want HOT_ONLY", plan.Strategy)
	}

	result, err := svc.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Metadata.TotalPoints != 3 {
		t.Errorf("total points = %d, want 3", result.Metadata.TotalPoints)
	}
	if len(result.Series) != 2 {
		t.Errorf("series = %d, want 2", len(result.Series))
	}
	if result.Metadata.DataSource != types.SourceHot {
		t.Errorf("source = %s, want hot", result.Metadata.DataSource)
	}

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 || stats.RowsReturned != 3 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecuteColdOnlyFromArchive(t *testing.T) {
	svc, _, cacheSvc := newTestService(t)
	ctx := context.Background()

	// Samples sit relative to the query start so they land inside the
	// range no matter what time of day the test runs.
	tr := coldRange()
	archived := []types.Sample{
		{SiteName: "hq", PointName: "temp", TimestampMs: tr.Start.Add(1 * time.Hour).UnixMilli(), Value: 1.0},
		{SiteName: "hq", PointName: "temp", TimestampMs: tr.Start.Add(2 * time.Hour).UnixMilli(), Value: 2.0},
		{SiteName: "hq", PointName: "other", TimestampMs: tr.Start.Add(1 * time.Hour).UnixMilli(), Value: 9.0},
	}
	day := time.UnixMilli(archived[0].TimestampMs).UTC().Truncate(24 * time.Hour)
	storeArchiveDay(t, cacheSvc, "hq", day, archived)

	req := Request{Site: "hq", Points: []string{"temp"}, Range: tr}
	if plan := svc.Plan(req); plan.Strategy != types.StrategyColdOnly {
		t.Fatalf("strategy = %s, want COLD_ONLY", plan.Strategy)
	}

	result, err := svc.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Only the requested point comes back.
	if result.Metadata.TotalPoints != 2 {
		t.Errorf("total points = %d, want 2", result.Metadata.TotalPoints)
	}
	if len(result.Series) != 1 || result.Series[0].Name != "temp" {
		t.Errorf("series = %+v, want just temp", result.Series)
	}

	// The scan result was written back under the query key.
	stats := svc.Stats()
	if stats.CacheMisses == 0 {
		t.Error("first cold read recorded no cache miss")
	}

	// A repeat of the same query is served from the cache.
	if _, err := svc.Execute(ctx, req); err != nil {
		t.Fatalf("repeat Execute: %v", err)
	}
	if after := svc.Stats(); after.CacheHits == 0 {
		t.Error("repeat cold read recorded no cache hit")
	}
}

func TestExecuteColdOnlyEmptyArchive(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := Request{Site: "hq", Points: []string{"temp"}, Range: coldRange()}
	result, err := svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute on empty archive: %v", err)
	}
	if result.Metadata.TotalPoints != 0 {
		t.Errorf("total points = %d, want 0", result.Metadata.TotalPoints)
	}
}

func TestExecuteSplitMergesTiers(t *testing.T) {
	svc, hot, cacheSvc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tr := types.TimeRange{Start: now.AddDate(0, 0, -45), End: now}

	// Hot side: one recent sample.
	hotTs := now.Add(-time.Hour).UnixMilli()
	if err := hot.UpsertBatch(ctx, []types.Sample{
		{SiteName: "hq", PointName: "temp", TimestampMs: hotTs, Value: 21.0},
	}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	// Cold side: one archived sample well past the boundary.
	day := now.AddDate(0, 0, -40).Truncate(24 * time.Hour)
	coldTs := day.Add(time.Hour).UnixMilli()
	storeArchiveDay(t, cacheSvc, "hq", day, []types.Sample{
		{SiteName: "hq", PointName: "temp", TimestampMs: coldTs, Value: 18.0},
	})

	req := Request{Site: "hq", Points: []string{"temp"}, Range: tr}
	plan := svc.Plan(req)
	if plan.Strategy != types.StrategySplit {
		t.Fatalf("strategy = %s, want SPLIT", plan.Strategy)
	}

	result, err := svc.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Metadata.TotalPoints != 2 {
		t.Fatalf("total points = %d, want one from each tier", result.Metadata.TotalPoints)
	}
	if result.Metadata.DataSource != types.SourceBoth {
		t.Errorf("source = %s, want both", result.Metadata.DataSource)
	}
	data := result.Series[0].Data
	if data[0].TimestampMs != coldTs || data[1].TimestampMs != hotTs {
		t.Errorf("merged data = %+v, want time order across tiers", data)
	}
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Execute(context.Background(), Request{Site: "bad site", Range: hotRange()})
	if err == nil {
		t.Fatal("invalid request executed")
	}
	if stats := svc.Stats(); stats.Errors != 1 || stats.QueriesExecuted != 0 {
		t.Errorf("stats = %+v, want the rejection counted", stats)
	}
}

// storeArchiveDay writes samples into the archive tier the way the
// archiver lays them out: one parquet object per site-day.
func storeArchiveDay(t *testing.T, cacheSvc *cache.Service, site string, day time.Time, samples []types.Sample) {
	t.Helper()

	start := day.UTC().Truncate(24 * time.Hour)
	key, err := cachekey.Generate(cachekey.Params{
		Tier:  cachekey.TierArchive,
		Site:  site,
		Start: start,
		End:   start.Add(24*time.Hour - time.Millisecond),
		Ext:   cachekey.ExtParquet,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	payload, err := archive.Encode(samples, archive.DefaultOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	meta := cache.Metadata{
		SamplesCount: int64(len(samples)),
		UploadedAt:   time.Now().UTC(),
	}
	if err := cacheSvc.Put(context.Background(), key, payload, meta); err != nil {
		t.Fatalf("Put: %v", err)
	}
}
