package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

// fakeSource serves canned pages per site.
type fakeSource struct {
	sites    []string
	pages    map[string][]Page
	sitesErr error
	fetchErr map[string]error

	mu      sync.Mutex
	fetches int
}

func (f *fakeSource) Sites(ctx context.Context) ([]string, error) {
	if f.sitesErr != nil {
		return nil, f.sitesErr
	}
	return f.sites, nil
}

func (f *fakeSource) FetchPage(ctx context.Context, site string, w Window, cursor string) (Page, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()

	if err := f.fetchErr[site]; err != nil {
		return Page{}, err
	}

	pages := f.pages[site]
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "p%d", &idx)
	}
	if idx >= len(pages) {
		return Page{}, nil
	}
	return pages[idx], nil
}

// memSink records everything upserted.
type memSink struct {
	mu      sync.Mutex
	samples []types.Sample
	points  []types.Point
	batches int
	err     error
}

func (m *memSink) UpsertBatch(ctx context.Context, samples []types.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.samples = append(m.samples, samples...)
	m.batches++
	return nil
}

func (m *memSink) UpsertPoints(ctx context.Context, points []types.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, points...)
	return nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		PageSize:         100,
		UpsertBatchSize:  2,
		SyncWindow:       10 * time.Minute,
		MaxPages:         50,
		BackfillMaxPages: 100,
	}
}

func rec(name string, tsMs int64, value float64) RawRecord {
	return RawRecord{"name": name, "time": tsMs, "value": value}
}

func TestSyncWindowSingleSite(t *testing.T) {
	source := &fakeSource{
		sites: []string{"hq"},
		pages: map[string][]Page{
			"hq": {
				{
					Records:    []RawRecord{rec("ahu-1/temp", 1000, 1), rec("ahu-2/temp", 1500, 2)},
					NextCursor: "p1",
				},
				{
					Records: []RawRecord{rec("ahu-1/temp", 2000, 3), {"time": int64(9), "value": 1.0}},
				},
			},
		},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig())

	summaries, err := svc.SyncWindow(context.Background())
	if err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}

	sum := summaries[0]
	if sum.Site != "hq" || sum.Error != "" {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Fetched != 4 || sum.Inserted != 3 || sum.Skipped != 1 {
		t.Errorf("summary = %+v, want 4 fetched, 3 inserted, 1 skipped", sum)
	}
	if sum.Pages != 2 {
		t.Errorf("pages = %d, want 2", sum.Pages)
	}
	if sum.UniquePoints != 2 {
		t.Errorf("unique points = %d, want 2", sum.UniquePoints)
	}

	if len(sink.samples) != 3 {
		t.Errorf("sink samples = %d, want 3", len(sink.samples))
	}
	if len(sink.points) != 2 {
		t.Errorf("registry points = %d, want 2 (each name once)", len(sink.points))
	}
}

func TestSyncWindowNormalizesSiteNames(t *testing.T) {
	// The upstream spelling keys the fetch; stored samples and registry
	// entries carry the lowercase form the archive keyspace accepts.
	source := &fakeSource{
		sites: []string{"HQ-Tower"},
		pages: map[string][]Page{
			"HQ-Tower": {{Records: []RawRecord{rec("ahu-1/temp", 1000, 1)}}},
		},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig())

	summaries, err := svc.SyncWindow(context.Background())
	if err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Error != "" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if summaries[0].Site != "hq-tower" {
		t.Errorf("summary site = %q, want hq-tower", summaries[0].Site)
	}
	if len(sink.samples) != 1 || sink.samples[0].SiteName != "hq-tower" {
		t.Errorf("stored samples = %+v, want site hq-tower", sink.samples)
	}
	if len(sink.points) != 1 || sink.points[0].SiteName != "hq-tower" {
		t.Errorf("registry points = %+v, want site hq-tower", sink.points)
	}
}

func TestSyncWindowRejectsUnrepresentableSite(t *testing.T) {
	source := &fakeSource{
		sites: []string{"büro/1", "hq"},
		pages: map[string][]Page{
			"hq": {{Records: []RawRecord{rec("temp", 1000, 1)}}},
		},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig())

	summaries, err := svc.SyncWindow(context.Background())
	if err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	if summaries[0].Error == "" {
		t.Error("unrepresentable site produced no error")
	}
	if summaries[0].Fetched != 0 {
		t.Errorf("rejected site fetched %d records", summaries[0].Fetched)
	}
	if summaries[1].Site != "hq" || summaries[1].Error != "" {
		t.Errorf("healthy site summary = %+v", summaries[1])
	}
	if len(sink.samples) != 1 {
		t.Errorf("sink samples = %d, want 1 from the healthy site", len(sink.samples))
	}
}

func TestSyncWindowIsolatesSiteFailures(t *testing.T) {
	source := &fakeSource{
		sites: []string{"broken", "hq"},
		pages: map[string][]Page{
			"hq": {{Records: []RawRecord{rec("temp", 1000, 1)}}},
		},
		fetchErr: map[string]error{"broken": fmt.Errorf("upstream exploded")},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig())

	summaries, err := svc.SyncWindow(context.Background())
	if err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	if summaries[0].Error == "" {
		t.Error("broken site reported no error")
	}
	if summaries[1].Error != "" || summaries[1].Inserted != 1 {
		t.Errorf("healthy site = %+v, want it synced despite the other's failure", summaries[1])
	}
}

func TestSyncRespectsPageCap(t *testing.T) {
	// Every page points to another page; only the cap stops the walk.
	pages := make([]Page, 10)
	for i := range pages {
		pages[i] = Page{
			Records:    []RawRecord{rec("temp", int64(1000+i), float64(i))},
			NextCursor: fmt.Sprintf("p%d", i+1),
		}
	}
	source := &fakeSource{sites: []string{"hq"}, pages: map[string][]Page{"hq": pages}}
	sink := &memSink{}

	cfg := testIngestConfig()
	cfg.MaxPages = 3
	svc := New(source, sink, cfg)

	summaries, err := svc.SyncWindow(context.Background())
	if err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if summaries[0].Pages != 3 {
		t.Errorf("pages = %d, want capped at 3", summaries[0].Pages)
	}
	if summaries[0].Inserted != 3 {
		t.Errorf("inserted = %d, want 3", summaries[0].Inserted)
	}
}

func TestBackfill(t *testing.T) {
	source := &fakeSource{
		sites: []string{"hq"},
		pages: map[string][]Page{
			"hq": {{Records: []RawRecord{
				rec("temp", 1000, 1),
				rec("temp", 2000, 2),
				rec("temp", 1000, 9), // duplicate key, last wins
			}}},
		},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig())

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	sum, err := svc.Backfill(context.Background(), "hq", start, end)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if sum.Fetched != 3 || sum.Inserted != 2 {
		t.Errorf("summary = %+v, want dedup to drop one record", sum)
	}

	for _, s := range sink.samples {
		if s.TimestampMs == 1000 && s.Value != 9 {
			t.Errorf("duplicate resolution kept value %v, want 9", s.Value)
		}
	}
}

func TestUpsertBatching(t *testing.T) {
	source := &fakeSource{
		sites: []string{"hq"},
		pages: map[string][]Page{
			"hq": {{Records: []RawRecord{
				rec("temp", 1000, 1),
				rec("temp", 2000, 2),
				rec("temp", 3000, 3),
				rec("temp", 4000, 4),
				rec("temp", 5000, 5),
			}}},
		},
	}
	sink := &memSink{}
	svc := New(source, sink, testIngestConfig()) // batch size 2

	if _, err := svc.SyncWindow(context.Background()); err != nil {
		t.Fatalf("SyncWindow: %v", err)
	}
	if sink.batches != 3 {
		t.Errorf("batches = %d, want 3 for 5 samples at batch size 2", sink.batches)
	}
	if len(sink.samples) != 5 {
		t.Errorf("samples = %d, want 5", len(sink.samples))
	}
}

func TestStartStop(t *testing.T) {
	source := &fakeSource{
		sites: []string{"hq"},
		pages: map[string][]Page{
			"hq": {{Records: []RawRecord{rec("temp", 1000, 1)}}},
		},
	}
	sink := &memSink{}

	cfg := testIngestConfig()
	cfg.SyncInterval = 5 * time.Millisecond
	svc := New(source, sink, cfg)

	svc.Start(context.Background())
	// Start is idempotent.
	svc.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		source.mu.Lock()
		n := source.fetches
		source.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()
	// Stop is idempotent.
	svc.Stop()

	source.mu.Lock()
	n := source.fetches
	source.mu.Unlock()
	if n < 2 {
		t.Errorf("fetches = %d, want the sync loop to have run", n)
	}
}
