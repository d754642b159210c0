package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/coldstore"
)

func testCacheService(t *testing.T) *cache.Service {
	t.Helper()
	store, err := coldstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	svc, err := cache.New(store, cache.DefaultOptions())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return svc
}

func failedJob(t *testing.T, store *Store) *Job {
	t.Helper()
	ctx := context.Background()
	j := testJob()
	if err := store.Put(ctx, j); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, j.ID, StatusProcessing, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return j
}

func TestHandleFailureStoresRecord(t *testing.T) {
	store := openTestStore(t)
	cacheSvc := testCacheService(t)
	stats := NewCollector()
	dl := NewDeadLetter(store, cacheSvc, stats)
	ctx := context.Background()

	j := failedJob(t, store)
	msg := FailureMessage{JobID: j.ID, Error: "connection refused by archive store", RetryCount: 3}

	if err := dl.HandleFailure(ctx, msg); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}

	// The job row is terminal.
	row, _ := store.Get(ctx, j.ID)
	if row.Status != StatusFailedPermanent {
		t.Errorf("status = %s, want failed_permanent", row.Status)
	}
	if row.ErrorMessage != msg.Error {
		t.Errorf("error message = %q, want %q", row.ErrorMessage, msg.Error)
	}

	// The record is durable in the dead-letter tier.
	entries, err := cacheSvc.List(ctx, cachekey.TierDeadLetter+"/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead-letter objects = %d, want 1", len(entries))
	}

	payload, err := cacheSvc.Get(ctx, entries[0].Key)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	var rec DeadLetterRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.JobID != j.ID || rec.SiteName != j.SiteName || rec.RetryCount != 3 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Classification != errors.ClassRecoverable {
		t.Errorf("classification = %s, want RECOVERABLE for a connection error", rec.Classification)
	}

	m := dl.Metrics()
	if m.Stored != 1 || m.Errors != 0 {
		t.Errorf("metrics = %+v, want 1 stored, 0 errors", m)
	}
	if m.ByClass[errors.ClassRecoverable] != 1 {
		t.Errorf("per-class counters = %v", m.ByClass)
	}
	if stats.Snapshot().Failed != 1 {
		t.Errorf("collector failed = %d, want 1", stats.Snapshot().Failed)
	}
}

func TestHandleFailureClassification(t *testing.T) {
	store := openTestStore(t)
	cacheSvc := testCacheService(t)
	dl := NewDeadLetter(store, cacheSvc, NewCollector())
	ctx := context.Background()

	cases := []struct {
		text string
		want errors.Classification
	}{
		{"query timed out after 30s", errors.ClassRecoverable},
		{"invalid point name ';drop'", errors.ClassUserError},
		{"disk quota exceeded", errors.ClassSystemError},
	}
	for _, tc := range cases {
		j := failedJob(t, store)
		msg := FailureMessage{JobID: j.ID, Error: tc.text, RetryCount: 1}
		if err := dl.HandleFailure(ctx, msg); err != nil {
			t.Fatalf("HandleFailure(%q): %v", tc.text, err)
		}
	}

	m := dl.Metrics()
	for _, tc := range cases {
		if m.ByClass[tc.want] < 1 {
			t.Errorf("no %s record counted for %q", tc.want, tc.text)
		}
	}
}

func TestHandleFailureMalformedMessage(t *testing.T) {
	store := openTestStore(t)
	dl := NewDeadLetter(store, testCacheService(t), NewCollector())

	err := dl.HandleFailure(context.Background(), FailureMessage{JobID: "", Error: ""})
	if !errors.Is(err, errors.ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
	if m := dl.Metrics(); m.Errors != 1 || m.Stored != 0 {
		t.Errorf("metrics = %+v, want the rejection counted", m)
	}
}

func TestHandleFailureUnknownJob(t *testing.T) {
	store := openTestStore(t)
	dl := NewDeadLetter(store, testCacheService(t), NewCollector())

	err := dl.HandleFailure(context.Background(),
		FailureMessage{JobID: "ghost", Error: "boom", RetryCount: 1})
	if !errors.Is(err, errors.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	store := openTestStore(t)
	cacheSvc := testCacheService(t)
	dl := NewDeadLetter(store, cacheSvc, NewCollector())
	ctx := context.Background()

	a := failedJob(t, store)
	b := failedJob(t, store)

	msgs := []FailureMessage{
		{JobID: a.ID, Error: "timeout during scan", RetryCount: 2},
		{JobID: "", Error: ""}, // malformed
		{JobID: b.ID, Error: "timeout during scan", RetryCount: 2},
	}

	res := dl.ProcessBatch(ctx, msgs)
	if res.Stored != 2 || res.Errors != 1 {
		t.Errorf("batch result = %+v, want {Stored:2 Errors:1}", res)
	}

	entries, _ := cacheSvc.List(ctx, cachekey.TierDeadLetter+"/")
	if len(entries) != 2 {
		t.Errorf("dead-letter objects = %d, want 2", len(entries))
	}
}

func TestDistinctFailuresDistinctRecords(t *testing.T) {
	store := openTestStore(t)
	cacheSvc := testCacheService(t)
	dl := NewDeadLetter(store, cacheSvc, NewCollector())
	ctx := context.Background()

	j := failedJob(t, store)
	if err := dl.HandleFailure(ctx, FailureMessage{JobID: j.ID, Error: "first failure", RetryCount: 3}); err != nil {
		t.Fatalf("first HandleFailure: %v", err)
	}

	// Operator requeues; the job fails again with a different error.
	if _, err := store.UpdateStatus(ctx, j.ID, StatusQueued, nil); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, j.ID, StatusProcessing, nil); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := dl.HandleFailure(ctx, FailureMessage{JobID: j.ID, Error: "second failure", RetryCount: 3}); err != nil {
		t.Fatalf("second HandleFailure: %v", err)
	}

	entries, _ := cacheSvc.List(ctx, cachekey.TierDeadLetter+"/")
	if len(entries) != 2 {
		t.Fatalf("records = %d, want 2 distinct records for distinct errors", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, ".json") {
			t.Errorf("record key %q not a json object", e.Key)
		}
	}
}
