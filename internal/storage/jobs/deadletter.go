package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
)

// DeadLetterRecord is the durable record written for a permanently
// failed job. Records are never deleted automatically.
type DeadLetterRecord struct {
	JobID          string                `json:"job_id"`
	SiteName       string                `json:"site_name"`
	Error          string                `json:"error"`
	Classification errors.Classification `json:"classification"`
	RetryCount     int                   `json:"retry_count"`
	Timestamp      time.Time             `json:"timestamp"`
}

// DeadLetterMetrics counts handler outcomes since process start.
type DeadLetterMetrics struct {
	Stored  int64                           `json:"stored"`
	Errors  int64                           `json:"errors"`
	ByClass map[errors.Classification]int64 `json:"by_class"`
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Stored int `json:"stored"`
	Errors int `json:"errors"`
}

// DeadLetter persists terminal failures to the cold tier and marks the
// corresponding job rows failed_permanent.
type DeadLetter struct {
	store *Store
	cache *cache.Service
	stats *Collector
	now   func() time.Time

	mu      sync.Mutex
	metrics DeadLetterMetrics
}

// NewDeadLetter creates a dead-letter handler.
func NewDeadLetter(store *Store, cacheSvc *cache.Service, stats *Collector) *DeadLetter {
	return &DeadLetter{
		store: store,
		cache: cacheSvc,
		stats: stats,
		now:   time.Now,
	}
}

// HandleFailure validates a failure message, classifies the error,
// writes the dead-letter record, and transitions the job to
// failed_permanent. A malformed message is itself an error: it is never
// silently dropped.
func (d *DeadLetter) HandleFailure(ctx context.Context, msg FailureMessage) error {
	if err := msg.Validate(); err != nil {
		d.recordError()
		log.Error("rejected malformed failure message",
			"job_id", msg.JobID, "error", err)
		return err
	}

	job, err := d.store.Get(ctx, msg.JobID)
	if err != nil {
		d.recordError()
		return err
	}
	if job == nil {
		d.recordError()
		return errors.Wrap(errors.ErrJobNotFound, msg.JobID)
	}

	now := d.now().UTC()
	class := errors.ClassifyMessage(msg.Error)

	rec := DeadLetterRecord{
		JobID:          msg.JobID,
		SiteName:       job.SiteName,
		Error:          msg.Error,
		Classification: class,
		RetryCount:     msg.RetryCount,
		Timestamp:      now,
	}

	key, err := deadLetterKey(job, msg, now)
	if err != nil {
		d.recordError()
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		d.recordError()
		return errors.Wrap(err, "marshal dead-letter record")
	}

	meta := cache.Metadata{
		UncompressedSize: int64(len(payload)),
		UploadedAt:       now,
	}
	if err := d.cache.Put(ctx, key, payload, meta); err != nil {
		d.recordError()
		return errors.Wrap(err, "store dead-letter record")
	}

	if _, err := d.store.UpdateStatus(ctx, msg.JobID, StatusFailedPermanent, func(j *Job) {
		j.ErrorMessage = msg.Error
		j.RetryCount = msg.RetryCount
	}); err != nil {
		// The record is already durable; surface the row update failure.
		d.recordError()
		return errors.Wrap(err, "mark job failed")
	}

	d.mu.Lock()
	d.metrics.Stored++
	if d.metrics.ByClass == nil {
		d.metrics.ByClass = make(map[errors.Classification]int64)
	}
	d.metrics.ByClass[class]++
	d.mu.Unlock()
	d.stats.RecordPermanentFailure(now)

	log.Info("dead-letter record stored",
		"job_id", msg.JobID,
		"classification", class,
		"retry_count", msg.RetryCount,
		"key", key)
	return nil
}

// ProcessBatch handles a set of failure messages independently: one bad
// message never blocks the rest of the batch.
func (d *DeadLetter) ProcessBatch(ctx context.Context, msgs []FailureMessage) BatchResult {
	var res BatchResult
	for _, msg := range msgs {
		if err := d.HandleFailure(ctx, msg); err != nil {
			res.Errors++
			continue
		}
		res.Stored++
	}
	return res
}

// Metrics returns a copy of the handler counters since process start.
func (d *DeadLetter) Metrics() DeadLetterMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := DeadLetterMetrics{
		Stored:  d.metrics.Stored,
		Errors:  d.metrics.Errors,
		ByClass: make(map[errors.Classification]int64, len(d.metrics.ByClass)),
	}
	for k, v := range d.metrics.ByClass {
		out.ByClass[k] = v
	}
	return out
}

func (d *DeadLetter) recordError() {
	d.mu.Lock()
	d.metrics.Errors++
	d.mu.Unlock()
}

// deadLetterKey derives the record's cold-tier key. The identity folds
// in an xxhash fingerprint of the error text, so a requeued job that
// fails differently gets a distinct record instead of overwriting the
// first one.
func deadLetterKey(job *Job, msg FailureMessage, at time.Time) (string, error) {
	fingerprint := xxhash.Sum64String(msg.Error)
	identity := fmt.Sprintf("%s:%016x", job.ID, fingerprint)
	return cachekey.GenerateRaw(cachekey.TierDeadLetter, job.SiteName, at, identity, cachekey.ExtJSON)
}
