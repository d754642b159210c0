package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Collector maintains running counters for the queue. Processing times
// feed a DDSketch so percentile reporting stays cheap at any volume.
type Collector struct {
	mu sync.Mutex

	completed int64
	retries   int64
	failed    int64

	lastFailure time.Time

	sketch *ddsketch.DDSketch
}

// NewCollector creates a collector with 1% relative accuracy on
// processing-time percentiles.
func NewCollector() *Collector {
	c := &Collector{}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		c.sketch = sketch
	}
	return c
}

// RecordCompletion records one finished job and its processing time.
func (c *Collector) RecordCompletion(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	if c.sketch != nil {
		c.sketch.Add(float64(elapsed.Milliseconds()))
	}
}

// RecordRetry records one transient failure that was requeued.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

// RecordPermanentFailure records one job moved to the dead-letter tier.
func (c *Collector) RecordPermanentFailure(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	if at.After(c.lastFailure) {
		c.lastFailure = at
	}
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Completed   int64     `json:"completed"`
	Retries     int64     `json:"retries"`
	Failed      int64     `json:"failed"`
	LastFailure time.Time `json:"last_failure,omitempty"`

	ProcessingP50Ms float64 `json:"processing_p50_ms"`
	ProcessingP90Ms float64 `json:"processing_p90_ms"`
	ProcessingP99Ms float64 `json:"processing_p99_ms"`
}

// Snapshot returns the current counters and percentiles.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Completed:   c.completed,
		Retries:     c.retries,
		Failed:      c.failed,
		LastFailure: c.lastFailure,
	}
	if c.sketch != nil && c.completed > 0 {
		s.ProcessingP50Ms, _ = c.sketch.GetValueAtQuantile(0.50)
		s.ProcessingP90Ms, _ = c.sketch.GetValueAtQuantile(0.90)
		s.ProcessingP99Ms, _ = c.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// Statistics is the operator view of the queue: durable status counts
// joined with the runtime collector.
type Statistics struct {
	StatusCounts map[Status]int64 `json:"status_counts"`
	AvgRetries   float64          `json:"avg_retries"`
	Runtime      Snapshot         `json:"runtime"`
}

// Admin exposes the operator surface of the queue: statistics plus the
// two mutating operations that require explicit confirmation upstream.
type Admin struct {
	store *Store
	bus   Bus
	stats *Collector
}

// NewAdmin creates the operator surface.
func NewAdmin(store *Store, bus Bus, stats *Collector) *Admin {
	return &Admin{
		store: store,
		bus:   bus,
		stats: stats,
	}
}

// Statistics scans the job table and joins it with runtime counters.
func (a *Admin) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := a.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	counts := map[Status]int64{
		StatusQueued:          0,
		StatusProcessing:      0,
		StatusCompleted:       0,
		StatusFailedPermanent: 0,
	}
	var totalRetries int64
	for _, j := range all {
		counts[j.Status]++
		totalRetries += int64(j.RetryCount)
	}

	st := &Statistics{
		StatusCounts: counts,
		Runtime:      a.stats.Snapshot(),
	}
	if len(all) > 0 {
		st.AvgRetries = float64(totalRetries) / float64(len(all))
	}
	return st, nil
}

// Requeue moves a permanently failed job back to queued with a reset
// retry budget. Every invocation is logged: this resurrects work that
// already failed MaxAttempts times.
func (a *Admin) Requeue(ctx context.Context, jobID string) (*Job, error) {
	job, err := a.store.UpdateStatus(ctx, jobID, StatusQueued, func(j *Job) {
		j.RetryCount = 0
		j.ErrorMessage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		j.FailedAt = nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn("operator requeued failed job", "job_id", jobID)
	_ = a.bus.Publish(ctx, Message{JobID: jobID})
	return job, nil
}

// Delete permanently removes a job row. Logged for the same reason as
// Requeue.
func (a *Admin) Delete(ctx context.Context, jobID string) error {
	if err := a.store.Delete(ctx, jobID); err != nil {
		return err
	}
	log.Warn("operator deleted job", "job_id", jobID)
	return nil
}
