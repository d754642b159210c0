package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/router"
	"github.com/coldpoint/tierstore/internal/storage/types"
	"github.com/coldpoint/tierstore/internal/validation"
)

// Bus carries wake-up messages from enqueue to the worker pool. The
// durable job table is the source of truth; a lost message only delays
// pickup until the next poll.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Close()
}

// ChannelBus is the in-process Bus used by the daemon.
type ChannelBus struct {
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

// NewChannelBus creates a buffered in-process bus.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelBus{
		ch:     make(chan Message, buffer),
		closed: make(chan struct{}),
	}
}

// Publish enqueues a message, dropping it if the buffer is full. Workers
// poll the durable table, so a dropped wake-up is not a lost job.
func (b *ChannelBus) Publish(ctx context.Context, msg Message) error {
	// Checked on its own so a closed bus always refuses, even while the
	// buffer still has room for the send to win a combined select.
	select {
	case <-b.closed:
		return errors.ErrServiceStopped
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- msg:
		return nil
	default:
		return nil
	}
}

// Messages returns the receive side of the bus.
func (b *ChannelBus) Messages() <-chan Message {
	return b.ch
}

// Close shuts the bus down. Safe to call more than once.
func (b *ChannelBus) Close() {
	b.once.Do(func() { close(b.closed) })
}

// EnqueueRequest describes a deferred query to run in the background.
type EnqueueRequest struct {
	SiteName string
	Points   []string
	Range    types.TimeRange
	UserID   string
	Priority int
}

// Queue accepts deferred queries, persists them, and signals the worker
// pool.
type Queue struct {
	store *Store
	bus   Bus
	cfg   config.JobsConfig
	now   func() time.Time
}

// NewQueue creates a job queue over a durable store and a bus.
func NewQueue(store *Store, bus Bus, cfg config.JobsConfig) *Queue {
	return &Queue{
		store: store,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Enqueue validates and persists a deferred query, then publishes a
// wake-up for the worker pool. The returned job is in status queued.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := validation.ValidateSiteName(req.SiteName); err != nil {
		return nil, err
	}
	if err := validation.ValidatePointNames(req.Points); err != nil {
		return nil, err
	}
	if err := validation.ValidateTimeRange(req.Range.Start, req.Range.End); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	job := &Job{
		ID:            NewJobID(),
		SiteName:      req.SiteName,
		Points:        append([]string(nil), req.Points...),
		StartTime:     req.Range.Start,
		EndTime:       req.Range.End,
		UserID:        req.UserID,
		Priority:      req.Priority,
		Status:        StatusQueued,
		CreatedAt:     now,
		EstimatedSize: router.EstimatedSize(len(req.Points), req.Range, q.cfg.SamplesPerDayPerPoint),
	}

	if err := q.store.Put(ctx, job); err != nil {
		return nil, err
	}

	log.Info("job enqueued",
		"job_id", job.ID,
		"site", job.SiteName,
		"points", len(job.Points),
		"priority", job.Priority,
		"estimated_rows", job.EstimatedSize)

	if err := q.bus.Publish(ctx, Message{JobID: job.ID}); err != nil {
		// The row is durable; workers will find it on their next poll.
		log.Warn("wake-up publish failed", "job_id", job.ID, "error", err)
	}

	return job, nil
}

// GetJob returns a job row, or (nil, nil) when no such job exists.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.store.Get(ctx, jobID)
}

// ListJobs returns job rows, optionally filtered by status.
func (q *Queue) ListJobs(ctx context.Context, status Status) ([]*Job, error) {
	return q.store.List(ctx, status)
}
