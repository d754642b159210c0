// Package jobs implements the background job queue: durable job rows,
// priority dequeue, the worker pool, and the dead-letter path for jobs
// that exhaust their retry budget.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
)

var log = logging.Component("jobs")

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailedPermanent Status = "failed_permanent"
)

// ValidTransition reports whether a status change is allowed.
// The lifecycle is monotonic: queued→processing→completed, or
// queued→processing→queued (bounded retries)→failed_permanent.
// The only way out of failed_permanent is an explicit operator requeue.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailedPermanent
	case StatusProcessing:
		return to == StatusCompleted || to == StatusQueued || to == StatusFailedPermanent
	case StatusFailedPermanent:
		return to == StatusQueued // operator requeue
	default:
		return false
	}
}

// Job is one deferred query tracked in durable storage.
// Rows are mutated only by the worker executing them or the dead-letter
// handler, and never deleted automatically.
type Job struct {
	ID        string    `json:"job_id"`
	SiteName  string    `json:"site_name"`
	Points    []string  `json:"points"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	UserID    string    `json:"user_id,omitempty"`

	// Priority orders dequeue: lower numbers are served first.
	Priority int `json:"priority"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	ResultKey        string `json:"result_key,omitempty"`
	SamplesCount     int64  `json:"samples_count,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RetryCount       int    `json:"retry_count"`
	EstimatedSize    int64  `json:"estimated_size"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Validate checks the job's required fields.
func (j *Job) Validate() error {
	v := errors.NewValidationErrors()
	if j.ID == "" {
		v.AddMissing("job_id")
	}
	if j.SiteName == "" {
		v.AddMissing("site_name")
	}
	if j.StartTime.IsZero() || j.EndTime.IsZero() {
		v.AddMissing("time range")
	} else if j.EndTime.Before(j.StartTime) {
		v.AddField("time range", "end precedes start")
	}
	return v.Err()
}

// Transition applies a status change, enforcing the lifecycle.
func (j *Job) Transition(to Status, now time.Time) error {
	if !ValidTransition(j.Status, to) {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s", j.Status, to)
	}

	switch to {
	case StatusProcessing:
		t := now
		j.StartedAt = &t
	case StatusCompleted:
		t := now
		j.CompletedAt = &t
	case StatusFailedPermanent:
		t := now
		j.FailedAt = &t
	}

	j.Status = to
	return nil
}

// String returns a debug representation.
func (j *Job) String() string {
	return fmt.Sprintf("job[%s] site=%s points=%d priority=%d status=%s retries=%d",
		j.ID, j.SiteName, len(j.Points), j.Priority, j.Status, j.RetryCount)
}

// Message is the payload delivered over the background work channel.
// Delivery is at-least-once, so handlers must be idempotent on JobID.
type Message struct {
	JobID string `json:"job_id"`
}

// FailureMessage is the payload handed to the dead-letter handler for a
// job that exhausted its retries.
type FailureMessage struct {
	JobID      string `json:"job_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
}

// Validate rejects malformed failure messages. A malformed message is a
// programmer error on the producing side and must fail loudly.
func (m *FailureMessage) Validate() error {
	v := errors.NewValidationErrors()
	if m.JobID == "" {
		v.AddMissing("job_id")
	}
	if m.Error == "" {
		v.AddMissing("error")
	}
	if m.RetryCount < 0 {
		v.AddField("retry_count", "negative")
	}
	if v.HasErrors() {
		return errors.Wrapf(errors.ErrMalformedMessage, "failure message: %s", v.Error())
	}
	return nil
}
