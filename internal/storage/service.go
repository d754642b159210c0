// Package storage wires the tiered engine together: hot store, cold
// store, cache, router, query orchestration, archiver, and the background
// job queue, behind one lifecycle-managed Service.
package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/archive"
	"github.com/coldpoint/tierstore/internal/storage/archiver"
	"github.com/coldpoint/tierstore/internal/storage/cache"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/coldstore"
	"github.com/coldpoint/tierstore/internal/storage/hotstore"
	"github.com/coldpoint/tierstore/internal/storage/jobs"
	"github.com/coldpoint/tierstore/internal/storage/query"
	"github.com/coldpoint/tierstore/internal/storage/router"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

var log = logging.Component("storage")

// Service is the storage engine facade.
type Service struct {
	cfg *config.Config

	cold  *coldstore.FSStore
	cache *cache.Service
	hot   *hotstore.BadgerStore

	router *router.Router
	query  *query.Service

	jobStore   *jobs.Store
	bus        *jobs.ChannelBus
	queue      *jobs.Queue
	collector  *jobs.Collector
	deadletter *jobs.DeadLetter
	pool       *jobs.Pool
	admin      *jobs.Admin

	archiver *archiver.Archiver

	running   atomic.Bool
	cancel    context.CancelFunc
	startTime time.Time
}

// New builds the engine from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, errors.Wrap(err, "ensure directories")
	}

	cold, err := coldstore.NewFSStore(cfg.ColdDir())
	if err != nil {
		return nil, errors.Wrap(err, "open cold store")
	}

	cacheSvc, err := cache.New(cold, cache.Options{
		Compression: cfg.Cache.Compression,
		Level:       cfg.Cache.CompressionLevel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create cache service")
	}

	hot, err := hotstore.OpenBadger(hotstore.BadgerOptions{Path: cfg.HotDir()})
	if err != nil {
		return nil, errors.Wrap(err, "open hot store")
	}

	rt := router.New(cfg.Tiering)

	qry, err := query.New(cfg, rt, hot, cacheSvc)
	if err != nil {
		hot.Close()
		return nil, errors.Wrap(err, "create query service")
	}

	jobStore, err := jobs.OpenStore(jobs.StoreOptions{Path: cfg.JobsDir()})
	if err != nil {
		qry.Close()
		hot.Close()
		return nil, errors.Wrap(err, "open job store")
	}

	bus := jobs.NewChannelBus(0)
	collector := jobs.NewCollector()
	dead := jobs.NewDeadLetter(jobStore, cacheSvc, collector)
	queue := jobs.NewQueue(jobStore, bus, cfg.Jobs)

	svc := &Service{
		cfg:        cfg,
		cold:       cold,
		cache:      cacheSvc,
		hot:        hot,
		router:     rt,
		query:      qry,
		jobStore:   jobStore,
		bus:        bus,
		queue:      queue,
		collector:  collector,
		deadletter: dead,
		admin:      jobs.NewAdmin(jobStore, bus, collector),
	}

	svc.pool = jobs.NewPool(jobStore, bus, &jobExecutor{svc: svc}, dead,
		cfg.Jobs, cfg.Retry, collector)
	svc.archiver = archiver.New(cfg, hot, cacheSvc, rt.Boundary)

	return svc, nil
}

// Start launches the worker pool and the archiver loop.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Wrap(errors.ErrInvalidState, "service already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	s.pool.Start(ctx)
	s.archiver.Start(ctx)

	log.Info("storage service started",
		"data_dir", s.cfg.DataDir,
		"workers", s.cfg.Jobs.Workers,
		"hot_window", s.cfg.Tiering.HotWindow)
	return nil
}

// Stop halts background work and closes the stores.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.archiver.Stop()
	s.pool.Stop()
	s.bus.Close()
	s.cancel()

	var firstErr error
	for _, closer := range []func() error{s.query.Close, s.jobStore.Close, s.hot.Close} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info("storage service stopped", "uptime", time.Since(s.startTime))
	return firstErr
}

// IsRunning reports the lifecycle state.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// QueryResponse is the outcome of a tiered read: either a result set or,
// when the plan's estimated cost crosses the deferral threshold, a queued
// job to poll for.
type QueryResponse struct {
	Result *types.ResultSet
	Plan   types.QueryPlan
	Queued bool
	JobID  string
}

// Query plans a request, then either serves it inline or defers it to
// the job queue when the estimate exceeds the configured threshold.
func (s *Service) Query(ctx context.Context, req query.Request, userID string, priority int) (*QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	plan := s.query.Plan(req)
	if plan.ShouldQueue(s.cfg.Jobs.QueueThresholdMs) {
		job, err := s.queue.Enqueue(ctx, jobs.EnqueueRequest{
			SiteName: req.Site,
			Points:   req.Points,
			Range:    req.Range,
			UserID:   userID,
			Priority: priority,
		})
		if err != nil {
			return nil, err
		}
		return &QueryResponse{Plan: plan, Queued: true, JobID: job.ID}, nil
	}

	result, err := s.query.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &QueryResponse{Result: result, Plan: plan}, nil
}

// Execute runs a request inline regardless of its cost estimate.
func (s *Service) Execute(ctx context.Context, req query.Request) (*types.ResultSet, error) {
	return s.query.Execute(ctx, req)
}

// Plan returns the router's decision without executing anything.
func (s *Service) Plan(req query.Request) types.QueryPlan {
	return s.query.Plan(req)
}

// Ingest writes samples into the hot tier.
func (s *Service) Ingest(ctx context.Context, samples []types.Sample) error {
	return s.hot.UpsertBatch(ctx, samples)
}

// HotStore exposes the hot tier for the ingest pipeline.
func (s *Service) HotStore() *hotstore.BadgerStore {
	return s.hot
}

// Cache exposes the cache service for the operator surface.
func (s *Service) Cache() *cache.Service {
	return s.cache
}

// Jobs exposes the queue's read/enqueue surface.
func (s *Service) Jobs() *jobs.Queue {
	return s.queue
}

// JobsAdmin exposes the operator surface of the queue.
func (s *Service) JobsAdmin() *jobs.Admin {
	return s.admin
}

// DeadLetterMetrics returns the dead-letter handler counters.
func (s *Service) DeadLetterMetrics() jobs.DeadLetterMetrics {
	return s.deadletter.Metrics()
}

// QueryStats returns the query-path counters.
func (s *Service) QueryStats() query.Stats {
	return s.query.Stats()
}

// RunArchiver forces one migration pass, for operators and tests.
func (s *Service) RunArchiver(ctx context.Context) []archiver.SiteResult {
	return s.archiver.RunOnce(ctx)
}

// jobExecutor runs deferred queries for the worker pool. The result set
// is flattened back to samples and stored under a results-tier key so the
// caller can fetch it by job ID later.
type jobExecutor struct {
	svc *Service
}

func (e *jobExecutor) Execute(ctx context.Context, job *jobs.Job) (string, int64, error) {
	tr, err := types.NewTimeRange(job.StartTime, job.EndTime)
	if err != nil {
		return "", 0, err
	}

	result, err := e.svc.query.Execute(ctx, query.Request{
		Site:   job.SiteName,
		Points: job.Points,
		Range:  tr,
	})
	if err != nil {
		return "", 0, err
	}

	key, err := cachekey.Generate(cachekey.Params{
		Tier:   cachekey.TierResults,
		Site:   job.SiteName,
		Points: job.Points,
		Start:  job.StartTime,
		End:    job.EndTime,
		Ext:    cachekey.ExtParquet,
	})
	if err != nil {
		return "", 0, err
	}

	samples := flatten(job.SiteName, result)
	if len(samples) == 0 {
		// An empty result is still a completed job; nothing to store.
		return key, 0, nil
	}

	payload, err := archive.Encode(samples, archive.DefaultOptions())
	if err != nil {
		return "", 0, err
	}

	meta := cache.Metadata{
		PointsCount:      len(result.Series),
		SamplesCount:     int64(len(samples)),
		UncompressedSize: archive.UncompressedSizeOf(samples),
		UploadedAt:       time.Now().UTC(),
	}
	if err := e.svc.cache.Put(ctx, key, payload, meta); err != nil {
		return "", 0, err
	}

	return key, int64(len(samples)), nil
}

// flatten converts a result set back to flat samples for columnar storage.
func flatten(site string, rs *types.ResultSet) []types.Sample {
	var samples []types.Sample
	for i := range rs.Series {
		sr := &rs.Series[i]
		for _, dp := range sr.Data {
			samples = append(samples, types.Sample{
				SiteName:    site,
				PointName:   sr.Name,
				TimestampMs: dp.TimestampMs,
				Value:       dp.Value,
			})
		}
	}
	return samples
}
