// Package server exposes the operator HTTP API: query submission, job
// inspection and administration, cache statistics, and health.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coldpoint/tierstore/internal/config"
	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage"
	"github.com/coldpoint/tierstore/internal/storage/jobs"
	"github.com/coldpoint/tierstore/internal/storage/query"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

var log = logging.Component("server")

// Server is the operator HTTP API front end.
type Server struct {
	cfg  *config.Config
	svc  *storage.Service
	http *http.Server
}

// New builds the API server around a storage service.
func New(cfg *config.Config, svc *storage.Service) *Server {
	s := &Server{cfg: cfg, svc: svc}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/query/plan", s.handlePlan).Methods(http.MethodPost)
	api.HandleFunc("/query/stats", s.handleQueryStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/stats", s.handleJobStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/requeue", s.handleRequeueJob).Methods(http.MethodPost)
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/archive/run", s.handleRunArchiver).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler returns the route tree, for serving through a custom listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// queryRequest is the JSON body for query submission and planning.
type queryRequest struct {
	Site     string    `json:"site"`
	Points   []string  `json:"points"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	UserID   string    `json:"user_id,omitempty"`
	Priority int       `json:"priority,omitempty"`
}

func (qr *queryRequest) toRequest() (query.Request, error) {
	tr, err := types.NewTimeRange(qr.Start, qr.End)
	if err != nil {
		return query.Request{}, errors.Wrap(errors.ErrInvalidQuery, err.Error())
	}
	return query.Request{Site: qr.Site, Points: qr.Points, Range: tr}, nil
}

type queryResponse struct {
	Plan   planResponse     `json:"plan"`
	Queued bool             `json:"queued"`
	JobID  string           `json:"job_id,omitempty"`
	Result *types.ResultSet `json:"result,omitempty"`
}

type planResponse struct {
	Strategy           string     `json:"strategy"`
	SplitPoint         *time.Time `json:"split_point,omitempty"`
	EstimatedLatencyMs int64      `json:"estimated_latency_ms"`
	Rationale          string     `json:"rationale"`
}

func toPlanResponse(p types.QueryPlan) planResponse {
	return planResponse{
		Strategy:           p.Strategy.String(),
		SplitPoint:         p.SplitPoint,
		EstimatedLatencyMs: p.EstimatedLatencyMs,
		Rationale:          p.Rationale,
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidQuery, err.Error()))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.svc.Query(r.Context(), req, body.UserID, body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	out := queryResponse{
		Plan:   toPlanResponse(resp.Plan),
		Queued: resp.Queued,
		JobID:  resp.JobID,
		Result: resp.Result,
	}
	status := http.StatusOK
	if resp.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidQuery, err.Error()))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanResponse(s.svc.Plan(req)))
}

func (s *Server) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.QueryStats())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := jobs.Status(r.URL.Query().Get("status"))
	list, err := s.svc.Jobs().ListJobs(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs().GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeError(w, errors.ErrJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobStatsResponse joins the persisted status counts with the runtime
// collector snapshot and the dead-letter counters.
type jobStatsResponse struct {
	Jobs       *jobs.Statistics       `json:"jobs"`
	DeadLetter jobs.DeadLetterMetrics `json:"dead_letter"`
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.JobsAdmin().Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatsResponse{
		Jobs:       stats,
		DeadLetter: s.svc.DeadLetterMetrics(),
	})
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeError(w, errors.Wrap(errors.ErrInvalidQuery, "requeue requires confirm=true"))
		return
	}
	job, err := s.svc.JobsAdmin().Requeue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeError(w, errors.Wrap(errors.ErrInvalidQuery, "delete requires confirm=true"))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.svc.JobsAdmin().Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Cache().ServiceStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRunArchiver(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		writeError(w, errors.Wrap(errors.ErrInvalidQuery, "archive run requires confirm=true"))
		return
	}
	results := s.svc.RunArchiver(r.Context())
	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		entry := map[string]interface{}{
			"site":     res.Site,
			"archived": res.Archived,
			"deleted":  res.Deleted,
			"files":    res.Files,
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sites": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"running": s.svc.IsRunning()}
	code := http.StatusOK
	if !s.svc.IsRunning() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func confirmed(r *http.Request) bool {
	return r.URL.Query().Get("confirm") == "true"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.IsUserError(err):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
