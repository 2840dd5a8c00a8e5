package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pedalboard-service/internal/config"
	"pedalboard-service/internal/effects"
	"pedalboard-service/internal/models"
	"pedalboard-service/internal/store"
	"pedalboard-service/internal/telemetry"
)

// batchGetLimit caps a single batch status request.
const batchGetLimit = 100

type jobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	BatchGetJobs(ctx context.Context, ids []string) (map[string]models.Job, error)
	ListRecentByStatus(ctx context.Context, status string, limit int) ([]models.Job, error)
}

type jobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

type presigner interface {
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	PresignDownload(ctx context.Context, key, filename string) (string, error)
}

type limiter interface {
	Allow(ctx context.Context, clientID string) (bool, float64, error)
}

// Server wires the HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	store   jobStore
	queue   jobQueue
	storage presigner
	limiter limiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, log *slog.Logger, st jobStore, q jobQueue, storage presigner, lim limiter) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		queue:   q,
		storage: storage,
		limiter: lim,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/process", s.handleProcess)
	r.Get("/api/jobs", s.handleListJobs)
	r.Get("/api/jobs/{id}", s.handleGetJob)
	r.Post("/api/jobs/batch", s.handleBatchGet)
	r.Get("/api/dlq", s.handleDLQ)
	r.Post("/api/upload-url", s.handleUploadURL)
	r.Get("/api/download-url", s.handleDownloadURL)
	r.Get("/api/effects", s.handleEffects)
	return r
}

type processRequest struct {
	InputKey         string                `json:"input_key"`
	EffectChain      []models.EffectConfig `json:"effect_chain"`
	OriginalFilename string                `json:"original_filename"`
}

type processResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.InputKey == "" {
		http.Error(w, "input_key is required", http.StatusBadRequest)
		return
	}
	if len(req.EffectChain) == 0 {
		http.Error(w, "effect_chain must not be empty", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		InputKey:         req.InputKey,
		EffectChain:      req.EffectChain,
		OriginalFilename: req.OriginalFilename,
		TTL:              s.cfg.JobTTL,
	})
	if err != nil {
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		// The row stays pending; the worker's stale-pending sweep re-enqueues it.
		s.log.Error("enqueue failed", "job_id", job.ID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()
	s.log.Info("job submitted", "job_id", job.ID, "effects", len(req.EffectChain))

	writeJSON(w, http.StatusAccepted, processResponse{JobID: job.ID, Status: job.Status})
}

// jobResponse is a job record plus presigned URLs for completed results.
type jobResponse struct {
	models.Job
	DownloadURL         string `json:"download_url,omitempty"`
	InputNormalizedURL  string `json:"input_normalized_url,omitempty"`
	OutputNormalizedURL string `json:"output_normalized_url,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to fetch job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, s.decorate(r.Context(), job))
}

type batchRequest struct {
	JobIDs []string `json:"job_ids"`
}

type batchResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.JobIDs) == 0 {
		writeJSON(w, http.StatusOK, batchResponse{Jobs: []jobResponse{}})
		return
	}
	if len(req.JobIDs) > batchGetLimit {
		http.Error(w, fmt.Sprintf("at most %d job_ids per request", batchGetLimit), http.StatusBadRequest)
		return
	}

	jobs, err := s.store.BatchGetJobs(r.Context(), req.JobIDs)
	if err != nil {
		http.Error(w, "failed to fetch jobs", http.StatusInternalServerError)
		return
	}

	// Records come back in request order; ids the store no longer knows are
	// simply absent.
	resp := batchResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, id := range req.JobIDs {
		if job, ok := jobs[id]; ok {
			resp.Jobs = append(resp.Jobs, s.decorate(r.Context(), job))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs is an operator view of recent jobs in one status.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
	default:
		http.Error(w, "status must be one of pending, processing, completed, failed", http.StatusBadRequest)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > batchGetLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.store.ListRecentByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleDLQ returns the dead-lettered message bodies.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type uploadURLRequest struct {
	Filename string `json:"filename"`
}

type uploadURLResponse struct {
	UploadURL string `json:"upload_url"`
	Key       string `json:"key"`
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ext := strings.ToLower(path.Ext(req.Filename))
	if ext == "" {
		ext = ".wav"
	}

	key := s.cfg.InputPrefix + uuid.New().String() + ext
	uploadURL, err := s.storage.PresignPut(r.Context(), key, "audio/wav")
	if err != nil {
		http.Error(w, "failed to presign upload", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, uploadURLResponse{UploadURL: uploadURL, Key: key})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	url, err := s.storage.PresignGet(r.Context(), key)
	if err != nil {
		http.Error(w, "failed to presign download", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
}

func (s *Server) handleEffects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"effects": effects.Catalog()})
}

// decorate attaches presigned URLs to a completed job. Presign failures are
// logged and leave the URL fields empty; the record itself still returns.
func (s *Server) decorate(ctx context.Context, job models.Job) jobResponse {
	resp := jobResponse{Job: job}
	if job.Status != models.StatusCompleted || job.OutputKey == nil {
		return resp
	}

	name := downloadFilename(job)
	if url, err := s.storage.PresignDownload(ctx, *job.OutputKey, name); err == nil {
		resp.DownloadURL = url
	} else {
		s.log.Warn("presign output failed", "job_id", job.ID, "error", err)
	}
	if job.InputNormalizedKey != nil {
		if url, err := s.storage.PresignGet(ctx, *job.InputNormalizedKey); err == nil {
			resp.InputNormalizedURL = url
		}
	}
	if job.OutputNormalizedKey != nil {
		if url, err := s.storage.PresignGet(ctx, *job.OutputNormalizedKey); err == nil {
			resp.OutputNormalizedURL = url
		}
	}
	return resp
}

// downloadFilename derives the attachment name: the original stem plus a short
// job id suffix, always .wav.
func downloadFilename(job models.Job) string {
	stem := "processed"
	if job.OriginalFilename != nil && *job.OriginalFilename != "" {
		base := path.Base(*job.OriginalFilename)
		stem = strings.TrimSuffix(base, path.Ext(base))
	}
	short := job.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s.wav", stem, short)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
