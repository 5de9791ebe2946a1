package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/artifact"
	"blood-test-analyzer/internal/config"
	"blood-test-analyzer/internal/models"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/ratelimit"
	"blood-test-analyzer/internal/store"
	"blood-test-analyzer/internal/telemetry"
	"blood-test-analyzer/internal/worker"
)

// AnalysisStore is the persistence surface the API needs.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, p store.CreateAnalysisParams) (models.Analysis, error)
	GetAnalysis(ctx context.Context, id string) (models.Analysis, error)
	ListAnalyses(ctx context.Context, statusFilter string, limit, offset int) ([]models.Summary, int, error)
	DeleteAnalysis(ctx context.Context, id string) (string, error)
	UpdateStatus(ctx context.Context, id string, status string, progress *float64, errMsg *string) (bool, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the analysis API.
type Server struct {
	cfg       config.Config
	store     AnalysisStore
	queue     *queue.RedisQueue
	artifacts artifact.Store
	limiter   *ratelimit.TokenBucket
	runner    worker.StageRunner
	log       zerolog.Logger
}

// New constructs the API server. runner powers the synchronous endpoint and
// may be nil when no LLM is configured.
func New(cfg config.Config, st AnalysisStore, q *queue.RedisQueue, artifacts artifact.Store, limiter *ratelimit.TokenBucket, runner worker.StageRunner, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		artifacts: artifacts,
		limiter:   limiter,
		runner:    runner,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Blood Test Report Analyser API is running",
			"features": []string{"async_processing", "database_storage", "concurrent_analysis"},
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/analyze", s.handleAnalyze)
	r.Post("/analyze/sync", s.handleAnalyzeSync)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/task/{id}", s.handleTaskStatus)
	r.Get("/analyses", s.handleList)
	r.Delete("/analysis/{id}", s.handleDelete)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{
		"api":      "healthy",
		"broker":   "healthy",
		"database": "healthy",
	}
	code := http.StatusOK
	if err := s.queue.Ping(r.Context()); err != nil {
		health["broker"] = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}
	if err := s.store.Ping(r.Context()); err != nil {
		health["database"] = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type analyzeResponse struct {
	Status        string `json:"status"`
	AnalysisID    string `json:"analysis_id"`
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	Query         string `json:"query"`
	FileProcessed string `json:"file_processed"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		tenant := tenantFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
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

	upload, err := s.acceptUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := models.NormalizeQuery(r.FormValue("query"))
	parallel, _ := strconv.ParseBool(r.FormValue("parallel"))
	var userID *string
	if v := r.FormValue("user_id"); v != "" {
		userID = &v
	}

	analysis, err := s.store.CreateAnalysis(r.Context(), store.CreateAnalysisParams{
		OriginalFilename: upload.filename,
		FilePath:         upload.ref,
		Query:            query,
		UserID:           userID,
	})
	if err != nil {
		s.discardUpload(r.Context(), upload.ref)
		http.Error(w, fmt.Sprintf("error processing blood report: %v", err), http.StatusInternalServerError)
		return
	}

	taskType := queue.TypeSequential
	if parallel {
		taskType = queue.TypeParallel
	}
	handle, err := s.queue.Submit(r.Context(), queue.Task{
		Type:       taskType,
		AnalysisID: analysis.ID,
		FilePath:   upload.ref,
		Query:      query,
	})
	if err != nil {
		msg := err.Error()
		// The record stays around with the enqueue failure recorded.
		_, _ = s.store.UpdateStatus(r.Context(), analysis.ID, models.StatusFailed, nil, &msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.AnalysesSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, analyzeResponse{
		Status:        "processing",
		AnalysisID:    analysis.ID,
		TaskID:        handle.ID(),
		Message:       "Analysis started successfully. Use /status/{analysis_id} to check progress.",
		Query:         query,
		FileProcessed: upload.filename,
	})
}

func (s *Server) handleAnalyzeSync(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "synchronous analysis not available", http.StatusServiceUnavailable)
		return
	}

	upload, err := s.acceptUpload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.discardUpload(r.Context(), upload.ref)

	query := models.NormalizeQuery(r.FormValue("query"))

	sections := make(map[string]string, len(models.Stages))
	for _, stage := range models.Stages {
		text, err := s.runner.Execute(r.Context(), stage, query, upload.ref)
		if err != nil {
			http.Error(w, fmt.Sprintf("error processing blood report: %v", err), http.StatusInternalServerError)
			return
		}
		sections[stage] = text
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"query":          query,
		"analysis":       worker.CombineSections(sections),
		"file_processed": upload.filename,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	analysis, err := s.store.GetAnalysis(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "analysis not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := s.queue.Status(r.Context(), id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"task_id": id,
		"status":  outcome.Status,
	}
	if outcome.Terminal() {
		if outcome.Result != "" {
			resp["result"] = outcome.Result
		}
		if outcome.Error != "" {
			resp["error"] = outcome.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(status) {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}

	summaries, total, err := s.store.ListAnalyses(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": summaries,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filePath, err := s.store.DeleteAnalysis(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "analysis not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting analysis: %v", err), http.StatusInternalServerError)
		return
	}

	// Artifact removal is best-effort: the record is gone either way.
	resp := map[string]string{"message": "Analysis deleted successfully"}
	if err := s.artifacts.Remove(r.Context(), filePath); err != nil {
		s.log.Warn().Err(err).Str("analysis_id", id).Str("file_path", filePath).Msg("remove artifact")
		resp["warning"] = fmt.Sprintf("document removal failed: %v", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type acceptedUpload struct {
	filename string
	ref      string
}

// acceptUpload saves the multipart "file" field into artifact storage under a
// collision-free name.
func (s *Server) acceptUpload(r *http.Request) (acceptedUpload, error) {
	if err := r.ParseMultipartForm(s.cfg.UploadMaxBytes); err != nil {
		return acceptedUpload{}, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return acceptedUpload{}, fmt.Errorf("file is required: %w", err)
	}
	defer file.Close()

	name := fmt.Sprintf("blood_test_report_%s.pdf", uuid.New().String())
	limited := io.LimitReader(file, s.cfg.UploadMaxBytes)
	ref, err := s.artifacts.Save(r.Context(), name, limited)
	if err != nil {
		return acceptedUpload{}, fmt.Errorf("save upload: %w", err)
	}
	return acceptedUpload{filename: header.Filename, ref: ref}, nil
}

func (s *Server) discardUpload(ctx context.Context, ref string) {
	if err := s.artifacts.Remove(ctx, ref); err != nil {
		s.log.Warn().Err(err).Str("ref", ref).Msg("discard upload")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
