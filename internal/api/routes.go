package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/workflowlens/runner/internal/backlog"
	"github.com/workflowlens/runner/internal/inference"
)

const maxRequestBody = 64 << 10

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))

	r.Route("/jobs", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))

		r.Get("/", listJobsHandler(cfg))
		r.Post("/", createJobHandler(cfg))
		r.Get("/{id}", getJobHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Worker != nil {
			resp.WorkerID = cfg.Worker.Snapshot().WorkerID
		}

		if cfg.Doctor != nil {
			caps, err := cfg.Doctor.Get(r.Context())
			if err != nil || !caps.Ready() {
				resp.Status = "degraded"
			}
			if caps != nil {
				resp.Dependencies = &DependenciesResponse{
					Analyzer:    caps.Analyzer.Available,
					FFmpeg:      caps.FFmpeg.Available,
					FFprobe:     caps.FFprobe.Available,
					LastProbeAt: formatTime(caps.ProbedAt),
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{State: "idle"}
		if cfg.Worker != nil {
			s := cfg.Worker.Snapshot()
			resp.WorkerID = s.WorkerID
			resp.Running = s.Running
			resp.State = s.State
			resp.CurrentJobID = s.CurrentJobID
		}

		if cfg.Store != nil {
			pending, err := cfg.Store.List(r.Context(), backlog.ListOptions{Status: backlog.StatusPending, Limit: 500})
			if err == nil {
				resp.PendingJobs = len(pending)
			}
			failed, err := cfg.Store.List(r.Context(), backlog.ListOptions{Status: backlog.StatusFailed, Limit: 1})
			if err == nil && len(failed) > 0 {
				resp.LastError = failed[0].Error
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := backlog.ListOptions{Status: backlog.Status(r.URL.Query().Get("status"))}
		switch opts.Status {
		case "", backlog.StatusPending, backlog.StatusProcessing, backlog.StatusCompleted, backlog.StatusFailed:
		default:
			WriteError(w, http.StatusBadRequest, "unknown status filter", "BAD_REQUEST")
			return
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			opts.Limit = n
		}

		jobs, err := cfg.Store.List(r.Context(), opts)
		if err != nil {
			cfg.Logger.Error("failed to list jobs", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Store.Get(r.Context(), id)
		if errors.Is(err, backlog.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		if err != nil {
			cfg.Logger.Error("failed to get job", "job_id", id, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to get job", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func createJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Model != "" {
			m, err := inference.ResolveModel(req.Model)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			if req.SegmentLength > m.MaxSegmentMinutes {
				WriteError(w, http.StatusBadRequest,
					"segment_length exceeds "+strconv.Itoa(m.MaxSegmentMinutes)+" minutes for model "+m.Key, "BAD_REQUEST")
				return
			}
		}

		job, err := backlog.NewJob(backlog.NewJobParams{
			UserID:        req.UserID,
			VideoURL:      req.VideoURL,
			VideoFilename: req.VideoFilename,
			PromptText:    req.PromptText,
			Model:         req.Model,
			SegmentLength: req.SegmentLength,
		}, time.Now())
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		if err := cfg.Store.Create(r.Context(), job); err != nil {
			cfg.Logger.Error("failed to create job", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to create job", "INTERNAL_ERROR")
			return
		}

		cfg.Logger.Info("job enqueued", "job_id", job.ID, "model", job.Model)
		WriteJSON(w, http.StatusCreated, JobToResponse(job))
	}
}
