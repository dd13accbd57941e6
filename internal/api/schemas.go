package api

import (
	"time"

	"github.com/workflowlens/runner/internal/backlog"
)

type HealthResponse struct {
	Status       string                `json:"status"`
	Version      string                `json:"version"`
	UptimeS      int64                 `json:"uptime_s"`
	WorkerID     string                `json:"worker_id,omitempty"`
	Dependencies *DependenciesResponse `json:"dependencies,omitempty"`
}

type DependenciesResponse struct {
	Analyzer    bool   `json:"analyzer"`
	FFmpeg      bool   `json:"ffmpeg"`
	FFprobe     bool   `json:"ffprobe"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

type StatusResponse struct {
	WorkerID     string `json:"worker_id,omitempty"`
	Running      bool   `json:"running"`
	State        string `json:"state"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	PendingJobs  int    `json:"pending_jobs"`
	LastError    string `json:"last_error,omitempty"`
}

type CreateJobRequest struct {
	UserID        string `json:"user_id"`
	VideoURL      string `json:"video_url"`
	VideoFilename string `json:"video_filename,omitempty"`
	PromptText    string `json:"prompt_text,omitempty"`
	Model         string `json:"model,omitempty"`
	SegmentLength int    `json:"segment_length,omitempty"`
}

type JobResponse struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Status          string  `json:"status"`
	VideoURL        string  `json:"video_url"`
	VideoFilename   string  `json:"video_filename,omitempty"`
	Model           string  `json:"model"`
	SegmentLength   int     `json:"segment_length"`
	WorkerID        string  `json:"worker_id,omitempty"`
	ResultJSONURL   string  `json:"result_json_url,omitempty"`
	ResultReportURL string  `json:"result_report_url,omitempty"`
	ProcessingTime  float64 `json:"processing_time,omitempty"`
	FramesAnalyzed  int     `json:"frames_analyzed"`
	Error           string  `json:"error,omitempty"`
	ErrorCategory   string  `json:"error_category,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	StartedAt       string  `json:"started_at,omitempty"`
	CompletedAt     string  `json:"completed_at,omitempty"`
	FailedAt        string  `json:"failed_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JobToResponse omits the error trace; it can carry subprocess output.
func JobToResponse(j *backlog.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		UserID:          j.UserID,
		Status:          string(j.Status),
		VideoURL:        j.VideoURL,
		VideoFilename:   j.VideoFilename,
		Model:           j.Model,
		SegmentLength:   j.SegmentLength,
		WorkerID:        j.WorkerID,
		ResultJSONURL:   j.ResultJSONURL,
		ResultReportURL: j.ResultReportURL,
		ProcessingTime:  j.ProcessingTime,
		FramesAnalyzed:  j.FramesAnalyzed,
		Error:           j.Error,
		ErrorCategory:   j.ErrorCategory,
		CreatedAt:       formatTime(j.CreatedAt),
		UpdatedAt:       formatTime(j.UpdatedAt),
		StartedAt:       formatTimePtr(j.StartedAt),
		CompletedAt:     formatTimePtr(j.CompletedAt),
		FailedAt:        formatTimePtr(j.FailedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
