// Package backlog is the durable job queue the worker claims analysis jobs
// from. Claiming is a single atomic store operation; after the claim only
// the claiming worker may move the job, and terminal states are final.
package backlog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	DefaultModel         = "pro"
	DefaultSegmentLength = 10 // minutes
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotClaimed        = errors.New("job is not claimed by this worker")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Job is one analysis request and its lifecycle metadata.
type Job struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	VideoURL      string `json:"video_url"`
	VideoFilename string `json:"video_filename,omitempty"`
	PromptText    string `json:"prompt_text,omitempty"`
	Model         string `json:"model"`
	SegmentLength int    `json:"segment_length"`
	Status        Status `json:"status"`
	WorkerID      string `json:"worker_id,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	ResultJSONURL   string  `json:"result_json_url,omitempty"`
	ResultReportURL string  `json:"result_report_url,omitempty"`
	ProcessingTime  float64 `json:"processing_time,omitempty"` // seconds
	FramesAnalyzed  int     `json:"frames_analyzed"`

	Error         string `json:"error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorTrace    string `json:"error_trace,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJobParams are the caller-supplied fields of a new job.
type NewJobParams struct {
	UserID        string
	VideoURL      string
	VideoFilename string
	PromptText    string
	Model         string
	SegmentLength int
}

// NewJob builds a pending job, filling defaults.
func NewJob(p NewJobParams, now time.Time) (*Job, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(p.VideoURL) == "" {
		return nil, fmt.Errorf("video_url is required")
	}
	if p.SegmentLength < 0 {
		return nil, fmt.Errorf("segment_length must be positive")
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.SegmentLength == 0 {
		p.SegmentLength = DefaultSegmentLength
	}
	now = now.UTC()
	return &Job{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		VideoURL:      p.VideoURL,
		VideoFilename: p.VideoFilename,
		PromptText:    p.PromptText,
		Model:         p.Model,
		SegmentLength: p.SegmentLength,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// ValidateTransition allows a same-status update only for processing,
// which is how started_at and worker metadata are recorded.
func ValidateTransition(from, to Status) error {
	if from == to && from == StatusProcessing {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StatusUpdate is the typed metadata recorded with a transition. Zero
// values leave the stored column untouched.
type StatusUpdate struct {
	Status Status

	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time

	ResultJSONURL   string
	ResultReportURL string
	ProcessingTime  time.Duration
	FramesAnalyzed  int

	Error         string
	ErrorCategory string
	ErrorTrace    string
}

// Validate checks that the update carries what its target status requires.
func (u StatusUpdate) Validate() error {
	switch u.Status {
	case StatusProcessing:
		if u.StartedAt.IsZero() {
			return fmt.Errorf("processing update requires started_at")
		}
	case StatusCompleted:
		if u.CompletedAt.IsZero() {
			return fmt.Errorf("completed update requires completed_at")
		}
		if u.ResultJSONURL == "" {
			return fmt.Errorf("completed update requires result_json_url")
		}
	case StatusFailed:
		if u.FailedAt.IsZero() {
			return fmt.Errorf("failed update requires failed_at")
		}
		if u.Error == "" {
			return fmt.Errorf("failed update requires error")
		}
	default:
		return fmt.Errorf("%w: cannot update to %q", ErrInvalidTransition, u.Status)
	}
	return nil
}
