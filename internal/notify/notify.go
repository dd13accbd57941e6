// Package notify tells the outside world about job transitions: an HTTP
// webhook per transition, a separate alert for critical failures, and an
// optional event stream.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event is the payload of one job status transition.
type Event struct {
	AnalysisID     string    `json:"analysis_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	FramesAnalyzed int       `json:"frames_analyzed"`
	Result         *Result   `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	ErrorCategory  string    `json:"error_category,omitempty"`
}

// Result carries the artifact references of a completed job.
type Result struct {
	JSONURL        string  `json:"json_url"`
	ReportURL      string  `json:"report_url,omitempty"`
	ProcessingTime float64 `json:"processing_time"` // seconds
}

// Alert is a critical failure that needs an operator.
type Alert struct {
	Type          string    `json:"type"`
	JobID         string    `json:"job_id"`
	ErrorCategory string    `json:"error_category"`
	ErrorMessage  string    `json:"error_message"`
	WorkerID      string    `json:"worker_id"`
	Timestamp     time.Time `json:"timestamp"`
}

const AlertTypeCritical = "critical_error"

// Notifier delivers events and alerts.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Alert(ctx context.Context, a Alert) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
