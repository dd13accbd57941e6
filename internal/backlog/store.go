package backlog

import (
	"context"
	"fmt"
)

// Store is the backlog contract the worker depends on.
type Store interface {
	// ClaimNext atomically moves the oldest pending job to processing under
	// workerID and returns it, or returns nil when nothing is pending.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)

	// UpdateStatus records a transition for a job held by workerID.
	UpdateStatus(ctx context.Context, id, workerID string, upd StatusUpdate) error

	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)

	// FailInterrupted fails jobs left processing by workerID, typically
	// after a crash, and returns how many were affected.
	FailInterrupted(ctx context.Context, workerID string) (int, error)
}

type ListOptions struct {
	Status Status
	Limit  int
}

const (
	defaultListLimit  = 50
	interruptedReason = "interrupted by restart"
)

func (o ListOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 500 {
		return defaultListLimit
	}
	return o.Limit
}

// explainRejectedUpdate turns a zero-row update into the reason it was
// rejected.
func explainRejectedUpdate(ctx context.Context, get func(context.Context, string) (*Job, error), id, workerID string, to Status) error {
	job, err := get(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(job.Status, to); err != nil {
		return err
	}
	if job.WorkerID != workerID || job.Status != StatusProcessing {
		return fmt.Errorf("%w: job %s held by %q", ErrNotClaimed, id, job.WorkerID)
	}
	return fmt.Errorf("update of job %s affected no rows", id)
}
