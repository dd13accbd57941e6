// Package worker consumes the backlog: it claims one job at a time, runs
// the analyzer for it, publishes the artifacts and records the outcome.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workflowlens/runner/internal/backlog"
	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/logging"
	"github.com/workflowlens/runner/internal/notify"
	"github.com/workflowlens/runner/internal/pipelines"
	"github.com/workflowlens/runner/internal/retry"
	"github.com/workflowlens/runner/internal/storage"
)

const (
	DefaultPollInterval = 5 * time.Second

	maxTraceLen       = 1000
	finalizeTimeout   = 30 * time.Second
	sweepTimeout      = time.Minute
	resultFileName    = "analysis_result.json"
	reportFileName    = "analysis_report.md"
	promptFileName    = "prompt.txt"
	analyzerOutputDir = "output"
)

// DefaultPrompt is used for jobs submitted without prompt text.
const DefaultPrompt = `Analyze this video segment and identify:
1. Key workflow steps and processes shown
2. Tools, software, or equipment being used
3. Time spent on each activity
4. Any inefficiencies or bottlenecks observed
5. Suggestions for workflow optimization

Please be specific and detailed in your analysis.`

type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	WorkDir            string // parent of per-job temp dirs; "" uses the OS temp dir
	ResultsBucket      string
	SegmentConcurrency int

	DownloadPolicy     retry.Policy
	ResultUploadPolicy retry.Policy
	AnalysisPolicy     retry.Policy
}

func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:           workerID,
		PollInterval:       DefaultPollInterval,
		ResultsBucket:      "results",
		DownloadPolicy:     retry.Download,
		ResultUploadPolicy: retry.ResultUpload,
		AnalysisPolicy:     retry.Analysis,
	}
}

// HandleTracking decides where the analyzer records uploaded handles and
// lets the worker release the ones a failed attempt left behind. A nil
// Deleter disables tracking.
type HandleTracking struct {
	Deleter handles.Deleter
	Redis   *redis.Client // ledgers live in Redis when set, otherwise in the job dir
}

// Worker owns the claim loop of one process. Its state is only mutated by
// Run and Process.
type Worker struct {
	id       string
	store    backlog.Store
	storage  storage.Client
	runner   pipelines.Runner
	notifier notify.Notifier
	tracking HandleTracking
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool

	mu           sync.RWMutex
	currentJobID string
}

func New(store backlog.Store, objects storage.Client, runner pipelines.Runner, notifier notify.Notifier, tracking HandleTracking, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if notifier == nil {
		notifier = notify.Multi{}
	}
	return &Worker{
		id:       cfg.WorkerID,
		store:    store,
		storage:  objects,
		runner:   runner,
		notifier: notifier,
		tracking: tracking,
		cfg:      cfg,
		logger:   logging.WithWorkerID(logging.WithComponent(logger, "worker"), cfg.WorkerID),
		now:      time.Now,
	}
}

// Snapshot is the observable state of a worker.
type Snapshot struct {
	WorkerID     string `json:"worker_id"`
	Running      bool   `json:"running"`
	State        string `json:"state"`
	CurrentJobID string `json:"current_job_id,omitempty"`
}

func (w *Worker) Snapshot() Snapshot {
	s := Snapshot{WorkerID: w.id, Running: w.running.Load(), State: "idle", CurrentJobID: w.CurrentJobID()}
	if s.CurrentJobID != "" {
		s.State = "processing"
	}
	return s
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) IsRunning() bool { return w.running.Load() }

func (w *Worker) CurrentJobID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentJobID
}

func (w *Worker) setCurrentJob(id string) {
	w.mu.Lock()
	w.currentJobID = id
	w.mu.Unlock()
}

// Run claims and processes jobs until ctx is cancelled. When nothing is
// pending it sleeps for the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	if w.running.Swap(true) {
		return errors.New("worker already running")
	}
	defer w.running.Store(false)

	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("job cycle failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims at most one job and processes it. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.Process(ctx, job)
}
