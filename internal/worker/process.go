package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/workflowlens/runner/internal/apperr"
	"github.com/workflowlens/runner/internal/backlog"
	"github.com/workflowlens/runner/internal/export"
	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/inference"
	"github.com/workflowlens/runner/internal/logging"
	"github.com/workflowlens/runner/internal/notify"
	"github.com/workflowlens/runner/internal/pipelines"
	"github.com/workflowlens/runner/internal/retry"
	"github.com/workflowlens/runner/internal/storage"
)

type outcome struct {
	jsonURL   string
	reportURL string
	frames    int
}

// Process drives a claimed job to a terminal state. The job is attempted
// once; only the individual steps retry. It returns the job's failure, or
// the store error when a transition could not be recorded.
func (w *Worker) Process(ctx context.Context, job *backlog.Job) error {
	w.setCurrentJob(job.ID)
	defer w.setCurrentJob("")

	logger := logging.WithJobID(w.logger, job.ID)
	started := w.now().UTC()
	logger.Info("processing job", "model", job.Model, "segment_minutes", job.SegmentLength)

	err := w.transition(ctx, job, backlog.StatusUpdate{
		Status:    backlog.StatusProcessing,
		StartedAt: started,
	}, notify.Event{}, logger)
	if err != nil {
		return err
	}

	out, stderrTail, err := w.execute(ctx, job, logger)
	if err != nil {
		return w.fail(ctx, job, err, stderrTail, logger)
	}

	elapsed := w.now().Sub(started)
	err = w.transition(ctx, job, backlog.StatusUpdate{
		Status:          backlog.StatusCompleted,
		CompletedAt:     w.now().UTC(),
		ResultJSONURL:   out.jsonURL,
		ResultReportURL: out.reportURL,
		ProcessingTime:  elapsed,
		FramesAnalyzed:  out.frames,
	}, notify.Event{
		FramesAnalyzed: out.frames,
		Result: &notify.Result{
			JSONURL:        out.jsonURL,
			ReportURL:      out.reportURL,
			ProcessingTime: elapsed.Seconds(),
		},
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("job completed", "frames_analyzed", out.frames, "duration_ms", elapsed.Milliseconds())
	return nil
}

// transition records upd and, only if the store accepted it, sends one
// notification. Notification failures are logged and otherwise ignored.
func (w *Worker) transition(ctx context.Context, job *backlog.Job, upd backlog.StatusUpdate, ev notify.Event, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := w.store.UpdateStatus(ctx, job.ID, w.id, upd); err != nil {
		logger.Error("failed to record job status", "status", upd.Status, "error", err)
		return fmt.Errorf("record %s for job %s: %w", upd.Status, job.ID, err)
	}
	job.Status = upd.Status

	ev.AnalysisID = job.ID
	ev.Status = string(upd.Status)
	ev.Timestamp = w.now().UTC()
	if err := w.notifier.Notify(ctx, ev); err != nil {
		logger.Warn("failed to send status notification", "status", upd.Status, "error", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, job *backlog.Job, jobErr error, stderrTail string, logger *slog.Logger) error {
	category := apperr.Categorize(jobErr)
	msg := jobErr.Error()
	logger.Error("job failed", "category", category, "error", msg)

	msg = strings.ToValidUTF8(msg, "\uFFFD")

	trace := msg
	if stderrTail != "" {
		trace += "\n" + strings.ToValidUTF8(stderrTail, "\uFFFD")
	}
	trace = truncateRunes(trace, maxTraceLen)

	err := w.transition(ctx, job, backlog.StatusUpdate{
		Status:        backlog.StatusFailed,
		FailedAt:      w.now().UTC(),
		Error:         msg,
		ErrorCategory: string(category),
		ErrorTrace:    trace,
	}, notify.Event{
		Error:         msg,
		ErrorCategory: string(category),
	}, logger)
	if err != nil {
		return err
	}

	if category.Critical() {
		w.alert(ctx, job, category, msg, logger)
	}
	return jobErr
}

func (w *Worker) alert(ctx context.Context, job *backlog.Job, category apperr.Category, msg string, logger *slog.Logger) {
	logger.Error("critical error alert",
		"category", category,
		"error", msg,
		"action", "check API quotas and keys, storage permissions and service configuration",
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	err := w.notifier.Alert(ctx, notify.Alert{
		Type:          notify.AlertTypeCritical,
		JobID:         job.ID,
		ErrorCategory: string(category),
		ErrorMessage:  msg,
		WorkerID:      w.id,
		Timestamp:     w.now().UTC(),
	})
	if err != nil {
		logger.Error("failed to send critical alert", "error", err)
	}
}

// execute runs every step between the processing and terminal transitions.
// The stderr tail of the last analyzer run is returned for diagnostics.
func (w *Worker) execute(ctx context.Context, job *backlog.Job, logger *slog.Logger) (*outcome, string, error) {
	if err := validateJob(job); err != nil {
		return nil, "", err
	}

	dir, err := os.MkdirTemp(w.cfg.WorkDir, "job-*")
	if err != nil {
		return nil, "", apperr.E(apperr.KindResource, "job dir", err)
	}
	defer os.RemoveAll(dir)

	videoPath, err := w.downloadVideo(ctx, job, dir, logger)
	if err != nil {
		return nil, "", err
	}

	promptPath := filepath.Join(dir, promptFileName)
	prompt := job.PromptText
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return nil, "", apperr.E(apperr.KindIO, "write prompt", err)
	}

	outputDir := filepath.Join(dir, analyzerOutputDir)
	req := pipelines.Request{
		VideoPath:      videoPath,
		PromptPath:     promptPath,
		OutputDir:      outputDir,
		Model:          job.Model,
		SegmentMinutes: job.SegmentLength,
		Concurrency:    w.cfg.SegmentConcurrency,
	}
	ledger, err := w.openLedger(job.ID, dir, &req)
	if err != nil {
		return nil, "", err
	}

	var last pipelines.RunResult
	err = retry.Do(ctx, w.cfg.AnalysisPolicy, logger, func(ctx context.Context) error {
		os.RemoveAll(outputDir)
		res, err := w.runner.RunAnalysis(ctx, req)
		last = res
		if err == nil {
			err = pipelines.Classify(res)
		}
		if err != nil {
			w.sweep(ctx, ledger, logger)
		}
		return err
	})
	if err != nil {
		return nil, last.StderrTail, err
	}
	// a successful run can still leave handles whose delete failed
	w.sweep(ctx, ledger, logger)

	report, reportPath, err := export.ReadReport(outputDir)
	if err != nil {
		return nil, last.StderrTail, err
	}
	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, "", apperr.E(apperr.KindIO, "read report", err)
	}

	base := path.Join(job.UserID, job.ID)
	jsonPath := path.Join(base, resultFileName)
	err = retry.Do(ctx, w.cfg.ResultUploadPolicy, logger, func(ctx context.Context) error {
		return w.storage.Upload(ctx, w.cfg.ResultsBucket, jsonPath, data, "application/json")
	})
	if err != nil {
		return nil, "", fmt.Errorf("upload analysis result: %w", err)
	}
	out := &outcome{
		jsonURL: w.storage.PublicURL(w.cfg.ResultsBucket, jsonPath),
		frames:  len(report.Segments),
	}

	// The Markdown report is a convenience; the job succeeds without it.
	var md bytes.Buffer
	if err := export.RenderMarkdown(&md, report, ""); err != nil {
		logger.Warn("failed to render report", "error", err)
		return out, "", nil
	}
	mdPath := path.Join(base, reportFileName)
	err = retry.Do(ctx, w.cfg.ResultUploadPolicy, logger, func(ctx context.Context) error {
		return w.storage.Upload(ctx, w.cfg.ResultsBucket, mdPath, md.Bytes(), "text/markdown; charset=utf-8")
	})
	if err != nil {
		logger.Warn("failed to upload report", "error", err)
		return out, "", nil
	}
	out.reportURL = w.storage.PublicURL(w.cfg.ResultsBucket, mdPath)
	return out, "", nil
}

func validateJob(job *backlog.Job) error {
	m, err := inference.ResolveModel(job.Model)
	if err != nil {
		return apperr.E(apperr.KindValidation, "job", err)
	}
	if job.SegmentLength <= 0 || job.SegmentLength > m.MaxSegmentMinutes {
		return apperr.Errorf(apperr.KindValidation, "job",
			"segment length %d min is outside 1..%d for model %s", job.SegmentLength, m.MaxSegmentMinutes, m.Key)
	}
	return nil
}

func (w *Worker) downloadVideo(ctx context.Context, job *backlog.Job, dir string, logger *slog.Logger) (string, error) {
	bucket, objectPath, err := storage.ParsePublicURL(job.VideoURL)
	if err != nil {
		return "", err
	}

	name := export.SanitizeName(job.VideoFilename, 200)
	if name == "" || name == "." || name == ".." {
		name = export.SanitizeName(path.Base(objectPath), 200)
	}
	videoPath := filepath.Join(dir, name)

	var size int64
	err = retry.Do(ctx, w.cfg.DownloadPolicy, logger, func(ctx context.Context) error {
		f, err := os.Create(videoPath)
		if err != nil {
			return apperr.E(apperr.KindIO, "create video file", err)
		}
		n, err := w.storage.Download(ctx, bucket, objectPath, f)
		if cerr := f.Close(); err == nil && cerr != nil {
			err = apperr.E(apperr.KindIO, "write video file", cerr)
		}
		size = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}

	mtype, err := mimetype.DetectFile(videoPath)
	if err != nil {
		return "", apperr.E(apperr.KindIO, "inspect video", err)
	}
	if strings.HasPrefix(mtype.String(), "text/") || mtype.Is("application/json") {
		return "", apperr.Errorf(apperr.KindValidation, "download video",
			"downloaded file is not a video (detected %s)", mtype.String())
	}

	logger.Info("video downloaded", "bucket", bucket, "bytes", size, "mime", mtype.String())
	return videoPath, nil
}

func (w *Worker) openLedger(jobID, dir string, req *pipelines.Request) (handles.Ledger, error) {
	switch {
	case w.tracking.Deleter == nil:
		return handles.Nop{}, nil
	case w.tracking.Redis != nil:
		req.LedgerKey = jobID
		return handles.NewRedisLedger(w.tracking.Redis, jobID, handles.DefaultRedisTTL), nil
	default:
		req.LedgerFile = filepath.Join(dir, "handles.log")
		return handles.NewFileLedger(req.LedgerFile)
	}
}

func (w *Worker) sweep(ctx context.Context, ledger handles.Ledger, logger *slog.Logger) {
	if w.tracking.Deleter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
	defer cancel()

	if _, err := handles.Sweep(ctx, ledger, w.tracking.Deleter, logger); err != nil {
		logger.Warn("handle sweep failed", "error", err)
	}
}


// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
