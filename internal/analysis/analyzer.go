package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/inference"
	"github.com/workflowlens/runner/internal/logging"
	"github.com/workflowlens/runner/internal/media"
	"github.com/workflowlens/runner/internal/retry"
)

const (
	DefaultCompressThreshold = 100 * 1024 * 1024
	DefaultDeleteTimeout     = 30 * time.Second
)

// AnalyzerConfig tunes a single segment's analysis.
type AnalyzerConfig struct {
	// Slices larger than this are re-encoded before upload. Zero disables
	// compression.
	CompressThreshold int64
	PollInterval      time.Duration
	MaxActiveWait     time.Duration
	DeleteTimeout     time.Duration
	UploadPolicy      retry.Policy
	GeneratePolicy    retry.Policy
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		CompressThreshold: DefaultCompressThreshold,
		PollInterval:      inference.DefaultPollInterval,
		MaxActiveWait:     inference.DefaultMaxActiveWait,
		DeleteTimeout:     DefaultDeleteTimeout,
		UploadPolicy:      retry.RemoteUpload,
		GeneratePolicy:    retry.RemoteGenerate,
	}
}

// Analyzer runs one segment through slice, upload, wait, generate and
// release.
type Analyzer struct {
	client inference.Client
	slicer media.Slicer
	ledger handles.Ledger
	cfg    AnalyzerConfig
	logger *slog.Logger
}

func NewAnalyzer(client inference.Client, slicer media.Slicer, ledger handles.Ledger, cfg AnalyzerConfig, logger *slog.Logger) *Analyzer {
	if ledger == nil {
		ledger = handles.Nop{}
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}
	return &Analyzer{
		client: client,
		slicer: slicer,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
	}
}

// Analyze returns the segment's result or the first failure that survived
// its step's retry policy. An uploaded handle is deleted exactly once
// whatever the outcome, and local slices are removed before returning.
func (a *Analyzer) Analyze(ctx context.Context, seg *Segment, prompt string) (SegmentResult, error) {
	logger := logging.WithSegment(a.logger, seg.Index)

	if err := a.prepareSlice(ctx, seg, logger); err != nil {
		return SegmentResult{}, fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	defer os.Remove(seg.Path)

	h, err := retry.DoValue(ctx, a.cfg.UploadPolicy, logger, func(ctx context.Context) (inference.Handle, error) {
		return a.client.Upload(ctx, seg.Path)
	})
	if err != nil {
		return SegmentResult{}, fmt.Errorf("segment %d: upload: %w", seg.Index, err)
	}
	if err := a.ledger.Record(ctx, h.Name); err != nil {
		logger.Warn("failed to record handle", "handle", h.Name, "error", err)
	}
	defer a.release(ctx, h.Name, logger)

	logger.Info("segment uploaded", "handle", h.Name)

	if err := inference.WaitActive(ctx, a.client, h.Name, a.cfg.PollInterval, a.cfg.MaxActiveWait); err != nil {
		return SegmentResult{}, fmt.Errorf("segment %d: %w", seg.Index, err)
	}

	text, err := retry.DoValue(ctx, a.cfg.GeneratePolicy, logger, func(ctx context.Context) (string, error) {
		return a.client.Generate(ctx, h, prompt)
	})
	if err != nil {
		return SegmentResult{}, fmt.Errorf("segment %d: generate: %w", seg.Index, err)
	}

	logger.Info("segment analyzed", "chars", len(text))
	return SegmentResult{
		Segment:  seg.Index,
		Range:    seg.Range(),
		Analysis: text,
	}, nil
}

// prepareSlice cuts the segment and swaps in a compressed slice when the
// copy is over the threshold.
func (a *Analyzer) prepareSlice(ctx context.Context, seg *Segment, logger *slog.Logger) error {
	req := media.SliceRequest{Source: seg.Video, Start: seg.Start, End: seg.End, OutDir: seg.WorkDir}
	path, err := a.slicer.Slice(ctx, req)
	if err != nil {
		return err
	}
	seg.Path = path

	if a.cfg.CompressThreshold <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("stat slice: %w", err)
	}
	if info.Size() <= a.cfg.CompressThreshold {
		return nil
	}

	logger.Info("compressing segment", "size_bytes", info.Size(), "threshold_bytes", a.cfg.CompressThreshold)
	req.Compress = true
	compressed, err := a.slicer.Slice(ctx, req)
	os.Remove(path)
	if err != nil {
		return err
	}
	seg.Path = compressed
	return nil
}

// release deletes the handle on a context that survives cancellation of
// the segment. Failures are logged only.
func (a *Analyzer) release(ctx context.Context, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DeleteTimeout)
	defer cancel()

	if err := a.client.Delete(ctx, name); err != nil {
		logger.Warn("failed to delete remote handle", "handle", name, "error", err)
		return
	}
	if err := a.ledger.Release(ctx, name); err != nil {
		logger.Warn("failed to release handle", "handle", name, "error", err)
	}
}
