package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workflowlens/runner/internal/apperr"
	"github.com/workflowlens/runner/internal/media"
)

const DefaultConcurrency = 3

// SegmentAnalyzer analyzes one segment.
type SegmentAnalyzer interface {
	Analyze(ctx context.Context, seg *Segment, prompt string) (SegmentResult, error)
}

// ProgressFunc is called once per completed segment, in completion order.
type ProgressFunc func(done, total int, res SegmentResult)

type PipelineConfig struct {
	SegmentLength int // seconds
	Concurrency   int
	WorkRoot      string // parent of the per-run slice directory; "" uses the OS temp dir
	OnProgress    ProgressFunc
}

// Pipeline analyzes every segment of a video with at most Concurrency
// segments in flight.
type Pipeline struct {
	analyzer SegmentAnalyzer
	prober   media.Prober
	cfg      PipelineConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewPipeline(analyzer SegmentAnalyzer, prober media.Prober, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Pipeline{
		analyzer: analyzer,
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run returns the results of every segment sorted by index.
func (p *Pipeline) Run(ctx context.Context, video, prompt string) ([]SegmentResult, error) {
	duration, err := p.prober.Duration(ctx, video)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, video, duration, prompt)
}

// RunReport is Run wrapped in a Report for the named model.
func (p *Pipeline) RunReport(ctx context.Context, video, prompt, model string) (*Report, error) {
	duration, err := p.prober.Duration(ctx, video)
	if err != nil {
		return nil, err
	}
	results, err := p.run(ctx, video, duration, prompt)
	if err != nil {
		return nil, err
	}
	return &Report{
		Video:                filepath.Base(video),
		Model:                model,
		SegmentLengthSeconds: p.cfg.SegmentLength,
		DurationSeconds:      duration,
		GeneratedAt:          p.now().UTC(),
		Segments:             results,
	}, nil
}

func (p *Pipeline) run(ctx context.Context, video string, duration int, prompt string) ([]SegmentResult, error) {
	segs, err := Split(duration, p.cfg.SegmentLength)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, apperr.Errorf(apperr.KindValidation, "pipeline", "video %s has no duration", filepath.Base(video))
	}

	workDir, err := os.MkdirTemp(p.cfg.WorkRoot, "segments-*")
	if err != nil {
		return nil, apperr.E(apperr.KindResource, "pipeline", fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	p.logger.Info("analyzing video",
		"video", filepath.Base(video),
		"duration_seconds", duration,
		"segments", len(segs),
		"concurrency", p.cfg.Concurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	results := make(chan SegmentResult, len(segs))
	waitErr := make(chan error, 1)

	go func() {
		for i := range segs {
			if gctx.Err() != nil {
				break
			}
			seg := &segs[i]
			seg.Video = video
			seg.WorkDir = workDir
			g.Go(func() error {
				res, err := p.analyzer.Analyze(gctx, seg, prompt)
				if err != nil {
					return err
				}
				results <- res
				return nil
			})
		}
		waitErr <- g.Wait()
		close(results)
	}()

	out := make([]SegmentResult, 0, len(segs))
	for res := range results {
		out = append(out, res)
		p.logger.Info("segment complete", "segment", res.Segment, "done", len(out), "total", len(segs))
		if p.cfg.OnProgress != nil {
			p.cfg.OnProgress(len(out), len(segs), res)
		}
	}
	if err := <-waitErr; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out, nil
}
