// Command analyzer splits videos into fixed-length segments, has each one
// analyzed by the remote model and writes one JSON report per video. The
// runner invokes it as a subprocess; on failure the last stderr line is
// "analysis failed (kind=<kind>): <message>" and the exit code tells
// transient failures (3) from usage errors (2) and everything else (1).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/workflowlens/runner/internal/analysis"
	"github.com/workflowlens/runner/internal/apperr"
	"github.com/workflowlens/runner/internal/config"
	"github.com/workflowlens/runner/internal/export"
	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/inference"
	"github.com/workflowlens/runner/internal/logging"
	"github.com/workflowlens/runner/internal/media"
	"github.com/workflowlens/runner/internal/pipelines"
)

const defaultModel = "pro"

type options struct {
	model          string
	segmentMinutes int
	promptFile     string
	outputDir      string
	noCompress     bool
	concurrency    int
	ledgerFile     string
	ledgerKey      string
	videos         []string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return pipelines.ExitOK
	}
	if err != nil {
		return fail(stderr, err)
	}

	if err := config.LoadDotEnv(); err != nil {
		return fail(stderr, apperr.E(apperr.KindValidation, "config", err))
	}
	cfg, err := config.New()
	if err != nil {
		return fail(stderr, apperr.E(apperr.KindValidation, "config", err))
	}
	if cfg.GoogleAPIKey() == "" {
		return fail(stderr, apperr.Errorf(apperr.KindAuth, "config", "%s is not set: api key required", config.EnvGoogleAPIKey))
	}

	logger := logging.WithComponent(logging.NewLogger(cfg.LogLevel()), "analyzer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := analyze(ctx, cfg, opts, logger); err != nil {
		logger.Error("analysis failed", "error", err)
		return fail(stderr, err)
	}
	return pipelines.ExitOK
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintln(stderr, pipelines.FailureLine(apperr.KindOf(err), err.Error()))
	return pipelines.ExitCodeFor(err)
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("analyzer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.model, "m", defaultModel, "model: "+strings.Join(inference.ModelKeys(), ", "))
	fs.IntVar(&opts.segmentMinutes, "s", 10, "segment length in minutes")
	fs.StringVar(&opts.promptFile, "prompt-file", "", "file holding the analysis prompt (required)")
	fs.StringVar(&opts.outputDir, "o", "./output", "directory for the JSON reports")
	fs.BoolVar(&opts.noCompress, "no-compress", false, "never re-encode large segments")
	fs.IntVar(&opts.concurrency, "concurrency", analysis.DefaultConcurrency, "segments analyzed in parallel")
	fs.StringVar(&opts.ledgerFile, "handle-ledger", "", "file recording uploaded handles")
	fs.StringVar(&opts.ledgerKey, "handle-ledger-key", "", "Redis set recording uploaded handles (server from REDIS_URL)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: analyzer [flags] video...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, apperr.E(apperr.KindValidation, "flags", err)
	}
	opts.videos = fs.Args()

	usage := func(format string, a ...any) error {
		return apperr.Errorf(apperr.KindValidation, "flags", format, a...)
	}
	if len(opts.videos) == 0 {
		return nil, usage("at least one video path is required")
	}
	if opts.promptFile == "" {
		return nil, usage("--prompt-file is required")
	}
	if opts.ledgerFile != "" && opts.ledgerKey != "" {
		return nil, usage("--handle-ledger and --handle-ledger-key are mutually exclusive")
	}
	if opts.concurrency <= 0 {
		return nil, usage("--concurrency must be positive, got %d", opts.concurrency)
	}
	m, err := inference.ResolveModel(opts.model)
	if err != nil {
		return nil, apperr.E(apperr.KindValidation, "flags", err)
	}
	if opts.segmentMinutes <= 0 || opts.segmentMinutes > m.MaxSegmentMinutes {
		return nil, usage("segment length must be between 1 and %d minutes for %s", m.MaxSegmentMinutes, m.Key)
	}
	opts.model = m.Key
	return opts, nil
}

func analyze(ctx context.Context, cfg *config.EnvConfig, opts *options, logger *slog.Logger) error {
	prompt, err := os.ReadFile(opts.promptFile)
	if err != nil {
		return apperr.E(apperr.KindValidation, "prompt", err)
	}
	if strings.TrimSpace(string(prompt)) == "" {
		return apperr.Errorf(apperr.KindValidation, "prompt", "prompt file %s is empty", opts.promptFile)
	}
	for _, v := range opts.videos {
		if _, err := os.Stat(v); err != nil {
			return apperr.E(apperr.KindValidation, "video", err)
		}
	}
	if err := export.PrepareOutputDir(opts.outputDir); err != nil {
		return err
	}

	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath(), cfg.FFprobePath(), logger)
	if err := ffmpeg.Check(); err != nil {
		return err
	}

	ledger, closeLedger, err := openLedger(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeLedger()

	model, _ := inference.ResolveModel(opts.model)
	client := inference.NewGeminiClient(inference.GeminiConfig{
		BaseURL: cfg.GeminiBaseURL(),
		APIKey:  cfg.GoogleAPIKey(),
		Model:   model.Name,
	}, logger)

	acfg := analysis.DefaultAnalyzerConfig()
	acfg.CompressThreshold = cfg.CompressThresholdBytes()
	if opts.noCompress {
		acfg.CompressThreshold = 0
	}
	analyzer := analysis.NewAnalyzer(client, ffmpeg, ledger, acfg, logger)

	for _, video := range opts.videos {
		vlog := logger.With("video", logging.SanitizePath(video))
		pipeline := analysis.NewPipeline(analyzer, ffmpeg, analysis.PipelineConfig{
			SegmentLength: opts.segmentMinutes * 60,
			Concurrency:   opts.concurrency,
			OnProgress: func(done, total int, res analysis.SegmentResult) {
				vlog.Info("progress", "percent", done*100/total, "range", res.Range)
			},
		}, vlog)

		start := time.Now()
		report, err := pipeline.RunReport(ctx, video, string(prompt), model.Key)
		if err != nil {
			return err
		}
		path, err := export.WriteReport(opts.outputDir, video, report, time.Now())
		if err != nil {
			return err
		}
		vlog.Info("report written",
			"path", logging.SanitizePath(path),
			"segments", len(report.Segments),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return nil
}

func openLedger(ctx context.Context, cfg *config.EnvConfig, opts *options) (handles.Ledger, func(), error) {
	switch {
	case opts.ledgerFile != "":
		l, err := handles.NewFileLedger(opts.ledgerFile)
		return l, func() {}, err
	case opts.ledgerKey != "":
		if cfg.RedisURL() == "" {
			return nil, nil, apperr.Errorf(apperr.KindValidation, "ledger", "--handle-ledger-key needs %s", config.EnvRedisURL)
		}
		rdb, err := handles.OpenRedis(ctx, cfg.RedisURL())
		if err != nil {
			return nil, nil, err
		}
		return handles.NewRedisLedger(rdb, opts.ledgerKey, handles.DefaultRedisTTL), func() { rdb.Close() }, nil
	default:
		return handles.Nop{}, func() {}, nil
	}
}
