package pipelines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/workflowlens/runner/internal/apperr"
	"github.com/workflowlens/runner/internal/logging"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	DefaultTimeout   = time.Hour
	DefaultWaitDelay = 10 * time.Second
)

// Runner executes the analyzer as a subprocess.
type Runner interface {
	// RunAnalysis runs one analysis under the configured wall-clock limit.
	// A non-zero exit is reported in the result, not as an error.
	RunAnalysis(ctx context.Context, req Request) (RunResult, error)

	// RunDoctor checks that the analyzer and media tools can be found.
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// Config holds the runner's configuration.
type Config struct {
	AnalyzerPath string        // executable name or path; resolved at construction
	FFmpegPath   string
	FFprobePath  string
	Timeout      time.Duration // hard wall-clock ceiling per invocation
	WaitDelay    time.Duration // grace for pipes to close after a kill
	Env          []string      // appended to the parent's environment
	Stdout       io.Writer     // child log output; nil discards
	Logger       *slog.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(logger *slog.Logger) Config {
	return Config{
		AnalyzerPath: "analyzer",
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		Timeout:      DefaultTimeout,
		WaitDelay:    DefaultWaitDelay,
		Logger:       logger,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg      Config
	analyzer string // resolved analyzer path
}

var _ Runner = (*SubprocessRunner)(nil)

// NewRunner creates a SubprocessRunner, resolving the analyzer binary.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	analyzer, err := resolveAnalyzer(cfg.AnalyzerPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate analyzer: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}

	cfg.Logger.Info("analysis runner initialised",
		"analyzer", analyzer,
		"timeout", cfg.Timeout,
	)

	return &SubprocessRunner{cfg: cfg, analyzer: analyzer}, nil
}

// RunDoctor probes the installed executables.
func (r *SubprocessRunner) RunDoctor(_ context.Context) (*Capabilities, error) {
	caps := &Capabilities{
		Analyzer: lookup(r.analyzer),
		FFmpeg:   lookup(r.cfg.FFmpegPath),
		FFprobe:  lookup(r.cfg.FFprobePath),
		ProbedAt: time.Now(),
	}

	r.cfg.Logger.Info("doctor probe complete",
		"analyzer", caps.Analyzer.Available,
		"ffmpeg", caps.FFmpeg.Available,
		"ffprobe", caps.FFprobe.Available,
	)
	return caps, nil
}

func (r *SubprocessRunner) args(req Request) []string {
	args := []string{
		"-m", req.Model,
		"-s", strconv.Itoa(req.SegmentMinutes),
		"--prompt-file", req.PromptPath,
		"-o", req.OutputDir,
	}
	if req.Concurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(req.Concurrency))
	}
	switch {
	case req.LedgerFile != "":
		args = append(args, "--handle-ledger", req.LedgerFile)
	case req.LedgerKey != "":
		args = append(args, "--handle-ledger-key", req.LedgerKey)
	}
	return append(args, req.VideoPath)
}

// RunAnalysis runs the analyzer in its own process group. On expiry of the
// wall-clock limit the whole group is killed and reaped before returning.
func (r *SubprocessRunner) RunAnalysis(ctx context.Context, req Request) (RunResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return RunResult{ExitCode: -1}, apperr.E(apperr.KindIO, "analysis", fmt.Errorf("create output dir: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := r.args(req)
	cmd := exec.CommandContext(runCtx, r.analyzer, args...)
	configureProcess(cmd)
	cmd.WaitDelay = r.cfg.WaitDelay
	cmd.Env = append(os.Environ(), r.cfg.Env...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard
	if r.cfg.Stdout != nil {
		cmd.Stdout = r.cfg.Stdout
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1, StderrTail: err.Error()}, apperr.E(apperr.KindResource, "analysis", fmt.Errorf("start analyzer: %w", err))
	}
	pid := cmd.Process.Pid

	r.cfg.Logger.Info("analysis subprocess started",
		"pid", pid,
		"video", logging.SanitizePath(req.VideoPath),
		"model", req.Model,
		"segment_minutes", req.SegmentMinutes,
		"timeout", r.cfg.Timeout,
	)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	result := RunResult{
		ExitCode:   exitCode(waitErr),
		PID:        pid,
		OutputDir:  req.OutputDir,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}

	// The parent's own cancellation is not a timeout.
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		r.cfg.Logger.Error("analysis subprocess killed after timeout",
			"pid", pid,
			"timeout", r.cfg.Timeout,
			"duration_ms", elapsed.Milliseconds(),
		)
		return result, nil
	}

	if result.ExitCode != ExitOK {
		r.cfg.Logger.Warn("analysis subprocess failed",
			"pid", pid,
			"exit_code", result.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("analysis subprocess succeeded",
			"pid", pid,
			"duration_ms", elapsed.Milliseconds(),
			"output", logging.SanitizePath(req.OutputDir),
		)
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// resolveAnalyzer finds the analyzer binary: the configured path, then a
// sibling of the running executable, then PATH.
func resolveAnalyzer(preferred string) (string, error) {
	if preferred == "" {
		preferred = "analyzer"
	}
	if filepath.IsAbs(preferred) || filepath.Base(preferred) != preferred {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured analyzer %q not found", preferred)
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), preferred)
		if p, err := exec.LookPath(sibling); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath(preferred); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%q not found next to the runner or on PATH", preferred)
}

func lookup(name string) DepInfo {
	p, err := exec.LookPath(name)
	if err != nil {
		return DepInfo{Error: err.Error()}
	}
	return DepInfo{Available: true, Path: p}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + string(runeTail([]byte(s), maxLen))
}

// runeTail returns at most the last n bytes of b, starting on a rune
// boundary.
func runeTail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	b = b[len(b)-n:]
	for i := 0; i < len(b) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(b[i]) {
			return b[i:]
		}
	}
	return b
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes,
// cut on a rune boundary.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		tail := bytes.Clone(runeTail(lw.w.Bytes(), lw.limit))
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
