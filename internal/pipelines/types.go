// Package pipelines supervises the analyzer executable: one subprocess per
// job attempt, bounded by a hard wall-clock limit, with its outcome mapped
// onto the runner's failure kinds.
package pipelines

import "time"

// Exit codes of the analyzer executable.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitTransient = 3
)

// Request describes one analyzer invocation.
type Request struct {
	VideoPath      string
	PromptPath     string
	OutputDir      string
	Model          string // model key, e.g. "pro"
	SegmentMinutes int
	Concurrency    int

	// Exactly one of these selects where the child records uploaded
	// handles. LedgerKey uses Redis at REDIS_URL.
	LedgerFile string
	LedgerKey  string
}

// RunResult is the structured outcome of an analyzer subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	PID        int           `json:"pid,omitempty"`
	OutputDir  string        `json:"output_dir,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out"`
}

// IsSuccess returns true when the subprocess exited cleanly in time.
func (r RunResult) IsSuccess() bool { return r.ExitCode == ExitOK && !r.TimedOut }

// Capabilities reports whether the executables an analysis needs are
// installed.
type Capabilities struct {
	Analyzer DepInfo   `json:"analyzer"`
	FFmpeg   DepInfo   `json:"ffmpeg"`
	FFprobe  DepInfo   `json:"ffprobe"`
	ProbedAt time.Time `json:"probed_at"`
}

// Ready is true when every executable was found.
func (c Capabilities) Ready() bool {
	return c.Analyzer.Available && c.FFmpeg.Available && c.FFprobe.Available
}

// DepInfo represents the availability status of a single executable.
type DepInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}
