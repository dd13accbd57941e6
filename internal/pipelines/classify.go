package pipelines

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/workflowlens/runner/internal/apperr"
)

const failurePrefix = "analysis failed"

var failureLine = regexp.MustCompile(`analysis failed \(kind=([a-z_]+)\): (.*)`)

// FailureLine formats the final stderr line the analyzer writes on failure.
func FailureLine(kind apperr.Kind, msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	return fmt.Sprintf("%s (kind=%s): %s", failurePrefix, kind, msg)
}

// ExitCodeFor maps a failure onto the analyzer's exit code.
func ExitCodeFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindQuota, apperr.KindRemoteAPI:
		return ExitTransient
	case apperr.KindValidation:
		return ExitUsage
	default:
		return ExitFailure
	}
}

// parseFailure returns the kind and message of the last failure line in
// the stderr tail.
func parseFailure(stderr string) (apperr.Kind, string) {
	matches := failureLine.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return "", ""
	}
	last := matches[len(matches)-1]
	return apperr.Kind(last[1]), strings.TrimSpace(last[2])
}

// Classify turns an unsuccessful run into an error. Only quota and
// remote_api results are eligible for another invocation. Failures the
// child did not explain are validation errors.
func Classify(r RunResult) error {
	if r.IsSuccess() {
		return nil
	}
	if r.TimedOut {
		return apperr.Errorf(apperr.KindTimeout, "analysis",
			"analysis subprocess timeout after %s", r.Duration.Round(time.Second))
	}

	kind, msg := parseFailure(r.StderrTail)
	if msg == "" {
		msg = lastLine(r.StderrTail)
	}
	if msg == "" {
		msg = "no diagnostic output"
	}
	detail := fmt.Sprintf("analyzer exited %d: %s", r.ExitCode, msg)

	lower := strings.ToLower(r.StderrTail)
	switch {
	case kind == apperr.KindQuota || kind == apperr.KindRemoteAPI:
	case strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit"):
		kind = apperr.KindQuota
	case r.ExitCode == ExitTransient:
		kind = apperr.KindRemoteAPI
	case kind == "" && strings.Contains(lower, "gemini") && strings.Contains(lower, "api"):
		kind = apperr.KindRemoteAPI
	case kind == "" || kind == apperr.KindUnknown:
		kind = apperr.KindValidation
	}
	return apperr.Errorf(kind, "analysis", "%s", detail)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
