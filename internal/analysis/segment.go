// Package analysis splits a video into fixed-length segments and drives each
// segment through the remote model, a bounded number at a time.
package analysis

import (
	"fmt"

	"github.com/workflowlens/runner/internal/apperr"
)

// Segment is a contiguous window [Start, End) of a video, in seconds.
// Index is 1-based.
type Segment struct {
	Index   int
	Video   string
	Start   int
	End     int
	WorkDir string // where slices are written
	Path    string // local slice, once cut
}

func (s Segment) Length() int { return s.End - s.Start }

func (s Segment) Range() string { return FormatRange(s.Start, s.End) }

// Split partitions [0, duration) into windows of length seconds. The last
// window is truncated to the duration. Results are identical for identical
// inputs.
func Split(duration, length int) ([]Segment, error) {
	if length <= 0 {
		return nil, apperr.Errorf(apperr.KindValidation, "split", "segment length must be positive, got %d", length)
	}
	if duration <= 0 {
		return nil, nil
	}

	n := (duration + length - 1) / length
	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := i * length
		end := min(start+length, duration)
		segs = append(segs, Segment{Index: i + 1, Start: start, End: end})
	}
	return segs, nil
}

// FormatRange renders a window as H:MM:SS–H:MM:SS.
func FormatRange(start, end int) string {
	return formatClock(start) + "–" + formatClock(end)
}

func formatClock(sec int) string {
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}
