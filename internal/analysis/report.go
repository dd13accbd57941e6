package analysis

import (
	"time"

	"github.com/workflowlens/runner/internal/apperr"
)

// SegmentResult is the analysis of one segment.
type SegmentResult struct {
	Segment  int    `json:"segment"`
	Range    string `json:"range"`
	Analysis string `json:"analysis"`
}

// Report is the aggregated output of one video.
type Report struct {
	Video                string          `json:"video"`
	Model                string          `json:"model"`
	SegmentLengthSeconds int             `json:"segment_length_seconds"`
	DurationSeconds      int             `json:"duration_seconds"`
	GeneratedAt          time.Time       `json:"generated_at"`
	Segments             []SegmentResult `json:"segments"`
}

// Validate checks the report holds segments 1..n in order.
func (r *Report) Validate() error {
	if len(r.Segments) == 0 {
		return apperr.Errorf(apperr.KindValidation, "report", "report contains no segments")
	}
	for i, s := range r.Segments {
		if s.Segment != i+1 {
			return apperr.Errorf(apperr.KindValidation, "report", "segment %d found at position %d", s.Segment, i+1)
		}
	}
	return nil
}
