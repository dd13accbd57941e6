package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowlens/runner/internal/apperr"
)

func TestSplit_TwentyFiveMinutesInTens(t *testing.T) {
	segs, err := Split(25*60, 10*60)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	assert.Equal(t, Segment{Index: 1, Start: 0, End: 600}, segs[0])
	assert.Equal(t, Segment{Index: 2, Start: 600, End: 1200}, segs[1])
	assert.Equal(t, Segment{Index: 3, Start: 1200, End: 1500}, segs[2])
	assert.Equal(t, 300, segs[2].Length())
}

func TestSplit_Coverage(t *testing.T) {
	for _, tc := range []struct{ duration, length int }{
		{1, 1}, {1, 600}, {599, 600}, {600, 600}, {601, 600}, {7200, 600}, {7261, 900}, {13, 4},
	} {
		segs, err := Split(tc.duration, tc.length)
		require.NoError(t, err)

		want := (tc.duration + tc.length - 1) / tc.length
		require.Len(t, segs, want, "D=%d L=%d", tc.duration, tc.length)

		next := 0
		for i, s := range segs {
			assert.Equal(t, i+1, s.Index)
			assert.Equal(t, next, s.Start, "segments must be contiguous")
			assert.Less(t, s.Start, s.End)
			assert.LessOrEqual(t, s.Length(), tc.length)
			next = s.End
		}
		assert.Equal(t, tc.duration, next, "segments must cover the whole video")
	}
}

func TestSplit_Deterministic(t *testing.T) {
	a, err := Split(3601, 600)
	require.NoError(t, err)
	b, err := Split(3601, 600)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSplit_Invalid(t *testing.T) {
	_, err := Split(100, 0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	segs, err := Split(0, 600)
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestFormatRange(t *testing.T) {
	assert.Equal(t, "0:00:00–0:10:00", FormatRange(0, 600))
	assert.Equal(t, "1:00:00–1:05:09", FormatRange(3600, 3909))
}

func TestReportValidate(t *testing.T) {
	r := &Report{}
	assert.Error(t, r.Validate())

	r.Segments = []SegmentResult{{Segment: 1}, {Segment: 2}}
	assert.NoError(t, r.Validate())

	r.Segments = []SegmentResult{{Segment: 2}, {Segment: 1}}
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(r.Validate()))
}
