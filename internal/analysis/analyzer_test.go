package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowlens/runner/internal/apperr"
	"github.com/workflowlens/runner/internal/handles"
	"github.com/workflowlens/runner/internal/inference"
	"github.com/workflowlens/runner/internal/media"
	"github.com/workflowlens/runner/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSlicer writes a file of the configured size for each request.
type fakeSlicer struct {
	mu       sync.Mutex
	size     int
	requests []media.SliceRequest
	err      error
}

func (s *fakeSlicer) Slice(_ context.Context, req media.SliceRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	size := s.size
	if req.Compress {
		size = 1
	}
	out := filepath.Join(req.OutDir, media.SliceName(req.Source, req.Start, req.End, req.Compress))
	if err := os.WriteFile(out, make([]byte, size), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

// fakeClient scripts the remote service.
type fakeClient struct {
	mu sync.Mutex

	uploadFailures   int
	uploadErr        error
	statuses         []inference.State
	generateFailures int
	generateErr      error

	uploads   []string
	polls     int
	generates int
	deletes   []string
}

func (c *fakeClient) Upload(_ context.Context, path string) (inference.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, path)
	if c.uploadFailures > 0 {
		c.uploadFailures--
		return inference.Handle{}, c.uploadErr
	}
	name := fmt.Sprintf("files/%d", len(c.uploads))
	return inference.Handle{Name: name, URI: "https://example.invalid/" + name, MimeType: "video/mp4", State: inference.StateUploading}, nil
}

func (c *fakeClient) Status(_ context.Context, _ string) (inference.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if len(c.statuses) == 0 {
		return inference.StateActive, nil
	}
	s := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return s, nil
}

func (c *fakeClient) Generate(_ context.Context, h inference.Handle, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generates++
	if c.generateFailures > 0 {
		c.generateFailures--
		return "", c.generateErr
	}
	return "analysis of " + h.Name + ": " + prompt, nil
}

func (c *fakeClient) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, name)
	return nil
}

func fastConfig() AnalyzerConfig {
	cfg := DefaultAnalyzerConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxActiveWait = 50 * time.Millisecond
	cfg.UploadPolicy = retry.RemoteUpload.WithIntervals(time.Millisecond, 2*time.Millisecond)
	cfg.GeneratePolicy = retry.RemoteGenerate.WithIntervals(time.Millisecond, 2*time.Millisecond)
	return cfg
}

func newSegment(t *testing.T) *Segment {
	t.Helper()
	return &Segment{Index: 2, Video: "/videos/session.mp4", Start: 600, End: 1200, WorkDir: t.TempDir()}
}

func TestDefaultAnalyzerConfig_CompressesAbove100MB(t *testing.T) {
	assert.EqualValues(t, 100<<20, DefaultAnalyzerConfig().CompressThreshold)
}

func TestAnalyze_Success(t *testing.T) {
	client := &fakeClient{statuses: []inference.State{inference.StateUploading, inference.StateActive}}
	slicer := &fakeSlicer{size: 10}
	ledger, err := handles.NewFileLedger(filepath.Join(t.TempDir(), "handles.log"))
	require.NoError(t, err)

	a := NewAnalyzer(client, slicer, ledger, fastConfig(), discardLogger())
	seg := newSegment(t)

	res, err := a.Analyze(context.Background(), seg, "describe")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Segment)
	assert.Equal(t, "0:10:00–0:20:00", res.Range)
	assert.Equal(t, "analysis of files/1: describe", res.Analysis)
	assert.Equal(t, []string{"files/1"}, client.deletes)
	assert.Equal(t, 2, client.polls)

	_, err = os.Stat(seg.Path)
	assert.True(t, os.IsNotExist(err), "local slice should be removed")

	left, err := ledger.Outstanding(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left, "released handle should leave the ledger")
}

func TestAnalyze_UploadRetriedUntilSuccess(t *testing.T) {
	client := &fakeClient{uploadFailures: 2, uploadErr: errors.New("429 rate limit")}
	a := NewAnalyzer(client, &fakeSlicer{size: 10}, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.NoError(t, err)
	assert.Len(t, client.uploads, 3)
	assert.Len(t, client.deletes, 1)
}

func TestAnalyze_UploadExhausted(t *testing.T) {
	uploadErr := apperr.Errorf(apperr.KindQuota, "upload", "quota exceeded")
	client := &fakeClient{uploadFailures: 100, uploadErr: uploadErr}
	a := NewAnalyzer(client, &fakeSlicer{size: 10}, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, uploadErr)
	assert.Len(t, client.uploads, 5)
	assert.Empty(t, client.deletes, "nothing was uploaded, nothing to delete")
}

func TestAnalyze_NeverActiveTimesOut(t *testing.T) {
	client := &fakeClient{statuses: []inference.State{inference.StateUploading}}
	a := NewAnalyzer(client, &fakeSlicer{size: 10}, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.Equal(t, []string{"files/1"}, client.deletes)
	assert.Zero(t, client.generates)
}

func TestAnalyze_HandleFailedStopsPolling(t *testing.T) {
	client := &fakeClient{statuses: []inference.State{inference.StateUploading, inference.StateFailed}}
	a := NewAnalyzer(client, &fakeSlicer{size: 10}, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.Error(t, err)
	assert.Equal(t, apperr.KindHandleFailed, apperr.KindOf(err))
	assert.Equal(t, 2, client.polls)
	assert.Len(t, client.deletes, 1)
}

func TestAnalyze_GenerateFailureStillDeletesOnce(t *testing.T) {
	client := &fakeClient{generateFailures: 100, generateErr: errors.New("500 internal")}
	a := NewAnalyzer(client, &fakeSlicer{size: 10}, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.Error(t, err)
	assert.Equal(t, 3, client.generates)
	assert.Equal(t, []string{"files/1"}, client.deletes)
}

func TestAnalyze_CompressesLargeSlices(t *testing.T) {
	client := &fakeClient{}
	slicer := &fakeSlicer{size: 64}
	cfg := fastConfig()
	cfg.CompressThreshold = 32

	a := NewAnalyzer(client, slicer, nil, cfg, discardLogger())
	seg := newSegment(t)

	_, err := a.Analyze(context.Background(), seg, "p")
	require.NoError(t, err)

	require.Len(t, slicer.requests, 2)
	assert.False(t, slicer.requests[0].Compress)
	assert.True(t, slicer.requests[1].Compress)
	assert.Equal(t, slicer.requests[0].Start, slicer.requests[1].Start)
	assert.Equal(t, slicer.requests[0].End, slicer.requests[1].End)

	require.Len(t, client.uploads, 1)
	assert.Contains(t, client.uploads[0], ".compressed.mp4")

	entries, err := os.ReadDir(seg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "both slices should be removed")
}

func TestAnalyze_SmallSlicesNotCompressed(t *testing.T) {
	slicer := &fakeSlicer{size: 8}
	cfg := fastConfig()
	cfg.CompressThreshold = 32

	a := NewAnalyzer(&fakeClient{}, slicer, nil, cfg, discardLogger())
	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	require.NoError(t, err)
	assert.Len(t, slicer.requests, 1)
}

func TestAnalyze_SliceFailure(t *testing.T) {
	client := &fakeClient{}
	slicer := &fakeSlicer{err: apperr.Errorf(apperr.KindMedia, "ffmpeg slice", "ffmpeg failed")}
	a := NewAnalyzer(client, slicer, nil, fastConfig(), discardLogger())

	_, err := a.Analyze(context.Background(), newSegment(t), "p")
	assert.Equal(t, apperr.KindMedia, apperr.KindOf(err))
	assert.Empty(t, client.uploads)
}
