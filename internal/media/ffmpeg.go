// Package media wraps the ffmpeg and ffprobe executables: probing a video's
// duration and cutting time windows out of it.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/workflowlens/runner/internal/apperr"
)

const maxStderrTail = 2048

// Slicer cuts a time window of a source video into its own file.
type Slicer interface {
	Slice(ctx context.Context, req SliceRequest) (string, error)
}

// Prober reports a video's duration in whole seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (int, error)
}

type SliceRequest struct {
	Source   string
	Start    int // seconds
	End      int // seconds
	Compress bool
	OutDir   string // defaults to the source's directory
}

type ProbeResult struct {
	Duration  float64
	SizeBytes int64
	Bitrate   int64
	Width     int
	Height    int
	Codec     string
}

// FFmpeg runs the real binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

var (
	_ Slicer = (*FFmpeg)(nil)
	_ Prober = (*FFmpeg)(nil)
)

func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// Check verifies both executables can be located.
func (f *FFmpeg) Check() error {
	for _, bin := range []string{f.ffmpegPath, f.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return apperr.E(apperr.KindMedia, "ffmpeg check", fmt.Errorf("%s not found: %w", bin, err))
		}
	}
	return nil
}

// SliceName derives the output file name for a window of src.
func SliceName(src string, start, end int, compressed bool) string {
	base := filepath.Base(src)
	if compressed {
		return fmt.Sprintf("%s.seg%d_%d.compressed.mp4", base, start, end)
	}
	return fmt.Sprintf("%s.seg%d_%d.mp4", base, start, end)
}

func sliceArgs(req SliceRequest, out string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", strconv.Itoa(req.Start),
		"-to", strconv.Itoa(req.End),
		"-i", req.Source,
	}
	if req.Compress {
		args = append(args,
			"-c:v", "libx264", "-preset", "fast", "-crf", "28",
			"-c:a", "aac", "-b:a", "128k",
			"-movflags", "+faststart",
		)
	} else {
		args = append(args, "-c", "copy", "-avoid_negative_ts", "1")
	}
	return append(args, out)
}

// Slice writes the requested window and returns its path. A failing
// ffmpeg run is reported as a media error and never retried here.
func (f *FFmpeg) Slice(ctx context.Context, req SliceRequest) (string, error) {
	if req.End <= req.Start {
		return "", apperr.Errorf(apperr.KindValidation, "ffmpeg slice", "empty window %d-%d", req.Start, req.End)
	}
	dir := req.OutDir
	if dir == "" {
		dir = filepath.Dir(req.Source)
	}
	out := filepath.Join(dir, SliceName(req.Source, req.Start, req.End, req.Compress))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.ffmpegPath, sliceArgs(req, out)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(out)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Errorf(apperr.KindMedia, "ffmpeg slice",
			"ffmpeg failed for %s [%d-%d]: %v: %s", filepath.Base(req.Source), req.Start, req.End, err, tail(stderr.String()))
	}

	f.logger.Debug("sliced video",
		"source", filepath.Base(req.Source),
		"start", req.Start,
		"end", req.End,
		"compressed", req.Compress,
	)
	return out, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
	if err != nil {
		return nil, fmt.Errorf("ffprobe reported no video duration: %q", out.Format.Duration)
	}
	res := &ProbeResult{Duration: dur}
	res.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	res.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			res.Width, res.Height, res.Codec = s.Width, s.Height, s.CodecName
			break
		}
	}
	return res, nil
}

// Probe runs ffprobe and returns the container duration and first video
// stream properties.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Errorf(apperr.KindMedia, "ffprobe", "ffprobe failed for video %s: %v: %s", filepath.Base(path), err, tail(stderr.String()))
	}

	res, err := parseProbe(stdout.Bytes())
	if err != nil {
		return nil, apperr.E(apperr.KindMedia, "ffprobe", err)
	}
	return res, nil
}

// Duration truncates the probed duration to whole seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (int, error) {
	res, err := f.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return int(res.Duration), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrTail {
		return s
	}
	return "..." + s[len(s)-maxStderrTail:]
}
