package media

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/workflowlens/runner/internal/apperr"
)

func TestSliceName(t *testing.T) {
	if got := SliceName("/tmp/job/clip.mp4", 0, 600, false); got != "clip.mp4.seg0_600.mp4" {
		t.Errorf("SliceName() = %q", got)
	}
	if got := SliceName("/tmp/job/clip.mp4", 600, 1200, true); got != "clip.mp4.seg600_1200.compressed.mp4" {
		t.Errorf("SliceName(compressed) = %q", got)
	}
}

func TestSliceArgs_Copy(t *testing.T) {
	args := strings.Join(sliceArgs(SliceRequest{Source: "in.mp4", Start: 600, End: 1200}, "out.mp4"), " ")
	for _, want := range []string{"-ss 600", "-to 1200", "-i in.mp4", "-c copy", "-avoid_negative_ts 1"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, "out.mp4") {
		t.Errorf("args %q should end with output path", args)
	}
}

func TestSliceArgs_Compress(t *testing.T) {
	args := strings.Join(sliceArgs(SliceRequest{Source: "in.mp4", Start: 0, End: 60, Compress: true}, "out.mp4"), " ")
	for _, want := range []string{"-c:v libx264", "-preset fast", "-crf 28", "-c:a aac", "-b:a 128k", "-movflags +faststart"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "-c copy") {
		t.Error("compressed slice must not stream copy")
	}
}

func TestParseProbe(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
		],
		"format": {"duration": "1500.480000", "size": "104857600", "bit_rate": "559240"}
	}`)
	res, err := parseProbe(data)
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if res.Duration != 1500.48 || res.Width != 1920 || res.Codec != "h264" || res.SizeBytes != 104857600 {
		t.Errorf("probe = %+v", res)
	}

	if _, err := parseProbe([]byte(`{"format":{}}`)); err == nil {
		t.Error("expected error for missing duration")
	}
}

func TestSlice_EmptyWindow(t *testing.T) {
	f := NewFFmpeg("ffmpeg", "ffprobe", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := f.Slice(context.Background(), SliceRequest{Source: "x.mp4", Start: 10, End: 10})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestSlice_FailureIsMediaError(t *testing.T) {
	f := NewFFmpeg("false", "ffprobe", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	_, err := f.Slice(context.Background(), SliceRequest{Source: filepath.Join(t.TempDir(), "x.mp4"), Start: 0, End: 10})
	if apperr.KindOf(err) != apperr.KindMedia {
		t.Fatalf("error = %v, want media", err)
	}
	if !strings.Contains(err.Error(), "ffmpeg") {
		t.Errorf("error %q should mention ffmpeg", err)
	}
}

// Exercises the real binaries when they are installed.
func TestFFmpeg_SliceAndProbe(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "source.mp4")
	gen := exec.Command("ffmpeg", "-y", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=5:size=160x120:rate=10",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate fixture: %v: %s", err, out)
	}

	f := NewFFmpeg("ffmpeg", "ffprobe", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	probe, err := f.Probe(ctx, src)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if probe.Duration < 4.5 || probe.Duration > 5.5 {
		t.Errorf("duration = %v, want ~5", probe.Duration)
	}

	out, err := f.Slice(ctx, SliceRequest{Source: src, Start: 0, End: 2, OutDir: dir})
	if err != nil {
		t.Fatalf("Slice() error = %v", err)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("slice output missing: %v", err)
	}
}
