package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/workflowlens/runner/internal/apperr"
)

func TestSanitizeName_ControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeName_MaxLength(t *testing.T) {
	got := SanitizeName("abcdefghijklmnopqrstuvwxyz", 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len([]rune(got)), got)
	}
}

func TestSanitizeName_ReplacesDisallowed(t *testing.T) {
	got := SanitizeName("screen/rec:ording*1", 100)
	if got != "screen_rec_ording_1" {
		t.Fatalf("SanitizeName disallowed replacement mismatch: got %q", got)
	}
}

func TestPrepareOutputDir_CreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "nested")
	if err := PrepareOutputDir(dir); err != nil {
		t.Fatalf("PrepareOutputDir(%q) error = %v", dir, err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected %q to be created", dir)
	}
}

func TestPrepareOutputDir_PathTraversal(t *testing.T) {
	err := PrepareOutputDir("/tmp/../etc")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("PrepareOutputDir traversal error = %v, want validation", err)
	}
}

func TestPrepareOutputDir_NotADir(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := PrepareOutputDir(filePath); err == nil {
		t.Fatalf("PrepareOutputDir(%q) expected non-directory error", filePath)
	}
}

func TestPrepareOutputDir_Empty(t *testing.T) {
	if err := PrepareOutputDir("  "); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
