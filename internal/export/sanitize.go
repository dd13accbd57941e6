// Package export writes and reads the analysis artifacts: the JSON report
// produced for each video and its Markdown rendering.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/workflowlens/runner/internal/apperr"
)

const maxStemLen = 120

// SanitizeName drops control characters, replaces anything outside a
// conservative set with '_' and truncates to maxLen runes.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// PrepareOutputDir rejects traversal and creates dir when missing.
func PrepareOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return apperr.Errorf(apperr.KindValidation, "output dir", "output directory is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return apperr.Errorf(apperr.KindValidation, "output dir", "output directory cannot contain path traversal")
		}
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.E(apperr.KindIO, "output dir", fmt.Errorf("create %s: %w", dir, err))
		}
		return nil
	case err != nil:
		return apperr.E(apperr.KindIO, "output dir", err)
	case !info.IsDir():
		return apperr.Errorf(apperr.KindValidation, "output dir", "%s is not a directory", dir)
	}
	return nil
}
