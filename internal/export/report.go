package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/workflowlens/runner/internal/analysis"
	"github.com/workflowlens/runner/internal/apperr"
)

// ReportFileName is <video stem>__YYYYMMDDHHMM.json.
func ReportFileName(videoPath string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	stem = SanitizeName(stem, maxStemLen)
	if stem == "" {
		stem = "video"
	}
	return fmt.Sprintf("%s__%s.json", stem, now.Format("200601021504"))
}

// WriteReport writes the report into dir and returns the file path.
func WriteReport(dir, videoPath string, report *analysis.Report, now time.Time) (string, error) {
	if err := PrepareOutputDir(dir); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	path := filepath.Join(dir, ReportFileName(videoPath, now))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", apperr.E(apperr.KindIO, "write report", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", apperr.E(apperr.KindIO, "write report", err)
	}
	return path, nil
}

// ReadReport loads the first JSON report found in dir. A missing or
// malformed report is a validation error.
func ReadReport(dir string) (*analysis.Report, string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, "", apperr.E(apperr.KindIO, "read report", err)
	}
	if len(matches) == 0 {
		return nil, "", apperr.Errorf(apperr.KindValidation, "read report", "no analysis output file found in %s", dir)
	}
	sort.Strings(matches)
	path := matches[0]

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", apperr.E(apperr.KindIO, "read report", err)
	}

	var report analysis.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, "", apperr.Errorf(apperr.KindValidation, "read report", "malformed analysis output %s: %v", filepath.Base(path), err)
	}
	if err := report.Validate(); err != nil {
		return nil, "", err
	}
	return &report, path, nil
}
