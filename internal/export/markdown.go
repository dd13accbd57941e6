package export

import (
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/workflowlens/runner/internal/analysis"
)

var markdownTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"minutes": func(sec int) string { return fmt.Sprintf("%.1f", float64(sec)/60) },
	"trim":    strings.TrimSpace,
}).Parse(`# {{.Title}}

**Video:** {{.Report.Video}}  
**Generated:** {{.Report.GeneratedAt.Format "January 2, 2006 at 3:04 PM MST"}}  
**Analysis model:** {{.Report.Model}}

## Summary

| Metric | Value |
|---|---|
| Total video duration | {{minutes .Report.DurationSeconds}} minutes |
| Segment length | {{minutes .Report.SegmentLengthSeconds}} minutes |
| Segments analyzed | {{len .Report.Segments}} |
{{range .Report.Segments}}
## Segment {{.Segment}} ({{.Range}})

{{trim .Analysis}}
{{end}}`))

// RenderMarkdown writes the human-readable report.
func RenderMarkdown(w io.Writer, report *analysis.Report, title string) error {
	if title == "" {
		title = "Workflow Analysis Report"
	}
	return markdownTmpl.Execute(w, struct {
		Title  string
		Report *analysis.Report
	}{title, report})
}
