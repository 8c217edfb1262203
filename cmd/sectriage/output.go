package main

// ---------------------------------------------------------------------------
// output.go: table rendering and run summaries
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/pipeline"
	"github.com/1sec-project/sectriage/internal/trust"
)

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(values) {
			row[i] = values[i]
		}
	}
	t.rows = append(t.rows, row)
}

// visibleLen ignores ANSI color sequences so colored cells stay aligned.
func visibleLen(s string) int {
	n := 0
	for i := 0; i < len(s); {
		if s[i] == '\033' {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return n
}

func (t *Table) line(left, mid, right string, widths []int) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat("─", w+2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	return b.String()
}

// Render writes the table with box-drawing borders.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visibleLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", widths[i]-visibleLen(cell)))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, t.line("┌", "┬", "┐", widths))
	printRow(t.headers)
	fmt.Fprintln(t.w, t.line("├", "┼", "┤", widths))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, t.line("└", "┴", "┘", widths))
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func techniqueIDs(matches []mitre.Match) string {
	if len(matches) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.TechniqueID)
	}
	return strings.Join(ids, ",")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return red("yes")
	}
	return "no"
}

// renderResults prints one row per triaged event.
func renderResults(w io.Writer, results []*pipeline.Result) {
	t := NewTable(w, "EVENT", "TYPE", "SOURCE", "ANOMALY", "TRUST", "LEVEL", "ALERT", "TECHNIQUES")
	for _, r := range results {
		t.AddRow(
			shortID(r.Event.ID),
			r.Event.EventType,
			r.Event.SrcIP,
			fmt.Sprintf("%.3f", r.AnomalyScore),
			fmt.Sprintf("%.3f", r.TrustScore),
			levelColor(r.ThreatLevel()),
			yesNo(r.Alert()),
			techniqueIDs(r.Techniques),
		)
	}
	t.Render()
}

// renderSummary prints the run statistics.
func renderSummary(w io.Writer, s pipeline.RunSummary) {
	t := NewTable(w, "METRIC", "VALUE")
	t.AddRow("Events triaged", fmt.Sprint(s.TotalEvents))
	t.AddRow("Failed events", fmt.Sprint(s.FailedEvents))
	t.AddRow("Anomalies", fmt.Sprint(s.AnomaliesDetected))
	t.AddRow("Alerts", fmt.Sprint(s.AlertsGenerated))
	t.AddRow("Unique techniques", fmt.Sprint(s.UniqueTechniques))
	if len(s.Techniques) > 0 {
		t.AddRow("Techniques", strings.Join(s.Techniques, ", "))
	}
	t.AddRow("Avg processing", fmt.Sprintf("%.1f ms", s.AvgProcessingTime*1000))
	t.AddRow("p95 processing", fmt.Sprintf("%.1f ms", s.P95ProcessingTime*1000))
	t.Render()
}

// renderCalibration prints a calibration report.
func renderCalibration(w io.Writer, temperature, threshold float64, r trust.Report) {
	t := NewTable(w, "METRIC", "VALUE")
	t.AddRow("Samples", fmt.Sprint(r.TotalSamples))
	t.AddRow("Temperature", fmt.Sprintf("%.2f", temperature))
	t.AddRow("Threshold", fmt.Sprintf("%.2f", threshold))
	t.AddRow("Brier score", fmt.Sprintf("%.4f", r.BrierScore))
	t.AddRow("ECE", fmt.Sprintf("%.4f", r.ECE))
	t.AddRow("Accuracy", fmt.Sprintf("%.3f", r.Accuracy))
	t.AddRow("Precision", fmt.Sprintf("%.3f", r.Precision))
	t.AddRow("Recall", fmt.Sprintf("%.3f", r.Recall))
	t.AddRow("F1", fmt.Sprintf("%.3f", r.F1Score))
	t.AddRow("TP / FP / TN / FN", fmt.Sprintf("%d / %d / %d / %d", r.Confusion.TP, r.Confusion.FP, r.Confusion.TN, r.Confusion.FN))
	t.Render()
}
