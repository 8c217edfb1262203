package mitre

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/1sec-project/sectriage/internal/core"
)

// MatrixRow aggregates one technique across many events.
type MatrixRow struct {
	Technique     string  `json:"technique"`
	Name          string  `json:"name"`
	Tactic        string  `json:"tactic"`
	Occurrences   int     `json:"occurrences"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Matrix maps every event and aggregates occurrences and mean confidence
// per technique, most frequent first. Mapping statistics are updated as
// with MapEvent.
func (m *Mapper) Matrix(events []core.Event) []MatrixRow {
	var perEvent [][]Match
	for _, ev := range events {
		perEvent = append(perEvent, m.MapEvent(ev))
	}
	return AggregateMatrix(perEvent)
}

// AggregateMatrix builds matrix rows from already computed matches.
// Equal occurrence counts keep first-seen order.
func AggregateMatrix(perEvent [][]Match) []MatrixRow {
	var acc MatrixAccumulator
	for _, matches := range perEvent {
		acc.Add(matches)
	}
	return acc.Rows()
}

// MatrixAccumulator aggregates matches incrementally, for callers that see
// events one at a time. The zero value is ready to use; it is not safe for
// concurrent use.
type MatrixAccumulator struct {
	index map[string]int
	rows  []MatrixRow
	sums  []float64
}

// Add folds the matches of one event into the accumulator.
func (a *MatrixAccumulator) Add(matches []Match) {
	if a.index == nil {
		a.index = make(map[string]int)
	}
	for _, match := range matches {
		i, ok := a.index[match.TechniqueID]
		if !ok {
			i = len(a.rows)
			a.index[match.TechniqueID] = i
			a.rows = append(a.rows, MatrixRow{
				Technique: match.TechniqueID,
				Name:      match.TechniqueName,
				Tactic:    match.Tactic,
			})
			a.sums = append(a.sums, 0)
		}
		a.rows[i].Occurrences++
		a.sums[i] += match.Confidence
	}
}

// Rows returns the aggregated rows, most frequent first.
func (a *MatrixAccumulator) Rows() []MatrixRow {
	rows := make([]MatrixRow, len(a.rows))
	for i, r := range a.rows {
		r.AvgConfidence = a.sums[i] / float64(r.Occurrences)
		rows[i] = r
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Occurrences > rows[j].Occurrences
	})
	return rows
}

// WriteMatrixCSV writes rows with a technique,name,tactic,occurrences,avg_confidence header.
func WriteMatrixCSV(w io.Writer, rows []MatrixRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"technique", "name", "tactic", "occurrences", "avg_confidence"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Technique,
			r.Name,
			r.Tactic,
			strconv.Itoa(r.Occurrences),
			strconv.FormatFloat(r.AvgConfidence, 'f', 4, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportMatrixCSV writes the matrix CSV to path, creating parent directories.
func ExportMatrixCSV(path string, rows []MatrixRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating matrix dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating matrix file: %w", err)
	}
	if err := WriteMatrixCSV(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("writing matrix: %w", err)
	}
	return f.Close()
}

// NavigatorTechnique is one technique entry in an ATT&CK Navigator layer.
type NavigatorTechnique struct {
	TechniqueID string `json:"techniqueID"`
	Score       int    `json:"score"`
	Color       string `json:"color"`
	Comment     string `json:"comment"`
	Enabled     bool   `json:"enabled"`
}

// NavigatorLayer is the subset of the ATT&CK Navigator layer format we emit.
type NavigatorLayer struct {
	Name                          string               `json:"name"`
	Versions                      map[string]string    `json:"versions"`
	Domain                        string               `json:"domain"`
	Description                   string               `json:"description"`
	Filters                       map[string][]string  `json:"filters"`
	Sorting                       int                  `json:"sorting"`
	Layout                        map[string]any       `json:"layout"`
	HideDisabled                  bool                 `json:"hideDisabled"`
	Techniques                    []NavigatorTechnique `json:"techniques"`
	Gradient                      map[string]any       `json:"gradient"`
	LegendItems                   []any                `json:"legendItems"`
	Metadata                      []any                `json:"metadata"`
	ShowTacticRowBackground       bool                 `json:"showTacticRowBackground"`
	TacticRowBackground           string               `json:"tacticRowBackground"`
	SelectTechniquesAcrossTactics bool                 `json:"selectTechniquesAcrossTactics"`
}

// BuildNavigatorLayer converts matrix rows into a Navigator layer. Scores
// saturate at ten occurrences.
func BuildNavigatorLayer(rows []MatrixRow) NavigatorLayer {
	techniques := make([]NavigatorTechnique, 0, len(rows))
	for _, r := range rows {
		score := min(float64(r.Occurrences)/10, 1)
		techniques = append(techniques, NavigatorTechnique{
			TechniqueID: r.Technique,
			Score:       int(score * 100),
			Comment:     fmt.Sprintf("Detected %d times with average confidence %.2f%%", r.Occurrences, r.AvgConfidence*100),
			Enabled:     true,
		})
	}
	return NavigatorLayer{
		Name: "sectriage detections",
		Versions: map[string]string{
			"attack":    "14",
			"navigator": "4.9.1",
			"layer":     "4.5",
		},
		Domain:      "enterprise-attack",
		Description: "MITRE ATT&CK techniques detected by sectriage",
		Filters: map[string][]string{
			"platforms": {"Linux", "Windows", "macOS", "Network"},
		},
		Layout: map[string]any{
			"layout":            "side",
			"aggregateFunction": "average",
			"showID":            true,
			"showName":          true,
		},
		Techniques: techniques,
		Gradient: map[string]any{
			"colors":   []string{"#ffffff", "#ffff00", "#ff0000"},
			"minValue": 0,
			"maxValue": 100,
		},
		LegendItems:                   []any{},
		Metadata:                      []any{},
		TacticRowBackground:           "#dddddd",
		SelectTechniquesAcrossTactics: true,
	}
}

// ExportNavigator writes the Navigator layer for rows to path.
func ExportNavigator(path string, rows []MatrixRow) error {
	data, err := json.MarshalIndent(BuildNavigatorLayer(rows), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling navigator layer: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating navigator dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// AttackNarrative renders a short textual account of the top five matches.
func AttackNarrative(matches []Match, ev core.Event) string {
	if len(matches) == 0 {
		return "No MITRE technique detected."
	}

	src := ev.SrcIP
	if src == "" {
		src = "unknown source"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Attack detected from %s\n\n", src)
	if chain := KillChain(matches); len(chain) > 0 {
		fmt.Fprintf(&b, "Kill chain: %s\n\n", strings.Join(chain, " -> "))
	}
	b.WriteString("Identified techniques:\n")
	for i, m := range matches[:min(len(matches), 5)] {
		patterns := m.MatchedPatterns[:min(len(m.MatchedPatterns), 3)]
		fmt.Fprintf(&b, "\n%d. %s - %s\n", i+1, m.TechniqueID, m.TechniqueName)
		fmt.Fprintf(&b, "   Tactic: %s\n", m.Tactic)
		fmt.Fprintf(&b, "   Confidence: %.1f%%\n", m.Confidence*100)
		fmt.Fprintf(&b, "   Patterns: %s\n", strings.Join(patterns, ", "))
	}
	return b.String()
}
