package mitre

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

func defaultMapper() *Mapper {
	return NewMapper(NewKnowledgeBase(DefaultTechniques(), zerolog.Nop()), zerolog.Nop())
}

// ─── MapEvent ───────────────────────────────────────────────────────────────

func TestMapEvent_BruteForceScenario(t *testing.T) {
	m := defaultMapper()
	ev := core.Event{
		SrcIP:     "203.0.113.10",
		EventType: "ssh_attempt",
		Message:   "Failed password for invalid user admin from 203.0.113.10 port 54321 ssh2",
	}
	matches := m.MapEvent(ev)
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}

	var bf *Match
	for i := range matches {
		if matches[i].TechniqueID == "T1110" {
			bf = &matches[i]
		}
	}
	if bf == nil {
		t.Fatalf("T1110 not matched: %+v", matches)
	}
	if bf.Confidence <= 0 || bf.Tactic != "Credential Access" {
		t.Errorf("T1110 = %+v", bf)
	}
	if bf.MatchCount != 2 || bf.TotalPatterns != 5 || bf.Confidence != 0.4 {
		t.Errorf("T1110 counts = %d/%d conf %v", bf.MatchCount, bf.TotalPatterns, bf.Confidence)
	}
	if matches[0].TechniqueID != "T1110" {
		t.Errorf("top match = %s, want T1110", matches[0].TechniqueID)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Confidence > matches[i-1].Confidence {
			t.Errorf("matches not sorted at %d", i)
		}
	}
}

func TestMapEvent_EventTypeIsSearched(t *testing.T) {
	m := defaultMapper()
	matches := m.MapEvent(core.Event{EventType: "PORT_SCAN"})
	if !slices.ContainsFunc(matches, func(x Match) bool { return x.TechniqueID == "T1046" }) {
		t.Errorf("event type should be searched: %+v", matches)
	}
}

func TestMapEvent_NoMatch(t *testing.T) {
	m := defaultMapper()
	if got := m.MapEvent(core.Event{Message: "cron job completed", EventType: "system"}); len(got) != 0 {
		t.Errorf("unexpected matches: %+v", got)
	}
}

func TestMapEvent_StableTies(t *testing.T) {
	kb := NewKnowledgeBase([]Technique{
		{ID: "TA", Tactic: "Discovery", Patterns: []string{"alpha", "zzz"}},
		{ID: "TB", Tactic: "Impact", Patterns: []string{"alpha", "yyy", "xxx"}},
		{ID: "TC", Tactic: "Execution", Patterns: []string{"alpha", "www"}},
		{ID: "TD", Tactic: "Collection", Patterns: []string{"alpha"}},
	}, zerolog.Nop())
	m := NewMapper(kb, zerolog.Nop())

	matches := m.MapEvent(core.Event{Message: "alpha"})
	var ids []string
	for _, x := range matches {
		ids = append(ids, x.TechniqueID)
	}
	want := []string{"TD", "TA", "TC", "TB"}
	if !slices.Equal(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestMapEvent_InvalidPatternCountsButNeverMatches(t *testing.T) {
	kb := NewKnowledgeBase([]Technique{
		{ID: "TX", Tactic: "Impact", Patterns: []string{"(unclosed", "flood"}},
	}, zerolog.Nop())
	m := NewMapper(kb, zerolog.Nop())

	matches := m.MapEvent(core.Event{Message: "syn flood (unclosed"})
	if len(matches) != 1 {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Confidence != 0.5 || matches[0].TotalPatterns != 2 {
		t.Errorf("match = %+v", matches[0])
	}
}

func TestMapper_Statistics(t *testing.T) {
	m := defaultMapper()
	m.MapEvent(core.Event{Message: "nmap -sV", EventType: "port_scan"})
	m.MapEvent(core.Event{Message: "Failed password for root", EventType: "ssh_attempt"})

	stats := m.Statistics()
	if stats.TotalMappings == 0 || stats.UniqueTechniques != len(stats.Techniques) {
		t.Errorf("stats = %+v", stats)
	}
	if !slices.Contains(stats.Techniques, "T1046") || !slices.Contains(stats.Tactics, "Credential Access") {
		t.Errorf("stats missing entries: %+v", stats)
	}
	if !slices.IsSorted(stats.Techniques) {
		t.Error("technique list should be sorted")
	}
}

// ─── KillChain ──────────────────────────────────────────────────────────────

func TestKillChain_CanonicalSubsequence(t *testing.T) {
	matches := []Match{
		{Tactic: "Impact"},
		{Tactic: "Credential Access"},
		{Tactic: "Reconnaissance"},
		{Tactic: "Credential Access"},
		{Tactic: "Not A Tactic"},
	}
	got := KillChain(matches)
	want := []string{"Reconnaissance", "Credential Access", "Impact"}
	if !slices.Equal(got, want) {
		t.Errorf("KillChain = %v, want %v", got, want)
	}

	// Output positions must be strictly increasing in the canonical order.
	last := -1
	for _, tactic := range got {
		i := slices.Index(KillChainOrder, tactic)
		if i <= last {
			t.Fatalf("%q out of canonical order", tactic)
		}
		last = i
	}

	if len(KillChain(nil)) != 0 {
		t.Error("empty input should give empty chain")
	}
}

// ─── Knowledge base ─────────────────────────────────────────────────────────

func TestDefaultTechniques(t *testing.T) {
	techs := DefaultTechniques()
	if len(techs) != 12 {
		t.Fatalf("got %d default techniques, want 12", len(techs))
	}
	for _, tech := range techs {
		if !slices.Contains(KillChainOrder, tech.Tactic) {
			t.Errorf("%s has non-canonical tactic %q", tech.ID, tech.Tactic)
		}
		if len(tech.Patterns) == 0 {
			t.Errorf("%s has no patterns", tech.ID)
		}
	}
}

func TestLoadKnowledgeBase_MissingPersistsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "mitre_db.csv")
	kb, err := LoadKnowledgeBase(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadKnowledgeBase: %v", err)
	}
	if kb.Len() != 12 {
		t.Errorf("Len = %d", kb.Len())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default not persisted: %v", err)
	}

	again, err := LoadKnowledgeBase(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.EqualFunc(kb.Techniques(), again.Techniques(), func(a, b Technique) bool {
		return a.ID == b.ID && a.Tactic == b.Tactic && slices.Equal(a.Patterns, b.Patterns)
	}) {
		t.Error("persisted knowledge base does not round-trip")
	}
}

func TestLoadKnowledgeBase_CustomCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.csv")
	csv := "technique,name,tactic,description,patterns\n" +
		"T9999,Custom,Impact,\"Custom, with comma\",wiper | ransom note\n"
	if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}
	kb, err := LoadKnowledgeBase(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	techs := kb.Techniques()
	if len(techs) != 1 || techs[0].Description != "Custom, with comma" {
		t.Fatalf("techniques = %+v", techs)
	}
	if !slices.Equal(techs[0].Patterns, []string{"wiper", "ransom note"}) {
		t.Errorf("patterns = %q", techs[0].Patterns)
	}
}

func TestLoadKnowledgeBase_CorruptFallsBackWithoutOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.csv")
	if err := os.WriteFile(path, []byte("just,some,columns\n"), 0644); err != nil {
		t.Fatal(err)
	}
	kb, err := LoadKnowledgeBase(path, zerolog.Nop())
	if err != nil || kb.Len() != 12 {
		t.Fatalf("fallback failed: len=%d err=%v", kb.Len(), err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "just,some,columns\n" {
		t.Error("corrupt file should be left untouched")
	}
}

// ─── Reports ────────────────────────────────────────────────────────────────

func TestMatrix_AggregatesAndSorts(t *testing.T) {
	m := defaultMapper()
	events := []core.Event{
		{Message: "nmap -sV 192.168.1.1", EventType: "port_scan"},
		{Message: "Failed password for invalid user admin", EventType: "ssh_attempt"},
		{Message: "Failed password for root", EventType: "ssh_attempt"},
	}
	rows := m.Matrix(events)
	if len(rows) == 0 {
		t.Fatal("empty matrix")
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Occurrences > rows[i-1].Occurrences {
			t.Errorf("rows not sorted at %d", i)
		}
	}
	var bf MatrixRow
	for _, r := range rows {
		if r.Technique == "T1110" {
			bf = r
		}
	}
	if bf.Occurrences != 2 {
		t.Fatalf("T1110 occurrences = %d", bf.Occurrences)
	}
	// 0.4 and 0.2 average to 0.3.
	if bf.AvgConfidence < 0.2999 || bf.AvgConfidence > 0.3001 {
		t.Errorf("T1110 avg confidence = %v", bf.AvgConfidence)
	}

	var buf bytes.Buffer
	if err := WriteMatrixCSV(&buf, rows); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(rows)+1 || !strings.HasPrefix(lines[0], "technique,name,tactic") {
		t.Errorf("csv = %q", buf.String())
	}
}

func TestMatrixAccumulator_MatchesAggregate(t *testing.T) {
	a := Match{TechniqueID: "T1046", TechniqueName: "Network Service Discovery", Tactic: "Discovery", Confidence: 0.5}
	b := Match{TechniqueID: "T1110", TechniqueName: "Brute Force", Tactic: "Credential Access", Confidence: 0.2}
	perEvent := [][]Match{{a}, {b}, {b, a}, nil, {b}}

	var acc MatrixAccumulator
	if rows := acc.Rows(); len(rows) != 0 {
		t.Fatalf("zero accumulator returned %v", rows)
	}
	for _, m := range perEvent {
		acc.Add(m)
	}
	got, want := acc.Rows(), AggregateMatrix(perEvent)
	if len(got) != 2 || got[0].Technique != "T1110" || got[0].Occurrences != 3 {
		t.Fatalf("rows = %+v", got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("row %d: %+v != %+v", i, got[i], want[i])
		}
	}
}

func TestNavigatorLayer(t *testing.T) {
	rows := []MatrixRow{
		{Technique: "T1110", Occurrences: 25, AvgConfidence: 0.4},
		{Technique: "T1046", Occurrences: 3, AvgConfidence: 0.2},
	}
	path := filepath.Join(t.TempDir(), "out", "nav.json")
	if err := ExportNavigator(path, rows); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var layer NavigatorLayer
	if err := json.Unmarshal(data, &layer); err != nil {
		t.Fatal(err)
	}
	if layer.Domain != "enterprise-attack" || len(layer.Techniques) != 2 {
		t.Fatalf("layer = %+v", layer)
	}
	if layer.Techniques[0].Score != 100 || layer.Techniques[1].Score != 30 {
		t.Errorf("scores = %d %d", layer.Techniques[0].Score, layer.Techniques[1].Score)
	}
}

func TestAttackNarrative(t *testing.T) {
	if got := AttackNarrative(nil, core.Event{}); got != "No MITRE technique detected." {
		t.Errorf("empty narrative = %q", got)
	}
	m := defaultMapper()
	ev := core.Event{SrcIP: "203.0.113.10", EventType: "ssh_attempt", Message: "Failed password for invalid user admin"}
	text := AttackNarrative(m.MapEvent(ev), ev)
	for _, want := range []string{"203.0.113.10", "Kill chain: Credential Access -> Lateral Movement", "T1110 - Brute Force"} {
		if !strings.Contains(text, want) {
			t.Errorf("narrative missing %q:\n%s", want, text)
		}
	}
}
