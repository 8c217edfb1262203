package explain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/llm"
	"github.com/1sec-project/sectriage/internal/mitre"
)

type fakeNarrator struct {
	calls   int
	prompts []string
	systems []string
	reply   string
	err     error
}

func (f *fakeNarrator) Query(_ context.Context, prompt, system string, _ float64, _ int) llm.Result {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, system)
	if f.err != nil {
		return llm.Result{Response: "LLM error: " + f.err.Error(), Err: f.err}
	}
	return llm.Result{Response: f.reply, Confidence: 0.9}
}

func newTestExplainer(t *testing.T, n Narrator) *Explainer {
	t.Helper()
	x, err := NewExplainer(n, 16, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewExplainer: %v", err)
	}
	return x
}

var bruteForce = mitre.Match{
	TechniqueID:     "T1110",
	TechniqueName:   "Brute Force",
	Tactic:          "Credential Access",
	Confidence:      0.85,
	MatchedPatterns: []string{"failed password", "invalid user", "authentication failure"},
}

var exploitApp = mitre.Match{
	TechniqueID:     "T1190",
	TechniqueName:   "Exploit Public-Facing Application",
	Tactic:          "Initial Access",
	Confidence:      0.5,
	MatchedPatterns: []string{"admin"},
}

var sshEvent = core.Event{
	ID:        "evt_001",
	Timestamp: "2024-01-15T10:23:45Z",
	SrcIP:     "203.0.113.10",
	EventType: "ssh_attempt",
	Message:   "Failed password for invalid user admin from 203.0.113.10 port 54321 ssh2",
}

// ─── ThreatLevel ────────────────────────────────────────────────────────────

func TestThreatLevel(t *testing.T) {
	tests := []struct {
		trust, anomaly float64
		want           core.ThreatLevel
	}{
		{0.95, 0.1, core.ThreatCritical},
		{0.1, 0.9, core.ThreatCritical},
		{0.7, 0.2, core.ThreatHigh},
		{0.2, 0.89, core.ThreatHigh},
		{0.5, 0.5, core.ThreatMedium},
		{0.49, 0.3, core.ThreatLow},
		{0, 0, core.ThreatLow},
	}
	for _, tt := range tests {
		if got := ThreatLevel(tt.trust, tt.anomaly); got != tt.want {
			t.Errorf("ThreatLevel(%v, %v) = %s, want %s", tt.trust, tt.anomaly, got, tt.want)
		}
	}
}

// ─── Explain ────────────────────────────────────────────────────────────────

func TestExplain_FullStructure(t *testing.T) {
	n := &fakeNarrator{reply: "Brute force attempt against SSH."}
	x := newTestExplainer(t, n)

	e := x.Explain(context.Background(), sshEvent, []mitre.Match{bruteForce}, 0.75, 0.82, nil)

	if e.EventID != "evt_001" || e.Timestamp != sshEvent.Timestamp {
		t.Errorf("identity = %q %q", e.EventID, e.Timestamp)
	}
	if e.Narrative != n.reply {
		t.Errorf("narrative = %q", e.Narrative)
	}
	if e.Scores.ThreatLevel != core.ThreatHigh {
		t.Errorf("threat level = %s, want HIGH", e.Scores.ThreatLevel)
	}
	if !strings.Contains(e.Summary, "Brute Force (T1110)") {
		t.Errorf("summary = %q", e.Summary)
	}
	if e.Factors.ConfidenceLevel != "High" {
		t.Errorf("confidence level = %q", e.Factors.ConfidenceLevel)
	}
	// anomaly > 0.7, one technique > 0.7, trust > 0.8
	if len(e.Factors.PrimaryIndicators) != 3 || len(e.Factors.SupportingEvidence) != 0 {
		t.Errorf("factors = %+v", e.Factors)
	}
	if len(e.Mapping.KillChain) != 1 || e.Mapping.KillChain[0] != "Credential Access" {
		t.Errorf("kill chain = %v", e.Mapping.KillChain)
	}
	if got := e.Attribution.Indicators.Patterns; len(got) != 2 {
		t.Errorf("patterns should keep the first two per technique, got %v", got)
	}
	if e.Attribution.Indicators.IPAddresses[0] != "203.0.113.10" {
		t.Errorf("ips = %v", e.Attribution.Indicators.IPAddresses)
	}

	// HIGH gives two recommendations, Credential Access adds one.
	if len(e.Recommendations) != 3 {
		t.Fatalf("recommendations = %+v", e.Recommendations)
	}
	if e.Recommendations[0].Action != "Increased monitoring" || e.Recommendations[2].Action != "Account review" {
		t.Errorf("recommendations = %+v", e.Recommendations)
	}
}

func TestExplain_RecommendationsFollowThreatLevel(t *testing.T) {
	x := newTestExplainer(t, &fakeNarrator{reply: "ok"})
	tests := []struct {
		trust, anomaly float64
		first          string
		count          int
	}{
		{0.95, 0, "URGENT", 2},
		{0, 0.92, "URGENT", 2},
		{0.75, 0, "HIGH", 2},
		{0.55, 0, "MEDIUM", 1},
		{0.1, 0.1, "LOW", 1},
	}
	for _, tt := range tests {
		e := x.Explain(context.Background(), core.Event{}, nil, tt.anomaly, tt.trust, nil)
		if len(e.Recommendations) != tt.count || e.Recommendations[0].Priority != tt.first {
			t.Errorf("trust=%v anomaly=%v: %+v", tt.trust, tt.anomaly, e.Recommendations)
		}
	}
}

func TestExplain_TacticAddOns(t *testing.T) {
	x := newTestExplainer(t, &fakeNarrator{reply: "ok"})
	e := x.Explain(context.Background(), sshEvent, []mitre.Match{bruteForce, exploitApp}, 0.1, 0.1, nil)

	var actions []string
	for _, r := range e.Recommendations {
		actions = append(actions, r.Action)
	}
	joined := strings.Join(actions, ",")
	if joined != "Standard logging,Account review,Application inspection" {
		t.Errorf("actions = %s", joined)
	}
	if got := e.Mapping.KillChain; len(got) != 2 || got[0] != "Initial Access" {
		t.Errorf("kill chain = %v", got)
	}
}

func TestExplain_FactorBuckets(t *testing.T) {
	x := newTestExplainer(t, nil)

	e := x.Explain(context.Background(), core.Event{}, []mitre.Match{exploitApp}, 0.5, 0.6, nil)
	if len(e.Factors.PrimaryIndicators) != 0 {
		t.Errorf("no primary indicator expected, got %+v", e.Factors.PrimaryIndicators)
	}
	if len(e.Factors.SupportingEvidence) != 1 || e.Factors.SupportingEvidence[0].Weight != "medium" {
		t.Errorf("supporting = %+v", e.Factors.SupportingEvidence)
	}
	if e.Factors.ConfidenceLevel != "Medium" {
		t.Errorf("confidence level = %q", e.Factors.ConfidenceLevel)
	}

	e = x.Explain(context.Background(), core.Event{}, nil, 0.4, 0.5, nil)
	if len(e.Factors.SupportingEvidence) != 0 || e.Factors.ConfidenceLevel != "Low" {
		t.Errorf("boundaries are exclusive: %+v", e.Factors)
	}
}

func TestExplain_NarratorFailureIsInline(t *testing.T) {
	x := newTestExplainer(t, &fakeNarrator{err: errors.New("connection refused")})
	e := x.Explain(context.Background(), sshEvent, []mitre.Match{bruteForce}, 0.9, 0.9, nil)

	if e.Narrative != "automatic explanation unavailable: connection refused" {
		t.Errorf("narrative = %q", e.Narrative)
	}
	if e.Scores.ThreatLevel != core.ThreatCritical || len(e.Recommendations) == 0 {
		t.Error("rest of the explanation must still be produced")
	}
}

func TestExplain_NilNarrator(t *testing.T) {
	x := newTestExplainer(t, nil)
	e := x.Explain(context.Background(), core.Event{}, nil, 0, 0, nil)
	if !strings.HasPrefix(e.Narrative, "automatic explanation unavailable: ") {
		t.Errorf("narrative = %q", e.Narrative)
	}
	if e.EventID != "unknown" {
		t.Errorf("event id = %q", e.EventID)
	}
	if !strings.Contains(e.Summary, "no MITRE technique identified") {
		t.Errorf("summary = %q", e.Summary)
	}
}

func TestExplain_ContextBlock(t *testing.T) {
	n := &fakeNarrator{reply: "ok"}
	x := newTestExplainer(t, n)

	ev := sshEvent
	ev.Message = strings.Repeat("x", 300)
	matches := []mitre.Match{bruteForce, exploitApp, bruteForce, exploitApp}
	analysis := &llm.Analysis{IsMalicious: true, Confidence: 0.8, Explanation: "MALICIOUS brute force"}

	x.Explain(context.Background(), ev, matches, 0.75, 0.82, analysis)
	if n.calls != 1 {
		t.Fatalf("calls = %d", n.calls)
	}
	prompt := n.prompts[0]
	if strings.Contains(prompt, strings.Repeat("x", 201)) || !strings.Contains(prompt, strings.Repeat("x", 200)) {
		t.Error("message should be truncated to 200 characters")
	}
	if c := strings.Count(prompt, "  - T"); c != 3 {
		t.Errorf("expected top-3 techniques, got %d", c)
	}
	for _, want := range []string{"Threat level: HIGH", "Anomaly score: 0.75", "trust score: 0.82", "AI analysis: MALICIOUS brute force", "confidence 85%"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if n.systems[0] != narrativeSystemPrompt {
		t.Error("system instruction not sent")
	}
}

func TestExplain_CachesSuccessfulNarratives(t *testing.T) {
	n := &fakeNarrator{reply: "cached"}
	x := newTestExplainer(t, n)

	for i := 0; i < 3; i++ {
		x.Explain(context.Background(), sshEvent, []mitre.Match{bruteForce}, 0.75, 0.82, nil)
	}
	if n.calls != 1 {
		t.Errorf("calls = %d, want 1", n.calls)
	}

	n.err = errors.New("down")
	other := sshEvent
	other.SrcIP = "198.51.100.50"
	x.Explain(context.Background(), other, nil, 0.1, 0.1, nil)
	x.Explain(context.Background(), other, nil, 0.1, 0.1, nil)
	if n.calls != 3 {
		t.Errorf("failures must not be cached, calls = %d", n.calls)
	}
}

func TestExplanation_JSONShape(t *testing.T) {
	x := newTestExplainer(t, nil)
	b, err := json.Marshal(x.Explain(context.Background(), core.Event{}, nil, 0.2, 0.2, nil))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"threat_level":"LOW"`, `"kill_chain":[]`, `"primary_indicators":[]`, `"ip_addresses":[]`, `"explanation":`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("json missing %s: %s", key, b)
		}
	}
}

// ─── Supplements ────────────────────────────────────────────────────────────

func TestExplainFalsePositive(t *testing.T) {
	x := newTestExplainer(t, nil)
	fp := x.ExplainFalsePositive(sshEvent, "internal scanner")
	if fp.Type != "false_positive_explanation" || fp.EventID != "evt_001" {
		t.Errorf("fp = %+v", fp)
	}
	if !strings.HasSuffix(fp.Explanation, "Reason: internal scanner") {
		t.Errorf("explanation = %q", fp.Explanation)
	}
}

func TestBatchExplain(t *testing.T) {
	x := newTestExplainer(t, &fakeNarrator{reply: "ok"})
	out := x.BatchExplain(context.Background(), []Input{
		{Event: sshEvent, Matches: []mitre.Match{bruteForce}, AnomalyScore: 0.95, TrustScore: 0.5},
		{Event: core.Event{ID: "b"}, AnomalyScore: 0.1, TrustScore: 0.1},
	})
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Scores.ThreatLevel != core.ThreatCritical || out[1].EventID != "b" {
		t.Errorf("out = %+v", out)
	}
}
