// Package explain turns the outputs of every triage stage into a
// human-facing explanation: threat level, decision factors, remediation
// recommendations, indicators and an LLM-written narrative.
package explain

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/llm"
	"github.com/1sec-project/sectriage/internal/mitre"
)

const (
	DefaultCacheSize = 256

	narrativeTemperature = 0.4
	narrativeMaxTokens   = 300
	maxContextMessage    = 200
	topTechniques        = 3
)

const narrativeSystemPrompt = `You are a cybersecurity expert working in a SOC.
Your job is to explain security decisions clearly and pedagogically.

Give a 3-4 sentence explanation covering:
1. What was detected and why it is (or is not) concerning
2. How the anomaly model and the MITRE mapping contributed to the decision
3. The risk level and the confidence in the assessment
4. The recommended action

Be precise, factual and concise. Avoid excessive jargon.`

// Narrator produces free text from a prompt. *llm.Client satisfies it.
type Narrator interface {
	Query(ctx context.Context, prompt, system string, temperature float64, maxTokens int) llm.Result
}

// Indicator is one piece of evidence behind a decision.
type Indicator struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Weight      string   `json:"weight"`
	Details     []string `json:"details,omitempty"`
}

// Factors buckets evidence into primary and supporting indicators.
type Factors struct {
	PrimaryIndicators  []Indicator `json:"primary_indicators"`
	SupportingEvidence []Indicator `json:"supporting_evidence"`
	ConfidenceLevel    string      `json:"confidence_level"`
}

// TechniqueRef is the condensed form of a technique match.
type TechniqueRef struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Tactic     string  `json:"tactic"`
	Confidence float64 `json:"confidence"`
}

// Mapping is the technique view of an explanation.
type Mapping struct {
	Techniques []TechniqueRef `json:"techniques"`
	KillChain  []string       `json:"kill_chain"`
}

// Scores carries both input scores and the derived threat level.
type Scores struct {
	Anomaly     float64          `json:"anomaly_score"`
	Trust       float64          `json:"trust_score"`
	ThreatLevel core.ThreatLevel `json:"threat_level"`
}

// Recommendation is one prioritized remediation step.
type Recommendation struct {
	Priority    string `json:"priority"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Rationale   string `json:"rationale"`
}

// Indicators are the indicators of compromise attached to an event.
type Indicators struct {
	IPAddresses []string `json:"ip_addresses"`
	Patterns    []string `json:"patterns"`
	Techniques  []string `json:"techniques"`
}

// Attribution identifies where an event came from.
type Attribution struct {
	SourceIP   string     `json:"source_ip"`
	EventType  string     `json:"event_type"`
	Indicators Indicators `json:"indicators"`
}

// Explanation is the full synthesized output for one event.
type Explanation struct {
	EventID         string           `json:"event_id"`
	Timestamp       string           `json:"timestamp"`
	Summary         string           `json:"summary"`
	Narrative       string           `json:"explanation"`
	Factors         Factors          `json:"decision_factors"`
	Mapping         Mapping          `json:"mitre_mapping"`
	Scores          Scores           `json:"scores"`
	Recommendations []Recommendation `json:"recommendations"`
	Attribution     Attribution      `json:"attribution"`
}

// FalsePositive documents an analyst override.
type FalsePositive struct {
	Type          string `json:"type"`
	EventID       string `json:"event_id"`
	Summary       string `json:"summary"`
	Explanation   string `json:"explanation"`
	LearningPoint string `json:"learning_point"`
}

// Input bundles the stage outputs for BatchExplain.
type Input struct {
	Event        core.Event
	Matches      []mitre.Match
	AnomalyScore float64
	TrustScore   float64
	LLM          *llm.Analysis
}

// Explainer synthesizes explanations. Narratives are cached by their
// context block so identical situations cost one LLM call.
type Explainer struct {
	narrator Narrator
	cache    *lru.Cache[string, string]
	logger   zerolog.Logger
}

// NewExplainer creates an Explainer. narrator may be nil, in which case
// every narrative is replaced by the failure notice.
func NewExplainer(narrator Narrator, cacheSize int, logger zerolog.Logger) (*Explainer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating narrative cache: %w", err)
	}
	return &Explainer{
		narrator: narrator,
		cache:    cache,
		logger:   logger.With().Str("component", "explainer").Logger(),
	}, nil
}

// ThreatLevel classifies max(trust, anomaly).
func ThreatLevel(trust, anomaly float64) core.ThreatLevel {
	score := max(trust, anomaly)
	switch {
	case score >= 0.9:
		return core.ThreatCritical
	case score >= 0.7:
		return core.ThreatHigh
	case score >= 0.5:
		return core.ThreatMedium
	default:
		return core.ThreatLow
	}
}

// Explain builds the explanation for one event. It never fails: a narrator
// error is reported inline in the narrative.
func (x *Explainer) Explain(ctx context.Context, ev core.Event, matches []mitre.Match, anomalyScore, trustScore float64, analysis *llm.Analysis) Explanation {
	level := ThreatLevel(trustScore, anomalyScore)

	eventID := ev.ID
	if eventID == "" {
		eventID = "unknown"
	}

	refs := make([]TechniqueRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, TechniqueRef{ID: m.TechniqueID, Name: m.TechniqueName, Tactic: m.Tactic, Confidence: m.Confidence})
	}

	return Explanation{
		EventID:   eventID,
		Timestamp: ev.Timestamp,
		Summary:   summary(level, matches),
		Narrative: x.narrative(ctx, buildContext(ev, matches, anomalyScore, trustScore, level, analysis)),
		Factors:   decisionFactors(anomalyScore, trustScore, matches),
		Mapping: Mapping{
			Techniques: refs,
			KillChain:  mitre.KillChain(matches),
		},
		Scores: Scores{
			Anomaly:     anomalyScore,
			Trust:       trustScore,
			ThreatLevel: level,
		},
		Recommendations: recommendations(level, matches, ev),
		Attribution: Attribution{
			SourceIP:   ev.SrcIP,
			EventType:  ev.EventType,
			Indicators: indicators(ev, matches),
		},
	}
}

// ExplainFalsePositive records why an alert was dismissed.
func (x *Explainer) ExplainFalsePositive(ev core.Event, reason string) FalsePositive {
	x.logger.Info().Str("event_id", ev.ID).Str("reason", reason).Msg("false positive recorded")
	return FalsePositive{
		Type:          "false_positive_explanation",
		EventID:       ev.ID,
		Summary:       "False positive identified",
		Explanation:   "This event was marked as a false positive. Reason: " + reason,
		LearningPoint: "This feedback will be used to improve system calibration.",
	}
}

// BatchExplain explains each input in order.
func (x *Explainer) BatchExplain(ctx context.Context, inputs []Input) []Explanation {
	out := make([]Explanation, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, x.Explain(ctx, in.Event, in.Matches, in.AnomalyScore, in.TrustScore, in.LLM))
	}
	return out
}

func (x *Explainer) narrative(ctx context.Context, contextBlock string) string {
	if text, ok := x.cache.Get(contextBlock); ok {
		return text
	}
	if x.narrator == nil {
		return unavailable("no narrator configured")
	}

	prompt := contextBlock + "\nExplain this security analysis clearly and professionally:"
	res := x.narrator.Query(ctx, prompt, narrativeSystemPrompt, narrativeTemperature, narrativeMaxTokens)
	if res.Err != nil {
		x.logger.Warn().Err(res.Err).Msg("narrative generation failed")
		return unavailable(res.Err.Error())
	}
	x.cache.Add(contextBlock, res.Response)
	return res.Response
}

func unavailable(reason string) string {
	return "automatic explanation unavailable: " + reason
}

func buildContext(ev core.Event, matches []mitre.Match, anomalyScore, trustScore float64, level core.ThreatLevel, analysis *llm.Analysis) string {
	var b strings.Builder

	b.WriteString("SECURITY EVENT:\n")
	fmt.Fprintf(&b, "Source IP: %s\n", orNA(ev.SrcIP))
	fmt.Fprintf(&b, "Type: %s\n", orNA(ev.EventType))
	fmt.Fprintf(&b, "Message: %s\n", truncate(orNA(ev.Message), maxContextMessage))
	fmt.Fprintf(&b, "Timestamp: %s\n\n", orNA(ev.Timestamp))

	b.WriteString("ANALYSIS SCORES:\n")
	fmt.Fprintf(&b, "- Anomaly score: %.2f (0=normal, 1=anomalous)\n", anomalyScore)
	fmt.Fprintf(&b, "- Calibrated trust score: %.2f (0=benign, 1=malicious)\n", trustScore)
	fmt.Fprintf(&b, "- Threat level: %s\n\n", level)

	b.WriteString("DETECTED MITRE ATT&CK TECHNIQUES:\n")
	if len(matches) == 0 {
		b.WriteString("  No specific technique detected\n")
	}
	for i, m := range matches {
		if i == topTechniques {
			break
		}
		fmt.Fprintf(&b, "  - %s (%s): %s - confidence %.0f%%\n", m.TechniqueID, m.TechniqueName, m.Tactic, m.Confidence*100)
	}

	if analysis != nil && analysis.Explanation != "" {
		fmt.Fprintf(&b, "\nAI analysis: %s\n", analysis.Explanation)
	}
	return b.String()
}

func summary(level core.ThreatLevel, matches []mitre.Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("%s level activity - no MITRE technique identified", level)
	}
	top := matches[0]
	return fmt.Sprintf("%s level: %s (%s) detected with %d associated technique(s)", level, top.TechniqueName, top.TechniqueID, len(matches))
}

func decisionFactors(anomalyScore, trustScore float64, matches []mitre.Match) Factors {
	f := Factors{
		PrimaryIndicators:  []Indicator{},
		SupportingEvidence: []Indicator{},
		ConfidenceLevel:    "Low",
	}
	switch {
	case trustScore > 0.8:
		f.ConfidenceLevel = "High"
	case trustScore > 0.5:
		f.ConfidenceLevel = "Medium"
	}

	switch {
	case anomalyScore > 0.7:
		f.PrimaryIndicators = append(f.PrimaryIndicators, Indicator{
			Type:        "Behavioral anomaly",
			Description: fmt.Sprintf("Highly abnormal behavior detected (score: %.2f)", anomalyScore),
			Weight:      "high",
		})
	case anomalyScore > 0.4:
		f.SupportingEvidence = append(f.SupportingEvidence, Indicator{
			Type:        "Moderate anomaly",
			Description: fmt.Sprintf("Unusual behavior observed (score: %.2f)", anomalyScore),
			Weight:      "medium",
		})
	}

	var strong []mitre.Match
	for _, m := range matches {
		if m.Confidence > 0.7 {
			strong = append(strong, m)
		}
	}
	if len(strong) > 0 {
		details := make([]string, 0, topTechniques)
		for i, m := range strong {
			if i == topTechniques {
				break
			}
			details = append(details, m.TechniqueID+": "+m.TechniqueName)
		}
		f.PrimaryIndicators = append(f.PrimaryIndicators, Indicator{
			Type:        "MITRE techniques",
			Description: fmt.Sprintf("%d high-confidence MITRE technique(s)", len(strong)),
			Weight:      "high",
			Details:     details,
		})
	}

	if trustScore > 0.8 {
		f.PrimaryIndicators = append(f.PrimaryIndicators, Indicator{
			Type:        "High confidence",
			Description: "Strong convergence between several detection systems",
			Weight:      "high",
		})
	}
	return f
}

func recommendations(level core.ThreatLevel, matches []mitre.Match, ev core.Event) []Recommendation {
	var recs []Recommendation

	switch level {
	case core.ThreatCritical:
		recs = append(recs,
			Recommendation{
				Priority:    "URGENT",
				Action:      "Block immediately",
				Description: fmt.Sprintf("Block IP %s at the firewall", ev.SrcIP),
				Rationale:   "Critical threat detected with high confidence",
			},
			Recommendation{
				Priority:    "HIGH",
				Action:      "Deep investigation",
				Description: "Review the full logs for this IP over the last 24h",
				Rationale:   "Establish the potential scope of compromise",
			})
	case core.ThreatHigh:
		recs = append(recs,
			Recommendation{
				Priority:    "HIGH",
				Action:      "Increased monitoring",
				Description: fmt.Sprintf("Actively monitor IP %s", ev.SrcIP),
				Rationale:   "Suspicious activity requires monitoring",
			},
			Recommendation{
				Priority:    "MEDIUM",
				Action:      "Rate limiting",
				Description: "Apply rate limits to this IP",
				Rationale:   "Prevent attack escalation",
			})
	case core.ThreatMedium:
		recs = append(recs, Recommendation{
			Priority:    "MEDIUM",
			Action:      "Log and monitor",
			Description: "Log the event for trend analysis",
			Rationale:   "Potentially suspicious activity",
		})
	default:
		recs = append(recs, Recommendation{
			Priority:    "LOW",
			Action:      "Standard logging",
			Description: "Keep in logs for reference",
			Rationale:   "Low risk identified",
		})
	}

	if mitre.HasTactic(matches, "Credential Access") {
		recs = append(recs, Recommendation{
			Priority:    "HIGH",
			Action:      "Account review",
			Description: "Audit access attempts and reset compromised passwords",
			Rationale:   "Credential access attempt detected",
		})
	}
	if mitre.HasTactic(matches, "Initial Access") {
		recs = append(recs, Recommendation{
			Priority:    "HIGH",
			Action:      "Application inspection",
			Description: "Verify the integrity of exposed applications",
			Rationale:   "Application exploitation attempt detected",
		})
	}
	return recs
}

func indicators(ev core.Event, matches []mitre.Match) Indicators {
	ind := Indicators{
		IPAddresses: []string{},
		Patterns:    []string{},
		Techniques:  make([]string, 0, len(matches)),
	}
	if ev.SrcIP != "" {
		ind.IPAddresses = append(ind.IPAddresses, ev.SrcIP)
	}
	for _, m := range matches {
		n := min(len(m.MatchedPatterns), 2)
		ind.Patterns = append(ind.Patterns, m.MatchedPatterns[:n]...)
		ind.Techniques = append(ind.Techniques, m.TechniqueID)
	}
	return ind
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
