package mitre

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

// KillChainOrder is the canonical ATT&CK tactic progression.
var KillChainOrder = []string{
	"Reconnaissance",
	"Resource Development",
	"Initial Access",
	"Execution",
	"Persistence",
	"Privilege Escalation",
	"Defense Evasion",
	"Credential Access",
	"Discovery",
	"Lateral Movement",
	"Collection",
	"Command and Control",
	"Exfiltration",
	"Impact",
}

// Match associates an event with a technique.
type Match struct {
	TechniqueID     string   `json:"technique_id"`
	TechniqueName   string   `json:"technique_name"`
	Tactic          string   `json:"tactic"`
	Description     string   `json:"description"`
	Confidence      float64  `json:"confidence"`
	MatchedPatterns []string `json:"matched_patterns"`
	MatchCount      int      `json:"match_count"`
	TotalPatterns   int      `json:"total_patterns"`
}

// Statistics is a snapshot of run-level mapping counters.
type Statistics struct {
	TotalMappings    int      `json:"total_mappings"`
	UniqueTechniques int      `json:"unique_techniques"`
	UniqueTactics    int      `json:"unique_tactics"`
	Techniques       []string `json:"techniques_list"`
	Tactics          []string `json:"tactics_list"`
}

// Mapper evaluates events against a knowledge base and tracks what it has
// seen across the run.
type Mapper struct {
	kb     *KnowledgeBase
	logger zerolog.Logger

	mu            sync.Mutex
	totalMappings int
	techniques    map[string]struct{}
	tactics       map[string]struct{}
}

// NewMapper creates a Mapper over kb.
func NewMapper(kb *KnowledgeBase, logger zerolog.Logger) *Mapper {
	return &Mapper{
		kb:         kb,
		logger:     logger.With().Str("component", "mitre_mapper").Logger(),
		techniques: make(map[string]struct{}),
		tactics:    make(map[string]struct{}),
	}
}

// KnowledgeBase returns the underlying knowledge base.
func (m *Mapper) KnowledgeBase() *KnowledgeBase {
	return m.kb
}

// MapEvent returns the techniques whose patterns match ev, by descending
// confidence. Ties keep knowledge-base order.
func (m *Mapper) MapEvent(ev core.Event) []Match {
	content := strings.ToLower(ev.Message) + " " + strings.ToLower(ev.EventType)

	var matches []Match
	for _, t := range m.kb.techniques {
		var matched []string
		for i, re := range t.regexes {
			if re != nil && re.MatchString(content) {
				matched = append(matched, t.Patterns[i])
			}
		}
		if len(matched) == 0 {
			continue
		}
		total := len(t.Patterns)
		matches = append(matches, Match{
			TechniqueID:     t.ID,
			TechniqueName:   t.Name,
			Tactic:          t.Tactic,
			Description:     t.Description,
			Confidence:      min(float64(len(matched))/float64(total), 1),
			MatchedPatterns: matched,
			MatchCount:      len(matched),
			TotalPatterns:   total,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})

	m.mu.Lock()
	m.totalMappings += len(matches)
	for _, match := range matches {
		m.techniques[match.TechniqueID] = struct{}{}
		m.tactics[match.Tactic] = struct{}{}
	}
	m.mu.Unlock()

	if len(matches) > 0 {
		m.logger.Debug().
			Str("event_id", ev.ID).
			Int("matches", len(matches)).
			Str("top", matches[0].TechniqueID).
			Msg("event mapped")
	}
	return matches
}

// Statistics returns the mapping counters with sorted ID and tactic lists.
func (m *Mapper) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	techniques := setToSorted(m.techniques)
	tactics := setToSorted(m.tactics)
	return Statistics{
		TotalMappings:    m.totalMappings,
		UniqueTechniques: len(techniques),
		UniqueTactics:    len(tactics),
		Techniques:       techniques,
		Tactics:          tactics,
	}
}

// KillChain returns the distinct tactics present in matches, in canonical
// kill-chain order. Tactics outside the canonical list are dropped.
func KillChain(matches []Match) []string {
	present := make(map[string]bool, len(matches))
	for _, m := range matches {
		present[m.Tactic] = true
	}
	chain := make([]string, 0, len(present))
	for _, tactic := range KillChainOrder {
		if present[tactic] {
			chain = append(chain, tactic)
		}
	}
	return chain
}

// HasTactic reports whether any match belongs to tactic.
func HasTactic(matches []Match, tactic string) bool {
	return slices.ContainsFunc(matches, func(m Match) bool { return m.Tactic == tactic })
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
