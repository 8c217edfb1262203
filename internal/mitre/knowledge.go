// Package mitre maps events onto MITRE ATT&CK techniques using a
// pattern-driven knowledge base.
package mitre

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Technique is one knowledge-base entry. Patterns are regular expressions
// matched case-insensitively against event text.
type Technique struct {
	ID          string   `json:"technique_id"`
	Name        string   `json:"technique_name"`
	Tactic      string   `json:"tactic"`
	Description string   `json:"description"`
	Patterns    []string `json:"patterns"`
}

// compiledTechnique holds a technique with its patterns compiled once. A nil
// entry marks a pattern that failed to compile; it still counts toward the
// total but never matches.
type compiledTechnique struct {
	Technique
	regexes []*regexp.Regexp
}

// KnowledgeBase is an immutable, ordered set of techniques.
type KnowledgeBase struct {
	techniques []compiledTechnique
}

// NewKnowledgeBase compiles techniques in order. Invalid patterns are logged.
func NewKnowledgeBase(techniques []Technique, logger zerolog.Logger) *KnowledgeBase {
	kb := &KnowledgeBase{techniques: make([]compiledTechnique, 0, len(techniques))}
	for _, t := range techniques {
		ct := compiledTechnique{Technique: t, regexes: make([]*regexp.Regexp, len(t.Patterns))}
		for i, p := range t.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				logger.Warn().Err(err).
					Str("technique", t.ID).
					Str("pattern", p).
					Msg("invalid technique pattern, it will never match")
				continue
			}
			ct.regexes[i] = re
		}
		kb.techniques = append(kb.techniques, ct)
	}
	return kb
}

// Len returns the number of techniques.
func (kb *KnowledgeBase) Len() int {
	return len(kb.techniques)
}

// Techniques returns a copy of the entries in load order.
func (kb *KnowledgeBase) Techniques() []Technique {
	out := make([]Technique, len(kb.techniques))
	for i, t := range kb.techniques {
		out[i] = t.Technique
	}
	return out
}

// LoadKnowledgeBase reads the technique CSV at path. When the file does not
// exist the built-in defaults are used and written to path for reuse; a file
// that exists but cannot be parsed also falls back to the defaults and is
// left untouched.
func LoadKnowledgeBase(path string, logger zerolog.Logger) (*KnowledgeBase, error) {
	log := logger.With().Str("component", "mitre_kb").Logger()

	techniques, err := readTechniquesFile(path)
	switch {
	case err == nil:
		log.Info().Str("path", path).Int("techniques", len(techniques)).Msg("technique knowledge base loaded")
		return NewKnowledgeBase(techniques, log), nil
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("technique knowledge base not found, using built-in defaults")
		techniques = DefaultTechniques()
		if werr := writeTechniquesFile(path, techniques); werr != nil {
			log.Warn().Err(werr).Str("path", path).Msg("could not persist default knowledge base")
		}
	default:
		log.Warn().Err(err).Str("path", path).Msg("technique knowledge base unreadable, using built-in defaults")
		techniques = DefaultTechniques()
	}

	if len(techniques) == 0 {
		return nil, errors.New("default technique knowledge base is empty")
	}
	return NewKnowledgeBase(techniques, log), nil
}

var csvHeader = []string{"technique", "name", "tactique", "description", "patterns"}

func readTechniquesFile(path string) ([]Technique, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTechniques(f)
}

// ReadTechniques parses the knowledge-base CSV. The header must name the
// technique, name, tactique (or tactic), description and patterns columns;
// patterns are pipe-delimited.
func ReadTechniques(r io.Reader) ([]Technique, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["tactique"]; !ok {
		if i, ok := cols["tactic"]; ok {
			cols["tactique"] = i
		}
	}
	for _, c := range csvHeader {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	var out []Technique
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(name string) string {
			if i := cols[name]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		id := field("technique")
		if id == "" {
			continue
		}
		out = append(out, Technique{
			ID:          id,
			Name:        field("name"),
			Tactic:      field("tactique"),
			Description: field("description"),
			Patterns:    splitPatterns(field("patterns")),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no techniques found")
	}
	return out, nil
}

func splitPatterns(s string) []string {
	parts := strings.Split(s, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// WriteTechniques writes techniques in the CSV layout ReadTechniques accepts.
func WriteTechniques(w io.Writer, techniques []Technique) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range techniques {
		rec := []string{t.ID, t.Name, t.Tactic, t.Description, strings.Join(t.Patterns, "|")}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTechniquesFile(path string, techniques []Technique) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTechniques(f, techniques); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DefaultTechniques is the built-in knowledge base used when no external
// source is available.
func DefaultTechniques() []Technique {
	return []Technique{
		{
			ID:          "T1110",
			Name:        "Brute Force",
			Tactic:      "Credential Access",
			Description: "Adversaries may use brute force techniques to gain access to accounts",
			Patterns:    []string{"failed password", "authentication failure", "invalid user", "brute.?force", "hydra"},
		},
		{
			ID:          "T1110.001",
			Name:        "Password Guessing",
			Tactic:      "Credential Access",
			Description: "Adversaries may use password guessing to gain access",
			Patterns:    []string{"failed password", "invalid password", "password guess"},
		},
		{
			ID:          "T1110.003",
			Name:        "Password Spraying",
			Tactic:      "Credential Access",
			Description: "Adversaries may use password spraying attacks",
			Patterns:    []string{"multiple failed logins", "password spray", "many authentication attempts"},
		},
		{
			ID:          "T1046",
			Name:        "Network Service Scanning",
			Tactic:      "Discovery",
			Description: "Adversaries may attempt to get a listing of services running on remote hosts",
			Patterns:    []string{"nmap", "masscan", "port.?scan", "service.?scan", "network scan"},
		},
		{
			ID:          "T1190",
			Name:        "Exploit Public-Facing Application",
			Tactic:      "Initial Access",
			Description: "Adversaries may attempt to exploit vulnerabilities in public-facing applications",
			Patterns:    []string{"exploit", "fuzzing", "dirb", "gobuster", "nikto", "sqlmap", "dirbuster", "wfuzz"},
		},
		{
			ID:          "T1595",
			Name:        "Active Scanning",
			Tactic:      "Reconnaissance",
			Description: "Adversaries may execute active reconnaissance scans",
			Patterns:    []string{"scanning", "reconnaissance", "probe", "fingerprint"},
		},
		{
			ID:          "T1595.001",
			Name:        "Scanning IP Blocks",
			Tactic:      "Reconnaissance",
			Description: "Adversaries may scan victim IP blocks",
			Patterns:    []string{"ip.?scan", "subnet.?scan", "network.?sweep"},
		},
		{
			ID:          "T1021.004",
			Name:        "SSH",
			Tactic:      "Lateral Movement",
			Description: "Adversaries may use SSH for lateral movement",
			Patterns:    []string{"ssh", "sshd", "port 22", "ssh connection"},
		},
		{
			ID:          "T1071.001",
			Name:        "Web Protocols",
			Tactic:      "Command and Control",
			Description: "Adversaries may use web protocols for C2",
			Patterns:    []string{"http", "https", "web request", "GET", "POST"},
		},
		{
			ID:          "T1498",
			Name:        "Network Denial of Service",
			Tactic:      "Impact",
			Description: "Adversaries may perform DoS attacks",
			Patterns:    []string{"flood", "dos", "ddos", "syn flood", "denial of service"},
		},
		{
			ID:          "T1078",
			Name:        "Valid Accounts",
			Tactic:      "Defense Evasion",
			Description: "Adversaries may obtain and abuse valid accounts",
			Patterns:    []string{"successful login", "authenticated", "valid credentials"},
		},
		{
			ID:          "T1133",
			Name:        "External Remote Services",
			Tactic:      "Persistence",
			Description: "Adversaries may leverage external remote services",
			Patterns:    []string{"remote access", "vpn", "remote desktop", "rdp"},
		},
	}
}
