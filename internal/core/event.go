package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreatLevel is the coarse classification attached to every triaged event.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*l, _ = ParseThreatLevel(str)
	return nil
}

// ParseThreatLevel maps a level name, in any case, to its ThreatLevel.
// Unknown names yield ThreatLow and false.
func ParseThreatLevel(s string) (ThreatLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return ThreatLow, true
	case "MEDIUM":
		return ThreatMedium, true
	case "HIGH":
		return ThreatHigh, true
	case "CRITICAL":
		return ThreatCritical, true
	default:
		return ThreatLow, false
	}
}

// Event is a single security telemetry record as delivered by an ingestion
// source. Every pipeline stage treats it as read-only; the only mutation
// allowed is EnsureID.
type Event struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	SrcIP     string `json:"src_ip,omitempty"`
	DstIP     string `json:"dst_ip,omitempty"`
	SrcPort   int    `json:"src_port,omitempty"`
	DstPort   int    `json:"dst_port,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Message   string `json:"message,omitempty"`

	// Expected is an optional ground-truth label ("malicious" or "normal")
	// carried by evaluation datasets.
	Expected string `json:"expected,omitempty"`
}

// EnsureID assigns a generated identifier when the event has none and
// returns the (possibly new) ID.
func (e *Event) EnsureID() string {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return e.ID
}

// IsLabeledMalicious reports the ground-truth label and whether one is present.
func (e Event) IsLabeledMalicious() (malicious, labeled bool) {
	switch strings.ToLower(e.Expected) {
	case "malicious":
		return true, true
	case "normal", "benign":
		return false, true
	}
	return false, false
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// naive layouts carry no offset and are read as UTC wall-clock time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. The returned time keeps the
// offset written in the string so Hour and Weekday reflect the source clock.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	// "2024-01-15 10:23:45+00:00"
	if t, err := time.Parse("2006-01-02 15:04:05Z07:00", s); err == nil {
		return t, true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
