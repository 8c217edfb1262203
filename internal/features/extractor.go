package features

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/1sec-project/sectriage/internal/core"
)

// NoSimilarEvent is reported by time_since_last_similar when nothing in the
// history matches or the timestamps cannot be compared.
const NoSimilarEvent = 9999.0

const (
	frequencyWindow = 100
	failureWindow   = 20
	failureMinimum  = 3
	rapidWindow     = 10
	rapidMinimum    = 5
	minElapsed      = 0.1
)

// EventTypeCodes maps known event types to their encoded value; anything
// else encodes as 0.
var EventTypeCodes = map[string]int{
	"ssh_attempt":   1,
	"http_request":  2,
	"port_scan":     3,
	"dns_query":     4,
	"file_access":   5,
	"login_success": 6,
	"login_failure": 7,
}

var suspiciousKeywords = []string{
	"failed", "invalid", "denied", "error", "attack",
	"scan", "exploit", "brute", "unauthorized", "forbidden",
}

var commonPorts = map[int]bool{22: true, 80: true, 443: true, 3389: true, 21: true, 23: true}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

var (
	ipPattern   = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	urlPattern  = regexp.MustCompile(`https?://`)
	httpPattern = regexp.MustCompile(`\b([1-5]\d{2})\b`)
)

// Extractor computes feature vectors. It holds no per-event state; the
// history it reads and appends to is passed in by the caller.
type Extractor struct{}

// NewExtractor returns a ready Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract computes the vector for ev against h, then appends ev to h.
// Malformed fields fall back to documented defaults and never fail.
func (x *Extractor) Extract(h *History, ev core.Event) Vector {
	var v Vector
	recent := h.Recent(-1)

	extractTemporal(&v, ev)
	extractNetwork(&v, ev)
	extractFrequency(&v, ev, recent)
	extractContent(&v, ev)
	extractBehavioral(&v, ev, recent)

	h.Append(ev)
	return v
}

func extractTemporal(v *Vector, ev core.Event) {
	ts, ok := core.ParseTimestamp(ev.Timestamp)
	if !ok {
		return
	}
	// Monday is 0, Sunday is 6.
	weekday := (int(ts.Weekday()) + 6) % 7
	v[Hour] = float64(ts.Hour())
	v[DayOfWeek] = float64(weekday)
	v[IsWeekend] = boolf(weekday >= 5)
	v[IsNight] = boolf(ts.Hour() < 6 || ts.Hour() > 22)
}

func extractNetwork(v *Vector, ev core.Event) {
	v[SrcIsPrivate] = boolf(IsPrivateIP(ev.SrcIP))
	v[DstIsPrivate] = boolf(IsPrivateIP(ev.DstIP))
	v[SrcPort] = float64(ev.SrcPort)
	v[DstPort] = float64(ev.DstPort)
	v[IsCommonPort] = boolf(commonPorts[ev.DstPort])
}

func extractFrequency(v *Vector, ev core.Event, history []core.Event) {
	window := tail(history, frequencyWindow)
	var sameIP, sameType int
	for _, past := range window {
		if past.SrcIP == ev.SrcIP {
			sameIP++
		}
		if past.EventType == ev.EventType {
			sameType++
		}
	}
	v[SameIPFrequency] = float64(sameIP)
	v[SameTypeFrequency] = float64(sameType)
	v[TimeSinceLastSimilar] = timeSinceLastSimilar(ev, history)
}

func timeSinceLastSimilar(ev core.Event, history []core.Event) float64 {
	current, ok := core.ParseTimestamp(ev.Timestamp)
	if !ok {
		return NoSimilarEvent
	}
	for i := len(history) - 1; i >= 0; i-- {
		past := history[i]
		if past.SrcIP != ev.SrcIP || past.EventType != ev.EventType {
			continue
		}
		pastTime, ok := core.ParseTimestamp(past.Timestamp)
		if !ok {
			continue
		}
		return max(current.Sub(pastTime).Seconds(), minElapsed)
	}
	return NoSimilarEvent
}

func extractContent(v *Vector, ev core.Event) {
	msg := strings.ToLower(ev.Message)

	var keywords int
	for _, kw := range suspiciousKeywords {
		if strings.Contains(msg, kw) {
			keywords++
		}
	}
	v[SuspiciousKeywordCount] = float64(keywords)

	length := utf8.RuneCountInString(msg)
	v[MessageLength] = float64(length)

	var special int
	for _, r := range msg {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	v[SpecialCharRatio] = float64(special) / float64(max(length, 1))

	v[HasIPPattern] = boolf(ipPattern.MatchString(msg))
	v[HasURLPattern] = boolf(urlPattern.MatchString(msg))

	if m := httpPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		v[HTTPCode] = float64(code)
		v[IsHTTPError] = boolf(code >= 400)
	}
}

func extractBehavioral(v *Vector, ev core.Event, history []core.Event) {
	v[EventTypeEncoded] = float64(EventTypeCodes[ev.EventType])
	v[IsRepeatedFailure] = boolf(isRepeatedFailure(ev, history))
	v[IsRapidSuccession] = boolf(isRapidSuccession(ev, history))
}

func isRepeatedFailure(ev core.Event, history []core.Event) bool {
	if !mentionsFailure(ev.Message) {
		return false
	}
	var failures int
	for _, past := range tail(history, failureWindow) {
		if past.SrcIP == ev.SrcIP && mentionsFailure(past.Message) {
			failures++
		}
	}
	return failures >= failureMinimum
}

func isRapidSuccession(ev core.Event, history []core.Event) bool {
	var same int
	for _, past := range tail(history, rapidWindow) {
		if past.SrcIP == ev.SrcIP {
			same++
		}
	}
	return same >= rapidMinimum
}

func mentionsFailure(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "failed") || strings.Contains(msg, "denied")
}

// IsPrivateIP reports whether ip is an IPv4 address inside an RFC1918 range.
// Empty or malformed input is not private.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || !addr.Is4() {
		return false
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func tail(events []core.Event, n int) []core.Event {
	if len(events) > n {
		return events[len(events)-n:]
	}
	return events
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
