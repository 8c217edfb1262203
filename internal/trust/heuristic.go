package trust

import "strings"

var (
	badKeywords = []string{
		"failed", "denied", "invalid", "error", "attack",
		"exploit", "scan", "unauthorized", "forbidden",
	}
	goodKeywords = []string{"success", "ok", "accepted", "authorized", "valid"}
)

// HeuristicScore rates a message from keyword counts: hostile terms raise it
// above 0.5 and benign terms lower it, each side capped at five terms.
func HeuristicScore(message string) float64 {
	msg := strings.ToLower(message)

	var bad, good int
	for _, kw := range badKeywords {
		if strings.Contains(msg, kw) {
			bad++
		}
	}
	for _, kw := range goodKeywords {
		if strings.Contains(msg, kw) {
			good++
		}
	}

	var score float64
	if bad > good {
		score = 0.5 + float64(min(bad, 5))/10
	} else {
		score = 0.5 - float64(min(good, 5))/10
	}
	return clip(score, 0, 1)
}
