package collect

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/1sec-project/sectriage/internal/core"
)

// nginx/apache combined log format:
// 1.2.3.4 - user [10/Oct/2000:13:55:36 -0700] "GET /path HTTP/1.1" 200 2326 "referer" "user-agent"
var accessLogRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+(\S+)\s+\[([^\]]+)\]\s+"(\S+)\s+(\S+)\s+(\S+)"\s+(\d{3})\s+(\d+|-)(?:\s+"([^"]*)")?(?:\s+"([^"]*)")?`,
)

const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// ParseAccessLine parses a combined-format access log line into an
// http_request event. The message keeps the request line and status, plus
// the user agent when present, so scanner signatures stay visible.
func ParseAccessLine(line string) (core.Event, bool) {
	m := accessLogRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return core.Event{}, false
	}

	ev := core.Event{
		SrcIP:     m[1],
		EventType: "http_request",
		Message:   fmt.Sprintf("%s %s %s %s", m[4], m[5], m[6], m[7]),
	}
	if t, err := time.Parse(accessTimeLayout, m[3]); err == nil {
		ev.Timestamp = t.Format(time.RFC3339)
	}
	if ua := m[10]; ua != "" && ua != "-" {
		ev.Message += " ua=" + ua
	}
	if strings.HasPrefix(strings.ToUpper(m[6]), "HTTP") {
		ev.DstPort = 80
	}
	return ev, true
}
