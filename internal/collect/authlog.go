package collect

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/sectriage/internal/core"
)

var (
	// sshd: Failed password for invalid user admin from 1.2.3.4 port 22 ssh2
	authFailRe = regexp.MustCompile(`(?i)(?:failed\s+password|authentication\s+failure|invalid\s+user|access\s+denied|failed\s+publickey)`)
	// sshd: Accepted publickey for user from 1.2.3.4 port 22 ssh2
	authSuccRe = regexp.MustCompile(`(?i)(?:accepted\s+password|accepted\s+publickey|session\s+opened|successful\s+login)`)
	// sudo: user : TTY=pts/0 ; PWD=/home/user ; USER=root ; COMMAND=/bin/bash
	sudoCmdRe = regexp.MustCompile(`(?i)sudo:.*COMMAND=(.+)`)
	// rhost=1.2.3.4 (PAM) or "from 1.2.3.4"
	authIPRe   = regexp.MustCompile(`(?:from|rhost=)\s*([0-9A-Fa-f:.]+)`)
	authPortRe = regexp.MustCompile(`\bport\s+(\d{1,5})\b`)

	// "Jan 15 10:23:45 host sshd[123]: msg" or "2024-01-15T10:23:45+00:00 host sshd[123]: msg"
	syslogRe = regexp.MustCompile(`^(?:([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})|(\d{4}-\d{2}-\d{2}T\S+))\s+\S+\s+([\w\-./]+?)(?:\[\d+\])?:\s+(.*)$`)
)

// now is replaced in tests.
var now = time.Now

// ParseAuthLine parses an sshd, PAM or sudo syslog line. sshd failures
// become ssh_attempt events, other failures login_failure, successes
// login_success and sudo commands privilege_change.
func ParseAuthLine(line string) (core.Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return core.Event{}, false
	}

	var ts, program, message string
	if m := syslogRe.FindStringSubmatch(line); m != nil {
		ts = syslogTimestamp(m[1], m[2])
		program = strings.ToLower(m[3])
		message = m[4]
	} else {
		message = line
	}
	isSSH := strings.HasPrefix(program, "sshd") || strings.Contains(strings.ToLower(message), "ssh2")

	var eventType string
	switch {
	case authFailRe.MatchString(message):
		eventType = "login_failure"
		if isSSH {
			eventType = "ssh_attempt"
		}
	case authSuccRe.MatchString(message):
		eventType = "login_success"
	case sudoCmdRe.MatchString(line):
		eventType = "privilege_change"
	default:
		return core.Event{}, false
	}

	ev := core.Event{
		Timestamp: ts,
		EventType: eventType,
		Message:   message,
	}
	if m := authIPRe.FindStringSubmatch(message); m != nil {
		if addr, err := netip.ParseAddr(m[1]); err == nil {
			ev.SrcIP = addr.String()
		}
	}
	if m := authPortRe.FindStringSubmatch(message); m != nil {
		ev.SrcPort, _ = strconv.Atoi(m[1])
	}
	if isSSH {
		ev.DstPort = 22
	}
	return ev, true
}

// syslogTimestamp converts either header form to ISO-8601. Classic syslog
// stamps carry no year; the current year is assumed, or the previous one
// when that would place the stamp in the future.
func syslogTimestamp(classic, iso string) string {
	if iso != "" {
		if t, ok := core.ParseTimestamp(iso); ok {
			return t.Format(time.RFC3339)
		}
		return ""
	}
	t, err := time.Parse(time.Stamp, strings.Join(strings.Fields(classic), " "))
	if err != nil {
		return ""
	}
	ref := now()
	t = t.AddDate(ref.Year(), 0, 0)
	if t.After(ref.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.Format("2006-01-02T15:04:05")
}
