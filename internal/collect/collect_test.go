package collect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

// ─── Auth log ───────────────────────────────────────────────────────────────

func TestParseAuthLine(t *testing.T) {
	now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { now = time.Now }()

	tests := []struct {
		name      string
		line      string
		eventType string
		srcIP     string
		srcPort   int
		dstPort   int
		timestamp string
	}{
		{
			name:      "sshd failed password",
			line:      "Jan 15 10:23:45 web01 sshd[4242]: Failed password for invalid user admin from 203.0.113.10 port 54321 ssh2",
			eventType: "ssh_attempt",
			srcIP:     "203.0.113.10",
			srcPort:   54321,
			dstPort:   22,
			timestamp: "2024-01-15T10:23:45",
		},
		{
			name:      "sshd accepted",
			line:      "Jan  5 08:00:01 web01 sshd[77]: Accepted publickey for deploy from 10.0.0.5 port 40000 ssh2",
			eventType: "login_success",
			srcIP:     "10.0.0.5",
			srcPort:   40000,
			dstPort:   22,
			timestamp: "2024-01-05T08:00:01",
		},
		{
			name:      "pam failure outside ssh",
			line:      "2024-02-10T09:15:00+00:00 host login[311]: pam_unix(login:auth): authentication failure; logname= uid=0 rhost=192.0.2.7 user=root",
			eventType: "login_failure",
			srcIP:     "192.0.2.7",
			timestamp: "2024-02-10T09:15:00Z",
		},
		{
			name:      "sudo",
			line:      "Jan 15 11:00:00 host sudo:    alice : TTY=pts/0 ; PWD=/home/alice ; USER=root ; COMMAND=/bin/bash",
			eventType: "privilege_change",
			timestamp: "2024-01-15T11:00:00",
		},
		{
			name:      "no syslog header",
			line:      "Failed password for root from 198.51.100.1 port 22 ssh2",
			eventType: "ssh_attempt",
			srcIP:     "198.51.100.1",
			srcPort:   22,
			dstPort:   22,
		},
		{
			name:      "december stamp in march is last year",
			line:      "Dec 31 23:59:59 host sshd[1]: Failed password for root from 198.51.100.2 port 1 ssh2",
			eventType: "ssh_attempt",
			srcIP:     "198.51.100.2",
			srcPort:   1,
			dstPort:   22,
			timestamp: "2023-12-31T23:59:59",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ParseAuthLine(tt.line)
			if !ok {
				t.Fatal("line not recognized")
			}
			if ev.EventType != tt.eventType || ev.SrcIP != tt.srcIP || ev.SrcPort != tt.srcPort || ev.DstPort != tt.dstPort {
				t.Errorf("event = %+v", ev)
			}
			if ev.Timestamp != tt.timestamp {
				t.Errorf("timestamp = %q, want %q", ev.Timestamp, tt.timestamp)
			}
			if ev.Message == "" || strings.Contains(ev.Message, "web01") {
				t.Errorf("message should be the payload only: %q", ev.Message)
			}
		})
	}
}

func TestParseAuthLine_Ignored(t *testing.T) {
	for _, line := range []string{
		"",
		"Jan 15 10:23:45 host CRON[1]: (root) CMD (run-parts /etc/cron.hourly)",
		"Jan 15 10:23:45 host sshd[1]: Received disconnect from 1.2.3.4 port 5: 11: Bye Bye",
	} {
		if ev, ok := ParseAuthLine(line); ok {
			t.Errorf("%q parsed as %+v", line, ev)
		}
	}
}

// ─── Access log ─────────────────────────────────────────────────────────────

func TestParseAccessLine(t *testing.T) {
	line := `198.51.100.50 - - [15/Jan/2024:10:26:45 +0000] "GET /admin/config.php HTTP/1.1" 404 162 "-" "sqlmap/1.7"`
	ev, ok := ParseAccessLine(line)
	if !ok {
		t.Fatal("line not recognized")
	}
	if ev.EventType != "http_request" || ev.SrcIP != "198.51.100.50" || ev.DstPort != 80 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Message != "GET /admin/config.php HTTP/1.1 404 ua=sqlmap/1.7" {
		t.Errorf("message = %q", ev.Message)
	}
	if ev.Timestamp != "2024-01-15T10:26:45Z" {
		t.Errorf("timestamp = %q", ev.Timestamp)
	}

	if _, ok := ParseAccessLine("not an access log"); ok {
		t.Error("garbage should not parse")
	}
}

// ─── Filterlog ──────────────────────────────────────────────────────────────

func TestParseFilterLine(t *testing.T) {
	v4 := "5,,,1000000103,em0,match,block,in,4,0x0,,64,12345,0,DF,6,tcp,60,198.51.100.50,192.168.1.1,41234,22,0,S,1,,64240,,mss"
	ev, ok := ParseFilterLine("Jan 15 10:25:33 fw filterlog[123]: " + v4)
	if !ok {
		t.Fatal("v4 line not recognized")
	}
	if ev.EventType != "firewall_block" || ev.SrcIP != "198.51.100.50" || ev.DstIP != "192.168.1.1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.SrcPort != 41234 || ev.DstPort != 22 {
		t.Errorf("ports = %d -> %d", ev.SrcPort, ev.DstPort)
	}
	if ev.Message != "block tcp in from 198.51.100.50 to 192.168.1.1 port 22" {
		t.Errorf("message = %q", ev.Message)
	}

	v6 := "7,,,1000000104,em0,match,pass,out,6,0x00,0x00000,64,udp,17,40,2001:db8::1,2001:db8::2,5353,53,40"
	ev, ok = ParseFilterLine(v6)
	if !ok || ev.EventType != "network_connection" || ev.DstPort != 53 || ev.SrcIP != "2001:db8::1" {
		t.Errorf("v6 event = %+v ok=%v", ev, ok)
	}

	if _, ok := ParseFilterLine("a,b,c"); ok {
		t.Error("short record should not parse")
	}
}

// ─── JSON ───────────────────────────────────────────────────────────────────

func TestParseJSONLine(t *testing.T) {
	ev, ok := ParseJSONLine(`{"id":"e1","src_ip":"203.0.113.10","event_type":"ssh_attempt","message":"Failed password"}`)
	if !ok || ev.ID != "e1" || ev.SrcIP != "203.0.113.10" {
		t.Errorf("event = %+v ok=%v", ev, ok)
	}
	for _, line := range []string{`{"foo":1}`, `{broken`, `plain text`} {
		if _, ok := ParseJSONLine(line); ok {
			t.Errorf("%q should not parse", line)
		}
	}
}

func TestReadEvents_Layouts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"array", `[{"message":"a"},{"message":"b"}]`, 2},
		{"wrapper", `{"events":[{"message":"a"},{"message":"b"},{"message":"c"}]}`, 3},
		{"lines", "{\"message\":\"a\"}\n\nnot json\n{\"message\":\"b\"}\n", 2},
		{"single line object", `{"message":"a","event_type":"x"}`, 1},
		{"pretty single object", "{\n  \"message\": \"a\"\n}", 1},
		{"empty", "   ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := ReadEvents(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("ReadEvents: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("got %d events, want %d", len(events), tt.want)
			}
		})
	}

	if _, err := ReadEvents(strings.NewReader(`[{"message":`)); err == nil {
		t.Error("truncated array should fail")
	}
}

func TestReadEventsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(`[{"message":"a"}]`), 0644); err != nil {
		t.Fatal(err)
	}
	events, err := ReadEventsFile(path)
	if err != nil || len(events) != 1 {
		t.Errorf("events = %v, err = %v", events, err)
	}
	if _, err := ReadEventsFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file should fail")
	}
}

// ─── Parsers ────────────────────────────────────────────────────────────────

func TestParserFor(t *testing.T) {
	for _, name := range Formats() {
		if _, err := ParserFor(name); err != nil {
			t.Errorf("ParserFor(%q): %v", name, err)
		}
	}
	if _, err := ParserFor("syslog-ng"); err == nil {
		t.Error("unknown format should fail")
	}

	auto, _ := ParserFor("AUTO")
	if ev, ok := auto(`{"message":"x"}`); !ok || ev.Message != "x" {
		t.Error("auto should parse JSON")
	}
	if ev, ok := auto("Failed password for root from 1.2.3.4 port 22 ssh2"); !ok || ev.EventType != "ssh_attempt" {
		t.Error("auto should parse auth lines")
	}
}

// ─── Tailing ────────────────────────────────────────────────────────────────

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(l string) {
	s.mu.Lock()
	s.lines = append(s.lines, l)
	s.mu.Unlock()
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

func TestTailFile_FollowsAndRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	if err := os.WriteFile(path, []byte("old line\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &lineSink{}
	done := make(chan error, 1)
	go func() { done <- TailFile(ctx, path, sink.add, zerolog.Nop()) }()

	// Give the tailer time to seek to the end.
	time.Sleep(200 * time.Millisecond)
	appendFile(t, path, "first\nsec")
	time.Sleep(300 * time.Millisecond)
	appendFile(t, path, "ond\n")
	waitFor(t, func() bool { return len(sink.snapshot()) == 2 })

	// Rotate: replace the file with a new, shorter one.
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("after rotation\n"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.snapshot()) == 3 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("TailFile returned %v", err)
	}
	got := strings.Join(sink.snapshot(), "|")
	if got != "first|second|after rotation" {
		t.Errorf("lines = %s", got)
	}
}

func TestTailFile_MissingFile(t *testing.T) {
	err := TailFile(context.Background(), filepath.Join(t.TempDir(), "nope.log"), func(string) {}, zerolog.Nop())
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []core.Event
	go Watch(ctx, path, ParseAuthLine, func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, zerolog.Nop())

	time.Sleep(200 * time.Millisecond)
	appendFile(t, path, "noise\nFailed password for root from 203.0.113.9 port 2222 ssh2\n")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if events[0].SrcIP != "203.0.113.9" {
		t.Errorf("event = %+v", events[0])
	}
}
