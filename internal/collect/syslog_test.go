package collect

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

// ─── Syslog framing ─────────────────────────────────────────────────────────

func TestUnframeSyslog(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "rfc3164",
			raw:  "<38>Jan 15 10:23:45 web01 sshd[4242]: Failed password for root from 203.0.113.10 port 22 ssh2",
			want: "Jan 15 10:23:45 web01 sshd[4242]: Failed password for root from 203.0.113.10 port 22 ssh2",
		},
		{
			name: "rfc5424 with pid",
			raw:  "<38>1 2024-01-15T10:23:45Z web01 sshd 4242 - - Failed password for root from 203.0.113.10",
			want: "2024-01-15T10:23:45Z web01 sshd[4242]: Failed password for root from 203.0.113.10",
		},
		{
			name: "rfc5424 structured data no pid",
			raw:  `<86>1 2024-01-15T10:23:45Z web01 su - ID47 [meta seq="1"] authentication failure`,
			want: "2024-01-15T10:23:45Z web01 su: authentication failure",
		},
		{
			name: "unframed",
			raw:  "  plain line\n",
			want: "plain line",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnframeSyslog(tt.raw); got != tt.want {
				t.Errorf("UnframeSyslog() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSyslogListener_ToEvent(t *testing.T) {
	l, err := NewSyslogListener(core.SyslogConfig{Format: "auth"}, func(core.Event) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyslogListener() error = %v", err)
	}

	ev, ok := l.toEvent("<38>1 2024-01-15T10:23:45Z web01 sshd 4242 - - Failed password for root from 203.0.113.10 port 50000 ssh2")
	if !ok {
		t.Fatal("expected rfc5424 sshd failure to parse")
	}
	if ev.EventType != "ssh_attempt" || ev.SrcIP != "203.0.113.10" || ev.SrcPort != 50000 {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp != "2024-01-15T10:23:45Z" {
		t.Errorf("Timestamp = %q", ev.Timestamp)
	}

	if _, ok := l.toEvent("<14>Jan 15 10:00:00 host cron[1]: job finished"); ok {
		t.Error("unparsed message should be ignored without forward_unparsed")
	}
}

func TestSyslogListener_ForwardUnparsed(t *testing.T) {
	l, err := NewSyslogListener(core.SyslogConfig{Format: "auth", ForwardUnparsed: true}, func(core.Event) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyslogListener() error = %v", err)
	}
	ev, ok := l.toEvent("<14>2024-01-15T10:00:00Z fw kernel: dropped packet SRC=198.51.100.4 DST=10.0.0.1")
	if !ok {
		t.Fatal("expected forwarded event")
	}
	if ev.EventType != "syslog" {
		t.Errorf("EventType = %q, want syslog", ev.EventType)
	}
	if ev.SrcIP != "198.51.100.4" {
		t.Errorf("SrcIP = %q", ev.SrcIP)
	}
	if ev.Message != "dropped packet SRC=198.51.100.4 DST=10.0.0.1" {
		t.Errorf("Message = %q", ev.Message)
	}
	if l.Stats()["forwarded"] != 1 {
		t.Errorf("forwarded = %d, want 1", l.Stats()["forwarded"])
	}
}

func TestNewSyslogListener_Invalid(t *testing.T) {
	if _, err := NewSyslogListener(core.SyslogConfig{Format: "xml"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := NewSyslogListener(core.SyslogConfig{Protocol: "sctp"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

// ─── Syslog sockets ─────────────────────────────────────────────────────────

type eventSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *eventSink) add(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) wait(t *testing.T, n int) []core.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.events) >= n {
			out := append([]core.Event(nil), s.events...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

const sshFailure = "<38>Jan 15 10:23:45 web01 sshd[4242]: Failed password for root from 203.0.113.10 port 50000 ssh2"

func TestSyslogListener_UDP(t *testing.T) {
	sink := &eventSink{}
	l, err := NewSyslogListener(core.SyslogConfig{Host: "127.0.0.1", Port: 0, Protocol: "udp", Format: "auto"}, sink.add, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyslogListener() error = %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("udp", l.UDPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(sshFailure)); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := sink.wait(t, 1)
	if events[0].EventType != "ssh_attempt" || events[0].SrcIP != "203.0.113.10" {
		t.Errorf("event = %+v", events[0])
	}
	if l.TCPAddr() != nil {
		t.Error("TCP listener should not be open in udp mode")
	}
}

func TestSyslogListener_TCP(t *testing.T) {
	sink := &eventSink{}
	l, err := NewSyslogListener(core.SyslogConfig{Host: "127.0.0.1", Port: 0, Protocol: "tcp", Format: "auto"}, sink.add, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyslogListener() error = %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn, err := net.Dial("tcp", l.TCPAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	payload := sshFailure + "\n" +
		"<14>Jan 15 10:00:00 host cron[1]: job finished\n" +
		`<134>1 2024-01-15T10:30:00Z proxy nginx - - - 203.0.113.20 - - [15/Jan/2024:10:30:00 +0000] "GET /admin HTTP/1.1" 404 153 "-" "curl/8.0"` + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := sink.wait(t, 2)
	conn.Close()
	l.Stop()

	if events[0].EventType != "ssh_attempt" {
		t.Errorf("first event = %+v", events[0])
	}
	stats := l.Stats()
	if stats["received"] != 3 {
		t.Errorf("received = %d, want 3", stats["received"])
	}
	if stats["ignored"] != 1 {
		t.Errorf("ignored = %d, want 1", stats["ignored"])
	}
}

func TestSyslogListener_StopOnContextCancel(t *testing.T) {
	l, err := NewSyslogListener(core.SyslogConfig{Host: "127.0.0.1", Protocol: "both"}, func(core.Event) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSyslogListener() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after cancellation")
	}
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

func TestDeduper_Duplicate(t *testing.T) {
	d := NewDeduper(time.Minute, 100)
	ev := core.Event{EventType: "ssh_attempt", SrcIP: "203.0.113.10", Timestamp: "2024-01-15T10:23:45", Message: "Failed password"}

	if d.Duplicate(ev) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.Duplicate(ev) {
		t.Fatal("second sighting not reported as duplicate")
	}

	other := ev
	other.Timestamp = "2024-01-15T10:23:46"
	if d.Duplicate(other) {
		t.Error("event with different timestamp reported as duplicate")
	}

	// IDs are ignored so a re-sent line with a fresh ID is still caught.
	withID := ev
	withID.ID = "fresh"
	if !d.Duplicate(withID) {
		t.Error("ID should not affect fingerprint")
	}

	if d.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", d.Dropped())
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestDeduper_Expiry(t *testing.T) {
	d := NewDeduper(50*time.Millisecond, 10)
	ev := core.Event{EventType: "port_scan", SrcIP: "198.51.100.1"}
	d.Duplicate(ev)
	time.Sleep(120 * time.Millisecond)
	if d.Duplicate(ev) {
		t.Error("fingerprint should expire after the window")
	}
}

func TestDeduper_Filter(t *testing.T) {
	d := NewDeduper(0, 0)
	var got int
	handle := d.Filter(func(core.Event) { got++ })

	ev := core.Event{EventType: "login_failure", SrcIP: "192.0.2.7", Message: "authentication failure"}
	handle(ev)
	handle(ev)
	handle(core.Event{EventType: "login_failure", SrcIP: "192.0.2.8", Message: "authentication failure"})

	if got != 2 {
		t.Errorf("handler called %d times, want 2", got)
	}
}

func TestFingerprint_LongMessage(t *testing.T) {
	base := make([]byte, 300)
	for i := range base {
		base[i] = 'a'
	}
	a := core.Event{Message: string(base)}
	b := core.Event{Message: string(base[:256]) + "different tail"}
	if fingerprint(a) != fingerprint(b) {
		t.Error("messages sharing the first 256 bytes should fingerprint equally")
	}
}
