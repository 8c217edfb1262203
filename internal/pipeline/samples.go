package pipeline

import "github.com/1sec-project/sectriage/internal/core"

// SampleEvents returns the built-in demonstration events: an SSH brute
// force, a port scan, web fuzzing and one benign request.
func SampleEvents() []core.Event {
	return []core.Event{
		{
			Timestamp: "2024-01-15T10:23:45Z",
			SrcIP:     "203.0.113.10",
			DstIP:     "192.168.1.1",
			SrcPort:   54321,
			DstPort:   22,
			EventType: "ssh_attempt",
			Message:   "Failed password for invalid user admin from 203.0.113.10 port 54321 ssh2",
		},
		{
			Timestamp: "2024-01-15T10:24:12Z",
			SrcIP:     "203.0.113.10",
			DstIP:     "192.168.1.1",
			SrcPort:   54322,
			DstPort:   22,
			EventType: "ssh_attempt",
			Message:   "Failed password for invalid user root from 203.0.113.10 port 54322 ssh2",
		},
		{
			Timestamp: "2024-01-15T10:25:33Z",
			SrcIP:     "198.51.100.50",
			DstIP:     "192.168.1.1",
			SrcPort:   41234,
			DstPort:   80,
			EventType: "port_scan",
			Message:   "SYN scan detected from 198.51.100.50 targeting multiple ports",
		},
		{
			Timestamp: "2024-01-15T10:26:45Z",
			SrcIP:     "198.51.100.50",
			DstIP:     "192.168.1.1",
			SrcPort:   41235,
			DstPort:   80,
			EventType: "http_request",
			Message:   "GET /admin/config.php HTTP/1.1 404 Not Found - fuzzing detected",
		},
		{
			Timestamp: "2024-01-15T10:27:01Z",
			SrcIP:     "192.168.1.50",
			DstIP:     "192.168.1.1",
			SrcPort:   51234,
			DstPort:   80,
			EventType: "http_request",
			Message:   "GET /index.html HTTP/1.1 200 OK",
		},
	}
}
