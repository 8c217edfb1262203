package collect

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/1sec-project/sectriage/internal/core"
)

// ParseFilterLine parses a pfSense/OPNsense filterlog CSV record. Blocked
// and rejected packets become firewall_block events, passed ones
// network_connection.
//
// filterlog format (comma-separated):
// rule,sub-rule,anchor,tracker,interface,reason,action,direction,ip-version,...
// IPv4: ...tos,ecn,ttl,id,offset,flags,proto-id,proto,length,src,dst,src-port,dst-port,...
// IPv6: ...class,flow-label,hop-limit,proto,proto-id,length,src,dst,src-port,dst-port,...
func ParseFilterLine(line string) (core.Event, bool) {
	// Strip any syslog header in front of the CSV payload.
	if i := strings.Index(line, "filterlog"); i >= 0 {
		if j := strings.Index(line[i:], ": "); j >= 0 {
			line = line[i+j+2:]
		}
	}
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 17 {
		return core.Event{}, false
	}

	action := strings.ToLower(fields[6])
	direction := fields[7]

	var proto, srcIP, dstIP, srcPort, dstPort string
	switch fields[8] {
	case "4":
		if len(fields) < 20 {
			return core.Event{}, false
		}
		proto, srcIP, dstIP = fields[16], fields[18], fields[19]
		if len(fields) >= 22 {
			srcPort, dstPort = fields[20], fields[21]
		}
	case "6":
		proto, srcIP, dstIP = fields[12], fields[15], fields[16]
		if len(fields) >= 19 {
			srcPort, dstPort = fields[17], fields[18]
		}
	default:
		return core.Event{}, false
	}
	if _, err := netip.ParseAddr(srcIP); err != nil {
		return core.Event{}, false
	}

	eventType := "network_connection"
	if action == "block" || action == "reject" {
		eventType = "firewall_block"
	}

	ev := core.Event{
		SrcIP:     srcIP,
		DstIP:     dstIP,
		EventType: eventType,
	}
	upper := strings.ToUpper(proto)
	if upper == "TCP" || upper == "UDP" {
		ev.SrcPort, _ = strconv.Atoi(srcPort)
		ev.DstPort, _ = strconv.Atoi(dstPort)
	}

	msg := action + " " + strings.ToLower(proto) + " " + direction + " from " + srcIP
	if ev.DstPort != 0 {
		msg += " to " + dstIP + " port " + dstPort
	} else {
		msg += " to " + dstIP
	}
	ev.Message = msg
	return ev, true
}
