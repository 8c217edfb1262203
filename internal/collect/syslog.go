package collect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

const maxSyslogMessage = 64 * 1024

var (
	// RFC 5424: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID [SD] MSG
	rfc5424Re = regexp.MustCompile(`^<\d{1,3}>\d\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+\S+\s+(?:-|\[.*?\])?\s*(.*)$`)
	// RFC 3164 and anything else behind a bare priority: <PRI>REST
	priRe = regexp.MustCompile(`^<\d{1,3}>(.*)$`)
	// "from 1.2.3.4" or "SRC=1.2.3.4" inside an unparsed message
	reportedIPRe = regexp.MustCompile(`(?:from|SRC=|src=|rhost=)\s*(\d{1,3}(?:\.\d{1,3}){3})`)
)

// SyslogListener receives syslog over UDP and/or TCP, runs each message
// through a collect parser and hands recognized events to a handler.
type SyslogListener struct {
	cfg     core.SyslogConfig
	parse   Parser
	handler func(core.Event)
	logger  zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	udpConn *net.UDPConn
	tcpLn   net.Listener

	received  atomic.Uint64
	parsed    atomic.Uint64
	forwarded atomic.Uint64
	ignored   atomic.Uint64
}

// NewSyslogListener builds a listener. An empty Format means auto.
func NewSyslogListener(cfg core.SyslogConfig, handler func(core.Event), logger zerolog.Logger) (*SyslogListener, error) {
	format := cfg.Format
	if format == "" {
		format = "auto"
	}
	parse, err := ParserFor(format)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Protocol) {
	case "udp", "tcp", "both":
	case "":
		cfg.Protocol = "udp"
	default:
		return nil, fmt.Errorf("unknown syslog protocol %q (want udp, tcp or both)", cfg.Protocol)
	}
	return &SyslogListener{
		cfg:     cfg,
		parse:   parse,
		handler: handler,
		logger:  logger.With().Str("component", "syslog_listener").Logger(),
	}, nil
}

// Start opens the configured sockets and serves them until Stop or until
// ctx is cancelled.
func (s *SyslogListener) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	proto := strings.ToLower(s.cfg.Protocol)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	if proto == "udp" || proto == "both" {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			s.cancel()
			return fmt.Errorf("resolving UDP address: %w", err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			s.cancel()
			return fmt.Errorf("listening on UDP %s: %w", addr, err)
		}
		s.udpConn = conn
		s.wg.Add(1)
		go s.serveUDP(ctx)
	}

	if proto == "tcp" || proto == "both" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.cancel()
			if s.udpConn != nil {
				s.udpConn.Close()
			}
			return fmt.Errorf("listening on TCP %s: %w", addr, err)
		}
		s.tcpLn = ln
		s.wg.Add(1)
		go s.serveTCP(ctx)
	}

	// Sockets close on cancellation so blocked reads return.
	go func() {
		<-ctx.Done()
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		if s.tcpLn != nil {
			s.tcpLn.Close()
		}
	}()

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Str("format", s.cfg.Format).Msg("syslog ingestion started")
	return nil
}

// Stop closes the sockets and waits for the readers to exit.
func (s *SyslogListener) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().
		Uint64("received", s.received.Load()).
		Uint64("parsed", s.parsed.Load()).
		Msg("syslog ingestion stopped")
}

// UDPAddr returns the bound UDP address, or nil.
func (s *SyslogListener) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *SyslogListener) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Stats returns message counters.
func (s *SyslogListener) Stats() map[string]uint64 {
	return map[string]uint64{
		"received":  s.received.Load(),
		"parsed":    s.parsed.Load(),
		"forwarded": s.forwarded.Load(),
		"ignored":   s.ignored.Load(),
	}
}

func (s *SyslogListener) serveUDP(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, maxSyslogMessage)
	for {
		n, _, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("UDP read error")
			continue
		}
		s.handleMessage(string(buf[:n]))
	}
}

func (s *SyslogListener) serveTCP(ctx context.Context) {
	defer s.wg.Done()
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("TCP accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads newline-framed messages until the peer hangs up or ctx
// ends.
func (s *SyslogListener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxSyslogMessage)
	for scanner.Scan() {
		s.handleMessage(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("TCP connection read error")
	}
}

func (s *SyslogListener) handleMessage(raw string) {
	s.received.Add(1)
	ev, ok := s.toEvent(raw)
	if !ok {
		s.ignored.Add(1)
		return
	}
	s.handler(ev)
}

// toEvent unframes raw and parses the remaining log line. Messages no parser
// recognizes are forwarded as generic syslog events only when configured.
func (s *SyslogListener) toEvent(raw string) (core.Event, bool) {
	line := UnframeSyslog(raw)
	if line == "" {
		return core.Event{}, false
	}
	if ev, ok := s.parse(line); ok {
		s.parsed.Add(1)
		return ev, true
	}

	// Access logs and JSON shipped over syslog only parse without the header.
	header := syslogRe.FindStringSubmatch(line)
	if header != nil {
		if ev, ok := s.parse(header[4]); ok {
			if ev.Timestamp == "" {
				ev.Timestamp = syslogTimestamp(header[1], header[2])
			}
			s.parsed.Add(1)
			return ev, true
		}
	}
	if !s.cfg.ForwardUnparsed {
		return core.Event{}, false
	}

	s.forwarded.Add(1)
	ev := core.Event{EventType: "syslog", Message: line}
	if header != nil {
		ev.Timestamp = syslogTimestamp(header[1], header[2])
		ev.Message = header[4]
	}
	if m := reportedIPRe.FindStringSubmatch(ev.Message); m != nil {
		ev.SrcIP = m[1]
	}
	return ev, true
}

// UnframeSyslog strips the transport framing from a syslog message and
// returns a classic "TIMESTAMP HOST APP[PID]: MSG" line the file parsers
// understand. RFC 5424 headers are rewritten into that shape.
func UnframeSyslog(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		ts, host, app, procID, msg := m[1], m[2], m[3], m[4], strings.TrimPrefix(m[5], "\ufeff")
		tag := app
		if procID != "-" {
			tag += "[" + procID + "]"
		}
		return ts + " " + host + " " + tag + ": " + msg
	}
	if m := priRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}
