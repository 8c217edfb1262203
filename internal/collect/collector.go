// Package collect turns raw log sources into triage events: sshd/PAM auth
// logs, nginx access logs, pfSense filterlog lines and JSON events, read
// from a file or followed as the log grows.
package collect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
)

// Parser converts one log line into an event. ok is false for lines the
// parser does not recognize.
type Parser func(line string) (ev core.Event, ok bool)

var parsers = map[string]Parser{
	"auth":    ParseAuthLine,
	"nginx":   ParseAccessLine,
	"pfsense": ParseFilterLine,
	"json":    ParseJSONLine,
	"auto":    ParseAnyLine,
}

// Formats lists the accepted log format names.
func Formats() []string {
	names := make([]string, 0, len(parsers))
	for name := range parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParserFor returns the parser registered for format.
func ParserFor(format string) (Parser, error) {
	p, ok := parsers[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unknown log format %q (want one of %s)", format, strings.Join(Formats(), ", "))
	}
	return p, nil
}

// ParseAnyLine tries every line format, JSON first.
func ParseAnyLine(line string) (core.Event, bool) {
	for _, p := range []Parser{ParseJSONLine, ParseAuthLine, ParseAccessLine, ParseFilterLine} {
		if ev, ok := p(line); ok {
			return ev, true
		}
	}
	return core.Event{}, false
}

// Watch follows path and hands every recognized line to handler as an
// event. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, parse Parser, handler func(core.Event), logger zerolog.Logger) error {
	log := logger.With().Str("component", "collector").Str("path", path).Logger()
	var skipped int
	return TailFile(ctx, path, func(line string) {
		ev, ok := parse(line)
		if !ok {
			skipped++
			if skipped%1000 == 1 {
				log.Debug().Int("skipped", skipped).Msg("unrecognized log line")
			}
			return
		}
		handler(ev)
	}, logger)
}

const (
	pollInterval  = 250 * time.Millisecond
	reopenBackoff = 100 * time.Millisecond
)

// TailFile follows path from its current end and calls handler for every
// complete new line, without the trailing newline. Truncation and
// replacement of the file (log rotation) cause a reopen from the start.
// It blocks until ctx is cancelled and then returns nil.
func TailFile(ctx context.Context, path string, handler func(line string), logger zerolog.Logger) error {
	log := logger.With().Str("component", "tail").Str("path", path).Logger()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking to end of %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		if err == nil {
			partial.WriteString(chunk)
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			if line != "" {
				handler(line)
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			log.Error().Err(err).Msg("read error")
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		partial.WriteString(chunk)

		current, statErr := os.Stat(path)
		if statErr == nil && (!os.SameFile(info, current) || current.Size() < offset) {
			log.Info().Msg("log rotation detected, reopening")
			if !sleepCtx(ctx, reopenBackoff) {
				return nil
			}
			newF, openErr := os.Open(path)
			if openErr != nil {
				log.Error().Err(openErr).Msg("failed to reopen after rotation")
				if !sleepCtx(ctx, time.Second) {
					return nil
				}
				continue
			}
			f.Close()
			f = newF
			info, _ = f.Stat()
			reader = bufio.NewReader(f)
			partial.Reset()
			offset = 0
			continue
		}

		if !sleepCtx(ctx, pollInterval) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
