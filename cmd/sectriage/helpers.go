package main

// ---------------------------------------------------------------------------
// helpers.go: TTY detection, color, error helpers, config loading
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/collect"
	"github.com/1sec-project/sectriage/internal/core"
)

const defaultConfigPath = "configs/sectriage.yaml"

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// levelColor paints a threat level the way the summary tables show it.
func levelColor(level core.ThreatLevel) string {
	switch level {
	case core.ThreatCritical, core.ThreatHigh:
		return red(level.String())
	case core.ThreatMedium:
		return yellow(level.String())
	default:
		return green(level.String())
	}
}

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("SECTRIAGE_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

// loadConfig loads the config and builds a logger on stderr so stdout stays
// free for command output.
func loadConfig(path, logLevel string) (*core.Config, zerolog.Logger) {
	cfg, err := core.LoadConfig(envConfig(path))
	if err != nil {
		errorf("loading config: %v", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, core.NewLoggerTo(cfg.Logging, os.Stderr)
}

// validateConfig returns every problem that would stop a command from running.
func validateConfig(cfg *core.Config) []string {
	issues := make([]string, 0)
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d is out of range (1-65535)", cfg.Server.Port))
	}
	if cfg.Bus.Embedded && cfg.Bus.Port == cfg.Server.Port {
		issues = append(issues, fmt.Sprintf("server.port and bus.port are both %d", cfg.Server.Port))
	}
	if t := cfg.Anomaly.Threshold; t < 0 || t > 1 {
		issues = append(issues, fmt.Sprintf("anomaly.threshold %v must be within [0, 1]", t))
	}
	if t := cfg.Trust.Threshold; t < 0 || t > 1 {
		issues = append(issues, fmt.Sprintf("trust.threshold %v must be within [0, 1]", t))
	}
	if cfg.Trust.Temperature < 0 {
		issues = append(issues, "trust.temperature must not be negative")
	}
	if cfg.Pipeline.HistorySize < 0 {
		issues = append(issues, "pipeline.history_size must not be negative")
	}
	if sl := cfg.Ingest.Syslog; sl.Enabled {
		if sl.Port < 1 || sl.Port > 65535 {
			issues = append(issues, fmt.Sprintf("ingest.syslog.port %d is out of range (1-65535)", sl.Port))
		}
		switch strings.ToLower(sl.Protocol) {
		case "udp", "tcp", "both":
		default:
			issues = append(issues, fmt.Sprintf("ingest.syslog.protocol %q is not valid (udp, tcp, both)", sl.Protocol))
		}
		if _, err := collect.ParserFor(sl.Format); sl.Format != "" && err != nil {
			issues = append(issues, "ingest.syslog.format: "+err.Error())
		}
	}
	if len(cfg.Store.Webhooks) > 0 {
		if _, ok := core.ParseThreatLevel(cfg.Store.WebhookMinLevel); !ok {
			issues = append(issues, fmt.Sprintf("store.webhook_min_level %q is not valid (LOW, MEDIUM, HIGH, CRITICAL)", cfg.Store.WebhookMinLevel))
		}
	}
	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		issues = append(issues, fmt.Sprintf("logging.level %q is not valid (debug, info, warn, error)", cfg.Logging.Level))
	}
	return issues
}

// ---------------------------------------------------------------------------
// hasFlag checks if any of the given flags appear in args.
// ---------------------------------------------------------------------------

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Suggest: typo correction for unknown commands
// ---------------------------------------------------------------------------

func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commands {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commands {
		if len(c.name) == len(input) {
			diff := 0
			for i := range c.name {
				if c.name[i] != input[i] {
					diff++
				}
			}
			if diff <= 1 {
				return c.name
			}
		}
	}
	return ""
}
