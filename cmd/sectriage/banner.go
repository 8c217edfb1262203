package main

// ---------------------------------------------------------------------------
// banner.go: banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	art := `
   ┌─────────────────────────────────────────────┐
   │  s e c t r i a g e                          │
   │  anomaly · trust · ATT&CK · explanation     │
   └─────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return art
	}
	return "\033[36m" + art + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "sectriage v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  sectriage <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: SECTRIAGE_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--log-level <level>", "Log level override: debug, info, warn, error")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", "SECTRIAGE_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "SECTRIAGE_API_KEY", "API key required by serve")
	fmt.Fprintf(w, "  %-22s  %s\n", "SECTRIAGE_LLM_URL", "Chat-completion endpoint base URL")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Triage the built-in sample events"))
	fmt.Fprintf(w, "  sectriage run\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Triage a JSON export without the LLM"))
	fmt.Fprintf(w, "  sectriage run --input events.json --no-llm\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Serve the API and consume events from NATS"))
	fmt.Fprintf(w, "  sectriage serve --bus\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Follow an SSH auth log"))
	fmt.Fprintf(w, "  sectriage watch --file /var/log/auth.log --format auth\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("sectriage help <command>"))
}

type command struct {
	name    string
	summary string
	usage   string
}

var commands = []command{
	{"run", "Triage a batch of events and write the run outputs", `sectriage run [flags]

Triages every event in --input (JSON array, {"events": [...]} or JSON lines)
or the built-in samples, then writes the results JSON, the technique matrix
CSV and an ATT&CK Navigator layer to the configured output paths.

Flags:
  --config <path>       Config file path
  --input <path>        Events file (default: built-in samples)
  --output <path>       Results JSON path override
  --matrix <path>       Matrix CSV path override
  --navigator <path>    Navigator layer path override
  --format <fmt>        Console output: table, json (default: table)
  --no-llm              Skip the LLM collaborator
  --log-level <level>   Log level override
  --quiet, -q           Only print the summary`},
	{"serve", "Start the HTTP API, NATS consumer and syslog listener", `sectriage serve [flags]

Serves the triage API. With --bus (or bus.enabled) events published on
triage.events.> are triaged and results are published on triage.results.<level>.
With --syslog (or ingest.syslog.enabled) RFC 3164/5424 messages received on
ingest.syslog.port are parsed and triaged. Duplicates inside
ingest.dedup_window are dropped.

Flags:
  --config <path>       Config file path
  --host <host>         Listen host override
  --port <port>         Listen port override
  --bus                 Consume events from the NATS bus
  --syslog              Accept events over syslog
  --no-llm              Skip the LLM collaborator
  --log-level <level>   Log level override`},
	{"watch", "Tail a log file and triage each parsed line", `sectriage watch --file <path> [flags]

Follows a log file across rotation and triages every line the parser
recognises. Formats: auth, nginx, pfsense, json, auto. Repeated lines
inside ingest.dedup_window are dropped.

Flags:
  --config <path>       Config file path
  --file <path>         Log file to follow (required)
  --format <fmt>        Line format (default: auto)
  --alerts-only         Print only events that raised an alert
  --no-llm              Skip the LLM collaborator
  --log-level <level>   Log level override`},
	{"calibrate", "Report calibration metrics or optimize the temperature", `sectriage calibrate [flags]

Loads the calibration file and prints Brier score, ECE and classification
metrics. With --optimize the temperature is grid-searched and saved.

Flags:
  --config <path>       Config file path
  --file <path>         Calibration file override
  --optimize            Search for the best temperature and save it
  --format <fmt>        Output: table, json (default: table)`},
	{"config", "Show, validate or initialize configuration", `sectriage config [init] [flags]

Prints the effective configuration as YAML. "config init" writes the
defaults to --output (default: ` + defaultConfigPath + `).

Flags:
  --config <path>       Config file path
  --validate            Validate and exit
  --output <path>       Destination for init
  --force               Overwrite an existing file on init`},
	{"version", "Print version and build info", "sectriage version"},
	{"help", "Show help for a command", "sectriage help <command>"},
}

func cmdHelp(name string) {
	for _, c := range commands {
		if c.name == name {
			fmt.Fprintln(os.Stdout, c.usage)
			return
		}
	}
	fmt.Fprintf(os.Stderr, red("error: ")+"no help for unknown command %q\n", name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
	}
	os.Exit(1)
}
