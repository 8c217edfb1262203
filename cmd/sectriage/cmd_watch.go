package main

// ---------------------------------------------------------------------------
// cmd_watch.go: follow a log file and triage each recognised line
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/1sec-project/sectriage/internal/collect"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/pipeline"
)

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	file := fs.String("file", "", "Log file to follow (required)")
	format := fs.String("format", "auto", "Line format: "+strings.Join(collect.Formats(), ", "))
	alertsOnly := fs.Bool("alerts-only", false, "Print only events that raised an alert")
	noLLM := fs.Bool("no-llm", false, "Skip the LLM collaborator")
	logLevel := fs.String("log-level", "", "Log level override")
	fs.Parse(args)

	if *file == "" {
		errorf("--file is required")
	}
	parse, err := collect.ParserFor(*format)
	if err != nil {
		errorf("%v", err)
	}

	cfg, logger := loadConfig(*configPath, *logLevel)
	if *noLLM {
		cfg.LLM.Enabled = false
	}

	p, err := pipeline.Build(cfg, nil, logger)
	if err != nil {
		errorf("building pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	closeSinks := attachSinks(ctx, cfg, p, logger)
	defer closeSinks()

	fmt.Fprintf(os.Stderr, "%s Watching %s (%s), press Ctrl+C to stop\n", dim("▸"), *file, *format)

	dedup := collect.NewDeduper(cfg.Ingest.DedupWindow, cfg.Ingest.DedupSize)
	err = collect.Watch(ctx, *file, parse, dedup.Filter(func(ev core.Event) {
		res, err := p.ProcessEvent(ctx, ev)
		if err != nil {
			return
		}
		if *alertsOnly && !res.Alert() {
			return
		}
		printWatchLine(os.Stdout, res)
	}), logger)
	if err != nil {
		errorf("watching %s: %v", *file, err)
	}
	if n := dedup.Dropped(); n > 0 {
		logger.Info().Uint64("duplicates", n).Msg("duplicate lines suppressed")
	}

	fmt.Fprintln(os.Stderr)
	renderSummary(os.Stderr, p.Summary())
	saveCalibration(cfg, p, logger)
}

// printWatchLine writes a one-line verdict for a triaged event.
func printWatchLine(w io.Writer, res *pipeline.Result) {
	marker := dim("·")
	if res.Alert() {
		marker = red("!")
	}
	fmt.Fprintf(w, "%s %-8s %-18s %-16s trust=%.2f anomaly=%.2f %s\n",
		marker,
		levelColor(res.ThreatLevel()),
		res.Event.EventType,
		res.Event.SrcIP,
		res.TrustScore,
		res.AnomalyScore,
		techniqueIDs(res.Techniques),
	)
}
