package main

// ---------------------------------------------------------------------------
// cmd_run.go: batch triage with run outputs
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/1sec-project/sectriage/internal/collect"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/pipeline"
	"github.com/1sec-project/sectriage/internal/store"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	input := fs.String("input", "", "Events file (default: built-in samples)")
	output := fs.String("output", "", "Results JSON path override")
	matrixPath := fs.String("matrix", "", "Matrix CSV path override")
	navigatorPath := fs.String("navigator", "", "Navigator layer path override")
	format := fs.String("format", "table", "Console output: table, json")
	noLLM := fs.Bool("no-llm", false, "Skip the LLM collaborator")
	logLevel := fs.String("log-level", "", "Log level override")
	quiet := fs.Bool("quiet", false, "Only print the summary")
	fs.BoolVar(quiet, "q", false, "Only print the summary")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, *logLevel)
	applyOutputOverrides(cfg, *output, *matrixPath, *navigatorPath)
	if *noLLM {
		cfg.LLM.Enabled = false
	}

	events := pipeline.SampleEvents()
	source := "built-in samples"
	if *input != "" {
		var err error
		events, err = collect.ReadEventsFile(*input)
		if err != nil {
			errorf("reading events: %v", err)
		}
		source = *input
	}
	if len(events) == 0 {
		errorf("no events to triage in %s", source)
	}

	p, err := pipeline.Build(cfg, nil, logger)
	if err != nil {
		errorf("building pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	closeSinks := attachSinks(ctx, cfg, p, logger)

	if !*quiet && *format != "json" {
		fmt.Fprintf(os.Stderr, "%s Triaging %d events from %s\n", dim("▸"), len(events), source)
	}
	results := p.ProcessBatch(ctx, events)
	closeSinks()

	report := p.Report(results)
	if err := writeRunOutputs(cfg, p, report); err != nil {
		errorf("%v", err)
	}
	saveCalibration(cfg, p, logger)

	if *format == "json" {
		if err := printJSON(os.Stdout, report); err != nil {
			errorf("encoding report: %v", err)
		}
		return
	}

	if !*quiet {
		renderResults(os.Stdout, results)
		fmt.Fprintln(os.Stdout)
	}
	renderSummary(os.Stdout, report.Statistics)
	fmt.Fprintf(os.Stderr, "%s Results written to %s\n", green("✓"), cfg.Output.ResultsPath)
	if report.Statistics.FailedEvents > 0 {
		warnf("%d event(s) failed triage, see the log for details", report.Statistics.FailedEvents)
	}
}

func applyOutputOverrides(cfg *core.Config, results, matrix, navigator string) {
	if results != "" {
		cfg.Output.ResultsPath = results
	}
	if matrix != "" {
		cfg.Output.MatrixPath = matrix
	}
	if navigator != "" {
		cfg.Output.NavigatorPath = navigator
	}
}

// writeRunOutputs writes the results JSON, matrix CSV and Navigator layer.
// An empty path skips that output.
func writeRunOutputs(cfg *core.Config, p *pipeline.Pipeline, report pipeline.RunReport) error {
	if path := cfg.Output.ResultsPath; path != "" {
		if err := store.WriteReport(path, report); err != nil {
			return fmt.Errorf("writing results: %w", err)
		}
	}
	rows := p.Matrix()
	if path := cfg.Output.MatrixPath; path != "" {
		if err := mitre.ExportMatrixCSV(path, rows); err != nil {
			return fmt.Errorf("writing technique matrix: %w", err)
		}
	}
	if path := cfg.Output.NavigatorPath; path != "" {
		if err := mitre.ExportNavigator(path, rows); err != nil {
			return fmt.Errorf("writing navigator layer: %w", err)
		}
	}
	return nil
}
