package main

// ---------------------------------------------------------------------------
// cmd_serve.go: HTTP API plus the optional NATS consumer and syslog listener
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/api"
	"github.com/1sec-project/sectriage/internal/collect"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/pipeline"
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "Listen host override")
	port := fs.Int("port", 0, "Listen port override")
	useBus := fs.Bool("bus", false, "Consume events from the NATS bus")
	useSyslog := fs.Bool("syslog", false, "Accept events over syslog (see ingest.syslog)")
	noLLM := fs.Bool("no-llm", false, "Skip the LLM collaborator")
	logLevel := fs.String("log-level", "", "Log level override")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	fs.Parse(args)

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg, logger := loadConfig(*configPath, *logLevel)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *useBus {
		cfg.Bus.Enabled = true
	}
	if *useSyslog {
		cfg.Ingest.Syslog.Enabled = true
	}
	if *noLLM {
		cfg.LLM.Enabled = false
	}
	if issues := validateConfig(cfg); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), issue)
		}
		errorf("config validation failed with %d error(s)", len(issues))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p, err := pipeline.Build(cfg, reg, logger)
	if err != nil {
		errorf("building pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	closeSinks := attachSinks(ctx, cfg, p, logger)

	// Bus and syslog share one dedup window so an event relayed both ways
	// is triaged once.
	dedup := collect.NewDeduper(cfg.Ingest.DedupWindow, cfg.Ingest.DedupSize)
	triage := dedup.Filter(func(ev core.Event) {
		// Failures are logged and counted by the pipeline.
		_, _ = p.ProcessEvent(ctx, ev)
	})

	var bus *core.EventBus
	if cfg.Bus.Enabled {
		bus, err = startConsumer(cfg, p, triage, logger)
		if err != nil {
			closeSinks()
			errorf("starting event bus: %v", err)
		}
	}

	var syslog *collect.SyslogListener
	if cfg.Ingest.Syslog.Enabled {
		syslog, err = collect.NewSyslogListener(cfg.Ingest.Syslog, triage, logger)
		if err == nil {
			err = syslog.Start(ctx)
		}
		if err != nil {
			if bus != nil {
				_ = bus.Close()
			}
			closeSinks()
			errorf("starting syslog listener: %v", err)
		}
	}

	srv := api.NewServer(cfg, p, reg, logger)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}

	if !*quiet {
		busStatus := dim("bus off")
		if bus != nil {
			busStatus = fmt.Sprintf("bus %s on %s", green("consuming"), bus.ClientURL())
		}
		syslogStatus := dim("syslog off")
		if syslog != nil {
			syslogStatus = fmt.Sprintf("syslog %s on %s:%d/%s", green("listening"), cfg.Ingest.Syslog.Host, cfg.Ingest.Syslog.Port, cfg.Ingest.Syslog.Protocol)
		}
		fmt.Fprintf(os.Stderr, "%s sectriage serving on %s, %s, %s\n", green("✓"), srv.Addr(), busStatus, syslogStatus)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	<-ctx.Done()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Shutting down...\n", dim("▸"))
	}

	if err := srv.Stop(); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown")
	}
	if syslog != nil {
		syslog.Stop()
	}
	if bus != nil {
		_ = bus.Close()
	}
	closeSinks()
	saveCalibration(cfg, p, logger)
	logger.Info().Uint64("duplicates", dedup.Dropped()).Msg("ingestion stopped")
}

// startConsumer hands every event on the bus to triage and publishes each
// result under triage.results.<threat level>.
func startConsumer(cfg *core.Config, p *pipeline.Pipeline, triage func(core.Event), logger zerolog.Logger) (*core.EventBus, error) {
	bus, err := core.NewEventBus(&cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	p.AddHandler(func(res *pipeline.Result) {
		data, err := json.Marshal(res)
		if err != nil {
			logger.Error().Err(err).Str("event_id", res.Event.ID).Msg("encoding result")
			return
		}
		if err := bus.PublishResult(strings.ToLower(res.ThreatLevel().String()), data); err != nil {
			logger.Error().Err(err).Str("event_id", res.Event.ID).Msg("publishing result")
		}
	})

	err = bus.SubscribeToEvents(func(ev *core.Event) {
		triage(*ev)
	})
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	return bus, nil
}
