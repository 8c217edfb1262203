package main

// ---------------------------------------------------------------------------
// sinks.go: optional result sinks shared by run, serve and watch
// ---------------------------------------------------------------------------

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/pipeline"
	"github.com/1sec-project/sectriage/internal/store"
)

const sinkConnectTimeout = 10 * time.Second

// attachSinks registers the Postgres writer, Redis publisher and webhook
// notifier configured under store. A sink that cannot connect is skipped with a warning. The
// returned func flushes and closes whatever was attached.
func attachSinks(ctx context.Context, cfg *core.Config, p *pipeline.Pipeline, logger zerolog.Logger) func() {
	var closers []func()

	if url := cfg.Store.PostgresURL; url != "" {
		cctx, cancel := context.WithTimeout(ctx, sinkConnectTimeout)
		w, err := store.NewPostgresWriter(cctx, url, logger)
		if err == nil {
			err = w.EnsureSchema(cctx)
		}
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("postgres sink disabled")
		} else {
			w.Start()
			p.AddHandler(w.Enqueue)
			closers = append(closers, w.Stop)
		}
	}

	if url := cfg.Store.RedisURL; url != "" {
		cctx, cancel := context.WithTimeout(ctx, sinkConnectTimeout)
		pub, err := store.NewRedisPublisher(cctx, url, logger)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("redis sink disabled")
		} else {
			p.AddHandler(pub.Handle)
			closers = append(closers, func() { _ = pub.Close() })
		}
	}

	if urls := cfg.Store.Webhooks; len(urls) > 0 {
		wcfg := store.DefaultWebhookConfig(urls)
		if level, ok := core.ParseThreatLevel(cfg.Store.WebhookMinLevel); ok {
			wcfg.MinLevel = level
		}
		n := store.NewWebhookNotifier(wcfg, logger)
		p.AddHandler(n.Handle)
		closers = append(closers, n.Stop)
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

// saveCalibration persists the calibrator when labelled samples were seen.
func saveCalibration(cfg *core.Config, p *pipeline.Pipeline, logger zerolog.Logger) {
	path := cfg.Trust.CalibrationPath
	cal := p.Calibrator()
	if path == "" || len(cal.Samples()) == 0 {
		return
	}
	if err := cal.Save(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("saving calibration data")
		return
	}
	logger.Info().Str("path", path).Int("samples", len(cal.Samples())).Msg("calibration data saved")
}
