package pipeline

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/anomaly"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/explain"
	"github.com/1sec-project/sectriage/internal/features"
	"github.com/1sec-project/sectriage/internal/llm"
	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/trust"
)

// Build wires a Pipeline from configuration. Missing artifacts fall back to
// built-in defaults with a warning. reg may be nil to skip metrics.
func Build(cfg *core.Config, reg prometheus.Registerer, logger zerolog.Logger) (*Pipeline, error) {
	model, kind, err := anomaly.LoadModel(cfg.Anomaly.ModelPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading anomaly model: %w", err)
	}
	detector := anomaly.NewDetector(model, kind, features.NewExtractor(), logger)
	if cfg.Anomaly.Threshold > 0 && cfg.Anomaly.Threshold != anomaly.DefaultThreshold {
		detector.UpdateThreshold(cfg.Anomaly.Threshold)
	}

	kb, err := mitre.LoadKnowledgeBase(cfg.Mitre.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading technique knowledge base: %w", err)
	}

	calibrator := trust.NewCalibrator(cfg.Trust.Temperature, cfg.Trust.Threshold, cfg.Trust.MaxSamples)
	if path := cfg.Trust.CalibrationPath; path != "" {
		switch err := calibrator.Load(path); {
		case err == nil:
			logger.Info().Str("path", path).Int("samples", len(calibrator.Samples())).Msg("calibration data loaded")
		case errors.Is(err, fs.ErrNotExist):
		default:
			logger.Warn().Err(err).Str("path", path).Msg("calibration data unusable, using configured defaults")
		}
	}

	client := llm.NewClient(llm.Options{
		Enabled:     cfg.LLM.Enabled,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)

	explainer, err := explain.NewExplainer(client, cfg.Explain.CacheSize, logger)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if reg != nil {
		metrics = NewMetrics(reg)
	}

	return New(Components{
		History:    features.NewHistory(cfg.Pipeline.HistorySize),
		Detector:   detector,
		Calibrator: calibrator,
		Mapper:     mitre.NewMapper(kb, logger),
		Explainer:  explainer,
		Analyzer:   client,
		Metrics:    metrics,
	}, logger)
}
