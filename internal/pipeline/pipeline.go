// Package pipeline sequences the triage stages for each event and keeps
// run-level statistics.
//
// Every event flows through five stages in a fixed order: anomaly
// detection, LLM analysis, trust calibration, technique mapping and
// explanation synthesis. The feature history is shared across events, so
// ProcessEvent is serialized.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/1sec-project/sectriage/internal/anomaly"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/explain"
	"github.com/1sec-project/sectriage/internal/features"
	"github.com/1sec-project/sectriage/internal/llm"
	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/trust"
)

// Stage names, as recorded in Result.Stages.
const (
	StageAnomaly = "anomaly_detection"
	StageLLM     = "llm_analysis"
	StageTrust   = "trust_calibration"
	StageMitre   = "mitre_mapping"
	StageExplain = "xai_explanation"

	StatusCompleted = "completed"
)

// Stages lists the stage names in execution order.
var Stages = []string{StageAnomaly, StageLLM, StageTrust, StageMitre, StageExplain}

// latencyWindow bounds the number of per-event latencies kept for the
// run summary.
const latencyWindow = 10000

// Analyzer is the LLM stage. *llm.Client satisfies it.
type Analyzer interface {
	AnalyzeSecurityEvent(ctx context.Context, ev core.Event) llm.Analysis
}

// ResultHandler is called with every successfully triaged event.
type ResultHandler func(*Result)

// Result is the per-event record written by the stages.
type Result struct {
	Event           core.Event          `json:"event"`
	Stages          map[string]string   `json:"pipeline_steps"`
	AnomalyScore    float64             `json:"anomaly_score"`
	AnomalyAnalysis anomaly.Analysis    `json:"anomaly_analysis"`
	LLMAnalysis     llm.Analysis        `json:"llm_analysis"`
	HeuristicScore  float64             `json:"heuristic_score"`
	TrustScore      float64             `json:"trust_score"`
	TrustAnalysis   trust.Decision      `json:"trust_analysis"`
	Techniques      []mitre.Match       `json:"mitre_techniques"`
	Explanation     explain.Explanation `json:"explanation"`
	// ProcessingTime is the end-to-end latency in seconds.
	ProcessingTime float64 `json:"processing_time"`
}

// Alert reports whether the calibrated trust score crossed the threshold.
func (r *Result) Alert() bool {
	return r.TrustAnalysis.ShouldAlert
}

// ThreatLevel returns the synthesized threat level.
func (r *Result) ThreatLevel() core.ThreatLevel {
	return r.Explanation.Scores.ThreatLevel
}

// RunSummary aggregates statistics over every successfully triaged event.
type RunSummary struct {
	TotalEvents       int      `json:"total_events"`
	AnomaliesDetected int      `json:"anomalies_detected"`
	AlertsGenerated   int      `json:"alerts_generated"`
	FailedEvents      int      `json:"failed_events"`
	UniqueTechniques  int      `json:"unique_techniques"`
	Techniques        []string `json:"techniques_list"`
	AvgProcessingTime float64  `json:"avg_processing_time"`
	P95ProcessingTime float64  `json:"p95_processing_time"`
}

// RunReport is the run output: a timestamped summary plus every result.
type RunReport struct {
	Timestamp  string     `json:"timestamp"`
	Statistics RunSummary `json:"statistics"`
	Results    []*Result  `json:"results"`
}

// Components are the stage implementations a Pipeline drives. Detector,
// Calibrator, Mapper and Explainer are required.
type Components struct {
	History    *features.History
	Detector   *anomaly.Detector
	Calibrator *trust.Calibrator
	Mapper     *mitre.Mapper
	Explainer  *explain.Explainer
	Analyzer   Analyzer
	Metrics    *Metrics
}

// Pipeline runs events through the triage stages.
type Pipeline struct {
	history    *features.History
	detector   *anomaly.Detector
	calibrator *trust.Calibrator
	mapper     *mitre.Mapper
	explainer  *explain.Explainer
	analyzer   Analyzer
	metrics    *Metrics
	logger     zerolog.Logger

	// mu serializes ProcessEvent.
	mu sync.Mutex

	statsMu    sync.RWMutex
	total      int
	anomalies  int
	alerts     int
	failed     int
	techniques map[string]struct{}
	latencies  []float64
	matrix     mitre.MatrixAccumulator

	handlersMu sync.RWMutex
	handlers   []ResultHandler
}

// New assembles a Pipeline.
func New(c Components, logger zerolog.Logger) (*Pipeline, error) {
	if c.Detector == nil || c.Calibrator == nil || c.Mapper == nil || c.Explainer == nil {
		return nil, errors.New("pipeline requires detector, calibrator, mapper and explainer")
	}
	if c.History == nil {
		c.History = features.NewHistory(features.DefaultHistorySize)
	}
	return &Pipeline{
		history:    c.History,
		detector:   c.Detector,
		calibrator: c.Calibrator,
		mapper:     c.Mapper,
		explainer:  c.Explainer,
		analyzer:   c.Analyzer,
		metrics:    c.Metrics,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		techniques: make(map[string]struct{}),
	}, nil
}

// Calibrator returns the trust calibrator.
func (p *Pipeline) Calibrator() *trust.Calibrator { return p.calibrator }

// Detector returns the anomaly detector.
func (p *Pipeline) Detector() *anomaly.Detector { return p.detector }

// Mapper returns the technique mapper.
func (p *Pipeline) Mapper() *mitre.Mapper { return p.mapper }

// Explainer returns the explanation synthesizer.
func (p *Pipeline) Explainer() *explain.Explainer { return p.explainer }

// AddHandler registers a callback invoked after each successful event.
func (p *Pipeline) AddHandler(h ResultHandler) {
	p.handlersMu.Lock()
	p.handlers = append(p.handlers, h)
	p.handlersMu.Unlock()
}

// ProcessEvent triages one event. A missing ID is generated. Any stage
// failure, including a panic, is returned as an error and the event is
// left out of the run statistics.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev core.Event) (res *Result, err error) {
	ev.EnsureID()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic while processing event %s: %v", ev.ID, r)
		}
		if err != nil {
			p.recordFailure(ev, err)
		}
	}()

	res, err = p.process(ctx, ev)
	if err != nil {
		return nil, err
	}

	p.recordSuccess(res)
	p.notify(res)
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, ev core.Event) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	log := p.logger.With().Str("event_id", ev.ID).Logger()
	res := &Result{Event: ev, Stages: make(map[string]string, len(Stages))}

	t := time.Now()
	score, analysis, err := p.detector.Detect(p.history, ev)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageAnomaly, err)
	}
	res.AnomalyScore = score
	res.AnomalyAnalysis = analysis
	p.complete(res, StageAnomaly, t)
	log.Debug().Float64("score", score).Str("prediction", analysis.Prediction).Msg("anomaly detection completed")

	t = time.Now()
	if p.analyzer != nil {
		res.LLMAnalysis = p.analyzer.AnalyzeSecurityEvent(ctx, ev)
	} else {
		res.LLMAnalysis = llm.Analysis{Err: llm.ErrDisabled}
	}
	p.complete(res, StageLLM, t)
	log.Debug().Bool("malicious", res.LLMAnalysis.IsMalicious).Float64("confidence", res.LLMAnalysis.Confidence).Msg("LLM analysis completed")

	t = time.Now()
	res.HeuristicScore = trust.HeuristicScore(ev.Message)
	res.TrustScore, res.TrustAnalysis = p.calibrator.CalibrateDecision(res.LLMAnalysis.Confidence, score, res.HeuristicScore)
	if malicious, labeled := ev.IsLabeledMalicious(); labeled {
		p.calibrator.AddSample(res.TrustScore, malicious, ev.Timestamp)
	}
	p.complete(res, StageTrust, t)
	log.Debug().Float64("raw", res.TrustAnalysis.RawScore).Float64("calibrated", res.TrustScore).Msg("trust calibration completed")

	t = time.Now()
	res.Techniques = p.mapper.MapEvent(ev)
	p.complete(res, StageMitre, t)
	log.Debug().Int("techniques", len(res.Techniques)).Msg("technique mapping completed")

	t = time.Now()
	var llmAnalysis *llm.Analysis
	if res.LLMAnalysis.Err == nil {
		llmAnalysis = &res.LLMAnalysis
	}
	res.Explanation = p.explainer.Explain(ctx, ev, res.Techniques, score, res.TrustScore, llmAnalysis)
	p.complete(res, StageExplain, t)

	res.ProcessingTime = time.Since(start).Seconds()

	if res.Alert() {
		log.Warn().
			Str("src_ip", ev.SrcIP).
			Str("event_type", ev.EventType).
			Str("threat_level", res.ThreatLevel().String()).
			Float64("trust_score", res.TrustScore).
			Msg("SECURITY ALERT")
	}
	return res, nil
}

func (p *Pipeline) complete(res *Result, stage string, started time.Time) {
	res.Stages[stage] = StatusCompleted
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}
}

func (p *Pipeline) recordSuccess(res *Result) {
	p.statsMu.Lock()
	p.total++
	if res.AnomalyAnalysis.IsAnomaly {
		p.anomalies++
	}
	if res.Alert() {
		p.alerts++
	}
	for _, m := range res.Techniques {
		p.techniques[m.TechniqueID] = struct{}{}
	}
	p.matrix.Add(res.Techniques)
	p.latencies = append(p.latencies, res.ProcessingTime)
	if len(p.latencies) > latencyWindow {
		p.latencies = append(p.latencies[:0], p.latencies[len(p.latencies)-latencyWindow:]...)
	}
	p.statsMu.Unlock()

	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
		if res.AnomalyAnalysis.IsAnomaly {
			p.metrics.Anomalies.Inc()
		}
		if res.Alert() {
			p.metrics.Alerts.Inc()
		}
		p.metrics.ThreatLevels.WithLabelValues(res.ThreatLevel().String()).Inc()
	}
}

func (p *Pipeline) recordFailure(ev core.Event, err error) {
	p.statsMu.Lock()
	p.failed++
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.EventsFailed.Inc()
	}
	p.logger.Error().Err(err).Str("event_id", ev.ID).Msg("event processing failed")
}

func (p *Pipeline) notify(res *Result) {
	p.handlersMu.RLock()
	handlers := p.handlers
	p.handlersMu.RUnlock()
	for _, h := range handlers {
		p.safeCall(h, res)
	}
}

func (p *Pipeline) safeCall(h ResultHandler, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("event_id", res.Event.ID).Msg("result handler panicked")
		}
	}()
	h(res)
}

// ProcessBatch triages events in order. Failed events are logged and
// skipped; cancellation is honored between events.
func (p *Pipeline) ProcessBatch(ctx context.Context, events []core.Event) []*Result {
	results := make([]*Result, 0, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			p.logger.Warn().Err(err).Int("processed", i).Int("remaining", len(events)-i).Msg("batch interrupted")
			break
		}
		res, err := p.ProcessEvent(ctx, ev)
		if err != nil {
			continue
		}
		results = append(results, res)
	}
	return results
}

// Summary returns the run statistics so far.
func (p *Pipeline) Summary() RunSummary {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	techniques := make([]string, 0, len(p.techniques))
	for id := range p.techniques {
		techniques = append(techniques, id)
	}
	sort.Strings(techniques)

	s := RunSummary{
		TotalEvents:       p.total,
		AnomaliesDetected: p.anomalies,
		AlertsGenerated:   p.alerts,
		FailedEvents:      p.failed,
		UniqueTechniques:  len(techniques),
		Techniques:        techniques,
	}
	if len(p.latencies) > 0 {
		s.AvgProcessingTime = stat.Mean(p.latencies, nil)
		sorted := append([]float64(nil), p.latencies...)
		sort.Float64s(sorted)
		s.P95ProcessingTime = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return s
}

// Matrix returns the technique matrix over every successfully triaged event.
func (p *Pipeline) Matrix() []mitre.MatrixRow {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.matrix.Rows()
}

// Report wraps results with a timestamp and the current summary.
func (p *Pipeline) Report(results []*Result) RunReport {
	if results == nil {
		results = []*Result{}
	}
	return RunReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Statistics: p.Summary(),
		Results:    results,
	}
}
