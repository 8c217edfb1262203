package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/features"
)

// DefaultThreshold is the score at or above which an event is anomalous.
const DefaultThreshold = 0.7

// SuspiciousFeature is a human-readable call-out attached to an analysis.
type SuspiciousFeature struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Analysis is the per-event output of Detect.
type Analysis struct {
	IsAnomaly             bool                `json:"is_anomaly"`
	AnomalyScore          float64             `json:"anomaly_score"`
	RawScore              float64             `json:"raw_score"`
	Prediction            string              `json:"prediction"`
	Confidence            float64             `json:"confidence"`
	Features              features.Vector     `json:"features"`
	TopSuspiciousFeatures []SuspiciousFeature `json:"top_suspicious_features"`
	ModelKind             ModelKind           `json:"model_kind"`
}

// BatchResult pairs an event with its analysis.
type BatchResult struct {
	Event    core.Event `json:"event"`
	Score    float64    `json:"score"`
	Analysis Analysis   `json:"analysis"`
}

// Stats aggregates scores over a batch.
type Stats struct {
	TotalEvents       int     `json:"total_events"`
	AnomaliesDetected int     `json:"anomalies_detected"`
	AnomalyRate       float64 `json:"anomaly_rate"`
	MeanScore         float64 `json:"mean_score"`
	StdScore          float64 `json:"std_score"`
	MaxScore          float64 `json:"max_score"`
	MinScore          float64 `json:"min_score"`
}

// Detector turns events into anomaly scores.
type Detector struct {
	model     Model
	kind      ModelKind
	extractor *features.Extractor
	logger    zerolog.Logger

	mu        sync.RWMutex
	threshold float64
}

// NewDetector wires a model to a feature extractor.
func NewDetector(model Model, kind ModelKind, extractor *features.Extractor, logger zerolog.Logger) *Detector {
	if extractor == nil {
		extractor = features.NewExtractor()
	}
	d := &Detector{
		model:     model,
		kind:      kind,
		extractor: extractor,
		logger:    logger.With().Str("component", "anomaly_detector").Logger(),
		threshold: DefaultThreshold,
	}
	if kind == KindBootstrapped {
		d.logger.Warn().Msg("running with a bootstrapped model; anomaly scores are not meaningful")
	}
	return d
}

// Kind reports whether the active model is trained or bootstrapped.
func (d *Detector) Kind() ModelKind {
	return d.kind
}

// Threshold returns the current decision threshold.
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// UpdateThreshold sets the decision threshold, clamped into [0,1].
func (d *Detector) UpdateThreshold(t float64) {
	t = min(max(t, 0), 1)
	d.mu.Lock()
	d.threshold = t
	d.mu.Unlock()
	d.logger.Info().Float64("threshold", t).Msg("anomaly threshold updated")
}

// Detect extracts features for ev (appending it to h) and scores them.
func (d *Detector) Detect(h *features.History, ev core.Event) (float64, Analysis, error) {
	vec := d.extractor.Extract(h, ev)

	label, raw, err := d.model.Predict(vec.Slice())
	if err != nil {
		return 0, Analysis{}, fmt.Errorf("scoring event %s: %w", ev.ID, err)
	}

	score := Normalize(raw)
	analysis := Analysis{
		IsAnomaly:             score >= d.Threshold(),
		AnomalyScore:          score,
		RawScore:              raw,
		Prediction:            label.String(),
		Confidence:            math.Abs(score-0.5) * 2,
		Features:              vec,
		TopSuspiciousFeatures: SuspiciousFeatures(vec),
		ModelKind:             d.kind,
	}

	d.logger.Debug().
		Str("event_id", ev.ID).
		Float64("score", score).
		Float64("raw", raw).
		Bool("anomaly", analysis.IsAnomaly).
		Msg("event scored")

	return score, analysis, nil
}

// BatchDetect runs Detect over events in order.
func (d *Detector) BatchDetect(h *features.History, events []core.Event) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(events))
	for i, ev := range events {
		score, analysis, err := d.Detect(h, ev)
		if err != nil {
			return results, fmt.Errorf("event %d: %w", i, err)
		}
		results = append(results, BatchResult{Event: ev, Score: score, Analysis: analysis})
	}
	return results, nil
}

// Statistics scores events and aggregates the results. An empty input
// yields zero values.
func (d *Detector) Statistics(h *features.History, events []core.Event) (Stats, error) {
	results, err := d.BatchDetect(h, events)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalEvents: len(events)}
	if len(results) == 0 {
		return stats, nil
	}

	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.Score
		if r.Analysis.IsAnomaly {
			stats.AnomaliesDetected++
		}
	}
	stats.AnomalyRate = float64(stats.AnomaliesDetected) / float64(len(events))
	stats.MeanScore, stats.StdScore = stat.PopMeanStdDev(scores, nil)
	stats.MaxScore = floats.Max(scores)
	stats.MinScore = floats.Min(scores)
	return stats, nil
}

// SuspiciousFeatures lists the heuristic call-outs for a vector. They explain
// a score but do not contribute to it.
func SuspiciousFeatures(v features.Vector) []SuspiciousFeature {
	out := make([]SuspiciousFeature, 0, 6)
	if f := v[features.SameIPFrequency]; f > 5 {
		out = append(out, SuspiciousFeature{Name: "same_ip_frequency", Value: fmt.Sprintf("%g", f)})
	}
	if k := v[features.SuspiciousKeywordCount]; k > 2 {
		out = append(out, SuspiciousFeature{Name: "suspicious_keyword_count", Value: fmt.Sprintf("%g", k)})
	}
	if v[features.IsRepeatedFailure] == 1 {
		out = append(out, SuspiciousFeature{Name: "repeated_failures", Value: "Detected"})
	}
	if v[features.IsRapidSuccession] == 1 {
		out = append(out, SuspiciousFeature{Name: "rapid_succession", Value: "Detected"})
	}
	if t := v[features.TimeSinceLastSimilar]; t < 5 {
		out = append(out, SuspiciousFeature{Name: "rapid_repeat", Value: fmt.Sprintf("%.1fs", t)})
	}
	if v[features.IsNight] == 1 {
		out = append(out, SuspiciousFeature{Name: "night_activity", Value: "After hours"})
	}
	return out
}
