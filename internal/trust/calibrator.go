// Package trust fuses anomaly, LLM and heuristic signals into one
// temperature-calibrated alert decision.
package trust

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	DefaultTemperature = 1.5
	DefaultThreshold   = 0.7
	DefaultMaxSamples  = 100

	epsilon = 1e-10
)

// Weights are the fusion weights applied before temperature scaling.
type Weights struct {
	LLM       float64 `json:"llm"`
	Anomaly   float64 `json:"anomaly"`
	Heuristic float64 `json:"heuristic"`
}

// FusionWeights is the fixed weighting of the three sources.
var FusionWeights = Weights{LLM: 0.4, Anomaly: 0.4, Heuristic: 0.2}

// Sources records the inputs of one decision.
type Sources struct {
	LLMConfidence  float64 `json:"llm_confidence"`
	AnomalyScore   float64 `json:"anomaly_score"`
	HeuristicScore float64 `json:"heuristic_score"`
}

// Decision is the full trust analysis for one event.
type Decision struct {
	RawScore           float64 `json:"raw_score"`
	CalibratedScore    float64 `json:"calibrated_score"`
	ShouldAlert        bool    `json:"should_alert"`
	DecisionConfidence float64 `json:"decision_confidence"`
	Sources            Sources `json:"sources"`
	Weights            Weights `json:"weights"`
	Temperature        float64 `json:"temperature"`
	Threshold          float64 `json:"threshold"`
}

// Sample is one labelled prediction kept for calibration diagnostics.
type Sample struct {
	Prediction  float64 `json:"prediction"`
	GroundTruth int     `json:"ground_truth"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// Calibrator holds the temperature, threshold and a bounded buffer of
// labelled samples. It is safe for concurrent use.
type Calibrator struct {
	mu          sync.RWMutex
	temperature float64
	threshold   float64
	maxSamples  int
	samples     []Sample
}

// NewCalibrator creates a Calibrator. Non-positive arguments take defaults.
func NewCalibrator(temperature, threshold float64, maxSamples int) *Calibrator {
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Calibrator{
		temperature: temperature,
		threshold:   threshold,
		maxSamples:  maxSamples,
		samples:     make([]Sample, 0, maxSamples),
	}
}

// Scale applies temperature scaling to a probability: the logit of p,
// clipped away from 0 and 1, is divided by t and mapped back. t > 1 pulls
// the result toward 0.5 and t < 1 pushes it away. A non-positive t leaves
// p unchanged apart from clipping.
func Scale(p, t float64) float64 {
	p = clip(p, epsilon, 1-epsilon)
	if t <= 0 {
		return p
	}
	logit := math.Log(p / (1 - p))
	return clip(1/(1+math.Exp(-logit/t)), 0, 1)
}

// CalibrateDecision fuses the three sources, scales the result by the
// current temperature and compares it with the threshold.
func (c *Calibrator) CalibrateDecision(llmConfidence, anomalyScore, heuristicScore float64) (float64, Decision) {
	c.mu.RLock()
	temperature, threshold := c.temperature, c.threshold
	c.mu.RUnlock()

	raw := FusionWeights.LLM*llmConfidence +
		FusionWeights.Anomaly*anomalyScore +
		FusionWeights.Heuristic*heuristicScore
	calibrated := Scale(raw, temperature)

	return calibrated, Decision{
		RawScore:           raw,
		CalibratedScore:    calibrated,
		ShouldAlert:        calibrated >= threshold,
		DecisionConfidence: clip(math.Abs(calibrated-threshold)/0.5, 0, 1),
		Sources: Sources{
			LLMConfidence:  llmConfidence,
			AnomalyScore:   anomalyScore,
			HeuristicScore: heuristicScore,
		},
		Weights:     FusionWeights,
		Temperature: temperature,
		Threshold:   threshold,
	}
}

// AddSample records a labelled prediction, evicting the oldest sample past
// the buffer bound.
func (c *Calibrator) AddSample(prediction float64, malicious bool, timestamp string) {
	truth := 0
	if malicious {
		truth = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, Sample{Prediction: prediction, GroundTruth: truth, Timestamp: timestamp})
	c.trimLocked()
}

func (c *Calibrator) trimLocked() {
	if over := len(c.samples) - c.maxSamples; over > 0 {
		c.samples = append(c.samples[:0:0], c.samples[over:]...)
	}
}

// Samples returns a copy of the buffered samples, oldest first.
func (c *Calibrator) Samples() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

// Temperature returns the current temperature.
func (c *Calibrator) Temperature() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temperature
}

// SetTemperature replaces the temperature. Non-positive values are ignored.
func (c *Calibrator) SetTemperature(t float64) {
	if t <= 0 {
		return
	}
	c.mu.Lock()
	c.temperature = t
	c.mu.Unlock()
}

// Threshold returns the alert threshold.
func (c *Calibrator) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetThreshold replaces the alert threshold, clamped into [0,1].
func (c *Calibrator) SetThreshold(t float64) {
	c.mu.Lock()
	c.threshold = clip(t, 0, 1)
	c.mu.Unlock()
}

type calibrationFile struct {
	Temperature float64  `json:"temperature"`
	Threshold   float64  `json:"threshold"`
	Samples     []Sample `json:"samples"`
}

// Save writes temperature, threshold and samples as JSON.
func (c *Calibrator) Save(path string) error {
	c.mu.RLock()
	data, err := json.MarshalIndent(calibrationFile{
		Temperature: c.temperature,
		Threshold:   c.threshold,
		Samples:     c.samples,
	}, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling calibration data: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating calibration dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load replaces state from a file written by Save. Missing keys keep the
// current values. A missing file is returned as an error matching
// fs.ErrNotExist.
func (c *Calibrator) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f calibrationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decoding calibration data: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Temperature > 0 {
		c.temperature = f.Temperature
	}
	if f.Threshold > 0 {
		c.threshold = clip(f.Threshold, 0, 1)
	}
	if f.Samples != nil {
		c.samples = append(c.samples[:0:0], f.Samples...)
		c.trimLocked()
	}
	return nil
}

func clip(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}
