package trust

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	minMetricsSamples  = 10
	minOptimizeSamples = 20
	eceBins            = 10
	temperatureSteps   = 26
	minTemperature     = 0.5
	maxTemperature     = 3.0
)

// ErrInsufficientData marks a diagnostic that needs more labelled samples.
var ErrInsufficientData = errors.New("not enough calibration samples")

// InsufficientDataError reports how many samples an operation had and needed.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: have %d, need %d", ErrInsufficientData, e.Have, e.Need)
}

// Is lets errors.Is match ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// Confusion counts outcomes at the alert threshold.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// Report holds calibration quality metrics over the buffered samples.
type Report struct {
	BrierScore   float64   `json:"brier_score"`
	ECE          float64   `json:"ece"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1Score      float64   `json:"f1_score"`
	Confusion    Confusion `json:"confusion_matrix"`
	TotalSamples int       `json:"total_samples"`
}

// Metrics computes Brier score, expected calibration error and
// classification metrics. It needs at least ten samples.
func (c *Calibrator) Metrics() (Report, error) {
	c.mu.RLock()
	samples := append([]Sample(nil), c.samples...)
	threshold := c.threshold
	c.mu.RUnlock()

	if len(samples) < minMetricsSamples {
		return Report{}, &InsufficientDataError{Have: len(samples), Need: minMetricsSamples}
	}

	preds, truths := split(samples)
	report := Report{
		BrierScore:   brier(preds, truths),
		ECE:          expectedCalibrationError(preds, truths),
		TotalSamples: len(samples),
	}

	for i, p := range preds {
		alert := p >= threshold
		malicious := truths[i] == 1
		switch {
		case alert && malicious:
			report.Confusion.TP++
		case alert && !malicious:
			report.Confusion.FP++
		case !alert && !malicious:
			report.Confusion.TN++
		default:
			report.Confusion.FN++
		}
	}
	cm := report.Confusion
	report.Accuracy = float64(cm.TP+cm.TN) / float64(len(preds))
	if cm.TP+cm.FP > 0 {
		report.Precision = float64(cm.TP) / float64(cm.TP+cm.FP)
	}
	if cm.TP+cm.FN > 0 {
		report.Recall = float64(cm.TP) / float64(cm.TP+cm.FN)
	}
	if report.Precision+report.Recall > 0 {
		report.F1Score = 2 * report.Precision * report.Recall / (report.Precision + report.Recall)
	}
	return report, nil
}

// OptimizeTemperature grid-searches 26 temperatures over [0.5, 3.0],
// rescaling the buffered predictions with each, and adopts the one with the
// lowest Brier score. It needs at least twenty samples.
func (c *Calibrator) OptimizeTemperature() (float64, error) {
	c.mu.RLock()
	samples := append([]Sample(nil), c.samples...)
	c.mu.RUnlock()

	if len(samples) < minOptimizeSamples {
		return c.Temperature(), &InsufficientDataError{Have: len(samples), Need: minOptimizeSamples}
	}

	preds, truths := split(samples)
	candidates := floats.Span(make([]float64, temperatureSteps), minTemperature, maxTemperature)
	scaled := make([]float64, len(preds))

	best, bestBrier := c.Temperature(), math.Inf(1)
	for _, t := range candidates {
		for i, p := range preds {
			scaled[i] = Scale(p, t)
		}
		if b := brier(scaled, truths); b < bestBrier {
			best, bestBrier = t, b
		}
	}

	c.SetTemperature(best)
	return best, nil
}

func split(samples []Sample) (preds, truths []float64) {
	preds = make([]float64, len(samples))
	truths = make([]float64, len(samples))
	for i, s := range samples {
		preds[i] = s.Prediction
		truths[i] = float64(s.GroundTruth)
	}
	return preds, truths
}

func brier(preds, truths []float64) float64 {
	sq := make([]float64, len(preds))
	for i := range preds {
		d := preds[i] - truths[i]
		sq[i] = d * d
	}
	return stat.Mean(sq, nil)
}

// expectedCalibrationError bins predictions into equal-width buckets over
// [0,1]. A prediction of exactly 1 falls in the last bucket.
func expectedCalibrationError(preds, truths []float64) float64 {
	var count [eceBins]int
	var sumPred, sumTruth [eceBins]float64
	for i, p := range preds {
		if p < 0 || p > 1 || math.IsNaN(p) {
			continue
		}
		b := min(int(p*eceBins), eceBins-1)
		count[b]++
		sumPred[b] += p
		sumTruth[b] += truths[i]
	}

	var ece float64
	for b := range eceBins {
		if count[b] == 0 {
			continue
		}
		n := float64(count[b])
		weight := n / float64(len(preds))
		ece += weight * math.Abs(sumPred[b]/n-sumTruth[b]/n)
	}
	return ece
}
