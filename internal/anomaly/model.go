// Package anomaly scores events with an unsupervised outlier model over
// their feature vectors.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/features"
)

// ModelKind records where the active model came from. Bootstrapped models
// are fitted on synthetic noise and carry no real detection quality.
type ModelKind int

const (
	KindTrained ModelKind = iota
	KindBootstrapped
)

func (k ModelKind) String() string {
	if k == KindBootstrapped {
		return "bootstrapped"
	}
	return "trained"
}

func (k ModelKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

const (
	bootstrapSeed = 42
	bootstrapRows = 100
)

// Bootstrap fits a forest on seeded standard-normal noise so the scorer can
// run without a trained artifact.
func Bootstrap() (*IsolationForest, error) {
	rng := rand.New(rand.NewPCG(bootstrapSeed, bootstrapSeed))
	data := make([][]float64, bootstrapRows)
	for i := range data {
		row := make([]float64, features.NumFeatures)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		data[i] = row
	}
	return Fit(data, rng)
}

// LoadModel reads the model artifact at path. A missing, unreadable or
// mismatched artifact falls back to Bootstrap with a warning; only a
// failure to bootstrap is returned as an error.
func LoadModel(path string, logger zerolog.Logger) (Model, ModelKind, error) {
	log := logger.With().Str("component", "anomaly_model").Logger()

	forest, err := LoadIsolationForest(path)
	if err == nil && forest.Dimensions() != features.NumFeatures {
		err = fmt.Errorf("model has %d features, want %d: %w", forest.Dimensions(), features.NumFeatures, ErrDimensionMismatch)
	}
	if err == nil {
		log.Info().Str("path", path).Int("trees", len(forest.Trees)).Msg("anomaly model loaded")
		return forest, KindTrained, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("anomaly model not found, using bootstrapped default")
	} else {
		log.Warn().Err(err).Str("path", path).Msg("anomaly model unusable, using bootstrapped default")
	}

	boot, bootErr := Bootstrap()
	if bootErr != nil {
		return nil, KindBootstrapped, fmt.Errorf("bootstrapping default model: %w", bootErr)
	}
	return boot, KindBootstrapped, nil
}

// Normalize maps a raw decision value onto [0,1]. More negative values,
// which mark stronger outliers, approach 1.
func Normalize(raw float64) float64 {
	n := 1 / (1 + math.Exp(4*raw))
	return math.Min(math.Max(n, 0), 1)
}
