package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	forestKind       = "isolation_forest"
	defaultTrees     = 100
	maxSampleSize    = 256
	contamination    = 0.1
	eulerMascheroni  = 0.5772156649015329
	forestFileFormat = 1
)

// ErrDimensionMismatch is returned when a vector does not match the width
// the model was fitted on.
var ErrDimensionMismatch = errors.New("feature vector dimension mismatch")

// Label is the binary model verdict.
type Label int

const (
	LabelNormal Label = iota
	LabelAnomaly
)

func (l Label) String() string {
	if l == LabelAnomaly {
		return "ANOMALY"
	}
	return "NORMAL"
}

// Model scores a positional feature vector. The decision value is negative
// for outliers and positive for inliers.
type Model interface {
	Predict(x []float64) (Label, float64, error)
	Dimensions() int
}

// treeNode is one node of an isolation tree. Leaves have Left == nil and
// carry the number of training rows that reached them.
type treeNode struct {
	Feature int       `json:"f,omitempty"`
	Split   float64   `json:"s,omitempty"`
	Size    int       `json:"n,omitempty"`
	Left    *treeNode `json:"l,omitempty"`
	Right   *treeNode `json:"r,omitempty"`
}

// IsolationForest is an ensemble of random isolation trees. Short average
// path lengths mark points that are easy to separate from the rest.
type IsolationForest struct {
	Format     int         `json:"format"`
	Kind       string      `json:"kind"`
	NumFeature int         `json:"n_features"`
	SampleSize int         `json:"sample_size"`
	Offset     float64     `json:"offset"`
	Trees      []*treeNode `json:"trees"`
}

// Fit grows the forest on data. Every row must have the same width.
func Fit(data [][]float64, rng *rand.Rand) (*IsolationForest, error) {
	if len(data) == 0 {
		return nil, errors.New("fitting isolation forest: no training rows")
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, errors.New("fitting isolation forest: zero-width rows")
	}
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("fitting isolation forest: row %d has %d values, want %d: %w", i, len(row), dims, ErrDimensionMismatch)
		}
	}

	f := &IsolationForest{
		Format:     forestFileFormat,
		Kind:       forestKind,
		NumFeature: dims,
		SampleSize: min(maxSampleSize, len(data)),
		Trees:      make([]*treeNode, 0, defaultTrees),
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(f.SampleSize, 2)))))

	for range defaultTrees {
		perm := rng.Perm(len(data))[:f.SampleSize]
		rows := make([][]float64, len(perm))
		for i, idx := range perm {
			rows[i] = data[idx]
		}
		f.Trees = append(f.Trees, growTree(rows, 0, maxDepth, rng))
	}

	// The offset places the decision boundary at the expected contamination.
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	sort.Float64s(scores)
	f.Offset = stat.Quantile(contamination, stat.LinInterp, scores, nil)
	return f, nil
}

func growTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if depth >= maxDepth || len(rows) <= 1 {
		return &treeNode{Size: len(rows)}
	}

	dims := len(rows[0])
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	copy(lo, rows[0])
	copy(hi, rows[0])
	for _, row := range rows[1:] {
		for j, v := range row {
			lo[j] = min(lo[j], v)
			hi[j] = max(hi[j], v)
		}
	}
	candidates := make([]int, 0, dims)
	for j := range dims {
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &treeNode{Size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{Size: len(rows)}
	}

	return &treeNode{
		Feature: feature,
		Split:   split,
		Left:    growTree(left, depth+1, maxDepth, rng),
		Right:   growTree(right, depth+1, maxDepth, rng),
	}
}

// averagePathLength is the expected depth of an unsuccessful search in a
// binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}

func pathLength(node *treeNode, x []float64) float64 {
	depth := 0.0
	for node.Left != nil {
		if x[node.Feature] < node.Split {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth + averagePathLength(node.Size)
}

// score is the negated anomaly score: values near -1 are outliers, values
// near -0.5 or above are ordinary.
func (f *IsolationForest) score(x []float64) float64 {
	var total float64
	for _, t := range f.Trees {
		total += pathLength(t, x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.SampleSize))
}

// Decision returns the score shifted by the contamination offset.
func (f *IsolationForest) Decision(x []float64) (float64, error) {
	if len(x) != f.NumFeature {
		return 0, fmt.Errorf("got %d features, model expects %d: %w", len(x), f.NumFeature, ErrDimensionMismatch)
	}
	return f.score(x) - f.Offset, nil
}

// Predict implements Model.
func (f *IsolationForest) Predict(x []float64) (Label, float64, error) {
	d, err := f.Decision(x)
	if err != nil {
		return LabelNormal, 0, err
	}
	if d < 0 {
		return LabelAnomaly, d, nil
	}
	return LabelNormal, d, nil
}

// Dimensions implements Model.
func (f *IsolationForest) Dimensions() int {
	return f.NumFeature
}

// Save writes the forest as a JSON artifact, creating parent directories.
func (f *IsolationForest) Save(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating model dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadIsolationForest reads a forest artifact written by Save.
func LoadIsolationForest(path string) (*IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f IsolationForest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	if f.Kind != forestKind {
		return nil, fmt.Errorf("unsupported model kind %q", f.Kind)
	}
	if f.NumFeature <= 0 || f.SampleSize <= 0 || len(f.Trees) == 0 {
		return nil, errors.New("model artifact is incomplete")
	}
	for i, t := range f.Trees {
		if err := validateTree(t, f.NumFeature); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return &f, nil
}

func validateTree(n *treeNode, dims int) error {
	if n == nil {
		return errors.New("nil node")
	}
	if n.Left == nil && n.Right == nil {
		return nil
	}
	if n.Left == nil || n.Right == nil {
		return errors.New("internal node missing a child")
	}
	if n.Feature < 0 || n.Feature >= dims {
		return fmt.Errorf("split feature %d out of range", n.Feature)
	}
	if err := validateTree(n.Left, dims); err != nil {
		return err
	}
	return validateTree(n.Right, dims)
}
