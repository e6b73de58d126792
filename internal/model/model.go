// Package model implements the fraud scoring models and their
// ensemble. All estimators are deterministic for a fixed seed and
// train fully in memory; scoring is pure and lock-free.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrNotTrained is returned when a model is asked to score before it
// has been trained.
var ErrNotTrained = errors.New("model not trained")

// ErrNoTrainedModels is returned by the ensemble when no member can
// produce a score.
var ErrNoTrainedModels = errors.New("no trained models in ensemble")

// ErrNoLabels is returned when a supervised model is trained on an
// unlabeled dataset.
var ErrNoLabels = errors.New("dataset has no labels")

// Model is a single fraud estimator. Score returns a fraud
// probability in [0,1].
type Model interface {
	Name() string
	Supervised() bool
	Train(ds *Dataset) error
	Score(vec []float64) (float64, error)
	Trained() bool

	// Importance returns per-column importance summing to 1, or nil
	// when the model has none.
	Importance() map[string]float64

	State() ([]byte, error)
	Restore(state []byte) error
}

// Dataset is a feature matrix with optional fraud labels (1 = fraud).
type Dataset struct {
	Columns []string
	Rows    [][]float64
	Labels  []float64
}

// Validate checks shape invariants.
func (ds *Dataset) Validate() error {
	if len(ds.Columns) == 0 {
		return errors.New("dataset has no columns")
	}
	if len(ds.Rows) == 0 {
		return errors.New("dataset has no rows")
	}
	for i, row := range ds.Rows {
		if len(row) != len(ds.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(ds.Columns))
		}
	}
	if len(ds.Labels) != 0 && len(ds.Labels) != len(ds.Rows) {
		return fmt.Errorf("got %d labels for %d rows", len(ds.Labels), len(ds.Rows))
	}
	return nil
}

// Labeled reports whether the dataset carries fraud labels.
func (ds *Dataset) Labeled() bool { return len(ds.Labels) == len(ds.Rows) && len(ds.Labels) > 0 }

// Split partitions the dataset into train and validation subsets with
// a seeded shuffle, so the same seed always yields the same split.
func (ds *Dataset) Split(valFrac float64, seed int64) (train, val *Dataset) {
	n := len(ds.Rows)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nVal := int(float64(n) * valFrac)
	if nVal < 1 {
		nVal = 1
	}
	if nVal >= n {
		nVal = n - 1
	}

	pick := func(ids []int) *Dataset {
		out := &Dataset{Columns: ds.Columns, Rows: make([][]float64, 0, len(ids))}
		if ds.Labeled() {
			out.Labels = make([]float64, 0, len(ids))
		}
		for _, i := range ids {
			out.Rows = append(out.Rows, ds.Rows[i])
			if ds.Labeled() {
				out.Labels = append(out.Labels, ds.Labels[i])
			}
		}
		return out
	}

	return pick(idx[nVal:]), pick(idx[:nVal])
}

// checkVector pads a short vector with zeros to the model width.
// Vectors wider than the model are rejected.
func checkVector(vec []float64, width int) ([]float64, error) {
	if len(vec) == width {
		return vec, nil
	}
	if len(vec) > width {
		return nil, fmt.Errorf("vector has %d values, model expects %d", len(vec), width)
	}
	padded := make([]float64, width)
	copy(padded, vec)
	return padded, nil
}

// scaler standardizes columns to zero mean and unit variance.
type scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitScaler(rows [][]float64, width int) *scaler {
	s := &scaler{Mean: make([]float64, width), Std: make([]float64, width)}
	n := float64(len(rows))
	for _, row := range rows {
		for j, v := range row {
			s.Mean[j] += v
		}
	}
	for j := range s.Mean {
		s.Mean[j] /= n
	}
	for _, row := range rows {
		for j, v := range row {
			d := v - s.Mean[j]
			s.Std[j] += d * d
		}
	}
	for j := range s.Std {
		s.Std[j] = math.Sqrt(s.Std[j] / n)
		if s.Std[j] == 0 {
			s.Std[j] = 1
		}
	}
	return s
}

func (s *scaler) transform(vec []float64) []float64 {
	out := make([]float64, len(vec))
	for j, v := range vec {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// quantile returns the q-quantile of values without mutating them.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
