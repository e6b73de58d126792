package model

import (
	"encoding/json"
	"math"
)

// LogisticClassifier is a standardized logistic regression trained by
// gradient descent on fraud labels.
type LogisticClassifier struct {
	scaler  *scaler
	weights []float64
	bias    float64
	columns []string

	epochs int
	rate   float64
	fitted bool
}

// NewLogisticClassifier builds an untrained classifier.
func NewLogisticClassifier(epochs int, rate float64) *LogisticClassifier {
	if epochs <= 0 {
		epochs = 200
	}
	if rate <= 0 {
		rate = 0.1
	}
	return &LogisticClassifier{epochs: epochs, rate: rate}
}

func (l *LogisticClassifier) Name() string     { return "logistic" }
func (l *LogisticClassifier) Supervised() bool { return true }
func (l *LogisticClassifier) Trained() bool    { return l.fitted }

func (l *LogisticClassifier) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if !ds.Labeled() {
		return ErrNoLabels
	}

	width := len(ds.Columns)
	l.scaler = fitScaler(ds.Rows, width)
	std := make([][]float64, len(ds.Rows))
	for i, row := range ds.Rows {
		std[i] = l.scaler.transform(row)
	}

	w := make([]float64, width)
	b := 0.0
	n := float64(len(std))

	for epoch := 0; epoch < l.epochs; epoch++ {
		gradW := make([]float64, width)
		gradB := 0.0
		for i, x := range std {
			p := sigmoid(dot(w, x) + b)
			diff := p - ds.Labels[i]
			for j := range x {
				gradW[j] += diff * x[j]
			}
			gradB += diff
		}
		for j := range w {
			w[j] -= l.rate * gradW[j] / n
		}
		b -= l.rate * gradB / n
	}

	l.weights = w
	l.bias = b
	l.columns = append([]string(nil), ds.Columns...)
	l.fitted = true
	return nil
}

func (l *LogisticClassifier) Score(vec []float64) (float64, error) {
	if !l.fitted {
		return 0, ErrNotTrained
	}
	v, err := checkVector(vec, len(l.weights))
	if err != nil {
		return 0, err
	}
	return sigmoid(dot(l.weights, l.scaler.transform(v)) + l.bias), nil
}

// Importance normalizes the absolute weights to sum to 1.
func (l *LogisticClassifier) Importance() map[string]float64 {
	if !l.fitted {
		return nil
	}
	var total float64
	for _, w := range l.weights {
		total += math.Abs(w)
	}
	if total == 0 {
		return nil
	}
	imp := make(map[string]float64, len(l.columns))
	for j, col := range l.columns {
		imp[col] = math.Abs(l.weights[j]) / total
	}
	return imp
}

type logisticState struct {
	Scaler  *scaler   `json:"scaler"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
	Columns []string  `json:"columns"`
	Epochs  int       `json:"epochs"`
	Rate    float64   `json:"rate"`
	Fitted  bool      `json:"fitted"`
}

func (l *LogisticClassifier) State() ([]byte, error) {
	return json.Marshal(logisticState{
		Scaler:  l.scaler,
		Weights: l.weights,
		Bias:    l.bias,
		Columns: l.columns,
		Epochs:  l.epochs,
		Rate:    l.rate,
		Fitted:  l.fitted,
	})
}

func (l *LogisticClassifier) Restore(state []byte) error {
	var s logisticState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	l.scaler = s.Scaler
	l.weights = s.Weights
	l.bias = s.Bias
	l.columns = s.Columns
	l.epochs = s.Epochs
	l.rate = s.Rate
	l.fitted = s.Fitted
	return nil
}
