package model

import (
	"encoding/json"
	"math"
)

// OneClassBoundary learns a spherical boundary around the training
// data in standardized space. Points beyond the (1-nu)-quantile
// distance score above 0.5.
type OneClassBoundary struct {
	scaler    *scaler
	threshold float64
	columns   int
	nu        float64
	fitted    bool
}

// NewOneClassBoundary builds an untrained boundary. nu is the
// expected fraction of training outliers.
func NewOneClassBoundary(nu float64) *OneClassBoundary {
	if nu <= 0 || nu >= 1 {
		nu = 0.05
	}
	return &OneClassBoundary{nu: nu}
}

func (o *OneClassBoundary) Name() string                   { return "one_class" }
func (o *OneClassBoundary) Supervised() bool               { return false }
func (o *OneClassBoundary) Trained() bool                  { return o.fitted }
func (o *OneClassBoundary) Importance() map[string]float64 { return nil }

func (o *OneClassBoundary) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	o.scaler = fitScaler(ds.Rows, len(ds.Columns))
	dists := make([]float64, len(ds.Rows))
	for i, row := range ds.Rows {
		dists[i] = norm(o.scaler.transform(row))
	}

	o.threshold = quantile(dists, 1-o.nu)
	if o.threshold == 0 {
		o.threshold = 1
	}
	o.columns = len(ds.Columns)
	o.fitted = true
	return nil
}

// Score maps the standardized distance through a sigmoid centered on
// the boundary: 0.5 at the threshold, approaching 1 far outside.
func (o *OneClassBoundary) Score(vec []float64) (float64, error) {
	if !o.fitted {
		return 0, ErrNotTrained
	}
	v, err := checkVector(vec, o.columns)
	if err != nil {
		return 0, err
	}
	d := norm(o.scaler.transform(v))
	return sigmoid(d - o.threshold), nil
}

func norm(vec []float64) float64 {
	var sq float64
	for _, v := range vec {
		sq += v * v
	}
	return math.Sqrt(sq)
}

type oneClassState struct {
	Scaler    *scaler `json:"scaler"`
	Threshold float64 `json:"threshold"`
	Columns   int     `json:"columns"`
	Nu        float64 `json:"nu"`
	Fitted    bool    `json:"fitted"`
}

func (o *OneClassBoundary) State() ([]byte, error) {
	return json.Marshal(oneClassState{
		Scaler:    o.scaler,
		Threshold: o.threshold,
		Columns:   o.columns,
		Nu:        o.nu,
		Fitted:    o.fitted,
	})
}

func (o *OneClassBoundary) Restore(state []byte) error {
	var s oneClassState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	o.scaler = s.Scaler
	o.threshold = s.Threshold
	o.columns = s.Columns
	o.nu = s.Nu
	o.fitted = s.Fitted
	return nil
}
