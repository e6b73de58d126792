package model

import (
	"encoding/json"
	"math"
	"math/rand"
)

// ReconstructionModel compresses standardized vectors onto their top
// principal components and scores by reconstruction error. Inliers
// reconstruct well; anomalies lose information in the projection.
type ReconstructionModel struct {
	scaler     *scaler
	components [][]float64
	threshold  float64
	columns    int

	numComponents int
	seed          int64
	fitted        bool
}

// NewReconstructionModel builds an untrained model keeping k
// principal components.
func NewReconstructionModel(k int, seed int64) *ReconstructionModel {
	if k <= 0 {
		k = 4
	}
	return &ReconstructionModel{numComponents: k, seed: seed}
}

func (m *ReconstructionModel) Name() string                   { return "reconstruction" }
func (m *ReconstructionModel) Supervised() bool               { return false }
func (m *ReconstructionModel) Trained() bool                  { return m.fitted }
func (m *ReconstructionModel) Importance() map[string]float64 { return nil }

func (m *ReconstructionModel) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	width := len(ds.Columns)
	m.scaler = fitScaler(ds.Rows, width)

	std := make([][]float64, len(ds.Rows))
	for i, row := range ds.Rows {
		std[i] = m.scaler.transform(row)
	}

	cov := covariance(std, width)
	k := m.numComponents
	if k > width {
		k = width
	}
	m.components = topComponents(cov, k, m.seed)

	// Calibrate the anomaly threshold at the 95th percentile of
	// training reconstruction errors.
	errs := make([]float64, len(std))
	for i, v := range std {
		errs[i] = m.reconError(v)
	}
	m.threshold = quantile(errs, 0.95)
	if m.threshold == 0 {
		m.threshold = 1e-9
	}

	m.columns = width
	m.fitted = true
	return nil
}

// Score maps the error ratio r = err/threshold to r/(1+r): 0.5 at the
// calibration threshold, approaching 1 as error grows.
func (m *ReconstructionModel) Score(vec []float64) (float64, error) {
	if !m.fitted {
		return 0, ErrNotTrained
	}
	v, err := checkVector(vec, m.columns)
	if err != nil {
		return 0, err
	}
	ratio := m.reconError(m.scaler.transform(v)) / m.threshold
	return ratio / (1 + ratio), nil
}

// reconError is the squared distance between a standardized vector
// and its projection onto the component subspace.
func (m *ReconstructionModel) reconError(std []float64) float64 {
	recon := make([]float64, len(std))
	for _, comp := range m.components {
		proj := dot(std, comp)
		for j := range recon {
			recon[j] += proj * comp[j]
		}
	}
	var sq float64
	for j := range std {
		d := std[j] - recon[j]
		sq += d * d
	}
	return sq
}

func covariance(rows [][]float64, width int) [][]float64 {
	cov := make([][]float64, width)
	for i := range cov {
		cov[i] = make([]float64, width)
	}
	n := float64(len(rows))
	for _, row := range rows {
		for i := 0; i < width; i++ {
			for j := i; j < width; j++ {
				cov[i][j] += row[i] * row[j] / n
			}
		}
	}
	for i := 0; i < width; i++ {
		for j := 0; j < i; j++ {
			cov[i][j] = cov[j][i]
		}
	}
	return cov
}

// topComponents extracts the k leading eigenvectors by power
// iteration with deflation.
func topComponents(cov [][]float64, k int, seed int64) [][]float64 {
	width := len(cov)
	rng := rand.New(rand.NewSource(seed))
	work := make([][]float64, width)
	for i := range work {
		work[i] = append([]float64(nil), cov[i]...)
	}

	components := make([][]float64, 0, k)
	for c := 0; c < k; c++ {
		v := make([]float64, width)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		normalize(v)

		for iter := 0; iter < 100; iter++ {
			next := matVec(work, v)
			if normalize(next) == 0 {
				break
			}
			delta := 0.0
			for j := range v {
				d := next[j] - v[j]
				delta += d * d
			}
			v = next
			if delta < 1e-12 {
				break
			}
		}

		eigenvalue := dot(v, matVec(work, v))
		components = append(components, v)

		// Deflate: remove the found component from the matrix.
		for i := 0; i < width; i++ {
			for j := 0; j < width; j++ {
				work[i][j] -= eigenvalue * v[i] * v[j]
			}
		}
	}
	return components
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		out[i] = dot(row, v)
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func normalize(v []float64) float64 {
	n := math.Sqrt(dot(v, v))
	if n == 0 {
		return 0
	}
	for i := range v {
		v[i] /= n
	}
	return n
}

type reconState struct {
	Scaler        *scaler     `json:"scaler"`
	Components    [][]float64 `json:"components"`
	Threshold     float64     `json:"threshold"`
	Columns       int         `json:"columns"`
	NumComponents int         `json:"numComponents"`
	Seed          int64       `json:"seed"`
	Fitted        bool        `json:"fitted"`
}

func (m *ReconstructionModel) State() ([]byte, error) {
	return json.Marshal(reconState{
		Scaler:        m.scaler,
		Components:    m.components,
		Threshold:     m.threshold,
		Columns:       m.columns,
		NumComponents: m.numComponents,
		Seed:          m.seed,
		Fitted:        m.fitted,
	})
}

func (m *ReconstructionModel) Restore(state []byte) error {
	var s reconState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	m.scaler = s.Scaler
	m.components = s.Components
	m.threshold = s.Threshold
	m.columns = s.Columns
	m.numComponents = s.NumComponents
	m.seed = s.Seed
	m.fitted = s.Fitted
	return nil
}
