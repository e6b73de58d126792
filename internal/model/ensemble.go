package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Voting strategies.
const (
	VotingWeighted = "weighted"
	VotingAverage  = "average"
	VotingMax      = "max"
)

// Ensemble combines the anomaly and supervised models under one
// voting strategy. It is immutable after Train; swapping in a newly
// trained ensemble is the caller's concern.
type Ensemble struct {
	models  []Model
	weights map[string]float64
	voting  string
	columns []string

	version   string
	trainedAt time.Time

	cfg domain.ModelConfig
}

// MemberStatus describes one model inside the ensemble.
type MemberStatus struct {
	Name       string  `json:"name"`
	Supervised bool    `json:"supervised"`
	Trained    bool    `json:"trained"`
	Weight     float64 `json:"weight"`
}

// Status is the ensemble's introspection view.
type Status struct {
	Version   string         `json:"version"`
	Voting    string         `json:"voting"`
	TrainedAt time.Time      `json:"trainedAt,omitempty"`
	Trained   bool           `json:"trained"`
	Members   []MemberStatus `json:"members"`
}

// NewEnsemble builds an untrained ensemble from configuration.
func NewEnsemble(cfg domain.ModelConfig) *Ensemble {
	voting := cfg.Voting
	switch voting {
	case VotingWeighted, VotingAverage, VotingMax:
	default:
		voting = VotingWeighted
	}

	return &Ensemble{
		models: []Model{
			NewIsolationForest(cfg.IsolationTrees, cfg.IsolationSampleSize, cfg.Seed),
			NewOneClassBoundary(cfg.OneClassNu),
			NewReconstructionModel(cfg.ReconComponents, cfg.Seed),
			NewLogisticClassifier(cfg.LogisticEpochs, cfg.LogisticRate),
			NewGradientBoost(cfg.BoostRounds, cfg.BoostRate),
		},
		weights: make(map[string]float64),
		voting:  voting,
		cfg:     cfg,
	}
}

// Train fits every member the dataset supports. Supervised members
// are skipped on unlabeled data. Weighted voting calibrates member
// weights by validation AUC on a seeded split when labels are
// present; otherwise trained members share equal weight.
func (e *Ensemble) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	var trainSet, valSet *Dataset
	calibrate := e.voting == VotingWeighted && ds.Labeled() && len(ds.Rows) >= 10
	if calibrate {
		trainSet, valSet = ds.Split(e.cfg.ValidationFrac, e.cfg.Seed)
	} else {
		trainSet = ds
	}

	trained := 0
	for _, m := range e.models {
		if m.Supervised() && !ds.Labeled() {
			continue
		}
		if err := m.Train(trainSet); err != nil {
			return fmt.Errorf("train %s: %w", m.Name(), err)
		}
		trained++
	}
	if trained == 0 {
		return errors.New("no member accepted the dataset")
	}

	weights := make(map[string]float64)
	if calibrate {
		var total float64
		aucs := make(map[string]float64)
		for _, m := range e.models {
			if !m.Trained() {
				continue
			}
			scores := make([]float64, len(valSet.Rows))
			for i, row := range valSet.Rows {
				s, err := m.Score(row)
				if err != nil {
					return fmt.Errorf("validate %s: %w", m.Name(), err)
				}
				scores[i] = s
			}
			auc := AUC(valSet.Labels, scores)
			if auc < 0.01 {
				auc = 0.01
			}
			aucs[m.Name()] = auc
			total += auc
		}
		for name, auc := range aucs {
			weights[name] = auc / total
		}
	} else {
		for _, m := range e.models {
			if m.Trained() {
				weights[m.Name()] = 1
			}
		}
		normalizeWeights(weights)
	}

	e.weights = weights
	e.columns = append([]string(nil), ds.Columns...)
	e.version = uuid.New().String()
	e.trainedAt = time.Now().UTC()
	return nil
}

func normalizeWeights(weights map[string]float64) {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return
	}
	for name := range weights {
		weights[name] /= total
	}
}

// Trained reports whether at least one member can score.
func (e *Ensemble) Trained() bool {
	for _, m := range e.models {
		if m.Trained() {
			return true
		}
	}
	return false
}

// Version identifies the trained model set.
func (e *Ensemble) Version() string { return e.version }

// Columns returns the feature layout pinned at train time.
func (e *Ensemble) Columns() []string { return e.columns }

// TrainedAt returns the training timestamp, zero when untrained.
func (e *Ensemble) TrainedAt() time.Time { return e.trainedAt }

// Score combines member scores under the voting strategy. Untrained
// members are skipped; with no usable member it returns
// ErrNoTrainedModels.
func (e *Ensemble) Score(vec []float64) (float64, error) {
	var sum, weightSum, max float64
	used := 0

	for _, m := range e.models {
		if !m.Trained() {
			continue
		}
		s, err := m.Score(vec)
		if err != nil {
			if errors.Is(err, ErrNotTrained) {
				continue
			}
			return 0, err
		}
		used++

		switch e.voting {
		case VotingMax:
			if s > max {
				max = s
			}
		case VotingAverage:
			sum += s
			weightSum++
		default:
			w := e.weights[m.Name()]
			sum += s * w
			weightSum += w
		}
	}

	if used == 0 {
		return 0, ErrNoTrainedModels
	}

	switch e.voting {
	case VotingMax:
		return clamp01(max), nil
	default:
		if weightSum == 0 {
			return 0, ErrNoTrainedModels
		}
		return clamp01(sum / weightSum), nil
	}
}

// Importance aggregates member importances by ensemble weight.
func (e *Ensemble) Importance() map[string]float64 {
	agg := make(map[string]float64)
	for _, m := range e.models {
		imp := m.Importance()
		if imp == nil {
			continue
		}
		w := e.weights[m.Name()]
		if e.voting != VotingWeighted || w == 0 {
			w = 1
		}
		for col, v := range imp {
			agg[col] += v * w
		}
	}
	normalizeWeights(agg)
	if len(agg) == 0 {
		return nil
	}
	return agg
}

// Status reports the per-member training state and weights.
func (e *Ensemble) Status() Status {
	st := Status{
		Version:   e.version,
		Voting:    e.voting,
		TrainedAt: e.trainedAt,
		Trained:   e.Trained(),
	}
	for _, m := range e.models {
		st.Members = append(st.Members, MemberStatus{
			Name:       m.Name(),
			Supervised: m.Supervised(),
			Trained:    m.Trained(),
			Weight:     e.weights[m.Name()],
		})
	}
	return st
}

// Weights returns a copy of the member weights.
func (e *Ensemble) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

type ensembleState struct {
	Version   string                     `json:"version"`
	Voting    string                     `json:"voting"`
	Columns   []string                   `json:"columns"`
	Weights   map[string]float64         `json:"weights"`
	TrainedAt time.Time                  `json:"trainedAt"`
	Members   map[string]json.RawMessage `json:"members"`
}

// State serializes the whole ensemble for the artifact store.
func (e *Ensemble) State() ([]byte, error) {
	members := make(map[string]json.RawMessage, len(e.models))
	for _, m := range e.models {
		raw, err := m.State()
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", m.Name(), err)
		}
		members[m.Name()] = raw
	}
	return json.Marshal(ensembleState{
		Version:   e.version,
		Voting:    e.voting,
		Columns:   e.columns,
		Weights:   e.weights,
		TrainedAt: e.trainedAt,
		Members:   members,
	})
}

// Restore rebuilds a trained ensemble from serialized state.
func (e *Ensemble) Restore(state []byte) error {
	var s ensembleState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	for _, m := range e.models {
		raw, ok := s.Members[m.Name()]
		if !ok {
			continue
		}
		if err := m.Restore(raw); err != nil {
			return fmt.Errorf("restore %s: %w", m.Name(), err)
		}
	}
	e.version = s.Version
	if s.Voting != "" {
		e.voting = s.Voting
	}
	e.columns = s.Columns
	e.weights = s.Weights
	if e.weights == nil {
		e.weights = make(map[string]float64)
	}
	e.trainedAt = s.TrainedAt
	return nil
}
