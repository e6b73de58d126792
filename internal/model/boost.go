package model

import (
	"encoding/json"
)

// GradientBoost fits decision stumps to residuals: each round adds a
// one-split tree correcting what the running prediction still gets
// wrong.
type GradientBoost struct {
	base    float64
	stumps  []stump
	gains   []float64
	columns []string

	rounds int
	rate   float64
	fitted bool
}

type stump struct {
	Col   int     `json:"col"`
	Split float64 `json:"split"`
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// NewGradientBoost builds an untrained booster.
func NewGradientBoost(rounds int, rate float64) *GradientBoost {
	if rounds <= 0 {
		rounds = 50
	}
	if rate <= 0 {
		rate = 0.1
	}
	return &GradientBoost{rounds: rounds, rate: rate}
}

func (g *GradientBoost) Name() string     { return "gradient_boost" }
func (g *GradientBoost) Supervised() bool { return true }
func (g *GradientBoost) Trained() bool    { return g.fitted }

func (g *GradientBoost) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if !ds.Labeled() {
		return ErrNoLabels
	}

	n := len(ds.Rows)
	width := len(ds.Columns)

	var base float64
	for _, y := range ds.Labels {
		base += y
	}
	base /= float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}

	stumps := make([]stump, 0, g.rounds)
	gains := make([]float64, width)

	for round := 0; round < g.rounds; round++ {
		residual := make([]float64, n)
		for i := range residual {
			residual[i] = ds.Labels[i] - pred[i]
		}

		st, gain, ok := bestStump(ds.Rows, residual, width)
		if !ok {
			break
		}
		stumps = append(stumps, st)
		gains[st.Col] += gain

		for i, row := range ds.Rows {
			if row[st.Col] < st.Split {
				pred[i] += g.rate * st.Left
			} else {
				pred[i] += g.rate * st.Right
			}
		}
	}

	g.base = base
	g.stumps = stumps
	g.gains = gains
	g.columns = append([]string(nil), ds.Columns...)
	g.fitted = true
	return nil
}

// bestStump scans candidate splits per column and keeps the one with
// the largest squared-error reduction over the residuals.
func bestStump(rows [][]float64, residual []float64, width int) (stump, float64, bool) {
	var best stump
	bestGain := 0.0
	found := false

	var baseSSE float64
	mean := meanOf(residual)
	for _, r := range residual {
		d := r - mean
		baseSSE += d * d
	}

	for col := 0; col < width; col++ {
		values := make([]float64, len(rows))
		for i, row := range rows {
			values[i] = row[col]
		}

		for _, q := range []float64{0.1, 0.25, 0.5, 0.75, 0.9} {
			split := quantile(values, q)

			var sumL, sumR float64
			var nL, nR int
			for i, row := range rows {
				if row[col] < split {
					sumL += residual[i]
					nL++
				} else {
					sumR += residual[i]
					nR++
				}
			}
			if nL == 0 || nR == 0 {
				continue
			}
			meanL, meanR := sumL/float64(nL), sumR/float64(nR)

			var sse float64
			for i, row := range rows {
				var d float64
				if row[col] < split {
					d = residual[i] - meanL
				} else {
					d = residual[i] - meanR
				}
				sse += d * d
			}

			gain := baseSSE - sse
			if gain > bestGain {
				bestGain = gain
				best = stump{Col: col, Split: split, Left: meanL, Right: meanR}
				found = true
			}
		}
	}
	return best, bestGain, found
}

func meanOf(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func (g *GradientBoost) Score(vec []float64) (float64, error) {
	if !g.fitted {
		return 0, ErrNotTrained
	}
	v, err := checkVector(vec, len(g.columns))
	if err != nil {
		return 0, err
	}

	pred := g.base
	for _, st := range g.stumps {
		if v[st.Col] < st.Split {
			pred += g.rate * st.Left
		} else {
			pred += g.rate * st.Right
		}
	}
	return clamp01(pred), nil
}

// Importance normalizes accumulated split gains to sum to 1.
func (g *GradientBoost) Importance() map[string]float64 {
	if !g.fitted {
		return nil
	}
	var total float64
	for _, gain := range g.gains {
		total += gain
	}
	if total == 0 {
		return nil
	}
	imp := make(map[string]float64, len(g.columns))
	for j, col := range g.columns {
		if g.gains[j] > 0 {
			imp[col] = g.gains[j] / total
		}
	}
	return imp
}

type boostState struct {
	Base    float64   `json:"base"`
	Stumps  []stump   `json:"stumps"`
	Gains   []float64 `json:"gains"`
	Columns []string  `json:"columns"`
	Rounds  int       `json:"rounds"`
	Rate    float64   `json:"rate"`
	Fitted  bool      `json:"fitted"`
}

func (g *GradientBoost) State() ([]byte, error) {
	return json.Marshal(boostState{
		Base:    g.base,
		Stumps:  g.stumps,
		Gains:   g.gains,
		Columns: g.columns,
		Rounds:  g.rounds,
		Rate:    g.rate,
		Fitted:  g.fitted,
	})
}

func (g *GradientBoost) Restore(state []byte) error {
	var s boostState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	g.base = s.Base
	g.stumps = s.Stumps
	g.gains = s.Gains
	g.columns = s.Columns
	g.rounds = s.Rounds
	g.rate = s.Rate
	g.fitted = s.Fitted
	return nil
}
