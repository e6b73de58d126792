package model

import (
	"encoding/json"
	"math"
	"math/rand"
)

// IsolationForest isolates anomalies with random split trees: outliers
// take fewer splits to isolate, so shorter average path lengths mean
// higher anomaly scores.
type IsolationForest struct {
	trees      []*isoNode
	columns    int
	sampleSize int

	numTrees int
	maxSize  int
	seed     int64
}

type isoNode struct {
	Col   int      `json:"col,omitempty"`
	Split float64  `json:"split,omitempty"`
	Left  *isoNode `json:"left,omitempty"`
	Right *isoNode `json:"right,omitempty"`
	Size  int      `json:"size,omitempty"`
}

// NewIsolationForest builds an untrained forest.
func NewIsolationForest(numTrees, sampleSize int, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &IsolationForest{numTrees: numTrees, maxSize: sampleSize, seed: seed}
}

func (f *IsolationForest) Name() string     { return "isolation_forest" }
func (f *IsolationForest) Supervised() bool { return false }
func (f *IsolationForest) Trained() bool    { return len(f.trees) > 0 }

// Importance is not defined for random split trees.
func (f *IsolationForest) Importance() map[string]float64 { return nil }

// Train fits the forest on subsamples of the dataset.
func (f *IsolationForest) Train(ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(f.seed))
	sample := f.maxSize
	if sample > len(ds.Rows) {
		sample = len(ds.Rows)
	}
	depthLimit := int(math.Ceil(math.Log2(float64(sample)))) + 1

	trees := make([]*isoNode, f.numTrees)
	for t := range trees {
		idx := rng.Perm(len(ds.Rows))[:sample]
		rows := make([][]float64, sample)
		for i, id := range idx {
			rows[i] = ds.Rows[id]
		}
		trees[t] = buildIsoTree(rows, 0, depthLimit, rng)
	}

	f.trees = trees
	f.columns = len(ds.Columns)
	f.sampleSize = sample
	return nil
}

func buildIsoTree(rows [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if len(rows) <= 1 || depth >= limit {
		return &isoNode{Size: len(rows)}
	}

	// Pick a split column with spread; give up after a few tries when
	// all remaining values are identical.
	width := len(rows[0])
	for attempt := 0; attempt < 8; attempt++ {
		col := rng.Intn(width)
		lo, hi := rows[0][col], rows[0][col]
		for _, r := range rows {
			if r[col] < lo {
				lo = r[col]
			}
			if r[col] > hi {
				hi = r[col]
			}
		}
		if lo == hi {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, r := range rows {
			if r[col] < split {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &isoNode{
			Col:   col,
			Split: split,
			Left:  buildIsoTree(left, depth+1, limit, rng),
			Right: buildIsoTree(right, depth+1, limit, rng),
		}
	}
	return &isoNode{Size: len(rows)}
}

// pathLength walks the tree, adding the average-path correction at
// external nodes holding more than one sample.
func pathLength(node *isoNode, vec []float64, depth float64) float64 {
	if node.Left == nil && node.Right == nil {
		if node.Size > 1 {
			return depth + avgPath(node.Size)
		}
		return depth
	}
	if vec[node.Col] < node.Split {
		return pathLength(node.Left, vec, depth+1)
	}
	return pathLength(node.Right, vec, depth+1)
}

// avgPath is c(n), the average path length of an unsuccessful BST
// search, used to normalize isolation depth.
func avgPath(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

// Score returns 2^(-E[h(x)] / c(sample)): close to 1 for anomalies,
// around 0.5 or below for inliers.
func (f *IsolationForest) Score(vec []float64) (float64, error) {
	if !f.Trained() {
		return 0, ErrNotTrained
	}
	v, err := checkVector(vec, f.columns)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, v, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/avgPath(f.sampleSize)), nil
}

type isoState struct {
	Trees      []*isoNode `json:"trees"`
	Columns    int        `json:"columns"`
	SampleSize int        `json:"sampleSize"`
	NumTrees   int        `json:"numTrees"`
	MaxSize    int        `json:"maxSize"`
	Seed       int64      `json:"seed"`
}

func (f *IsolationForest) State() ([]byte, error) {
	return json.Marshal(isoState{
		Trees:      f.trees,
		Columns:    f.columns,
		SampleSize: f.sampleSize,
		NumTrees:   f.numTrees,
		MaxSize:    f.maxSize,
		Seed:       f.seed,
	})
}

func (f *IsolationForest) Restore(state []byte) error {
	var s isoState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	f.trees = s.Trees
	f.columns = s.Columns
	f.sampleSize = s.SampleSize
	f.numTrees = s.NumTrees
	f.maxSize = s.MaxSize
	f.seed = s.Seed
	return nil
}
