package model

import "sort"

// AUC computes the area under the ROC curve with the rank-sum
// formulation, handling ties by average rank. Returns 0.5 when one
// class is missing.
func AUC(labels, scores []float64) float64 {
	if len(labels) != len(scores) || len(labels) == 0 {
		return 0.5
	}

	type pair struct {
		score float64
		label float64
	}
	pairs := make([]pair, len(labels))
	for i := range labels {
		pairs[i] = pair{scores[i], labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	// Assign average ranks across tied scores.
	ranks := make([]float64, len(pairs))
	i := 0
	for i < len(pairs) {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}

	var posRankSum float64
	var nPos, nNeg float64
	for k, p := range pairs {
		if p.label > 0.5 {
			posRankSum += ranks[k]
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (posRankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}
