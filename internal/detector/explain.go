package detector

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/merlin/internal/domain"
)

const maxExplanations = 5

// explain builds analyst-facing reasons from the strongest signals and
// the ensemble's feature importances.
func (d *Detector) explain(a *domain.FraudAssessment) []string {
	if len(a.Signals) == 0 {
		return nil
	}

	sorted := make([]domain.FraudSignal, len(a.Signals))
	copy(sorted, a.Signals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RiskScore*sorted[i].Confidence > sorted[j].RiskScore*sorted[j].Confidence
	})

	var out []string
	for _, sig := range sorted {
		if len(out) >= maxExplanations {
			break
		}
		if sig.Confidence == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("%s (risk %.2f, confidence %.2f)", sig.Description, sig.RiskScore, sig.Confidence))
	}

	if ens := d.ensemble.Load(); ens != nil && ens.Trained() && len(out) < maxExplanations {
		if top, weight := topImportance(ens.Importance()); top != "" {
			out = append(out, fmt.Sprintf("Most influential model feature: %s (%.2f)", top, weight))
		}
	}
	return out
}

func topImportance(importance map[string]float64) (string, float64) {
	var top string
	var best float64
	for name, w := range importance {
		if w > best || (w == best && (top == "" || name < top)) {
			top, best = name, w
		}
	}
	return top, best
}
