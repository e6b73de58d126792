package detector

import (
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Stats is a point-in-time counter snapshot for the stats endpoint.
type Stats struct {
	Assessments int64            `json:"assessments"`
	Alerts      int64            `json:"alerts"`
	Degraded    int64            `json:"degraded"`
	ByAction    map[string]int64 `json:"byAction"`
	ByLevel     map[string]int64 `json:"byLevel"`
}

type statsTracker struct {
	mu          sync.Mutex
	assessments int64
	alerts      int64
	degraded    int64
	byAction    map[domain.Action]int64
	byLevel     map[domain.RiskLevel]int64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		byAction: make(map[domain.Action]int64),
		byLevel:  make(map[domain.RiskLevel]int64),
	}
}

func (t *statsTracker) record(a *domain.FraudAssessment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assessments++
	if a.Alerting() {
		t.alerts++
	}
	if a.Metadata.Degraded {
		t.degraded++
	}
	t.byAction[a.Action]++
	t.byLevel[a.RiskLevel]++
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Assessments: t.assessments,
		Alerts:      t.alerts,
		Degraded:    t.degraded,
		ByAction:    make(map[string]int64, len(t.byAction)),
		ByLevel:     make(map[string]int64, len(t.byLevel)),
	}
	for action, n := range t.byAction {
		s.ByAction[string(action)] = n
	}
	for level, n := range t.byLevel {
		s.ByLevel[string(level)] = n
	}
	return s
}

// Stats returns the counters accumulated since startup.
func (d *Detector) Stats() Stats {
	return d.stats.snapshot()
}
