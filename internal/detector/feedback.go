package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
	"github.com/opensource-finance/merlin/internal/model"
)

// feedbackTracker keeps a per-tenant ring of recent alert outcomes so
// the retrain monitor can watch the false positive rate.
type feedbackTracker struct {
	mu     sync.Mutex
	window int
	rings  map[string]*outcomeRing
}

type outcomeRing struct {
	outcomes []bool // true = false positive
	next     int
	filled   bool
}

func newFeedbackTracker(window int) *feedbackTracker {
	if window <= 0 {
		window = 100
	}
	return &feedbackTracker{window: window, rings: make(map[string]*outcomeRing)}
}

func (t *feedbackTracker) record(tenantID string, falsePositive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.rings[tenantID]
	if !ok {
		ring = &outcomeRing{outcomes: make([]bool, t.window)}
		t.rings[tenantID] = ring
	}
	ring.outcomes[ring.next] = falsePositive
	ring.next++
	if ring.next >= len(ring.outcomes) {
		ring.next = 0
		ring.filled = true
	}
}

// rate returns the false positive fraction and the number of samples
// it is based on.
func (t *feedbackTracker) rate(tenantID string) (float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.rings[tenantID]
	if !ok {
		return 0, 0
	}
	n := ring.next
	if ring.filled {
		n = len(ring.outcomes)
	}
	if n == 0 {
		return 0, 0
	}
	fp := 0
	for i := 0; i < n; i++ {
		if ring.outcomes[i] {
			fp++
		}
	}
	return float64(fp) / float64(n), n
}

// RecordFeedback stores an analyst verdict, labels the matching
// training row, and updates the false positive window.
func (d *Detector) RecordFeedback(ctx context.Context, tenantID string, req *domain.FeedbackRequest) (*domain.Feedback, error) {
	if req.AssessmentID == "" && req.EventID == "" {
		return nil, &feature.ExtractionError{Field: "assessmentId/eventId", Reason: "one is required"}
	}

	fb := &domain.Feedback{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		AssessmentID: req.AssessmentID,
		EventID:      req.EventID,
		IsFraud:      req.IsFraud,
		Source:       req.Source,
		Notes:        req.Notes,
		CreatedAt:    time.Now().UTC(),
	}
	if fb.Source == "" {
		fb.Source = "analyst"
	}

	if d.repo == nil {
		return nil, fmt.Errorf("no repository configured")
	}
	if err := d.repo.SaveFeedback(ctx, tenantID, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}

	// Resolve the assessment from whichever reference came in, so the
	// false positive window moves on both paths.
	eventID := fb.EventID
	var a *domain.FraudAssessment
	var err error
	if fb.AssessmentID != "" {
		a, err = d.repo.GetAssessment(ctx, tenantID, fb.AssessmentID)
	} else {
		a, err = d.repo.GetAssessmentByEvent(ctx, tenantID, fb.EventID)
	}
	if err == nil && a != nil {
		if eventID == "" {
			eventID = a.EventID
		}
		d.feedback.record(tenantID, a.Alerting() && !fb.IsFraud)
	}

	if eventID != "" {
		if err := d.repo.LabelTrainingRow(ctx, tenantID, eventID, fb.IsFraud); err != nil {
			slog.Warn("label training row failed", "event_id", eventID, "error", err)
		}
	}

	if d.bus != nil {
		if payload, err := json.Marshal(fb); err == nil {
			if err := d.bus.Publish(ctx, tenantID, domain.TopicFeedback, payload); err != nil {
				slog.Warn("publish feedback failed", "feedback_id", fb.ID, "error", err)
			}
		}
	}
	return fb, nil
}

// RetrainNeeded reports whether the retrain triggers have fired: the
// recent false positive rate is over the configured limit, or the live
// ensemble is older than the configured maximum age.
func (d *Detector) RetrainNeeded(tenantID string) (bool, string) {
	cfg := d.cfg.Retrain
	if rate, n := d.feedback.rate(tenantID); n >= 20 && rate > cfg.FalsePositiveRate {
		return true, fmt.Sprintf("false positive rate %.2f over last %d outcomes", rate, n)
	}
	if ens := d.ensemble.Load(); ens != nil && ens.Trained() && cfg.MaxModelAgeDays > 0 {
		age := time.Since(ens.TrainedAt())
		if age > time.Duration(cfg.MaxModelAgeDays)*24*time.Hour {
			return true, fmt.Sprintf("model age %s exceeds %d days", age.Truncate(time.Hour), cfg.MaxModelAgeDays)
		}
	}
	return false, ""
}

// TrainEnsemble trains a fresh ensemble from the captured training
// rows and atomically swaps it in. The previous ensemble keeps serving
// until the swap.
func (d *Detector) TrainEnsemble(ctx context.Context, tenantID string) (model.Status, error) {
	if d.repo == nil {
		return model.Status{}, fmt.Errorf("no repository configured")
	}
	rows, err := d.repo.ListTrainingRows(ctx, tenantID, 0)
	if err != nil {
		return model.Status{}, fmt.Errorf("list training rows: %w", err)
	}
	min := d.cfg.Retrain.MinTrainingEvents
	if min <= 0 {
		min = 10
	}
	if len(rows) < min {
		return model.Status{}, fmt.Errorf("insufficient training data: %d rows, need %d", len(rows), min)
	}

	ds := buildDataset(rows)
	ens := model.NewEnsemble(d.cfg.Models)
	if err := ens.Train(ds); err != nil {
		return model.Status{}, fmt.Errorf("train ensemble: %w", err)
	}
	d.ensemble.Store(ens)

	if state, err := ens.State(); err == nil {
		artifact := &domain.ModelArtifact{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			Version:   ens.Version(),
			Voting:    d.cfg.Models.Voting,
			Columns:   feature.Columns,
			State:     state,
			TrainedAt: ens.TrainedAt(),
			CreatedAt: time.Now().UTC(),
		}
		if err := d.repo.SaveModelArtifact(ctx, tenantID, artifact); err != nil {
			slog.Error("save model artifact failed", "version", ens.Version(), "error", err)
		}
	}

	if d.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"version":    ens.Version(),
			"trained_at": ens.TrainedAt(),
			"rows":       len(rows),
		})
		if err := d.bus.Publish(ctx, tenantID, domain.TopicModelRetrain, payload); err != nil {
			slog.Warn("publish retrain failed", "version", ens.Version(), "error", err)
		}
	}

	slog.Info("ensemble trained", "tenant_id", tenantID, "version", ens.Version(), "rows", len(rows))
	return ens.Status(), nil
}

// RestoreEnsemble loads the latest persisted artifact, if any.
func (d *Detector) RestoreEnsemble(ctx context.Context, tenantID string) error {
	if d.repo == nil {
		return nil
	}
	artifact, err := d.repo.GetLatestModelArtifact(ctx, tenantID)
	if err != nil {
		return err
	}
	if artifact == nil {
		return nil
	}
	ens := model.NewEnsemble(d.cfg.Models)
	if err := ens.Restore(artifact.State); err != nil {
		return fmt.Errorf("restore ensemble %s: %w", artifact.Version, err)
	}
	d.ensemble.Store(ens)
	slog.Info("ensemble restored", "tenant_id", tenantID, "version", artifact.Version)
	return nil
}

// buildDataset converts captured rows into a training dataset. Labels
// are attached only when at least one row was labeled; otherwise the
// dataset stays unlabeled and only anomaly models train.
func buildDataset(rows []*domain.TrainingRow) *model.Dataset {
	ds := &model.Dataset{Columns: feature.Columns}
	labeled := false
	for _, r := range rows {
		if r.Label != nil {
			labeled = true
			break
		}
	}
	for _, r := range rows {
		ds.Rows = append(ds.Rows, r.Vector)
		if labeled {
			label := 0.0
			if r.Label != nil {
				label = *r.Label
			}
			ds.Labels = append(ds.Labels, label)
		}
	}
	return ds
}

func encodeAssessment(a *domain.FraudAssessment) ([]byte, error) {
	return json.Marshal(a)
}
