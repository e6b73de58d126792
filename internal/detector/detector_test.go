package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
	"github.com/opensource-finance/merlin/internal/profile"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/velocity"
)

// memRepo is an in-memory Repository for detector tests.
type memRepo struct {
	mu           sync.Mutex
	transactions map[string]*domain.TransactionEvent
	logins       map[string]*domain.LoginEvent
	assessments  map[string]*domain.FraudAssessment
	artifacts    []*domain.ModelArtifact
	rows         map[string]*domain.TrainingRow
	feedback     []*domain.Feedback
}

func newMemRepo() *memRepo {
	return &memRepo{
		transactions: make(map[string]*domain.TransactionEvent),
		logins:       make(map[string]*domain.LoginEvent),
		assessments:  make(map[string]*domain.FraudAssessment),
		rows:         make(map[string]*domain.TrainingRow),
	}
}

func (r *memRepo) SaveTransactionEvent(_ context.Context, _ string, ev *domain.TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[ev.ID] = ev
	return nil
}

func (r *memRepo) GetTransactionEvent(_ context.Context, _ string, eventID string) (*domain.TransactionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.transactions[eventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (r *memRepo) GetTransactionsByUser(_ context.Context, _ string, userID string, since time.Time) ([]*domain.TransactionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TransactionEvent
	for _, ev := range r.transactions {
		if ev.UserID == userID && ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memRepo) SaveLoginEvent(_ context.Context, _ string, ev *domain.LoginEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins[ev.ID] = ev
	return nil
}

func (r *memRepo) GetLoginsByUser(_ context.Context, _ string, userID string, since time.Time) ([]*domain.LoginEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.LoginEvent
	for _, ev := range r.logins {
		if ev.UserID == userID && ev.Timestamp.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memRepo) SaveAssessment(_ context.Context, _ string, a *domain.FraudAssessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessments[a.AssessmentID] = a
	return nil
}

func (r *memRepo) GetAssessment(_ context.Context, _ string, assessmentID string) (*domain.FraudAssessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assessments[assessmentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (r *memRepo) GetAssessmentByEvent(_ context.Context, _ string, eventID string) (*domain.FraudAssessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.assessments {
		if a.EventID == eventID {
			return a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRepo) ListAlerts(_ context.Context, _ string, since time.Time, _ int) ([]*domain.FraudAssessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FraudAssessment
	for _, a := range r.assessments {
		if a.Alerting() && a.Timestamp.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) SaveModelArtifact(_ context.Context, _ string, artifact *domain.ModelArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, artifact)
	return nil
}

func (r *memRepo) GetLatestModelArtifact(_ context.Context, _ string) (*domain.ModelArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.artifacts) == 0 {
		return nil, nil
	}
	return r.artifacts[len(r.artifacts)-1], nil
}

func (r *memRepo) SaveTrainingRow(_ context.Context, _ string, row *domain.TrainingRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.EventID] = row
	return nil
}

func (r *memRepo) LabelTrainingRow(_ context.Context, _ string, eventID string, isFraud bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	label := 0.0
	if isFraud {
		label = 1.0
	}
	row.Label = &label
	return nil
}

func (r *memRepo) ListTrainingRows(_ context.Context, _ string, _ int) ([]*domain.TrainingRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TrainingRow, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out, nil
}

func (r *memRepo) SaveFeedback(_ context.Context, _ string, fb *domain.Feedback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, fb)
	return nil
}

func (r *memRepo) ListFeedback(_ context.Context, _ string, _ int) ([]*domain.Feedback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Feedback(nil), r.feedback...), nil
}

func (r *memRepo) Ping(_ context.Context) error { return nil }
func (r *memRepo) Close() error                 { return nil }

// memBus records published messages per topic.
type memBus struct {
	mu     sync.Mutex
	topics map[domain.Topic]int
}

func newMemBus() *memBus { return &memBus{topics: make(map[domain.Topic]int)} }

func (b *memBus) Publish(_ context.Context, _ string, topic domain.Topic, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic]++
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string, _ domain.Topic, _ domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) Request(_ context.Context, _ string, _ domain.Topic, _ []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) Ping(_ context.Context) error { return nil }
func (b *memBus) Close() error                 { return nil }

func (b *memBus) count(topic domain.Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[topic]
}

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Rules.HighRiskCountries = []string{"XX", "YY"}
	cfg.Retrain.MinTrainingEvents = 10
	return cfg
}

func newTestDetector(cfg *domain.Config, repo domain.Repository, bus domain.EventBus) *Detector {
	return New(cfg, Deps{
		Features: feature.NewEngineer(cfg.Rules),
		Profiles: profile.NewStore(cfg.Profile),
		Velocity: velocity.NewTracker(),
		Rules:    rules.NewEngine(cfg.Rules, 8),
		Repo:     repo,
		Bus:      bus,
	})
}

func txEvent(id, userID string, amount float64, ts time.Time) *domain.TransactionEvent {
	return &domain.TransactionEvent{
		ID:               id,
		TenantID:         "tenant-1",
		UserID:           userID,
		Amount:           amount,
		Currency:         "USD",
		MerchantID:       "merch-1",
		MerchantCategory: "retail",
		Country:          "US",
		DeviceID:         "device-1",
		IPAddress:        "203.0.113.10",
		UserAgent:        "Mozilla/5.0",
		Timestamp:        ts,
	}
}

func TestAssessTransactionLowRisk(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)

	a, err := d.AssessTransaction(context.Background(), txEvent("tx-1", "user-1", 500, time.Now()))
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}
	if a.OverallScore != 0 {
		t.Errorf("score = %v, want 0", a.OverallScore)
	}
	if a.Action != domain.ActionAllow {
		t.Errorf("action = %v, want allow", a.Action)
	}
	if a.RiskLevel != domain.RiskVeryLow {
		t.Errorf("level = %v, want very_low", a.RiskLevel)
	}
	if a.Metadata.Degraded {
		t.Error("assessment unexpectedly degraded")
	}
}

func TestAssessTransactionHighRisk(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)
	now := time.Now()

	// Burst of prior activity in the last 24 hours.
	for i := 0; i < 60; i++ {
		d.velocity.Record("tenant-1", "user-2", 100, now.Add(-time.Duration(i)*time.Minute))
	}

	ev := txEvent("tx-big", "user-2", 15000, now)
	ev.Country = "XX"
	a, err := d.AssessTransaction(context.Background(), ev)
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}
	if len(a.Signals) < 3 {
		t.Fatalf("signals = %d, want >= 3", len(a.Signals))
	}
	if a.OverallScore <= 0.5 {
		t.Errorf("score = %v, want > 0.5", a.OverallScore)
	}
	if a.Action == domain.ActionAllow {
		t.Errorf("action = %v, want review or stronger", a.Action)
	}
	if len(a.Explanations) == 0 {
		t.Error("expected explanations for alerting assessment")
	}
}

func TestAssessTransactionStructuring(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)
	now := time.Now()

	if _, err := d.AssessTransaction(context.Background(), txEvent("tx-a", "user-3", 9500, now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}
	if _, err := d.AssessTransaction(context.Background(), txEvent("tx-b", "user-3", 9800, now.Add(-time.Hour))); err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}
	a, err := d.AssessTransaction(context.Background(), txEvent("tx-c", "user-3", 9600, now))
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}

	var structuring *domain.FraudSignal
	for i := range a.Signals {
		if a.Signals[i].SignalType == "structuring" {
			structuring = &a.Signals[i]
		}
	}
	if structuring == nil {
		t.Fatal("expected structuring signal on third sub-threshold transaction")
	}
	if structuring.Severity != domain.SeverityHigh {
		t.Errorf("structuring severity = %v, want high", structuring.Severity)
	}
	if a.RiskLevel == domain.RiskVeryLow || a.RiskLevel == domain.RiskLow {
		t.Errorf("level = %v, want medium or above", a.RiskLevel)
	}
}

func TestAssessTransactionValidation(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)

	ev := txEvent("tx-bad", "user-4", 0, time.Now())
	_, err := d.AssessTransaction(context.Background(), ev)
	var extErr *feature.ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("error = %v, want ExtractionError", err)
	}
}

func TestAssessTransactionSideEffects(t *testing.T) {
	repo := newMemRepo()
	bus := newMemBus()
	d := newTestDetector(testConfig(), repo, bus)
	now := time.Now()

	for i := 0; i < 60; i++ {
		d.velocity.Record("tenant-1", "user-5", 100, now.Add(-time.Duration(i)*time.Minute))
	}
	ev := txEvent("tx-alert", "user-5", 15000, now)
	ev.Country = "XX"
	a, err := d.AssessTransaction(context.Background(), ev)
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}

	if _, ok := repo.transactions["tx-alert"]; !ok {
		t.Error("transaction event not persisted")
	}
	if _, ok := repo.assessments[a.AssessmentID]; !ok {
		t.Error("assessment not persisted")
	}
	if _, ok := repo.rows["tx-alert"]; !ok {
		t.Error("training row not captured")
	}
	if bus.count(domain.TopicAssessment) != 1 {
		t.Errorf("assessment publishes = %d, want 1", bus.count(domain.TopicAssessment))
	}
	if !a.Alerting() {
		t.Fatalf("assessment not alerting, level %v", a.RiskLevel)
	}
	if bus.count(domain.TopicAlert) != 1 {
		t.Errorf("alert publishes = %d, want 1", bus.count(domain.TopicAlert))
	}
}

func TestAssessTransactionDegradedFallback(t *testing.T) {
	cfg := testConfig()
	// No rules engine: the pipeline panics and must degrade, not fail.
	d := New(cfg, Deps{
		Features: feature.NewEngineer(cfg.Rules),
		Profiles: profile.NewStore(cfg.Profile),
		Velocity: velocity.NewTracker(),
	})

	a, err := d.AssessTransaction(context.Background(), txEvent("tx-deg", "user-6", 500, time.Now()))
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}
	if !a.Metadata.Degraded {
		t.Fatal("expected degraded assessment")
	}
	if a.OverallScore != 0.5 {
		t.Errorf("score = %v, want 0.5", a.OverallScore)
	}
	if a.RiskLevel != domain.RiskMedium {
		t.Errorf("level = %v, want medium", a.RiskLevel)
	}
	if a.Action != domain.ActionReview {
		t.Errorf("action = %v, want review", a.Action)
	}
}

func TestAssessLoginNewDeviceAndTravel(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)
	now := time.Now()
	nyLat, nyLon := 40.7128, -74.0060
	londonLat, londonLon := 51.5074, -0.1278

	first := &domain.LoginEvent{
		ID:        "login-1",
		TenantID:  "tenant-1",
		UserID:    "user-7",
		DeviceID:  "device-1",
		IPAddress: "203.0.113.10",
		UserAgent: "Mozilla/5.0",
		Latitude:  &nyLat,
		Longitude: &nyLon,
		Timestamp: now.Add(-30 * time.Minute),
		Success:   true,
	}
	a1, err := d.AssessLogin(context.Background(), first)
	if err != nil {
		t.Fatalf("AssessLogin: %v", err)
	}
	if !hasSignal(a1.Signals, "new_device_login") {
		t.Error("expected new device signal on first login")
	}

	second := &domain.LoginEvent{
		ID:        "login-2",
		TenantID:  "tenant-1",
		UserID:    "user-7",
		DeviceID:  "device-1",
		IPAddress: "198.51.100.20",
		UserAgent: "Mozilla/5.0",
		Latitude:  &londonLat,
		Longitude: &londonLon,
		Timestamp: now,
		Success:   true,
	}
	a2, err := d.AssessLogin(context.Background(), second)
	if err != nil {
		t.Fatalf("AssessLogin: %v", err)
	}
	if hasSignal(a2.Signals, "new_device_login") {
		t.Error("device known after first login, unexpected new device signal")
	}
	if !hasSignal(a2.Signals, "impossible_travel") {
		t.Error("expected impossible travel signal for NY to London in 30 minutes")
	}
	if a2.EntityType != "login" {
		t.Errorf("entity type = %q, want login", a2.EntityType)
	}
	if ttl := a2.ExpiresAt.Sub(a2.Timestamp); ttl != domain.LoginAssessmentTTL {
		t.Errorf("ttl = %v, want %v", ttl, domain.LoginAssessmentTTL)
	}
}

func TestRecordFeedbackLabelsTrainingRow(t *testing.T) {
	repo := newMemRepo()
	d := newTestDetector(testConfig(), repo, nil)

	a, err := d.AssessTransaction(context.Background(), txEvent("tx-fb", "user-8", 500, time.Now()))
	if err != nil {
		t.Fatalf("AssessTransaction: %v", err)
	}

	fb, err := d.RecordFeedback(context.Background(), "tenant-1", &domain.FeedbackRequest{
		AssessmentID: a.AssessmentID,
		IsFraud:      true,
	})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if fb.Source != "analyst" {
		t.Errorf("source = %q, want analyst default", fb.Source)
	}

	row := repo.rows["tx-fb"]
	if row == nil || row.Label == nil {
		t.Fatal("training row not labeled")
	}
	if *row.Label != 1.0 {
		t.Errorf("label = %v, want 1.0", *row.Label)
	}
}

func TestRetrainNeededFalsePositives(t *testing.T) {
	repo := newMemRepo()
	d := newTestDetector(testConfig(), repo, nil)
	ctx := context.Background()
	now := time.Now()

	if needed, _ := d.RetrainNeeded("tenant-1"); needed {
		t.Fatal("retrain needed with no feedback")
	}

	// Thirty alerting assessments, all disputed.
	for i := 0; i < 30; i++ {
		for j := 0; j < 60; j++ {
			d.velocity.Record("tenant-1", fmt.Sprintf("fp-user-%d", i), 100, now.Add(-time.Duration(j)*time.Minute))
		}
		ev := txEvent(fmt.Sprintf("tx-fp-%d", i), fmt.Sprintf("fp-user-%d", i), 15000, now)
		ev.Country = "XX"
		a, err := d.AssessTransaction(ctx, ev)
		if err != nil {
			t.Fatalf("AssessTransaction: %v", err)
		}
		if !a.Alerting() {
			t.Fatalf("assessment %d not alerting", i)
		}
		if _, err := d.RecordFeedback(ctx, "tenant-1", &domain.FeedbackRequest{
			AssessmentID: a.AssessmentID,
			IsFraud:      false,
		}); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}

	needed, reason := d.RetrainNeeded("tenant-1")
	if !needed {
		t.Fatal("expected retrain trigger after sustained false positives")
	}
	if reason == "" {
		t.Error("expected a reason string")
	}
}

func TestRetrainNeededEventKeyedFeedback(t *testing.T) {
	repo := newMemRepo()
	d := newTestDetector(testConfig(), repo, nil)
	ctx := context.Background()
	now := time.Now()

	// Analysts often dispute by event id rather than assessment id. The
	// false positive window has to move on that path too.
	for i := 0; i < 25; i++ {
		for j := 0; j < 60; j++ {
			d.velocity.Record("tenant-1", fmt.Sprintf("ev-user-%d", i), 100, now.Add(-time.Duration(j)*time.Minute))
		}
		ev := txEvent(fmt.Sprintf("tx-ev-%d", i), fmt.Sprintf("ev-user-%d", i), 15000, now)
		ev.Country = "XX"
		a, err := d.AssessTransaction(ctx, ev)
		if err != nil {
			t.Fatalf("AssessTransaction: %v", err)
		}
		if !a.Alerting() {
			t.Fatalf("assessment %d not alerting", i)
		}
		if _, err := d.RecordFeedback(ctx, "tenant-1", &domain.FeedbackRequest{
			EventID: ev.ID,
			IsFraud: false,
		}); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}

	if needed, _ := d.RetrainNeeded("tenant-1"); !needed {
		t.Fatal("expected retrain trigger from event-keyed feedback")
	}
}

func TestTrainEnsembleFromCapturedRows(t *testing.T) {
	repo := newMemRepo()
	d := newTestDetector(testConfig(), repo, nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := d.TrainEnsemble(ctx, "tenant-1"); err == nil {
		t.Fatal("expected error with no training data")
	}

	for i := 0; i < 40; i++ {
		amount := 100 + float64(i%7)*20
		if _, err := d.AssessTransaction(ctx, txEvent(fmt.Sprintf("tx-train-%d", i), fmt.Sprintf("train-user-%d", i%5), amount, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("AssessTransaction: %v", err)
		}
	}

	status, err := d.TrainEnsemble(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("TrainEnsemble: %v", err)
	}
	if !status.Trained {
		t.Fatal("ensemble not trained")
	}
	if len(repo.artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(repo.artifacts))
	}
	if d.ModelStatus().Version != status.Version {
		t.Error("live ensemble version mismatch")
	}

	// A fresh detector restores the persisted artifact.
	d2 := newTestDetector(testConfig(), repo, nil)
	if err := d2.RestoreEnsemble(ctx, "tenant-1"); err != nil {
		t.Fatalf("RestoreEnsemble: %v", err)
	}
	if !d2.ModelStatus().Trained {
		t.Fatal("restored ensemble not trained")
	}
	if d2.ModelStatus().Version != status.Version {
		t.Error("restored version mismatch")
	}
}

func TestStatsCounters(t *testing.T) {
	d := newTestDetector(testConfig(), newMemRepo(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.AssessTransaction(ctx, txEvent(fmt.Sprintf("tx-s-%d", i), "stats-user", 100, time.Now())); err != nil {
			t.Fatalf("AssessTransaction: %v", err)
		}
	}
	s := d.Stats()
	if s.Assessments != 3 {
		t.Errorf("assessments = %d, want 3", s.Assessments)
	}
	if s.ByAction[string(domain.ActionAllow)] != 3 {
		t.Errorf("allow count = %d, want 3", s.ByAction[string(domain.ActionAllow)])
	}
}

func hasSignal(signals []domain.FraudSignal, signalType string) bool {
	for _, s := range signals {
		if s.SignalType == signalType {
			return true
		}
	}
	return false
}
