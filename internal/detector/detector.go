// Package detector orchestrates the assessment pipeline: feature
// extraction, rules, behavioral and model scoring, and the final
// decision. The scoring path is synchronous; baselines are updated
// only after an assessment completes.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/merlin/internal/decision"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
	"github.com/opensource-finance/merlin/internal/geo"
	"github.com/opensource-finance/merlin/internal/model"
	"github.com/opensource-finance/merlin/internal/profile"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/velocity"
)

// EngineVersion is reported in assessment metadata.
const EngineVersion = "1.0.0"

// Signal emission thresholds for the analysis layers.
const (
	behavioralSignalThreshold = 0.5
	deviceSignalThreshold     = 0.6
	networkSignalThreshold    = 0.5
)

// Deps are the collaborators a detector needs. Repo, Cache and Bus
// are optional; a nil value disables that concern.
type Deps struct {
	Features *feature.Engineer
	Profiles *profile.Store
	Velocity *velocity.Tracker
	Rules    *rules.Engine
	Geo      *geo.Resolver

	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
}

// Detector runs assessments and owns the live ensemble.
type Detector struct {
	cfg        *domain.Config
	features   *feature.Engineer
	profiles   *profile.Store
	velocity   *velocity.Tracker
	rules      *rules.Engine
	geoip      *geo.Resolver
	scorer     *decision.Scorer
	determiner *decision.Determiner

	ensemble atomic.Pointer[model.Ensemble]

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	feedback *feedbackTracker
	stats    *statsTracker
}

// New builds a detector. The ensemble starts untrained; call
// TrainEnsemble or RestoreEnsemble to enable model signals.
func New(cfg *domain.Config, deps Deps) *Detector {
	return &Detector{
		cfg:        cfg,
		features:   deps.Features,
		profiles:   deps.Profiles,
		velocity:   deps.Velocity,
		rules:      deps.Rules,
		geoip:      deps.Geo,
		scorer:     decision.NewScorer(cfg.Decision),
		determiner: decision.NewDeterminer(cfg.Decision),
		repo:       deps.Repo,
		cache:      deps.Cache,
		bus:        deps.Bus,
		feedback:   newFeedbackTracker(cfg.Retrain.FalsePositiveWindow),
		stats:      newStatsTracker(),
	}
}

// AssessTransaction scores one transaction. Feature extraction
// failures abort with a typed error; any other internal failure
// degrades to the safe default instead of failing open.
func (d *Detector) AssessTransaction(ctx context.Context, ev *domain.TransactionEvent) (*domain.FraudAssessment, error) {
	start := time.Now()
	now := start.UTC()

	// One velocity snapshot per assessment: rules and features see the
	// same counts.
	snap := d.velocity.SnapshotAt(ev.TenantID, ev.UserID, ev.Timestamp)
	hist := d.profiles.History(ev.TenantID, ev.UserID, ev.Timestamp, ev.DeviceID, ev.Country)
	hist.Velocity1h = float64(snap.Count1h)
	hist.Velocity24h = float64(snap.Count24h)
	hist.Velocity7d = float64(snap.Count7d)

	feats, err := d.features.Extract(ev, hist)
	if err != nil {
		return nil, fmt.Errorf("assess transaction %s: %w", ev.ID, err)
	}
	featureMs := time.Since(start).Milliseconds()

	a := &domain.FraudAssessment{
		AssessmentID: uuid.New().String(),
		TenantID:     ev.TenantID,
		EntityID:     ev.UserID,
		EntityType:   "transaction",
		EventID:      ev.ID,
		Timestamp:    now,
		ExpiresAt:    now.Add(domain.TransactionAssessmentTTL),
	}

	degraded := d.runGuarded(a, func() {
		rulesStart := time.Now()
		signals := d.rules.EvaluateTransaction(ctx, ev, &rules.TransactionContext{Velocity: snap})
		a.Metadata.RulesEvaluated = len(signals)

		// Behavioral deviation from the user's baseline.
		behavioral := d.profiles.TransactionAnomalyScore(ev.TenantID, ev)
		a.BehavioralAnalysis = map[string]interface{}{
			"anomaly_score": behavioral,
			"threshold":     behavioralSignalThreshold,
		}
		if behavioral > behavioralSignalThreshold {
			signals = append(signals, *analysisSignal("behavioral_anomaly", domain.FraudAccountTakeover,
				behavioral, 0.8, "Transaction deviates from the user's behavioral baseline", "behavioral"))
		}

		deviceScore, deviceDetails := d.rules.DeviceAnalysis(ev.DeviceID, ev.UserAgent, hist.KnownDevice)
		a.DeviceAnalysis = deviceDetails
		if deviceScore > deviceSignalThreshold {
			signals = append(signals, *analysisSignal("device_risk", domain.FraudAccountTakeover,
				deviceScore, 0.7, "Device indicators exceed risk threshold", "device"))
		}

		networkScore, networkDetails := d.rules.NetworkAnalysis(ev.IPAddress, ev.Country)
		a.NetworkAnalysis = networkDetails
		if networkScore > networkSignalThreshold {
			signals = append(signals, *analysisSignal("network_risk", domain.FraudPayment,
				networkScore, 0.6, "Network indicators exceed risk threshold", "network"))
		}
		a.Metadata.RulesMs = time.Since(rulesStart).Milliseconds()

		modelStart := time.Now()
		if sig := d.modelSignal(feats.Vector(), &a.Metadata); sig != nil {
			signals = append(signals, *sig)
		}
		a.Metadata.ModelMs = time.Since(modelStart).Milliseconds()

		a.Signals = signals
		a.OverallScore = d.scorer.Score(signals)
		a.RiskLevel = domain.LevelForScore(a.OverallScore)
		a.Action = d.determiner.Determine(a.OverallScore, signals)
		a.Explanations = d.explain(a)
	})

	if degraded {
		d.applyFallback(a, domain.ActionReview)
	}

	a.Metadata.FeatureMs = featureMs
	a.Metadata.EngineVersion = EngineVersion
	a.Metadata.TotalMs = time.Since(start).Milliseconds()

	d.finishTransaction(ctx, ev, feats, a)
	return a, nil
}

// AssessLogin scores one authentication attempt.
func (d *Detector) AssessLogin(ctx context.Context, ev *domain.LoginEvent) (*domain.FraudAssessment, error) {
	start := time.Now()
	now := start.UTC()

	if ev.ID == "" || ev.UserID == "" {
		return nil, &feature.ExtractionError{Field: "id/userId", Reason: "is required"}
	}
	if ev.Timestamp.IsZero() {
		return nil, &feature.ExtractionError{Field: "timestamp", Reason: "is required"}
	}

	a := &domain.FraudAssessment{
		AssessmentID: uuid.New().String(),
		TenantID:     ev.TenantID,
		EntityID:     ev.UserID,
		EntityType:   "login",
		EventID:      ev.ID,
		Timestamp:    now,
		ExpiresAt:    now.Add(domain.LoginAssessmentTTL),
	}

	degraded := d.runGuarded(a, func() {
		lc := d.loginContext(ev)

		rulesStart := time.Now()
		signals := d.rules.EvaluateLogin(ctx, ev, lc)
		a.Metadata.RulesEvaluated = len(signals)

		behavioral := d.profiles.LoginAnomalyScore(ev.TenantID, ev)
		a.BehavioralAnalysis = map[string]interface{}{
			"anomaly_score": behavioral,
			"threshold":     behavioralSignalThreshold,
		}
		if behavioral > behavioralSignalThreshold {
			signals = append(signals, *analysisSignal("login_pattern_anomaly", domain.FraudAccountTakeover,
				behavioral, 0.8, "Login deviates from the user's usual pattern", "behavioral"))
		}

		deviceScore, deviceDetails := d.rules.DeviceAnalysis(ev.DeviceID, ev.UserAgent, lc.KnownDevice)
		a.DeviceAnalysis = deviceDetails
		if deviceScore > deviceSignalThreshold {
			signals = append(signals, *analysisSignal("device_risk", domain.FraudAccountTakeover,
				deviceScore, 0.7, "Device indicators exceed risk threshold", "device"))
		}

		networkScore, networkDetails := d.rules.NetworkAnalysis(ev.IPAddress, ev.Country)
		a.NetworkAnalysis = networkDetails
		if networkScore > networkSignalThreshold {
			signals = append(signals, *analysisSignal("network_risk", domain.FraudAccountTakeover,
				networkScore, 0.6, "Network indicators exceed risk threshold", "network"))
		}
		a.Metadata.RulesMs = time.Since(rulesStart).Milliseconds()

		a.Signals = signals
		a.OverallScore = d.scorer.Score(signals)
		a.RiskLevel = domain.LevelForScore(a.OverallScore)
		a.Action = d.determiner.Determine(a.OverallScore, signals)
		a.Explanations = d.explain(a)
	})

	if degraded {
		d.applyFallback(a, domain.ActionChallenge)
	}

	a.Metadata.EngineVersion = EngineVersion
	a.Metadata.TotalMs = time.Since(start).Milliseconds()

	d.finishLogin(ctx, ev, a)
	return a, nil
}

// loginContext assembles the per-login evaluation state, resolving the
// IP when the event carries no coordinates and a resolver is present.
func (d *Detector) loginContext(ev *domain.LoginEvent) *rules.LoginContext {
	lc := &rules.LoginContext{
		KnownDevice: d.profiles.KnownDevice(ev.TenantID, ev.UserID, ev.DeviceID),
	}
	if lat, lon, at, ok := d.profiles.LastGeo(ev.TenantID, ev.UserID); ok {
		lc.HasLastGeo = true
		lc.LastLat, lc.LastLon, lc.LastGeoAt = lat, lon, at
	}
	if ev.Latitude == nil && d.geoip != nil {
		if loc, ok := d.geoip.Resolve(ev.IPAddress); ok {
			lc.Location = &loc
			if ev.Country == "" {
				ev.Country = loc.Country
			}
		}
	}
	return lc
}

// modelSignal scores the feature vector with the live ensemble and
// emits a signal above the configured threshold. An untrained or
// absent ensemble contributes nothing.
func (d *Detector) modelSignal(vec []float64, meta *domain.AssessmentMetadata) *domain.FraudSignal {
	ens := d.ensemble.Load()
	if ens == nil || !ens.Trained() {
		return nil
	}
	score, err := ens.Score(vec)
	if err != nil {
		slog.Warn("ensemble scoring failed", "error", err)
		return nil
	}
	meta.ModelVersion = ens.Version()
	if score <= d.cfg.Models.SignalThreshold {
		return nil
	}
	sig := analysisSignal("ml_anomaly", domain.FraudPayment, score, 0.9,
		"Model ensemble flags this event as likely fraud", "ml_ensemble")
	sig.Evidence = map[string]interface{}{"model_version": ens.Version(), "ensemble_score": score}
	return sig
}

// runGuarded executes the scoring pipeline, converting panics into a
// degraded result.
func (d *Detector) runGuarded(a *domain.FraudAssessment, fn func()) (degraded bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("assessment pipeline failed",
				"assessment_id", a.AssessmentID,
				"tenant_id", a.TenantID,
				"panic", fmt.Sprint(r))
			degraded = true
		}
	}()
	fn()
	return false
}

// applyFallback sets the safe default decision used when the pipeline
// could not complete.
func (d *Detector) applyFallback(a *domain.FraudAssessment, action domain.Action) {
	a.OverallScore = 0.5
	a.RiskLevel = domain.RiskMedium
	a.Action = action
	a.Signals = nil
	a.Explanations = []string{"Assessment degraded: manual verification required"}
	a.Metadata.Degraded = true
}

// finishTransaction applies post-assessment side effects: persistence,
// caching, events, and baseline updates. Failures are logged, never
// propagated into the scoring result.
func (d *Detector) finishTransaction(ctx context.Context, ev *domain.TransactionEvent, feats *feature.Features, a *domain.FraudAssessment) {
	if d.repo != nil {
		if err := d.repo.SaveTransactionEvent(ctx, ev.TenantID, ev); err != nil {
			slog.Error("save transaction failed", "event_id", ev.ID, "error", err)
		}
		if err := d.repo.SaveAssessment(ctx, a.TenantID, a); err != nil {
			slog.Error("save assessment failed", "assessment_id", a.AssessmentID, "error", err)
		}
		row := &domain.TrainingRow{
			EventID:   ev.ID,
			TenantID:  ev.TenantID,
			Vector:    feats.Vector(),
			CreatedAt: a.Timestamp,
		}
		if err := d.repo.SaveTrainingRow(ctx, ev.TenantID, row); err != nil {
			slog.Error("save training row failed", "event_id", ev.ID, "error", err)
		}
	}

	d.cacheSummary(ctx, a)
	d.publish(ctx, a)

	// Baselines move only after the assessment completes, so the event
	// never influences its own scoring.
	d.velocity.Record(ev.TenantID, ev.UserID, ev.Amount, ev.Timestamp)
	d.profiles.UpdateTransaction(ev.TenantID, ev)
	d.stats.record(a)
}

func (d *Detector) finishLogin(ctx context.Context, ev *domain.LoginEvent, a *domain.FraudAssessment) {
	if d.repo != nil {
		if err := d.repo.SaveLoginEvent(ctx, ev.TenantID, ev); err != nil {
			slog.Error("save login failed", "event_id", ev.ID, "error", err)
		}
		if err := d.repo.SaveAssessment(ctx, a.TenantID, a); err != nil {
			slog.Error("save assessment failed", "assessment_id", a.AssessmentID, "error", err)
		}
	}

	d.cacheSummary(ctx, a)
	d.publish(ctx, a)

	d.profiles.UpdateLogin(ev.TenantID, ev)
	d.stats.record(a)
}

func (d *Detector) cacheSummary(ctx context.Context, a *domain.FraudAssessment) {
	if d.cache == nil {
		return
	}
	summary := &domain.AssessmentSummary{
		AssessmentID: a.AssessmentID,
		EventID:      a.EventID,
		EntityID:     a.EntityID,
		EntityType:   a.EntityType,
		RiskScore:    a.OverallScore,
		RiskLevel:    a.RiskLevel,
		Action:       a.Action,
		SignalCount:  len(a.Signals),
		ExpiresAt:    a.ExpiresAt,
	}
	ttl := time.Until(a.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := d.cache.SetAssessment(ctx, a.TenantID, a.AssessmentID, summary, ttl); err != nil {
		slog.Warn("cache assessment failed", "assessment_id", a.AssessmentID, "error", err)
	}
}

func (d *Detector) publish(ctx context.Context, a *domain.FraudAssessment) {
	if d.bus == nil {
		return
	}
	payload, err := encodeAssessment(a)
	if err != nil {
		slog.Error("encode assessment failed", "assessment_id", a.AssessmentID, "error", err)
		return
	}
	if err := d.bus.Publish(ctx, a.TenantID, domain.TopicAssessment, payload); err != nil {
		slog.Warn("publish assessment failed", "assessment_id", a.AssessmentID, "error", err)
	}
	if a.Alerting() {
		if err := d.bus.Publish(ctx, a.TenantID, domain.TopicAlert, payload); err != nil {
			slog.Warn("publish alert failed", "assessment_id", a.AssessmentID, "error", err)
		}
	}
}

// GetAssessment serves a cached summary inside the validity window,
// falling back to the repository.
func (d *Detector) GetAssessment(ctx context.Context, tenantID, assessmentID string) (*domain.FraudAssessment, error) {
	if d.repo == nil {
		return nil, fmt.Errorf("no repository configured")
	}
	return d.repo.GetAssessment(ctx, tenantID, assessmentID)
}

// GetAssessmentSummary checks the cache first; a miss returns nil.
func (d *Detector) GetAssessmentSummary(ctx context.Context, tenantID, assessmentID string) (*domain.AssessmentSummary, error) {
	if d.cache == nil {
		return nil, nil
	}
	return d.cache.GetAssessment(ctx, tenantID, assessmentID)
}

// ModelStatus reports the live ensemble state.
func (d *Detector) ModelStatus() model.Status {
	ens := d.ensemble.Load()
	if ens == nil {
		return model.Status{Voting: d.cfg.Models.Voting}
	}
	return ens.Status()
}

func analysisSignal(signalType string, fraudType domain.FraudType, risk, conf float64, desc, source string) *domain.FraudSignal {
	if risk > 1 {
		risk = 1
	}
	return &domain.FraudSignal{
		SignalID:    uuid.New().String(),
		SignalType:  signalType,
		FraudType:   fraudType,
		RiskScore:   risk,
		Confidence:  conf,
		Severity:    domain.SeverityForScore(risk),
		Description: desc,
		Source:      source,
		Timestamp:   time.Now().UTC(),
	}
}
