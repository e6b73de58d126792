package domain

import (
	"fmt"
	"time"
)

// RiskLevel is the discrete risk classification of an assessment.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelForScore maps a risk score to its level band.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 0.9:
		return RiskCritical
	case score >= 0.7:
		return RiskHigh
	case score >= 0.5:
		return RiskMedium
	case score >= 0.3:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

// Action is the recommended response to an assessed event.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionReview    Action = "review"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
	ActionEscalate  Action = "escalate"
)

// FraudType categorizes the suspected fraud pattern behind a signal.
type FraudType string

const (
	FraudAccountTakeover   FraudType = "account_takeover"
	FraudIdentityTheft     FraudType = "identity_theft"
	FraudPayment           FraudType = "payment_fraud"
	FraudCard              FraudType = "card_fraud"
	FraudMoneyLaundering   FraudType = "money_laundering"
	FraudSyntheticIdentity FraudType = "synthetic_identity"
	FraudWire              FraudType = "wire_fraud"
	FraudCheck             FraudType = "check_fraud"
	FraudPhishing          FraudType = "phishing"
	FraudSocialEngineering FraudType = "social_engineering"
)

var validFraudTypes = map[FraudType]bool{
	FraudAccountTakeover:   true,
	FraudIdentityTheft:     true,
	FraudPayment:           true,
	FraudCard:              true,
	FraudMoneyLaundering:   true,
	FraudSyntheticIdentity: true,
	FraudWire:              true,
	FraudCheck:             true,
	FraudPhishing:          true,
	FraudSocialEngineering: true,
}

// Valid reports whether ft is a known fraud type.
func (ft FraudType) Valid() bool { return validFraudTypes[ft] }

// Severity buckets for signals, derived from the signal risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForScore maps a signal risk score to a severity bucket.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FraudSignal is a single piece of risk evidence produced by a rule,
// a behavioral check, or a model. Signals are value objects; nothing
// mutates them after construction.
type FraudSignal struct {
	SignalID    string                 `json:"signalId"`
	SignalType  string                 `json:"signalType"`
	FraudType   FraudType              `json:"fraudType"`
	RiskScore   float64                `json:"riskScore"`  // 0.0 - 1.0
	Confidence  float64                `json:"confidence"` // 0.0 - 1.0
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Validate checks signal invariants before it enters an assessment.
func (s *FraudSignal) Validate() error {
	if s.RiskScore < 0 || s.RiskScore > 1 {
		return fmt.Errorf("signal %s: risk score %f out of range", s.SignalID, s.RiskScore)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %f out of range", s.SignalID, s.Confidence)
	}
	if !s.FraudType.Valid() {
		return fmt.Errorf("signal %s: unknown fraud type %q", s.SignalID, s.FraudType)
	}
	return nil
}

// FraudAssessment is the complete result of scoring one event.
type FraudAssessment struct {
	AssessmentID string        `json:"assessmentId"`
	TenantID     string        `json:"tenantId"`
	EntityID     string        `json:"entityId"`
	EntityType   string        `json:"entityType"` // "transaction" or "login"
	EventID      string        `json:"eventId"`
	OverallScore float64       `json:"overallRiskScore"`
	RiskLevel    RiskLevel     `json:"riskLevel"`
	Action       Action        `json:"recommendedAction"`
	Signals      []FraudSignal `json:"signals"`

	BehavioralAnalysis map[string]interface{} `json:"behavioralAnalysis,omitempty"`
	DeviceAnalysis     map[string]interface{} `json:"deviceAnalysis,omitempty"`
	NetworkAnalysis    map[string]interface{} `json:"networkAnalysis,omitempty"`

	// Explanations are analyst-facing reasons derived from the top
	// signals and model feature importance.
	Explanations []string `json:"explanations,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`

	Metadata AssessmentMetadata `json:"metadata"`
}

// Expired reports whether the assessment is past its validity window.
func (a *FraudAssessment) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Alerting reports whether the assessment should produce an alert.
func (a *FraudAssessment) Alerting() bool {
	return a.Action != ActionAllow
}

// AssessmentMetadata carries processing information.
type AssessmentMetadata struct {
	TraceID        string `json:"traceId"`
	FeatureMs      int64  `json:"featureMs"`
	RulesMs        int64  `json:"rulesMs"`
	ModelMs        int64  `json:"modelMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	ModelVersion   string `json:"modelVersion,omitempty"`
	EngineVersion  string `json:"engineVersion"`
	Degraded       bool   `json:"degraded,omitempty"`
}

// AssessmentResponse is the API response for an assessment request.
type AssessmentResponse struct {
	AssessmentID string             `json:"assessmentId"`
	EventID      string             `json:"eventId"`
	TenantID     string             `json:"tenantId"`
	RiskScore    float64            `json:"riskScore"`
	RiskLevel    RiskLevel          `json:"riskLevel"`
	Action       Action             `json:"recommendedAction"`
	Reasons      []string           `json:"reasons,omitempty"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	Metadata     AssessmentMetadata `json:"metadata"`
}

// ToResponse converts an assessment to its API representation.
// Reasons carry the descriptions of medium-or-worse signals.
func (a *FraudAssessment) ToResponse() *AssessmentResponse {
	var reasons []string
	for _, s := range a.Signals {
		if s.Severity != SeverityLow {
			reasons = append(reasons, s.Description)
		}
	}
	return &AssessmentResponse{
		AssessmentID: a.AssessmentID,
		EventID:      a.EventID,
		TenantID:     a.TenantID,
		RiskScore:    a.OverallScore,
		RiskLevel:    a.RiskLevel,
		Action:       a.Action,
		Reasons:      reasons,
		ExpiresAt:    a.ExpiresAt,
		Metadata:     a.Metadata,
	}
}

// Assessment validity windows.
const (
	TransactionAssessmentTTL = time.Hour
	LoginAssessmentTTL       = 30 * time.Minute
)
