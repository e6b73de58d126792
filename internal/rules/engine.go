// Package rules provides the built-in fraud rule catalogue. Rules are
// explicit comparisons against configured thresholds; they never
// evaluate dynamic expressions.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/geo"
	"github.com/opensource-finance/merlin/internal/velocity"
)

// Engine evaluates the rule catalogue against incoming events.
type Engine struct {
	cfg               domain.RulesConfig
	highRiskCountries map[string]bool
	blacklistDevices  map[string]bool
	blacklistIPs      map[string]bool
	txRules           []txRule
	loginRules        []loginRule
	maxWorkers        int
}

// txRule is one comparison check over a transaction. A nil return
// means the rule did not fire.
type txRule struct {
	id   string
	eval func(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal
}

// loginRule is one comparison check over a login attempt.
type loginRule struct {
	id   string
	eval func(e *Engine, ev *domain.LoginEvent, lc *LoginContext) *domain.FraudSignal
}

// TransactionContext carries the shared per-assessment state rules
// read. The velocity snapshot is taken once so every rule sees the
// same counts.
type TransactionContext struct {
	Velocity *velocity.Snapshot
}

// LoginContext carries the login-assessment state rules read.
type LoginContext struct {
	KnownDevice bool

	// Last recorded geolocation for the user, if any.
	HasLastGeo bool
	LastLat    float64
	LastLon    float64
	LastGeoAt  time.Time

	// Location resolved for the current event, if any.
	Location *geo.Location
}

// NewEngine builds the catalogue with the configured thresholds.
// Zero-valued thresholds fall back to the shipped defaults.
func NewEngine(cfg domain.RulesConfig, maxWorkers int) *Engine {
	defaults := domain.DefaultConfig().Rules
	if cfg.LargeAmountThreshold <= 0 {
		cfg.LargeAmountThreshold = defaults.LargeAmountThreshold
	}
	if cfg.RoundAmountMin <= 0 {
		cfg.RoundAmountMin = defaults.RoundAmountMin
	}
	if cfg.StructuringBandLow <= 0 {
		cfg.StructuringBandLow = defaults.StructuringBandLow
	}
	if cfg.StructuringBandHigh <= 0 {
		cfg.StructuringBandHigh = defaults.StructuringBandHigh
	}
	if cfg.StructuringMinCount <= 0 {
		cfg.StructuringMinCount = defaults.StructuringMinCount
	}
	if cfg.VelocityCountThreshold <= 0 {
		cfg.VelocityCountThreshold = defaults.VelocityCountThreshold
	}
	if cfg.VelocityAmountThreshold <= 0 {
		cfg.VelocityAmountThreshold = defaults.VelocityAmountThreshold
	}
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = defaults.FailedLoginThreshold
	}
	if cfg.TravelSpeedKmh <= 0 {
		cfg.TravelSpeedKmh = defaults.TravelSpeedKmh
	}
	if len(cfg.HighRiskMerchantCats) == 0 {
		cfg.HighRiskMerchantCats = defaults.HighRiskMerchantCats
	}
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	return &Engine{
		cfg:               cfg,
		highRiskCountries: toSet(cfg.HighRiskCountries),
		blacklistDevices:  toSet(cfg.BlacklistedDevices),
		blacklistIPs:      toSet(cfg.BlacklistedIPs),
		txRules:           transactionCatalogue(),
		loginRules:        loginCatalogue(),
		maxWorkers:        maxWorkers,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// EvaluateTransaction runs every transaction rule. Rules run in
// parallel bounded by the worker limit; a panicking rule yields an
// error signal instead of aborting the assessment.
func (e *Engine) EvaluateTransaction(ctx context.Context, ev *domain.TransactionEvent, tc *TransactionContext) []domain.FraudSignal {
	if tc == nil {
		tc = &TransactionContext{}
	}
	if tc.Velocity == nil {
		tc.Velocity = &velocity.Snapshot{}
	}

	results := make([]*domain.FraudSignal, len(e.txRules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, r := range e.txRules {
		wg.Add(1)
		go func(idx int, rule txRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.runTxRule(rule, ev, tc)
		}(i, r)
	}
	wg.Wait()

	return collect(results)
}

// EvaluateLogin runs every login rule.
func (e *Engine) EvaluateLogin(ctx context.Context, ev *domain.LoginEvent, lc *LoginContext) []domain.FraudSignal {
	if lc == nil {
		lc = &LoginContext{}
	}

	results := make([]*domain.FraudSignal, len(e.loginRules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, r := range e.loginRules {
		wg.Add(1)
		go func(idx int, rule loginRule) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.runLoginRule(rule, ev, lc)
		}(i, r)
	}
	wg.Wait()

	return collect(results)
}

func (e *Engine) runTxRule(rule txRule, ev *domain.TransactionEvent, tc *TransactionContext) (sig *domain.FraudSignal) {
	defer func() {
		if r := recover(); r != nil {
			sig = errorSignal(rule.id, r)
		}
	}()
	return rule.eval(e, ev, tc)
}

func (e *Engine) runLoginRule(rule loginRule, ev *domain.LoginEvent, lc *LoginContext) (sig *domain.FraudSignal) {
	defer func() {
		if r := recover(); r != nil {
			sig = errorSignal(rule.id, r)
		}
	}()
	return rule.eval(e, ev, lc)
}

func collect(results []*domain.FraudSignal) []domain.FraudSignal {
	signals := make([]domain.FraudSignal, 0, len(results))
	for _, s := range results {
		if s != nil {
			signals = append(signals, *s)
		}
	}
	return signals
}

// errorSignal records a failed rule as evidence with zero weight so
// it never moves the score but stays visible in the assessment.
func errorSignal(ruleID string, cause any) *domain.FraudSignal {
	return &domain.FraudSignal{
		SignalID:    uuid.New().String(),
		SignalType:  "rule_error",
		FraudType:   domain.FraudPayment,
		RiskScore:   0,
		Confidence:  0,
		Severity:    domain.SeverityLow,
		Description: fmt.Sprintf("rule %s failed to evaluate", ruleID),
		Evidence:    map[string]interface{}{"rule": ruleID, "error": fmt.Sprint(cause)},
		Source:      "rule_engine",
		Timestamp:   time.Now().UTC(),
	}
}

func newSignal(signalType string, fraudType domain.FraudType, risk, confidence float64, desc string, evidence map[string]interface{}) *domain.FraudSignal {
	return &domain.FraudSignal{
		SignalID:    uuid.New().String(),
		SignalType:  signalType,
		FraudType:   fraudType,
		RiskScore:   clamp01(risk),
		Confidence:  clamp01(confidence),
		Severity:    domain.SeverityForScore(clamp01(risk)),
		Description: desc,
		Evidence:    evidence,
		Source:      "rule_engine",
		Timestamp:   time.Now().UTC(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
