// Package decision aggregates fraud signals into the final risk score
// and recommended action. Both steps are pure: the same signals always
// produce the same decision.
package decision

import (
	"math"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Scorer combines signal scores with confidence weighting and a
// multi-signal amplifier.
type Scorer struct {
	maxMultiplier float64
}

// NewScorer builds a scorer from decision config.
func NewScorer(cfg domain.DecisionConfig) *Scorer {
	maxMult := cfg.MaxMultiplier
	if maxMult < 1 {
		maxMult = 1.5
	}
	return &Scorer{maxMultiplier: maxMult}
}

// Score returns the confidence-weighted mean of signal risk scores,
// amplified by 10% per additional signal up to the cap, clamped to
// [0,1]. Zero-confidence signals carry no weight. No signals means no
// risk.
func (s *Scorer) Score(signals []domain.FraudSignal) float64 {
	var weighted, confidence float64
	n := 0
	for _, sig := range signals {
		if sig.Confidence <= 0 {
			continue
		}
		weighted += sig.RiskScore * sig.Confidence
		confidence += sig.Confidence
		n++
	}
	if n == 0 || confidence == 0 {
		return 0
	}

	base := weighted / confidence
	multiplier := math.Min(1+0.1*float64(n-1), s.maxMultiplier)
	return clamp01(base * multiplier)
}

// Determiner maps a score and its signals to a recommended action.
type Determiner struct {
	cfg domain.DecisionConfig
}

// NewDeterminer builds a determiner from decision config. Zero-valued
// thresholds fall back to the shipped defaults.
func NewDeterminer(cfg domain.DecisionConfig) *Determiner {
	defaults := domain.DefaultConfig().Decision
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = defaults.ReviewThreshold
	}
	if cfg.ChallengeThreshold <= 0 {
		cfg.ChallengeThreshold = defaults.ChallengeThreshold
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = defaults.BlockThreshold
	}
	if cfg.CriticalOverrideScore <= 0 {
		cfg.CriticalOverrideScore = defaults.CriticalOverrideScore
	}
	if cfg.EscalateScore <= 0 {
		cfg.EscalateScore = defaults.EscalateScore
	}
	return &Determiner{cfg: cfg}
}

// Determine maps the overall score to an action. Account takeover and
// identity theft signals force a block once the score reaches the
// critical override; laundering signals at the escalate score route to
// a human queue instead of an automatic block.
func (d *Determiner) Determine(score float64, signals []domain.FraudSignal) domain.Action {
	if score >= d.cfg.CriticalOverrideScore && hasFraudType(signals, domain.FraudAccountTakeover, domain.FraudIdentityTheft) {
		return domain.ActionBlock
	}
	if score >= d.cfg.EscalateScore && hasFraudType(signals, domain.FraudMoneyLaundering) {
		return domain.ActionEscalate
	}

	switch {
	case score >= d.cfg.BlockThreshold:
		return domain.ActionBlock
	case score >= d.cfg.ChallengeThreshold:
		return domain.ActionChallenge
	case score >= d.cfg.ReviewThreshold:
		return domain.ActionReview
	default:
		return domain.ActionAllow
	}
}

func hasFraudType(signals []domain.FraudSignal, types ...domain.FraudType) bool {
	for _, sig := range signals {
		for _, t := range types {
			if sig.FraudType == t {
				return true
			}
		}
	}
	return false
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
