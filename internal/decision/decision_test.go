package decision

import (
	"math"
	"testing"

	"github.com/opensource-finance/merlin/internal/domain"
)

func sig(fraudType domain.FraudType, risk, conf float64) domain.FraudSignal {
	return domain.FraudSignal{
		SignalType: "test",
		FraudType:  fraudType,
		RiskScore:  risk,
		Confidence: conf,
	}
}

func testScorer() *Scorer         { return NewScorer(domain.DefaultConfig().Decision) }
func testDeterminer() *Determiner { return NewDeterminer(domain.DefaultConfig().Decision) }

func TestScoreNoSignals(t *testing.T) {
	if got := testScorer().Score(nil); got != 0 {
		t.Errorf("Score(nil) = %f, want 0", got)
	}
}

func TestScoreSingleSignal(t *testing.T) {
	// One signal: multiplier is 1, score is just the risk.
	got := testScorer().Score([]domain.FraudSignal{sig(domain.FraudPayment, 0.6, 0.9)})
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("Score = %f, want 0.6", got)
	}
}

func TestScoreConfidenceWeighting(t *testing.T) {
	signals := []domain.FraudSignal{
		sig(domain.FraudPayment, 0.8, 0.9),
		sig(domain.FraudPayment, 0.2, 0.1),
	}
	// base = (0.8*0.9 + 0.2*0.1) / 1.0 = 0.74, multiplier 1.1
	got := testScorer().Score(signals)
	want := 0.74 * 1.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %f, want %f", got, want)
	}
}

func TestScoreMultiplierCap(t *testing.T) {
	var signals []domain.FraudSignal
	for i := 0; i < 10; i++ {
		signals = append(signals, sig(domain.FraudPayment, 0.5, 0.8))
	}
	// 10 signals would give multiplier 1.9 uncapped; cap is 1.5.
	got := testScorer().Score(signals)
	want := 0.5 * 1.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Score = %f, want %f", got, want)
	}
}

func TestScoreClamped(t *testing.T) {
	var signals []domain.FraudSignal
	for i := 0; i < 8; i++ {
		signals = append(signals, sig(domain.FraudPayment, 0.95, 0.9))
	}
	got := testScorer().Score(signals)
	if got > 1.0 {
		t.Errorf("Score = %f, exceeds 1.0", got)
	}
	if got != 1.0 {
		t.Errorf("Score = %f, want clamped to exactly 1.0", got)
	}
}

func TestScoreIgnoresZeroConfidence(t *testing.T) {
	signals := []domain.FraudSignal{
		sig(domain.FraudPayment, 0.6, 0.8),
		sig(domain.FraudPayment, 1.0, 0), // evidentiary only
	}
	got := testScorer().Score(signals)
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("Score = %f, want 0.6 with zero-confidence signal ignored", got)
	}
}

func TestScoreDeterministic(t *testing.T) {
	signals := []domain.FraudSignal{
		sig(domain.FraudPayment, 0.7, 0.9),
		sig(domain.FraudMoneyLaundering, 0.4, 0.6),
		sig(domain.FraudCard, 0.55, 0.8),
	}
	s := testScorer()
	first := s.Score(signals)
	for i := 0; i < 5; i++ {
		if got := s.Score(signals); got != first {
			t.Fatalf("run %d: Score = %f, want %f", i, got, first)
		}
	}
}

func TestDetermineThresholds(t *testing.T) {
	d := testDeterminer()
	tests := []struct {
		score float64
		want  domain.Action
	}{
		{0.0, domain.ActionAllow},
		{0.49, domain.ActionAllow},
		{0.5, domain.ActionReview},
		{0.69, domain.ActionReview},
		{0.7, domain.ActionChallenge},
		{0.89, domain.ActionChallenge},
		{0.9, domain.ActionBlock},
		{1.0, domain.ActionBlock},
	}

	for _, tt := range tests {
		signals := []domain.FraudSignal{sig(domain.FraudPayment, tt.score, 0.9)}
		if got := d.Determine(tt.score, signals); got != tt.want {
			t.Errorf("Determine(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestCriticalOverride(t *testing.T) {
	d := testDeterminer()

	t.Run("takeover at 0.8 blocks", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudAccountTakeover, 0.8, 0.9)}
		if got := d.Determine(0.8, signals); got != domain.ActionBlock {
			t.Errorf("got %s, want block", got)
		}
	})

	t.Run("identity theft at 0.85 blocks", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudIdentityTheft, 0.85, 0.9)}
		if got := d.Determine(0.85, signals); got != domain.ActionBlock {
			t.Errorf("got %s, want block", got)
		}
	})

	t.Run("payment fraud at 0.8 only challenges", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudPayment, 0.8, 0.9)}
		if got := d.Determine(0.8, signals); got != domain.ActionChallenge {
			t.Errorf("got %s, want challenge", got)
		}
	})

	t.Run("takeover below override follows thresholds", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudAccountTakeover, 0.75, 0.9)}
		if got := d.Determine(0.75, signals); got != domain.ActionChallenge {
			t.Errorf("got %s, want challenge", got)
		}
	})
}

func TestEscalateForLaundering(t *testing.T) {
	d := testDeterminer()

	t.Run("laundering at 0.9 escalates", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudMoneyLaundering, 0.92, 0.9)}
		if got := d.Determine(0.92, signals); got != domain.ActionEscalate {
			t.Errorf("got %s, want escalate", got)
		}
	})

	t.Run("laundering below 0.9 does not escalate", func(t *testing.T) {
		signals := []domain.FraudSignal{sig(domain.FraudMoneyLaundering, 0.85, 0.9)}
		if got := d.Determine(0.85, signals); got != domain.ActionChallenge {
			t.Errorf("got %s, want challenge", got)
		}
	})

	t.Run("takeover override beats escalate", func(t *testing.T) {
		signals := []domain.FraudSignal{
			sig(domain.FraudMoneyLaundering, 0.92, 0.9),
			sig(domain.FraudAccountTakeover, 0.9, 0.9),
		}
		if got := d.Determine(0.92, signals); got != domain.ActionBlock {
			t.Errorf("got %s, want block", got)
		}
	})
}

func TestLevelBands(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0.0, domain.RiskVeryLow},
		{0.29, domain.RiskVeryLow},
		{0.3, domain.RiskLow},
		{0.5, domain.RiskMedium},
		{0.7, domain.RiskHigh},
		{0.9, domain.RiskCritical},
		{1.0, domain.RiskCritical},
	}
	for _, tt := range tests {
		if got := domain.LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
