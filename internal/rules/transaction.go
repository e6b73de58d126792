package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/merlin/internal/domain"
)

func transactionCatalogue() []txRule {
	return []txRule{
		{id: "large_amount", eval: largeAmountRule},
		{id: "round_amount", eval: roundAmountRule},
		{id: "structuring", eval: structuringRule},
		{id: "velocity_count", eval: velocityCountRule},
		{id: "velocity_amount", eval: velocityAmountRule},
		{id: "high_risk_country", eval: highRiskCountryRule},
	}
}

// largeAmountRule flags transactions above the configured threshold,
// scaling risk with the overshoot.
func largeAmountRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	threshold := e.cfg.LargeAmountThreshold
	if ev.Amount <= threshold {
		return nil
	}
	risk := math.Min(ev.Amount/threshold*0.3, 0.8)
	return newSignal("large_transaction", domain.FraudPayment, risk, 0.9,
		fmt.Sprintf("Transaction amount %.2f exceeds threshold %.2f", ev.Amount, threshold),
		map[string]interface{}{
			"amount":    ev.Amount,
			"threshold": threshold,
		})
}

// roundAmountRule flags suspiciously round amounts, a common money
// laundering tell.
func roundAmountRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	if ev.Amount < e.cfg.RoundAmountMin || math.Mod(ev.Amount, e.cfg.RoundAmountMin) != 0 {
		return nil
	}
	return newSignal("round_amount", domain.FraudMoneyLaundering, 0.3, 0.6,
		fmt.Sprintf("Round transaction amount %.2f", ev.Amount),
		map[string]interface{}{"amount": ev.Amount})
}

// structuringRule detects repeated amounts just under the reporting
// threshold within 24 hours.
func structuringRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	low, high := e.cfg.StructuringBandLow, e.cfg.StructuringBandHigh
	if ev.Amount < low || ev.Amount >= high {
		return nil
	}

	inBand := 1 // the current transaction
	for _, amt := range tc.Velocity.Amounts24h {
		if amt >= low && amt < high {
			inBand++
		}
	}
	if inBand < e.cfg.StructuringMinCount {
		return nil
	}

	return newSignal("structuring", domain.FraudMoneyLaundering, 0.75, 0.85,
		fmt.Sprintf("%d transactions in the %.0f-%.0f band within 24 hours", inBand, low, high),
		map[string]interface{}{
			"band_count": inBand,
			"band_low":   low,
			"band_high":  high,
		})
}

// velocityCountRule flags an abnormal number of transactions in 24h.
func velocityCountRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	threshold := e.cfg.VelocityCountThreshold
	count := tc.Velocity.Count24h
	if count <= threshold {
		return nil
	}
	risk := math.Min(float64(count)/float64(threshold)*0.5, 0.9)
	return newSignal("velocity_count", domain.FraudPayment, risk, 0.8,
		fmt.Sprintf("%d transactions in 24 hours exceeds limit %d", count, threshold),
		map[string]interface{}{
			"count":     count,
			"threshold": threshold,
		})
}

// velocityAmountRule flags abnormal total volume in 24h.
func velocityAmountRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	threshold := e.cfg.VelocityAmountThreshold
	total := tc.Velocity.Sum24h + ev.Amount
	if total <= threshold {
		return nil
	}
	risk := math.Min(total/threshold*0.4, 0.8)
	return newSignal("velocity_amount", domain.FraudMoneyLaundering, risk, 0.8,
		fmt.Sprintf("Total volume %.2f in 24 hours exceeds limit %.2f", total, threshold),
		map[string]interface{}{
			"total":     total,
			"threshold": threshold,
		})
}

// highRiskCountryRule flags transactions originating from configured
// high-risk jurisdictions.
func highRiskCountryRule(e *Engine, ev *domain.TransactionEvent, tc *TransactionContext) *domain.FraudSignal {
	if ev.Country == "" || !e.highRiskCountries[ev.Country] {
		return nil
	}
	return newSignal("high_risk_country", domain.FraudPayment, 0.6, 0.8,
		fmt.Sprintf("Transaction from high-risk country %s", ev.Country),
		map[string]interface{}{"country": ev.Country})
}
