// Package feature turns raw events into the fixed numeric vector the
// models consume. Extraction is pure: same event and history in, same
// vector out.
package feature

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// ExtractionError reports a mandatory field missing or invalid on the
// incoming event. Extraction aborts; there is no partial vector.
type ExtractionError struct {
	Field  string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("feature extraction: field %q %s", e.Field, e.Reason)
}

// History carries the per-user historical inputs for extraction.
// Callers assemble it from the profile store and a velocity snapshot
// taken at the start of the assessment. The zero value is a brand-new
// user: all derived features default to zero.
type History struct {
	Velocity1h  float64
	Velocity24h float64
	Velocity7d  float64

	AvgAmount    float64
	StdAmount    float64
	AvgAmount30d float64

	AccountAgeDays     float64
	TxCount30d         float64
	UniqueMerchants30d float64

	KnownDevice   bool
	KnownLocation bool

	// UsualHours holds the user's most frequent transaction hours.
	// Empty means no baseline, so no hour counts as unusual.
	UsualHours map[int]bool
}

// Columns is the pinned feature vector layout. Models record this at
// train time and refuse vectors with a different shape.
var Columns = []string{
	"amount",
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"amount_zscore",
	"velocity_1h",
	"velocity_24h",
	"velocity_7d",
	"user_age_days",
	"avg_transaction_amount",
	"transaction_count_30d",
	"unique_merchants_30d",
	"new_device",
	"new_location",
	"unusual_time",
	"high_risk_merchant",
}

// Features is the extracted vector with named accessors.
type Features struct {
	Amount           float64
	HourOfDay        float64
	DayOfWeek        float64
	IsWeekend        float64
	AmountZScore     float64
	Velocity1h       float64
	Velocity24h      float64
	Velocity7d       float64
	UserAgeDays      float64
	AvgAmount        float64
	TxCount30d       float64
	UniqueMerchants  float64
	NewDevice        float64
	NewLocation      float64
	UnusualTime      float64
	HighRiskMerchant float64
}

// Vector returns the features in Columns order.
func (f *Features) Vector() []float64 {
	return []float64{
		f.Amount,
		f.HourOfDay,
		f.DayOfWeek,
		f.IsWeekend,
		f.AmountZScore,
		f.Velocity1h,
		f.Velocity24h,
		f.Velocity7d,
		f.UserAgeDays,
		f.AvgAmount,
		f.TxCount30d,
		f.UniqueMerchants,
		f.NewDevice,
		f.NewLocation,
		f.UnusualTime,
		f.HighRiskMerchant,
	}
}

// Engineer extracts feature vectors from transaction events.
type Engineer struct {
	highRiskMerchants map[string]bool
}

// NewEngineer builds an engineer with the configured high-risk
// merchant categories.
func NewEngineer(cfg domain.RulesConfig) *Engineer {
	cats := make(map[string]bool, len(cfg.HighRiskMerchantCats))
	for _, c := range cfg.HighRiskMerchantCats {
		cats[strings.ToLower(c)] = true
	}
	return &Engineer{highRiskMerchants: cats}
}

// Extract validates the event and derives the feature vector.
func (e *Engineer) Extract(ev *domain.TransactionEvent, hist *History) (*Features, error) {
	if ev.ID == "" {
		return nil, &ExtractionError{Field: "id", Reason: "is required"}
	}
	if ev.UserID == "" {
		return nil, &ExtractionError{Field: "userId", Reason: "is required"}
	}
	if ev.Amount <= 0 {
		return nil, &ExtractionError{Field: "amount", Reason: "must be positive"}
	}
	if ev.Currency == "" {
		return nil, &ExtractionError{Field: "currency", Reason: "is required"}
	}
	if ev.Timestamp.IsZero() {
		return nil, &ExtractionError{Field: "timestamp", Reason: "is required"}
	}

	if hist == nil {
		hist = &History{}
	}

	ts := ev.Timestamp.UTC()
	f := &Features{
		Amount:          ev.Amount,
		HourOfDay:       float64(ts.Hour()),
		DayOfWeek:       float64(ts.Weekday()),
		Velocity1h:      hist.Velocity1h,
		Velocity24h:     hist.Velocity24h,
		Velocity7d:      hist.Velocity7d,
		UserAgeDays:     hist.AccountAgeDays,
		AvgAmount:       hist.AvgAmount30d,
		TxCount30d:      hist.TxCount30d,
		UniqueMerchants: hist.UniqueMerchants30d,
	}

	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		f.IsWeekend = 1
	}
	if hist.StdAmount > 0 {
		f.AmountZScore = (ev.Amount - hist.AvgAmount) / hist.StdAmount
	}
	if ev.DeviceID != "" && !hist.KnownDevice {
		f.NewDevice = 1
	}
	if ev.Country != "" && !hist.KnownLocation {
		f.NewLocation = 1
	}
	if len(hist.UsualHours) > 0 && !hist.UsualHours[ts.Hour()] {
		f.UnusualTime = 1
	}
	if e.highRiskMerchants[strings.ToLower(ev.MerchantCategory)] {
		f.HighRiskMerchant = 1
	}

	return f, nil
}
