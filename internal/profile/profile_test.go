package profile

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

func testStore() *Store {
	return NewStore(domain.DefaultConfig().Profile)
}

func txEvent(userID string, amount float64, ts time.Time) *domain.TransactionEvent {
	return &domain.TransactionEvent{
		ID:        "tx",
		UserID:    userID,
		Amount:    amount,
		Currency:  "USD",
		Timestamp: ts,
	}
}

func TestUnknownUserScoresZero(t *testing.T) {
	s := testStore()

	score := s.TransactionAnomalyScore("t1", txEvent("nobody", 100, time.Now()))
	if score != 0 {
		t.Errorf("expected 0 for unknown user, got %f", score)
	}
}

func TestTransactionAnomalyBuckets(t *testing.T) {
	s := testStore()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday 10:00

	// Build a baseline: weekday morning transactions around 100 at the
	// same merchant.
	for i := 0; i < 20; i++ {
		ev := txEvent("u1", 95+float64(i%10), base.Add(time.Duration(i)*time.Minute))
		ev.MerchantID = "m-1"
		ev.MerchantCategory = "groceries"
		s.UpdateTransaction("t1", ev)
	}

	t.Run("conforming transaction", func(t *testing.T) {
		ev := txEvent("u1", 100, base.Add(30*time.Minute))
		ev.MerchantID = "m-1"
		ev.MerchantCategory = "groceries"
		if score := s.TransactionAnomalyScore("t1", ev); score != 0 {
			t.Errorf("expected 0 for conforming transaction, got %f", score)
		}
	})

	t.Run("extreme amount", func(t *testing.T) {
		ev := txEvent("u1", 5000, base.Add(30*time.Minute))
		ev.MerchantID = "m-1"
		ev.MerchantCategory = "groceries"
		score := s.TransactionAnomalyScore("t1", ev)
		if score < weightExtremeAmount {
			t.Errorf("expected at least %f for extreme amount, got %f", weightExtremeAmount, score)
		}
	})

	t.Run("novel merchant and category", func(t *testing.T) {
		ev := txEvent("u1", 100, base.Add(30*time.Minute))
		ev.MerchantID = "m-new"
		ev.MerchantCategory = "electronics"
		score := s.TransactionAnomalyScore("t1", ev)
		want := weightNewMerchant + weightNewCategory
		if score != want {
			t.Errorf("expected %f, got %f", want, score)
		}
	})

	t.Run("unusual hour and day", func(t *testing.T) {
		// Sunday 03:00 against a Monday-morning baseline.
		ev := txEvent("u1", 100, time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC))
		ev.MerchantID = "m-1"
		ev.MerchantCategory = "groceries"
		score := s.TransactionAnomalyScore("t1", ev)
		want := weightUnusualHour + weightUnusualDay
		if score != want {
			t.Errorf("expected %f, got %f", want, score)
		}
	})

	t.Run("score capped at one", func(t *testing.T) {
		ev := txEvent("u1", 50000, time.Date(2025, 6, 8, 3, 0, 0, 0, time.UTC))
		ev.MerchantID = "m-new"
		ev.MerchantCategory = "electronics"
		score := s.TransactionAnomalyScore("t1", ev)
		if score > 1.0 {
			t.Errorf("score %f exceeds cap", score)
		}
	})
}

func TestLoginAnomalyScore(t *testing.T) {
	s := testStore()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.UpdateLogin("t1", &domain.LoginEvent{
			UserID:    "u1",
			Country:   "US",
			IPAddress: "10.0.0.1",
			UserAgent: "Mozilla/5.0",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	t.Run("familiar login", func(t *testing.T) {
		ev := &domain.LoginEvent{
			UserID:    "u1",
			Country:   "US",
			IPAddress: "10.0.0.1",
			UserAgent: "Mozilla/5.0",
			Timestamp: base.Add(20 * time.Minute),
		}
		if score := s.LoginAnomalyScore("t1", ev); score != 0 {
			t.Errorf("expected 0 for familiar login, got %f", score)
		}
	})

	t.Run("everything novel", func(t *testing.T) {
		ev := &domain.LoginEvent{
			UserID:    "u1",
			Country:   "RU",
			IPAddress: "203.0.113.7",
			UserAgent: "curl/8.0",
			Timestamp: time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
		}
		score := s.LoginAnomalyScore("t1", ev)
		want := weightLoginHour + weightLoginLocation + weightLoginIP + weightLoginUserAgent
		if score != want {
			t.Errorf("expected %f, got %f", want, score)
		}
	})
}

func TestKnownDevice(t *testing.T) {
	s := testStore()

	ev := txEvent("u1", 100, time.Now().UTC())
	ev.DeviceID = "dev-1"
	s.UpdateTransaction("t1", ev)

	if !s.KnownDevice("t1", "u1", "dev-1") {
		t.Error("expected dev-1 to be known")
	}
	if s.KnownDevice("t1", "u1", "dev-2") {
		t.Error("expected dev-2 to be unknown")
	}
}

func TestHistoryAggregates(t *testing.T) {
	s := testStore()
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		ev := txEvent("u1", 100, now.Add(-time.Duration(i)*time.Hour))
		ev.MerchantID = fmt.Sprintf("m-%d", i%3)
		s.UpdateTransaction("t1", ev)
	}

	h := s.History("t1", "u1", now, "", "")
	if h.TxCount30d != 10 {
		t.Errorf("expected 10 transactions in 30d, got %f", h.TxCount30d)
	}
	if h.UniqueMerchants30d != 3 {
		t.Errorf("expected 3 unique merchants, got %f", h.UniqueMerchants30d)
	}
	if h.AvgAmount30d != 100 {
		t.Errorf("expected avg 100, got %f", h.AvgAmount30d)
	}
}

func TestHistoryUsualHours(t *testing.T) {
	s := testStore()
	now := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

	// Ten daytime purchases and a single 3am outlier. The outlier must
	// not widen the usual-hours baseline.
	for i := 0; i < 10; i++ {
		s.UpdateTransaction("t1", txEvent("u1", 100, time.Date(2025, 6, 2+i, 10, 0, 0, 0, time.UTC)))
	}
	s.UpdateTransaction("t1", txEvent("u1", 100, time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)))

	h := s.History("t1", "u1", now, "", "")
	if !h.UsualHours[10] {
		t.Error("expected hour 10 to be usual")
	}
	if h.UsualHours[3] {
		t.Error("expected the lone 3am transaction to stay unusual")
	}

	t.Run("ties all kept", func(t *testing.T) {
		s.UpdateTransaction("t1", txEvent("u2", 100, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)))
		s.UpdateTransaction("t1", txEvent("u2", 100, time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)))
		h := s.History("t1", "u2", now, "", "")
		if !h.UsualHours[9] || !h.UsualHours[14] {
			t.Errorf("expected both tied hours usual, got %v", h.UsualHours)
		}
	})
}

func TestHistoryKnownLocation(t *testing.T) {
	s := testStore()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		ev := txEvent("u1", 100, now.Add(-time.Duration(i)*time.Hour))
		ev.Country = "US"
		s.UpdateTransaction("t1", ev)
	}

	if h := s.History("t1", "u1", now, "", "US"); !h.KnownLocation {
		t.Error("expected US known after five US transactions")
	}
	if h := s.History("t1", "u1", now, "", "BR"); h.KnownLocation {
		t.Error("expected BR unknown")
	}

	t.Run("login countries still count", func(t *testing.T) {
		s.UpdateLogin("t1", &domain.LoginEvent{UserID: "u2", Country: "DE", Timestamp: now})
		if h := s.History("t1", "u2", now, "", "DE"); !h.KnownLocation {
			t.Error("expected DE known from login history")
		}
	})
}

func TestRetentionPruning(t *testing.T) {
	s := testStore()
	now := time.Now().UTC()

	// One stale record far outside the window, then a fresh one that
	// triggers pruning on update.
	s.UpdateTransaction("t1", txEvent("u1", 100, now.Add(-120*24*time.Hour)))
	s.UpdateTransaction("t1", txEvent("u1", 100, now))

	if got := s.TransactionCount("t1", "u1"); got != 1 {
		t.Errorf("expected stale record pruned, got %d records", got)
	}
}

func TestLastGeo(t *testing.T) {
	s := testStore()
	lat, lon := 40.7, -74.0
	ts := time.Now().UTC()

	s.UpdateLogin("t1", &domain.LoginEvent{
		UserID:    "u1",
		Latitude:  &lat,
		Longitude: &lon,
		Timestamp: ts,
	})

	gotLat, gotLon, at, ok := s.LastGeo("t1", "u1")
	if !ok {
		t.Fatal("expected geo to be recorded")
	}
	if gotLat != lat || gotLon != lon {
		t.Errorf("expected (%f, %f), got (%f, %f)", lat, lon, gotLat, gotLon)
	}
	if !at.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, at)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := testStore()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("u-%d", n%4)
			for j := 0; j < 50; j++ {
				s.UpdateTransaction("t1", txEvent(user, 100, now))
				s.TransactionAnomalyScore("t1", txEvent(user, 100, now))
			}
		}(i)
	}
	wg.Wait()

	if got := s.TransactionCount("t1", "u-0"); got != 100 {
		t.Errorf("expected 100 records for u-0, got %d", got)
	}
}
