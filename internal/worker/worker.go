// Package worker provides async event processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Worker consumes ingested events from the EventBus, runs them
// through the detector, and drives the retrain monitor.
type Worker struct {
	bus      domain.EventBus
	detector *detector.Detector
	retrain  domain.RetrainConfig

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, det *detector.Detector, retrain domain.RetrainConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		detector: det,
		retrain:  retrain,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{"_global"}
	}

	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	if w.retrain.Enabled {
		for _, tenantID := range cfg.TenantIDs {
			w.startRetrainMonitor(tenantID)
		}
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
		"retrain_enabled", w.retrain.Enabled,
	)

	return nil
}

// startTenantWorker subscribes to both ingestion topics for a tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	txSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, w.handleTransaction)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, txSub)

	loginSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicLoginIngested, w.handleLogin)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, loginSub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topics", []domain.Topic{domain.TopicTransactionIngested, domain.TopicLoginIngested},
	)

	return nil
}

// startRetrainMonitor checks the retrain triggers on an interval and
// rebuilds the ensemble when they fire.
func (w *Worker) startRetrainMonitor(tenantID string) {
	interval := time.Duration(w.retrain.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				needed, reason := w.detector.RetrainNeeded(tenantID)
				if !needed {
					continue
				}
				slog.Info("retrain triggered",
					"tenant_id", tenantID,
					"reason", reason,
				)
				if _, err := w.detector.TrainEnsemble(w.ctx, tenantID); err != nil {
					slog.Error("retrain failed",
						"tenant_id", tenantID,
						"error", err,
					)
				}
			}
		}
	}()

	slog.Info("retrain monitor started",
		"tenant_id", tenantID,
		"interval", interval,
	)
}

// handleTransaction assesses an ingested transaction event.
func (w *Worker) handleTransaction(ctx context.Context, msg *domain.Message) error {
	var ev domain.TransactionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse transaction event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = msg.TenantID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	a, err := w.detector.AssessTransaction(ctx, &ev)
	if err != nil {
		slog.Error("async assessment failed",
			"event_id", ev.ID,
			"tenant_id", ev.TenantID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction assessed",
		"event_id", ev.ID,
		"tenant_id", ev.TenantID,
		"score", a.OverallScore,
		"action", a.Action,
		"duration_ms", a.Metadata.TotalMs,
	)

	return nil
}

// handleLogin assesses an ingested login event.
func (w *Worker) handleLogin(ctx context.Context, msg *domain.Message) error {
	var ev domain.LoginEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse login event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.TenantID == "" {
		ev.TenantID = msg.TenantID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	a, err := w.detector.AssessLogin(ctx, &ev)
	if err != nil {
		slog.Error("async login assessment failed",
			"event_id", ev.ID,
			"tenant_id", ev.TenantID,
			"error", err,
		)
		return err
	}

	slog.Info("login assessed",
		"event_id", ev.ID,
		"tenant_id", ev.TenantID,
		"score", a.OverallScore,
		"action", a.Action,
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int            `json:"subscriptionCount"`
	Topics            []domain.Topic `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]domain.Topic, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
