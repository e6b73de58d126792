// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransactionEvent stores a transaction event with tenant isolation.
func (r *SQLRepository) SaveTransactionEvent(ctx context.Context, tenantID string, ev *domain.TransactionEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	metadata, _ := json.Marshal(ev.Metadata)

	query := `
		INSERT INTO transaction_events (
			id, tenant_id, user_id, amount, currency,
			merchant_id, merchant_category, country,
			device_id, ip_address, user_agent,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.UserID,
		ev.Amount, ev.Currency,
		ev.MerchantID, ev.MerchantCategory, ev.Country,
		ev.DeviceID, ev.IPAddress, ev.UserAgent,
		ev.Timestamp, ev.CreatedAt,
		string(metadata),
	)
	return err
}

// GetTransactionEvent retrieves a transaction event by ID with tenant isolation.
func (r *SQLRepository) GetTransactionEvent(ctx context.Context, tenantID string, eventID string) (*domain.TransactionEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, amount, currency,
			   merchant_id, merchant_category, country,
			   device_id, ip_address, user_agent,
			   timestamp, created_at, metadata
		FROM transaction_events
		WHERE tenant_id = ? AND id = ?
	`

	var ev domain.TransactionEvent
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID).Scan(
		&ev.ID, &ev.TenantID, &ev.UserID,
		&ev.Amount, &ev.Currency,
		&ev.MerchantID, &ev.MerchantCategory, &ev.Country,
		&ev.DeviceID, &ev.IPAddress, &ev.UserAgent,
		&ev.Timestamp, &ev.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &ev.Metadata)
	}

	return &ev, nil
}

// GetTransactionsByUser retrieves a user's transactions since a point in time.
func (r *SQLRepository) GetTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.TransactionEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, amount, currency,
			   merchant_id, merchant_category, country,
			   device_id, ip_address, user_agent,
			   timestamp, created_at, metadata
		FROM transaction_events
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TransactionEvent
	for rows.Next() {
		var ev domain.TransactionEvent
		var metadata string

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.UserID,
			&ev.Amount, &ev.Currency,
			&ev.MerchantID, &ev.MerchantCategory, &ev.Country,
			&ev.DeviceID, &ev.IPAddress, &ev.UserAgent,
			&ev.Timestamp, &ev.CreatedAt,
			&metadata,
		); err != nil {
			return nil, err
		}

		if metadata != "" {
			json.Unmarshal([]byte(metadata), &ev.Metadata)
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}

// SaveLoginEvent stores a login event with tenant isolation.
func (r *SQLRepository) SaveLoginEvent(ctx context.Context, tenantID string, ev *domain.LoginEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	success := 0
	if ev.Success {
		success = 1
	}

	query := `
		INSERT INTO login_events (
			id, tenant_id, user_id, device_id, ip_address, user_agent,
			country, latitude, longitude, failed_attempts, success,
			timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.UserID,
		ev.DeviceID, ev.IPAddress, ev.UserAgent,
		ev.Country, ev.Latitude, ev.Longitude,
		ev.FailedAttempts, success,
		ev.Timestamp, ev.CreatedAt,
	)
	return err
}

// GetLoginsByUser retrieves a user's logins since a point in time.
func (r *SQLRepository) GetLoginsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.LoginEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, device_id, ip_address, user_agent,
			   country, latitude, longitude, failed_attempts, success,
			   timestamp, created_at
		FROM login_events
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.LoginEvent
	for rows.Next() {
		var ev domain.LoginEvent
		var success int

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.UserID,
			&ev.DeviceID, &ev.IPAddress, &ev.UserAgent,
			&ev.Country, &ev.Latitude, &ev.Longitude,
			&ev.FailedAttempts, &success,
			&ev.Timestamp, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}

		ev.Success = success == 1
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// SaveAssessment stores an assessment result with tenant isolation.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, a *domain.FraudAssessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	signals, _ := json.Marshal(a.Signals)
	behavioral, _ := json.Marshal(a.BehavioralAnalysis)
	device, _ := json.Marshal(a.DeviceAnalysis)
	network, _ := json.Marshal(a.NetworkAnalysis)
	explanations, _ := json.Marshal(a.Explanations)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO assessments (
			id, tenant_id, entity_id, entity_type, event_id,
			overall_score, risk_level, action,
			signals, behavioral_analysis, device_analysis, network_analysis,
			explanations, metadata, timestamp, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.AssessmentID, tenantID, a.EntityID, a.EntityType, a.EventID,
		a.OverallScore, string(a.RiskLevel), string(a.Action),
		string(signals), string(behavioral), string(device), string(network),
		string(explanations), string(metadata),
		a.Timestamp, a.ExpiresAt,
	)
	return err
}

// GetAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*domain.FraudAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, entity_type, event_id,
			   overall_score, risk_level, action,
			   signals, behavioral_analysis, device_analysis, network_analysis,
			   explanations, metadata, timestamp, expires_at
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	a, err := r.scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, assessmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// GetAssessmentByEvent retrieves the most recent assessment recorded
// for an event. Feedback keyed by event id resolves through this.
func (r *SQLRepository) GetAssessmentByEvent(ctx context.Context, tenantID string, eventID string) (*domain.FraudAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, entity_type, event_id,
			   overall_score, risk_level, action,
			   signals, behavioral_analysis, device_analysis, network_analysis,
			   explanations, metadata, timestamp, expires_at
		FROM assessments
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	a, err := r.scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAlerts retrieves high and critical assessments since a point in time.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.FraudAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, entity_id, entity_type, event_id,
			   overall_score, risk_level, action,
			   signals, behavioral_analysis, device_analysis, network_analysis,
			   explanations, metadata, timestamp, expires_at
		FROM assessments
		WHERE tenant_id = ? AND risk_level IN ('high', 'critical') AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAssessment
	for rows.Next() {
		a, err := r.scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanAssessment(row rowScanner) (*domain.FraudAssessment, error) {
	var a domain.FraudAssessment
	var level, action string
	var signals, behavioral, device, network, explanations, metadata string

	err := row.Scan(
		&a.AssessmentID, &a.TenantID, &a.EntityID, &a.EntityType, &a.EventID,
		&a.OverallScore, &level, &action,
		&signals, &behavioral, &device, &network,
		&explanations, &metadata,
		&a.Timestamp, &a.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = domain.RiskLevel(level)
	a.Action = domain.Action(action)
	json.Unmarshal([]byte(signals), &a.Signals)
	json.Unmarshal([]byte(behavioral), &a.BehavioralAnalysis)
	json.Unmarshal([]byte(device), &a.DeviceAnalysis)
	json.Unmarshal([]byte(network), &a.NetworkAnalysis)
	json.Unmarshal([]byte(explanations), &a.Explanations)
	json.Unmarshal([]byte(metadata), &a.Metadata)

	return &a, nil
}

// SaveModelArtifact stores a serialized ensemble with tenant isolation.
func (r *SQLRepository) SaveModelArtifact(ctx context.Context, tenantID string, artifact *domain.ModelArtifact) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	columns, _ := json.Marshal(artifact.Columns)

	query := `
		INSERT INTO model_artifacts (
			id, tenant_id, version, voting, columns, state, trained_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		artifact.ID, tenantID, artifact.Version, artifact.Voting,
		string(columns), artifact.State,
		artifact.TrainedAt, artifact.CreatedAt,
	)
	return err
}

// GetLatestModelArtifact retrieves the most recently trained artifact.
// Returns nil without error when the tenant has no artifact yet.
func (r *SQLRepository) GetLatestModelArtifact(ctx context.Context, tenantID string) (*domain.ModelArtifact, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, version, voting, columns, state, trained_at, created_at
		FROM model_artifacts
		WHERE tenant_id = ?
		ORDER BY trained_at DESC
		LIMIT 1
	`

	var artifact domain.ModelArtifact
	var columns string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&artifact.ID, &artifact.TenantID, &artifact.Version, &artifact.Voting,
		&columns, &artifact.State,
		&artifact.TrainedAt, &artifact.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(columns), &artifact.Columns)
	return &artifact, nil
}

// SaveTrainingRow stores a feature vector captured at assessment time.
func (r *SQLRepository) SaveTrainingRow(ctx context.Context, tenantID string, row *domain.TrainingRow) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	vector, _ := json.Marshal(row.Vector)

	query := `
		INSERT INTO training_rows (event_id, tenant_id, vector, label, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, tenant_id) DO UPDATE SET
			vector = excluded.vector,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		row.EventID, tenantID, string(vector), row.Label, row.CreatedAt,
	)
	return err
}

// LabelTrainingRow attaches a fraud label to a captured row.
func (r *SQLRepository) LabelTrainingRow(ctx context.Context, tenantID string, eventID string, isFraud bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	label := 0.0
	if isFraud {
		label = 1.0
	}

	query := `
		UPDATE training_rows
		SET label = ?
		WHERE tenant_id = ? AND event_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), label, tenantID, eventID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// ListTrainingRows retrieves captured rows, newest first. A limit of 0
// returns everything.
func (r *SQLRepository) ListTrainingRows(ctx context.Context, tenantID string, limit int) ([]*domain.TrainingRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT event_id, tenant_id, vector, label, created_at
		FROM training_rows
		WHERE tenant_id = ?
		ORDER BY created_at DESC
	`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TrainingRow
	for rows.Next() {
		var row domain.TrainingRow
		var vector string
		var label sql.NullFloat64

		if err := rows.Scan(&row.EventID, &row.TenantID, &vector, &label, &row.CreatedAt); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(vector), &row.Vector)
		if label.Valid {
			v := label.Float64
			row.Label = &v
		}
		out = append(out, &row)
	}

	return out, rows.Err()
}

// SaveFeedback stores an analyst verdict with tenant isolation.
func (r *SQLRepository) SaveFeedback(ctx context.Context, tenantID string, fb *domain.Feedback) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	isFraud := 0
	if fb.IsFraud {
		isFraud = 1
	}

	query := `
		INSERT INTO feedback (
			id, tenant_id, assessment_id, event_id, is_fraud, source, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, tenantID, fb.AssessmentID, fb.EventID,
		isFraud, fb.Source, fb.Notes, fb.CreatedAt,
	)
	return err
}

// ListFeedback retrieves stored verdicts, newest first.
func (r *SQLRepository) ListFeedback(ctx context.Context, tenantID string, limit int) ([]*domain.Feedback, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, assessment_id, event_id, is_fraud, source, notes, created_at
		FROM feedback
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var isFraud int

		if err := rows.Scan(
			&fb.ID, &fb.TenantID, &fb.AssessmentID, &fb.EventID,
			&isFraud, &fb.Source, &fb.Notes, &fb.CreatedAt,
		); err != nil {
			return nil, err
		}

		fb.IsFraud = isFraud == 1
		out = append(out, &fb)
	}

	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
