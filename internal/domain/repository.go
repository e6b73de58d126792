// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction event operations
	SaveTransactionEvent(ctx context.Context, tenantID string, ev *TransactionEvent) error
	GetTransactionEvent(ctx context.Context, tenantID string, eventID string) (*TransactionEvent, error)
	GetTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*TransactionEvent, error)

	// Login event operations
	SaveLoginEvent(ctx context.Context, tenantID string, ev *LoginEvent) error
	GetLoginsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*LoginEvent, error)

	// Assessment results
	SaveAssessment(ctx context.Context, tenantID string, a *FraudAssessment) error
	GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*FraudAssessment, error)
	GetAssessmentByEvent(ctx context.Context, tenantID string, eventID string) (*FraudAssessment, error)
	ListAlerts(ctx context.Context, tenantID string, since time.Time, limit int) ([]*FraudAssessment, error)

	// Model artifact operations
	SaveModelArtifact(ctx context.Context, tenantID string, artifact *ModelArtifact) error
	GetLatestModelArtifact(ctx context.Context, tenantID string) (*ModelArtifact, error)

	// Training row operations. Rows are captured at assessment time
	// and labeled later by feedback.
	SaveTrainingRow(ctx context.Context, tenantID string, row *TrainingRow) error
	LabelTrainingRow(ctx context.Context, tenantID string, eventID string, isFraud bool) error
	ListTrainingRows(ctx context.Context, tenantID string, limit int) ([]*TrainingRow, error)

	// Feedback operations
	SaveFeedback(ctx context.Context, tenantID string, fb *Feedback) error
	ListFeedback(ctx context.Context, tenantID string, limit int) ([]*Feedback, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ModelArtifact is a serialized trained ensemble stored for recovery
// and for atomic swap after retraining.
type ModelArtifact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Version   string    `json:"version"`
	Voting    string    `json:"voting"`
	Columns   []string  `json:"columns"`
	State     []byte    `json:"state"`
	TrainedAt time.Time `json:"trainedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// TrainingRow is one feature vector captured during an assessment,
// optionally labeled by later feedback.
type TrainingRow struct {
	EventID   string    `json:"eventId"`
	TenantID  string    `json:"tenantId"`
	Vector    []float64 `json:"vector"`
	Label     *float64  `json:"label,omitempty"` // 1 fraud, 0 legitimate
	CreatedAt time.Time `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
