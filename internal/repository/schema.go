package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactionEvents = `
CREATE TABLE IF NOT EXISTS transaction_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    merchant_id TEXT,
    merchant_category TEXT,
    country TEXT,
    device_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_tx_events_tenant ON transaction_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tx_events_user ON transaction_events(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_tx_events_timestamp ON transaction_events(tenant_id, timestamp);
`

const schemaLoginEvents = `
CREATE TABLE IF NOT EXISTS login_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    device_id TEXT,
    ip_address TEXT,
    user_agent TEXT,
    country TEXT,
    latitude REAL,
    longitude REAL,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 1,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_login_events_tenant ON login_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_login_events_user ON login_events(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_login_events_timestamp ON login_events(tenant_id, timestamp);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    event_id TEXT NOT NULL,
    overall_score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    action TEXT NOT NULL,
    signals TEXT NOT NULL,
    behavioral_analysis TEXT,
    device_analysis TEXT,
    network_analysis TEXT,
    explanations TEXT,
    metadata TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_event ON assessments(tenant_id, event_id);
CREATE INDEX IF NOT EXISTS idx_assessments_level ON assessments(tenant_id, risk_level);
CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(tenant_id, timestamp);
`

const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    voting TEXT NOT NULL,
    columns TEXT NOT NULL,
    state BLOB NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_tenant ON model_artifacts(tenant_id, trained_at);
`

// Rows are captured unlabeled at assessment time; feedback fills the
// label column later.
const schemaTrainingRows = `
CREATE TABLE IF NOT EXISTS training_rows (
    event_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    vector TEXT NOT NULL,
    label REAL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (event_id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_training_rows_tenant ON training_rows(tenant_id, created_at);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    assessment_id TEXT,
    event_id TEXT,
    is_fraud INTEGER NOT NULL,
    source TEXT,
    notes TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_tenant ON feedback(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_assessment ON feedback(tenant_id, assessment_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactionEvents,
		schemaLoginEvents,
		schemaAssessments,
		schemaModelArtifacts,
		schemaTrainingRows,
		schemaFeedback,
	}
}
