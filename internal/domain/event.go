package domain

import (
	"time"
)

// TransactionEvent represents an incoming transaction to be assessed.
type TransactionEvent struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Counterparty
	MerchantID       string `json:"merchantId,omitempty"`
	MerchantCategory string `json:"merchantCategory,omitempty"`
	Country          string `json:"country,omitempty"`

	// Session context
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// LoginEvent represents an authentication attempt to be assessed.
type LoginEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	// Geolocation, when the caller already resolved it
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Country   string   `json:"country,omitempty"`

	// FailedAttempts is the count of recent failed logins for this user.
	FailedAttempts int `json:"failedAttempts,omitempty"`

	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionRequest is the API request payload for transaction assessment.
type TransactionRequest struct {
	TenantID         string                 `json:"tenantId" validate:"required"`
	TransactionID    string                 `json:"transactionId,omitempty"`
	UserID           string                 `json:"userId" validate:"required"`
	Amount           float64                `json:"amount" validate:"required,gt=0"`
	Currency         string                 `json:"currency" validate:"required,len=3"`
	MerchantID       string                 `json:"merchantId,omitempty"`
	MerchantCategory string                 `json:"merchantCategory,omitempty"`
	Country          string                 `json:"country,omitempty"`
	DeviceID         string                 `json:"deviceId,omitempty"`
	IPAddress        string                 `json:"ipAddress,omitempty"`
	UserAgent        string                 `json:"userAgent,omitempty"`
	Timestamp        *time.Time             `json:"timestamp,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent converts a request to a TransactionEvent domain object.
func (r *TransactionRequest) ToEvent() *TransactionEvent {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &TransactionEvent{
		ID:               r.TransactionID,
		TenantID:         r.TenantID,
		UserID:           r.UserID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		MerchantID:       r.MerchantID,
		MerchantCategory: r.MerchantCategory,
		Country:          r.Country,
		DeviceID:         r.DeviceID,
		IPAddress:        r.IPAddress,
		UserAgent:        r.UserAgent,
		Timestamp:        ts,
		CreatedAt:        now,
		Metadata:         r.Metadata,
	}
}

// LoginRequest is the API request payload for login assessment.
type LoginRequest struct {
	TenantID       string                 `json:"tenantId" validate:"required"`
	LoginID        string                 `json:"loginId,omitempty"`
	UserID         string                 `json:"userId" validate:"required"`
	DeviceID       string                 `json:"deviceId,omitempty"`
	IPAddress      string                 `json:"ipAddress,omitempty"`
	UserAgent      string                 `json:"userAgent,omitempty"`
	Latitude       *float64               `json:"latitude,omitempty"`
	Longitude      *float64               `json:"longitude,omitempty"`
	Country        string                 `json:"country,omitempty"`
	FailedAttempts int                    `json:"failedAttempts,omitempty"`
	Success        bool                   `json:"success"`
	Timestamp      *time.Time             `json:"timestamp,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent converts a request to a LoginEvent domain object.
func (r *LoginRequest) ToEvent() *LoginEvent {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &LoginEvent{
		ID:             r.LoginID,
		TenantID:       r.TenantID,
		UserID:         r.UserID,
		DeviceID:       r.DeviceID,
		IPAddress:      r.IPAddress,
		UserAgent:      r.UserAgent,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Country:        r.Country,
		FailedAttempts: r.FailedAttempts,
		Success:        r.Success,
		Timestamp:      ts,
		CreatedAt:      now,
		Metadata:       r.Metadata,
	}
}

// Feedback is a confirmed or disputed fraud label for a past assessment.
type Feedback struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	AssessmentID string    `json:"assessmentId"`
	EventID      string    `json:"eventId"`
	IsFraud      bool      `json:"isFraud"`
	Source       string    `json:"source,omitempty"` // "analyst", "chargeback", "customer"
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FeedbackRequest is the API payload for recording analyst feedback.
type FeedbackRequest struct {
	TenantID     string `json:"tenantId" validate:"required"`
	AssessmentID string `json:"assessmentId" validate:"required"`
	EventID      string `json:"eventId,omitempty"`
	IsFraud      bool   `json:"isFraud"`
	Source       string `json:"source,omitempty"`
	Notes        string `json:"notes,omitempty"`
}
