package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
	"github.com/opensource-finance/merlin/internal/profile"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/velocity"
)

// createTestServer wires a server against a temp SQLite database and an
// in-process LRU cache.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig()
	cfg.Rules.HighRiskCountries = []string{"XX"}
	lru := cache.NewLRUCache(100)

	det := detector.New(cfg, detector.Deps{
		Features: feature.NewEngineer(cfg.Rules),
		Profiles: profile.NewStore(cfg.Profile),
		Velocity: velocity.NewTracker(),
		Rules:    rules.NewEngine(cfg.Rules, 4),
		Repo:     repo,
		Cache:    lru,
	})

	serverCfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(serverCfg, det, repo, lru, "test-v1")
}

func postJSON(t *testing.T, server *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func getWithTenant(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestAssessTransactionEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulAssessment", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
			TransactionID:    "tx-api-001",
			UserID:           "user-001",
			Amount:           125.50,
			Currency:         "USD",
			MerchantID:       "merch-001",
			MerchantCategory: "retail",
			Country:          "US",
			DeviceID:         "device-001",
			IPAddress:        "203.0.113.10",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.AssessmentID == "" {
			t.Error("expected assessmentId in response")
		}
		if resp.EventID != "tx-api-001" {
			t.Errorf("expected eventId tx-api-001, got %s", resp.EventID)
		}
		if resp.Action != domain.ActionAllow {
			t.Errorf("expected action allow, got %s", resp.Action)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if resp.Metadata.EngineVersion == "" {
			t.Error("expected engineVersion in metadata")
		}
	})

	t.Run("GeneratesTransactionID", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
			UserID:   "user-002",
			Amount:   50,
			Currency: "USD",
			Country:  "US",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.EventID == "" {
			t.Error("expected generated eventId")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/assess/transaction", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/assess/transaction", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
			Amount:   100,
			Currency: "USD",
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
			UserID:   "user-001",
			Amount:   -100,
			Currency: "USD",
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
			UserID:   "user-001",
			Amount:   100,
			Currency: "USD",
			Country:  "US",
		})

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestAssessLoginEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("SuccessfulAssessment", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/login", domain.LoginRequest{
			LoginID:   "login-001",
			UserID:    "user-001",
			DeviceID:  "device-001",
			IPAddress: "203.0.113.10",
			Country:   "US",
			Success:   true,
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AssessmentResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.AssessmentID == "" {
			t.Error("expected assessmentId in response")
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/assess/login", domain.LoginRequest{
			DeviceID: "device-001",
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestGetAssessmentEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
		TransactionID: "tx-get-001",
		UserID:        "user-010",
		Amount:        75,
		Currency:      "USD",
		Country:       "US",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("assessment failed: %d %s", rr.Code, rr.Body.String())
	}
	var created domain.AssessmentResponse
	json.Unmarshal(rr.Body.Bytes(), &created)

	t.Run("Found", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/assessments/"+created.AssessmentID)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]interface{}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["assessmentId"] != created.AssessmentID {
			t.Errorf("expected assessmentId %s, got %v", created.AssessmentID, resp["assessmentId"])
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/assessments/does-not-exist")

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestListAlertsEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
		TransactionID: "tx-alert-001",
		UserID:        "user-020",
		Amount:        50000,
		Currency:      "USD",
		Country:       "XX",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("assessment failed: %d %s", rr.Code, rr.Body.String())
	}

	t.Run("ReturnsAlerts", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/alerts")

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Alerts []*domain.FraudAssessment `json:"alerts"`
			Count  int                       `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count == 0 {
			t.Error("expected at least one alert")
		}
	})

	t.Run("InvalidSince", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/alerts?since=yesterday")

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/alerts?limit=-5")

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestFeedbackEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
		TransactionID: "tx-fb-001",
		UserID:        "user-030",
		Amount:        60,
		Currency:      "USD",
		Country:       "US",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("assessment failed: %d %s", rr.Code, rr.Body.String())
	}
	var created domain.AssessmentResponse
	json.Unmarshal(rr.Body.Bytes(), &created)

	t.Run("RecordsFeedback", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/feedback", domain.FeedbackRequest{
			AssessmentID: created.AssessmentID,
			IsFraud:      true,
			Notes:        "confirmed chargeback",
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var fb domain.Feedback
		if err := json.Unmarshal(rr.Body.Bytes(), &fb); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !fb.IsFraud {
			t.Error("expected isFraud to be true")
		}
	})

	t.Run("MissingIDs", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/feedback", domain.FeedbackRequest{
			IsFraud: false,
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("StatusUntrained", func(t *testing.T) {
		rr := getWithTenant(t, server, "/api/v1/models/status")

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Ensemble struct {
				Trained bool `json:"trained"`
			} `json:"ensemble"`
			RetrainNeeded bool `json:"retrainNeeded"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Ensemble.Trained {
			t.Error("expected untrained ensemble")
		}
	})

	t.Run("TrainInsufficientData", func(t *testing.T) {
		rr := postJSON(t, server, "/api/v1/models/train", map[string]string{})

		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server := createTestServer(t)

	postJSON(t, server, "/api/v1/assess/transaction", domain.TransactionRequest{
		UserID:   "user-040",
		Amount:   40,
		Currency: "USD",
		Country:  "US",
	})

	rr := getWithTenant(t, server, "/api/v1/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var stats detector.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if stats.Assessments == 0 {
		t.Error("expected non-zero assessment count")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
