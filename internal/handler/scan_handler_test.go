// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/basaltsec/recon/backend/internal/middleware"
	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
)

// A well-formed UUID for path parameters; the handlers validate the shape
// before touching the service.
const testScanUUID = "1b4e28ba-2fa1-41d2-883f-b9a761bde3fb"

// mockScanService implements service.ScanService for handler tests.
type mockScanService struct {
	startScanFunc       func(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error)
	getScanFunc         func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error)
	getScanStatusFunc   func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanStatusResponse, error)
	listScansFunc       func(ctx context.Context, user *models.User) (*models.ScanListResponse, error)
	getScanFindingsFunc func(ctx context.Context, user *models.User, scanUUID string) ([]*models.Finding, error)
	processHookFunc     func(ctx context.Context, req *models.ScanHookRequest) error
}

func (m *mockScanService) StartScan(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error) {
	if m.startScanFunc != nil {
		return m.startScanFunc(ctx, user, req)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockScanService) GetScan(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
	if m.getScanFunc != nil {
		return m.getScanFunc(ctx, user, scanUUID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockScanService) GetScanStatus(ctx context.Context, user *models.User, scanUUID string) (*models.ScanStatusResponse, error) {
	if m.getScanStatusFunc != nil {
		return m.getScanStatusFunc(ctx, user, scanUUID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockScanService) ListScans(ctx context.Context, user *models.User) (*models.ScanListResponse, error) {
	if m.listScansFunc != nil {
		return m.listScansFunc(ctx, user)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockScanService) GetScanFindings(ctx context.Context, user *models.User, scanUUID string) ([]*models.Finding, error) {
	if m.getScanFindingsFunc != nil {
		return m.getScanFindingsFunc(ctx, user, scanUUID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockScanService) ProcessHook(ctx context.Context, req *models.ScanHookRequest) error {
	if m.processHookFunc != nil {
		return m.processHookFunc(ctx, req)
	}
	return fmt.Errorf("not implemented")
}

func (m *mockScanService) ResumeWatchers(ctx context.Context) error { return nil }
func (m *mockScanService) Start()                                   {}
func (m *mockScanService) Stop()                                    {}

// setupTestRouter creates a test Gin router.
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// testUser returns the identity injected into authenticated test requests.
func testUser() *models.User {
	return &models.User{
		ID:             1,
		ExternalAuthID: "subject-1",
		DisplayName:    "Alice",
		Email:          "alice@example.com",
		Enabled:        true,
	}
}

// withUser wraps a handler with the context values the auth middleware would
// set. A nil user simulates an unauthenticated request slipping through.
func withUser(user *models.User, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user != nil {
			c.Set(middleware.UserContextKey, user)
			c.Set(middleware.SubjectContextKey, user.ExternalAuthID)
		}
		h(c)
	}
}

// TestStartScanHandler tests the scan submission endpoint.
func TestStartScanHandler(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    interface{}
		user           *models.User
		mockStartScan  func(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error)
		expectedStatus int
		checkResponse  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Valid submission",
			requestBody: map[string]interface{}{
				"targets": []string{"example.com", "198.51.100.7"},
				"type":    "default",
			},
			user: testUser(),
			mockStartScan: func(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error) {
				if user.ID != 1 {
					t.Errorf("Expected user 1, got %d", user.ID)
				}
				if len(req.Targets) != 2 || req.Type != "default" {
					t.Errorf("Request not passed through: %+v", req)
				}
				return &models.StartScanResponse{ScanUUID: testScanUUID}, nil
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp map[string]interface{}) {
				if resp["scan_uuid"] != testScanUUID {
					t.Errorf("Expected scan_uuid %s, got %v", testScanUUID, resp["scan_uuid"])
				}
			},
		},
		{
			name:           "Missing required fields",
			requestBody:    map[string]interface{}{},
			user:           testUser(),
			expectedStatus: http.StatusUnprocessableEntity,
			checkResponse: func(t *testing.T, resp map[string]interface{}) {
				if _, ok := resp["error"]; !ok {
					t.Error("Expected error field in response")
				}
			},
		},
		{
			name:           "Invalid JSON body",
			requestBody:    "not json",
			user:           testUser(),
			expectedStatus: http.StatusUnprocessableEntity,
			checkResponse: func(t *testing.T, resp map[string]interface{}) {
				if _, ok := resp["error"]; !ok {
					t.Error("Expected error field in response")
				}
			},
		},
		{
			name: "Service rejects the submission",
			requestBody: map[string]interface{}{
				"targets": []string{"192.168.1.10"},
				"type":    "default",
			},
			user: testUser(),
			mockStartScan: func(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error) {
				return nil, apperrors.NewInvalidRequest("No scannable targets in request")
			},
			expectedStatus: http.StatusUnprocessableEntity,
			checkResponse: func(t *testing.T, resp map[string]interface{}) {
				if resp["error"] != "No scannable targets in request" {
					t.Errorf("Unexpected error: %v", resp["error"])
				}
			},
		},
		{
			name: "No identity",
			requestBody: map[string]interface{}{
				"targets": []string{"example.com"},
				"type":    "default",
			},
			user:           nil,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &mockScanService{startScanFunc: tt.mockStartScan}
			h := NewScanHandler(mockService, logger.NewNop())
			router := setupTestRouter()
			router.POST("/scans/start", withUser(tt.user, h.StartScan))

			var body []byte
			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, _ = json.Marshal(tt.requestBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/scans/start", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.checkResponse != nil {
				var response map[string]interface{}
				if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				tt.checkResponse(t, response)
			}
		})
	}
}

// TestGetScanHandler tests the single-scan read endpoint.
func TestGetScanHandler(t *testing.T) {
	progress := "42.5"
	tests := []struct {
		name           string
		scanUUID       string
		user           *models.User
		mockGetScan    func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error)
		expectedStatus int
		checkResponse  func(*testing.T, *models.ScanResponse)
	}{
		{
			name:     "Existing scan",
			scanUUID: testScanUUID,
			user:     testUser(),
			mockGetScan: func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
				if scanUUID != testScanUUID {
					t.Errorf("Expected UUID %s, got %s", testScanUUID, scanUUID)
				}
				return &models.ScanResponse{
					UUID:     scanUUID,
					Name:     "Assessment no. 1",
					Status:   models.ScanStatusRunning,
					Targets:  []string{"example.com"},
					Progress: &progress,
				}, nil
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp *models.ScanResponse) {
				if resp.UUID != testScanUUID || resp.Status != models.ScanStatusRunning {
					t.Errorf("Unexpected scan: %+v", resp)
				}
				if resp.Progress == nil || *resp.Progress != "42.5" {
					t.Errorf("Expected progress 42.5, got %v", resp.Progress)
				}
			},
		},
		{
			name:     "Malformed UUID short-circuits to 404",
			scanUUID: "not-a-uuid",
			user:     testUser(),
			mockGetScan: func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
				t.Error("GetScan should not be called for a malformed UUID")
				return nil, nil
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:     "Unknown scan",
			scanUUID: testScanUUID,
			user:     testUser(),
			mockGetScan: func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
				return nil, apperrors.NewNotFound("Scan not found")
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:     "Foreign scan",
			scanUUID: testScanUUID,
			user:     testUser(),
			mockGetScan: func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
				return nil, apperrors.NewForbidden("Scan belongs to another user")
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "No identity",
			scanUUID:       testScanUUID,
			user:           nil,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &mockScanService{getScanFunc: tt.mockGetScan}
			h := NewScanHandler(mockService, logger.NewNop())
			router := setupTestRouter()
			router.GET("/scans/:uuid", withUser(tt.user, h.GetScan))

			req := httptest.NewRequest(http.MethodGet, "/scans/"+tt.scanUUID, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.checkResponse != nil && w.Code == http.StatusOK {
				var response models.ScanResponse
				if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				tt.checkResponse(t, &response)
			}
		})
	}
}

// TestGetScanStatusHandler tests the bare status endpoint.
func TestGetScanStatusHandler(t *testing.T) {
	mockService := &mockScanService{
		getScanStatusFunc: func(ctx context.Context, user *models.User, scanUUID string) (*models.ScanStatusResponse, error) {
			return &models.ScanStatusResponse{Status: models.ScanStatusCompleted}, nil
		},
	}
	h := NewScanHandler(mockService, logger.NewNop())
	router := setupTestRouter()
	router.GET("/scans/:uuid/status", withUser(testUser(), h.GetScanStatus))

	req := httptest.NewRequest(http.MethodGet, "/scans/"+testScanUUID+"/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp models.ScanStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Status != models.ScanStatusCompleted {
		t.Errorf("Expected completed, got %s", resp.Status)
	}

	// Malformed UUIDs read as absent.
	req = httptest.NewRequest(http.MethodGet, "/scans/xyz/status", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a malformed UUID, got %d", w.Code)
	}
}

// TestListScansHandler tests the scan list endpoint.
func TestListScansHandler(t *testing.T) {
	tests := []struct {
		name           string
		user           *models.User
		mockListScans  func(ctx context.Context, user *models.User) (*models.ScanListResponse, error)
		expectedStatus int
		checkResponse  func(*testing.T, *models.ScanListResponse)
	}{
		{
			name: "List scans",
			user: testUser(),
			mockListScans: func(ctx context.Context, user *models.User) (*models.ScanListResponse, error) {
				return &models.ScanListResponse{
					Total: 2,
					Scans: []*models.ScanResponse{
						{UUID: testScanUUID, Name: "Assessment no. 2"},
						{UUID: "2c5f39cb-3fb2-42e3-994f-c0a872cef40c", Name: "Assessment no. 1"},
					},
				}, nil
			},
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, resp *models.ScanListResponse) {
				if resp.Total != 2 || len(resp.Scans) != 2 {
					t.Errorf("Unexpected list: %+v", resp)
				}
				if resp.Scans[0].Name != "Assessment no. 2" {
					t.Errorf("Expected newest first, got %s", resp.Scans[0].Name)
				}
			},
		},
		{
			name: "Service error",
			user: testUser(),
			mockListScans: func(ctx context.Context, user *models.User) (*models.ScanListResponse, error) {
				return nil, apperrors.WrapInternal(fmt.Errorf("connection refused"), "Failed to list scans")
			},
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "No identity",
			user:           nil,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &mockScanService{listScansFunc: tt.mockListScans}
			h := NewScanHandler(mockService, logger.NewNop())
			router := setupTestRouter()
			router.GET("/scans", withUser(tt.user, h.ListScans))

			req := httptest.NewRequest(http.MethodGet, "/scans", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.checkResponse != nil && w.Code == http.StatusOK {
				var response models.ScanListResponse
				if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
					t.Fatalf("Failed to unmarshal response: %v", err)
				}
				tt.checkResponse(t, &response)
			}
		})
	}
}

// TestGetScanFindingsHandler tests the per-scan findings endpoint.
func TestGetScanFindingsHandler(t *testing.T) {
	mockService := &mockScanService{
		getScanFindingsFunc: func(ctx context.Context, user *models.User, scanUUID string) ([]*models.Finding, error) {
			return []*models.Finding{
				{Name: "example.com-443/tcp", Severity: models.SeverityMedium},
				{Name: "example.com-22/tcp", Severity: models.SeverityHigh},
			}, nil
		},
	}
	h := NewScanHandler(mockService, logger.NewNop())
	router := setupTestRouter()
	router.GET("/scans/:uuid/findings", withUser(testUser(), h.GetScanFindings))

	req := httptest.NewRequest(http.MethodGet, "/scans/"+testScanUUID+"/findings", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp["total"] != float64(2) {
		t.Errorf("Expected total 2, got %v", resp["total"])
	}
	findings, ok := resp["findings"].([]interface{})
	if !ok || len(findings) != 2 {
		t.Errorf("Expected 2 findings, got %v", resp["findings"])
	}
}

// TestScanHookHandler tests the scanner callback endpoint, which answers 200
// unconditionally and reports failures in the body.
func TestScanHookHandler(t *testing.T) {
	tests := []struct {
		name            string
		requestBody     string
		mockProcessHook func(ctx context.Context, req *models.ScanHookRequest) error
		wantStatus      string
		wantError       string
	}{
		{
			name:        "Valid callback",
			requestBody: `{"scan_id":"` + testScanUUID + `","status":"running"}`,
			mockProcessHook: func(ctx context.Context, req *models.ScanHookRequest) error {
				if req.ScanID != testScanUUID || req.Status != "running" {
					t.Errorf("Callback not passed through: %+v", req)
				}
				return nil
			},
			wantStatus: "ok",
		},
		{
			name:        "Malformed payload",
			requestBody: "{{{",
			mockProcessHook: func(ctx context.Context, req *models.ScanHookRequest) error {
				t.Error("ProcessHook should not be called for malformed JSON")
				return nil
			},
			wantStatus: "error",
			wantError:  "malformed JSON payload",
		},
		{
			name:        "Missing scan_id",
			requestBody: `{"status":"running"}`,
			mockProcessHook: func(ctx context.Context, req *models.ScanHookRequest) error {
				return apperrors.NewInvalidRequest("scan_id is required")
			},
			wantStatus: "error",
			wantError:  "scan_id is required",
		},
		{
			name:        "Unknown scan",
			requestBody: `{"scan_id":"` + testScanUUID + `","status":"running"}`,
			mockProcessHook: func(ctx context.Context, req *models.ScanHookRequest) error {
				return apperrors.NewNotFound("Scan not found")
			},
			wantStatus: "error",
			wantError:  "Scan not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &mockScanService{processHookFunc: tt.mockProcessHook}
			h := NewScanHandler(mockService, logger.NewNop())
			router := setupTestRouter()
			router.POST("/scans/hook", h.Hook)

			req := httptest.NewRequest(http.MethodPost, "/scans/hook", bytes.NewBufferString(tt.requestBody))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			// The scanner must never see a non-200 answer.
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}

			var resp map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to unmarshal response: %v", err)
			}
			if resp["status"] != tt.wantStatus {
				t.Errorf("Expected status %q, got %v", tt.wantStatus, resp["status"])
			}
			if tt.wantError != "" && resp["error"] != tt.wantError {
				t.Errorf("Expected error %q, got %v", tt.wantError, resp["error"])
			}
		})
	}
}
