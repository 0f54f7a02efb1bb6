package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetChecker() {
	checker = &registry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetChecker()
	RegisterComponent("gateway", true, "listening")

	require.Len(t, checker.components, 1)
	comp := checker.components["gateway"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "listening", comp.Message)
}

func TestUpdateComponent(t *testing.T) {
	resetChecker()
	RegisterComponent("gateway", true, "ok")
	UpdateComponent("gateway", false, "dropped")

	comp := checker.components["gateway"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "dropped", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name           string
		setup          func()
		expectedStatus string
	}{
		{
			name: "all components healthy",
			setup: func() {
				RegisterComponent("gateway", true, "")
				RegisterComponent("workspace", true, "")
			},
			expectedStatus: "healthy",
		},
		{
			name: "one component unhealthy",
			setup: func() {
				RegisterComponent("gateway", true, "")
				RegisterComponent("workspace", false, "sandbox root missing")
			},
			expectedStatus: "unhealthy",
		},
		{
			name:           "no components registered",
			setup:          func() {},
			expectedStatus: "healthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetChecker()
			SetVersion("1.0.0")
			tt.setup()

			health := GetHealth()
			assert.Equal(t, tt.expectedStatus, health.Status)
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name           string
		setup          func()
		expectedStatus string
		expectMessage  bool
	}{
		{
			name: "gateway and workspace ready",
			setup: func() {
				RegisterComponent("gateway", true, "")
				RegisterComponent("workspace", true, "")
			},
			expectedStatus: "ready",
		},
		{
			name: "missing critical component",
			setup: func() {
				RegisterComponent("gateway", true, "")
			},
			expectedStatus: "not_ready",
			expectMessage:  true,
		},
		{
			name: "critical component unhealthy",
			setup: func() {
				RegisterComponent("gateway", false, "upgrade failing")
				RegisterComponent("workspace", true, "")
			},
			expectedStatus: "not_ready",
			expectMessage:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetChecker()
			tt.setup()

			readiness := GetReadiness()
			assert.Equal(t, tt.expectedStatus, readiness.Status)
			if tt.expectMessage {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request succeeds", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request fails", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetChecker()
			RegisterComponent("gateway", true, "")

			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()
			NewServer().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetChecker()
	RegisterComponent("gateway", false, "broken")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	NewServer().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name           string
		setup          func()
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "ready",
			setup: func() {
				RegisterComponent("gateway", true, "")
				RegisterComponent("workspace", true, "")
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name: "not ready",
			setup: func() {
				RegisterComponent("gateway", true, "")
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetChecker()
			tt.setup()

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			NewServer().ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var readiness Status
			require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
			assert.Equal(t, tt.expectedBody, readiness.Status)
		})
	}
}

func TestLiveHandler(t *testing.T) {
	resetChecker()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	NewServer().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
