// Package health implements the readiness/liveness component registry and
// the /health, /ready, /live HTTP endpoints, grounded on cuemby-warren's
// pkg/metrics health checker and pkg/api/health.go's ServeMux wiring.
// Components register themselves as they come up (gateway, workspace)
// instead of a raft/containerd/api triad.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agent8hq/agent8ctr/pkg/metrics"
)

// Status is the JSON shape returned by /health and /ready.
type Status struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single registered component.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// criticalComponents gates readiness: every one of these must be
// registered and healthy for /ready to return 200. A dev-container agent's
// hard dependencies are just the gateway (duplex session transport) and
// the sandboxed workspace it serves out of; the task engine is optional (a
// container may run with no GitLab integration configured at all).
var criticalComponents = []string{"gateway", "workspace"}

var checker = &registry{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

// SetVersion sets the version string reported in /health responses.
func SetVersion(version string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.version = version
}

// RegisterComponent registers or overwrites a component's health state.
func RegisterComponent(name string, healthy bool, message string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates a previously registered component's health state.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports overall liveness: unhealthy if any registered
// component reports unhealthy.
func GetHealth() Status {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)
	for name, comp := range checker.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    checker.version,
		Uptime:     time.Since(checker.startTime).String(),
	}
}

// GetReadiness reports whether every critical component is registered and
// healthy.
func GetReadiness() Status {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for _, name := range criticalComponents {
		comp, exists := checker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return Status{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    checker.version,
		Uptime:     time.Since(checker.startTime).String(),
	}
}

// Server mounts /health, /ready, /live, and /metrics onto one mux, in the
// same shape as cuemby-warren's pkg/api.HealthServer.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires the four endpoints onto a fresh ServeMux.
func NewServer() *Server {
	s := &Server{mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := GetHealth()
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	readiness := GetReadiness()
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if readiness.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readiness)
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"uptime": time.Since(checker.startTime).String(),
	})
}
