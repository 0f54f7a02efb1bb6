package task

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agent8hq/agent8ctr/pkg/log"
	"github.com/agent8hq/agent8ctr/pkg/types"
)

// Server exposes the three HTTP surfaces the Task Engine depends on
// (spec.md §6): task creation, task status, and the SSE raw-response tail.
// These are core-adjacent request surfaces, not the outer marshal/CORS glue
// spec.md's Non-goals exclude, so they are implemented directly here using
// stdlib net/http, in the same ServeMux-per-endpoint-method shape used
// elsewhere in this module (pkg/health.Server).
type Server struct {
	engine *Engine
	mux    *http.ServeMux
}

// NewServer wires the three endpoints onto a fresh ServeMux.
func NewServer(engine *Engine) *Server {
	s := &Server{engine: engine, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/agent8/task", s.handleCreate)
	s.mux.HandleFunc("/api/agent8/task/", s.handleStatus)
	s.mux.HandleFunc("/api/agent8/chat", s.handleChat)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// errorResponse is the JSON shape of every non-2xx HTTP response
// (spec.md §7: `{error, details?}`).
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, details ...string) {
	resp := errorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// bearerToken extracts the userID and raw token from an Authorization:
// Bearer header. The core has no identity provider of its own (spec.md §1
// Non-goals); the token itself doubles as the user identity key, matching
// how the upstream call threads it through as a cookie.
func bearerToken(r *http.Request) (userID, token string, ok bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	token = strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", "", false
	}
	return token, token, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	userID, token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	t, err := s.engine.Create(userID, token, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing required fields", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"taskId":  t.ID,
		"message": "task created",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	userID, _, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/api/agent8/task/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	t, found := s.engine.Get(userID, taskID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(t)
}

// handleChat implements GET /api/agent8/chat: it tails the requested task's
// .raw file every 50ms from its current position, emitting each
// newline-delimited line as an SSE `data: ` event, terminated by
// `data: [DONE]` once the task reaches a terminal state (spec.md §6).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	userID, _, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	taskID := r.URL.Query().Get("taskId")
	t, found := s.engine.Get(userID, taskID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logger := log.WithTaskID(taskID)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		f, err := os.Open(t.RawContentFile)
		if err != nil {
			continue
		}
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			continue
		}

		reader := bufio.NewReader(f)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				// An unterminated tail stays unread until its newline lands.
				break
			}
			offset += int64(len(line))
			if _, err := fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(line, "\r\n")); err != nil {
				f.Close()
				return
			}
		}
		f.Close()
		flusher.Flush()

		current, found := s.engine.Get(userID, taskID)
		if found && (current.Status == types.TaskCompleted || current.Status == types.TaskFailed) {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			logger.Debug().Msg("chat stream terminated, task reached terminal state")
			return
		}
	}
}
