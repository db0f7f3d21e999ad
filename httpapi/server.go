package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/karrierehq/jobflow/core"
	"github.com/karrierehq/jobflow/engine"
	"github.com/karrierehq/jobflow/tokens"
)

// Server exposes the workflow and token-governance endpoints. The acting
// user arrives in the X-User-ID header; there is no ambient identity.
type Server struct {
	engine  *engine.Engine
	limiter *tokens.Limiter
	logger  core.Logger
	debug   bool
}

// NewServer creates the API surface. debug adds an error detail field to
// failure responses; keep it off in production.
func NewServer(eng *engine.Engine, limiter *tokens.Limiter, logger core.Logger, debug bool) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{engine: eng, limiter: limiter, logger: logger, debug: debug}
}

// Handler returns the routed handler wrapped in OpenTelemetry
// instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/create", s.handleCreate)
	mux.HandleFunc("GET /workflow/status/{sessionId}", s.handleStatus)
	mux.HandleFunc("POST /workflow/confirm/{workflowId}", s.handleConfirm)
	mux.HandleFunc("POST /workflow/cancel/{sessionId}", s.handleCancel)
	mux.HandleFunc("GET /agent/status/{sessionId}", s.handleEvents)
	mux.HandleFunc("GET /tokens/limits", s.handleGetLimits)
	mux.HandleFunc("PUT /tokens/limits", s.handlePutLimits)
	mux.HandleFunc("GET /tokens/usage", s.handleUsage)
	mux.HandleFunc("GET /tokens/limits/check", s.handleLimitCheck)
	mux.HandleFunc("GET /health", s.handleHealth)
	return otelhttp.NewHandler(mux, "httpapi")
}

type createRequest struct {
	Intent    string `json:"intent"`
	SessionID string `json:"sessionId"`
}

type createResponse struct {
	WorkflowID   string   `json:"workflow_id"`
	SessionID    string   `json:"session_id"`
	StepsCount   int      `json:"steps_count"`
	MissingTools []string `json:"missing_tools"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-User-ID header", nil)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Intent == "" || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "intent and sessionId are required", nil)
		return
	}

	meta := core.CallMeta{UserID: userID, SessionID: req.SessionID, AgentType: "planner"}
	wf, err := s.engine.CreateAndStart(r.Context(), meta, req.Intent)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrTokenLimitExceeded):
			s.writeError(w, http.StatusTooManyRequests, "token limit reached", err)
		case errors.Is(err, core.ErrPlanInvalid):
			s.writeError(w, http.StatusUnprocessableEntity, "could not build a valid plan", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "workflow creation failed", err)
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, createResponse{
		WorkflowID:   wf.ID,
		SessionID:    wf.SessionID,
		StepsCount:   len(wf.Steps),
		MissingTools: []string{},
	})
}

type stepView struct {
	Number      int                    `json:"number"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

type statusResponse struct {
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	TotalSteps  int        `json:"total_steps"`
	Steps       []stepView `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	wf, err := s.engine.Status(r.Context(), sessionID)
	if err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "workflow not found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "status lookup failed", err)
		return
	}

	steps := make([]stepView, 0, len(wf.Steps))
	for _, st := range wf.Steps {
		steps = append(steps, stepView{
			Number:      st.Number,
			Type:        string(st.Type),
			Description: st.Description,
			Status:      string(st.Status),
			Result:      st.Result,
			Error:       st.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:      string(wf.Status),
		CurrentStep: wf.CurrentStep,
		TotalSteps:  len(wf.Steps),
		Steps:       steps,
		CreatedAt:   wf.CreatedAt,
		CompletedAt: wf.CompletedAt,
	})
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowId")
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.engine.Confirm(r.Context(), workflowID, req.Confirmed); err != nil {
		switch {
		case core.IsNotFound(err):
			s.writeError(w, http.StatusNotFound, "workflow not found", err)
		case errors.Is(err, core.ErrWorkflowNotWaiting):
			s.writeError(w, http.StatusConflict, "workflow is not waiting for confirmation", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "confirmation failed", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if err := s.engine.Cancel(sessionID); err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "no running workflow for session", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "cancellation failed", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "cancelling"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC 3339", err)
			return
		}
		since = parsed
	}
	events, err := s.engine.Events(r.Context(), sessionID, since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "status events lookup failed", err)
		return
	}
	if events == nil {
		events = []engine.StatusEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-User-ID header", nil)
		return
	}
	settings, err := s.limiter.GetSettings(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading limits failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-User-ID header", nil)
		return
	}
	var settings tokens.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.limiter.PutSettings(r.Context(), userID, settings); err != nil {
		if errors.Is(err, core.ErrInvalidConfiguration) {
			s.writeError(w, http.StatusBadRequest, "invalid limit settings", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "saving limits failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-User-ID header", nil)
		return
	}
	usage, err := s.limiter.Usage(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading usage failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"usage": usage})
}

func (s *Server) handleLimitCheck(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-User-ID header", nil)
		return
	}
	estimate, err := strconv.ParseInt(r.URL.Query().Get("estimated_tokens"), 10, 64)
	if err != nil || estimate < 0 {
		s.writeError(w, http.StatusBadRequest, "estimated_tokens must be a non-negative integer", err)
		return
	}
	allowed, err := s.limiter.Check(r.Context(), userID, estimate)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "limit check failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed":          allowed,
		"estimated_tokens": estimate,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{
			"operation": "http_response",
			"error":     err.Error(),
		})
	}
}

// writeError answers with a one-line reason. Internal detail is only
// attached in debug mode; stack traces never cross the boundary.
func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{"error": message}
	if s.debug && err != nil {
		body["detail"] = err.Error()
	}
	if err != nil {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation": "http_request",
			"status":    status,
			"message":   message,
			"error":     err.Error(),
		})
	}
	s.writeJSON(w, status, body)
}
