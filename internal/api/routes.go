package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/offboard-control/fcb/internal/audit"
	"github.com/offboard-control/fcb/internal/auth"
	"github.com/offboard-control/fcb/internal/telemetry"
)

const apiV1 = "/api/v1"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// RegisterRoutes registers every v1 endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	s.handle(mux, "/status", s.handleStatus, auth.ScopeRead)
	s.handle(mux, "/telemetry", s.handleTelemetry, auth.ScopeTelemetry)
	s.handle(mux, "/setpoint", s.handleSetpoint, auth.ScopeRead)
	s.handle(mux, "/offboard/start", s.handleStartOffboard, auth.ScopeControl)
	s.handle(mux, "/offboard/stop", s.handleStopOffboard, auth.ScopeControl)
	s.handle(mux, "/rtl", s.handleReturnToLaunch, auth.ScopeControl)
	s.handle(mux, "/failsafe", s.handleFailsafe, auth.ScopeControl)
	s.handle(mux, "/circuit-breaker", s.handleCircuitBreaker, auth.ScopeRead)
	s.handle(mux, "/circuit-breaker/history", s.handleCircuitBreakerHistory, auth.ScopeRead)
}

func (s *Server) handle(mux *http.ServeMux, path string, h http.HandlerFunc, scopes ...string) {
	if s.auth != nil {
		h = s.auth.Protect(h, scopes...)
	}
	mux.HandleFunc(apiV1+path, h)
}

// requireScope checks an extra scope for write methods on routes whose GET
// only needs read. Without auth every request passes.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if s.auth == nil {
		return true
	}
	if !auth.ClaimsFromContext(r.Context()).HasScope(scope) {
		WriteError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions", nil)
		return false
	}
	return true
}

// actionContext tags ctx with the token subject for the audit trail.
func actionContext(r *http.Request) context.Context {
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		return audit.WithUser(r.Context(), c.Subject)
	}
	return r.Context()
}

// decodeJSON decodes a single strict JSON object into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}

// handleHealth handles GET /health. It needs no token.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	st := s.orchestrator.VehicleState()
	health := map[string]interface{}{
		"status":      "ok",
		"version":     s.version,
		"uptimeSec":   int64(time.Since(s.startTime).Seconds()),
		"startedAt":   humanize.Time(s.startTime),
		"phase":       st.Phase,
		"connection":  st.Connection,
		"subscribers": s.telemetryHub.ClientCount(),
	}
	if st.Connection != telemetry.StateConnected {
		health["status"] = "degraded"
	}
	WriteSuccess(w, health)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"vehicle":        s.orchestrator.VehicleState(),
		"circuitBreaker": s.gate.Status(),
	})
}

// handleTelemetry handles GET /telemetry (SSE).
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		s.logger.Debug("telemetry subscriber ended", slog.Any("error", err))
	}
}

type setpointRequest struct {
	Fields map[string]float64 `json:"fields"`
}

// handleSetpoint handles GET and POST /setpoint.
func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		fws, err := s.orchestrator.FieldsWithStatus()
		if err != nil {
			writeAPIError(w, err)
			return
		}
		WriteSuccess(w, fws)
	case http.MethodPost:
		if !s.requireScope(w, r, auth.ScopeControl) {
			return
		}
		var req setpointRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAPIError(w, err)
			return
		}
		if len(req.Fields) == 0 {
			writeAPIError(w, fmt.Errorf("%w: fields must not be empty", ErrBadRequest))
			return
		}
		res, err := s.orchestrator.ApplySetpoint(actionContext(r), req.Fields)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		WriteSuccess(w, res)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleStartOffboard handles POST /offboard/start. A failed precondition
// is returned with the step list so the operator can see which one.
func (s *Server) handleStartOffboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	res, err := s.orchestrator.StartOffboardMode(actionContext(r))
	if err != nil {
		status, resp := ToAPIError(err)
		resp.Details = res
		writeResponse(w, status, resp)
		return
	}
	WriteSuccess(w, res)
}

func (s *Server) action(fn func(context.Context) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		res, err := fn(actionContext(r))
		if err != nil {
			writeAPIError(w, err)
			return
		}
		WriteSuccess(w, res)
	}
}

func (s *Server) handleStopOffboard(w http.ResponseWriter, r *http.Request) {
	s.action(func(ctx context.Context) (interface{}, error) {
		return s.orchestrator.StopOffboardMode(ctx)
	})(w, r)
}

func (s *Server) handleReturnToLaunch(w http.ResponseWriter, r *http.Request) {
	s.action(func(ctx context.Context) (interface{}, error) {
		return s.orchestrator.TriggerReturnToLaunch(ctx)
	})(w, r)
}

func (s *Server) handleFailsafe(w http.ResponseWriter, r *http.Request) {
	s.action(func(ctx context.Context) (interface{}, error) {
		return s.orchestrator.TriggerFailsafe(ctx)
	})(w, r)
}

type circuitBreakerRequest struct {
	Active *bool `json:"active"`
}

// handleCircuitBreaker handles GET and POST /circuit-breaker. Writes need
// the safety scope.
func (s *Server) handleCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		WriteSuccess(w, s.gate.Status())
	case http.MethodPost:
		if !s.requireScope(w, r, auth.ScopeSafety) {
			return
		}
		var req circuitBreakerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAPIError(w, err)
			return
		}
		if req.Active == nil {
			writeAPIError(w, fmt.Errorf("%w: active is required", ErrBadRequest))
			return
		}

		start := time.Now()
		was := s.gate.IsActive()
		s.gate.SetActive(*req.Active)
		s.logger.Warn("circuit breaker changed via API",
			slog.Bool("from", was), slog.Bool("to", *req.Active))
		if s.audit != nil {
			s.audit.LogAction(actionContext(r), "circuitBreaker", audit.OutcomeSuccess,
				map[string]any{"from": was, "to": *req.Active}, nil, time.Since(start))
		}
		WriteSuccess(w, s.gate.Status())
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleCircuitBreakerHistory handles GET /circuit-breaker/history?after=N.
func (s *Server) handleCircuitBreakerHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeAPIError(w, fmt.Errorf("%w: after must be a non-negative integer", ErrBadRequest))
			return
		}
		after = n
	}
	WriteSuccess(w, map[string]interface{}{"commands": s.gate.HistoryAfter(after)})
}
