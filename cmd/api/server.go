package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/apperr"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub006/engine"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "principal"

// Server exposes the engine's commands and queries over HTTP.
type Server struct {
	engine  *engine.Engine
	auth    *auth.Service
	log     *zap.Logger
	metrics http.Handler
}

func NewServer(eng *engine.Engine, authService *auth.Service, log *zap.Logger, metrics http.Handler) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: eng, auth: authService, log: log, metrics: metrics}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/disputes", s.handleOpenDispute)
		r.Route("/disputes/{disputeID}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Post("/status", s.handleDisputeStatus)
			r.Put("/deadline", s.handleSetDeadline)
			r.Post("/messages", s.handleRecordMessage)
			r.Post("/evidence", s.handleAttachEvidence)
			r.Get("/timeline", s.handleListTimeline)
			r.Get("/audit", s.handleListAudit)
			r.Get("/enforcement", s.handleListEnforcement)
			r.Get("/resolutions", s.handleListResolutions)
			r.Post("/resolutions", s.handlePropose)
		})
		r.Route("/resolutions/{resolutionID}", func(r chi.Router) {
			r.Post("/agree", s.handleAgree)
			r.Post("/reject", s.handleReject)
			r.Post("/appeal", s.handleAppeal)
			r.Post("/execute", s.handleOverrideExecute)
			r.Get("/counters", s.handleListCounters)
			r.Post("/counters", s.handleSubmitCounter)
		})
		r.Route("/counters/{counterID}", func(r chi.Router) {
			r.Post("/accept", s.handleAcceptCounter)
			r.Post("/reject", s.handleRejectCounter)
			r.Post("/withdraw", s.handleWithdrawCounter)
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		principal, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal, principal)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func principalFrom(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(ctxKeyPrincipal).(auth.Principal)
	return p, ok && !p.IsSystem()
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// mapError translates an engine error kind to an HTTP status and code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, apperr.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrTransient):
		return http.StatusServiceUnavailable, "retry_later"
	case errors.Is(err, apperr.ErrTerminal):
		return http.StatusInternalServerError, "operator_attention"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if code == "internal" {
			writeError(w, status, code, "internal error")
			return
		}
	}
	writeError(w, status, code, err.Error())
}
