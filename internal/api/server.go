// Package api serves the HTTP control API: call placement, the deferred
// call spool and health.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/api/middleware"
	"github.com/flowpbx/agigate/internal/callfile"
	"github.com/flowpbx/agigate/internal/server"
)

// Scheduler is the outbound call scheduler.
type Scheduler interface {
	Place(call callfile.Call) (callfile.Placement, error)
	Cancel(phoneNumber string, at time.Time, uniqueID string) error
	List() ([]callfile.Scheduled, error)
}

// StatsProvider reports acceptor counters.
type StatsProvider interface {
	Stats() server.Stats
}

// Config holds the API settings.
type Config struct {
	// JWTSecret enables bearer authentication on call endpoints when set.
	JWTSecret []byte

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	scheduler Scheduler
	stats     StatsProvider
	cfg       Config
	logger    *slog.Logger

	limiter      *middleware.ClientLimiter
	placeLimiter *middleware.ClientLimiter
	started      time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(scheduler Scheduler, stats StatsProvider, cfg Config, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:       chi.NewRouter(),
		scheduler:    scheduler,
		stats:        stats,
		cfg:          cfg,
		logger:       logger,
		limiter:      middleware.NewClientLimiter(middleware.APILimitConfig(), logger),
		placeLimiter: middleware.NewClientLimiter(middleware.PlacementLimitConfig(), logger),
		started:      time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweep goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.placeLimiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if len(s.cfg.JWTSecret) > 0 {
				r.Use(middleware.RequireToken(s.cfg.JWTSecret, s.logger))
			} else {
				s.logger.Warn("control api running without authentication")
			}

			r.With(middleware.RateLimit(s.placeLimiter)).Post("/calls", s.handlePlaceCall)
			r.Get("/calls/scheduled", s.handleListScheduled)
			r.Delete("/calls/scheduled", s.handleCancelCall)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

type healthResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Sessions      *server.Stats `json:"sessions,omitempty"`
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Sessions = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// placeCallRequest is the body of POST /api/v1/calls.
type placeCallRequest struct {
	PhoneNumber string            `json:"phone_number"`
	CallerID    string            `json:"caller_id"`
	Route       string            `json:"route"`
	HashData    map[string]any    `json:"hash_data"`
	SessionID   string            `json:"session_id"`
	At          *time.Time        `json:"at"`
	UniqueID    string            `json:"unique_id"`
	MaxRetries  int               `json:"max_retries"`
	RetryTime   int               `json:"retry_time"`
	WaitTime    int               `json:"wait_time"`
	Variables   map[string]string `json:"variables"`
}

func (req placeCallRequest) validate() string {
	if msg := validatePhoneNumber("phone_number", req.PhoneNumber); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("route", req.Route, maxRouteLen); msg != "" {
		return msg
	}
	if req.CallerID != "" {
		if msg := validatePhoneNumber("caller_id", req.CallerID); msg != "" {
			return msg
		}
	}
	if msg := validateStringLen("unique_id", req.UniqueID, maxShortStringLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("session_id", req.SessionID, maxShortStringLen*2); msg != "" {
		return msg
	}
	if req.MaxRetries < 0 || req.RetryTime < 0 || req.WaitTime < 0 {
		return "retry and wait values must not be negative"
	}
	if len(req.Variables) > maxVariables {
		return "too many variables"
	}
	return ""
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	call := callfile.Call{
		PhoneNumber: req.PhoneNumber,
		CallerID:    req.CallerID,
		Route:       req.Route,
		HashData:    req.HashData,
		SessionID:   req.SessionID,
		UniqueID:    req.UniqueID,
		MaxRetries:  req.MaxRetries,
		RetryTime:   req.RetryTime,
		WaitTime:    req.WaitTime,
		Variables:   req.Variables,
	}
	if req.At != nil && req.At.After(time.Now()) {
		call.At = *req.At
	}

	placement, err := s.scheduler.Place(call)
	if err != nil {
		var ae *agi.ApplicationError
		if errors.As(err, &ae) {
			writeError(w, http.StatusBadRequest, ae.Msg)
			return
		}
		s.logger.Error("placing call", "phone_number", req.PhoneNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to place call")
		return
	}

	s.logger.Info("call placed via api",
		"operator", middleware.OperatorFromContext(r.Context()),
		"phone_number", req.PhoneNumber,
		"deferred", placement.Deferred,
	)
	writeJSON(w, http.StatusCreated, placement)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	calls, err := s.scheduler.List()
	if err != nil {
		s.logger.Error("listing scheduled calls", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list scheduled calls")
		return
	}
	if calls == nil {
		calls = []callfile.Scheduled{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleCancelCall removes a deferred call identified by the query
// parameters phone_number, at (RFC 3339) and unique_id.
func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	phone := q.Get("phone_number")
	if msg := validatePhoneNumber("phone_number", phone); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	uniqueID := q.Get("unique_id")
	if msg := validateRequiredStringLen("unique_id", uniqueID, maxShortStringLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	at, err := time.Parse(time.RFC3339, q.Get("at"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
		return
	}

	if err := s.scheduler.Cancel(phone, at.Local(), uniqueID); err != nil {
		var ae *agi.ApplicationError
		if errors.As(err, &ae) {
			writeError(w, http.StatusBadRequest, ae.Msg)
			return
		}
		s.logger.Error("cancelling call", "phone_number", phone, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel call")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}
