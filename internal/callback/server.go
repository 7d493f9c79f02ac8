package callback

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/flowpbx/mediabot/internal/auth"
	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/callleg"
	"github.com/flowpbx/mediabot/internal/journal"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/platform"
	"github.com/flowpbx/mediabot/internal/workflow"
)

const correlationHeader = platform.HeaderChainID

// EventHistory reads back journaled events of a call leg.
type EventHistory interface {
	ListByLeg(ctx context.Context, legID string) ([]journal.Entry, error)
}

// Config holds the dependencies shared by every call leg the server creates.
type Config struct {
	Builder  *workflow.Builder
	Client   callleg.PlatformClient
	Handlers callleg.Handlers
	// Expiry is the per-leg watchdog interval; zero uses callleg.DefaultExpiry.
	Expiry time.Duration
	// EventLog, History, JoinSession and RateLimiter are optional.
	EventLog    callleg.EventLog
	History     EventHistory
	JoinSession media.Session
	RateLimiter *RateLimiter
	// CallbackSecret enables HS256 bearer verification on /v1/calls.
	CallbackSecret   []byte
	CallbackAudience string
	Logger           *slog.Logger
}

// Server is the webhook receiver for the calling platform plus the
// management endpoints that drive outbound operations.
type Server struct {
	router   *chi.Mux
	registry *Registry
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates the HTTP server with all routes mounted.
func NewServer(registry *Registry, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("subsystem", "callback"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying chi.Mux so the caller can mount more routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/calls", func(r chi.Router) {
		if s.cfg.RateLimiter != nil {
			r.Use(s.cfg.RateLimiter.Middleware)
		}
		if len(s.cfg.CallbackSecret) > 0 {
			r.Use(auth.RequireCallbackAuth(s.cfg.CallbackSecret, s.cfg.CallbackAudience))
		}

		// Posted by the calling platform.
		r.Post("/incoming", s.handleIncoming)
		r.Post("/callback", s.handleCallback)
		r.Post("/notification", s.handleNotification)

		// Management.
		r.Post("/join", s.handleJoin)
		r.Put("/{legID}/subscription", s.handleSubscribe)
		r.Delete("/{legID}", s.handleEndCall)
		r.Post("/{legID}/cleanup", s.handleCleanup)
		r.Get("/{legID}/events", s.handleEvents)
	})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_legs": s.registry.ActiveCount(),
	})
}

// newLeg creates and registers a controller for a new call attempt.
func (s *Server) newLeg(r *http.Request) (*callleg.Controller, error) {
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	opts := []callleg.Option{callleg.WithLogger(s.logger)}
	if s.cfg.EventLog != nil {
		opts = append(opts, callleg.WithEventLog(s.cfg.EventLog))
	}

	c, err := callleg.New(callleg.Config{
		CallLegID:     uuid.NewString(),
		CorrelationID: correlationID,
		Builder:       s.cfg.Builder,
		Expiry:        s.cfg.Expiry,
	}, s.cfg.Client, s.cfg.Handlers, opts...)
	if err != nil {
		return nil, err
	}
	s.registry.Add(c)
	s.logger.Debug("call leg created",
		"call_leg_id", c.CallLegID(),
		"correlation_id", c.CorrelationID(),
		"issuer", auth.CallbackIssuerFromContext(r.Context()),
	)
	return c, nil
}

// dropLeg forgets a leg that never reached the platform.
func (s *Server) dropLeg(c *callleg.Controller) {
	c.Watchdog().Cancel()
	s.registry.Remove(c.CallLegID())
}

// leg resolves the {legID} path parameter, writing 404 if unknown.
func (s *Server) leg(w http.ResponseWriter, legID string) (*callleg.Controller, bool) {
	c, ok := s.registry.Get(legID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown call leg")
	}
	return c, ok
}

// handleIncoming handles POST /v1/calls/incoming. It answers 200 with the
// workflow, or 204 when no incoming call handler took the call.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	var conv callevent.Conversation
	if errMsg := readPlatformJSON(r, &conv); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c, err := s.newLeg(r)
	if err != nil {
		s.logger.Error("creating call leg", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	wf, err := c.HandleIncomingCall(r.Context(), &conv)
	if err != nil {
		s.dropLeg(c)
		writeLegError(w, r, s.logger, c, err)
		return
	}
	if wf == nil {
		s.dropLeg(c)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeWorkflow(w, wf)
}

// handleCallback handles POST /v1/calls/callback, routed by app state.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var result callevent.ConversationResult
	if errMsg := readPlatformJSON(r, &result); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if result.AppState == "" {
		writeError(w, http.StatusBadRequest, "appState is required")
		return
	}
	c, ok := s.leg(w, result.AppState)
	if !ok {
		s.logger.Warn("conversation result for unknown call leg", "app_state", result.AppState)
		return
	}

	wf, err := c.ProcessConversationResult(r.Context(), &result)
	if err != nil {
		writeLegError(w, r, s.logger, c, err)
		return
	}
	writeWorkflow(w, wf)
}

// handleNotification handles POST /v1/calls/notification.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	var env callevent.NotificationEnvelope
	if errMsg := readPlatformJSON(r, &env); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if env.AppState == "" {
		writeError(w, http.StatusBadRequest, "appState is required")
		return
	}
	c, ok := s.leg(w, env.AppState)
	if !ok {
		s.logger.Warn("notification for unknown call leg", "app_state", env.AppState)
		return
	}

	n, err := callevent.DecodeNotification(env.Notification)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification")
		return
	}

	if err := c.ProcessNotificationResult(r.Context(), n); err != nil {
		writeLegError(w, r, s.logger, c, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type joinRequest struct {
	JoinToken   string `json:"join_token"`
	DisplayName string `json:"display_name"`
}

type joinResponse struct {
	CallLegID     string             `json:"call_leg_id"`
	CorrelationID string             `json:"correlation_id"`
	Workflow      *workflow.Workflow `json:"workflow"`
}

// handleJoin handles POST /v1/calls/join. The bot joins with the configured
// media session.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JoinSession == nil {
		writeError(w, http.StatusServiceUnavailable, "join not configured")
		return
	}

	var req joinRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.JoinToken == "" {
		writeError(w, http.StatusBadRequest, "join_token is required")
		return
	}

	c, err := s.newLeg(r)
	if err != nil {
		s.logger.Error("creating call leg", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	wf, err := c.HandleJoinCall(r.Context(), callleg.JoinCallParameters{
		JoinToken:    req.JoinToken,
		DisplayName:  req.DisplayName,
		MediaSession: s.cfg.JoinSession,
	})
	if err != nil {
		s.dropLeg(c)
		writeLegError(w, r, s.logger, c, err)
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{
		CallLegID:     c.CallLegID(),
		CorrelationID: c.CorrelationID(),
		Workflow:      wf,
	})
}

// handleSubscribe handles PUT /v1/calls/{legID}/subscription.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	c, ok := s.leg(w, chi.URLParam(r, "legID"))
	if !ok {
		return
	}

	var sub workflow.VideoSubscription
	if errMsg := readJSON(r, &sub); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := c.Subscribe(r.Context(), sub); err != nil {
		writeLegError(w, r, s.logger, c, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// handleEndCall handles DELETE /v1/calls/{legID}.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	c, ok := s.leg(w, chi.URLParam(r, "legID"))
	if !ok {
		return
	}

	if err := c.EndCall(r.Context()); err != nil {
		writeLegError(w, r, s.logger, c, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// handleCleanup handles POST /v1/calls/{legID}/cleanup.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	c, ok := s.leg(w, chi.URLParam(r, "legID"))
	if !ok {
		return
	}

	if err := c.LocalCleanup(r.Context()); err != nil {
		writeLegError(w, r, s.logger, c, err)
		return
	}
	c.Watchdog().Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned_up"})
}

// handleEvents handles GET /v1/calls/{legID}/events. It reads the journal,
// so it also answers for legs that are already gone.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal not configured")
		return
	}

	entries, err := s.cfg.History.ListByLeg(r.Context(), chi.URLParam(r, "legID"))
	if err != nil {
		s.logger.Error("reading call events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
