package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"wagate/internal/constants"
	"wagate/internal/dispatch"
	apperrors "wagate/internal/errors"
	"wagate/internal/metrics"
	"wagate/internal/middleware"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/session"
	"wagate/internal/settings"
	"wagate/internal/tracing"
	"wagate/internal/validation"
	"wagate/internal/webhook"
	"wagate/pkg/circuitbreaker"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const healthTimeout = 2 * time.Second

// Store is the read side the HTTP layer needs directly
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, tenantID string) ([]models.Session, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the routes drive. Broker is nil when the
// queue is disabled or unreachable.
type Dependencies struct {
	Store    Store
	Database Pinger
	Broker   Pinger
	Registry *session.Registry
	Commands *session.Commands
	Dispatch *dispatch.Service
	Webhooks *webhook.Subscriptions
	Breakers *circuitbreaker.Group
	Settings *settings.Service
	Metrics  *metrics.Registry
}

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	deps   Dependencies
	cfg    models.ServerConfig
	server *http.Server
}

func NewServer(cfg models.ServerConfig, deps Dependencies, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		deps:   deps,
		cfg:    cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.deps.Metrics))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Tenant)

	api.HandleFunc("/sessions", s.handleCreateSession()).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSessionCommand(session.ActionDestroy)).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/reconnect", s.handleSessionCommand(session.ActionReconnect)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleSessionEvents()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/messages", s.handleSend()).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", s.handleListMessages()).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stats", s.handleStats()).Methods(http.MethodGet)

	api.HandleFunc("/messages/{id}", s.handleGetMessage()).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)

	api.HandleFunc("/webhooks", s.handleCreateWebhook()).Methods(http.MethodPost)
	api.HandleFunc("/webhooks", s.handleListWebhooks()).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook()).Methods(http.MethodDelete)

	api.HandleFunc("/policy", s.handleGetPolicy()).Methods(http.MethodGet)
	api.HandleFunc("/policy", s.handleUpdatePolicy()).Methods(http.MethodPut)
}

func (s *Server) Start() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = constants.DefaultServerAddr
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.cfg.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.cfg.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting server on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Handler implementations

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		body := map[string]interface{}{
			"status":         "ok",
			"database":       "up",
			"queue":          "disabled",
			"activeSessions": s.deps.Registry.ActiveCount(),
		}
		status := http.StatusOK

		if err := s.deps.Database.Ping(ctx); err != nil {
			body["status"] = "unavailable"
			body["database"] = "down"
			status = http.StatusServiceUnavailable
		}
		if s.deps.Broker != nil {
			body["queue"] = "up"
			if err := s.deps.Broker.Ping(ctx); err != nil {
				body["queue"] = "down"
				if status == http.StatusOK {
					body["status"] = "degraded"
				}
			}
		}

		writeJSON(w, status, body)
	}
}

type createSessionRequest struct {
	DisplayName string `json:"displayName"`
}

type sessionView struct {
	*models.Session
	Live             bool `json:"live"`
	ReconnectPending bool `json:"reconnectPending"`
}

func (s *Server) view(sess *models.Session) sessionView {
	return sessionView{
		Session:          sess,
		Live:             s.deps.Registry.IsSessionActive(sess.ID),
		ReconnectPending: s.deps.Registry.PendingReconnect(sess.ID),
	}
}

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req createSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := r.Context()
		sess, err := s.deps.Registry.Provision(ctx, tenantID, req.DisplayName)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		// the connect may run inline and must outlive the request
		if err := s.deps.Commands.Submit(context.WithoutCancel(ctx), session.Command{
			Action:    session.ActionInit,
			SessionID: sess.ID,
			TenantID:  tenantID,
		}); err != nil {
			s.writeError(w, r, err)
			return
		}

		if current, err := s.deps.Store.GetSession(ctx, sess.ID); err == nil && current != nil {
			sess = current
		}
		writeJSON(w, http.StatusCreated, s.view(sess))
	}
}

func (s *Server) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sessions, err := s.deps.Store.ListSessions(r.Context(), tenantID)
		if err != nil {
			s.writeError(w, r, apperrors.NewDatabaseError("list sessions", err))
			return
		}
		views := make([]sessionView, 0, len(sessions))
		for i := range sessions {
			views = append(views, s.view(&sessions[i]))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ownedSession(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(sess))
	}
}

// handleSessionCommand accepts reconnect and destroy requests. They run on the
// sessions queue when it is available, so the response only confirms acceptance.
func (s *Server) handleSessionCommand(action session.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ownedSession(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if err := s.deps.Commands.Submit(context.WithoutCancel(r.Context()), session.Command{
			Action:    action,
			SessionID: sess.ID,
			TenantID:  sess.TenantID,
		}); err != nil {
			s.writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"sessionId": sess.ID,
			"action":    action,
			"status":    "accepted",
		})
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	MediaRef  string `json:"mediaRef"`
	Type      string `json:"type"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req sendRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		msgType := models.MessageTypeChat
		if req.Type != "" {
			msgType = models.ParseMessageType(req.Type)
		}

		msg, err := s.deps.Dispatch.Send(r.Context(), dispatch.SendRequest{
			TenantID:  tenantID,
			SessionID: mux.Vars(r)["id"],
			Recipient: req.Recipient,
			Body:      req.Body,
			MediaRef:  req.MediaRef,
			Type:      msgType,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, msg)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.ownedSession(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil {
				s.writeError(w, r, apperrors.NewValidationError("limit", raw, "limit must be a number"))
				return
			}
			if err := validation.ValidateNumericRange(n, "limit", 1, 500); err != nil {
				s.writeError(w, r, err)
				return
			}
			limit = n
		}

		messages, err := s.deps.Store.ListMessages(r.Context(), sess.ID, limit)
		if err != nil {
			s.writeError(w, r, apperrors.NewDatabaseError("list messages", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
	}
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msg, err := s.deps.Dispatch.GetMessage(r.Context(), tenantID, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// handleStats serves both the per-session and the tenant-wide counts
func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		stats, err := s.deps.Dispatch.GetStats(r.Context(), tenantID, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type createdWebhook struct {
	models.WebhookSubscription
	Secret string `json:"secret"`
}

type webhookView struct {
	models.WebhookSubscription
	Endpoint *circuitbreaker.Stats `json:"endpoint,omitempty"`
}

func (s *Server) handleCreateWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var req createWebhookRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		sub, err := s.deps.Webhooks.Create(r.Context(), tenantID, req.URL, req.Events)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, createdWebhook{WebhookSubscription: *sub, Secret: sub.Secret})
	}
}

func (s *Server) handleListWebhooks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		subs, err := s.deps.Webhooks.List(r.Context(), tenantID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		views := make([]webhookView, 0, len(subs))
		for _, sub := range subs {
			v := webhookView{WebhookSubscription: sub}
			if s.deps.Breakers != nil {
				if cb, ok := s.deps.Breakers.Lookup(sub.URL); ok {
					stats := cb.Stats()
					v.Endpoint = &stats
				}
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": views})
	}
}

func (s *Server) handleDeleteWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.deps.Webhooks.Deactivate(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type policyResponse struct {
	Policy   models.PacingPolicy `json:"policy"`
	Warnings []pacing.Warning    `json:"warnings"`
}

type policyUpdateRequest struct {
	Policy          models.PacingPolicy `json:"policy"`
	AcknowledgeRisk bool                `json:"acknowledgeRisk"`
}

func (s *Server) handleGetPolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		policy, err := s.deps.Settings.Policy(r.Context(), tenantID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, policyResponse{Policy: policy, Warnings: nonNil(pacing.Assess(policy))})
	}
}

// handleUpdatePolicy merges the submitted fields over the current policy, so
// a client may send only what it changes.
func (s *Server) handleUpdatePolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		current, err := s.deps.Settings.Policy(r.Context(), tenantID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req := policyUpdateRequest{Policy: current}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		saved, warnings, err := s.deps.Settings.Update(r.Context(), tenantID, req.Policy, req.AcknowledgeRisk)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, policyResponse{Policy: saved, Warnings: nonNil(warnings)})
	}
}

// Helpers

func tenant(r *http.Request) (string, error) {
	tenantID := middleware.TenantID(r.Context())
	if err := validation.ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return tenantID, nil
}

// ownedSession loads the {id} session and hides sessions of other tenants
func (s *Server) ownedSession(r *http.Request) (*models.Session, error) {
	tenantID, err := tenant(r)
	if err != nil {
		return nil, err
	}
	id := mux.Vars(r)["id"]
	sess, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get session", err)
	}
	if sess == nil || sess.TenantID != tenantID {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	return sess, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
		return err
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, constants.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewValidationError("body", "", "request body is required")
		}
		return apperrors.NewValidationError("body", "", "invalid JSON body: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("request_id", tracing.RequestID(r.Context())).Error("Request failed")
	}
	if apperrors.GetCode(err) == apperrors.ErrCodeRateLimit {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			if ms, ok := appErr.Context["retry_after_ms"].(int64); ok && ms > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
			}
		}
	}
	writeJSON(w, status, apperrors.ToHTTPResponse(err, tracing.RequestID(r.Context())))
}

func nonNil(w []pacing.Warning) []pacing.Warning {
	if w == nil {
		return []pacing.Warning{}
	}
	return w
}
