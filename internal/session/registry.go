// Package session owns the live WhatsApp connections. Each session has at
// most one handle in memory; its persisted status is written only from here.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/constants"
	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/security"
	"wagate/pkg/whatsapp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	callbackTimeout  = 10 * time.Second
	reconnectTimeout = 2 * time.Minute
)

// untilTerminated lists every status a background write may leave.
// TERMINATED is only ever left by a new provision.
var untilTerminated = []models.SessionStatus{
	models.SessionInitializing,
	models.SessionQRReady,
	models.SessionConnected,
	models.SessionDisconnected,
	models.SessionFailed,
}

// Store is the persistence the registry needs
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, u models.SessionUpdate) error
	TransitionSession(ctx context.Context, id string, from []models.SessionStatus, u models.SessionUpdate) (bool, error)
	ListRecoverableSessions(ctx context.Context) ([]models.Session, error)
	CountLiveSessions(ctx context.Context, tenantID string) (int, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	AdvanceReceipts(ctx context.Context, sessionID string, externalIDs []string, status models.MessageStatus) ([]models.Message, error)
}

// PolicySource returns a tenant's pacing policy snapshot
type PolicySource interface {
	Policy(ctx context.Context, tenantID string) (models.PacingPolicy, error)
}

// Emitter publishes webhook events. Implementations log their own failures.
type Emitter interface {
	Emit(ctx context.Context, event models.WebhookEvent)
}

type Config struct {
	CredentialsDir      string
	ReconnectGrace      time.Duration
	MaxPerTenant        int
	RecoveryConcurrency int
}

// entry is a registered session. handle is nil while Connect is in flight.
type entry struct {
	tenantID string
	handle   whatsapp.Handle
	stop     chan struct{}
	stopOnce sync.Once
}

func (e *entry) halt() {
	e.stopOnce.Do(func() { close(e.stop) })
}

type Registry struct {
	cfg       Config
	connector whatsapp.Connector
	store     Store
	policies  PolicySource
	emitter   Emitter
	hub       *Hub
	logger    *logrus.Entry
	errLogger *apperrors.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	loops sync.WaitGroup
}

func NewRegistry(cfg Config, connector whatsapp.Connector, store Store, policies PolicySource, emitter Emitter, logger *logrus.Logger) *Registry {
	if cfg.CredentialsDir == "" {
		cfg.CredentialsDir = constants.DefaultCredentialsDir
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = time.Duration(constants.DefaultReconnectGraceSec) * time.Second
	}
	if cfg.MaxPerTenant <= 0 {
		cfg.MaxPerTenant = constants.DefaultMaxSessionsPerTenant
	}
	if cfg.RecoveryConcurrency <= 0 {
		cfg.RecoveryConcurrency = constants.DefaultRecoveryConcurrency
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Registry{
		cfg:       cfg,
		connector: connector,
		store:     store,
		policies:  policies,
		emitter:   emitter,
		hub:       NewHub(0),
		logger:    logging.Component(logger, "session"),
		errLogger: apperrors.NewLogger(logger),
		now:       time.Now,
		entries:   make(map[string]*entry),
		timers:    make(map[string]*time.Timer),
	}
}

// WithMetrics records active session gauges and lifecycle counters into m
func (r *Registry) WithMetrics(m *metrics.Registry) *Registry {
	r.metrics = m
	return r
}

// Hub returns the lifecycle fan-out used by the event stream endpoint
func (r *Registry) Hub() *Hub {
	return r.hub
}

// Provision creates the session record for a tenant, refusing tenants that
// already hold MaxPerTenant live sessions. It does not connect.
func (r *Registry) Provision(ctx context.Context, tenantID, displayName string) (*models.Session, error) {
	live, err := r.store.CountLiveSessions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if live >= r.cfg.MaxPerTenant {
		return nil, apperrors.NewRateLimitError(
			fmt.Sprintf("tenant already has %d live sessions (max %d)", live, r.cfg.MaxPerTenant), 0)
	}

	s := &models.Session{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		DisplayName: displayName,
		Status:      models.SessionInitializing,
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: s.ID,
		logging.FieldTenantID:  tenantID,
	}).Info("Session provisioned")
	return s, nil
}

// CreateSession starts a connection for sessionID. A second call while a
// handle or reservation exists returns ErrAlreadyActive and changes nothing.
func (r *Registry) CreateSession(ctx context.Context, sessionID, tenantID string) error {
	log := r.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: sessionID,
		logging.FieldTenantID:  tenantID,
	})

	e := &entry{tenantID: tenantID, stop: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.NewSessionUnavailableError(sessionID).WithContext("reason", "registry shut down")
	}
	if _, exists := r.entries[sessionID]; exists {
		r.mu.Unlock()
		log.Info("Session already active, skipping create")
		return apperrors.NewAlreadyActiveError(sessionID)
	}
	r.entries[sessionID] = e
	r.mu.Unlock()

	path, err := security.CredentialsPath(r.cfg.CredentialsDir, tenantID, sessionID)
	if err != nil {
		return r.failInit(sessionID, e, err)
	}

	handle, err := r.connector.Connect(ctx, sessionID, path)
	if err != nil {
		return r.failInit(sessionID, e, err)
	}

	r.mu.Lock()
	if r.entries[sessionID] != e {
		// destroyed while connecting
		r.mu.Unlock()
		if dErr := handle.Destroy(ctx); dErr != nil {
			log.WithError(dErr).Debug("Failed to destroy orphaned handle")
		}
		return apperrors.NewSessionUnavailableError(sessionID).WithContext("reason", "destroyed during connect")
	}
	e.handle = handle
	r.mu.Unlock()

	r.loops.Add(1)
	go r.eventLoop(sessionID, e)

	r.metrics.IncrementCounter(metrics.SessionsStarted, nil, "Connections started")
	r.updateGauge()
	log.Info("Session connection started")
	return nil
}

func (r *Registry) failInit(sessionID string, e *entry, cause error) error {
	r.mu.Lock()
	if r.entries[sessionID] == e {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	err := apperrors.NewAdapterInitError(sessionID, cause)
	r.errLogger.LogError(err, "Session init failed", logrus.Fields{logging.FieldSessionID: sessionID})

	if r.persist(sessionID, models.SessionUpdate{
		Status:    models.SessionFailed,
		LastError: models.StringPtr(cause.Error()),
	}) {
		r.publish(sessionID, e.tenantID, models.SessionFailed, "", cause.Error())
	}
	r.metrics.IncrementCounter(metrics.SessionInitFailed, nil, "Connections that failed to start")
	return err
}

// ReconnectSession tears down any existing handle and connects again,
// consuming one unit of the tenant's reconnect budget.
func (r *Registry) ReconnectSession(ctx context.Context, sessionID, tenantID string) error {
	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil || (tenantID != "" && s.TenantID != tenantID) {
		return apperrors.NewNotFoundError("session", sessionID)
	}
	tenantID = s.TenantID
	if s.Status == models.SessionTerminated {
		return errTerminated(sessionID)
	}

	log := r.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: sessionID,
		logging.FieldTenantID:  tenantID,
		"retry_count":          s.RetryCount,
	})

	policy := r.policy(ctx, tenantID)
	max := policy.MaxReconnectAttempts
	if max <= 0 {
		max = constants.DefaultMaxReconnectAttempts
	}

	if s.RetryCount >= max {
		maxErr := apperrors.NewMaxRetriesError(sessionID, max)
		r.persist(sessionID, models.SessionUpdate{
			Status:    models.SessionFailed,
			LastError: models.StringPtr(maxErr.Message),
		})
		r.publish(sessionID, tenantID, models.SessionFailed, "", maxErr.Message)
		r.emit(models.EventSessionFailed, tenantID, sessionID, map[string]interface{}{"reason": maxErr.Message})
		log.Warn("Reconnect budget exhausted")
		return maxErr
	}

	r.cancelReconnect(sessionID)
	r.destroyHandle(ctx, sessionID)

	restarted, err := r.store.TransitionSession(ctx, sessionID, untilTerminated, models.SessionUpdate{
		Status:     models.SessionInitializing,
		RetryCount: models.IntPtr(s.RetryCount + 1),
	})
	if err != nil {
		return err
	}
	if !restarted {
		return errTerminated(sessionID)
	}
	r.metrics.IncrementCounter(metrics.ReconnectsAttempt, nil, "Reconnect attempts")
	log.WithField(logging.FieldAttempt, s.RetryCount+1).Info("Reconnecting session")

	err = r.CreateSession(ctx, sessionID, tenantID)
	if errors.Is(err, apperrors.ErrAlreadyActive) {
		return nil
	}
	if err != nil && apperrors.GetCode(err) == apperrors.ErrCodeAdapterInit && policy.AutoReconnect {
		r.scheduleReconnect(sessionID, tenantID)
	}
	return err
}

func errTerminated(sessionID string) error {
	return apperrors.NewSessionUnavailableError(sessionID).WithContext("reason", "session terminated")
}

// DestroySession removes the live handle, if any, and marks the session
// TERMINATED. Safe to call repeatedly.
func (r *Registry) DestroySession(ctx context.Context, sessionID string) error {
	r.cancelReconnect(sessionID)
	tenantID := r.destroyHandle(ctx, sessionID)

	if err := r.store.UpdateSession(ctx, sessionID, models.SessionUpdate{
		Status:    models.SessionTerminated,
		QRPayload: models.StringPtr(""),
	}); err != nil {
		return err
	}

	r.publish(sessionID, tenantID, models.SessionTerminated, "", "")
	r.logger.WithField(logging.FieldSessionID, sessionID).Info("Session destroyed")
	return nil
}

// destroyHandle drops the entry and destroys its handle, ignoring errors.
// It returns the tenant of the removed entry, if there was one.
func (r *Registry) destroyHandle(ctx context.Context, sessionID string) string {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()

	if !ok {
		return ""
	}
	e.halt()
	if e.handle != nil {
		if err := e.handle.Destroy(ctx); err != nil {
			r.logger.WithError(err).WithField(logging.FieldSessionID, sessionID).Debug("Ignoring handle destroy error")
		}
	}
	r.updateGauge()
	return e.tenantID
}

// removeIfCurrent unregisters e only when it is still the registered entry
// and reports whether it did
func (r *Registry) removeIfCurrent(sessionID string, e *entry) bool {
	r.mu.Lock()
	current := r.entries[sessionID] == e
	if current {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	e.halt()
	if current && e.handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if err := e.handle.Destroy(ctx); err != nil {
			r.logger.WithError(err).WithField(logging.FieldSessionID, sessionID).Debug("Ignoring handle destroy error")
		}
	}
	r.updateGauge()
	return current
}

func (r *Registry) isCurrent(sessionID string, e *entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[sessionID] == e
}

func (r *Registry) IsSessionActive(sessionID string) bool {
	_, ok := r.GetClient(sessionID)
	return ok
}

// GetClient returns the live handle for sessionID. Reservations whose
// connect is still in flight do not count.
func (r *Registry) GetClient(sessionID string) (whatsapp.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// ActiveSessions lists the ids with a live handle
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.handle != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) ActiveCount() int {
	return len(r.ActiveSessions())
}

// InitializeAll restores every non-terminal session in the background and
// returns how many restores were started. Individual failures are logged.
func (r *Registry) InitializeAll(ctx context.Context) (int, error) {
	sessions, err := r.store.ListRecoverableSessions(ctx)
	if err != nil {
		return 0, err
	}

	r.logger.WithField("count", len(sessions)).Info("Restoring sessions")

	sem := make(chan struct{}, r.cfg.RecoveryConcurrency)
	go func() {
		for _, s := range sessions {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(s models.Session) {
				defer func() { <-sem }()
				if err := r.CreateSession(ctx, s.ID, s.TenantID); err != nil && !errors.Is(err, apperrors.ErrAlreadyActive) {
					r.logger.WithError(err).WithField(logging.FieldSessionID, s.ID).Warn("Failed to restore session")
				}
			}(s)
		}
	}()
	return len(sessions), nil
}

// Shutdown cancels pending reconnects and disconnects every handle without
// touching persisted status, so the next start restores the same sessions.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	r.timersMu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.timersMu.Unlock()

	for id, e := range entries {
		e.halt()
		if e.handle == nil {
			continue
		}
		if err := e.handle.Destroy(ctx); err != nil {
			r.logger.WithError(err).WithField(logging.FieldSessionID, id).Warn("Failed to disconnect session")
		}
	}

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.updateGauge()
	r.logger.WithField("count", len(entries)).Info("Session registry shut down")
	return nil
}

func (r *Registry) scheduleReconnect(sessionID, tenantID string) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	r.timersMu.Lock()
	defer r.timersMu.Unlock()

	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(r.cfg.ReconnectGrace, func() {
		r.timersMu.Lock()
		if r.timers[sessionID] != t {
			r.timersMu.Unlock()
			return
		}
		delete(r.timers, sessionID)
		r.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		if err := r.ReconnectSession(ctx, sessionID, tenantID); err != nil {
			r.logger.WithError(err).WithField(logging.FieldSessionID, sessionID).Warn("Scheduled reconnect failed")
		}
	})
	r.timers[sessionID] = t

	r.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: sessionID,
		"grace_ms":             r.cfg.ReconnectGrace.Milliseconds(),
	}).Info("Reconnect scheduled")
}

func (r *Registry) cancelReconnect(sessionID string) {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
}

// PendingReconnect reports whether a reconnect timer is armed for sessionID
func (r *Registry) PendingReconnect(sessionID string) bool {
	r.timersMu.Lock()
	defer r.timersMu.Unlock()
	_, ok := r.timers[sessionID]
	return ok
}

func (r *Registry) policy(ctx context.Context, tenantID string) models.PacingPolicy {
	p, err := r.policies.Policy(ctx, tenantID)
	if err != nil {
		r.logger.WithError(err).WithField(logging.FieldTenantID, tenantID).Warn("Failed to load policy, using defaults")
	}
	return p
}

// persist writes a status update from a background path; failures are logged
func (r *Registry) persist(sessionID string, u models.SessionUpdate) bool {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	applied, err := r.store.TransitionSession(ctx, sessionID, untilTerminated, u)
	if err != nil {
		r.errLogger.LogError(err, "Failed to persist session update", logrus.Fields{
			logging.FieldSessionID: sessionID,
			logging.FieldStatus:    u.Status,
		})
		return false
	}
	if !applied {
		r.logger.WithFields(logrus.Fields{
			logging.FieldSessionID: sessionID,
			logging.FieldStatus:    u.Status,
		}).Debug("Session terminated, update dropped")
	}
	return applied
}

func (r *Registry) publish(sessionID, tenantID string, status models.SessionStatus, qr, reason string) {
	r.hub.Publish(LifecycleEvent{
		SessionID: sessionID,
		TenantID:  tenantID,
		Status:    status,
		QR:        qr,
		Reason:    reason,
		At:        r.now().UTC(),
	})
}

func (r *Registry) emit(event, tenantID, sessionID string, data map[string]interface{}) {
	if r.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	r.emitter.Emit(ctx, models.WebhookEvent{
		Event:     event,
		TenantID:  tenantID,
		SessionID: sessionID,
		Data:      data,
		Timestamp: r.now().UTC(),
	})
}

func (r *Registry) updateGauge() {
	r.metrics.SetGauge(metrics.SessionsActive, float64(r.ActiveCount()), nil, "Sessions with a live connection")
}
