// Package dispatch accepts outbound sends, admits them against the tenant's
// pacing policy and runs them off the messages queue one session at a time.
package dispatch

import (
	"context"
	"time"

	"wagate/internal/constants"
	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/privacy"
	"wagate/internal/queue"
	"wagate/internal/validation"
	"wagate/pkg/whatsapp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	TransitionMessage(ctx context.Context, id string, from []models.MessageStatus, u models.MessageUpdate) (bool, error)
	SendActivity(ctx context.Context, sessionID, counterpart string, now time.Time, burstWindow time.Duration) (models.SendActivity, error)
	MessageStats(ctx context.Context, tenantID, sessionID string) (*models.MessageStats, error)
}

type PolicySource interface {
	Policy(ctx context.Context, tenantID string) (models.PacingPolicy, error)
}

type Emitter interface {
	Emit(ctx context.Context, event models.WebhookEvent)
}

// SendRequest is a tenant's request to deliver one message
type SendRequest struct {
	TenantID  string
	SessionID string
	Recipient string
	Body      string
	MediaRef  string
	Type      models.MessageType
}

// Service is the enqueue side of the dispatch pipeline
type Service struct {
	store     Store
	policies  PolicySource
	queue     queue.Enqueuer
	logger    *logrus.Entry
	errLogger *apperrors.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewService builds the send service. enq may be nil, in which case every
// send is rejected with QUEUE_UNAVAILABLE.
func NewService(store Store, policies PolicySource, enq queue.Enqueuer, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:     store,
		policies:  policies,
		queue:     enq,
		logger:    logging.Component(logger, "dispatch"),
		errLogger: apperrors.NewLogger(logger),
		now:       time.Now,
	}
}

func (s *Service) WithMetrics(m *metrics.Registry) *Service {
	s.metrics = m
	return s
}

// Send validates and admits req, records the message as QUEUED and enqueues
// it. The returned message is the persisted record.
func (s *Service) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	session, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get session", err)
	}
	if session == nil || session.TenantID != req.TenantID || session.Status != models.SessionConnected {
		return nil, apperrors.NewSessionUnavailableError(req.SessionID)
	}

	if s.queue == nil {
		return nil, apperrors.NewQueueUnavailableError(constants.QueueMessages, nil)
	}

	if err := validation.ValidateRecipient(req.Recipient); err != nil {
		return nil, err
	}
	if err := validation.ValidateMessageBody(req.Body, req.MediaRef); err != nil {
		return nil, err
	}

	chatID := whatsapp.NormalizeChatID(req.Recipient)

	policy, err := s.policies.Policy(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	activity, err := s.store.SendActivity(ctx, req.SessionID, chatID, now, pacing.BurstWindow(policy))
	if err != nil {
		return nil, apperrors.NewDatabaseError("read send activity", err)
	}
	if d := pacing.Admit(policy, activity, now); !d.Allowed {
		s.metrics.IncrementCounter(metrics.MessagesRejected, nil, "Sends rejected by pacing admission")
		s.logger.WithFields(logrus.Fields{
			logging.FieldSessionID: req.SessionID,
			logging.FieldTenantID:  req.TenantID,
			"reason":               d.Reason,
		}).Info("Send rejected by pacing policy")
		return nil, apperrors.NewRateLimitError(d.Reason, d.RetryAfter)
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageTypeChat
	}
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		TenantID:    req.TenantID,
		Direction:   models.DirectionOutbound,
		Counterpart: chatID,
		Body:        req.Body,
		Type:        msgType,
		MediaRef:    req.MediaRef,
		Status:      models.MessageQueued,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, apperrors.NewDatabaseError("create message", err)
	}

	job := models.OutboundMessageJob{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		TenantID:  msg.TenantID,
		Recipient: chatID,
		Body:      msg.Body,
		MediaRef:  msg.MediaRef,
		Type:      msg.Type,
	}
	if _, err := s.queue.Enqueue(ctx, constants.QueueMessages, job); err != nil {
		reason := "queue unavailable"
		if _, uErr := s.store.TransitionMessage(context.WithoutCancel(ctx), msg.ID,
			[]models.MessageStatus{models.MessageQueued},
			models.MessageUpdate{Status: models.MessageFailed, ErrorMessage: &reason}); uErr != nil {
			s.errLogger.LogError(uErr, "Failed to mark unqueued message failed", logrus.Fields{logging.FieldMessageID: msg.ID})
		}
		if apperrors.GetCode(err) == apperrors.ErrCodeQueueUnavailable {
			return nil, err
		}
		return nil, apperrors.NewQueueUnavailableError(constants.QueueMessages, err)
	}

	s.metrics.IncrementCounter(metrics.MessagesEnqueued, nil, "Outbound messages queued")
	s.logger.WithFields(logrus.Fields{
		logging.FieldMessageID: msg.ID,
		logging.FieldSessionID: msg.SessionID,
		logging.FieldChatID:    privacy.MaskChatID(chatID),
	}).Debug("Message queued")

	return msg, nil
}

// GetStats counts a tenant's messages by status. sessionID may be empty.
func (s *Service) GetStats(ctx context.Context, tenantID, sessionID string) (*models.MessageStats, error) {
	if sessionID != "" {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, apperrors.NewDatabaseError("get session", err)
		}
		if session == nil || session.TenantID != tenantID {
			return nil, apperrors.NewNotFoundError("session", sessionID)
		}
	}
	stats, err := s.store.MessageStats(ctx, tenantID, sessionID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("message stats", err)
	}
	return stats, nil
}

// GetMessage returns one of the tenant's messages
func (s *Service) GetMessage(ctx context.Context, tenantID, messageID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	if msg == nil || msg.TenantID != tenantID {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return msg, nil
}
