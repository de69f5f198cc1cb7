package dispatch

import (
	"context"
	"time"

	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/privacy"
	"wagate/internal/queue"
	"wagate/internal/tracing"
	"wagate/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

// Sessions resolves the live connection handle for a session
type Sessions interface {
	GetClient(sessionID string) (whatsapp.Handle, bool)
}

// Processor executes messages queue jobs
type Processor struct {
	store     Store
	sessions  Sessions
	policies  PolicySource
	emitter   Emitter
	pacer     *pacing.Pacer
	lanes     *Lanes
	logger    *logrus.Entry
	errLogger *apperrors.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

func NewProcessor(store Store, sessions Sessions, policies PolicySource, emitter Emitter, pacer *pacing.Pacer, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	if pacer == nil {
		pacer = pacing.NewPacer()
	}
	return &Processor{
		store:     store,
		sessions:  sessions,
		policies:  policies,
		emitter:   emitter,
		pacer:     pacer,
		lanes:     NewLanes(),
		logger:    logging.Component(logger, "dispatch-worker"),
		errLogger: apperrors.NewLogger(logger),
		now:       time.Now,
	}
}

func (p *Processor) WithMetrics(m *metrics.Registry) *Processor {
	p.metrics = m
	return p
}

// Process is the messages queue handler. A job whose message already reached
// a terminal status is acknowledged without side effects.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var j models.OutboundMessageJob
	if err := job.Decode(&j); err != nil {
		return err
	}

	log := p.logger.WithFields(logrus.Fields{
		logging.FieldMessageID: j.MessageID,
		logging.FieldSessionID: j.SessionID,
		logging.FieldAttempt:   job.Attempts + 1,
	})

	ctx, span := tracing.StartSpan(ctx, "dispatch.send",
		tracing.AttrMessageID.String(j.MessageID),
		tracing.AttrSessionID.String(j.SessionID),
		tracing.AttrTenantID.String(j.TenantID),
	)
	defer span.End()

	msg, err := p.store.GetMessage(ctx, j.MessageID)
	if err != nil {
		return apperrors.NewDatabaseError("get message", err)
	}
	if msg == nil {
		log.Warn("Message record missing, dropping job")
		return nil
	}
	if msg.Status.IsTerminal() {
		log.WithField(logging.FieldStatus, msg.Status).Debug("Duplicate delivery of settled message")
		return nil
	}

	claimed, err := p.store.TransitionMessage(ctx, j.MessageID,
		[]models.MessageStatus{models.MessageQueued, models.MessageProcessing},
		models.MessageUpdate{Status: models.MessageProcessing})
	if err != nil {
		return apperrors.NewDatabaseError("claim message", err)
	}
	if !claimed {
		log.Debug("Message settled concurrently, skipping")
		return nil
	}

	handle, ok := p.sessions.GetClient(j.SessionID)
	if !ok {
		return apperrors.NewSessionUnavailableError(j.SessionID)
	}

	policy, err := p.policies.Policy(ctx, j.TenantID)
	if err != nil {
		return err
	}

	release, err := p.lanes.Acquire(ctx, j.SessionID)
	if err != nil {
		return err
	}
	defer release()

	outcome, err := p.pacer.Pace(ctx, handle, j.Recipient, policy)
	if err != nil {
		return err
	}
	p.metrics.RecordTimer(metrics.PacingDelay, outcome.Delay, nil)

	body := j.Body
	if body == "" {
		body = j.MediaRef
	}

	// the stale monitor may have failed the message while we waited
	held, err := p.store.TransitionMessage(ctx, j.MessageID,
		[]models.MessageStatus{models.MessageProcessing},
		models.MessageUpdate{Status: models.MessageProcessing})
	if err != nil {
		return apperrors.NewDatabaseError("refresh message claim", err)
	}
	if !held {
		log.Warn("Message settled while waiting to send, dropping job")
		return nil
	}

	externalID, err := handle.Send(ctx, j.Recipient, body)
	if err != nil {
		return queue.Permanent(apperrors.Wrap(err, apperrors.ErrCodeSendFailed, "send failed"))
	}

	recorded, err := p.store.TransitionMessage(context.WithoutCancel(ctx), j.MessageID,
		[]models.MessageStatus{models.MessageProcessing},
		models.MessageUpdate{Status: models.MessageSent, ExternalID: &externalID})
	if err != nil {
		// already on the wire; a retry would send it twice
		p.errLogger.LogError(err, "Failed to record sent message", logrus.Fields{logging.FieldMessageID: j.MessageID})
	}
	if err == nil && !recorded {
		log.WithField("external_id", externalID).Warn("Message settled during send, sent event suppressed")
		return nil
	}

	p.metrics.IncrementCounter(metrics.MessagesSent, nil, "Outbound messages sent")
	p.emit(ctx, models.EventMessageSent, j, map[string]interface{}{
		"messageId":  j.MessageID,
		"to":         j.Recipient,
		"status":     string(models.MessageSent),
		"externalId": externalID,
	})

	log.WithFields(logrus.Fields{
		logging.FieldChatID: privacy.MaskChatID(j.Recipient),
		"delay_ms":          outcome.Delay.Milliseconds(),
	}).Info("Message sent")
	return nil
}

// OnFailed marks the message FAILED once its job is out of attempts
func (p *Processor) OnFailed(ctx context.Context, job *queue.Job, err error) {
	var j models.OutboundMessageJob
	if dErr := job.Decode(&j); dErr != nil || j.MessageID == "" {
		return
	}
	p.fail(ctx, j, err.Error())
}

func (p *Processor) fail(ctx context.Context, j models.OutboundMessageJob, reason string) {
	changed, err := p.store.TransitionMessage(ctx, j.MessageID,
		[]models.MessageStatus{models.MessageQueued, models.MessageProcessing},
		models.MessageUpdate{Status: models.MessageFailed, ErrorMessage: &reason})
	if err != nil {
		p.errLogger.LogError(err, "Failed to mark message failed", logrus.Fields{logging.FieldMessageID: j.MessageID})
		return
	}
	if !changed {
		return
	}

	p.metrics.IncrementCounter(metrics.MessagesFailed, nil, "Outbound messages that failed")
	p.emit(ctx, models.EventMessageFailed, j, map[string]interface{}{
		"messageId": j.MessageID,
		"to":        j.Recipient,
		"error":     reason,
	})
	p.logger.WithFields(logrus.Fields{
		logging.FieldMessageID: j.MessageID,
		logging.FieldSessionID: j.SessionID,
		"reason":               reason,
	}).Warn("Message failed")
}

func (p *Processor) emit(ctx context.Context, event string, j models.OutboundMessageJob, data map[string]interface{}) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(context.WithoutCancel(ctx), models.WebhookEvent{
		Event:     event,
		TenantID:  j.TenantID,
		SessionID: j.SessionID,
		Data:      data,
		Timestamp: p.now().UTC(),
	})
}
