package session

import (
	"context"
	"fmt"
	"runtime/debug"

	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"
	"wagate/pkg/whatsapp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// eventLoop consumes one handle's events in order until the entry is halted
func (r *Registry) eventLoop(sessionID string, e *entry) {
	defer r.loops.Done()

	events := e.handle.Events()
	for {
		select {
		case <-e.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(sessionID, e, ev)
		}
	}
}

func (r *Registry) handleEvent(sessionID string, e *entry, ev whatsapp.Event) {
	log := r.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: sessionID,
		logging.FieldTenantID:  e.tenantID,
		logging.FieldEvent:     ev.Kind,
	})

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).WithField("stack", string(debug.Stack())).Error("Recovered from panic in session event handler")
		}
	}()

	if !r.isCurrent(sessionID, e) {
		log.Debug("Dropping event from a retired handle")
		return
	}

	switch ev.Kind {
	case whatsapp.EventChallengeCode:
		r.onChallengeCode(sessionID, e, ev.Code)
	case whatsapp.EventReady:
		r.onReady(sessionID, e, ev.Phone, log)
	case whatsapp.EventDisconnected:
		r.onDisconnected(sessionID, e, ev.Reason, log)
	case whatsapp.EventAuthFailure:
		r.onAuthFailure(sessionID, e, ev.Reason, log)
	case whatsapp.EventInboundMessage:
		if ev.Message != nil {
			r.onInboundMessage(sessionID, e, *ev.Message, log)
		}
	case whatsapp.EventReceipt:
		if ev.Receipt != nil {
			r.onReceipt(sessionID, e, *ev.Receipt, log)
		}
	default:
		log.Debug("Ignoring unknown session event")
	}
}

func (r *Registry) transition(status models.SessionStatus) {
	r.metrics.IncrementCounter(metrics.SessionTransitions, map[string]string{"status": string(status)}, "Session status changes")
}

func (r *Registry) onChallengeCode(sessionID string, e *entry, code string) {
	if !r.persist(sessionID, models.SessionUpdate{
		Status:    models.SessionQRReady,
		QRPayload: models.StringPtr(code),
	}) {
		return
	}
	r.transition(models.SessionQRReady)
	r.publish(sessionID, e.tenantID, models.SessionQRReady, code, "")
}

func (r *Registry) onReady(sessionID string, e *entry, phone string, log *logrus.Entry) {
	if !r.persist(sessionID, models.SessionUpdate{
		Status:       models.SessionConnected,
		LinkedPhone:  models.StringPtr(phone),
		QRPayload:    models.StringPtr(""),
		RetryCount:   models.IntPtr(0),
		LastActiveAt: models.TimePtr(r.now()),
		LastError:    models.StringPtr(""),
	}) {
		return
	}
	r.transition(models.SessionConnected)
	r.publish(sessionID, e.tenantID, models.SessionConnected, "", "")
	r.emit(models.EventSessionConnected, e.tenantID, sessionID, map[string]interface{}{"phone": phone})

	log.WithField("phone", privacy.MaskPhoneNumber(phone)).Info("Session connected")
}

func (r *Registry) onDisconnected(sessionID string, e *entry, reason string, log *logrus.Entry) {
	applied := r.persist(sessionID, models.SessionUpdate{
		Status:    models.SessionDisconnected,
		LastError: models.StringPtr(reason),
	})
	// a destroy that raced this event owns the session from here on
	if !r.removeIfCurrent(sessionID, e) || !applied {
		log.Debug("Session retired during disconnect, not reconnecting")
		return
	}
	r.transition(models.SessionDisconnected)
	r.publish(sessionID, e.tenantID, models.SessionDisconnected, "", reason)
	r.emit(models.EventSessionDisconnected, e.tenantID, sessionID, map[string]interface{}{"reason": reason})

	log.WithField("reason", reason).Warn("Session disconnected")

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if r.policy(ctx, e.tenantID).AutoReconnect {
		r.scheduleReconnect(sessionID, e.tenantID)
	}
}

func (r *Registry) onAuthFailure(sessionID string, e *entry, reason string, log *logrus.Entry) {
	msg := fmt.Sprintf("Auth failure: %s", reason)
	applied := r.persist(sessionID, models.SessionUpdate{
		Status:    models.SessionFailed,
		LastError: models.StringPtr(msg),
	})
	if !r.removeIfCurrent(sessionID, e) || !applied {
		return
	}
	r.transition(models.SessionFailed)
	r.publish(sessionID, e.tenantID, models.SessionFailed, "", msg)
	r.emit(models.EventSessionFailed, e.tenantID, sessionID, map[string]interface{}{"reason": msg})

	log.WithField("reason", reason).Error("Session authentication failed")
}

func (r *Registry) onInboundMessage(sessionID string, e *entry, in whatsapp.InboundMessage, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		TenantID:    e.tenantID,
		Direction:   models.DirectionInbound,
		Counterpart: in.From,
		Body:        in.Body,
		Type:        models.ParseMessageType(in.Type),
		Status:      models.MessageReceived,
		ExternalID:  in.ID,
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.errLogger.LogError(err, "Failed to store inbound message", logrus.Fields{logging.FieldSessionID: sessionID})
		return
	}
	r.persist(sessionID, models.SessionUpdate{LastActiveAt: models.TimePtr(r.now())})
	r.metrics.IncrementCounter(metrics.MessagesReceived, nil, "Inbound messages stored")

	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	r.emit(models.EventMessageReceived, e.tenantID, sessionID, map[string]interface{}{
		"messageId": msg.ID,
		"from":      in.From,
		"body":      in.Body,
		"type":      string(msg.Type),
		"timestamp": ts.UTC().Unix(),
		"hasMedia":  in.HasMedia,
	})

	log.WithFields(logrus.Fields{
		logging.FieldMessageID: msg.ID,
		logging.FieldChatID:    privacy.MaskChatID(in.From),
	}).Debug("Inbound message stored")
}

func (r *Registry) onReceipt(sessionID string, e *entry, rc whatsapp.Receipt, log *logrus.Entry) {
	status, event := models.MessageDelivered, models.EventMessageDelivered
	if rc.Status == whatsapp.ReceiptRead {
		status, event = models.MessageRead, models.EventMessageRead
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	advanced, err := r.store.AdvanceReceipts(ctx, sessionID, rc.ExternalIDs, status)
	if err != nil {
		r.errLogger.LogError(err, "Failed to apply receipt", logrus.Fields{logging.FieldSessionID: sessionID})
		return
	}

	for _, m := range advanced {
		r.emit(event, e.tenantID, sessionID, map[string]interface{}{
			"messageId":  m.ID,
			"to":         m.Counterpart,
			"status":     string(status),
			"externalId": m.ExternalID,
		})
	}
	if len(advanced) > 0 {
		log.WithField("count", len(advanced)).Debug("Receipts applied")
	}
}
