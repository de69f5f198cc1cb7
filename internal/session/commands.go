package session

import (
	"context"
	"errors"

	"wagate/internal/constants"
	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/models"
	"wagate/internal/queue"

	"github.com/sirupsen/logrus"
)

type Action string

const (
	ActionInit      Action = "init"
	ActionReconnect Action = "reconnect"
	ActionDestroy   Action = "destroy"
)

// Command is the payload of a sessions queue job
type Command struct {
	Action    Action `json:"action"`
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
}

// Commands routes lifecycle commands through the sessions queue when one is
// configured and straight to the registry otherwise.
type Commands struct {
	registry *Registry
	queue    queue.Enqueuer
	logger   *logrus.Entry
}

// NewCommands builds the command router. enq may be nil.
func NewCommands(registry *Registry, enq queue.Enqueuer, logger *logrus.Logger) *Commands {
	if logger == nil {
		logger = logrus.New()
	}
	return &Commands{
		registry: registry,
		queue:    enq,
		logger:   logging.Component(logger, "session-commands"),
	}
}

// Submit queues cmd, or runs it inline when there is no queue or the enqueue
// fails.
func (c *Commands) Submit(ctx context.Context, cmd Command) error {
	if c.queue != nil {
		_, err := c.queue.Enqueue(ctx, constants.QueueSessions, cmd)
		if err == nil {
			return nil
		}
		c.logger.WithError(err).WithField(logging.FieldSessionID, cmd.SessionID).Warn("Session queue unavailable, running command inline")
	}
	err := c.Execute(ctx, cmd)
	if errors.Is(err, apperrors.ErrAlreadyActive) {
		return nil
	}
	return err
}

// Execute runs cmd against the registry
func (c *Commands) Execute(ctx context.Context, cmd Command) error {
	c.logger.WithFields(logrus.Fields{
		logging.FieldSessionID: cmd.SessionID,
		"action":               cmd.Action,
	}).Info("Running session command")

	switch cmd.Action {
	case ActionInit:
		return c.registry.CreateSession(ctx, cmd.SessionID, cmd.TenantID)
	case ActionReconnect:
		return c.registry.ReconnectSession(ctx, cmd.SessionID, cmd.TenantID)
	case ActionDestroy:
		return c.registry.DestroySession(ctx, cmd.SessionID)
	default:
		return apperrors.NewValidationError("action", string(cmd.Action), "unknown session action")
	}
}

// Handle is the sessions queue job handler
func (c *Commands) Handle(ctx context.Context, job *queue.Job) error {
	var cmd Command
	if err := job.Decode(&cmd); err != nil {
		return err
	}

	err := c.Execute(ctx, cmd)
	switch {
	case err == nil, errors.Is(err, apperrors.ErrAlreadyActive):
		return nil
	case errors.Is(err, apperrors.ErrMaxRetriesExceeded),
		apperrors.GetCode(err) == apperrors.ErrCodeValidationFailed,
		apperrors.GetCode(err) == apperrors.ErrCodeNotFound:
		return queue.Permanent(err)
	}
	return err
}

// OnFailed marks the session FAILED once a command has used its attempts
func (c *Commands) OnFailed(ctx context.Context, job *queue.Job, err error) {
	var cmd Command
	if dErr := job.Decode(&cmd); dErr != nil || cmd.SessionID == "" {
		return
	}
	if errors.Is(err, apperrors.ErrMaxRetriesExceeded) {
		// already persisted FAILED by the registry
		return
	}

	if _, uErr := c.registry.store.TransitionSession(ctx, cmd.SessionID, untilTerminated, models.SessionUpdate{
		Status:    models.SessionFailed,
		LastError: models.StringPtr(err.Error()),
	}); uErr != nil {
		c.logger.WithError(uErr).WithField(logging.FieldSessionID, cmd.SessionID).Error("Failed to mark session failed")
	}
}
