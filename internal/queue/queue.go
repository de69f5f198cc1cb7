// Package queue provides durable job queues backed by Valkey (or an
// in-process broker) and a worker pool with bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "wagate/internal/errors"

	"github.com/google/uuid"
)

// Job is the envelope stored in the broker
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("malformed %s job %s: %w", j.Queue, j.ID, err))
	}
	return nil
}

// Broker moves raw job bytes between producers and workers. Pop returns
// nil, nil when nothing arrived within timeout.
type Broker interface {
	Push(ctx context.Context, queue string, data []byte) error
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Schedule(ctx context.Context, queue string, data []byte, at time.Time) error
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close()
}

// Enqueuer is what producers depend on
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}) (string, error)
}

// Client produces jobs onto a broker
type Client struct {
	broker Broker
	now    func() time.Time
}

// NewClient wraps a broker for producers
func NewClient(broker Broker) *Client {
	return &Client{broker: broker, now: time.Now}
}

// Broker exposes the underlying broker for workers
func (c *Client) Broker() Broker {
	return c.broker
}

// Enqueue marshals payload into a new job and pushes it. Broker failures
// come back as QueueUnavailable.
func (c *Client) Enqueue(ctx context.Context, queue string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s job: %w", queue, err)
	}

	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    raw,
		EnqueuedAt: c.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if err := c.broker.Push(ctx, queue, data); err != nil {
		return "", apperrors.NewQueueUnavailableError(queue, err)
	}
	return job.ID, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails on this attempt
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
