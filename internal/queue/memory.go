package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errBrokerClosed = errors.New("queue broker closed")

type delayedItem struct {
	at   time.Time
	data []byte
}

type memoryQueue struct {
	ready   [][]byte
	delayed []delayedItem
	signal  chan struct{}
}

// MemoryBroker is an in-process broker for single-node development and tests.
// Jobs do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memoryQueue)}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{signal: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) wake(q *memoryQueue) {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (b *MemoryBroker) Push(ctx context.Context, queue string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	q := b.queue(queue)
	q.ready = append(q.ready, append([]byte(nil), data...))
	b.wake(q)
	return nil
}

func (b *MemoryBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errBrokerClosed
		}
		q := b.queue(queue)
		if len(q.ready) > 0 {
			data := q.ready[0]
			q.ready = q.ready[1:]
			b.mu.Unlock()
			return data, nil
		}
		wait := q.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (b *MemoryBroker) Schedule(ctx context.Context, queue string, data []byte, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	q := b.queue(queue)
	q.delayed = append(q.delayed, delayedItem{at: at, data: append([]byte(nil), data...)})
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	return nil
}

func (b *MemoryBroker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)

	n := 0
	for n < len(q.delayed) && !q.delayed[n].at.After(now) {
		q.ready = append(q.ready, q.delayed[n].data)
		n++
	}
	if n > 0 {
		q.delayed = q.delayed[n:]
		b.wake(q)
	}
	return n, nil
}

// Depth returns the ready and delayed job counts of a queue
func (b *MemoryBroker) Depth(ctx context.Context, queue string) (ready, delayed int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return int64(len(q.ready)), int64(len(q.delayed)), nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.queues {
		b.wake(q)
	}
}
