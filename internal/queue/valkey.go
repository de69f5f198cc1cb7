package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wagate/internal/models"

	"github.com/valkey-io/valkey-go"
)

const promoteBatch = 100

// ValkeyBroker keeps ready jobs in a list per queue (LPUSH/BRPOP, FIFO) and
// delayed retries in a sorted set scored by due time in milliseconds.
type ValkeyBroker struct {
	client valkey.Client
	prefix string
}

// NewValkeyBroker connects and pings; an unreachable server is an error
func NewValkeyBroker(ctx context.Context, cfg models.QueueConfig) (*ValkeyBroker, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	b := &ValkeyBroker{client: client, prefix: cfg.KeyPrefix}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}
	return b, nil
}

func (b *ValkeyBroker) readyKey(queue string) string {
	return b.prefix + ":queue:" + queue
}

func (b *ValkeyBroker) delayedKey(queue string) string {
	return b.prefix + ":delayed:" + queue
}

func (b *ValkeyBroker) Push(ctx context.Context, queue string, data []byte) error {
	cmd := b.client.B().Lpush().Key(b.readyKey(queue)).Element(string(data)).Build()
	return b.client.Do(ctx, cmd).Error()
}

func (b *ValkeyBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	cmd := b.client.B().Brpop().Key(b.readyKey(queue)).Timeout(timeout.Seconds()).Build()
	reply, err := b.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(reply))
	}
	return []byte(reply[1]), nil
}

func (b *ValkeyBroker) Schedule(ctx context.Context, queue string, data []byte, at time.Time) error {
	cmd := b.client.B().Zadd().Key(b.delayedKey(queue)).ScoreMember().
		ScoreMember(float64(at.UnixMilli()), string(data)).Build()
	return b.client.Do(ctx, cmd).Error()
}

// PromoteDue moves due delayed jobs onto the ready list. ZREM acts as the
// claim so concurrent promoters never push the same job twice.
func (b *ValkeyBroker) PromoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	key := b.delayedKey(queue)
	cmd := b.client.B().Zrangebyscore().Key(key).Min("-inf").
		Max(strconv.FormatInt(now.UnixMilli(), 10)).Limit(0, promoteBatch).Build()
	due, err := b.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, nil
		}
		return 0, err
	}

	promoted := 0
	for _, member := range due {
		removed, err := b.client.Do(ctx, b.client.B().Zrem().Key(key).Member(member).Build()).AsInt64()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := b.Push(ctx, queue, []byte(member)); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Depth returns the ready and delayed job counts of a queue
func (b *ValkeyBroker) Depth(ctx context.Context, queue string) (ready, delayed int64, err error) {
	ready, err = b.client.Do(ctx, b.client.B().Llen().Key(b.readyKey(queue)).Build()).AsInt64()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = b.client.Do(ctx, b.client.B().Zcard().Key(b.delayedKey(queue)).Build()).AsInt64()
	return ready, delayed, err
}

func (b *ValkeyBroker) Ping(ctx context.Context) error {
	return b.client.Do(ctx, b.client.B().Ping().Build()).Error()
}

func (b *ValkeyBroker) Close() {
	b.client.Close()
}
