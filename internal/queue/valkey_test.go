package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"wagate/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server only when WAGATE_TEST_VALKEY_ADDR is set
func newTestValkey(t *testing.T) *ValkeyBroker {
	t.Helper()
	addr := os.Getenv("WAGATE_TEST_VALKEY_ADDR")
	if addr == "" {
		t.Skip("WAGATE_TEST_VALKEY_ADDR not set")
	}
	b, err := NewValkeyBroker(context.Background(), models.QueueConfig{
		Address:   addr,
		KeyPrefix: "wagate-test-" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestValkeyBroker_PushPop(t *testing.T) {
	b := newTestValkey(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "q", []byte("one")))
	require.NoError(t, b.Push(ctx, "q", []byte("two")))

	first, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "one", string(first))

	second, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(second))

	empty, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestValkeyBroker_DelayedPromotion(t *testing.T) {
	b := newTestValkey(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Schedule(ctx, "q", []byte("due"), now.Add(-time.Second)))
	require.NoError(t, b.Schedule(ctx, "q", []byte("later"), now.Add(time.Hour)))

	n, err := b.PromoteDue(ctx, "q", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ready, delayed, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
	assert.Equal(t, int64(1), delayed)
}

func TestNewValkeyBroker_Unreachable(t *testing.T) {
	_, err := NewValkeyBroker(context.Background(), models.QueueConfig{Address: "127.0.0.1:1", KeyPrefix: "x"})
	assert.Error(t, err)
}
