package pacing

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"wagate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChatter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *recordingChatter) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *recordingChatter) SendPresenceAvailable(ctx context.Context) error {
	return c.record("presence")
}

func (c *recordingChatter) StartTyping(ctx context.Context, chatID string) error {
	return c.record("typing:" + chatID)
}

func (c *recordingChatter) StopTyping(ctx context.Context, chatID string) error {
	return c.record("paused:" + chatID)
}

func recordSleeps(sleeps *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
}

func TestNormalize(t *testing.T) {
	t.Run("zero policy gets defaults", func(t *testing.T) {
		p := Normalize(models.PacingPolicy{})
		d := RecommendedDefaults()
		assert.Equal(t, d.MinDelayMs, p.MinDelayMs)
		assert.Equal(t, d.MaxDelayMs, p.MaxDelayMs)
		assert.Equal(t, d.TypingDurationMs, p.TypingDurationMs)
		assert.Equal(t, d.MaxReconnectAttempts, p.MaxReconnectAttempts)
	})

	t.Run("inverted bounds are swapped", func(t *testing.T) {
		p := Normalize(models.PacingPolicy{MinDelayMs: 8000, MaxDelayMs: 2000})
		assert.Equal(t, 2000, p.MinDelayMs)
		assert.Equal(t, 8000, p.MaxDelayMs)
	})

	t.Run("negative caps become unlimited", func(t *testing.T) {
		p := Normalize(models.PacingPolicy{MaxMsgsPerMinute: -1, MaxNewChatsPerDay: -4})
		assert.Zero(t, p.MaxMsgsPerMinute)
		assert.Zero(t, p.MaxNewChatsPerDay)
	})

	t.Run("toggles are kept", func(t *testing.T) {
		p := Normalize(models.PacingPolicy{TypingSimulation: false, AutoReconnect: false})
		assert.False(t, p.TypingSimulation)
		assert.False(t, p.AutoReconnect)
	})
}

func TestAssess(t *testing.T) {
	assert.Empty(t, Assess(RecommendedDefaults()), "recommended defaults are safe")

	risky := RecommendedDefaults()
	risky.MinDelayMs = 200
	risky.MaxMsgsPerMinute = 60
	risky.MaxMsgsPerDay = 0

	warnings := Assess(risky)
	fields := make([]string, 0, len(warnings))
	for _, w := range warnings {
		fields = append(fields, w.Field)
	}
	assert.ElementsMatch(t, []string{"minDelayMs", "maxMsgsPerMinute", "maxMsgsPerDay"}, fields)
}

func TestRandomDelay_StaysWithinBounds(t *testing.T) {
	policy := RecommendedDefaults()
	r := rand.New(rand.NewPCG(1, 2))
	p := NewPacer(WithRand(r.IntN))

	minSeen, maxSeen := time.Hour, time.Duration(0)
	for i := 0; i < 1000; i++ {
		d := p.RandomDelay(policy)
		require.GreaterOrEqual(t, d, 3000*time.Millisecond)
		require.LessOrEqual(t, d, 7000*time.Millisecond)
		minSeen = min(minSeen, d)
		maxSeen = max(maxSeen, d)
	}
	assert.Less(t, minSeen, 3500*time.Millisecond, "samples should spread across the range")
	assert.Greater(t, maxSeen, 6500*time.Millisecond)
}

func TestRandomDelay_InclusiveEnds(t *testing.T) {
	policy := models.PacingPolicy{MinDelayMs: 1000, MaxDelayMs: 1002}

	low := NewPacer(WithRand(func(n int) int { return 0 }))
	high := NewPacer(WithRand(func(n int) int { return n - 1 }))

	assert.Equal(t, 1000*time.Millisecond, low.RandomDelay(policy))
	assert.Equal(t, 1002*time.Millisecond, high.RandomDelay(policy))
}

func TestPace_Sequence(t *testing.T) {
	var sleeps []time.Duration
	chatter := &recordingChatter{}
	p := NewPacer(WithSleep(recordSleeps(&sleeps)), WithRand(func(n int) int { return 500 }))

	policy := RecommendedDefaults()
	out, err := p.Pace(context.Background(), chatter, "15550001111@s.whatsapp.net", policy)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"presence",
		"typing:15550001111@s.whatsapp.net",
		"paused:15550001111@s.whatsapp.net",
	}, chatter.calls)
	assert.Equal(t, []time.Duration{2000 * time.Millisecond, 3500 * time.Millisecond}, sleeps)
	assert.True(t, out.Presence)
	assert.True(t, out.Typed)
	assert.Equal(t, 3500*time.Millisecond, out.Delay)
}

func TestPace_SimulationDisabled(t *testing.T) {
	var sleeps []time.Duration
	chatter := &recordingChatter{}
	p := NewPacer(WithSleep(recordSleeps(&sleeps)))

	policy := RecommendedDefaults()
	policy.TypingSimulation = false
	policy.OnlinePresenceSimulation = false

	out, err := p.Pace(context.Background(), chatter, "chat", policy)
	require.NoError(t, err)
	assert.Empty(t, chatter.calls)
	assert.Len(t, sleeps, 1)
	assert.False(t, out.Typed)
}

func TestPace_ChatterErrorsIgnored(t *testing.T) {
	var sleeps []time.Duration
	chatter := &recordingChatter{err: errors.New("not connected")}
	p := NewPacer(WithSleep(recordSleeps(&sleeps)))

	_, err := p.Pace(context.Background(), chatter, "chat", RecommendedDefaults())
	assert.NoError(t, err)
	assert.Len(t, chatter.calls, 3)
}

func TestPace_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chatter := &recordingChatter{}
	p := NewPacer()

	_, err := p.Pace(ctx, chatter, "chat", RecommendedDefaults())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, chatter.calls, "paused:chat", "typing is always stopped")
}

// Consecutive sends on one lane are separated by at least the minimum delay
func TestPace_GapBetweenSends(t *testing.T) {
	var clock time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		clock += d
		return nil
	}
	r := rand.New(rand.NewPCG(7, 11))
	p := NewPacer(WithSleep(sleep), WithRand(r.IntN))

	policy := RecommendedDefaults()
	policy.TypingSimulation = false
	chatter := &recordingChatter{}

	var last time.Duration
	for i := 0; i < 1000; i++ {
		_, err := p.Pace(context.Background(), chatter, "chat", policy)
		require.NoError(t, err)
		if i > 0 {
			gap := clock - last
			require.GreaterOrEqual(t, gap, 3000*time.Millisecond)
			require.LessOrEqual(t, gap, 7000*time.Millisecond)
		}
		last = clock
	}
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestAdmit(t *testing.T) {
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	policy := RecommendedDefaults()

	tests := []struct {
		name     string
		activity models.SendActivity
		allowed  bool
		retry    time.Duration
	}{
		{name: "quiet session", activity: models.SendActivity{LastMinute: 1, LastHour: 5}, allowed: true},
		{name: "minute cap", activity: models.SendActivity{LastMinute: 12}, retry: time.Minute},
		{name: "hour cap", activity: models.SendActivity{LastHour: 200}, retry: time.Hour},
		{name: "day cap", activity: models.SendActivity{LastDay: 1000}, retry: 6 * time.Hour},
		{name: "new chat cap", activity: models.SendActivity{IsNewChat: true, NewChatsToday: 50}, retry: 6 * time.Hour},
		{name: "existing chat ignores new chat cap", activity: models.SendActivity{NewChatsToday: 50}, allowed: true},
		{
			name:     "burst cooldown",
			activity: models.SendActivity{BurstCount: 10, BurstOldest: now.Add(-10 * time.Second)},
			retry:    20 * time.Second,
		},
		{
			name:     "burst window elapsed",
			activity: models.SendActivity{BurstCount: 10, BurstOldest: now.Add(-40 * time.Second)},
			allowed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Admit(policy, tt.activity, now)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
				assert.Equal(t, tt.retry, d.RetryAfter)
			}
		})
	}
}

func TestAdmit_UnlimitedCaps(t *testing.T) {
	policy := models.PacingPolicy{}
	d := Admit(policy, models.SendActivity{LastMinute: 1000, LastDay: 100000, IsNewChat: true, NewChatsToday: 900}, time.Now())
	assert.True(t, d.Allowed)
}
