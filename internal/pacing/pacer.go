package pacing

import (
	"context"
	"math/rand/v2"
	"time"

	"wagate/internal/models"
)

// Chatter is the part of a connection handle used to look human
type Chatter interface {
	SendPresenceAvailable(ctx context.Context) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
}

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Outcome records what a Pace call did
type Outcome struct {
	Presence bool
	Typed    bool
	Delay    time.Duration
}

// Pacer applies presence, typing and a random delay before a send
type Pacer struct {
	sleep SleepFunc
	intN  func(n int) int
}

// Option configures a Pacer
type Option func(*Pacer)

// WithSleep replaces the wall-clock sleep
func WithSleep(fn SleepFunc) Option {
	return func(p *Pacer) { p.sleep = fn }
}

// WithRand replaces the random source; fn must return a value in [0, n)
func WithRand(fn func(n int) int) Option {
	return func(p *Pacer) { p.intN = fn }
}

// NewPacer creates a Pacer using real time and math/rand/v2
func NewPacer(opts ...Option) *Pacer {
	p := &Pacer{
		sleep: Sleep,
		intN:  rand.IntN,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sleep waits for d unless ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RandomDelay draws uniformly from [MinDelayMs, MaxDelayMs], both inclusive
func (p *Pacer) RandomDelay(policy models.PacingPolicy) time.Duration {
	lo, hi := policy.MinDelayMs, policy.MaxDelayMs
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	ms := lo + p.intN(hi-lo+1)
	return time.Duration(ms) * time.Millisecond
}

// Pace runs the pre-send sequence. Presence and typing failures are ignored;
// only a cancelled context aborts pacing.
func (p *Pacer) Pace(ctx context.Context, chatter Chatter, chatID string, policy models.PacingPolicy) (Outcome, error) {
	var out Outcome

	if policy.OnlinePresenceSimulation {
		_ = chatter.SendPresenceAvailable(ctx)
		out.Presence = true
	}

	if policy.TypingSimulation {
		_ = chatter.StartTyping(ctx, chatID)
		err := p.sleep(ctx, time.Duration(policy.TypingDurationMs)*time.Millisecond)
		_ = chatter.StopTyping(context.WithoutCancel(ctx), chatID)
		if err != nil {
			return out, err
		}
		out.Typed = true
	}

	out.Delay = p.RandomDelay(policy)
	if err := p.sleep(ctx, out.Delay); err != nil {
		return out, err
	}
	return out, nil
}
