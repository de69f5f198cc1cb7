package pacing

import (
	"fmt"
	"time"

	"wagate/internal/models"
)

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Admit decides whether one more message may be queued for a session given
// its recent activity. Caps of zero are unlimited.
func Admit(p models.PacingPolicy, a models.SendActivity, now time.Time) Decision {
	if p.MaxMsgsPerMinute > 0 && a.LastMinute >= p.MaxMsgsPerMinute {
		return deny(fmt.Sprintf("per-minute limit (%d) reached", p.MaxMsgsPerMinute), time.Minute)
	}
	if p.MaxMsgsPerHour > 0 && a.LastHour >= p.MaxMsgsPerHour {
		return deny(fmt.Sprintf("per-hour limit (%d) reached", p.MaxMsgsPerHour), time.Hour)
	}
	if p.MaxMsgsPerDay > 0 && a.LastDay >= p.MaxMsgsPerDay {
		return deny(fmt.Sprintf("per-day limit (%d) reached", p.MaxMsgsPerDay), untilMidnight(now))
	}
	if a.IsNewChat && p.MaxNewChatsPerDay > 0 && a.NewChatsToday >= p.MaxNewChatsPerDay {
		return deny(fmt.Sprintf("new chats per day limit (%d) reached", p.MaxNewChatsPerDay), untilMidnight(now))
	}
	if p.BurstThreshold > 0 && p.CooldownAfterBurstMs > 0 && a.BurstCount >= p.BurstThreshold && !a.BurstOldest.IsZero() {
		cooldown := time.Duration(p.CooldownAfterBurstMs) * time.Millisecond
		if wait := a.BurstOldest.Add(cooldown).Sub(now); wait > 0 {
			return deny(fmt.Sprintf("burst of %d messages, cooling down", a.BurstCount), wait)
		}
	}
	return allow()
}

// BurstWindow is how far back admission looks to detect a burst
func BurstWindow(p models.PacingPolicy) time.Duration {
	return time.Duration(p.CooldownAfterBurstMs) * time.Millisecond
}

func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
