package pacing

import (
	"fmt"

	"wagate/internal/models"
)

// RecommendedDefaults is the policy used for tenants that have not configured one
func RecommendedDefaults() models.PacingPolicy {
	return models.PacingPolicy{
		MinDelayMs:               3000,
		MaxDelayMs:               7000,
		MaxMsgsPerMinute:         12,
		MaxMsgsPerHour:           200,
		MaxMsgsPerDay:            1000,
		TypingSimulation:         true,
		TypingDurationMs:         2000,
		OnlinePresenceSimulation: true,
		ReadReceipts:             true,
		MaxNewChatsPerDay:        50,
		CooldownAfterBurstMs:     30000,
		BurstThreshold:           10,
		AutoReconnect:            true,
		MaxReconnectAttempts:     5,
	}
}

// Risk thresholds above (or below, for delays) which a policy is considered
// likely to get the account flagged.
const (
	RiskMinDelayMs        = 1000
	RiskMaxMsgsPerMinute  = 30
	RiskMaxMsgsPerHour    = 500
	RiskMaxMsgsPerDay     = 3000
	RiskMaxNewChatsPerDay = 100
)

// Warning describes one risky policy value
type Warning struct {
	Field     string `json:"field"`
	Value     int    `json:"value"`
	Threshold int    `json:"threshold"`
	Message   string `json:"message"`
}

// Normalize fills unset numeric fields from the recommended defaults and
// swaps inverted delay bounds. Boolean toggles are taken as given.
func Normalize(p models.PacingPolicy) models.PacingPolicy {
	d := RecommendedDefaults()

	if p.MinDelayMs <= 0 {
		p.MinDelayMs = d.MinDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = d.MaxDelayMs
	}
	if p.MinDelayMs > p.MaxDelayMs {
		p.MinDelayMs, p.MaxDelayMs = p.MaxDelayMs, p.MinDelayMs
	}
	if p.TypingDurationMs <= 0 {
		p.TypingDurationMs = d.TypingDurationMs
	}
	if p.MaxReconnectAttempts <= 0 {
		p.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if p.MaxMsgsPerMinute < 0 {
		p.MaxMsgsPerMinute = 0
	}
	if p.MaxMsgsPerHour < 0 {
		p.MaxMsgsPerHour = 0
	}
	if p.MaxMsgsPerDay < 0 {
		p.MaxMsgsPerDay = 0
	}
	if p.MaxNewChatsPerDay < 0 {
		p.MaxNewChatsPerDay = 0
	}
	if p.BurstThreshold < 0 {
		p.BurstThreshold = 0
	}
	if p.CooldownAfterBurstMs < 0 {
		p.CooldownAfterBurstMs = 0
	}
	return p
}

// Assess lists every value that crosses a risk threshold. A zero cap means
// "unlimited" and is reported as risky too.
func Assess(p models.PacingPolicy) []Warning {
	var warnings []Warning

	if p.MinDelayMs < RiskMinDelayMs {
		warnings = append(warnings, Warning{
			Field:     "minDelayMs",
			Value:     p.MinDelayMs,
			Threshold: RiskMinDelayMs,
			Message:   fmt.Sprintf("delays under %dms look automated", RiskMinDelayMs),
		})
	}
	warnings = appendCapWarning(warnings, "maxMsgsPerMinute", p.MaxMsgsPerMinute, RiskMaxMsgsPerMinute)
	warnings = appendCapWarning(warnings, "maxMsgsPerHour", p.MaxMsgsPerHour, RiskMaxMsgsPerHour)
	warnings = appendCapWarning(warnings, "maxMsgsPerDay", p.MaxMsgsPerDay, RiskMaxMsgsPerDay)
	warnings = appendCapWarning(warnings, "maxNewChatsPerDay", p.MaxNewChatsPerDay, RiskMaxNewChatsPerDay)

	return warnings
}

func appendCapWarning(warnings []Warning, field string, value, threshold int) []Warning {
	if value > 0 && value <= threshold {
		return warnings
	}
	msg := fmt.Sprintf("%s above %d raises the risk of a ban", field, threshold)
	if value == 0 {
		msg = fmt.Sprintf("%s is unlimited", field)
	}
	return append(warnings, Warning{Field: field, Value: value, Threshold: threshold, Message: msg})
}
