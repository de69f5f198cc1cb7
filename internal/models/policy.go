package models

// PacingPolicy is a tenant's anti-block configuration. Values are copied per
// dispatch so workers always see a consistent snapshot.
type PacingPolicy struct {
	MinDelayMs               int  `json:"minDelayMs"`
	MaxDelayMs               int  `json:"maxDelayMs"`
	MaxMsgsPerMinute         int  `json:"maxMsgsPerMinute"`
	MaxMsgsPerHour           int  `json:"maxMsgsPerHour"`
	MaxMsgsPerDay            int  `json:"maxMsgsPerDay"`
	TypingSimulation         bool `json:"typingSimulation"`
	TypingDurationMs         int  `json:"typingDurationMs"`
	OnlinePresenceSimulation bool `json:"onlinePresenceSimulation"`
	ReadReceipts             bool `json:"readReceipts"`
	BurstThreshold           int  `json:"burstThreshold"`
	CooldownAfterBurstMs     int  `json:"cooldownAfterBurstMs"`
	MaxNewChatsPerDay        int  `json:"maxNewChatsPerDay"`
	AutoReconnect            bool `json:"autoReconnect"`
	MaxReconnectAttempts     int  `json:"maxReconnectAttempts"`
	RiskAcknowledged         bool `json:"riskAcknowledged"`
}
