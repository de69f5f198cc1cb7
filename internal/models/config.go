package models

// Config holds the application configuration
type Config struct {
	Server        ServerConfig   `json:"server"`
	Database      DatabaseConfig `json:"database"`
	Queue         QueueConfig    `json:"queue"`
	WhatsApp      WhatsAppConfig `json:"whatsapp"`
	Dispatch      DispatchConfig `json:"dispatch"`
	Webhook       WebhookConfig  `json:"webhook"`
	Sessions      SessionsConfig `json:"sessions"`
	Pacing        *PacingPolicy  `json:"pacing,omitempty"`
	Log           LogConfig      `json:"log"`
	Tracing       TracingConfig  `json:"tracing"`
	RetentionDays int            `json:"retentionDays"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string `json:"addr"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path               string `json:"path"`
	MaxOpenConnections int    `json:"maxOpenConnections"`
}

// QueueConfig selects and addresses the durable queue broker
type QueueConfig struct {
	Backend   string `json:"backend"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix"`
}

// WhatsAppConfig holds connector settings
type WhatsAppConfig struct {
	CredentialsDir string `json:"credentialsDir"`
	LogLevel       string `json:"logLevel"`
}

// DispatchConfig holds outbound message worker settings
type DispatchConfig struct {
	Concurrency           int `json:"concurrency"`
	RateLimitJobs         int `json:"rateLimitJobs"`
	RateLimitWindowSec    int `json:"rateLimitWindowSec"`
	MaxAttempts           int `json:"maxAttempts"`
	InitialBackoffMs      int `json:"initialBackoffMs"`
	StaleAfterMinutes     int `json:"staleAfterMinutes"`
	StaleCheckIntervalSec int `json:"staleCheckIntervalSec"`
}

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	Concurrency      int `json:"concurrency"`
	TimeoutSec       int `json:"timeoutSec"`
	MaxAttempts      int `json:"maxAttempts"`
	InitialBackoffMs int `json:"initialBackoffMs"`
}

// SessionsConfig holds lifecycle settings
type SessionsConfig struct {
	Concurrency         int `json:"concurrency"`
	MaxAttempts         int `json:"maxAttempts"`
	InitialBackoffMs    int `json:"initialBackoffMs"`
	ReconnectGraceSec   int `json:"reconnectGraceSec"`
	MaxPerTenant        int `json:"maxPerTenant"`
	RecoveryConcurrency int `json:"recoveryConcurrency"`
}

// LogConfig controls the logrus logger and optional rotating file output
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseConsole     bool    `json:"useConsole"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
