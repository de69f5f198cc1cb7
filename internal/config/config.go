package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"wagate/internal/constants"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/security"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

var (
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
	ErrUnknownQueueBackend = models.ConfigError{Message: "queue backend must be one of valkey, memory, none"}
)

// envOverlay is read from the process environment (and .env). Empty values
// leave the file configuration untouched.
type envOverlay struct {
	Environment      string `env:"WAGATE_ENV"`
	ServerAddr       string `env:"WAGATE_SERVER_ADDR"`
	DBPath           string `env:"WAGATE_DB_PATH"`
	QueueBackend     string `env:"WAGATE_QUEUE_BACKEND"`
	QueueAddress     string `env:"WAGATE_QUEUE_ADDRESS"`
	QueuePassword    string `env:"WAGATE_QUEUE_PASSWORD"`
	QueueDB          string `env:"WAGATE_QUEUE_DB"`
	CredentialsDir   string `env:"WAGATE_CREDENTIALS_DIR"`
	LogLevel         string `env:"WAGATE_LOG_LEVEL"`
	LogFormat        string `env:"WAGATE_LOG_FORMAT"`
	LogFile          string `env:"WAGATE_LOG_FILE"`
	TracingEnabled   string `env:"WAGATE_TRACING_ENABLED"`
	OTLPEndpoint     string `env:"WAGATE_OTLP_ENDPOINT"`
	EnableEncryption string `env:"WAGATE_ENABLE_ENCRYPTION"`
}

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	overlay, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	applyEnvironmentOverrides(&config, overlay)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config, overlay); err != nil {
		return nil, err
	}

	return &config, nil
}

// loadEnvironment reads .env when present; real environment variables win over it
func loadEnvironment() (envOverlay, error) {
	var overlay envOverlay
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return overlay, fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if err := env.Parse(&overlay); err != nil {
		return overlay, fmt.Errorf("failed to parse environment: %w", err)
	}
	return overlay, nil
}

func applyEnvironmentOverrides(c *models.Config, o envOverlay) {
	setString(&c.Server.Addr, o.ServerAddr)
	setString(&c.Database.Path, o.DBPath)
	setString(&c.Queue.Backend, o.QueueBackend)
	setString(&c.Queue.Address, o.QueueAddress)
	setString(&c.Queue.Password, o.QueuePassword)
	setString(&c.WhatsApp.CredentialsDir, o.CredentialsDir)
	setString(&c.Log.Level, o.LogLevel)
	setString(&c.Log.Format, o.LogFormat)
	setString(&c.Log.File, o.LogFile)
	setString(&c.Tracing.OTLPEndpoint, o.OTLPEndpoint)
	setString(&c.Tracing.Environment, o.Environment)

	if db, err := strconv.Atoi(o.QueueDB); err == nil {
		c.Queue.DB = db
	}
	if enabled, err := strconv.ParseBool(o.TracingEnabled); err == nil {
		c.Tracing.Enabled = enabled
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.WhatsApp.CredentialsDir == "" {
		c.WhatsApp.CredentialsDir = constants.DefaultCredentialsDir
	}
	if c.WhatsApp.LogLevel == "" {
		c.WhatsApp.LogLevel = constants.DefaultWhatsAppLogLevel
	}

	if c.Server.Addr == "" {
		c.Server.Addr = constants.DefaultServerAddr
	}
	defaultInt(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	defaultInt(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	defaultInt(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)
	defaultInt(&c.Database.MaxOpenConnections, constants.DefaultMaxOpenConnections)

	switch c.Queue.Backend {
	case "":
		c.Queue.Backend = constants.DefaultQueueBackend
	case "valkey", "memory", "none":
	default:
		return ErrUnknownQueueBackend
	}
	if c.Queue.Address == "" {
		c.Queue.Address = constants.DefaultQueueAddress
	}
	if c.Queue.KeyPrefix == "" {
		c.Queue.KeyPrefix = constants.DefaultQueueKeyPrefix
	}

	defaultInt(&c.Dispatch.Concurrency, constants.DefaultDispatchConcurrency)
	defaultInt(&c.Dispatch.RateLimitJobs, constants.DefaultDispatchRateLimitJobs)
	defaultInt(&c.Dispatch.RateLimitWindowSec, constants.DefaultDispatchRateLimitWindow)
	defaultInt(&c.Dispatch.MaxAttempts, constants.DefaultDispatchMaxAttempts)
	defaultInt(&c.Dispatch.InitialBackoffMs, constants.DefaultDispatchBackoffMs)
	defaultInt(&c.Dispatch.StaleAfterMinutes, constants.DefaultStaleAfterMinutes)
	defaultInt(&c.Dispatch.StaleCheckIntervalSec, constants.DefaultStaleCheckIntervalSec)

	defaultInt(&c.Webhook.Concurrency, constants.DefaultWebhookConcurrency)
	defaultInt(&c.Webhook.TimeoutSec, constants.DefaultWebhookTimeoutSec)
	defaultInt(&c.Webhook.MaxAttempts, constants.DefaultWebhookMaxAttempts)
	defaultInt(&c.Webhook.InitialBackoffMs, constants.DefaultWebhookBackoffMs)

	defaultInt(&c.Sessions.Concurrency, constants.DefaultSessionConcurrency)
	defaultInt(&c.Sessions.MaxAttempts, constants.DefaultSessionMaxAttempts)
	defaultInt(&c.Sessions.InitialBackoffMs, constants.DefaultSessionBackoffMs)
	defaultInt(&c.Sessions.ReconnectGraceSec, constants.DefaultReconnectGraceSec)
	defaultInt(&c.Sessions.MaxPerTenant, constants.DefaultMaxSessionsPerTenant)
	defaultInt(&c.Sessions.RecoveryConcurrency, constants.DefaultRecoveryConcurrency)

	if c.Pacing != nil {
		normalized := pacing.Normalize(*c.Pacing)
		c.Pacing = &normalized
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.File != "" {
		defaultInt(&c.Log.MaxSizeMB, 100)
		defaultInt(&c.Log.MaxBackups, 5)
		defaultInt(&c.Log.MaxAgeDays, 14)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "wagate"
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 0.1
	}
	if c.Tracing.Enabled && !c.Tracing.UseConsole && c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = "http://localhost:4318/v1/traces"
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	return nil
}

func defaultInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config, o envOverlay) error {
	encryption, _ := strconv.ParseBool(o.EnableEncryption)

	if o.Environment == "production" {
		if !encryption {
			return models.ConfigError{Message: "webhook secret encryption is required in production (set WAGATE_ENABLE_ENCRYPTION=true and WAGATE_ENCRYPTION_SECRET)"}
		}
		if c.Log.Level == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		if c.Queue.Backend == "memory" {
			return models.ConfigError{Message: "memory queue backend is not durable and cannot be used in production"}
		}
	} else if !encryption {
		fmt.Fprintf(os.Stderr, "WARNING: webhook secrets are stored unencrypted. Set WAGATE_ENABLE_ENCRYPTION=true for security.\n")
	}

	return nil
}
