package constants

// Server defaults
const (
	DefaultServerAddr            = ":8080"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultRetentionDays         = 30
	RetentionIntervalHours       = 24
)

// Database defaults
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
	DefaultMaxOpenConnections    = 1
)

// Queue names and defaults
const (
	QueueMessages = "messages"
	QueueWebhooks = "webhooks"
	QueueSessions = "sessions"

	DefaultQueueBackend   = "valkey"
	DefaultQueueAddress   = "localhost:6379"
	DefaultQueueKeyPrefix = "wagate"
	DefaultQueuePollSec   = 1
	DefaultPromoteEveryMs = 500
	DefaultDrainGraceSec  = 20
)

// Dispatch worker defaults
const (
	DefaultDispatchConcurrency     = 5
	DefaultDispatchRateLimitJobs   = 30
	DefaultDispatchRateLimitWindow = 60
	DefaultDispatchMaxAttempts     = 3
	DefaultDispatchBackoffMs       = 2000
	DefaultStaleAfterMinutes       = 15
	DefaultStaleCheckIntervalSec   = 60
)

// Webhook delivery defaults
const (
	DefaultWebhookConcurrency = 10
	DefaultWebhookTimeoutSec  = 10
	DefaultWebhookMaxAttempts = 5
	DefaultWebhookBackoffMs   = 3000
	DefaultWebhookSecretBytes = 32
)

// Session lifecycle defaults
const (
	DefaultSessionConcurrency       = 2
	DefaultSessionMaxAttempts       = 3
	DefaultSessionBackoffMs         = 5000
	DefaultReconnectGraceSec        = 5
	DefaultMaxSessionsPerTenant     = 2
	DefaultRecoveryConcurrency      = 4
	DefaultSessionEventBuffer       = 64
	DefaultMaxReconnectAttempts     = 5
	DefaultCredentialsDir           = "./data/credentials"
	DefaultWhatsAppLogLevel         = "WARN"
	DefaultLifecycleSubscriberQueue = 16
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
	DefaultMessageIDLength = 8
)

// Message limits
const (
	MaxMessageBodyLength = 4096
)

// Input limits
const (
	MinPhoneNumberLength = 7
	MaxPhoneNumberLength = 20
	MaxDisplayNameLength = 100
	MaxWebhookURLLength  = 2048
	MaxRequestBodyBytes  = 1 << 20
	MaxTenantIDLength    = 128
	MaxMediaRefLength    = 2048
)

// Encryption parameters for secrets stored at rest
const (
	EncryptionSalt       = "wagate-webhook-secret-salt-v1"
	EncryptionNonceSize  = 12
	EncryptionKeySize    = 32
	EncryptionIterations = 100000
	MinEncryptionSecret  = 32
)
