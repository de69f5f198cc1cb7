package models

import "time"

// SessionStatus is the persisted lifecycle state of a session
type SessionStatus string

const (
	SessionInitializing SessionStatus = "INITIALIZING"
	SessionQRReady      SessionStatus = "QR_READY"
	SessionConnected    SessionStatus = "CONNECTED"
	SessionDisconnected SessionStatus = "DISCONNECTED"
	SessionFailed       SessionStatus = "FAILED"
	SessionTerminated   SessionStatus = "TERMINATED"
)

// RecoverableStatuses are the non-terminal states restored on startup
var RecoverableStatuses = []SessionStatus{
	SessionInitializing,
	SessionQRReady,
	SessionConnected,
	SessionDisconnected,
}

// LiveStatuses count against a tenant's session limit
var LiveStatuses = []SessionStatus{
	SessionInitializing,
	SessionQRReady,
	SessionConnected,
}

// IsTerminal reports whether no automatic transition leaves this state
func (s SessionStatus) IsTerminal() bool {
	return s == SessionFailed || s == SessionTerminated
}

// Session is one tenant-owned logical WhatsApp connection
type Session struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	DisplayName  string        `json:"displayName"`
	Status       SessionStatus `json:"status"`
	LinkedPhone  string        `json:"linkedPhone,omitempty"`
	QRPayload    string        `json:"qrPayload,omitempty"`
	RetryCount   int           `json:"retryCount"`
	LastActiveAt *time.Time    `json:"lastActiveAt,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// SessionUpdate carries a partial status write. Nil pointers leave the
// column untouched.
type SessionUpdate struct {
	Status       SessionStatus
	LinkedPhone  *string
	QRPayload    *string
	RetryCount   *int
	LastActiveAt *time.Time
	LastError    *string
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to i
func IntPtr(i int) *int {
	return &i
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
