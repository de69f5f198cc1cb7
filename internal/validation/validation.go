package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"wagate/internal/constants"
	"wagate/internal/errors"
	"wagate/internal/models"
	"wagate/internal/security"
)

// ValidateRecipient accepts a phone number (optionally with a leading +) or a
// full WhatsApp JID such as 15551234567@s.whatsapp.net or a @g.us group id.
func ValidateRecipient(recipient string) error {
	if recipient == "" {
		return errors.NewValidationError("to", recipient, "recipient cannot be empty")
	}

	user := recipient
	if at := strings.IndexByte(recipient, '@'); at >= 0 {
		user = recipient[:at]
		server := recipient[at+1:]
		switch server {
		case "c.us", "s.whatsapp.net", "g.us", "lid":
		default:
			return errors.NewValidationError("to", recipient, "unsupported recipient server "+server)
		}
		if server == "g.us" {
			// group ids look like 120363012345678901 or 1555123-1612345678
			user = strings.ReplaceAll(user, "-", "")
		}
	}
	user = strings.TrimPrefix(user, "+")

	if len(user) < constants.MinPhoneNumberLength {
		return errors.NewValidationError("to", recipient,
			fmt.Sprintf("phone number must be at least %d digits", constants.MinPhoneNumberLength))
	}
	if len(user) > constants.MaxPhoneNumberLength && !strings.HasSuffix(recipient, "@g.us") {
		return errors.NewValidationError("to", recipient,
			fmt.Sprintf("phone number too long (max %d digits)", constants.MaxPhoneNumberLength))
	}
	for _, char := range user {
		if !unicode.IsDigit(char) {
			return errors.NewValidationError("to", recipient, "phone number must contain only digits")
		}
	}
	return nil
}

// ValidateMessageBody checks a text body is present and within limits
func ValidateMessageBody(body, mediaRef string) error {
	if strings.TrimSpace(body) == "" && mediaRef == "" {
		return errors.NewValidationError("body", "", "message body cannot be empty")
	}
	if len(body) > constants.MaxMessageBodyLength {
		return errors.NewValidationError("body", "",
			fmt.Sprintf("message body too long (max %d characters)", constants.MaxMessageBodyLength))
	}
	if len(mediaRef) > constants.MaxMediaRefLength {
		return errors.NewValidationError("mediaRef", "", "media reference too long")
	}
	return nil
}

// ValidateTenantID checks the tenant identifier used for scoping and credential paths
func ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return errors.NewValidationError("tenantId", tenantID, "tenant id cannot be empty")
	}
	if len(tenantID) > constants.MaxTenantIDLength {
		return errors.NewValidationError("tenantId", tenantID, "tenant id too long")
	}
	// the tenant id becomes a credentials directory name
	if err := security.ValidatePathComponent(tenantID); err != nil {
		return errors.NewValidationError("tenantId", tenantID,
			"tenant id must contain only ASCII letters, digits, underscores, and dashes")
	}
	return nil
}

// ValidateDisplayName validates a session's human label
func ValidateDisplayName(name string) error {
	return ValidateStringLength(name, "display name", 1, constants.MaxDisplayNameLength)
}

// ValidateWebhookURL requires an absolute http(s) URL
func ValidateWebhookURL(raw string) error {
	if raw == "" || len(raw) > constants.MaxWebhookURLLength {
		return errors.NewValidationError("url", raw, "webhook url is empty or too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.NewValidationError("url", raw, "webhook url is malformed")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewValidationError("url", raw, "webhook url must use http or https")
	}
	if u.Host == "" {
		return errors.NewValidationError("url", raw, "webhook url must have a host")
	}
	return nil
}

// ValidateEventNames requires a non-empty filter made only of known events
func ValidateEventNames(events []string) error {
	if len(events) == 0 {
		return errors.NewValidationError("events", "", "at least one event is required")
	}
	for _, e := range events {
		known := false
		for _, k := range models.KnownEvents {
			if e == k {
				known = true
				break
			}
		}
		if !known {
			return errors.NewValidationError("events", e, "unknown event")
		}
	}
	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}
	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateRetentionDays validates data retention period
func ValidateRetentionDays(days int) error {
	return ValidateNumericRange(days, "retention days", 1, 3650)
}
