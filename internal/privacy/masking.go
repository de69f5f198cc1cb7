package privacy

import (
	"fmt"
	"net/url"
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+15551234567" -> "+*******4567"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	if strings.HasPrefix(phone, "+") {
		return "+" + maskString(phone[1:], 4)
	}
	return maskString(phone, 4)
}

// MaskChatID masks the user part of a JID and keeps the server for debugging.
// A device suffix such as ":12" is dropped.
// Example: "15551234567:12@s.whatsapp.net" -> "*******4567@s.whatsapp.net"
func MaskChatID(chatID string) string {
	if chatID == "" {
		return ""
	}

	at := strings.IndexByte(chatID, '@')
	if at < 0 {
		return maskString(chatID, 4)
	}
	user, server := chatID[:at], chatID[at:]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return maskString(user, 4) + server
}

// MaskBody replaces message text with its length
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return fmt.Sprintf("<%d chars>", len([]rune(body)))
}

// MaskURL keeps scheme and host of a webhook URL and hides path and query,
// which often carry tokens.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskString(raw, 4)
	}
	if u.Path == "" || u.Path == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "linked_phone", "from", "to", "recipient":
			masked[k] = MaskPhoneNumber(s)
		case "chat_id", "chatId", "jid":
			masked[k] = MaskChatID(s)
		case "body":
			masked[k] = MaskBody(s)
		case "url", "endpoint":
			masked[k] = MaskURL(s)
		case "secret", "qr", "qr_payload":
			masked[k] = "[REDACTED]"
		default:
			masked[k] = v
		}
	}

	return masked
}
