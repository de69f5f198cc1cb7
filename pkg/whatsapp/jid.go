package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// NormalizeChatID turns a phone number or a legacy c.us id into the
// canonical user JID string. Group and lid ids are returned unchanged.
func NormalizeChatID(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if at := strings.IndexByte(recipient, '@'); at >= 0 {
		user, server := recipient[:at], recipient[at+1:]
		if server == "c.us" {
			server = types.DefaultUserServer
		}
		return strings.TrimPrefix(user, "+") + "@" + server
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, recipient)
	return digits + "@" + types.DefaultUserServer
}

// ParseChatID normalizes recipient and parses it into a whatsmeow JID
func ParseChatID(recipient string) (types.JID, error) {
	jid, err := types.ParseJID(NormalizeChatID(recipient))
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid chat id %q: %w", recipient, err)
	}
	if jid.User == "" {
		return types.JID{}, fmt.Errorf("invalid chat id %q: missing user", recipient)
	}
	return jid, nil
}
