package normalize

import (
	"strconv"
	"strings"
	"time"
)

const (
	unknownUser     = "Unknown User"
	unknownChatUser = "User"
)

// Field aliases in precedence order. Dotted paths descend into objects.
var (
	idAliases         = []string{"id", "_id", "notificationId", "messageId"}
	senderIDAliases   = []string{"senderId", "sender.id", "sender._id", "sender", "fromUserId", "from"}
	senderNameAliases = []string{"senderName", "sender.name", "sender.username", "userName", "bidderName", "fromName"}
	bodyAliases       = []string{"message", "text", "content", "body"}
	titleAliases      = []string{"title", "subject"}
	timestampAliases  = []string{"createdAt", "timestamp", "created_at", "date"}
	chatIDAliases     = []string{"chatId", "conversationId", "roomId", "chat._id"}
	receiverAliases   = []string{"receiverId", "recipientId", "to"}
	clientIDAliases   = []string{"tempId", "clientId", "clientMessageId"}
	readAliases       = []string{"read", "isRead", "seen"}
)

// envelopeKeys hold the real record when a server wraps it.
var envelopeKeys = []string{"data", "notification", "payload", "message"}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// lookup walks a dotted path.
func lookup(raw map[string]any, path string) (any, bool) {
	cur := any(raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first alias holding a non-empty scalar. Objects and
// arrays never match, so a nested "sender" object falls through to its fields.
func firstString(raw map[string]any, aliases []string) string {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

// firstBool reports the first alias holding a boolean or a "true" string.
func firstBool(raw map[string]any, aliases []string) bool {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case string:
			b, _ := strconv.ParseBool(t)
			return b
		}
	}
	return false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// firstTime parses the first alias holding a usable timestamp.
func firstTime(raw map[string]any, aliases []string) (time.Time, bool) {
	for _, a := range aliases {
		v, ok := lookup(raw, a)
		if !ok {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return fromEpoch(int64(t)), t > 0
	case int64:
		return fromEpoch(t), t > 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return fromEpoch(n), true
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts seconds or milliseconds.
func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// unwrap returns the wrapped record when the top level carries no body of
// its own.
func unwrap(raw map[string]any) map[string]any {
	if firstString(raw, bodyAliases) != "" {
		return raw
	}
	for _, k := range envelopeKeys {
		if inner, ok := raw[k].(map[string]any); ok {
			return inner
		}
	}
	return raw
}
