// Package normalize maps inbound socket events and poll records onto the
// canonical models.Notification.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"notify-relay/internal/models"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrEmptyBody    = errors.New("empty body")
)

// dedupWindow buckets timestamps when an id has to be derived from content.
const dedupWindow = 30 * time.Second

// Decode unmarshals a frame payload and normalizes it.
func Decode(event Event, data []byte) (models.Notification, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		var text string
		if json.Unmarshal(data, &text) != nil {
			return models.Notification{}, fmt.Errorf("decode %s: %w", event, err)
		}
		raw = map[string]any{"message": text}
	}
	return Normalize(event, raw)
}

// Normalize maps a raw record of the given event onto a Notification.
func Normalize(event Event, raw map[string]any) (models.Notification, error) {
	return NormalizeAt(event, raw, time.Now())
}

// NormalizeAt is Normalize with an explicit "now" used for missing or
// unparseable timestamps.
func NormalizeAt(event Event, raw map[string]any, now time.Time) (models.Notification, error) {
	dec, ok := decoders[event]
	if !ok {
		return models.Notification{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	rec := unwrap(raw)

	n := models.Notification{
		Kind:       dec.kind,
		Event:      string(event),
		SenderID:   firstString(rec, senderIDAliases),
		SenderName: firstString(rec, senderNameAliases),
		ReceiverID: firstString(rec, receiverAliases),
		ChatID:     firstString(rec, chatIDAliases),
		ClientID:   firstString(rec, clientIDAliases),
		Body:       firstString(rec, bodyAliases),
		Title:      firstString(rec, titleAliases),
		Read:       firstBool(rec, readAliases),
	}
	if n.SenderName == "" {
		n.SenderName = dec.unknown
	}

	if ts, ok := firstTime(rec, timestampAliases); ok {
		n.Timestamp = ts
	} else {
		n.Timestamp = now
	}

	if len(dec.payload) > 0 {
		n.Payload = collect(rec, dec.payload)
	}
	if n.Body == "" && dec.summarize != nil {
		n.Body = dec.summarize(n.Payload)
	}
	if n.Body == "" {
		return models.Notification{}, fmt.Errorf("%s: %w", event, ErrEmptyBody)
	}

	if n.Title == "" {
		if dec.titleIsWho {
			n.Title = n.SenderName
		} else {
			n.Title = dec.title
		}
	}

	n.ID = firstString(rec, idAliases)
	if n.ID == "" {
		n.ID = ContentID(n)
	}
	return n, nil
}

// ContentID derives a stable id for records the server sent without one, so
// the same event observed over the socket and by the poller collides.
func ContentID(n models.Notification) string {
	bucket := n.Timestamp.Truncate(dedupWindow).Unix()
	key := strings.Join([]string{
		string(n.Kind), n.SenderID, n.ChatID, n.Body, strconv.FormatInt(bucket, 10),
	}, "\x1f")
	return "h-" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}

func collect(rec map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func summarizeBid(p map[string]any) string {
	var parts []string
	if s := scalarString(p["loadId"]); s != "" {
		parts = append(parts, "load "+s)
	}
	if s := scalarString(p["rate"]); s != "" {
		parts = append(parts, "rate $"+s)
	}
	if s := scalarString(p["carrierName"]); s != "" {
		parts = append(parts, "from "+s)
	}
	if s := scalarString(p["status"]); s != "" {
		parts = append(parts, "status "+s)
	}
	return capitalize(strings.Join(parts, ", "))
}

func summarizePayment(p map[string]any) string {
	var parts []string
	if s := scalarString(p["amount"]); s != "" {
		amount := "$" + s
		if c := scalarString(p["currency"]); c != "" && c != "USD" {
			amount = s + " " + c
		}
		parts = append(parts, "payment of "+amount)
	}
	if s := scalarString(p["loadId"]); s != "" {
		parts = append(parts, "load "+s)
	}
	if s := scalarString(p["status"]); s != "" {
		parts = append(parts, s)
	}
	return capitalize(strings.Join(parts, ", "))
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
