package normalize

import (
	"fmt"
	"sort"

	"notify-relay/internal/models"
)

// Event is an inbound transport event name. Only the events listed in
// decoders are accepted; adding a server event means adding a constant and
// its decoder here.
type Event string

const (
	EventNotification     Event = "notification"
	EventReceiveMessage   Event = "receive-message"
	EventPrivateMessage   Event = "private_message"
	EventNewBid           Event = "new-bid-notification"
	EventBidAccepted      Event = "bid-accepted-notification"
	EventBidRejected      Event = "bid-rejected-notification"
	EventBidSubmitted     Event = "bid-submitted"
	EventBidStatusUpdated Event = "bid-status-updated"
	EventPayment          Event = "payment_notification"
)

// decoder maps one event to the canonical shape.
type decoder struct {
	kind       models.Kind
	title      string
	unknown    string
	payload    []string
	summarize  func(payload map[string]any) string
	titleIsWho bool
}

var (
	bidPayload     = []string{"loadId", "bidId", "rate", "status", "carrierName", "bidderId"}
	paymentPayload = []string{"paymentId", "loadId", "amount", "currency", "status"}
	genericPayload = []string{"type", "link", "loadId"}
)

var decoders = map[Event]decoder{
	EventNotification:     {kind: models.KindGeneric, title: "Notification", unknown: unknownUser, payload: genericPayload},
	EventReceiveMessage:   {kind: models.KindMessage, unknown: unknownChatUser, titleIsWho: true},
	EventPrivateMessage:   {kind: models.KindMessage, unknown: unknownChatUser, titleIsWho: true},
	EventNewBid:           {kind: models.KindNewBid, title: "New bid", unknown: unknownUser, payload: bidPayload, summarize: summarizeBid},
	EventBidSubmitted:     {kind: models.KindNewBid, title: "New bid", unknown: unknownUser, payload: bidPayload, summarize: summarizeBid},
	EventBidAccepted:      {kind: models.KindBidAccepted, title: "Bid accepted", unknown: unknownUser, payload: bidPayload, summarize: summarizeBid},
	EventBidRejected:      {kind: models.KindBidRejected, title: "Bid rejected", unknown: unknownUser, payload: bidPayload, summarize: summarizeBid},
	EventBidStatusUpdated: {kind: models.KindGeneric, title: "Bid status updated", unknown: unknownUser, payload: bidPayload, summarize: summarizeBid},
	EventPayment:          {kind: models.KindPayment, title: "Payment update", unknown: unknownUser, payload: paymentPayload, summarize: summarizePayment},
}

// Parse resolves a transport event name.
func Parse(name string) (Event, error) {
	e := Event(name)
	if _, ok := decoders[e]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return e, nil
}

// Kind returns the notification kind an event decodes to.
func (e Event) Kind() models.Kind {
	return decoders[e].kind
}

func (e Event) Known() bool {
	_, ok := decoders[e]
	return ok
}

// Events lists every accepted inbound event name, sorted.
func Events() []Event {
	out := make([]Event, 0, len(decoders))
	for e := range decoders {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
