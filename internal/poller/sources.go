package poller

import (
	"context"
	"time"

	"notify-relay/internal/api"
	"notify-relay/internal/normalize"
	"notify-relay/internal/presence"
)

const (
	SourceChat          = "chat"
	SourcePayments      = "payments"
	SourceNotifications = "notifications"
)

type Intervals struct {
	Chat          time.Duration
	Payments      time.Duration
	Notifications time.Duration
}

// DefaultSources returns the three REST sources. The chat source only polls
// while a chat is open.
func DefaultSources(client *api.Client, tracker *presence.Tracker, iv Intervals) []Source {
	return []Source{
		{
			Name:     SourceChat,
			Event:    normalize.EventReceiveMessage,
			Interval: iv.Chat,
			Enabled:  func() bool { return tracker.Current() != nil },
			Fetch: func(ctx context.Context) ([]api.Record, error) {
				current := tracker.Current()
				if current == nil {
					return nil, nil
				}
				return client.Messages(ctx, *current)
			},
		},
		{
			Name:     SourcePayments,
			Event:    normalize.EventPayment,
			Interval: iv.Payments,
			Fetch:    client.PaymentNotifications,
		},
		{
			Name:     SourceNotifications,
			Event:    normalize.EventNotification,
			Interval: iv.Notifications,
			Fetch:    client.Notifications,
		},
	}
}
