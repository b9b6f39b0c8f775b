// Package surface renders stored notifications to the user: the bell, popup
// toasts, the open chat's message list and desktop notifications.
package surface

import (
	"net/url"
	"strconv"

	"notify-relay/internal/models"
	"notify-relay/internal/presence"
)

const (
	RouteBids          = "/bids"
	RoutePayments      = "/payments"
	RouteNotifications = "/notifications"
)

// Router moves the app to a route.
type Router interface {
	Navigate(route string)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(route string)

func (f RouterFunc) Navigate(route string) { f(route) }

// RouteFor returns where clicking n takes the user.
func RouteFor(n models.Notification) string {
	switch n.Kind {
	case models.KindMessage:
		q := url.Values{}
		switch {
		case n.ChatID != "":
			q.Set("chatId", n.ChatID)
		case n.SenderID != "":
			q.Set("userId", n.SenderID)
		default:
			return presence.ChatRoutePrefix
		}
		return presence.ChatRoutePrefix + "?" + q.Encode()
	case models.KindNewBid, models.KindBidAccepted, models.KindBidRejected:
		if loadID := payloadString(n, "loadId"); loadID != "" {
			return RouteBids + "?" + url.Values{"loadId": {loadID}}.Encode()
		}
		return RouteBids
	case models.KindPayment:
		return RoutePayments
	default:
		return RouteNotifications
	}
}

// payloadString formats a payload value; JSON numbers arrive as float64.
func payloadString(n models.Notification, key string) string {
	switch v := n.Payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}
