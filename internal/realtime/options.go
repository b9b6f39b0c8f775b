package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notify-relay/internal/config"
	"notify-relay/internal/models"
	"notify-relay/internal/poller"
	"notify-relay/internal/redis"
	"notify-relay/internal/store"
	"notify-relay/internal/surface"
)

const defaultBellCapacity = 200

// Broadcaster mirrors bell changes to the other tabs of the same user.
type Broadcaster interface {
	PublishInserted(userKey string, n models.Notification) error
	PublishRead(userKey, id string) error
	PublishReadAll(userKey string) error
	PublishRemoved(userKey, id string) error
	PublishCleared(userKey string) error
	Subscribe(ctx context.Context, userKey string, apply func(redis.Remote)) error
}

type Options struct {
	WSURL  string
	APIURL string

	PopupTTL     time.Duration
	SendTimeout  time.Duration
	BellCapacity int
	Intervals    poller.Intervals

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
	HTTPClient           *http.Client

	Router      surface.Router
	Notifier    surface.DesktopNotifier
	Broadcaster Broadcaster
	Scheduler   store.Scheduler
	Logger      *zap.Logger
}

// FromConfig maps the loaded configuration onto provider options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		WSURL:       cfg.WSURL,
		APIURL:      cfg.APIURL,
		PopupTTL:    cfg.PopupTTL,
		SendTimeout: cfg.SendTimeout,
		Intervals: poller.Intervals{
			Chat:          cfg.ChatPollInterval,
			Payments:      cfg.PaymentPollInterval,
			Notifications: cfg.NotificationPollInterval,
		},
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PopupTTL <= 0 {
		o.PopupTTL = surface.DefaultPopupTTL
	}
	if o.BellCapacity <= 0 {
		o.BellCapacity = defaultBellCapacity
	}
	if o.Intervals.Chat <= 0 {
		o.Intervals.Chat = 5 * time.Second
	}
	if o.Intervals.Payments <= 0 {
		o.Intervals.Payments = time.Minute
	}
	if o.Intervals.Notifications <= 0 {
		o.Intervals.Notifications = time.Minute
	}
}
