package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

// Remote is a bell change made by another tab of the same user.
type Remote struct {
	Type         string
	Origin       string
	ID           string
	Notification models.Notification
}

type wireEvent struct {
	Type      string          `json:"type"`
	ChannelId string          `json:"channelId"`
	Origin    string          `json:"origin"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func decodeEvent(payload []byte) (Remote, error) {
	var event wireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return Remote{}, fmt.Errorf("unmarshal event: %w", err)
	}

	r := Remote{Type: event.Type, Origin: event.Origin}
	switch event.Type {
	case models.EventInserted:
		if err := json.Unmarshal(event.Data, &r.Notification); err != nil {
			return Remote{}, fmt.Errorf("unmarshal notification: %w", err)
		}
		if r.Notification.ID == "" {
			return Remote{}, errors.New("inserted notification has no id")
		}
		r.ID = r.Notification.ID
	case models.EventRead, models.EventRemoved:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ID == "" {
			return Remote{}, fmt.Errorf("%s without id", event.Type)
		}
		r.ID = ref.ID
	case models.EventReadAll, models.EventCleared:
	default:
		return Remote{}, fmt.Errorf("unknown event type %q", event.Type)
	}
	return r, nil
}

// Subscribe hands every change published for userKey by another tab to apply,
// until ctx is done. apply must not publish.
func (c *Client) Subscribe(ctx context.Context, userKey string, apply func(Remote)) error {
	channel := Channel(userKey)
	pubsub := c.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.logger.Info("[REDIS] Subscribed", zap.String("channel", channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				c.logger.Info("[REDIS] Pub/sub channel closed", zap.String("channel", channel))
				return nil
			}
			c.handle(msg.Channel, []byte(msg.Payload), apply)
		}
	}
}

// handle decodes one payload and applies it unless this client sent it.
func (c *Client) handle(channel string, payload []byte, apply func(Remote)) bool {
	r, err := decodeEvent(payload)
	if err != nil {
		c.logger.Error("[REDIS] Error decoding event", zap.String("channel", channel), zap.Error(err))
		return false
	}
	if r.Origin == c.origin {
		return false
	}
	apply(r)
	return true
}
