package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

// publisher is the part of *redis.Client used to publish.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Client mirrors bell changes between the tabs of one user. Every process
// gets its own origin id so it can skip its own echoes.
type Client struct {
	rdb    *redis.Client
	pub    publisher
	ctx    context.Context
	origin string
	logger *zap.Logger
}

func NewClient(redisURL string, logger *zap.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	c := &Client{
		rdb:    rdb,
		pub:    rdb,
		ctx:    ctx,
		origin: uuid.NewString(),
		logger: logger,
	}
	logger.Info("[REDIS] Connected", zap.String("addr", opt.Addr), zap.String("origin", c.origin))
	return c, nil
}

// Origin is the id stamped on everything this client publishes.
func (c *Client) Origin() string { return c.origin }

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Channel returns the pub/sub channel shared by every tab of userKey.
func Channel(userKey string) string {
	return "user:" + userKey
}

// Publish bell changes to Redis

func (c *Client) PublishInserted(userKey string, n models.Notification) error {
	return c.publishEvent(userKey, c.newEvent(models.EventInserted, userKey, n))
}

func (c *Client) PublishRead(userKey, id string) error {
	return c.publishEvent(userKey, c.newEvent(models.EventRead, userKey, map[string]string{"id": id}))
}

func (c *Client) PublishReadAll(userKey string) error {
	return c.publishEvent(userKey, c.newEvent(models.EventReadAll, userKey, nil))
}

func (c *Client) PublishRemoved(userKey, id string) error {
	return c.publishEvent(userKey, c.newEvent(models.EventRemoved, userKey, map[string]string{"id": id}))
}

func (c *Client) PublishCleared(userKey string) error {
	return c.publishEvent(userKey, c.newEvent(models.EventCleared, userKey, nil))
}

func (c *Client) newEvent(eventType, userKey string, data interface{}) models.Event {
	return models.Event{
		Type:      eventType,
		ChannelId: userKey,
		Origin:    c.origin,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

func (c *Client) publishEvent(userKey string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("[REDIS] Failed to marshal event", zap.String("type", event.Type), zap.String("user", userKey), zap.Error(err))
		return err
	}

	channel := Channel(userKey)
	if err := c.pub.Publish(c.ctx, channel, payload).Err(); err != nil {
		c.logger.Error("[REDIS] Failed to publish event", zap.String("type", event.Type), zap.String("channel", channel), zap.Error(err))
		return err
	}

	c.logger.Debug("[REDIS] Published", zap.String("type", event.Type), zap.String("channel", channel))
	return nil
}
