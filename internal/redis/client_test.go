package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func newTestClient(origin string) (*Client, *fakePublisher) {
	pub := &fakePublisher{}
	return &Client{pub: pub, ctx: context.Background(), origin: origin, logger: zap.NewNop()}, pub
}

func TestPublish_RoundTrip(t *testing.T) {
	sender, pub := newTestClient("tab-1")
	receiver, _ := newTestClient("tab-2")

	n := models.Notification{
		ID:        "n1",
		Kind:      models.KindNewBid,
		Title:     "New bid",
		Body:      "Load L1, rate $900",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"loadId": "L1"},
	}

	steps := []struct {
		name    string
		publish func() error
		check   func(t *testing.T, r Remote)
	}{
		{"inserted", func() error { return sender.PublishInserted("A", n) }, func(t *testing.T, r Remote) {
			if r.Type != models.EventInserted || r.ID != "n1" || r.Notification.Body != n.Body || !r.Notification.Timestamp.Equal(n.Timestamp) {
				t.Errorf("remote = %+v", r)
			}
			if r.Notification.Payload["loadId"] != "L1" {
				t.Errorf("payload = %v", r.Notification.Payload)
			}
		}},
		{"read", func() error { return sender.PublishRead("A", "n1") }, func(t *testing.T, r Remote) {
			if r.Type != models.EventRead || r.ID != "n1" {
				t.Errorf("remote = %+v", r)
			}
		}},
		{"read all", func() error { return sender.PublishReadAll("A") }, func(t *testing.T, r Remote) {
			if r.Type != models.EventReadAll {
				t.Errorf("remote = %+v", r)
			}
		}},
		{"removed", func() error { return sender.PublishRemoved("A", "n1") }, func(t *testing.T, r Remote) {
			if r.Type != models.EventRemoved || r.ID != "n1" {
				t.Errorf("remote = %+v", r)
			}
		}},
		{"cleared", func() error { return sender.PublishCleared("A") }, func(t *testing.T, r Remote) {
			if r.Type != models.EventCleared {
				t.Errorf("remote = %+v", r)
			}
		}},
	}

	for i, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if err := step.publish(); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if len(pub.sent) != i+1 {
				t.Fatalf("sent %d messages, want %d", len(pub.sent), i+1)
			}
			msg := pub.sent[i]
			if msg.channel != "user:A" {
				t.Errorf("channel = %q", msg.channel)
			}

			var got *Remote
			applied := receiver.handle(msg.channel, msg.payload, func(r Remote) { got = &r })
			if !applied || got == nil {
				t.Fatal("remote change not applied")
			}
			if got.Origin != "tab-1" {
				t.Errorf("origin = %q", got.Origin)
			}
			step.check(t, *got)
		})
	}
}

func TestHandle_IgnoresOwnOrigin(t *testing.T) {
	c, pub := newTestClient("tab-1")
	if err := c.PublishReadAll("A"); err != nil {
		t.Fatal(err)
	}

	called := false
	if c.handle("user:A", pub.sent[0].payload, func(Remote) { called = true }) || called {
		t.Error("own echo was applied")
	}
}

func TestHandle_RejectsMalformed(t *testing.T) {
	c, _ := newTestClient("tab-1")

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `nope`},
		{"unknown type", `{"type":"typing:start","origin":"x"}`},
		{"read without id", `{"type":"notification:read","origin":"x","data":{}}`},
		{"inserted without id", `{"type":"notification:inserted","origin":"x","data":{"body":"b"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c.handle("user:A", []byte(tt.payload), func(Remote) { t.Error("applied") }) {
				t.Error("handle reported success")
			}
		})
	}
}

func TestPublish_Error(t *testing.T) {
	c, pub := newTestClient("tab-1")
	pub.err = errors.New("connection refused")

	if err := c.PublishRemoved("A", "n1"); err == nil {
		t.Fatal("expected publish error")
	}
}
