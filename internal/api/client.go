// Package api is the REST side of the realtime layer: the poll sources, the
// message send endpoint and read receipts.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

const (
	notificationsPath = "/api/notifications"
	readAllPath       = "/api/notifications/read-all"
	messagesPath      = "/api/chat/messages"
	paymentsPath      = "/api/payments/notifications"

	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

// Record is one JSON object as the backend sent it.
type Record = map[string]any

// listKeys are the envelope keys list endpoints have been seen to use.
var listKeys = []string{"data", "notifications", "messages", "items", "results"}

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// IsAuthError reports whether err is a 401 or 403 from the backend.
func IsAuthError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Notifications fetches the recent notifications for the session user.
func (c *Client) Notifications(ctx context.Context) ([]Record, error) {
	return c.list(ctx, notificationsPath, nil)
}

// PaymentNotifications fetches payment notifications, which are not pushed
// over the socket.
func (c *Client) PaymentNotifications(ctx context.Context) ([]Record, error) {
	return c.list(ctx, paymentsPath, nil)
}

// Messages fetches the recent messages of one conversation.
func (c *Client) Messages(ctx context.Context, chat models.ChatContext) ([]Record, error) {
	return c.list(ctx, messagesPath, chat.Query())
}

// SendMessage posts a chat message and returns the stored server record.
func (c *Client) SendMessage(ctx context.Context, msg models.SendMessageData) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPost, messagesPath, nil, msg, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPatch, notificationsPath+"/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, readAllPath, nil, nil, nil)
}

func (c *Client) list(ctx context.Context, path string, query url.Values) ([]Record, error) {
	var body any
	if err := c.do(ctx, http.MethodGet, path, query, nil, &body); err != nil {
		return nil, err
	}
	return records(body), nil
}

// records accepts a bare array or an object wrapping one.
func records(body any) []Record {
	var items []any
	switch v := body.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, k := range listKeys {
			if arr, ok := v[k].([]any); ok {
				items = arr
				break
			}
		}
	}

	out := make([]Record, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("[API] Request failed",
			zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
