// Package notify pushes fan-out events to the realtime service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

const (
	// TokenHeader carries the shared internal token.
	TokenHeader = "x-internal-token"

	// IngressPath is the realtime cross-service ingress endpoint.
	IngressPath = "/internal/events"

	// DefaultTimeout bounds a push attempt. There is no retry.
	DefaultTimeout = 2 * time.Second
)

// ErrDeliveryFailed is returned when a push did not reach the realtime service.
var ErrDeliveryFailed = errors.New("notify: realtime delivery failed")

// Notifier delivers a fan-out event to connected clients.
type Notifier interface {
	Notify(ctx context.Context, event models.FanoutEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event models.FanoutEvent) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event models.FanoutEvent) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, models.FanoutEvent) error { return nil })

// Client posts fan-out events to the realtime ingress over HTTP.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
	log      *slog.Logger
}

// NewClient creates a client for the realtime service at baseURL.
// A zero timeout means DefaultTimeout.
func NewClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + IngressPath,
		token:    token,
		client: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Endpoint returns the ingress URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Notify posts event once. Any failure is logged and returned wrapped in
// ErrDeliveryFailed.
func (c *Client) Notify(ctx context.Context, event models.FanoutEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	err := c.post(ctx, event)
	if err != nil {
		pushFailures.Inc()
		c.log.Warn("realtime push failed",
			logging.AppID(event.AppID),
			"collection", event.Collection,
			logging.Error(err))
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	pushes.Inc()
	return nil
}

func (c *Client) post(ctx context.Context, event models.FanoutEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nimbus-notify/1.0")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("realtime returned status %d", resp.StatusCode)
	}
	return nil
}
