// Package regclient is the HTTP client for the registration sync service:
// it mirrors push subscriptions server-side and fires best-effort analytics
// beacons.
package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shinline/shinline/internal/pushsvc"
)

// requestTimeout bounds every registration sync call. A stalled sync call
// would stall the whole subscribe operation.
const requestTimeout = 10 * time.Second

// RegisterRequest is the JSON body for POST /v1/subscriptions.
type RegisterRequest struct {
	Subscription *pushsvc.Subscription `json:"subscription"`
	UserAgent    string                `json:"user_agent"`
}

// RevokeRequest is the JSON body for DELETE /v1/subscriptions.
type RevokeRequest struct {
	Endpoint string `json:"endpoint"`
}

// DismissRequest is the JSON body for POST /v1/events/dismiss.
type DismissRequest struct {
	Tag         string    `json:"tag"`
	DismissedAt time.Time `json:"dismissed_at"`
}

// envelope is the standard registry response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client talks to the registration sync service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a registry client. baseURL is the registry endpoint
// (e.g. "https://push.shinline.ru").
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
	}
}

// Configured returns true if the client has a base URL.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// RegisterSubscription mirrors a subscription to the registry. Any non-2xx
// response is a failure.
func (c *Client) RegisterSubscription(ctx context.Context, sub *pushsvc.Subscription, userAgent string) error {
	return c.send(ctx, http.MethodPost, "/v1/subscriptions", RegisterRequest{
		Subscription: sub,
		UserAgent:    userAgent,
	})
}

// RevokeSubscription removes the registration for an endpoint. Callers treat
// failures as best-effort: local state stays authoritative for the UI.
func (c *Client) RevokeSubscription(ctx context.Context, endpoint string) error {
	return c.send(ctx, http.MethodDelete, "/v1/subscriptions", RevokeRequest{Endpoint: endpoint})
}

// NotificationDismissed records a notification dismissal. It implements the
// worker's analytics beacon; the worker swallows any error.
func (c *Client) NotificationDismissed(ctx context.Context, tag string, at time.Time) error {
	return c.send(ctx, http.MethodPost, "/v1/events/dismiss", DismissRequest{
		Tag:         tag,
		DismissedAt: at,
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("regclient: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("regclient: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("regclient: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("regclient: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("regclient: %s %s: registry error (status %d): %s", method, path, resp.StatusCode, env.Error)
		}
		return fmt.Errorf("regclient: %s %s: registry returned status %d", method, path, resp.StatusCode)
	}

	slog.Debug("registry call completed", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}
