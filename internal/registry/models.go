// Package registry implements the registration sync and delivery service:
// it stores push subscriptions mirrored by booking-platform clients and fans
// notification payloads out to them via web push or FCM.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/shinline/shinline/internal/notify"
	"github.com/shinline/shinline/internal/pushsvc"
)

// Subscription platforms.
const (
	PlatformWebPush = "webpush"
	PlatformFCM     = "fcm"
)

// Subscription is a stored push subscription record.
type Subscription struct {
	ID        string
	Endpoint  string
	P256dh    string
	Auth      string
	Platform  string // "webpush" or "fcm"
	UserAgent string
	UserID    *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubscriptionStore abstracts subscription persistence. Implementations:
// SQLite (sqlitestore) and PostgreSQL (pgstore). Lookups return (nil, nil)
// when no record matches.
type SubscriptionStore interface {
	// Upsert inserts or updates a subscription keyed by endpoint.
	Upsert(ctx context.Context, sub *Subscription) error

	// GetByEndpoint returns the subscription for an endpoint.
	GetByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)

	// DeleteByEndpoint removes a subscription. It reports whether a record
	// was removed.
	DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error)

	// List returns all subscriptions, optionally filtered by user.
	List(ctx context.Context, userID *int64) ([]Subscription, error)

	// Count returns the number of stored subscriptions.
	Count(ctx context.Context) (int64, error)
}

// ErrSubscriptionGone is returned by senders when the push provider reports
// that the endpoint no longer exists. The server prunes such records.
var ErrSubscriptionGone = errors.New("subscription no longer valid")

// Sender delivers a notification payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub *Subscription, payload notify.Payload) error
}

// RegisterRequest is the JSON body for POST /v1/subscriptions.
type RegisterRequest struct {
	Subscription *pushsvc.Subscription `json:"subscription"`
	UserAgent    string                `json:"user_agent"`
	Platform     string                `json:"platform,omitempty"`
	UserID       *int64                `json:"user_id,omitempty"`
}

// RegisterResponse is the JSON response for POST /v1/subscriptions.
type RegisterResponse struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// RevokeRequest is the JSON body for DELETE /v1/subscriptions.
type RevokeRequest struct {
	Endpoint string `json:"endpoint"`
}

// NotifyRequest is the JSON body for POST /v1/notify. With an endpoint the
// payload goes to that subscription only; with a user id it goes to that
// user's subscriptions; otherwise it fans out to every stored subscription.
type NotifyRequest struct {
	Endpoint string         `json:"endpoint,omitempty"`
	UserID   *int64         `json:"user_id,omitempty"`
	Payload  notify.Payload `json:"payload"`
}

// NotifyResponse is the JSON response for POST /v1/notify.
type NotifyResponse struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Pruned int `json:"pruned"`
}

// DismissRequest is the JSON body for POST /v1/events/dismiss.
type DismissRequest struct {
	Tag         string    `json:"tag"`
	DismissedAt time.Time `json:"dismissed_at"`
}
