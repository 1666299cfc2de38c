// Package notify defines the notification descriptor model shared by the
// worker runtime, the subscription manager and the registry service: the
// inbound push payload contract, the rendered descriptor with its default
// values, and the page-facing message contract.
package notify

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Built-in descriptor defaults. A push event with no payload (or an
// unparseable one) renders exactly these values.
const (
	DefaultTitle = "Новое уведомление"
	DefaultBody  = "Откройте приложение, чтобы узнать подробности"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	DefaultTag   = "shinline"
	DefaultURL   = "/"
)

// ActionDismiss is the action id that dismisses a notification without
// routing to a page client.
const ActionDismiss = "dismiss"

// Action is a single button on a platform notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Data is the opaque bag attached to a descriptor. It carries the routing
// target and the correlation identifiers supplied by the sender, plus the
// local receipt timestamp set by the worker.
type Data struct {
	URL        string    `json:"url"`
	BookingID  *int64    `json:"bookingId,omitempty"`
	UserID     *int64    `json:"userId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Descriptor is the rendered representation of one push message. It has no
// persistence beyond the platform notification tray; a later descriptor with
// the same Tag supersedes it.
type Descriptor struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Actions            []Action `json:"actions,omitempty"`
	Data               Data     `json:"data"`
}

// Payload is the inbound push payload contract. All fields are optional;
// absence of the whole payload or of any individual field falls back to the
// descriptor defaults.
type Payload struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	URL                string   `json:"url"`
	BookingID          *int64   `json:"bookingId,omitempty"`
	UserID             *int64   `json:"userId,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
}

// DefaultDescriptor returns the descriptor used when a push event carries no
// payload. receivedAt is the local receipt timestamp.
func DefaultDescriptor(receivedAt time.Time) Descriptor {
	return Descriptor{
		Title: DefaultTitle,
		Body:  DefaultBody,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Tag:   DefaultTag,
		Data: Data{
			URL:        DefaultURL,
			ReceivedAt: receivedAt,
		},
	}
}

// FromPayload builds a descriptor from a raw push payload by merging the
// parsed fields over the defaults. An empty payload yields the default
// descriptor. A payload that fails to parse is logged and also yields the
// default descriptor: push delivery must not fail, so a bad payload degrades
// to a generic notification instead of a dropped one.
func FromPayload(raw []byte, receivedAt time.Time) Descriptor {
	d := DefaultDescriptor(receivedAt)
	if len(raw) == 0 {
		return d
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("push payload parse failed, using default descriptor", "error", err)
		return d
	}

	if p.Title != "" {
		d.Title = p.Title
	}
	if p.Body != "" {
		d.Body = p.Body
	}
	if p.Icon != "" {
		d.Icon = p.Icon
	}
	if p.Badge != "" {
		d.Badge = p.Badge
	}
	if p.Tag != "" {
		d.Tag = p.Tag
	}
	d.RequireInteraction = p.RequireInteraction
	if p.URL != "" {
		d.Data.URL = p.URL
	}
	d.Data.BookingID = p.BookingID
	d.Data.UserID = p.UserID
	// Actions are attached verbatim; unknown ids are handled at click time.
	d.Actions = p.Actions

	return d
}
