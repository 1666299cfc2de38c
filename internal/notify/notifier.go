package notify

import "context"

// Notifier abstracts the platform notification tray. Display replaces any
// notification sharing the descriptor's tag; Close on an unknown or
// already-closed tag is a no-op.
type Notifier interface {
	Display(ctx context.Context, d Descriptor) error
	Close(tag string) error
}

// Page-facing message types exchanged between the worker and page clients.
const (
	MessageNotificationClick = "NOTIFICATION_CLICK"
	MessageSkipWaiting       = "SKIP_WAITING"
)

// ClientMessage is the routing message posted to a page client after a
// notification click, and the command envelope accepted from pages.
type ClientMessage struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Data *Data  `json:"data,omitempty"`
}
