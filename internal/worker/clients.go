package worker

import (
	"context"
	"time"

	"github.com/shinline/shinline/internal/notify"
)

// Client is an open page client reachable from the worker.
type Client interface {
	ID() string
	Focus() error
	PostMessage(msg notify.ClientMessage) error
}

// ClientRegistry abstracts the set of open page clients for the origin.
// MatchAll includes clients not controlled by the current worker version, so
// routing can reuse pages opened before an update.
type ClientRegistry interface {
	MatchAll() []Client
	OpenWindow(ctx context.Context, url string) (Client, error)
	Claim(version string) error
}

// Beacon records best-effort analytics events. Failures are always swallowed
// by the caller.
type Beacon interface {
	NotificationDismissed(ctx context.Context, tag string, at time.Time) error
}
