package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shinline/shinline/internal/notify"
)

// NotificationClick reports a user click on a displayed notification.
// action is the id of the clicked action button, or empty for a click on the
// notification body. The call blocks until routing has completed.
func (w *Worker) NotificationClick(ctx context.Context, d notify.Descriptor, action string) error {
	done := make(chan struct{})
	if err := w.deliver(ctx, notificationClickEvent{descriptor: d, action: action, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotificationClose reports a notification dismissed without a click.
func (w *Worker) NotificationClose(ctx context.Context, tag string) error {
	return w.deliver(ctx, notificationCloseEvent{tag: tag})
}

// Message delivers a command message from a page client.
func (w *Worker) Message(ctx context.Context, msg notify.ClientMessage) error {
	return w.deliver(ctx, messageEvent{msg: msg})
}

// handleNotificationClick dismisses the notification and routes the click to
// a page client. Routing prefers focusing an existing client over opening a
// new one, and never opens more than one new context per click.
func (w *Worker) handleNotificationClick(ctx context.Context, d notify.Descriptor, action string) {
	// Close first; closing an already-closed notification is a no-op.
	if err := w.notifier.Close(d.Tag); err != nil {
		slog.Warn("closing notification failed", "tag", d.Tag, "error", err)
	}

	// A dismiss action ends here. Any other action id, known or not, routes
	// normally: unknown actions must never crash the worker.
	if action == notify.ActionDismiss {
		slog.Debug("notification dismissed via action", "tag", d.Tag)
		return
	}

	url := d.Data.URL
	if url == "" {
		url = notify.DefaultURL
	}

	msg := notify.ClientMessage{
		Type: notify.MessageNotificationClick,
		URL:  url,
		Data: &d.Data,
	}

	// Include clients not controlled by this version, to catch pages opened
	// before an update.
	for _, c := range w.clients.MatchAll() {
		if err := c.Focus(); err != nil {
			slog.Warn("focusing client failed", "client", c.ID(), "error", err)
			continue
		}
		if err := c.PostMessage(msg); err != nil {
			slog.Warn("posting routing message failed", "client", c.ID(), "error", err)
		}
		return
	}

	if _, err := w.clients.OpenWindow(ctx, url); err != nil {
		slog.Error("opening window failed", "url", url, "error", err)
	}
}

// handleNotificationClose fires the best-effort dismissal beacon. Beacon
// failures are swallowed: closing a notification must never surface an error.
func (w *Worker) handleNotificationClose(ctx context.Context, tag string) {
	if w.beacon == nil {
		return
	}
	if err := w.beacon.NotificationDismissed(ctx, tag, time.Now()); err != nil {
		slog.Debug("dismissal beacon failed", "tag", tag, "error", err)
	}
}

// handleMessage processes a command from a page. The only recognized command
// is the skip-waiting instruction, which the host handles; anything else is
// ignored.
func (w *Worker) handleMessage(msg notify.ClientMessage) {
	if msg.Type != notify.MessageSkipWaiting {
		slog.Debug("ignoring unrecognized client message", "type", msg.Type)
	}
}
