package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shinline/shinline/internal/notify"
)

// Push delivers an inbound push message to the worker. The call blocks until
// the notification display operation has settled, mirroring the platform
// contract that the push event must stay alive until rendering completes.
// An absent (nil or empty) payload is valid and renders the default
// notification.
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	done := make(chan struct{})
	if err := w.deliver(ctx, pushEvent{payload: payload, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlePush derives a notification descriptor from the payload and displays
// it. Parse failures fall back to the default descriptor and display
// failures are logged: push delivery is fire-and-forget, the sender has no
// delivery-receipt channel, and an escaping error would silently drop the
// notification anyway.
func (w *Worker) handlePush(ctx context.Context, payload []byte) {
	d := notify.FromPayload(payload, time.Now())

	if err := w.notifier.Display(ctx, d); err != nil {
		slog.Error("notification display failed",
			"version", w.version,
			"tag", d.Tag,
			"title", d.Title,
			"error", err,
		)
		return
	}

	slog.Debug("notification displayed", "tag", d.Tag, "title", d.Title)
}
