package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/shinline/shinline/internal/notify"
)

// webPushTTL is how long the push provider keeps an undelivered message.
const webPushTTL = 24 * 60 * 60

// WebPushSender delivers notifications over the Web Push protocol with VAPID
// authentication.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string // contact URI sent to the push provider (mailto: or https:)
}

// NewWebPushSender creates a web push sender from a VAPID key pair.
func NewWebPushSender(publicKey, privateKey, subscriber string) (*WebPushSender, error) {
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("webpush: vapid key pair is required")
	}
	if subscriber == "" {
		return nil, fmt.Errorf("webpush: subscriber contact is required")
	}
	slog.Info("web push sender initialised", "subscriber", subscriber)
	return &WebPushSender{publicKey: publicKey, privateKey: privateKey, subscriber: subscriber}, nil
}

// Send delivers a notification payload to a webpush subscription. A 404 or
// 410 from the push provider means the endpoint is gone and the record
// should be pruned.
func (w *WebPushSender) Send(ctx context.Context, sub *Subscription, payload notify.Payload) error {
	if sub.Platform != PlatformWebPush {
		return fmt.Errorf("webpush sender: unsupported platform %q", sub.Platform)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webpush: marshalling payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		TTL:             webPushTTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("webpush: send failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("webpush: endpoint gone (status %d): %w", resp.StatusCode, ErrSubscriptionGone)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("webpush: provider returned status %d", resp.StatusCode)
	}

	slog.Debug("webpush message sent", "endpoint", truncateEndpoint(sub.Endpoint), "tag", payload.Tag)
	return nil
}
