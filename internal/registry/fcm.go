package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/shinline/shinline/internal/notify"
)

// FCMSender delivers notifications to the native booking app via Firebase
// Cloud Messaging. For FCM records the stored endpoint is the registration
// token.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSender.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// Send delivers a notification payload to the given FCM registration token.
// An unregistered token maps to ErrSubscriptionGone so the record is pruned.
func (f *FCMSender) Send(ctx context.Context, sub *Subscription, payload notify.Payload) error {
	if sub.Platform != PlatformFCM {
		return fmt.Errorf("fcm sender: unsupported platform %q", sub.Platform)
	}

	data := map[string]string{
		"url": payload.URL,
		"tag": payload.Tag,
	}
	if payload.BookingID != nil {
		data["booking_id"] = strconv.FormatInt(*payload.BookingID, 10)
	}
	if payload.UserID != nil {
		data["user_id"] = strconv.FormatInt(*payload.UserID, 10)
	}

	msg := &messaging.Message{
		Token: sub.Endpoint,
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", ErrSubscriptionGone)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id, "tag", payload.Tag)
	return nil
}
