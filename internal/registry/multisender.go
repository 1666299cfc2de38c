package registry

import (
	"context"
	"fmt"

	"github.com/shinline/shinline/internal/notify"
)

// MultiSender routes notifications to the sender registered for the
// subscription's platform.
type MultiSender struct {
	senders map[string]Sender
}

// NewMultiSender creates a MultiSender from a map of platform name to sender.
func NewMultiSender(senders map[string]Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send delegates to the sender registered for the subscription's platform.
func (m *MultiSender) Send(ctx context.Context, sub *Subscription, payload notify.Payload) error {
	s, ok := m.senders[sub.Platform]
	if !ok {
		return fmt.Errorf("no sender configured for platform %q", sub.Platform)
	}
	return s.Send(ctx, sub, payload)
}
