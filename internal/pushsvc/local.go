package pushsvc

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// authSecretLen is the length of the subscription auth secret.
const authSecretLen = 16

// Deliverer receives payloads for a delivered push message. Implemented by
// the worker host.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Local is an in-process push service used by the agent and by tests. It
// mints endpoint URLs under a base URL, generates real P-256 key material
// for each subscription and routes delivered payloads into the worker host.
type Local struct {
	baseURL   string
	deliverer Deliverer

	mu  sync.Mutex
	sub *Subscription
}

// NewLocal creates a local push service. baseURL is the prefix for minted
// endpoint URLs.
func NewLocal(baseURL string, deliverer Deliverer) *Local {
	return &Local{baseURL: baseURL, deliverer: deliverer}
}

// Current returns the live subscription, or nil if none exists.
func (l *Local) Current(ctx context.Context) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub, nil
}

// Subscribe creates a subscription keyed by the application public key.
// An existing subscription is superseded: its endpoint becomes invalid.
func (l *Local) Subscribe(ctx context.Context, applicationKey string) (*Subscription, error) {
	if applicationKey == "" {
		return nil, ErrNoApplicationKey
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating subscription key: %w", err)
	}
	auth := make([]byte, authSecretLen)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generating auth secret: %w", err)
	}

	sub := &Subscription{
		Endpoint: l.baseURL + "/push/" + uuid.NewString(),
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}

	l.mu.Lock()
	old := l.sub
	l.sub = sub
	l.mu.Unlock()

	if old != nil {
		slog.Info("push subscription superseded", "old_endpoint", old.Endpoint)
	}
	return sub, nil
}

// Unsubscribe invalidates the subscription with the given endpoint.
// Unsubscribing an unknown or already-removed endpoint is a no-op.
func (l *Local) Unsubscribe(ctx context.Context, endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil && l.sub.Endpoint == endpoint {
		l.sub = nil
	}
	return nil
}

// Deliver routes a push payload addressed to the given endpoint into the
// worker host. Payloads for a superseded endpoint are dropped.
func (l *Local) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	l.mu.Lock()
	live := l.sub != nil && l.sub.Endpoint == endpoint
	l.mu.Unlock()
	if !live {
		return fmt.Errorf("endpoint is not subscribed: %s", endpoint)
	}
	if l.deliverer == nil {
		return fmt.Errorf("no deliverer configured")
	}
	return l.deliverer.Deliver(ctx, payload)
}
