// Package pushsvc defines the push-service contract the subscription manager
// drives: creation and teardown of the push subscription binding this install
// to a delivery channel, keyed by the application public key.
package pushsvc

import (
	"context"
	"errors"
)

// ErrNoApplicationKey is returned by Subscribe when no application public
// key is supplied. A missing key is a configuration error, not a runtime
// fault.
var ErrNoApplicationKey = errors.New("application public key is not configured")

// Keys is the client key material of a subscription: the P-256 public key
// the sender encrypts against and the shared auth secret.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription binds this install to the push service. The endpoint is
// opaque and provider-specific; superseding a subscription invalidates the
// previous endpoint.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Service is the push service as seen by the subscription manager. At most
// one subscription is active per install; Subscribe supersedes any existing
// one. Unsubscribe of an unknown endpoint is a no-op.
type Service interface {
	Current(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, applicationKey string) (*Subscription, error)
	Unsubscribe(ctx context.Context, endpoint string) error
}
