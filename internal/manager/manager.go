// Package manager implements the page-side subscription lifecycle: a state
// machine that acquires notification permission, creates and tears down the
// push subscription keyed by the application public key, and mirrors it to
// the registration sync service.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shinline/shinline/internal/notify"
	"github.com/shinline/shinline/internal/pushsvc"
	"github.com/shinline/shinline/internal/worker"
)

// Permission is the platform notification permission tri-state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Prompter asks the platform permission prompt and resolves the tri-state.
type Prompter interface {
	Request(ctx context.Context) (Permission, error)
}

// RegistrationSync mirrors subscriptions to the external registration store.
type RegistrationSync interface {
	RegisterSubscription(ctx context.Context, sub *pushsvc.Subscription, userAgent string) error
	RevokeSubscription(ctx context.Context, endpoint string) error
}

// WorkerRegistrar exposes the worker registration the manager depends on.
// Implemented by *worker.Host.
type WorkerRegistrar interface {
	Registration() *worker.Registration
	Register(ctx context.Context, version string) (*worker.Registration, error)
}

// Phase is the explicit state of the manager. Transient phases
// (RequestingPermission, Subscribing, Unsubscribing) and settled phases are
// disjoint, so illegal flag combinations of the flat record (loading while
// subscribed mid-flight) are unrepresentable.
type Phase int

const (
	PhaseUnsupported Phase = iota
	PhaseIdle
	PhaseRequestingPermission
	PhaseSubscribing
	PhaseSubscribed
	PhaseUnsubscribing
	PhaseError
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseUnsupported:
		return "unsupported"
	case PhaseIdle:
		return "idle"
	case PhaseRequestingPermission:
		return "requesting-permission"
	case PhaseSubscribing:
		return "subscribing"
	case PhaseSubscribed:
		return "subscribed"
	case PhaseUnsubscribing:
		return "unsubscribing"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrBusy is returned when a mutating operation is invoked while another is
// in flight. Concurrent operations are rejected, not queued.
var ErrBusy = errors.New("subscription operation already in flight")

// Snapshot is the flat read model exposed to the UI layer.
type Snapshot struct {
	Supported    bool
	Subscribed   bool
	Loading      bool
	Permission   Permission
	Subscription *pushsvc.Subscription
	Err          string
}

// Config carries the manager's collaborators and configuration.
type Config struct {
	// ApplicationKey is the application public key subscriptions are bound
	// to. Empty is a configuration error surfaced by Subscribe.
	ApplicationKey string
	// WorkerVersion is the worker version registered when none exists yet.
	WorkerVersion string
	// UserAgent is sent along with the subscription to the registry.
	UserAgent string

	Prompter  Prompter
	Service   pushsvc.Service
	Registrar WorkerRegistrar
	Sync      RegistrationSync
	// Notifier backs SendTestNotification. Optional.
	Notifier notify.Notifier
}

// Manager drives the permission/subscription state machine. All mutating
// operations serialize: a second call while one is in flight fails with
// ErrBusy rather than interleaving.
type Manager struct {
	cfg       Config
	supported bool

	mu         sync.Mutex
	phase      Phase
	permission Permission
	sub        *pushsvc.Subscription
	errMsg     string
}

// New creates a manager. The platform is considered supported when the
// prompter, push service and worker registrar are all present.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:        cfg,
		supported:  cfg.Prompter != nil && cfg.Service != nil && cfg.Registrar != nil,
		phase:      PhaseIdle,
		permission: PermissionDefault,
	}
	if !m.supported {
		m.phase = PhaseUnsupported
	}
	return m
}

// Snapshot returns the flat state record. Subscribed is true iff a non-nil
// subscription is held; Loading is true iff a transient phase is in flight.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Supported:    m.supported,
		Subscribed:   m.sub != nil,
		Loading:      m.loadingLocked(),
		Permission:   m.permission,
		Subscription: m.sub,
		Err:          m.errMsg,
	}
}

// Phase returns the current state-machine phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) loadingLocked() bool {
	switch m.phase {
	case PhaseRequestingPermission, PhaseSubscribing, PhaseUnsubscribing:
		return true
	}
	return false
}

// begin moves the machine into a transient phase, rejecting re-entrant calls.
func (m *Manager) begin(p Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.supported {
		return errors.New("push notifications are not supported")
	}
	if m.loadingLocked() {
		return ErrBusy
	}
	m.phase = p
	m.errMsg = ""
	return nil
}

// settle leaves the transient phase. With a non-empty errMsg the machine
// settles in PhaseError; otherwise the settled phase follows from whether a
// subscription is held.
func (m *Manager) settle(errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = errMsg
	switch {
	case errMsg != "":
		m.phase = PhaseError
	case m.sub != nil:
		m.phase = PhaseSubscribed
	default:
		m.phase = PhaseIdle
	}
}

// CheckSubscriptionStatus reflects any existing registration and push
// subscription into manager state. A missing worker registration is a
// normal, non-error state: the worker simply has not been installed yet.
func (m *Manager) CheckSubscriptionStatus(ctx context.Context) {
	if !m.supported {
		return
	}

	if reg := m.cfg.Registrar.Registration(); reg == nil {
		m.mu.Lock()
		m.sub = nil
		if m.phase == PhaseSubscribed {
			m.phase = PhaseIdle
		}
		m.mu.Unlock()
		return
	}

	sub, err := m.cfg.Service.Current(ctx)
	if err != nil {
		slog.Warn("looking up existing subscription failed", "error", err)
		return
	}

	m.mu.Lock()
	m.sub = sub
	if sub != nil {
		m.phase = PhaseSubscribed
	} else if m.phase == PhaseSubscribed {
		m.phase = PhaseIdle
	}
	m.mu.Unlock()
}

// RequestPermission asks the platform permission prompt and resolves the
// permission tri-state. Denial is an expected terminal outcome reported via
// the error field, not a fault. Returns true only for a granted permission.
func (m *Manager) RequestPermission(ctx context.Context) (bool, error) {
	if !m.supported {
		return false, nil
	}
	if err := m.begin(PhaseRequestingPermission); err != nil {
		return false, err
	}

	perm, err := m.cfg.Prompter.Request(ctx)
	if err != nil {
		m.settle(fmt.Sprintf("requesting permission: %v", err))
		return false, nil
	}

	m.mu.Lock()
	m.permission = perm
	m.mu.Unlock()

	switch perm {
	case PermissionGranted:
		m.settle("")
		return true, nil
	case PermissionDenied:
		m.settle("notification permission denied")
		return false, nil
	default:
		m.settle("notification permission was not granted")
		return false, nil
	}
}

// Subscribe creates a push subscription bound to the application public key
// and mirrors it to the registration store. If permission has not been
// granted yet the permission prompt runs first; refusal aborts. A remote
// registration failure rolls the local subscription back so no orphaned
// client-side credential survives a store the server never accepted.
func (m *Manager) Subscribe(ctx context.Context) (bool, error) {
	if !m.supported {
		return false, nil
	}

	if m.currentPermission() != PermissionGranted {
		granted, err := m.RequestPermission(ctx)
		if err != nil {
			return false, err
		}
		if !granted {
			return false, nil
		}
	}

	if err := m.begin(PhaseSubscribing); err != nil {
		return false, err
	}

	if m.cfg.ApplicationKey == "" {
		m.settle(pushsvc.ErrNoApplicationKey.Error())
		return false, nil
	}

	// Ensure a worker registration exists before subscribing.
	if reg := m.cfg.Registrar.Registration(); reg == nil {
		if _, err := m.cfg.Registrar.Register(ctx, m.cfg.WorkerVersion); err != nil {
			m.settle(fmt.Sprintf("registering worker: %v", err))
			return false, nil
		}
	}

	sub, err := m.cfg.Service.Subscribe(ctx, m.cfg.ApplicationKey)
	if err != nil {
		m.settle(fmt.Sprintf("creating push subscription: %v", err))
		return false, nil
	}

	if err := m.cfg.Sync.RegisterSubscription(ctx, sub, m.cfg.UserAgent); err != nil {
		slog.Error("registering subscription with registry failed", "error", err)
		// Roll back the local subscription; the server never learned of it.
		if uerr := m.cfg.Service.Unsubscribe(ctx, sub.Endpoint); uerr != nil {
			slog.Warn("rolling back local subscription failed", "error", uerr)
		}
		m.settle(fmt.Sprintf("registering subscription: %v", err))
		return false, nil
	}

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	m.settle("")
	slog.Info("push subscription established", "endpoint", sub.Endpoint)
	return true, nil
}

// Unsubscribe tears down the subscription locally, then best-effort revokes
// it server-side. A failed server-side revoke does not roll back the local
// unsubscribe: local state is authoritative for the UI. Calling with no
// active subscription is a no-op success.
func (m *Manager) Unsubscribe(ctx context.Context) (bool, error) {
	if !m.supported {
		return false, nil
	}

	if err := m.begin(PhaseUnsubscribing); err != nil {
		return false, err
	}

	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		// No active subscription: no-op success.
		m.settle("")
		return true, nil
	}

	if err := m.cfg.Service.Unsubscribe(ctx, sub.Endpoint); err != nil {
		m.settle(fmt.Sprintf("removing push subscription: %v", err))
		return false, nil
	}

	m.mu.Lock()
	m.sub = nil
	m.mu.Unlock()

	if err := m.cfg.Sync.RevokeSubscription(ctx, sub.Endpoint); err != nil {
		slog.Warn("revoking subscription with registry failed", "endpoint", sub.Endpoint, "error", err)
	}

	m.settle("")
	slog.Info("push subscription removed", "endpoint", sub.Endpoint)
	return true, nil
}

// SendTestNotification displays a local notification directly, bypassing the
// push pipeline. Used for UI self-test only; without granted permission it
// is a logged no-op.
func (m *Manager) SendTestNotification(ctx context.Context, title, body string) {
	if m.currentPermission() != PermissionGranted {
		slog.Warn("test notification skipped: permission not granted", "permission", string(m.currentPermission()))
		return
	}
	if m.cfg.Notifier == nil {
		slog.Warn("test notification skipped: no notifier configured")
		return
	}

	d := notify.DefaultDescriptor(time.Now())
	if title != "" {
		d.Title = title
	}
	if body != "" {
		d.Body = body
	}
	d.Tag = "shinline-test"

	if err := m.cfg.Notifier.Display(ctx, d); err != nil {
		slog.Error("test notification display failed", "error", err)
	}
}

func (m *Manager) currentPermission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}
