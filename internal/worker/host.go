package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/shinline/shinline/internal/assetcache"
	"github.com/shinline/shinline/internal/notify"
)

// ErrNoRegistration is returned when no worker version has been registered.
var ErrNoRegistration = errors.New("no worker registration")

// Registration is the page-side handle onto the current worker registration.
// It is a snapshot; the host owns the underlying worker.
type Registration struct {
	Scope   string
	Version string
	State   State
}

// HostConfig carries the dependencies shared by every worker version the
// host creates.
type HostConfig struct {
	Scope      string
	Manifest   []string
	Clients    ClientRegistry
	Notifier   notify.Notifier
	HTTPClient *http.Client
	Beacon     Beacon
}

// Host models the hosting runtime that owns worker registration for the
// origin: it installs new versions, orders lifecycle transitions (install
// always precedes activate, activate precedes any event dispatch), keeps at
// most one active and one staged version, and routes inbound pushes to the
// active version. The cache store is created and exclusively owned here.
type Host struct {
	cfg   HostConfig
	cache *assetcache.Store

	mu     sync.Mutex
	active *Worker
	staged *Worker
}

// NewHost creates a host with an empty cache store and no registration.
func NewHost(cfg HostConfig) *Host {
	return &Host{cfg: cfg, cache: assetcache.NewStore()}
}

// Cache exposes the generational cache store for read-only inspection
// (metrics). Mutation stays inside the worker lifecycle.
func (h *Host) Cache() *assetcache.Store { return h.cache }

// Register installs a new worker version and activates it immediately,
// skipping the waiting grace period so new logic takes effect as soon as
// possible. If the install fails the new version is discarded and the
// previous version keeps serving.
func (h *Host) Register(ctx context.Context, version string) (*Registration, error) {
	w, err := h.install(ctx, version)
	if err != nil {
		return nil, err
	}
	h.promote(ctx, w)
	return h.Registration(), nil
}

// Stage installs a new worker version but leaves it waiting: the previous
// version keeps serving until a page sends the skip-waiting command.
func (h *Host) Stage(ctx context.Context, version string) (*Registration, error) {
	w, err := h.install(ctx, version)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.staged = w
	h.mu.Unlock()
	slog.Info("worker staged, waiting for skip-waiting", "version", version)
	return h.Registration(), nil
}

func (h *Host) install(ctx context.Context, version string) (*Worker, error) {
	w := New(Config{
		Version:    version,
		Scope:      h.cfg.Scope,
		Manifest:   h.cfg.Manifest,
		Cache:      h.cache,
		Clients:    h.cfg.Clients,
		Notifier:   h.cfg.Notifier,
		HTTPClient: h.cfg.HTTPClient,
		Beacon:     h.cfg.Beacon,
	})
	if err := w.Install(ctx); err != nil {
		// Discard the failed version's partial generation so it can never
		// become current.
		h.cache.Delete(w.Generation())
		return nil, err
	}
	return w, nil
}

// promote activates an installed version, replacing the current one.
func (h *Host) promote(ctx context.Context, w *Worker) {
	h.mu.Lock()
	old := h.active
	h.active = w
	if h.staged == w {
		h.staged = nil
	}
	h.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}
	if err := w.Activate(ctx); err != nil {
		slog.Error("worker activation failed", "version", w.Version(), "error", err)
	}
	go w.Run(context.Background())
}

// SkipWaiting activates a staged version, if any. Called when a page sends
// the skip-waiting command to proactively apply an update.
func (h *Host) SkipWaiting(ctx context.Context) {
	h.mu.Lock()
	w := h.staged
	h.mu.Unlock()
	if w == nil {
		return
	}
	slog.Info("skip-waiting requested, activating staged worker", "version", w.Version())
	h.promote(ctx, w)
}

// Message accepts a command from a page client. The skip-waiting instruction
// is handled by the host; everything else is forwarded to the active worker.
func (h *Host) Message(ctx context.Context, msg notify.ClientMessage) error {
	if msg.Type == notify.MessageSkipWaiting {
		h.SkipWaiting(ctx)
		return nil
	}
	w := h.activeWorker()
	if w == nil {
		return ErrNoRegistration
	}
	return w.Message(ctx, msg)
}

// Deliver routes an inbound push payload to the active worker. It blocks
// until the notification display has settled.
func (h *Host) Deliver(ctx context.Context, payload []byte) error {
	w := h.activeWorker()
	if w == nil {
		return ErrNoRegistration
	}
	if err := w.Push(ctx, payload); err != nil {
		return fmt.Errorf("delivering push to worker %s: %w", w.Version(), err)
	}
	return nil
}

// Active returns the active worker, or nil if none.
func (h *Host) Active() *Worker { return h.activeWorker() }

// Registration returns a snapshot of the current registration, or nil when
// no worker has been registered yet. A missing registration is a normal
// state, not an error.
func (h *Host) Registration() *Registration {
	w := h.activeWorker()
	if w == nil {
		h.mu.Lock()
		w = h.staged
		h.mu.Unlock()
	}
	if w == nil {
		return nil
	}
	return &Registration{Scope: w.scope, Version: w.Version(), State: w.State()}
}

// Unregister tears down the registration: all workers stop and every cache
// generation is deleted.
func (h *Host) Unregister() {
	h.mu.Lock()
	active, staged := h.active, h.staged
	h.active, h.staged = nil, nil
	h.mu.Unlock()

	if active != nil {
		active.Shutdown()
	}
	if staged != nil {
		staged.Shutdown()
	}
	for _, gen := range h.cache.Generations() {
		h.cache.Delete(gen)
	}
	slog.Info("worker registration removed")
}

func (h *Host) activeWorker() *Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}
