// Package worker implements the background notification worker runtime: an
// origin-scoped process with an install/activate lifecycle that persists
// independently of any open page, intercepts fetches against a generational
// asset cache, receives asynchronous push messages, renders notifications and
// routes notification interactions back to page clients.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shinline/shinline/internal/assetcache"
	"github.com/shinline/shinline/internal/notify"
)

// State is the lifecycle state of one worker version.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotActive is returned when an event is delivered to a worker that is not
// in the active state.
var ErrNotActive = errors.New("worker is not active")

// generationPrefix namespaces cache generations owned by this runtime.
const generationPrefix = "shinline-static-"

// defaultQueueSize bounds the worker event queue.
const defaultQueueSize = 64

// Config carries the dependencies for one worker version.
type Config struct {
	// Version identifies the worker version; it also names the cache
	// generation the version owns.
	Version string
	// Scope is the URL scope this worker controls.
	Scope string
	// Manifest is the fixed list of critical asset URLs cached at install.
	Manifest []string

	Cache      *assetcache.Store
	Clients    ClientRegistry
	Notifier   notify.Notifier
	HTTPClient *http.Client
	// Beacon is optional; nil disables dismissal analytics.
	Beacon Beacon
}

// Worker is a single worker version. Its lifecycle is driven by the Host:
// Install, then Activate, then Run, strictly in that order. Once running it
// processes events until its context is cancelled or a newer version
// supersedes it.
type Worker struct {
	version    string
	scope      string
	generation string
	manifest   []string

	cache      *assetcache.Store
	clients    ClientRegistry
	notifier   notify.Notifier
	httpClient *http.Client
	beacon     Beacon

	mu    sync.RWMutex
	state State

	events chan event
	stop   chan struct{}
	once   sync.Once
}

// New creates a worker version in the installing state.
func New(cfg Config) *Worker {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Worker{
		version:    cfg.Version,
		scope:      cfg.Scope,
		generation: generationPrefix + cfg.Version,
		manifest:   cfg.Manifest,
		cache:      cfg.Cache,
		clients:    cfg.Clients,
		notifier:   cfg.Notifier,
		httpClient: httpClient,
		beacon:     cfg.Beacon,
		state:      StateInstalling,
		events:     make(chan event, defaultQueueSize),
		stop:       make(chan struct{}),
	}
}

// Version returns the worker version identifier.
func (w *Worker) Version() string { return w.version }

// Generation returns the cache generation name owned by this version.
func (w *Worker) Generation() string { return w.generation }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install populates this version's cache generation from the asset manifest.
// Any manifest fetch failure is fatal to the install: the version is
// discarded by the host and the previous version keeps serving.
func (w *Worker) Install(ctx context.Context) error {
	if w.State() != StateInstalling {
		return fmt.Errorf("install from state %s", w.State())
	}
	if err := w.cache.Populate(ctx, w.httpClient, w.generation, w.manifest); err != nil {
		return fmt.Errorf("installing worker %s: %w", w.version, err)
	}
	w.setState(StateWaiting)
	slog.Info("worker installed", "version", w.version, "assets", len(w.manifest))
	return nil
}

// Activate makes this version current: every cache generation except this
// version's is deleted, then all open page clients are claimed so they are
// served by this worker without a reload.
func (w *Worker) Activate(ctx context.Context) error {
	if w.State() != StateWaiting {
		return fmt.Errorf("activate from state %s", w.State())
	}

	removed := w.cache.DeleteOthers(w.generation)
	if removed > 0 {
		slog.Info("stale cache generations deleted", "version", w.version, "removed", removed)
	}

	if err := w.clients.Claim(w.version); err != nil {
		// Claim failures leave uncontrolled clients reachable via MatchAll;
		// activation proceeds regardless.
		slog.Warn("claiming clients failed", "version", w.version, "error", err)
	}

	w.setState(StateActive)
	slog.Info("worker activated", "version", w.version)
	return nil
}

// Run processes events until ctx is cancelled or Shutdown is called. Every
// handler is fenced: a panic or error inside a handler is logged and never
// escapes, since a terminated worker silently stops receiving all future
// events.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopped)
			return
		case <-w.stop:
			w.setState(StateStopped)
			return
		case ev := <-w.events:
			w.dispatch(ctx, ev)
		}
	}
}

// Shutdown stops the event loop. It is idempotent.
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.stop) })
}

// dispatch routes one event to its handler behind a panic fence.
func (w *Worker) dispatch(ctx context.Context, ev event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("worker event handler panic",
				"version", w.version,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch e := ev.(type) {
	case fetchEvent:
		resp, err := w.handleFetch(ctx, e.req)
		e.reply <- fetchResult{resp: resp, err: err}
	case pushEvent:
		w.handlePush(ctx, e.payload)
		close(e.done)
	case notificationClickEvent:
		w.handleNotificationClick(ctx, e.descriptor, e.action)
		close(e.done)
	case notificationCloseEvent:
		w.handleNotificationClose(ctx, e.tag)
	case messageEvent:
		w.handleMessage(e.msg)
	}
}

// deliver enqueues an event on the running worker.
func (w *Worker) deliver(ctx context.Context, ev event) error {
	if w.State() != StateActive {
		return ErrNotActive
	}
	select {
	case w.events <- ev:
		return nil
	case <-w.stop:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}
