package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shinline/shinline/internal/manager"
	"github.com/shinline/shinline/internal/notify"
	"github.com/shinline/shinline/internal/worker"
)

// consoleNotifier renders notifications to the agent log. It tracks open
// tags so Close stays idempotent.
type consoleNotifier struct {
	mu   sync.Mutex
	open map[string]bool
}

func newConsoleNotifier() *consoleNotifier {
	return &consoleNotifier{open: make(map[string]bool)}
}

func (n *consoleNotifier) Display(ctx context.Context, d notify.Descriptor) error {
	n.mu.Lock()
	n.open[d.Tag] = true
	n.mu.Unlock()

	slog.Info("notification",
		"title", d.Title,
		"body", d.Body,
		"tag", d.Tag,
		"url", d.Data.URL,
		"require_interaction", d.RequireInteraction,
	)
	return nil
}

func (n *consoleNotifier) Close(tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.open[tag] {
		delete(n.open, tag)
		slog.Debug("notification closed", "tag", tag)
	}
	return nil
}

// headlessClients is the agent's client registry. The agent has no real
// page clients; window opens are recorded so notification routing still has
// somewhere to land.
type headlessClients struct {
	mu      sync.Mutex
	windows []*loggedWindow
}

type loggedWindow struct {
	id  string
	url string
}

func (w *loggedWindow) ID() string { return w.id }

func (w *loggedWindow) Focus() error {
	slog.Debug("window focused", "client", w.id, "url", w.url)
	return nil
}

func (w *loggedWindow) PostMessage(msg notify.ClientMessage) error {
	slog.Info("routing message", "client", w.id, "type", msg.Type, "url", msg.URL)
	return nil
}

func (h *headlessClients) MatchAll() []worker.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]worker.Client, len(h.windows))
	for i, w := range h.windows {
		clients[i] = w
	}
	return clients
}

func (h *headlessClients) OpenWindow(ctx context.Context, url string) (worker.Client, error) {
	w := &loggedWindow{id: uuid.NewString(), url: url}
	h.mu.Lock()
	h.windows = append(h.windows, w)
	h.mu.Unlock()
	slog.Info("window opened", "client", w.id, "url", url)
	return w, nil
}

func (h *headlessClients) Claim(version string) error {
	slog.Debug("clients claimed", "version", version)
	return nil
}

// grantedPrompter auto-grants the permission prompt: the agent is installed
// deliberately, so consent is implied by running it.
type grantedPrompter struct{}

func (grantedPrompter) Request(ctx context.Context) (manager.Permission, error) {
	return manager.PermissionGranted, nil
}

// workerStatus adapts the worker host to the metrics provider.
type workerStatus struct {
	host *worker.Host
}

func (ws workerStatus) WorkerState() string {
	if w := ws.host.Active(); w != nil {
		return w.State().String()
	}
	return "unregistered"
}

func (ws workerStatus) CacheGenerations() int {
	return len(ws.host.Cache().Generations())
}
