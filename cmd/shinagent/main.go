// Command shinagent runs the booking-platform notification agent: it hosts
// the background worker runtime, keeps a push subscription registered with
// the shinline registry, serves cached assets through the worker's fetch
// path and receives push deliveries at its minted endpoint.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shinline/shinline/internal/assetcache"
	"github.com/shinline/shinline/internal/config"
	"github.com/shinline/shinline/internal/manager"
	"github.com/shinline/shinline/internal/metrics"
	"github.com/shinline/shinline/internal/pushsvc"
	"github.com/shinline/shinline/internal/regclient"
	"github.com/shinline/shinline/internal/worker"
)

// workerVersion is the version of the embedded worker runtime. Bumping it
// rolls a new cache generation on the next registration.
const workerVersion = "2024.2"

// maxPushPayload bounds an inbound push delivery body (4 KB, matching the
// web push payload ceiling).
const maxPushPayload = 4096

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))

	if cfg.Scope == "" {
		slog.Error("--scope is required (origin base URL the worker controls)")
		os.Exit(1)
	}

	slog.Info("starting shinagent",
		"scope", cfg.Scope,
		"registry", cfg.RegistryURL,
		"http_port", cfg.HTTPPort,
	)

	notifier := newConsoleNotifier()
	clients := &headlessClients{}
	regc := regclient.NewClient(cfg.RegistryURL)

	var beacon worker.Beacon
	if cfg.AnalyticsURL != "" {
		beacon = regclient.NewClient(cfg.AnalyticsURL)
	}

	host := worker.NewHost(worker.HostConfig{
		Scope:    cfg.Scope,
		Manifest: cfg.ManifestURLs(),
		Clients:  clients,
		Notifier: notifier,
		Beacon:   beacon,
	})

	endpointBase := fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
	svc := pushsvc.NewLocal(endpointBase, host)

	mgr := manager.New(manager.Config{
		ApplicationKey: cfg.VAPIDPublicKey,
		WorkerVersion:  workerVersion,
		UserAgent:      "shinagent/" + workerVersion,
		Prompter:       grantedPrompter{},
		Service:        svc,
		Registrar:      host,
		Sync:           regc,
		Notifier:       notifier,
	})

	ctx := context.Background()

	// Reflect any pre-existing state, then establish the subscription.
	// Install failures are fatal here because the agent has no previous
	// version to keep serving.
	mgr.CheckSubscriptionStatus(ctx)
	if ok, err := mgr.Subscribe(ctx); err != nil {
		slog.Error("subscribe failed", "error", err)
		os.Exit(1)
	} else if !ok {
		snap := mgr.Snapshot()
		slog.Error("subscribe failed", "reason", snap.Err)
		os.Exit(1)
	}

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(nil, nil, workerStatus{host: host}, time.Now()))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// Push deliveries addressed to the minted endpoint.
	r.Post("/push/{id}", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		endpoint := endpointBase + "/push/" + chi.URLParam(r, "id")
		if err := svc.Deliver(r.Context(), endpoint, payload); err != nil {
			slog.Warn("push delivery rejected", "error", err)
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	// Everything else goes through the worker's fetch interception:
	// cache-first with network and offline-shell fallback.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		mode := worker.ModeSubresource
		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			mode = worker.ModeDocument
		}
		serveFetch(w, r, host, worker.FetchRequest{Path: r.URL.Path, Mode: mode})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	host.Unregister()

	slog.Info("shinagent stopped")
}

// serveFetch runs one request through the active worker and writes the
// result.
func serveFetch(w http.ResponseWriter, r *http.Request, host *worker.Host, req worker.FetchRequest) {
	active := host.Active()
	if active == nil {
		http.Error(w, "worker not registered", http.StatusServiceUnavailable)
		return
	}

	resp, err := active.Fetch(r.Context(), req)
	if err != nil {
		slog.Debug("fetch failed", "path", req.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeCached(w, resp)
}

func writeCached(w http.ResponseWriter, resp *assetcache.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Debug("writing cached response failed", "error", err)
	}
}
