// Command shinline runs the push registration and delivery service: it
// stores subscriptions mirrored by booking-platform clients and fans
// notifications out over web push and FCM.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/shinline/shinline/internal/config"
	"github.com/shinline/shinline/internal/metrics"
	"github.com/shinline/shinline/internal/registry"
	"github.com/shinline/shinline/internal/registry/pgstore"
	"github.com/shinline/shinline/internal/registry/sqlitestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))
	slog.Info("starting shinline registry", "http_port", cfg.HTTPPort)

	// Store selection: PostgreSQL when a DSN is configured, SQLite in the
	// data directory otherwise.
	var (
		store   registry.SubscriptionStore
		counter metrics.SubscriptionCounter
		closeFn func() error
	)
	if cfg.DBDSN != "" {
		pg, err := pgstore.New(cfg.DBDSN)
		if err != nil {
			slog.Error("failed to open postgresql store", "error", err)
			os.Exit(1)
		}
		store, counter, closeFn = pg, pg, pg.Close
	} else {
		sq, err := sqlitestore.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		store, counter, closeFn = sq, sq, sq.Close
	}
	defer closeFn()

	// Initialise senders. Web push requires a VAPID key pair; FCM is
	// optional and only attempted when credentials are configured.
	senders := make(map[string]registry.Sender)

	if cfg.VAPIDPublicKey != "" {
		wp, err := registry.NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)
		if err != nil {
			slog.Error("failed to initialise web push sender", "error", err)
			os.Exit(1)
		}
		senders[registry.PlatformWebPush] = wp
	} else {
		slog.Warn("no vapid keys configured, web push delivery unavailable")
	}

	if cfg.FCMCredentials != "" {
		fcm, err := registry.NewFCMSender(context.Background(), cfg.FCMCredentials)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
		senders[registry.PlatformFCM] = fcm
	} else {
		slog.Warn("fcm sender not configured (no --fcm-credentials provided)")
	}

	var sender registry.Sender
	if len(senders) > 0 {
		sender = registry.NewMultiSender(senders)
	} else {
		slog.Warn("no senders configured, the notify endpoint will be unavailable")
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	rateLimiter := registry.NewRateLimiter(registry.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	regServer := registry.NewServer(store, sender, rateLimiter, jwtSecret)

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(counter, regServer, nil, time.Now()))

	// HTTP router with global middleware.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Mount("/", regServer)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		switch {
		case cfg.ACMEDomain != "":
			mgr := &autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
				Email:      cfg.ACMEEmail,
				Cache:      autocert.DirCache(cfg.DataDir + "/acme"),
			}
			srv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate}
			err = srv.ListenAndServeTLS("", "")
		case cfg.TLSCert != "":
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		default:
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
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

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("shinline registry stopped")
}
