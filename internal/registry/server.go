package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Server holds the registry HTTP handler dependencies.
type Server struct {
	router      *chi.Mux
	store       SubscriptionStore
	sender      Sender
	rateLimiter *RateLimiter
	jwtSecret   []byte

	sent   atomic.Int64
	failed atomic.Int64
	pruned atomic.Int64
}

// DeliveryStats returns cumulative delivery counters for metrics scraping.
func (s *Server) DeliveryStats() (sent, failed, pruned int64) {
	return s.sent.Load(), s.failed.Load(), s.pruned.Load()
}

// NewServer creates a registry HTTP server with all routes mounted. If
// rateLimiter is non-nil it is applied to the subscription endpoints; if
// jwtSecret is non-empty the notify endpoint requires an admin token.
func NewServer(store SubscriptionStore, sender Sender, rateLimiter *RateLimiter, jwtSecret []byte) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       store,
		sender:      sender,
		rateLimiter: rateLimiter,
		jwtSecret:   jwtSecret,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes mounts all registry API routes under /v1.
func (s *Server) routes() {
	r := s.router

	r.Route("/v1", func(r chi.Router) {
		sub := r.With()
		if s.rateLimiter != nil {
			sub = r.With(s.rateLimiter.Middleware)
		}
		sub.Post("/subscriptions", s.handleRegister)
		sub.Delete("/subscriptions", s.handleRevoke)

		if len(s.jwtSecret) > 0 {
			r.With(RequireAdminAuth(s.jwtSecret)).Post("/notify", s.handleNotify)
		} else {
			r.Post("/notify", s.handleNotify)
		}

		r.Post("/events/dismiss", s.handleDismiss)
	})
}

// handleRegister handles POST /v1/subscriptions — mirror a client push
// subscription into the store.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "subscription store not configured")
		return
	}

	var req RegisterRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if req.Subscription == nil || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "subscription with endpoint is required")
		return
	}
	platform := req.Platform
	if platform == "" {
		platform = PlatformWebPush
	}
	if platform != PlatformWebPush && platform != PlatformFCM {
		writeError(w, http.StatusBadRequest, "platform must be webpush or fcm")
		return
	}
	if platform == PlatformWebPush && (req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "") {
		writeError(w, http.StatusBadRequest, "p256dh and auth keys are required")
		return
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Endpoint:  req.Subscription.Endpoint,
		P256dh:    req.Subscription.Keys.P256dh,
		Auth:      req.Subscription.Keys.Auth,
		Platform:  platform,
		UserAgent: req.UserAgent,
		UserID:    req.UserID,
	}

	if err := s.store.Upsert(r.Context(), sub); err != nil {
		slog.Error("subscription upsert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("subscription registered", "endpoint", truncateEndpoint(sub.Endpoint), "platform", platform)

	writeJSON(w, http.StatusCreated, RegisterResponse{
		ID:       sub.ID,
		Endpoint: sub.Endpoint,
	})
}

// handleRevoke handles DELETE /v1/subscriptions — remove the registration
// for an endpoint.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "subscription store not configured")
		return
	}

	var req RevokeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	deleted, err := s.store.DeleteByEndpoint(r.Context(), req.Endpoint)
	if err != nil {
		slog.Error("subscription delete failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	slog.Info("subscription revoked", "endpoint", truncateEndpoint(req.Endpoint))
	writeJSON(w, http.StatusOK, RevokeRequest{Endpoint: req.Endpoint})
}

// handleNotify handles POST /v1/notify — deliver a notification payload to
// one endpoint, one user or all subscriptions. Endpoints the push provider
// reports gone are pruned from the store.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery not configured")
		return
	}

	var req NotifyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		targets []Subscription
		err     error
	)
	switch {
	case req.Endpoint != "":
		var sub *Subscription
		sub, err = s.store.GetByEndpoint(r.Context(), req.Endpoint)
		if err == nil && sub == nil {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		if sub != nil {
			targets = []Subscription{*sub}
		}
	default:
		targets, err = s.store.List(r.Context(), req.UserID)
	}
	if err != nil {
		slog.Error("loading notify targets failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var resp NotifyResponse
	for i := range targets {
		sub := &targets[i]
		sendErr := s.sender.Send(r.Context(), sub, req.Payload)
		switch {
		case sendErr == nil:
			resp.Sent++
		case errors.Is(sendErr, ErrSubscriptionGone):
			resp.Pruned++
			if _, derr := s.store.DeleteByEndpoint(r.Context(), sub.Endpoint); derr != nil {
				slog.Error("pruning gone subscription failed", "endpoint", truncateEndpoint(sub.Endpoint), "error", derr)
			} else {
				slog.Info("pruned gone subscription", "endpoint", truncateEndpoint(sub.Endpoint))
			}
		default:
			resp.Failed++
			slog.Error("push delivery failed",
				"endpoint", truncateEndpoint(sub.Endpoint),
				"platform", sub.Platform,
				"error", sendErr,
			)
		}
	}

	s.sent.Add(int64(resp.Sent))
	s.failed.Add(int64(resp.Failed))
	s.pruned.Add(int64(resp.Pruned))

	slog.Info("notify completed", "sent", resp.Sent, "failed", resp.Failed, "pruned", resp.Pruned, "tag", req.Payload.Tag)
	writeJSON(w, http.StatusOK, resp)
}

// handleDismiss handles POST /v1/events/dismiss — the best-effort dismissal
// beacon. It never fails towards the client.
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req DismissRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	at := req.DismissedAt
	if at.IsZero() {
		at = time.Now()
	}
	slog.Info("notification dismissed", "tag", req.Tag, "dismissed_at", at)
	w.WriteHeader(http.StatusNoContent)
}

// truncateEndpoint shortens an endpoint URL for logging.
func truncateEndpoint(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

// envelope is the standard response wrapper for the registry API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}
