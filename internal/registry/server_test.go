package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shinline/shinline/internal/notify"
)

// mockStore implements SubscriptionStore for testing.
type mockStore struct {
	subs      map[string]*Subscription
	upsertErr error
}

func newMockStore() *mockStore {
	return &mockStore{subs: make(map[string]*Subscription)}
}

func (m *mockStore) Upsert(ctx context.Context, sub *Subscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *mockStore) GetByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	return m.subs[endpoint], nil
}

func (m *mockStore) DeleteByEndpoint(ctx context.Context, endpoint string) (bool, error) {
	if _, ok := m.subs[endpoint]; !ok {
		return false, nil
	}
	delete(m.subs, endpoint)
	return true, nil
}

func (m *mockStore) List(ctx context.Context, userID *int64) ([]Subscription, error) {
	var out []Subscription
	for _, sub := range m.subs {
		if userID != nil && (sub.UserID == nil || *sub.UserID != *userID) {
			continue
		}
		out = append(out, *sub)
	}
	return out, nil
}

func (m *mockStore) Count(ctx context.Context) (int64, error) {
	return int64(len(m.subs)), nil
}

// mockSender implements Sender for testing.
type mockSender struct {
	sent    []string
	errFor  map[string]error
	lastPay notify.Payload
}

func (m *mockSender) Send(ctx context.Context, sub *Subscription, payload notify.Payload) error {
	if err := m.errFor[sub.Endpoint]; err != nil {
		return err
	}
	m.sent = append(m.sent, sub.Endpoint)
	m.lastPay = payload
	return nil
}

func registerBody(endpoint string) string {
	return `{"subscription":{"endpoint":"` + endpoint + `","keys":{"p256dh":"key","auth":"secret"}},"user_agent":"test-agent"}`
}

func doJSON(t *testing.T, srv *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHandleRegister_Success(t *testing.T) {
	store := newMockStore()
	srv := NewServer(store, &mockSender{}, nil, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/subscriptions", registerBody("https://push.example/abc"), nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	stored, ok := store.subs["https://push.example/abc"]
	if !ok {
		t.Fatal("expected the subscription to be stored")
	}
	if stored.Platform != PlatformWebPush {
		t.Errorf("expected default platform webpush, got %q", stored.Platform)
	}
	if stored.UserAgent != "test-agent" {
		t.Errorf("expected user agent recorded, got %q", stored.UserAgent)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	var resp RegisterResponse
	data, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("failed to decode register response: %v", err)
	}
	if resp.Endpoint != "https://push.example/abc" || resp.ID == "" {
		t.Errorf("unexpected register response: %+v", resp)
	}
}

func TestHandleRegister_Idempotent(t *testing.T) {
	store := newMockStore()
	srv := NewServer(store, &mockSender{}, nil, nil)

	for i := 0; i < 2; i++ {
		w := doJSON(t, srv, http.MethodPost, "/v1/subscriptions", registerBody("https://push.example/abc"), nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected 201, got %d", i+1, w.Code)
		}
	}
	if len(store.subs) != 1 {
		t.Errorf("expected one stored subscription, got %d", len(store.subs))
	}
}

func TestHandleRegister_MissingKeys(t *testing.T) {
	srv := NewServer(newMockStore(), &mockSender{}, nil, nil)

	body := `{"subscription":{"endpoint":"https://push.example/abc","keys":{"p256dh":"","auth":""}}}`
	w := doJSON(t, srv, http.MethodPost, "/v1/subscriptions", body, nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing keys, got %d", w.Code)
	}
}

func TestHandleRegister_InvalidBody(t *testing.T) {
	srv := NewServer(newMockStore(), &mockSender{}, nil, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/subscriptions", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/v1/subscriptions", `{"unknown_field":true}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown fields, got %d", w.Code)
	}
}

func TestHandleRevoke(t *testing.T) {
	store := newMockStore()
	srv := NewServer(store, &mockSender{}, nil, nil)

	doJSON(t, srv, http.MethodPost, "/v1/subscriptions", registerBody("https://push.example/abc"), nil)

	w := doJSON(t, srv, http.MethodDelete, "/v1/subscriptions", `{"endpoint":"https://push.example/abc"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.subs) != 0 {
		t.Error("expected the subscription to be removed")
	}

	// Revoking again reports not found.
	w = doJSON(t, srv, http.MethodDelete, "/v1/subscriptions", `{"endpoint":"https://push.example/abc"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown endpoint, got %d", w.Code)
	}
}

func TestHandleNotify_SingleEndpoint(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{}
	srv := NewServer(store, sender, nil, nil)

	doJSON(t, srv, http.MethodPost, "/v1/subscriptions", registerBody("https://push.example/abc"), nil)

	body := `{"endpoint":"https://push.example/abc","payload":{"title":"Запись подтверждена","url":"/bookings/42"}}`
	w := doJSON(t, srv, http.MethodPost, "/v1/notify", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(sender.sent) != 1 || sender.sent[0] != "https://push.example/abc" {
		t.Errorf("expected one delivery, got %v", sender.sent)
	}
	if sender.lastPay.Title != "Запись подтверждена" {
		t.Errorf("expected the payload to pass through, got %q", sender.lastPay.Title)
	}

	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	var resp NotifyResponse
	data, _ := json.Marshal(env.Data)
	json.Unmarshal(data, &resp)
	if resp.Sent != 1 || resp.Failed != 0 || resp.Pruned != 0 {
		t.Errorf("unexpected notify response: %+v", resp)
	}
}

func TestHandleNotify_UnknownEndpoint(t *testing.T) {
	srv := NewServer(newMockStore(), &mockSender{}, nil, nil)

	body := `{"endpoint":"https://push.example/nope","payload":{}}`
	w := doJSON(t, srv, http.MethodPost, "/v1/notify", body, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleNotify_FanOutPrunesGoneEndpoints(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{errFor: map[string]error{
		"https://push.example/gone":   ErrSubscriptionGone,
		"https://push.example/broken": errors.New("provider 500"),
	}}
	srv := NewServer(store, sender, nil, nil)

	for _, ep := range []string{"https://push.example/ok", "https://push.example/gone", "https://push.example/broken"} {
		doJSON(t, srv, http.MethodPost, "/v1/subscriptions", registerBody(ep), nil)
	}

	w := doJSON(t, srv, http.MethodPost, "/v1/notify", `{"payload":{"title":"x"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var env envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	var resp NotifyResponse
	data, _ := json.Marshal(env.Data)
	json.Unmarshal(data, &resp)
	if resp.Sent != 1 || resp.Failed != 1 || resp.Pruned != 1 {
		t.Errorf("expected sent=1 failed=1 pruned=1, got %+v", resp)
	}

	// The gone endpoint is removed; the transient failure is kept for retry.
	if _, ok := store.subs["https://push.example/gone"]; ok {
		t.Error("expected the gone endpoint to be pruned")
	}
	if _, ok := store.subs["https://push.example/broken"]; !ok {
		t.Error("expected the transiently failing endpoint to survive")
	}

	sent, failed, pruned := srv.DeliveryStats()
	if sent != 1 || failed != 1 || pruned != 1 {
		t.Errorf("unexpected delivery stats: sent=%d failed=%d pruned=%d", sent, failed, pruned)
	}
}

func TestHandleNotify_RequiresAdminToken(t *testing.T) {
	secret := []byte("test-jwt-secret")
	srv := NewServer(newMockStore(), &mockSender{}, nil, secret)

	// No token.
	w := doJSON(t, srv, http.MethodPost, "/v1/notify", `{"payload":{}}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", w.Code)
	}

	// Garbage token.
	h := http.Header{}
	h.Set("Authorization", "Bearer not-a-token")
	w = doJSON(t, srv, http.MethodPost, "/v1/notify", `{"payload":{}}`, h)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", w.Code)
	}

	// Token signed with the wrong secret.
	wrong, _, err := GenerateAdminToken([]byte("other-secret"), "console")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	h.Set("Authorization", "Bearer "+wrong)
	w = doJSON(t, srv, http.MethodPost, "/v1/notify", `{"payload":{}}`, h)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a wrong-secret token, got %d", w.Code)
	}

	// Valid token.
	token, expiresAt, err := GenerateAdminToken(secret, "console")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expected a future expiry")
	}
	h.Set("Authorization", "Bearer "+token)
	w = doJSON(t, srv, http.MethodPost, "/v1/notify", `{"payload":{}}`, h)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with a valid token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleDismiss_AlwaysNoContent(t *testing.T) {
	srv := NewServer(newMockStore(), &mockSender{}, nil, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/events/dismiss", `{"tag":"shinline","dismissed_at":"2026-08-29T10:00:00Z"}`, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}

	// Even garbage input is acknowledged: the beacon must never fail.
	w = doJSON(t, srv, http.MethodPost, "/v1/events/dismiss", `{garbage`, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a malformed beacon, got %d", w.Code)
	}
}
