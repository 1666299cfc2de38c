package regclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shinline/shinline/internal/pushsvc"
)

func testSubscription() *pushsvc.Subscription {
	return &pushsvc.Subscription{
		Endpoint: "https://push.example/sub-1",
		Keys:     pushsvc.Keys{P256dh: "p256dh-key", Auth: "auth-secret"},
	}
}

func TestRegisterSubscription(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"abc","endpoint":"https://push.example/sub-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.RegisterSubscription(context.Background(), testSubscription(), "test-agent"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/v1/subscriptions" {
		t.Errorf("expected POST /v1/subscriptions, got %s %s", gotMethod, gotPath)
	}

	var req RegisterRequest
	if err := json.Unmarshal([]byte(gotBody), &req); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	if req.Subscription == nil || req.Subscription.Endpoint != "https://push.example/sub-1" {
		t.Errorf("unexpected subscription in request: %+v", req.Subscription)
	}
	if req.Subscription.Keys.P256dh != "p256dh-key" || req.Subscription.Keys.Auth != "auth-secret" {
		t.Errorf("expected subscription keys to be sent, got %+v", req.Subscription.Keys)
	}
	if req.UserAgent != "test-agent" {
		t.Errorf("expected user agent, got %q", req.UserAgent)
	}
}

func TestRegisterSubscription_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"data":null,"error":"p256dh and auth keys are required"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.RegisterSubscription(context.Background(), testSubscription(), "")
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if !strings.Contains(err.Error(), "p256dh and auth keys are required") {
		t.Errorf("expected the registry error message to surface, got %v", err)
	}
}

func TestRevokeSubscription(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"data":{"endpoint":"https://push.example/sub-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.RevokeSubscription(context.Background(), "https://push.example/sub-1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/subscriptions" {
		t.Errorf("expected DELETE /v1/subscriptions, got %s %s", gotMethod, gotPath)
	}
}

func TestNotificationDismissed(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if err := c.NotificationDismissed(context.Background(), "shinline", at); err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}

	var req DismissRequest
	if err := json.Unmarshal([]byte(gotBody), &req); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	if req.Tag != "shinline" || !req.DismissedAt.Equal(at) {
		t.Errorf("unexpected dismiss request: %+v", req)
	}
}

func TestSend_UnreachableRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL)
	if err := c.RevokeSubscription(context.Background(), "https://push.example/sub-1"); err == nil {
		t.Fatal("expected an error for an unreachable registry")
	}
}

func TestConfigured(t *testing.T) {
	if NewClient("").Configured() {
		t.Error("expected Configured()=false without a base url")
	}
	if !NewClient("https://push.shinline.ru").Configured() {
		t.Error("expected Configured()=true with a base url")
	}
}
