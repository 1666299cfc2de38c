package sqlitestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shinline/shinline/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSubscription(endpoint string) *registry.Subscription {
	return &registry.Subscription{
		ID:        "id-" + endpoint,
		Endpoint:  endpoint,
		P256dh:    "p256dh-key",
		Auth:      "auth-secret",
		Platform:  registry.PlatformWebPush,
		UserAgent: "test-agent",
	}
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "shinline.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify the subscriptions table exists.
	var count int
	err = s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='subscriptions'").Scan(&count)
	if err != nil {
		t.Fatalf("checking subscriptions table: %v", err)
	}
	if count != 1 {
		t.Error("subscriptions table not found")
	}

	// Reopening an already-migrated database is a no-op.
	s.Close()
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	s2.Close()
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := sampleSubscription("https://push.example/abc")
	if err := s.Upsert(ctx, sub); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.GetByEndpoint(ctx, "https://push.example/abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a stored subscription")
	}
	if got.P256dh != "p256dh-key" || got.Auth != "auth-secret" {
		t.Errorf("unexpected keys: %q %q", got.P256dh, got.Auth)
	}
	if got.Platform != registry.PlatformWebPush {
		t.Errorf("unexpected platform %q", got.Platform)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestUpsert_SameEndpointKeepsStoredID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := sampleSubscription("https://push.example/abc")
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	second := sampleSubscription("https://push.example/abc")
	second.ID = "another-id"
	second.UserAgent = "newer-agent"
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected the stored id to be kept, got %q want %q", second.ID, first.ID)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one record, got %d", n)
	}

	got, _ := s.GetByEndpoint(ctx, "https://push.example/abc")
	if got.UserAgent != "newer-agent" {
		t.Errorf("expected the record to be updated, got agent %q", got.UserAgent)
	}
}

func TestGetByEndpoint_MissReturnsNilNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetByEndpoint(context.Background(), "https://push.example/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for a miss, got %+v", got)
	}
}

func TestDeleteByEndpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, sampleSubscription("https://push.example/abc")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	deleted, err := s.DeleteByEndpoint(ctx, "https://push.example/abc")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}

	deleted, err = s.DeleteByEndpoint(ctx, "https://push.example/abc")
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if deleted {
		t.Error("expected deleted=false for a missing record")
	}
}

func TestList_FiltersByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	userA := int64(1)
	userB := int64(2)

	subA := sampleSubscription("https://push.example/a")
	subA.UserID = &userA
	subB := sampleSubscription("https://push.example/b")
	subB.UserID = &userB
	subC := sampleSubscription("https://push.example/c")

	for _, sub := range []*registry.Subscription{subA, subB, subC} {
		if err := s.Upsert(ctx, sub); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	all, err := s.List(ctx, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 subscriptions, got %d", len(all))
	}

	forA, err := s.List(ctx, &userA)
	if err != nil {
		t.Fatalf("filtered list failed: %v", err)
	}
	if len(forA) != 1 || forA[0].Endpoint != "https://push.example/a" {
		t.Errorf("expected only user 1's subscription, got %+v", forA)
	}
}
