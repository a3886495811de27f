package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SettingsStore {
	t.Helper()
	addr := os.Getenv("CGMHOST_TEST_REDIS")
	if addr == "" {
		t.Skip("CGMHOST_TEST_REDIS not set")
	}
	store, err := NewSettingsStore(context.Background(), Config{
		Address:   addr,
		KeyPrefix: "cgmhost:test:" + uuid.NewString() + ":",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSettingsStoreNamespaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "com.example.a", "units", "mgdl"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "com.example.b", "units", "mmol"); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, ok, err := store.Get(ctx, "com.example.a", "units")
	if err != nil || !ok || v != "mgdl" {
		t.Fatalf("unexpected value %q ok=%v err=%v", v, ok, err)
	}

	all, err := store.All(ctx, "com.example.b")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all["units"] != "mmol" {
		t.Fatalf("unexpected namespace content: %v", all)
	}

	if err := store.Delete(ctx, "com.example.a", "units"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "com.example.a", "units"); ok {
		t.Fatalf("expected key to be gone")
	}
}

func TestNewSettingsStoreRequiresAddress(t *testing.T) {
	if _, err := NewSettingsStore(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}
