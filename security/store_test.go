package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers/devkit"
	"github.com/goliatone/go-authsession/store/memory"
)

func newSealedStore(t *testing.T, opts ...StoreOption) (*SealedStore, *memory.Store) {
	t.Helper()
	sealer, err := NewSealerFromString("store-key")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	backing := memory.New(0)
	store, err := NewSealedStore(backing, sealer, opts...)
	if err != nil {
		t.Fatalf("new sealed store: %v", err)
	}
	return store, backing
}

func TestSealedStore_KeyValueConformance(t *testing.T) {
	store, _ := newSealedStore(t)
	if err := devkit.ValidateKeyValueStoreConformance(context.Background(), store); err != nil {
		t.Fatalf("conformance: %v", err)
	}
}

func TestSealedStore_WritesSealedValues(t *testing.T) {
	ctx := context.Background()
	store, backing := newSealedStore(t)

	if err := store.Set(ctx, "session:local", []byte("refresh-token"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := backing.Get(ctx, "session:local")
	if err != nil {
		t.Fatalf("backing get: %v", err)
	}
	if !IsSealed(raw) {
		t.Fatalf("expected backing store to hold a sealed value, got %q", raw)
	}
	value, err := store.Get(ctx, "session:local")
	if err != nil || string(value) != "refresh-token" {
		t.Fatalf("expected opened value, got %q (%v)", value, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrStorageNotFound) {
		t.Fatalf("expected not found to pass through, got %v", err)
	}
}

func TestSealedStore_PlaintextFallback(t *testing.T) {
	ctx := context.Background()

	strict, backing := newSealedStore(t)
	if err := backing.Set(ctx, "legacy", []byte("plain"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := strict.Get(ctx, "legacy"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected strict store to reject plaintext, got %v", err)
	}

	lenient, backing := newSealedStore(t, AllowPlaintext())
	if err := backing.Set(ctx, "legacy", []byte("plain"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	value, err := lenient.Get(ctx, "legacy")
	if err != nil || string(value) != "plain" {
		t.Fatalf("expected plaintext fallback, got %q (%v)", value, err)
	}
}

func TestNewSealedStore_RequiresDependencies(t *testing.T) {
	sealer, _ := NewSealerFromString("k")
	if _, err := NewSealedStore(nil, sealer); err == nil {
		t.Fatalf("expected missing store to fail")
	}
	if _, err := NewSealedStore(memory.New(0), nil); err == nil {
		t.Fatalf("expected missing sealer to fail")
	}
}
