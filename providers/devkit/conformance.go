package devkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
)

// ValidateProviderConformance checks the required provider contract against a
// sample raw session the provider is expected to accept.
func ValidateProviderConformance(ctx context.Context, provider core.Provider, sample core.RawSession) error {
	if provider == nil {
		return fmt.Errorf("devkit: provider is required")
	}
	name := strings.TrimSpace(provider.Name())
	if name == "" {
		return fmt.Errorf("devkit: provider name is required")
	}
	if metadata := provider.Metadata(); metadata.Name != name {
		return fmt.Errorf("devkit: metadata name %q does not match provider name %q", metadata.Name, name)
	}

	if _, ok := provider.NormalizeSession(nil); ok {
		return fmt.Errorf("devkit: nil raw session must not normalize")
	}
	if _, ok := provider.NormalizeSession(core.RawSession{}); ok {
		return fmt.Errorf("devkit: raw session without a token must not normalize")
	}
	session, ok := provider.NormalizeSession(sample)
	if !ok {
		return fmt.Errorf("devkit: sample session was rejected")
	}
	if !session.Authenticated() {
		return fmt.Errorf("devkit: normalized sample has no access token")
	}
	if session.Provider != name {
		return fmt.Errorf("devkit: normalized provider %q, expected %q", session.Provider, name)
	}
	again, ok := provider.NormalizeSession(session.ToRaw())
	if !ok || again.AccessToken != session.AccessToken {
		return fmt.Errorf("devkit: normalized session does not survive a raw round trip")
	}

	if _, err := provider.GetStoredSession(ctx); err != nil {
		return fmt.Errorf("devkit: stored session lookup: %w", err)
	}
	if err := provider.SignOut(ctx); err != nil {
		return fmt.Errorf("devkit: sign out: %w", err)
	}
	stored, err := provider.GetStoredSession(ctx)
	if err != nil {
		return fmt.Errorf("devkit: stored session lookup after sign out: %w", err)
	}
	if _, ok := provider.NormalizeSession(stored); ok {
		return fmt.Errorf("devkit: session still stored after sign out")
	}
	return nil
}

// ValidateKeyValueStoreConformance exercises the storage contract every
// adapter must honor.
func ValidateKeyValueStoreConformance(ctx context.Context, store core.KeyValueStore) error {
	if store == nil {
		return fmt.Errorf("devkit: key value store is required")
	}
	key := "devkit:conformance:" + fmt.Sprint(time.Now().UnixNano())

	if _, err := store.Get(ctx, key); !errors.Is(err, core.ErrStorageNotFound) {
		return fmt.Errorf("devkit: missing key should report ErrStorageNotFound, got %v", err)
	}
	if err := store.Set(ctx, key, []byte("first"), 0); err != nil {
		return fmt.Errorf("devkit: set: %w", err)
	}
	if err := store.Set(ctx, key, []byte("second"), time.Minute); err != nil {
		return fmt.Errorf("devkit: overwrite: %w", err)
	}
	value, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("devkit: get: %w", err)
	}
	if !bytes.Equal(value, []byte("second")) {
		return fmt.Errorf("devkit: expected overwritten value, got %q", value)
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("devkit: delete: %w", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("devkit: deleting a missing key should succeed: %w", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, core.ErrStorageNotFound) {
		return fmt.Errorf("devkit: deleted key should report ErrStorageNotFound, got %v", err)
	}
	return nil
}
