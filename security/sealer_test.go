package security

import (
	"bytes"
	"strings"
	"testing"
)

func TestSealer_SealOpenRoundTrip(t *testing.T) {
	sealer, err := NewSealerFromString("super-secret-test-key", WithKeyID("k1"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte(`{"access_token":"token-value-123"}`)
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("token-value-123")) {
		t.Fatalf("expected sealed payload to hide plaintext")
	}
	if !IsSealed(sealed) {
		t.Fatalf("expected envelope prefix")
	}
	if id, err := SealedKeyID(sealed); err != nil || id != "k1" {
		t.Fatalf("expected key id k1, got %q (%v)", id, err)
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected round trip plaintext, got %q", opened)
	}

	again, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal again: %v", err)
	}
	if bytes.Equal(again, sealed) {
		t.Fatalf("expected a fresh nonce per seal")
	}
}

func TestSealer_RotationKeepsRetiredKeysReadable(t *testing.T) {
	old, err := NewSealerFromString("old-key", WithKeyID("v1"))
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	sealed, err := old.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	rotated, err := NewSealerFromString("new-key", WithKeyID("v2"), WithRetiredKey("v1", []byte("old-key")))
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	opened, err := rotated.Open(sealed)
	if err != nil || string(opened) != "payload" {
		t.Fatalf("expected retired key to open, got %q (%v)", opened, err)
	}
	if !rotated.NeedsReseal(sealed) {
		t.Fatalf("expected value sealed with v1 to need reseal")
	}

	stranger, err := NewSealerFromString("new-key", WithKeyID("v2"))
	if err != nil {
		t.Fatalf("stranger sealer: %v", err)
	}
	if _, err := stranger.Open(sealed); err == nil || !strings.Contains(err.Error(), "unknown key id") {
		t.Fatalf("expected unknown key id error, got %v", err)
	}
}

func TestSealer_RejectsTamperedAndForeignValues(t *testing.T) {
	sealer, err := NewSealerFromString("key")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if _, err := NewSealerFromString("   "); err == nil {
		t.Fatalf("expected empty key material to fail")
	}
	if _, err := NewSealerFromString("key", WithRetiredKey("", []byte("x"))); err == nil {
		t.Fatalf("expected retired key without id to fail")
	}

	if _, err := sealer.Open([]byte("plain")); err != ErrNotSealed {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}

	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	relabelled := bytes.Replace(sealed, []byte(`"kid":"app-key"`), []byte(`"kid":"other"`), 1)
	other, err := NewSealerFromString("key", WithKeyID("other"))
	if err != nil {
		t.Fatalf("other sealer: %v", err)
	}
	if _, err := other.Open(relabelled); err == nil {
		t.Fatalf("expected relabelled envelope to fail authentication")
	}
	if _, err := sealer.Open([]byte(envelopePrefix + `{"kid":"app-key","alg":"des"}`)); err == nil {
		t.Fatalf("expected unsupported algorithm to fail")
	}
}
