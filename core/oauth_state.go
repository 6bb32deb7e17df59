package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultOAuthStateTTL = 15 * time.Minute
	oauthStateKeyPrefix  = "oauth_state:"
)

// OAuthStateRecord ties an OAuth relay redirect back to the sign-in that
// started it.
type OAuthStateRecord struct {
	State       string    `json:"state"`
	Provider    string    `json:"provider"`
	RedirectURI string    `json:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type OAuthStateStore interface {
	Save(ctx context.Context, record OAuthStateRecord) error
	// Consume returns the record once. Unknown, reused and expired states fail
	// with AUTH_SESSION_INVALID.
	Consume(ctx context.Context, state string) (OAuthStateRecord, error)
}

// KeyValueOAuthStateStore keeps relay state in a KeyValueStore so a redirect
// can complete in a later process.
type KeyValueOAuthStateStore struct {
	store KeyValueStore
	ttl   time.Duration
	now   Clock
}

func NewKeyValueOAuthStateStore(store KeyValueStore, ttl time.Duration, now Clock) *KeyValueOAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &KeyValueOAuthStateStore{store: store, ttl: ttl, now: now}
}

func (s *KeyValueOAuthStateStore) Save(ctx context.Context, record OAuthStateRecord) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("core: oauth state store is not configured")
	}
	record.State = strings.TrimSpace(record.State)
	if record.State == "" {
		return fmt.Errorf("core: oauth state is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}
	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("core: oauth state %q already expired", record.State)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("core: encode oauth state: %w", err)
	}
	return s.store.Set(ctx, oauthStateKeyPrefix+record.State, payload, ttl)
}

func (s *KeyValueOAuthStateStore) Consume(ctx context.Context, state string) (OAuthStateRecord, error) {
	if s == nil || s.store == nil {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return OAuthStateRecord{}, invalidOAuthState("oauth state is required")
	}
	key := oauthStateKeyPrefix + state
	payload, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrStorageNotFound) {
		return OAuthStateRecord{}, invalidOAuthState("oauth state not found")
	}
	if err != nil {
		return OAuthStateRecord{}, err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return OAuthStateRecord{}, err
	}

	var record OAuthStateRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return OAuthStateRecord{}, invalidOAuthState("oauth state is unreadable")
	}
	if !record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt) {
		return OAuthStateRecord{}, invalidOAuthState("oauth state expired")
	}
	return record, nil
}

// GenerateOAuthState returns a random URL-safe state value.
func GenerateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func invalidOAuthState(message string) *goerrors.Error {
	return NewAuthError(message, goerrors.CategoryAuth, ErrorSessionInvalid)
}
