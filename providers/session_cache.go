package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
)

const SessionKeyPrefix = "session:"

// SessionKey returns the storage key used for the persisted session of a
// provider.
func SessionKey(provider string) string {
	return SessionKeyPrefix + strings.ToLower(strings.TrimSpace(provider))
}

// SessionCache persists normalized session metadata in a key/value store.
// A nil store turns every call into a no-op.
type SessionCache struct {
	store core.KeyValueStore
	key   string
	ttl   time.Duration
}

func NewSessionCache(store core.KeyValueStore, provider string, ttl time.Duration) *SessionCache {
	return &SessionCache{
		store: store,
		key:   SessionKey(provider),
		ttl:   ttl,
	}
}

func (c *SessionCache) Enabled() bool {
	return c != nil && c.store != nil
}

func (c *SessionCache) Key() string {
	if c == nil {
		return ""
	}
	return c.key
}

// StoredSession is the persisted form. RefreshToken is kept beside the
// session because the normalized shape does not carry it.
type StoredSession struct {
	Session      core.NormalizedSession `json:"session"`
	RefreshToken string                 `json:"refresh_token,omitempty"`
	StoredAt     time.Time              `json:"stored_at"`
}

// Save writes session. Sessions without an access token are stored too; they
// carry identity hints only and are not restorable.
func (c *SessionCache) Save(ctx context.Context, session core.NormalizedSession, refreshToken string) error {
	if !c.Enabled() {
		return nil
	}
	payload, err := json.Marshal(StoredSession{
		Session:      session,
		RefreshToken: strings.TrimSpace(refreshToken),
		StoredAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("providers: encode session metadata: %w", err)
	}
	if err := c.store.Set(ctx, c.key, payload, c.ttl); err != nil {
		return fmt.Errorf("providers: store session metadata: %w", err)
	}
	return nil
}

// Load returns the stored session, or nil when nothing usable is stored.
func (c *SessionCache) Load(ctx context.Context) (*StoredSession, error) {
	if !c.Enabled() {
		return nil, nil
	}
	payload, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, core.ErrStorageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("providers: load session metadata: %w", err)
	}
	var stored StoredSession
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("providers: decode session metadata: %w", err)
	}
	return &stored, nil
}

// LoadRaw returns the stored session in raw form when it still carries a
// credential that has not expired at now.
func (c *SessionCache) LoadRaw(ctx context.Context, now time.Time) (core.RawSession, error) {
	stored, err := c.Load(ctx)
	if err != nil || stored == nil {
		return nil, err
	}
	session := stored.Session
	if !session.Authenticated() {
		return nil, nil
	}
	if session.ExpiresAt != nil && !session.ExpiresAt.After(now) {
		return nil, nil
	}
	raw := session.ToRaw()
	if stored.RefreshToken != "" {
		raw[core.RawKeyRefreshToken] = stored.RefreshToken
	}
	return raw, nil
}

func (c *SessionCache) Clear(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.store.Delete(ctx, c.key); err != nil && !errors.Is(err, core.ErrStorageNotFound) {
		return fmt.Errorf("providers: clear session metadata: %w", err)
	}
	return nil
}

// ResignRequest clones req with a bearer Authorization header for token. It
// returns nil for a nil request.
func ResignRequest(req *http.Request, token string) *http.Request {
	if req == nil {
		return nil
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set(core.HeaderAuthorization, "Bearer "+strings.TrimSpace(token))
	return cloned
}
