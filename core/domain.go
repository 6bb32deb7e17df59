package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawSession is the provider-specific session shape returned by a backend or
// SDK. Only a handful of keys are known to the core.
type RawSession map[string]any

const (
	RawKeyAccessToken  = "access_token"
	RawKeyRefreshToken = "refresh_token"
	RawKeyExpiresAt    = "expires_at"
	RawKeyExpiresIn    = "expires_in"
	RawKeyUser         = "user"
	RawKeyProvider     = "provider"
	RawKeyProviderID   = "provider_id"
	RawKeyIsAnonymous  = "is_anonymous"
)

func (r RawSession) String(key string) string {
	if r == nil {
		return ""
	}
	switch typed := r[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case fmt.Stringer:
		return strings.TrimSpace(typed.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func (r RawSession) Bool(key string) bool {
	if r == nil {
		return false
	}
	switch typed := r[key].(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		return err == nil && parsed
	default:
		return false
	}
}

// ExpiresAt resolves expires_at (unix seconds) or expires_in (seconds from
// now). It returns nil when neither is present.
func (r RawSession) ExpiresAt(now time.Time) *time.Time {
	if r == nil {
		return nil
	}
	if seconds, ok := numericValue(r[RawKeyExpiresAt]); ok && seconds > 0 {
		at := time.Unix(int64(seconds), 0).UTC()
		return &at
	}
	if seconds, ok := numericValue(r[RawKeyExpiresIn]); ok && seconds > 0 {
		at := now.Add(time.Duration(seconds) * time.Second).UTC().Truncate(time.Second)
		return &at
	}
	return nil
}

func (r RawSession) Map(key string) map[string]any {
	if r == nil {
		return nil
	}
	switch typed := r[key].(type) {
	case map[string]any:
		return typed
	case RawSession:
		return map[string]any(typed)
	default:
		return nil
	}
}

func (r RawSession) Clone() RawSession {
	if r == nil {
		return nil
	}
	return RawSession(deepCopyMap(r))
}

// SessionUser is the normalized user attached to a session.
type SessionUser struct {
	ID        string         `json:"id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Name      string         `json:"name,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (u *SessionUser) Clone() *SessionUser {
	if u == nil {
		return nil
	}
	cloned := *u
	cloned.Metadata = deepCopyMap(u.Metadata)
	return &cloned
}

func (u *SessionUser) toMap() map[string]any {
	if u == nil {
		return nil
	}
	out := map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.Name,
		"avatar_url": u.AvatarURL,
	}
	if len(u.Metadata) > 0 {
		out["metadata"] = deepCopyMap(u.Metadata)
	}
	return out
}

// NormalizedSession is the canonical session shape every provider produces.
type NormalizedSession struct {
	AccessToken string       `json:"access_token"`
	User        *SessionUser `json:"user"`
	IsAnonymous bool         `json:"isAnonymous"`
	Provider    string       `json:"provider"`
	ProviderID  string       `json:"provider_id,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

func (s NormalizedSession) Authenticated() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

func (s NormalizedSession) Clone() NormalizedSession {
	cloned := s
	cloned.User = s.User.Clone()
	if s.ExpiresAt != nil {
		at := *s.ExpiresAt
		cloned.ExpiresAt = &at
	}
	return cloned
}

// ToRaw renders the session back into the well-known raw keys so that any
// provider can re-normalize it.
func (s NormalizedSession) ToRaw() RawSession {
	raw := RawSession{
		RawKeyAccessToken: s.AccessToken,
		RawKeyProvider:    s.Provider,
		RawKeyIsAnonymous: s.IsAnonymous,
	}
	if s.ProviderID != "" {
		raw[RawKeyProviderID] = s.ProviderID
	}
	if s.ExpiresAt != nil {
		raw[RawKeyExpiresAt] = s.ExpiresAt.Unix()
	}
	if s.User != nil {
		raw[RawKeyUser] = s.User.toMap()
	}
	return raw
}

// NormalizeRawSession maps the well-known raw keys into a NormalizedSession.
// Providers whose raw shape already follows the canonical keys delegate to it.
func NormalizeRawSession(raw RawSession, provider string, now time.Time) (NormalizedSession, bool) {
	token := raw.String(RawKeyAccessToken)
	if token == "" {
		return NormalizedSession{}, false
	}
	session := NormalizedSession{
		AccessToken: token,
		IsAnonymous: raw.Bool(RawKeyIsAnonymous),
		Provider:    strings.TrimSpace(provider),
		ProviderID:  raw.String(RawKeyProviderID),
		ExpiresAt:   raw.ExpiresAt(now),
	}
	if userMap := raw.Map(RawKeyUser); userMap != nil {
		session.User = userFromMap(userMap)
		if session.ProviderID == "" && session.User != nil {
			session.ProviderID = session.User.ID
		}
	}
	return session, true
}

func userFromMap(values map[string]any) *SessionUser {
	if values == nil {
		return nil
	}
	raw := RawSession(values)
	user := &SessionUser{
		ID:        firstNonEmpty(raw.String("id"), raw.String("uid"), raw.String("sub")),
		Email:     raw.String("email"),
		AvatarURL: firstNonEmpty(raw.String("avatar_url"), raw.String("picture"), raw.String("photo_url")),
	}
	user.Name = DisplayName(
		firstNonEmpty(raw.String("full_name"), raw.String("name")),
		raw.String("display_name"),
		user.Email,
	)
	if meta, ok := values["metadata"].(map[string]any); ok {
		user.Metadata = deepCopyMap(meta)
	}
	return user
}

// Profile is the backend user record fetched for full sessions.
type Profile struct {
	User            map[string]any    `json:"user"`
	Provider        string            `json:"provider"`
	ProviderID      string            `json:"provider_id"`
	LinkedProviders map[string]string `json:"linked_providers"`
	FetchedAt       time.Time         `json:"-"`
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.User = deepCopyMap(p.User)
	cloned.LinkedProviders = cloneStringMap(p.LinkedProviders)
	return &cloned
}

// ProviderMetadata describes a provider to the UI layer.
type ProviderMetadata struct {
	Name            string `json:"name"`
	DisplayName     string `json:"displayName"`
	Icon            string `json:"icon"`
	Widget          string `json:"widget,omitempty"`
	Configured      bool   `json:"configured"`
	SupportsLinking bool   `json:"supportsLinking,omitempty"`
	IsAnonymousOnly bool   `json:"isAnonymousOnly,omitempty"`
}

type SessionStatus string

const (
	SessionStatusUnauthenticated SessionStatus = "unauthenticated"
	SessionStatusAnonymous       SessionStatus = "authenticated-anonymous"
	SessionStatusAuthenticated   SessionStatus = "authenticated-full"
)

// SessionSnapshot is a read-only copy of the store state.
type SessionSnapshot struct {
	Status          SessionStatus
	Session         *NormalizedSession
	Provider        string
	Profile         *Profile
	LinkedProviders map[string]string
	NextRefreshAt   time.Time
	LastProfileAt   time.Time
	Healthy         bool
	LastError       error
}

func (s SessionSnapshot) Authenticated() bool {
	return s.Session != nil && s.Session.Authenticated()
}

func (s SessionSnapshot) Token() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.AccessToken
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func numericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return typed, true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func deepCopyMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case RawSession:
		return RawSession(deepCopyMap(typed))
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}

func cloneStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
