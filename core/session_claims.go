package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultDisplayName = "User"

// TokenClaims is the subset of a signed claims bundle the session cares about.
type TokenClaims struct {
	Subject     string
	Email       string
	Name        string
	AvatarURL   string
	IsAnonymous bool
	ExpiresAt   *time.Time
	Raw         map[string]any
}

// DecodeTokenClaims reads the claims of a JWT without verifying its signature.
// Verification is the issuer backend's job; the client only needs the
// identity hints.
func DecodeTokenClaims(token string) (TokenClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return TokenClaims{}, fmt.Errorf("core: token is required")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("core: decode token claims: %w", err)
	}
	return ClaimsFromMap(claims), nil
}

func ClaimsFromMap(claims map[string]any) TokenClaims {
	raw := RawSession(claims)
	out := TokenClaims{
		Subject: firstNonEmpty(raw.String("sub"), raw.String("user_id"), raw.String("uid")),
		Email:   raw.String("email"),
		Raw:     deepCopyMap(claims),
	}
	out.Name = DisplayName(
		firstNonEmpty(raw.String("full_name"), raw.String("name")),
		raw.String("display_name"),
		out.Email,
	)
	out.AvatarURL = firstNonEmpty(raw.String("picture"), raw.String("avatar_url"), raw.String("photo_url"))
	out.IsAnonymous = raw.Bool("is_anonymous")
	if !out.IsAnonymous {
		if firebase := raw.Map("firebase"); firebase != nil {
			out.IsAnonymous = RawSession(firebase).String("sign_in_provider") == "anonymous"
		}
	}
	if exp, ok := numericValue(claims["exp"]); ok && exp > 0 {
		at := time.Unix(int64(exp), 0).UTC()
		out.ExpiresAt = &at
	}
	return out
}

// User converts the claims into a SessionUser.
func (c TokenClaims) User() *SessionUser {
	return &SessionUser{
		ID:        c.Subject,
		Email:     c.Email,
		Name:      c.Name,
		AvatarURL: c.AvatarURL,
	}
}

// DisplayName applies the fallback order full name, display name, local part
// of the email, then "User".
func DisplayName(fullName, displayName, email string) string {
	if name := firstNonEmpty(fullName, displayName); name != "" {
		return name
	}
	email = strings.TrimSpace(email)
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	if email != "" && !strings.Contains(email, "@") {
		return email
	}
	return defaultDisplayName
}
