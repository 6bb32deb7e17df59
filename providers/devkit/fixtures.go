package devkit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-authsession/core"
)

// FullSession returns a raw non-anonymous session for userID.
func FullSession(token, userID string) core.RawSession {
	return core.RawSession{
		core.RawKeyAccessToken: token,
		core.RawKeyUser: map[string]any{
			"id":    userID,
			"email": userID + "@example.com",
		},
	}
}

func AnonymousSession(token string) core.RawSession {
	return core.RawSession{
		core.RawKeyAccessToken: token,
		core.RawKeyIsAnonymous: true,
	}
}

// ExpiringSession returns FullSession with expires_at set to at.
func ExpiringSession(token, userID string, at time.Time) core.RawSession {
	raw := FullSession(token, userID)
	raw[core.RawKeyExpiresAt] = at.Unix()
	return raw
}

// SignedClaimsToken signs claims with HS256 under key, for providers that
// read identity from token claims.
func SignedClaimsToken(key []byte, claims map[string]any) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("devkit: signing key is required")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("devkit: sign claims token: %w", err)
	}
	return token, nil
}
