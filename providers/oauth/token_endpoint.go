package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB
)

type TokenEndpointConfig struct {
	TokenURL            string
	RevocationURL       string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	Scopes              []string
	TokenRequestTimeout time.Duration
	HTTPClient          core.HTTPDoer
}

// TokenEndpointSDK implements SDK against a standard OAuth2 token endpoint.
type TokenEndpointSDK struct {
	cfg        TokenEndpointConfig
	httpClient core.HTTPDoer
}

type tokenEndpointPayload struct {
	AccessToken      string
	IDToken          string
	TokenType        string
	RefreshToken     string
	Scope            string
	ExpiresIn        int64
	ErrorCode        string
	ErrorDescription string
}

func NewTokenEndpointSDK(cfg TokenEndpointConfig) (*TokenEndpointSDK, error) {
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required")
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("providers: client id is required")
	}
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	cfg.RevocationURL = strings.TrimSpace(cfg.RevocationURL)
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}
	return &TokenEndpointSDK{cfg: cfg, httpClient: httpClient}, nil
}

func (s *TokenEndpointSDK) ExchangeCode(ctx context.Context, code, redirectURI string) (Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Token{}, fmt.Errorf("providers: authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	payload, err := s.fetchToken(ctx, form)
	if err != nil {
		return Token{}, err
	}
	return payload.token(), nil
}

func (s *TokenEndpointSDK) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Token{}, fmt.Errorf("providers: refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(s.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(s.cfg.Scopes, " "))
	}
	payload, err := s.fetchToken(ctx, form)
	if err != nil {
		return Token{}, err
	}
	token := payload.token()
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// SignOut revokes the refresh token when a revocation endpoint is configured.
func (s *TokenEndpointSDK) SignOut(ctx context.Context, token Token) error {
	if s.cfg.RevocationURL == "" {
		return nil
	}
	value := firstNonEmpty(token.RefreshToken, token.AccessToken)
	if value == "" {
		return nil
	}
	values := url.Values{}
	values.Set("token", value)
	res, err := s.post(ctx, s.cfg.RevocationURL, values)
	if err != nil {
		return fmt.Errorf("providers: revoke token: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxTokenResponseBodyBytes))
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("providers: revocation endpoint error (%d)", res.StatusCode)
	}
	return nil
}

func (s *TokenEndpointSDK) fetchToken(ctx context.Context, form url.Values) (tokenEndpointPayload, error) {
	if s == nil || s.httpClient == nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token endpoint client is not configured")
	}
	res, err := s.post(ctx, s.cfg.TokenURL, form)
	if err != nil {
		return tokenEndpointPayload{}, core.NewRequestError(&core.RequestFailure{Err: err})
	}
	defer res.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(res.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: read token response: %w", readErr)
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token response exceeds %d bytes", maxTokenResponseBodyBytes)
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return tokenEndpointPayload{}, core.NewRequestError(&core.RequestFailure{
			StatusCode: res.StatusCode,
			Header:     res.Header,
			Body:       body,
		}).WithMetadata(map[string]any{"reason": describeTokenError(body, res.Header.Get("Content-Type"))})
	}

	payload, parseErr := parseTokenPayload(body, res.Header.Get("Content-Type"))
	if parseErr != nil {
		return tokenEndpointPayload{}, fmt.Errorf("providers: decode token response: %w", parseErr)
	}
	if payload.ErrorCode != "" {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token endpoint error: %s", firstNonEmpty(payload.ErrorDescription, payload.ErrorCode))
	}
	if payload.AccessToken == "" && payload.IDToken == "" {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token endpoint response missing access token")
	}
	return payload, nil
}

func (s *TokenEndpointSDK) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	values := url.Values{}
	for key, items := range form {
		if strings.TrimSpace(key) == "" {
			continue
		}
		for _, item := range items {
			values.Add(key, strings.TrimSpace(item))
		}
	}
	values.Set("client_id", s.cfg.ClientID)
	if s.cfg.ClientSecretInBody && s.cfg.ClientSecret != "" {
		values.Set("client_secret", s.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if !s.cfg.ClientSecretInBody && s.cfg.ClientSecret != "" {
		req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)
	}
	return s.httpClient.Do(req)
}

func (p tokenEndpointPayload) token() Token {
	return Token{
		AccessToken:  p.AccessToken,
		IDToken:      p.IDToken,
		RefreshToken: p.RefreshToken,
		TokenType:    normalizeTokenType(p.TokenType),
		Scope:        p.Scope,
		ExpiresIn:    p.ExpiresIn,
	}
}

func describeTokenError(body []byte, contentType string) string {
	payload, err := parseTokenPayload(body, contentType)
	if err != nil {
		return "unknown error"
	}
	return firstNonEmpty(payload.ErrorDescription, payload.ErrorCode, "unknown error")
}

func parseTokenPayload(body []byte, contentType string) (tokenEndpointPayload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "json") {
		return parseTokenPayloadJSON(body)
	}
	if strings.Contains(contentType, "x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		return parseTokenPayloadForm(body)
	}
	if payload, err := parseTokenPayloadJSON(body); err == nil {
		return payload, nil
	}
	return parseTokenPayloadForm(body)
}

func parseTokenPayloadJSON(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return tokenEndpointPayload{}, err
	}
	raw := core.RawSession(decoded)
	expiresIn, _ := strconv.ParseInt(raw.String("expires_in"), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      raw.String("access_token"),
		IDToken:          raw.String("id_token"),
		TokenType:        raw.String("token_type"),
		RefreshToken:     raw.String("refresh_token"),
		Scope:            raw.String("scope"),
		ExpiresIn:        expiresIn,
		ErrorCode:        raw.String("error"),
		ErrorDescription: raw.String("error_description"),
	}, nil
}

func parseTokenPayloadForm(body []byte) (tokenEndpointPayload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return tokenEndpointPayload{}, fmt.Errorf("empty payload")
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	expiresIn, _ := strconv.ParseInt(strings.TrimSpace(values.Get("expires_in")), 10, 64)
	return tokenEndpointPayload{
		AccessToken:      strings.TrimSpace(values.Get("access_token")),
		IDToken:          strings.TrimSpace(values.Get("id_token")),
		TokenType:        strings.TrimSpace(values.Get("token_type")),
		RefreshToken:     strings.TrimSpace(values.Get("refresh_token")),
		Scope:            strings.TrimSpace(values.Get("scope")),
		ExpiresIn:        expiresIn,
		ErrorCode:        strings.TrimSpace(values.Get("error")),
		ErrorDescription: strings.TrimSpace(values.Get("error_description")),
	}, nil
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}
