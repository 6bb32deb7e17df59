package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrorCategory string

const (
	CategoryNetwork   ErrorCategory = "network"
	CategoryTimeout   ErrorCategory = "timeout"
	CategoryAuth      ErrorCategory = "auth"
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryClient    ErrorCategory = "client"
	CategoryServer    ErrorCategory = "server"
	CategoryUnknown   ErrorCategory = "unknown"
)

// RequestFailure describes a failed outbound request. StatusCode is zero when
// no response was received, in which case Err holds the transport error.
type RequestFailure struct {
	Request    *http.Request
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *RequestFailure) Error() string {
	if e == nil {
		return "<nil>"
	}
	target := ""
	if e.Request != nil && e.Request.URL != nil {
		target = " " + e.Request.Method + " " + e.Request.URL.Path
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("core: request%s failed with status %d", target, e.StatusCode)
	}
	return fmt.Sprintf("core: request%s failed: %v", target, e.Err)
}

func (e *RequestFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryContext is the per-request retry state carried on the request context.
type RetryContext struct {
	RetryCount int
	RequestID  string
}

type requestMarkerKey struct{}

type requestMarkers struct {
	skipAuthRefresh bool
	noRetry         bool
	replayed        bool
}

func markersFrom(ctx context.Context) requestMarkers {
	if ctx == nil {
		return requestMarkers{}
	}
	markers, _ := ctx.Value(requestMarkerKey{}).(requestMarkers)
	return markers
}

// WithSkipAuthRefresh marks requests built from ctx so a 401 is returned as is
// instead of triggering refresh coordination.
func WithSkipAuthRefresh(ctx context.Context) context.Context {
	markers := markersFrom(ctx)
	markers.skipAuthRefresh = true
	return context.WithValue(contextOrBackground(ctx), requestMarkerKey{}, markers)
}

// WithoutRetry marks requests built from ctx as non-retryable.
func WithoutRetry(ctx context.Context) context.Context {
	markers := markersFrom(ctx)
	markers.noRetry = true
	return context.WithValue(contextOrBackground(ctx), requestMarkerKey{}, markers)
}

func withReplayMarker(ctx context.Context) context.Context {
	markers := markersFrom(ctx)
	markers.replayed = true
	return context.WithValue(contextOrBackground(ctx), requestMarkerKey{}, markers)
}

// RetryPolicy decides retryability and backoff per error category.
type RetryPolicy struct {
	MaxRetries           int
	NetworkMaxRetries    int
	BaseDelay            time.Duration
	Multiplier           float64
	JitterRange          time.Duration
	MaxDelay             time.Duration
	FixedDelay           time.Duration
	MaxRetryAfter        time.Duration
	RetryableStatusCodes []int
	Random               func() float64
	Now                  Clock
}

func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:           cfg.MaxRetries,
		NetworkMaxRetries:    cfg.NetworkMaxRetries,
		BaseDelay:            cfg.BaseDelay,
		Multiplier:           cfg.Multiplier,
		JitterRange:          cfg.JitterRange,
		MaxDelay:             cfg.MaxDelay,
		FixedDelay:           cfg.FixedDelay,
		MaxRetryAfter:        cfg.MaxRetryAfter,
		RetryableStatusCodes: append([]int(nil), cfg.RetryableStatusCodes...),
	}
}

// WithMaxRetries returns a copy with a reduced global budget.
func (p RetryPolicy) WithMaxRetries(max int) RetryPolicy {
	p.MaxRetries = max
	if p.NetworkMaxRetries > max {
		p.NetworkMaxRetries = max
	}
	return p
}

func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var failure *RequestFailure
	if errors.As(err, &failure) && failure.StatusCode > 0 {
		return categorizeStatus(failure.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "econnaborted"), strings.Contains(msg, "etimedout"):
		return CategoryTimeout
	case failure != nil:
		return CategoryNetwork
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "econnrefused"), strings.Contains(msg, "econnreset"):
		return CategoryNetwork
	}
	return CategoryUnknown
}

func categorizeStatus(status int) ErrorCategory {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CategoryAuth
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status >= 400 && status < 500:
		return CategoryClient
	case status >= 500:
		return CategoryServer
	default:
		return CategoryUnknown
	}
}

func (p RetryPolicy) ShouldRetry(err error, retryCount int) bool {
	if err == nil || retryCount >= p.MaxRetries {
		return false
	}
	var failure *RequestFailure
	if errors.As(err, &failure) && failure.Request != nil && markersFrom(failure.Request.Context()).noRetry {
		return false
	}
	switch CategorizeError(err) {
	case CategoryNetwork:
		return retryCount < p.NetworkMaxRetries
	case CategoryTimeout, CategoryRateLimit:
		return true
	case CategoryServer:
		return failure != nil && p.retryableStatus(failure.StatusCode)
	default:
		return false
	}
}

func (p RetryPolicy) retryableStatus(status int) bool {
	for _, code := range p.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// ComputeDelay returns the wait before retry number retryCount (1-based).
// Exponential and fixed delays are capped at MaxDelay; a server supplied
// Retry-After is honoured up to MaxRetryAfter.
func (p RetryPolicy) ComputeDelay(retryCount int, err error) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if CategorizeError(err) == CategoryRateLimit {
		if wait, ok := p.retryAfter(err); ok {
			if p.MaxRetryAfter > 0 && wait > p.MaxRetryAfter {
				return p.MaxRetryAfter
			}
			return wait
		}
		return p.capDelay(time.Duration(retryCount) * p.FixedDelay)
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(multiplier, float64(retryCount-1))
	if p.MaxDelay > 0 && backoff >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	delay := time.Duration(backoff) + p.jitter()
	return p.capDelay(delay)
}

func (p RetryPolicy) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) jitter() time.Duration {
	if p.JitterRange <= 0 || p.Random == nil {
		return 0
	}
	value := p.Random()
	if value < 0 || value >= 1 {
		return 0
	}
	return time.Duration(value * float64(p.JitterRange))
}

func (p RetryPolicy) retryAfter(err error) (time.Duration, bool) {
	var failure *RequestFailure
	if !errors.As(err, &failure) || failure.Header == nil {
		return 0, false
	}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}
	return parseRetryAfter(failure.Header.Get("Retry-After"), now)
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("core: empty date")
	}
	if parsed, err := time.Parse(time.RFC1123, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123Z, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("core: invalid http date")
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
