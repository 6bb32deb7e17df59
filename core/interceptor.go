package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderAuthProvider  = "X-Auth-Provider"
	HeaderRequestID     = "X-Request-ID"
	HeaderRetryCount    = "X-Retry-Count"

	maxFailureBody = 64 << 10
)

// Interceptor decorates outbound requests with session credentials and
// handles 401 refresh coordination, retries and error finalization.
type Interceptor struct {
	store        *SessionStore
	next         HTTPDoer
	policy       RetryPolicy
	newRequestID func() string
}

// SetupInterceptor wraps next. A nil next uses the store's HTTP client.
func (s *SessionStore) SetupInterceptor(next HTTPDoer) *Interceptor {
	if next == nil {
		next = s.httpClient
	}
	return &Interceptor{
		store:        s,
		next:         next,
		policy:       s.policy,
		newRequestID: uuid.NewString,
	}
}

// HTTPClient returns a client whose transport is an interceptor over the
// store's base client.
func (s *SessionStore) HTTPClient() *http.Client {
	return &http.Client{Transport: s.SetupInterceptor(nil)}
}

// RoundTrip satisfies http.RoundTripper. A terminal HTTP status comes back as
// a response carrying the buffered body; only transport, refresh and session
// validation failures are errors. Use Do for the error envelope on every
// non-2xx outcome.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, failure, err := i.do(req)
	if err != nil && failure != nil && failure.StatusCode > 0 {
		return failureResponse(failure), nil
	}
	return resp, err
}

// Do sends req. Non-2xx outcomes that are not recovered are returned as a
// *goerrors.Error whose source is a *RequestFailure.
func (i *Interceptor) Do(req *http.Request) (*http.Response, error) {
	resp, _, err := i.do(req)
	return resp, err
}

// do also returns the terminal failure when the request ended on an HTTP
// status the interceptor gave up on.
func (i *Interceptor) do(req *http.Request) (*http.Response, *RequestFailure, error) {
	if req == nil {
		return nil, nil, errors.New("core: request is nil")
	}
	ctx := req.Context()
	body, err := bufferRequestBody(req)
	if err != nil {
		return nil, nil, i.finalize(ctx, &RequestFailure{Request: req, Err: err}, RetryContext{})
	}

	rc := RetryContext{RequestID: i.requestID(req)}
	startedAt := i.store.obs.clock()
	refreshed := false
	var replayBase *http.Request

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, i.finalize(ctx, &RequestFailure{Request: req, Err: err}, rc)
		}
		attempt := i.prepare(req, replayBase, body, rc, refreshed)
		resp, failure := i.send(attempt)
		if failure == nil {
			i.observe(ctx, startedAt, attempt, resp.StatusCode, rc)
			return resp, nil, nil
		}

		markers := markersFrom(attempt.Context())
		if failure.StatusCode == http.StatusUnauthorized && i.store.IsAuthenticated() && !markers.skipAuthRefresh && !refreshed {
			if i.isValidationEndpoint(attempt) {
				// A 401 from the who-am-I endpoint always signs out.
				i.store.SignOut(ctx)
				err := wrapAuthError(failure, goerrors.CategoryAuth, ErrorValidationFailed, "session validation rejected")
				i.annotate(err, rc, failure)
				return nil, nil, err
			}
			if sent := bearerToken(attempt); sent != "" && sent != i.store.Token() {
				// The session moved on while this attempt was in flight.
				refreshed = true
				replayBase = nil
				continue
			}
			result := i.store.coordinateRefresh(ctx, attempt, refreshOptions{signOutOnFailure: true, trigger: "unauthorized"})
			if result.Outcome.Err != nil {
				err := result.Outcome.Err
				var richErr *goerrors.Error
				if goerrors.As(err, &richErr) {
					// The outcome error is shared by every waiter.
					cloned := richErr.Clone()
					i.annotate(cloned, rc, failure)
					return nil, nil, cloned
				}
				return nil, nil, err
			}
			refreshed = true
			replayBase = result.Request
			continue
		}

		if i.policy.ShouldRetry(failure, rc.RetryCount) {
			rc.RetryCount++
			delay := i.policy.ComputeDelay(rc.RetryCount, failure)
			i.store.obs.recordCounter(ctx, MetricRetry, 1, map[string]string{
				"category": string(CategorizeError(failure)),
			})
			i.store.obs.logDebug(ctx, "retrying request", map[string]any{
				"request_id":  rc.RequestID,
				"retry_count": rc.RetryCount,
				"delay_ms":    delay.Milliseconds(),
				"category":    string(CategorizeError(failure)),
			})
			if err := waitWithContext(ctx, delay); err != nil {
				return nil, nil, i.finalize(ctx, &RequestFailure{Request: attempt, Err: err}, rc)
			}
			continue
		}

		i.observe(ctx, startedAt, attempt, failure.StatusCode, rc)
		return nil, failure, i.finalize(ctx, failure, rc)
	}
}

func (i *Interceptor) requestID(req *http.Request) string {
	if existing := strings.TrimSpace(req.Header.Get(HeaderRequestID)); existing != "" {
		return existing
	}
	if i.newRequestID == nil {
		return uuid.NewString()
	}
	return i.newRequestID()
}

// prepare clones the original request for one attempt, attaching the current
// credentials. After a refresh the provider re-signed request, when present,
// supplies the headers.
func (i *Interceptor) prepare(original, replayBase *http.Request, body []byte, rc RetryContext, replayed bool) *http.Request {
	ctx := original.Context()
	if replayed {
		ctx = withReplayMarker(ctx)
	}
	attempt := original.Clone(ctx)
	if replayBase != nil {
		for key, values := range replayBase.Header {
			attempt.Header[key] = append([]string(nil), values...)
		}
	}
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		attempt.ContentLength = int64(len(body))
	}
	snap := i.store.Snapshot()
	if token := snap.Token(); token != "" {
		attempt.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	if snap.Provider != "" {
		attempt.Header.Set(HeaderAuthProvider, snap.Provider)
	}
	attempt.Header.Set(HeaderRequestID, rc.RequestID)
	if rc.RetryCount > 0 {
		attempt.Header.Set(HeaderRetryCount, strconv.Itoa(rc.RetryCount))
	} else {
		attempt.Header.Del(HeaderRetryCount)
	}
	return attempt
}

// send performs one attempt. A nil failure means a 1xx-3xx response the caller
// now owns.
func (i *Interceptor) send(req *http.Request) (*http.Response, *RequestFailure) {
	resp, err := i.next.Do(req)
	if err != nil {
		return nil, &RequestFailure{Request: req, Err: err}
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxFailureBody))
	return nil, &RequestFailure{
		Request:    req,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

func bearerToken(req *http.Request) string {
	value := strings.TrimSpace(req.Header.Get(HeaderAuthorization))
	if len(value) < 7 || !strings.EqualFold(value[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[7:])
}

// failureResponse rebuilds the response a terminal failure consumed.
func failureResponse(failure *RequestFailure) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(failure.StatusCode) + " " + http.StatusText(failure.StatusCode),
		StatusCode:    failure.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        failure.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(failure.Body)),
		ContentLength: int64(len(failure.Body)),
		Request:       failure.Request,
	}
}

func (i *Interceptor) isValidationEndpoint(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	path := strings.TrimRight(req.URL.Path, "/")
	return path != "" && strings.HasSuffix(path, strings.TrimRight(i.store.cfg.validationPath(), "/"))
}

// finalize converts a terminal failure into the error envelope carrying the
// category and user-facing message.
func (i *Interceptor) finalize(ctx context.Context, failure *RequestFailure, rc RetryContext) *goerrors.Error {
	err := NewRequestError(failure)
	i.annotate(err, rc, failure)
	i.store.obs.logDebug(ctx, "request failed", map[string]any{
		"request_id":  rc.RequestID,
		"retry_count": rc.RetryCount,
		"category":    err.Metadata["category"],
		"status":      failure.StatusCode,
	})
	return err
}

// NewRequestError builds the envelope for a failed request: the text code
// follows the failure category and Code carries the response status.
func NewRequestError(failure *RequestFailure) *goerrors.Error {
	if failure == nil {
		return nil
	}
	category := CategorizeError(failure)
	textCode, errCategory := RequestErrorCode(category)
	message := "request failed"
	if failure.StatusCode > 0 {
		message = "request failed with status " + strconv.Itoa(failure.StatusCode)
	}
	err := wrapAuthError(failure, errCategory, textCode, message)
	if failure.StatusCode > 0 {
		err.Code = failure.StatusCode
	}
	return err.WithMetadata(map[string]any{
		"category":     string(category),
		"user_message": UserMessage(textCode),
	})
}

func (i *Interceptor) annotate(err *goerrors.Error, rc RetryContext, failure *RequestFailure) {
	if err == nil {
		return
	}
	meta := map[string]any{
		"category":     string(CategorizeError(failure)),
		"user_message": UserMessage(err.TextCode),
		"retry_count":  rc.RetryCount,
	}
	if rc.RequestID != "" {
		meta["request_id"] = rc.RequestID
	}
	if failure != nil && failure.StatusCode > 0 {
		meta["status"] = failure.StatusCode
	}
	err.WithMetadata(meta)
	err.RequestID = rc.RequestID
}

func (i *Interceptor) observe(ctx context.Context, startedAt time.Time, req *http.Request, status int, rc RetryContext) {
	elapsed := i.store.obs.clock().Sub(startedAt)
	i.store.obs.recordHistogram(ctx, MetricRequestDuration, float64(elapsed.Milliseconds()), map[string]string{
		"method":  req.Method,
		"status":  strconv.Itoa(status),
		"retried": strconv.FormatBool(rc.RetryCount > 0),
	})
}

// RequestErrorCode maps a request failure category to its text code and
// go-errors category.
func RequestErrorCode(category ErrorCategory) (string, goerrors.Category) {
	switch category {
	case CategoryNetwork:
		return ErrorRequestNetwork, goerrors.CategoryExternal
	case CategoryTimeout:
		return ErrorRequestTimeout, goerrors.CategoryExternal
	case CategoryAuth:
		return ErrorRequestUnauthorized, goerrors.CategoryAuth
	case CategoryRateLimit:
		return ErrorRequestRateLimited, goerrors.CategoryRateLimit
	case CategoryClient:
		return ErrorRequestClient, goerrors.CategoryBadInput
	case CategoryServer:
		return ErrorRequestServer, goerrors.CategoryExternal
	default:
		return ErrorRequestUnknown, goerrors.CategoryInternal
	}
}

func bufferRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
