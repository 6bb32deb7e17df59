package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
)

const defaultClientTimeout = 30 * time.Second
const defaultResponseBodyLimit int64 = 10 << 20 // 10 MiB

// Request describes one JSON call. Path is resolved against the client base
// URL unless it is absolute. JSON, when set, is encoded as the body.
type Request struct {
	Method               string
	Path                 string
	Query                map[string]string
	Headers              map[string]string
	JSON                 any
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	request    *http.Request
}

func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Response) DecodeJSON(target any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return errBadResponse(err, "transport: decode response body",
			map[string]any{"status_code": r.StatusCode})
	}
	return nil
}

// Failure returns the request failure for a non-2xx response, or nil.
func (r Response) Failure() *core.RequestFailure {
	if r.OK() {
		return nil
	}
	return &core.RequestFailure{
		Request:    r.request,
		StatusCode: r.StatusCode,
		Header:     r.Header,
		Body:       r.Body,
	}
}

// Client sends JSON requests through an HTTPDoer. BeforeSend runs on every
// outgoing request after headers are applied.
type Client struct {
	BaseURL              string
	HTTP                 core.HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	BeforeSend           func(*http.Request)
}

func NewClient(baseURL string, doer core.HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{
		BaseURL:              strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:                 doer,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		MaxResponseBodyBytes: defaultResponseBodyLimit,
	}
}

// Do sends req and returns the response for any status. Only transport
// failures are returned as errors; they carry a *core.RequestFailure.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if c == nil || c.HTTP == nil {
		return Response{}, errMisconfigured("transport: client requires an http doer")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target, err := c.resolveURL(req.Path, req.Query)
	if err != nil {
		return Response{}, err
	}

	body := req.Body
	if req.JSON != nil {
		body, err = json.Marshal(req.JSON)
		if err != nil {
			return Response{}, errBadRequest(err, "transport: encode request body",
				map[string]any{"url": target})
		}
	}

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, errBadRequest(err, "transport: create http request",
			map[string]any{"method": method, "url": target})
	}
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) != "" {
			httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	if req.JSON != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) != "" {
			httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	if c.BeforeSend != nil {
		c.BeforeSend(httpReq)
	}

	startedAt := time.Now()
	httpRes, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, core.NewRequestError(&core.RequestFailure{Request: httpReq, Err: err}).
			WithMetadata(map[string]any{"method": method, "url": target})
	}
	defer httpRes.Body.Close()

	limit := resolveResponseBodyLimit(req.MaxResponseBodyBytes, c.MaxResponseBodyBytes)
	payload, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return Response{}, core.NewRequestError(&core.RequestFailure{Request: httpReq, Err: err}).
			WithMetadata(map[string]any{"method": method, "url": target, "status_code": httpRes.StatusCode})
	}
	if int64(len(payload)) > limit {
		return Response{}, errBadResponse(nil,
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": limit},
		)
	}

	return Response{
		StatusCode: httpRes.StatusCode,
		Header:     httpRes.Header.Clone(),
		Body:       payload,
		Duration:   time.Since(startedAt),
		request:    httpReq,
	}, nil
}

// DoJSON sends req, turns a non-2xx status into a request error and decodes a
// successful body into out when out is not nil.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) (Response, error) {
	res, err := c.Do(ctx, req)
	if err != nil {
		return res, err
	}
	if failure := res.Failure(); failure != nil {
		return res, core.NewRequestError(failure)
	}
	if out != nil {
		if err := res.DecodeJSON(out); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Client) resolveURL(path string, query map[string]string) (string, error) {
	path = strings.TrimSpace(path)
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if c.BaseURL == "" {
			return "", errBadRequest(nil, "transport: base url is required for relative paths",
				map[string]any{"path": path})
		}
		raw = c.BaseURL + "/" + strings.TrimLeft(path, "/")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errBadRequest(err, "transport: invalid request url",
			map[string]any{"url": raw})
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			if strings.TrimSpace(key) == "" {
				continue
			}
			values.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
		parsed.RawQuery = values.Encode()
	}
	return parsed.String(), nil
}

func resolveResponseBodyLimit(requestLimit int64, clientLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if clientLimit > 0 {
		return clientLimit
	}
	return defaultResponseBodyLimit
}

