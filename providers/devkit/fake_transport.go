package devkit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goliatone/go-authsession/core"
)

type DoerScript struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// CapturedRequest is a copy of a request sent through FakeDoer.
type CapturedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FakeDoer replays scripts in order and repeats the last one once they run
// out. With no scripts every call answers 200 with an empty body.
type FakeDoer struct {
	mu       sync.Mutex
	scripts  []DoerScript
	requests []CapturedRequest
}

func NewFakeDoer(scripts ...DoerScript) *FakeDoer {
	return &FakeDoer{scripts: append([]DoerScript(nil), scripts...)}
}

func (d *FakeDoer) Do(req *http.Request) (*http.Response, error) {
	if d == nil {
		return nil, fmt.Errorf("devkit: fake doer is nil")
	}
	if req == nil {
		return nil, fmt.Errorf("devkit: request is nil")
	}
	captured := CapturedRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		captured.Body = body
	}

	d.mu.Lock()
	d.requests = append(d.requests, captured)
	index := len(d.requests) - 1
	script := DoerScript{StatusCode: http.StatusOK}
	if index < len(d.scripts) {
		script = d.scripts[index]
	} else if len(d.scripts) > 0 {
		script = d.scripts[len(d.scripts)-1]
	}
	d.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}
	status := script.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := script.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(append([]byte(nil), script.Body...))),
		Request:    req,
	}, nil
}

func (d *FakeDoer) Requests() []CapturedRequest {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CapturedRequest, 0, len(d.requests))
	for _, item := range d.requests {
		out = append(out, CapturedRequest{
			Method: item.Method,
			URL:    item.URL,
			Header: item.Header.Clone(),
			Body:   append([]byte(nil), item.Body...),
		})
	}
	return out
}

var _ core.HTTPDoer = (*FakeDoer)(nil)
