// Package httputil holds the JSON response helpers shared by the debug
// routes and the HTTP client seam used by the remote detector.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPClient is the subset of *http.Client the detector uses. *http.Client
// satisfies it directly.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	Get(url string) (*http.Response, error)
	Post(url, contentType string, body io.Reader) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

// MockResponse is a canned reply.
type MockResponse struct {
	StatusCode int
	Body       string
	Err        error
}

// MockHTTPClient answers requests by URL path from canned responses and
// records every request it sees. Unknown paths get 404.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses map[string][]MockResponse
	requests  []*http.Request
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{responses: make(map[string][]MockResponse)}
}

// Respond queues a reply for path. Replies are consumed in order; the last
// one repeats.
func (m *MockHTTPClient) Respond(path string, status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = append(m.responses[path], MockResponse{StatusCode: status, Body: body})
	return m
}

// Fail queues a transport error for path.
func (m *MockHTTPClient) Fail(path string, err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = append(m.responses[path], MockResponse{Err: err})
	return m
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	queue := m.responses[req.URL.Path]
	if len(queue) == 0 {
		return m.reply(req, MockResponse{StatusCode: http.StatusNotFound, Body: "not found"})
	}
	r := queue[0]
	if len(queue) > 1 {
		m.responses[req.URL.Path] = queue[1:]
	}
	if r.Err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, r.Err)
	}
	return m.reply(req, r)
}

func (m *MockHTTPClient) reply(req *http.Request, r MockResponse) (*http.Response, error) {
	return &http.Response{
		StatusCode: r.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(r.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func (m *MockHTTPClient) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return m.Do(req)
}

func (m *MockHTTPClient) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return m.Do(req)
}

// Requests returns the paths requested so far, in order.
func (m *MockHTTPClient) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Method + " " + r.URL.Path
	}
	return out
}
