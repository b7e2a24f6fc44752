package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline0/internal/cachestore"
	"offline0/internal/metrics"
)

var (
	// ErrNetwork wraps transport failures: timeouts, DNS, refused or reset connections.
	ErrNetwork = errors.New("network failure")
	// ErrTruncatedResponse means the origin answered but its body could not be
	// read in full. The request reached the origin, so it must not be retried.
	ErrTruncatedResponse = errors.New("truncated origin response")
	// ErrNoCachedResponse is returned by cache-only lookups that miss.
	ErrNoCachedResponse = errors.New("no cached response")
)

// StatusError reports a non-2xx origin response. It counts as a failure for
// caching purposes but still carries the real response.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin responded %d", e.Response.Status)
}

// Response is what the engine hands back to the intercepted caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Source says how the response was produced: hit, stale, miss,
	// network, fallback or offline.
	Source string
}

func fromEntry(ent cachestore.Entry, source string) *Response {
	return &Response{
		Status: ent.Status,
		Header: cachestore.CloneHeader(ent.Header),
		Body:   ent.Body,
		Source: source,
	}
}

// Fetcher performs the network leg of a strategy. A non-2xx response is
// returned with a nil error; transport failures wrap ErrNetwork and a body
// cut short after the response arrived wraps ErrTruncatedResponse.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// Network forwards requests to the backend origin.
type Network struct {
	origin  string
	client  *http.Client
	metrics *metrics.Metrics
}

// NewNetwork returns a Fetcher for origin. timeout bounds the whole round
// trip and is the only timeout in the request path.
func NewNetwork(origin string, timeout time.Duration, m *metrics.Metrics) *Network {
	return &Network{
		origin:  strings.TrimRight(origin, "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// Client exposes the underlying HTTP client for components that talk to
// the origin outside the strategy path.
func (n *Network) Client() *http.Client { return n.client }

// URL resolves a request URI against the origin.
func (n *Network) URL(requestURI string) string {
	if strings.HasPrefix(requestURI, "http://") || strings.HasPrefix(requestURI, "https://") {
		return requestURI
	}
	return n.origin + requestURI
}

func (n *Network) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, n.URL(r.URL.RequestURI()), body)
	if err != nil {
		return nil, err
	}
	if body != nil && r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		n.metrics.Fetched(0)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		n.metrics.Fetched(0)
		return nil, fmt.Errorf("%w: %d: %v", ErrTruncatedResponse, resp.StatusCode, err)
	}
	n.metrics.Fetched(resp.StatusCode)

	h := cachestore.CloneHeader(resp.Header)
	h.Del("Content-Length")
	return &Response{Status: resp.StatusCode, Header: h, Body: b, Source: "network"}, nil
}

var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
