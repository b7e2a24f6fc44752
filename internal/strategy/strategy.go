// Package strategy implements the four request-handling algorithms:
// cache-first, network-first, network-only and cache-only.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"offline0/internal/cachestore"
	"offline0/internal/logging"
	"offline0/internal/router"
)

// Request is one intercepted call resolved against its binding.
type Request struct {
	HTTP *http.Request
	Key  string
	// BaseKey is Key without vary-header values. Entries stored ahead of any
	// request (precache, injected payloads) live there and answer misses on Key.
	BaseKey    string
	Binding    router.Binding
	Navigation bool
}

// Executor handles a request start to finish and returns a single response
// or failure.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Env is shared by every executor.
type Env struct {
	Store   cachestore.Store
	Network Fetcher
	Now     func() time.Time
	Log     *zap.Logger

	// StoreErrors throttles store failure logs; may be nil.
	StoreErrors *logging.RateLimited

	// Navigations that fail with no usable cache get the document stored
	// under OfflineKey in OfflineContainer.
	OfflineContainer string
	OfflineKey       string
}

// Set maps every Kind to its executor.
type Set map[router.Kind]Executor

func NewSet(env *Env) Set {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Log == nil {
		env.Log = zap.NewNop()
	}
	return Set{
		router.CacheFirst:   cacheFirst{env},
		router.NetworkFirst: networkFirst{env},
		router.NetworkOnly:  networkOnly{env},
		router.CacheOnly:    cacheOnly{env},
	}
}

func (s Set) Execute(ctx context.Context, req Request) (*Response, error) {
	ex, ok := s[req.Binding.Kind]
	if !ok {
		return nil, fmt.Errorf("no executor for strategy %q", req.Binding.Kind)
	}
	return ex.Execute(ctx, req)
}

// lookup treats store failures as misses so they never block the network.
func (e *Env) lookup(container, key string) (cachestore.Entry, bool) {
	ent, ok, err := e.Store.Get(container, key)
	if err != nil {
		e.storeFailed("cache read failed", container, key, err)
		return cachestore.Entry{}, false
	}
	return ent, ok
}

// cached looks up the request's own key, then its base key.
func (e *Env) cached(req Request) (cachestore.Entry, bool) {
	c := req.Binding.Container
	if ent, ok := e.lookup(c, req.Key); ok {
		return ent, true
	}
	if req.BaseKey == "" || req.BaseKey == req.Key {
		return cachestore.Entry{}, false
	}
	return e.lookup(c, req.BaseKey)
}

func (e *Env) write(container, key string, resp *Response) {
	ent := cachestore.Entry{
		Key:       key,
		Status:    resp.Status,
		Header:    cachestore.CloneHeader(resp.Header),
		Body:      resp.Body,
		WrittenAt: e.Now().UnixNano(),
	}
	if err := e.Store.Put(container, ent); err != nil {
		e.storeFailed("cache write failed", container, key, err)
	}
}

func (e *Env) storeFailed(msg, container, key string, err error) {
	fields := []zap.Field{zap.String("container", container), zap.String("key", key), zap.Error(err)}
	if e.StoreErrors != nil {
		e.StoreErrors.Warn(msg, fields...)
		return
	}
	e.Log.Warn(msg, fields...)
}

// fetch returns a *StatusError for non-2xx responses.
func (e *Env) fetch(ctx context.Context, r *http.Request) (*Response, error) {
	resp, err := e.Network.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.Status) {
		return nil, &StatusError{Response: resp}
	}
	return resp, nil
}

// fail is the terminal failure state. A non-2xx origin response is relayed
// as-is; navigations that hit a transport failure get the offline document.
func (e *Env) fail(req Request, err error) (*Response, error) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Response, nil
	}
	if req.Navigation && e.OfflineKey != "" {
		if ent, ok := e.lookup(e.OfflineContainer, e.OfflineKey); ok {
			return fromEntry(ent, "offline"), nil
		}
	}
	return nil, err
}

type cacheFirst struct{ *Env }

func (s cacheFirst) Execute(ctx context.Context, req Request) (*Response, error) {
	b := req.Binding
	ent, cached := s.cached(req)
	if cached && !cachestore.IsStale(ent, b.TTL, s.Now()) {
		return fromEntry(ent, "hit"), nil
	}

	resp, err := s.fetch(ctx, req.HTTP)
	if err == nil {
		s.write(b.Container, req.Key, resp)
		resp.Source = "miss"
		return resp, nil
	}

	if cached {
		s.Log.Debug("serving stale entry", zap.String("key", req.Key), zap.Error(err))
		return fromEntry(ent, "stale"), nil
	}
	return s.fail(req, err)
}

type networkFirst struct{ *Env }

func (s networkFirst) Execute(ctx context.Context, req Request) (*Response, error) {
	b := req.Binding
	resp, err := s.fetch(ctx, req.HTTP)
	if err == nil {
		s.write(b.Container, req.Key, resp)
		resp.Source = "network"
		return resp, nil
	}

	if ent, ok := s.cached(req); ok && !cachestore.IsStale(ent, b.TTL, s.Now()) {
		return fromEntry(ent, "fallback"), nil
	}
	return s.fail(req, err)
}

type networkOnly struct{ *Env }

func (s networkOnly) Execute(ctx context.Context, req Request) (*Response, error) {
	return s.Network.Fetch(ctx, req.HTTP)
}

type cacheOnly struct{ *Env }

func (s cacheOnly) Execute(_ context.Context, req Request) (*Response, error) {
	ent, ok := s.cached(req)
	if !ok {
		return nil, ErrNoCachedResponse
	}
	return fromEntry(ent, "hit"), nil
}
