package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"offline0/internal/clients"
	"offline0/internal/lifecycle"
	"offline0/internal/mutationq"
	"offline0/internal/notify"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

// Values of the X-Offline0 response header.
const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeStale      = "stale"
	outcomeNetwork    = "network"
	outcomeBypass     = "bypass"
	outcomeOffline    = "offline"
	outcomeQueued     = "queued"
	outcomeBadGateway = "bad-gateway"
)

// msgOnline is the reconnect signal on the control channel.
const msgOnline = "ONLINE"

// Reply is the response to an intercepted request.
type Reply struct {
	Status  int
	Header  http.Header
	Body    []byte
	Outcome string
}

// ClickEvent is the payload of EventNotificationClick.
type ClickEvent struct {
	ID     string
	Action string
}

func (s *State) registerHandlers() {
	s.bus.On(EventInstall, func(ctx context.Context, s *State, _ any) (any, error) {
		return s.lifecycle.Install(ctx), nil
	})
	s.bus.On(EventActivate, func(ctx context.Context, s *State, _ any) (any, error) {
		return nil, s.lifecycle.Activate(ctx)
	})
	s.bus.On(EventFetch, func(ctx context.Context, s *State, payload any) (any, error) {
		r, err := payloadAs[*http.Request](EventFetch, payload)
		if err != nil {
			return nil, err
		}
		return s.Fetch(ctx, r), nil
	})
	s.bus.On(EventPush, func(_ context.Context, s *State, payload any) (any, error) {
		p, err := payloadAs[notify.Payload](EventPush, payload)
		if err != nil {
			return nil, err
		}
		return s.notify.Receive(p)
	})
	s.bus.On(EventNotificationClick, func(ctx context.Context, s *State, payload any) (any, error) {
		ev, err := payloadAs[ClickEvent](EventNotificationClick, payload)
		if err != nil {
			return nil, err
		}
		return s.notify.Click(ctx, ev.ID, ev.Action)
	})
	s.bus.On(EventMessage, func(ctx context.Context, s *State, payload any) (any, error) {
		msg, err := payloadAs[lifecycle.Message](EventMessage, payload)
		if err != nil {
			return nil, err
		}
		if msg.Type == msgOnline {
			return s.bus.Emit(ctx, s, EventSync, nil)
		}
		return s.lifecycle.HandleMessage(ctx, msg)
	})
	s.bus.On(EventSync, func(ctx context.Context, s *State, _ any) (any, error) {
		return s.queue.DrainAll(ctx)
	})
}

// Fetch routes one intercepted request. Eligible requests with a binding run
// their strategy; mutations that fail for lack of connectivity are queued;
// everything else passes straight through to the origin.
func (s *State) Fetch(ctx context.Context, r *http.Request) *Reply {
	switch {
	case router.Eligible(r.Method):
		b, ok := s.table.Lookup(router.NormalizePath(r.URL.Path))
		if !ok {
			return s.passThrough(ctx, r)
		}
		return s.intercept(ctx, r, b)
	case router.IsMutation(r.Method):
		return s.mutate(ctx, r)
	default:
		return s.passThrough(ctx, r)
	}
}

func (s *State) intercept(ctx context.Context, r *http.Request, b router.Binding) *Reply {
	req := strategy.Request{
		HTTP:       r,
		Key:        router.Key(r, s.cfg.Cache.VaryHeaders),
		BaseKey:    router.Key(r, nil),
		Binding:    b,
		Navigation: router.IsNavigation(r),
	}
	resp, err := s.strategies.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, strategy.ErrNoCachedResponse) {
			s.metrics.Served(string(b.Kind), outcomeMiss, 0)
			return errorReply(http.StatusGatewayTimeout, "no cached response", outcomeMiss)
		}
		s.log.Debug("strategy failed", zap.String("key", req.Key), zap.String("strategy", string(b.Kind)), zap.Error(err))
		s.metrics.Served(string(b.Kind), outcomeBadGateway, 0)
		return errorReply(http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}

	outcome := resp.Source
	switch outcome {
	case "fallback":
		outcome = outcomeHit
	case "":
		outcome = outcomeNetwork
	}
	s.metrics.Served(string(b.Kind), outcome, len(resp.Body))
	return &Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body, Outcome: outcome}
}

// mutate forwards a write and queues it when the origin is unreachable.
func (s *State) mutate(ctx context.Context, r *http.Request) *Reply {
	body, err := readBody(r)
	if err != nil {
		return errorReply(http.StatusBadRequest, "unreadable request body", outcomeBypass)
	}

	resp, err := s.network.Fetch(ctx, r)
	if err == nil {
		s.metrics.Served("mutation", outcomeBypass, len(resp.Body))
		return &Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body, Outcome: outcomeBypass}
	}
	if !errors.Is(err, strategy.ErrNetwork) {
		return errorReply(http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}

	rec, qerr := s.queue.Enqueue(mutationq.FromRequest(r, body, s.cfg.CategoryFor(router.NormalizePath(r.URL.Path))))
	if qerr != nil {
		s.log.Error("mutation lost: origin unreachable and queue write failed", zap.Error(qerr), zap.NamedError("network", err))
		return errorReply(http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}
	s.metrics.Served("mutation", outcomeQueued, 0)

	b, _ := json.Marshal(map[string]any{"queued": true, "id": rec.ID, "category": rec.Category})
	return &Reply{
		Status:  http.StatusAccepted,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    b,
		Outcome: outcomeQueued,
	}
}

func (s *State) passThrough(ctx context.Context, r *http.Request) *Reply {
	if _, err := readBody(r); err != nil {
		return errorReply(http.StatusBadRequest, "unreadable request body", outcomeBypass)
	}
	resp, err := s.network.Fetch(ctx, r)
	if err != nil {
		return errorReply(http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}
	return &Reply{Status: resp.Status, Header: resp.Header, Body: resp.Body, Outcome: outcomeBypass}
}

// readBody buffers the request body and leaves r with a rewound copy.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.ContentLength = int64(len(b))
	return b, nil
}

func errorReply(status int, msg, outcome string) *Reply {
	return &Reply{
		Status:  status,
		Header:  http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:    []byte(msg + "\n"),
		Outcome: outcome,
	}
}

// clientMessage handles control messages arriving over a window's websocket
// and answers the sending window.
func (s *State) clientMessage(clientID string, raw []byte) {
	var msg lifecycle.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Debug("malformed control message", zap.String("client", clientID), zap.Error(err))
		return
	}
	go func() {
		res, err := s.bus.Emit(context.Background(), s, EventMessage, msg)
		reply := map[string]any{"type": msg.Type, "result": res}
		if err != nil {
			reply["error"] = err.Error()
		}
		_ = s.hub.Send(clientID, clients.Command{Type: "reply", Data: reply})
	}()
}
