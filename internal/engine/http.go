package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offline0/internal/lifecycle"
	"offline0/internal/mutationq"
	"offline0/internal/notify"
)

const maxControlBody = 4 << 20

// Handler serves the control endpoints under /_sw/, the metrics endpoint and
// intercepts every other request.
func (s *State) Handler() http.Handler {
	r := mux.NewRouter()

	sw := r.PathPrefix("/_sw").Subrouter()
	sw.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	sw.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	sw.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	sw.HandleFunc("/notifications/{id}/click", s.handleClick).Methods(http.MethodPost)
	sw.HandleFunc("/online", s.handleOnline).Methods(http.MethodPost)
	sw.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	sw.HandleFunc("/queue/{id:[0-9]+}", s.handleQueueRemove).Methods(http.MethodDelete)
	sw.HandleFunc("/clients", s.handleClients).Methods(http.MethodGet)
	sw.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	sw.HandleFunc("/ws", s.hub.ServeWS)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleFetch)
	return r
}

// handleFetch runs detached from the caller's context: an abandoned request
// still completes its cache write.
func (s *State) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	res, err := s.bus.Emit(ctx, s, EventFetch, r)
	if err != nil {
		s.log.Error("fetch handler failed", zap.Error(err))
		writeReply(w, errorReply(http.StatusBadGateway, "bad gateway", outcomeBadGateway))
		return
	}
	writeReply(w, res.(*Reply))
}

func writeReply(w http.ResponseWriter, rep *Reply) {
	for k, vs := range rep.Header {
		if strings.EqualFold(k, "x-offline0") || strings.EqualFold(k, "content-length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), rep.Outcome)
	w.WriteHeader(rep.Status)
	_, _ = w.Write(rep.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set("X-Offline0", outcome)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxControlBody)).Decode(v)
}

func (s *State) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.bus.Emit(context.WithoutCancel(r.Context()), s, EventMessage, msg)
	switch {
	case errors.Is(err, lifecycle.ErrUnknownCommand), errors.Is(err, lifecycle.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err)
	case err != nil && msg.Type == msgOnline:
		writeJSON(w, http.StatusOK, drainReport(res, err))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case msg.Type == msgOnline:
		writeJSON(w, http.StatusOK, drainReport(res, nil))
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *State) handlePush(w http.ResponseWriter, r *http.Request) {
	var p notify.Payload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.bus.Emit(r.Context(), s, EventPush, p)
	if errors.Is(err, notify.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *State) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.notify.Active())
}

func (s *State) handleClick(w http.ResponseWriter, r *http.Request) {
	ev := ClickEvent{ID: mux.Vars(r)["id"], Action: r.URL.Query().Get("action")}
	if ev.Action == "" && r.ContentLength > 0 {
		var body struct {
			Action string `json:"action"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ev.Action = body.Action
	}

	res, err := s.bus.Emit(r.Context(), s, EventNotificationClick, ev)
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type drainJSON struct {
	Category  string `json:"category"`
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func drainReport(res any, err error) map[string]any {
	out := map[string]any{}
	results, _ := res.([]mutationq.DrainResult)
	list := make([]drainJSON, 0, len(results))
	for _, r := range results {
		d := drainJSON{Category: r.Category, Replayed: r.Replayed, Remaining: r.Remaining}
		if r.Err != nil {
			d.Error = r.Err.Error()
		}
		list = append(list, d)
	}
	out["categories"] = list
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

func (s *State) handleOnline(w http.ResponseWriter, r *http.Request) {
	res, err := s.bus.Emit(context.WithoutCancel(r.Context()), s, EventSync, nil)
	writeJSON(w, http.StatusOK, drainReport(res, err))
}

type recordJSON struct {
	ID         uint64 `json:"id"`
	Category   string `json:"category"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Bytes      int    `json:"bytes"`
	EnqueuedAt string `json:"enqueuedAt"`
}

func (s *State) handleQueue(w http.ResponseWriter, _ *http.Request) {
	cats, err := s.queue.Categories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := map[string][]recordJSON{}
	for _, c := range cats {
		recs, err := s.queue.Pending(c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, rec := range recs {
			out[c] = append(out[c], recordJSON{
				ID:         rec.ID,
				Category:   rec.Category,
				Method:     rec.Method,
				URL:        rec.URL,
				Bytes:      len(rec.Body),
				EnqueuedAt: rec.Enqueued().UTC().Format(time.RFC3339Nano),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleQueueRemove drops a record that can never replay.
func (s *State) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("queued mutation removed", zap.Uint64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *State) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.List())
}

func (s *State) handleState(w http.ResponseWriter, _ *http.Request) {
	containers, err := s.store.Containers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":            s.lifecycle.Phase(),
		"generation":       s.cfg.Cache.Generation,
		"containers":       containers,
		"pendingMutations": s.queue.Len(),
		"clients":          s.hub.Count(),
	})
}
