package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/mutationq"
)

type fakeOrigin struct {
	down  atomic.Bool
	calls sync.Map // path -> *atomic.Int32

	mu     sync.Mutex
	writes []string
}

func (o *fakeOrigin) count(path string) int32 {
	v, ok := o.calls.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	v, _ := o.calls.LoadOrStore(r.URL.Path, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)

	switch {
	case r.URL.Path == "/api/truncated":
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte(`{"ok"`))
	case r.Method != http.MethodGet:
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.writes = append(o.writes, r.Method+" "+r.URL.Path+" "+string(b))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	case r.URL.Path == "/offline.html":
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>You are offline</h1>"))
	case r.URL.Path == "/assets/logo.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(bytes.Repeat([]byte{0x89}, 2048))
	case r.URL.Path == "/api/broken":
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}
}

type harness struct {
	state  *State
	srv    *httptest.Server
	origin *fakeOrigin
	store  cachestore.Store
	now    *time.Time
	mu     sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.now = h.now.Add(d)
}

func newHarness(t *testing.T, extraYAML string, store cachestore.Store) *harness {
	t.Helper()
	origin := &fakeOrigin{}
	originSrv := httptest.NewServer(origin)
	t.Cleanup(originSrv.Close)

	cfg, err := config.Parse([]byte("server:\n  origin: " + originSrv.URL + "\n" + extraYAML))
	require.NoError(t, err)

	if store == nil {
		store = cachestore.NewMemory(0, nil)
	}
	backend, err := mutationq.OpenLevelDB(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	h := &harness{origin: origin, store: store, now: &now}

	s, err := New(cfg, nil, WithStore(store), WithQueueBackend(backend), WithClock(h.clock))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	h.state = s

	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		_ = s.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestStartInstallsAndActivates(t *testing.T) {
	h := newHarness(t, "", nil)
	assert.Equal(t, "active", string(h.state.Phase()))

	ent, ok, err := h.store.Get("static-v1", "GET /offline.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<h1>You are offline</h1>", string(ent.Body))
}

func TestStaticAssetScenario(t *testing.T) {
	h := newHarness(t, "", nil)

	resp, body := h.do(t, http.MethodGet, "/assets/logo.png", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Offline0"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Offline0")
	assert.Len(t, body, 2048)

	ent, ok, _ := h.store.Get("static-v1", "GET /assets/logo.png")
	require.True(t, ok)
	assert.Equal(t, h.clock().UnixNano(), ent.WrittenAt)

	h.advance(time.Hour)
	resp, body = h.do(t, http.MethodGet, "/assets/logo.png", "", nil)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))
	assert.Len(t, body, 2048)
	assert.Equal(t, int32(1), h.origin.count("/assets/logo.png"))
}

func TestSpecificEndpointOverridesGenericAPIRule(t *testing.T) {
	h := newHarness(t, "", nil)

	h.do(t, http.MethodGet, "/api/daily-outlook", "", nil)
	resp, _ := h.do(t, http.MethodGet, "/api/daily-outlook", "", nil)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))
	assert.Equal(t, int32(1), h.origin.count("/api/daily-outlook"))

	h.do(t, http.MethodGet, "/api/items", "", nil)
	resp, _ = h.do(t, http.MethodGet, "/api/items", "", nil)
	assert.Equal(t, "network", resp.Header.Get("X-Offline0"))
	assert.Equal(t, int32(2), h.origin.count("/api/items"))
}

func TestStaleEntryServedWhileOffline(t *testing.T) {
	h := newHarness(t, "", nil)
	h.do(t, http.MethodGet, "/api/daily-outlook", "", nil)

	h.advance(48 * time.Hour)
	h.origin.down.Store(true)
	resp, body := h.do(t, http.MethodGet, "/api/daily-outlook", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", resp.Header.Get("X-Offline0"))
	assert.JSONEq(t, `{"path":"/api/daily-outlook"}`, string(body))
}

func TestOfflineNavigationGetsOfflineDocument(t *testing.T) {
	h := newHarness(t, "", nil)
	h.origin.down.Store(true)

	resp, body := h.do(t, http.MethodGet, "/api/feed", "", http.Header{"Accept": {"text/html"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline", resp.Header.Get("X-Offline0"))
	assert.Equal(t, "<h1>You are offline</h1>", string(body))

	resp, _ = h.do(t, http.MethodGet, "/api/feed", "", http.Header{"Accept": {"application/json"}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Offline0"))
}

func TestNonSuccessResponseIsRelayedNotCached(t *testing.T) {
	h := newHarness(t, "", nil)
	resp, _ := h.do(t, http.MethodGet, "/api/broken", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	_, ok, _ := h.store.Get("api-v1", "GET /api/broken")
	assert.False(t, ok)
}

func TestUnmatchedRequestsPassThrough(t *testing.T) {
	h := newHarness(t, "", nil)
	resp, _ := h.do(t, http.MethodGet, "/about", "", nil)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offline0"))
	keys, _ := h.store.Keys("static-v1")
	assert.NotContains(t, keys, "GET /about")
}

func TestOfflineMutationIsQueuedAndReplayed(t *testing.T) {
	h := newHarness(t, "", nil)
	h.origin.down.Store(true)

	resp, body := h.do(t, http.MethodPost, "/api/user/profile", `{"name":"Ada"}`,
		http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", resp.Header.Get("X-Offline0"))
	var queued struct {
		Queued   bool   `json:"queued"`
		Category string `json:"category"`
	}
	require.NoError(t, json.Unmarshal(body, &queued))
	assert.True(t, queued.Queued)
	assert.Equal(t, "user-data", queued.Category)

	h.do(t, http.MethodDelete, "/api/items/7", "", nil)

	_, body = h.do(t, http.MethodGet, "/_sw/queue", "", nil)
	var pending map[string][]recordJSON
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending["user-data"], 1)
	assert.Equal(t, "/api/user/profile", pending["user-data"][0].URL)
	require.Len(t, pending["mutations"], 1)

	h.origin.down.Store(false)
	resp, _ = h.do(t, http.MethodPost, "/_sw/message", `{"type":"ONLINE"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.origin.mu.Lock()
	writes := append([]string(nil), h.origin.writes...)
	h.origin.mu.Unlock()
	assert.ElementsMatch(t, []string{`POST /api/user/profile {"name":"Ada"}`, "DELETE /api/items/7 "}, writes)
	assert.Equal(t, 0, h.state.queue.Len())
}

func TestOnlineMutationPassesThrough(t *testing.T) {
	h := newHarness(t, "", nil)
	resp, _ := h.do(t, http.MethodPut, "/api/items/1", `{"done":true}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offline0"))
	assert.Equal(t, 0, h.state.queue.Len())
}

func TestMutationReachingOriginIsNeverQueued(t *testing.T) {
	h := newHarness(t, "", nil)
	resp, _ := h.do(t, http.MethodPost, "/api/truncated", `{"n":1}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Offline0"))
	assert.Equal(t, int32(1), h.origin.count("/api/truncated"))
	assert.Equal(t, 0, h.state.queue.Len())
}

func TestCacheDailyOutlookMessageServesWithoutNetwork(t *testing.T) {
	h := newHarness(t, "", nil)
	resp, _ := h.do(t, http.MethodPost, "/_sw/message", `{"type":"CACHE_DAILY_OUTLOOK","data":{"mood":"bright"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/api/daily-outlook", "", nil)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))
	assert.JSONEq(t, `{"mood":"bright"}`, string(body))
	assert.Equal(t, int32(0), h.origin.count("/api/daily-outlook"))

	resp, _ = h.do(t, http.MethodPost, "/_sw/message", `{"type":"NOPE"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSeededEntriesAnswerVaryKeyedRequests(t *testing.T) {
	h := newHarness(t, "cache:\n  varyHeaders: [Accept-Language]\n  precache: [/assets/logo.png]\n", nil)
	require.Equal(t, int32(1), h.origin.count("/assets/logo.png"))
	lang := http.Header{"Accept-Language": {"en-US"}}

	resp, _ := h.do(t, http.MethodPost, "/_sw/message", `{"type":"CACHE_DAILY_OUTLOOK","data":{"mood":"bright"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/api/daily-outlook", "", lang)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))
	assert.JSONEq(t, `{"mood":"bright"}`, string(body))
	assert.Equal(t, int32(0), h.origin.count("/api/daily-outlook"))

	resp, _ = h.do(t, http.MethodGet, "/assets/logo.png", "", lang)
	assert.Equal(t, "hit", resp.Header.Get("X-Offline0"))
	assert.Equal(t, int32(1), h.origin.count("/assets/logo.png"))
}

func TestClearCacheMessage(t *testing.T) {
	h := newHarness(t, "", nil)
	h.do(t, http.MethodGet, "/assets/logo.png", "", nil)

	resp, _ := h.do(t, http.MethodPost, "/_sw/message", `{"type":"CLEAR_CACHE"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	names, _ := h.store.Containers()
	assert.Empty(t, names)
}

func TestActivationCollectsOldGenerations(t *testing.T) {
	store := cachestore.NewMemory(0, nil)
	for _, c := range []string{"static-v1", "api-v1"} {
		require.NoError(t, store.Put(c, cachestore.Entry{Key: "GET /old", Status: http.StatusOK}))
	}
	newHarness(t, "cache:\n  generation: 2\n", store)

	names, err := store.Containers()
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v2"}, names)
}

func TestPushAndClickEndpoints(t *testing.T) {
	h := newHarness(t, "", nil)

	resp, body := h.do(t, http.MethodPost, "/_sw/push",
		`{"title":"New report","body":"Ready","data":{"deep_link":"/reports/42"}}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var n struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &n))
	require.NotEmpty(t, n.ID)

	resp, body = h.do(t, http.MethodPost, "/_sw/notifications/"+n.ID+"/click", `{"action":"view"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var click struct {
		DeepLink   string `json:"deepLink"`
		Navigation string `json:"navigation"`
	}
	require.NoError(t, json.Unmarshal(body, &click))
	assert.Equal(t, "/reports/42", click.DeepLink)
	assert.Equal(t, "pending", click.Navigation)

	resp, _ = h.do(t, http.MethodPost, "/_sw/notifications/"+n.ID+"/click", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/_sw/push", `{"body":"untitled"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "", nil)
	h.do(t, http.MethodGet, "/assets/logo.png", "", nil)

	resp, body := h.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `offline0_requests_total{outcome="miss",strategy="cache-first"} 1`)
}

func TestBusRejectsUnknownEventsAndPayloads(t *testing.T) {
	h := newHarness(t, "", nil)
	_, err := h.state.bus.Emit(context.Background(), h.state, Event("periodicsync"), nil)
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = h.state.bus.Emit(context.Background(), h.state, EventPush, "not a payload")
	assert.Error(t, err)
}
