package clients

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, h *Hub, base, url string) *websocket.Conn {
	t.Helper()
	before := h.Count()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/?url="+url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.Count() == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readCommand(t *testing.T, conn *websocket.Conn) Command {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var cmd Command
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func TestFocusOrOpenFocusesMatchingWindow(t *testing.T) {
	h, base := startHub(t)
	home := dial(t, h, base, "/home")
	report := dial(t, h, base, "/reports/7")

	outcome, err := h.FocusOrOpen("/reports/7")
	require.NoError(t, err)
	assert.Equal(t, Focused, outcome)
	assert.Equal(t, Command{Type: CmdFocus, URL: "/reports/7"}, readCommand(t, report))

	outcome, err = h.FocusOrOpen("/inbox")
	require.NoError(t, err)
	assert.Equal(t, Opened, outcome)
	assert.Equal(t, Command{Type: CmdOpen, URL: "/inbox"}, readCommand(t, home))
}

func TestLocationUpdatesAreTracked(t *testing.T) {
	h, base := startHub(t)
	conn := dial(t, h, base, "/home")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "LOCATION", "url": "/settings"}))
	require.Eventually(t, func() bool {
		l := h.List()
		return len(l) == 1 && l[0].URL == "/settings"
	}, time.Second, 5*time.Millisecond)
}

func TestPendingOpenDeliveredToNextWindow(t *testing.T) {
	h, base := startHub(t)

	outcome, err := h.FocusOrOpen("/alerts/1")
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome)

	conn := dial(t, h, base, "/")
	assert.Equal(t, Command{Type: CmdOpen, URL: "/alerts/1"}, readCommand(t, conn))
}

func TestClaimBroadcastsAndMessagesReachHandler(t *testing.T) {
	h, base := startHub(t)

	var (
		mu   sync.Mutex
		msgs []string
	)
	h.OnMessage(func(_ string, raw []byte) {
		mu.Lock()
		msgs = append(msgs, string(raw))
		mu.Unlock()
	})

	a := dial(t, h, base, "/a")
	b := dial(t, h, base, "/b")
	assert.Equal(t, 2, h.Claim(3))
	assert.Equal(t, Command{Type: CmdClaim, Generation: 3}, readCommand(t, a))
	assert.Equal(t, Command{Type: CmdClaim, Generation: 3}, readCommand(t, b))

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"SKIP_WAITING"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1 && msgs[0] == `{"type":"SKIP_WAITING"}`
	}, time.Second, 5*time.Millisecond)
}

func TestOnEmptyRunsAfterLastDisconnect(t *testing.T) {
	h, base := startHub(t)
	emptied := make(chan struct{}, 1)
	h.OnEmpty(func() { emptied <- struct{}{} })

	conn := dial(t, h, base, "/")
	require.NoError(t, conn.Close())

	select {
	case <-emptied:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEmpty was not called")
	}
	assert.Equal(t, 0, h.Count())
	assert.ErrorIs(t, h.Send("missing", Command{Type: CmdFocus}), ErrUnknownClient)
}
