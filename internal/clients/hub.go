// Package clients tracks the open application windows connected over
// websocket and sends them window commands.
package clients

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Command types sent to windows.
const (
	CmdNavigate     = "navigate"
	CmdFocus        = "focus"
	CmdOpen         = "open"
	CmdClaim        = "claim"
	CmdNotification = "notification"
)

// msgLocation is sent by a window whenever its URL changes.
const msgLocation = "LOCATION"

var (
	ErrUnknownClient = errors.New("unknown client")
	ErrSlowClient    = errors.New("client send buffer full")
)

type Command struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Generation int    `json:"generation,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// Info describes a connected window.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	seq  uint64

	mu          sync.Mutex
	url         string
	connectedAt time.Time
}

func (c *client) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{ID: c.id, URL: c.url, ConnectedAt: c.connectedAt}
}

// Hub is the registry of connected windows.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	seq     uint64
	pending []Command

	onMessage func(clientID string, raw []byte)
	onEmpty   func()
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// OnMessage sets the handler for window messages other than location updates.
func (h *Hub) OnMessage(fn func(clientID string, raw []byte)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// OnEmpty sets the hook run after the last window disconnects.
func (h *Hub) OnEmpty(fn func()) {
	h.mu.Lock()
	h.onEmpty = fn
	h.mu.Unlock()
}

// ServeWS upgrades a window connection. The window reports its current
// location in the "url" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		url:         r.URL.Query().Get("url"),
		connectedAt: time.Now(),
	}

	h.mu.Lock()
	h.seq++
	c.seq = h.seq
	h.clients[c.id] = c
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	h.log.Info("client connected", zap.String("client", c.id), zap.String("url", c.url))

	go h.writePump(c)
	for _, cmd := range pending {
		_ = h.deliver(c, cmd)
	}
	go h.readPump(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	empty := len(h.clients) == 0
	onEmpty := h.onEmpty
	h.mu.Unlock()

	h.log.Info("client disconnected", zap.String("client", c.id))
	if empty && onEmpty != nil {
		onEmpty()
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var head struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			h.log.Debug("ignoring malformed client message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		if head.Type == msgLocation {
			c.mu.Lock()
			c.url = head.URL
			c.mu.Unlock()
			continue
		}

		h.mu.Lock()
		fn := h.onMessage
		h.mu.Unlock()
		if fn != nil {
			fn(c.id, raw)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) deliver(c *client, cmd Command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return ErrUnknownClient
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSlowClient
	}
}

// sorted returns the connected clients, oldest first.
func (h *Hub) sorted() []*client {
	h.mu.Lock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) List() []Info {
	cs := h.sorted()
	out := make([]Info, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.info())
	}
	return out
}

func (h *Hub) Send(clientID string, cmd Command) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownClient
	}
	return h.deliver(c, cmd)
}

// Broadcast sends cmd to every window and returns how many accepted it.
func (h *Hub) Broadcast(cmd Command) int {
	n := 0
	for _, c := range h.sorted() {
		if err := h.deliver(c, cmd); err != nil {
			h.log.Debug("broadcast skipped client", zap.String("client", c.id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Claim tells every open window that generation now controls it.
func (h *Hub) Claim(generation int) int {
	return h.Broadcast(Command{Type: CmdClaim, Generation: generation})
}

// Outcomes of FocusOrOpen.
const (
	Focused = "focused"
	Opened  = "opened"
	Pending = "pending"
)

// FocusOrOpen focuses a window already showing url, or asks the oldest
// window to open url in a new one. With no windows connected the open is
// held for the next window that connects.
func (h *Hub) FocusOrOpen(url string) (string, error) {
	cs := h.sorted()
	for _, c := range cs {
		if c.info().URL == url {
			return Focused, h.deliver(c, Command{Type: CmdFocus, URL: url})
		}
	}
	for _, c := range cs {
		if err := h.deliver(c, Command{Type: CmdOpen, URL: url}); err == nil {
			return Opened, nil
		}
	}

	h.mu.Lock()
	h.pending = append(h.pending, Command{Type: CmdOpen, URL: url})
	h.mu.Unlock()
	return Pending, nil
}

// Close disconnects every window.
func (h *Hub) Close() {
	for _, c := range h.sorted() {
		_ = c.conn.Close()
	}
}
