package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"offline0/internal/cachestore"
	"offline0/internal/router"
)

// Control command types.
const (
	CmdSkipWaiting       = "SKIP_WAITING"
	CmdClearCache        = "CLEAR_CACHE"
	CmdCacheDailyOutlook = "CACHE_DAILY_OUTLOOK"
	CmdCachePayload      = "CACHE_PAYLOAD"
	CmdPrecache          = "PRECACHE"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidCommand = errors.New("invalid command")
)

// Message is a control-channel message from the host page.
type Message struct {
	Type string `json:"type"`

	// CACHE_PAYLOAD and CACHE_DAILY_OUTLOOK
	Container   string          `json:"container,omitempty"`
	URL         string          `json:"url,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	// PRECACHE
	URLs []string `json:"urls,omitempty"`
}

// Reply is the result of a control command.
type Reply struct {
	Type    string `json:"type"`
	Phase   Phase  `json:"phase"`
	Cleared int    `json:"cleared,omitempty"`
	Cached  int    `json:"cached,omitempty"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleMessage executes one control command.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	reply := Reply{Type: msg.Type}
	var err error

	switch msg.Type {
	case CmdSkipWaiting:
		err = m.skip(ctx)
	case CmdClearCache:
		reply.Cleared, err = m.clear()
	case CmdCacheDailyOutlook:
		msg.Container = router.ClassAPI
		msg.URL = m.cfg.Notifications.DailyOutlookPath
		reply.Key, err = m.inject(msg)
	case CmdCachePayload:
		reply.Key, err = m.inject(msg)
	case CmdPrecache:
		if len(msg.URLs) == 0 {
			err = fmt.Errorf("%w: urls required", ErrInvalidCommand)
			break
		}
		rep := m.Precache(ctx, msg.URLs)
		reply.Cached, err = rep.Cached, rep.Err
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
	}

	reply.Phase = m.Phase()
	if err != nil {
		reply.Error = err.Error()
		m.log.Warn("control command failed", zap.String("type", msg.Type), zap.Error(err))
		return reply, err
	}
	m.log.Debug("control command", zap.String("type", msg.Type))
	return reply, nil
}

// skip activates an installed generation now, or right after an install
// still in progress.
func (m *Manager) skip(ctx context.Context) error {
	m.mu.Lock()
	m.skipWaiting = true
	phase := m.phase
	m.mu.Unlock()

	if phase == PhaseInstalled {
		return m.Activate(ctx)
	}
	return nil
}

func (m *Manager) clear() (int, error) {
	names, err := m.store.Containers()
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, c := range names {
		if err := m.store.DeleteContainer(c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		n++
	}
	m.log.Info("cleared all containers", zap.Int("containers", n))
	return n, errors.Join(errs...)
}

// resolveContainer accepts a container class or a full container name of
// the current generation.
func (m *Manager) resolveContainer(name string) (string, error) {
	switch name {
	case router.ClassStatic:
		return m.staticContainer(), nil
	case router.ClassAPI, "":
		return m.apiContainer(), nil
	}
	for _, c := range m.cfg.Containers() {
		if c == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: container %q is not part of generation %d", ErrInvalidCommand, name, m.cfg.Cache.Generation)
}

// inject stores a payload the host page already fetched, so the next request
// for that URL is served from cache.
func (m *Manager) inject(msg Message) (string, error) {
	if msg.URL == "" || !strings.HasPrefix(msg.URL, "/") {
		return "", fmt.Errorf("%w: url must be an origin path", ErrInvalidCommand)
	}
	if len(msg.Data) == 0 {
		return "", fmt.Errorf("%w: data required", ErrInvalidCommand)
	}
	container, err := m.resolveContainer(msg.Container)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(msg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	body := []byte(msg.Data)
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	} else {
		// Non-JSON payloads arrive as a JSON string.
		var s string
		if json.Unmarshal(msg.Data, &s) == nil {
			body = []byte(s)
		}
	}

	// Stored under the base key; vary-keyed lookups fall back to it.
	key := router.KeyFor(http.MethodGet, u, nil, nil)
	ent := cachestore.Entry{
		Key:       key,
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {contentType}},
		Body:      body,
		WrittenAt: m.now().UnixNano(),
	}
	if err := m.store.Put(container, ent); err != nil {
		return "", err
	}
	m.log.Info("payload cached", zap.String("container", container), zap.String("key", key), zap.Int("bytes", len(body)))
	return key, nil
}
