// Package lifecycle runs the install and activate phases of a cache
// generation and executes control commands sent by the host page.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline0/internal/cachestore"
	"offline0/internal/config"
	"offline0/internal/metrics"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

type Phase string

const (
	PhaseNew        Phase = "new"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActive     Phase = "active"
)

var ErrNotInstalled = errors.New("generation is not installed")

// Clients is the set of open windows control is claimed over.
type Clients interface {
	Claim(generation int) int
	Count() int
}

// Manager owns the phase of the current generation.
type Manager struct {
	cfg     config.Config
	store   cachestore.Store
	net     strategy.Fetcher
	clients Clients
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	phase       Phase
	skipWaiting bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func New(cfg config.Config, store cachestore.Store, net strategy.Fetcher, clients Clients, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		net:     net,
		clients: clients,
		log:     log,
		now:     time.Now,
		phase:   PhaseNew,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) Generation() int { return m.cfg.Cache.Generation }

func (m *Manager) staticContainer() string {
	return router.ContainerName(router.ClassStatic, m.cfg.Cache.Generation)
}

func (m *Manager) apiContainer() string {
	return router.ContainerName(router.ClassAPI, m.cfg.Cache.Generation)
}

// PrecacheReport counts the outcome of a pre-warm.
type PrecacheReport struct {
	Cached int
	Err    error
}

// Install pre-warms the precache manifest into the static container and
// moves to installed. A failed or timed out pre-warm is abandoned, not
// fatal. The generation activates right away when waiting was skipped or
// no window is connected.
func (m *Manager) Install(ctx context.Context) PrecacheReport {
	m.mu.Lock()
	m.phase = PhaseInstalling
	m.mu.Unlock()

	start := m.now()
	rep := m.Precache(ctx, m.cfg.Cache.Precache)
	if rep.Err != nil {
		m.log.Warn("pre-warm abandoned",
			zap.Int("cached", rep.Cached),
			zap.Int("manifest", len(m.cfg.Cache.Precache)),
			zap.Error(rep.Err),
		)
	} else {
		m.log.Info("pre-warm complete", zap.Int("cached", rep.Cached), zap.Duration("took", m.now().Sub(start)))
	}

	m.mu.Lock()
	m.phase = PhaseInstalled
	skip := m.skipWaiting
	m.mu.Unlock()

	if skip || m.clients == nil || m.clients.Count() == 0 {
		if err := m.Activate(ctx); err != nil {
			m.log.Error("activation failed", zap.Error(err))
		}
	} else {
		m.log.Info("installed, waiting for open windows to close", zap.Int("generation", m.cfg.Cache.Generation))
	}
	return rep
}

// Precache fetches urls concurrently and stores the successful responses in
// the static container. It gives up at the first failure or after the
// install timeout.
func (m *Manager) Precache(ctx context.Context, urls []string) PrecacheReport {
	if m.cfg.Cache.InstallTimeoutDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Cache.InstallTimeoutDur)
		defer cancel()
	}

	container := m.staticContainer()
	var (
		mu     sync.Mutex
		cached int
	)
	limit := m.cfg.Cache.PrecacheConcurrency
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, raw := range urls {
		g.Go(func() error {
			u, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.RequestURI(), nil)
			if err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			resp, err := m.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("precache %q: origin responded %d", raw, resp.Status)
			}
			ent := cachestore.Entry{
				Key:       router.KeyFor(http.MethodGet, u, nil, nil),
				Status:    resp.Status,
				Header:    resp.Header,
				Body:      resp.Body,
				WrittenAt: m.now().UnixNano(),
			}
			if err := m.store.Put(container, ent); err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			mu.Lock()
			cached++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return PrecacheReport{Cached: cached, Err: err}
}

// Activate deletes every container outside the current generation's set,
// claims the open windows and moves to active. Activating an active
// generation is a no-op.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case PhaseActive, PhaseActivating:
		m.mu.Unlock()
		return nil
	case PhaseInstalled:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrNotInstalled, m.phase)
	}
	m.phase = PhaseActivating
	m.mu.Unlock()

	removed, err := m.collect()
	if err != nil {
		m.log.Warn("container cleanup incomplete", zap.Error(err))
	}
	m.metrics.ContainersCollected(len(removed))
	if len(removed) > 0 {
		m.log.Info("removed superseded containers", zap.Strings("containers", removed))
	}

	claimed := 0
	if m.clients != nil {
		claimed = m.clients.Claim(m.cfg.Cache.Generation)
	}

	m.mu.Lock()
	m.phase = PhaseActive
	m.mu.Unlock()
	m.log.Info("generation active", zap.Int("generation", m.cfg.Cache.Generation), zap.Int("claimed", claimed))
	return nil
}

// ActivateIfWaiting activates an installed generation. It is run when the
// last window disconnects.
func (m *Manager) ActivateIfWaiting(ctx context.Context) {
	if m.Phase() != PhaseInstalled {
		return
	}
	if err := m.Activate(ctx); err != nil {
		m.log.Error("activation failed", zap.Error(err))
	}
}

func (m *Manager) collect() ([]string, error) {
	keep := map[string]struct{}{}
	for _, c := range m.cfg.Containers() {
		keep[c] = struct{}{}
	}
	existing, err := m.store.Containers()
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, c := range existing {
		if _, ok := keep[c]; ok {
			continue
		}
		if err := m.store.DeleteContainer(c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		removed = append(removed, c)
	}
	return removed, errors.Join(errs...)
}
