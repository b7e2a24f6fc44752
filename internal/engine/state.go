// Package engine wires the cache store, strategies, offline queue,
// lifecycle, client windows and notifications into one long-lived process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/cachestore"
	"offline0/internal/clients"
	"offline0/internal/config"
	"offline0/internal/lifecycle"
	"offline0/internal/logging"
	"offline0/internal/metrics"
	"offline0/internal/mutationq"
	"offline0/internal/notify"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

// State is the process-wide state every event handler receives. Only the
// cache store and the mutation queue persist across restarts.
type State struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	store      cachestore.Store
	network    *strategy.Network
	table      *router.Table
	strategies strategy.Set
	queue      *mutationq.Queue
	lifecycle  *lifecycle.Manager
	hub        *clients.Hub
	notify     *notify.Pipeline
	beacon     *notify.BeaconTracker
	bus        *Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type options struct {
	store   cachestore.Store
	backend mutationq.Backend
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*options)

// WithStore replaces the configured leveldb cache store.
func WithStore(s cachestore.Store) Option { return func(o *options) { o.store = s } }

// WithQueueBackend replaces the configured queue backend.
func WithQueueBackend(b mutationq.Backend) Option { return func(o *options) { o.backend = b } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func New(cfg config.Config, log *zap.Logger, opts ...Option) (*State, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	store := o.store
	if store == nil {
		disk, err := cachestore.OpenDisk(cfg.Storage.Path, cfg.Storage.DiskMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		overflow := logging.NewRateLimited(log.Named("cache"), time.Minute)
		store = cachestore.NewTiered(cachestore.NewMemory(cfg.Storage.RAMMaxBytes, overflow), disk)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = openQueueBackend(cfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open mutation queue: %w", err)
		}
	}

	s := &State{
		cfg:     cfg,
		log:     log,
		metrics: o.metrics,
		now:     o.now,
		store:   store,
		table:   router.NewTable(cfg.Bindings()),
		hub:     clients.NewHub(log.Named("clients")),
		bus:     NewBus(),
		stopCh:  make(chan struct{}),
	}
	s.network = strategy.NewNetwork(cfg.Server.Origin, cfg.Network.TimeoutDur, s.metrics)

	var offlineKey string
	if u, err := url.Parse(cfg.Cache.OfflinePage); err == nil {
		offlineKey = router.KeyFor("GET", u, nil, nil)
	}
	s.strategies = strategy.NewSet(&strategy.Env{
		Store:            store,
		Network:          s.network,
		Now:              s.now,
		Log:              log.Named("strategy"),
		StoreErrors:      logging.NewRateLimited(log.Named("strategy"), 10*time.Second),
		OfflineContainer: router.ContainerName(router.ClassStatic, cfg.Cache.Generation),
		OfflineKey:       offlineKey,
	})

	s.queue = mutationq.New(backend, &mutationq.HTTPReplayer{
		Client: s.network.Client(),
		Origin: cfg.Server.Origin,
	}, log.Named("queue"), mutationq.WithClock(s.now), mutationq.WithMetrics(s.metrics))

	s.lifecycle = lifecycle.New(cfg, store, s.network, s.hub, log.Named("lifecycle"),
		lifecycle.WithClock(s.now), lifecycle.WithMetrics(s.metrics))

	s.beacon = notify.NewBeaconTracker(cfg.Notifications.ClickTrackingURL, s.network.Client(), log.Named("beacon"))
	var tracker notify.Tracker
	if s.beacon != nil {
		tracker = s.beacon
	}
	s.notify = notify.NewPipeline(log.Named("notify"), notify.Options{
		Display:   notify.DisplayFunc(s.display),
		Navigator: s.hub,
		Tracker:   tracker,
		Metrics:   s.metrics,
		AutoClose: cfg.Notifications.AutoCloseDur,
		Now:       s.now,
	})

	s.registerHandlers()
	s.hub.OnMessage(s.clientMessage)
	s.hub.OnEmpty(func() { s.lifecycle.ActivateIfWaiting(context.Background()) })
	return s, nil
}

func openQueueBackend(cfg config.Config) (mutationq.Backend, error) {
	switch cfg.Queue.Driver {
	case "sqlite":
		return mutationq.OpenSQLite(cfg.Queue.Path)
	default:
		return mutationq.OpenLevelDB(cfg.Queue.Path)
	}
}

// Start runs install (and activation when nothing waits on it), the optional
// startup drain and the stats loop.
func (s *State) Start(ctx context.Context) error {
	if _, err := s.bus.Emit(ctx, s, EventInstall, nil); err != nil {
		return err
	}

	if s.cfg.Sync.DrainOnStart && s.queue.Len() > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.bus.Emit(context.WithoutCancel(ctx), s, EventSync, nil); err != nil {
				s.log.Info("startup drain incomplete", zap.Error(err))
			}
		}()
	}

	if every := s.cfg.Logging.LogStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *State) Close() error {
	close(s.stopCh)
	s.hub.Close()
	s.wg.Wait()
	s.beacon.Wait()
	return errors.Join(s.queue.Close(), s.store.Close())
}

func (s *State) Phase() lifecycle.Phase { return s.lifecycle.Phase() }

func (s *State) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			var ram int64
			if tiered, ok := s.store.(*cachestore.Tiered); ok {
				ram = tiered.RAMSize()
			}
			s.metrics.LogStats(s.log, cachestore.KeyCount(s.store), ram, s.store.Size(), s.queue.Len())
		}
	}
}

// display shows a notification in every open window.
func (s *State) display(n notify.Notification) error {
	if s.hub.Broadcast(clients.Command{Type: clients.CmdNotification, Data: n}) == 0 {
		return errors.New("no window connected")
	}
	return nil
}
