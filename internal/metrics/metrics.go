// Package metrics provides Prometheus collectors for the engine plus the
// periodic stats line written to the log.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const namespace = "offline0"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	requests       *prometheus.CounterVec
	networkFetches *prometheus.CounterVec
	responseBytes  prometheus.Histogram
	queueEnqueued  *prometheus.CounterVec
	queueReplayed  *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	gcContainers   prometheus.Counter

	sizes *statsCollector
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		networkFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_fetches_total",
			Help:      "Origin fetches by result (ok, status, error).",
		}, []string{"result"}),
		responseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_bytes",
			Help:      "Size of response bodies served from cache or network.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256b to 64mb
		}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Offline mutations enqueued by category.",
		}, []string{"category"}),
		queueReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_replayed_total",
			Help:      "Offline mutation replay attempts by category and result.",
		}, []string{"category", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification pipeline events (shown, replaced, clicked, dismissed, closed, failed).",
		}, []string{"event"}),
		gcContainers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_gc_containers_total",
			Help:      "Superseded cache containers deleted during activation.",
		}),
		sizes: newStatsCollector(),
	}

	m.Registry.MustRegister(
		m.requests,
		m.networkFetches,
		m.responseBytes,
		m.queueEnqueued,
		m.queueReplayed,
		m.notifications,
		m.gcContainers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Served records a response handed back to the caller.
func (m *Metrics) Served(strategy, outcome string, bodyBytes int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, outcome).Inc()
	m.responseBytes.Observe(float64(bodyBytes))
	m.sizes.Observe(bodyBytes)
}

// Fetched records one origin round trip. status is 0 when the call failed.
func (m *Metrics) Fetched(status int) {
	if m == nil {
		return
	}
	switch {
	case status == 0:
		m.networkFetches.WithLabelValues("error").Inc()
	case status >= 200 && status < 300:
		m.networkFetches.WithLabelValues("ok").Inc()
	default:
		m.networkFetches.WithLabelValues(strconv.Itoa(status / 100 * 100)).Inc()
	}
}

func (m *Metrics) Enqueued(category string) {
	if m == nil {
		return
	}
	m.queueEnqueued.WithLabelValues(category).Inc()
}

func (m *Metrics) Replayed(category string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.queueReplayed.WithLabelValues(category, result).Inc()
}

func (m *Metrics) Notification(event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event).Inc()
}

func (m *Metrics) ContainersCollected(n int) {
	if m == nil {
		return
	}
	m.gcContainers.Add(float64(n))
}

// LogStats writes the periodic summary line.
func (m *Metrics) LogStats(log *zap.Logger, cachedKeys int, ramBytes, diskBytes int64, pending int) {
	if m == nil {
		return
	}
	ss := m.sizes.Snapshot()
	fields := []zap.Field{
		zap.Int("keys", cachedKeys),
		zap.String("ram", formatBytes(uint64(ramBytes))),
		zap.String("disk", formatBytes(uint64(diskBytes))),
		zap.Int("pendingMutations", pending),
		zap.Uint64("responses", ss.TotalResponses),
		zap.String("respMin", formatBytes(ss.MinRespBytes)),
		zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
		zap.String("respMax", formatBytes(ss.MaxRespBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	log.Info("cache stats", fields...)
}
