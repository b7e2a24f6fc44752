package metrics

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector keeps response size aggregates for the stats log line.
type statsCollector struct {
	count atomic.Uint64
	total atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))
	s.count.Add(1)
	s.total.Add(n)
	casWhile(&s.min, n, func(cur uint64) bool { return n < cur })
	casWhile(&s.max, n, func(cur uint64) bool { return n > cur })
}

func casWhile(v *atomic.Uint64, n uint64, better func(cur uint64) bool) {
	for {
		cur := v.Load()
		if !better(cur) || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.count.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.total.Load()
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.max.Load(),
		AvgRespBytes:   total / count,
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%db", b)
	}
	suffixes := []string{"kb", "mb", "gb", "tb"}
	v := float64(b) / unit
	i := 0
	for v >= unit && i < len(suffixes)-1 {
		v /= unit
		i++
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0") + suffixes[i]
}
