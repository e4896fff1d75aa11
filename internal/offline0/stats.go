package offline0

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// statsCollector tracks sizes of bodies served from or into the cache.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		MinBytes:  minv,
		MaxBytes:  s.maxRespBytes.Load(),
		AvgBytes:  s.totalRespBytes.Load() / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	args := []any{
		"entries", s.store.EntryCount(),
		"disk", humanize.IBytes(uint64(s.store.TotalSize())),
		"served", ss.Responses,
		"resp_min", humanize.IBytes(ss.MinBytes),
		"resp_avg", humanize.IBytes(ss.AvgBytes),
		"resp_max", humanize.IBytes(ss.MaxBytes),
		"online", s.conn.Online(),
	}
	if s.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if n, err := s.queue.Len(ctx); err == nil {
			args = append(args, "queued", n)
		}
		cancel()
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", humanize.IBytes(rss))
	}
	s.log.Info("cache stats", args...)
}
