package offline0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

func hashBody(b []byte) uint64 { return xxhash.Sum64(b) }

// FlushResult summarizes one pass over the offline queue.
type FlushResult struct {
	Replayed int      `json:"replayed"`
	Failed   int      `json:"failed"`
	Pending  int      `json:"pending"`
	Errors   []string `json:"errors,omitempty"`
}

// RefreshResult summarizes one pass over the dynamic cache.
type RefreshResult struct {
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Syncer replays queued actions and refreshes dynamic cache entries.
type Syncer struct {
	queue     Queue
	store     *Store
	lifecycle *Lifecycle
	fetch     Fetcher
	conc      int
	timeout   time.Duration
	log       *slog.Logger
	metrics   *metrics
	// base bounds shared flush passes; it ends when the service shuts down.
	base context.Context

	flights singleflight.Group
}

// Flush makes one FIFO pass over the queue. A failed replay leaves its
// action queued and does not stop the pass. Concurrent callers share the
// pass already in progress; a caller that gives up stops waiting for it
// without cutting it short for the others.
func (s *Syncer) Flush(ctx context.Context) (FlushResult, error) {
	ch := s.flights.DoChan("flush", func() (any, error) {
		base := s.base
		if base == nil {
			base = context.WithoutCancel(ctx)
		}
		return s.flush(base)
	})
	select {
	case r := <-ch:
		if r.Val == nil {
			return FlushResult{}, r.Err
		}
		return r.Val.(FlushResult), r.Err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

func (s *Syncer) flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	for a, err := range s.queue.Pending(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.log.Error("read offline queue", "err", err)
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if err := s.replay(ctx, a); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			s.metrics.replays.WithLabelValues("failed").Inc()
			s.log.Warn("replay failed, action stays queued", "id", a.ID, "err", err)
			continue
		}
		if err := s.queue.Remove(context.WithoutCancel(ctx), a.ID); err != nil {
			// Replayed but still queued: it will be sent again next time.
			s.log.Error("remove replayed action", "id", a.ID, "err", err)
			res.Errors = append(res.Errors, err.Error())
		}
		res.Replayed++
		s.metrics.replays.WithLabelValues("ok").Inc()
		s.log.Info("synced offline action", "id", a.ID, "method", a.Method, "url", a.URL)
	}

	n, err := s.queue.Len(context.WithoutCancel(ctx))
	if err == nil {
		res.Pending = n
		s.metrics.queueDepth.Set(float64(n))
	}
	return res, nil
}

func (s *Syncer) replay(ctx context.Context, a OfflineAction) error {
	req, err := a.request()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrReplayFailed, a.ID, err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.fetch.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrReplayFailed, a.ID, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s: status %d", ErrReplayFailed, a.ID, resp.Status)
	}
	return nil
}

// Refresh reissues every request stored in the active dynamic cache. Fresh
// 2xx answers replace the entry; anything else keeps the last known good one.
func (s *Syncer) Refresh(ctx context.Context) (RefreshResult, error) {
	gen, release := s.lifecycle.Acquire()
	defer release()
	if gen == nil {
		return RefreshResult{}, ErrNoActiveGeneration
	}
	c, err := s.store.Open(ctx, gen.Dynamic)
	if err != nil {
		return RefreshResult{}, err
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	var updated, unchanged, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.conc)
	for _, key := range keys {
		g.Go(func() error {
			switch err := s.refreshOne(gctx, c, key); {
			case err == nil:
				updated.Add(1)
				s.metrics.refreshes.WithLabelValues("updated").Inc()
			case errors.Is(err, errUnchanged):
				unchanged.Add(1)
				s.metrics.refreshes.WithLabelValues("unchanged").Inc()
			default:
				failed.Add(1)
				s.metrics.refreshes.WithLabelValues("failed").Inc()
				s.log.Debug("refresh kept stale entry", "key", key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return RefreshResult{
		Updated:   int(updated.Load()),
		Unchanged: int(unchanged.Load()),
		Failed:    int(failed.Load()),
	}, ctx.Err()
}

var (
	errUnchanged   = errors.New("unchanged")
	errNotStorable = errors.New("response is not storable")
)

func (s *Syncer) refreshOne(ctx context.Context, c *Cache, key string) error {
	cur, ok, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errUnchanged
	}
	u, err := url.Parse(cur.URL)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req := &Request{Method: http.MethodGet, URL: u, Header: cloneHeader(cur.ReqHeader)}
	resp, err := s.fetch.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status %d", resp.Status)
	}
	if !storable(resp) {
		// The page turned per-client since it was cached.
		if _, err := c.Delete(context.WithoutCancel(ctx), key); err != nil {
			return err
		}
		return errNotStorable
	}
	if hashBody(resp.Body) == cur.Hash && resp.Status == cur.Status {
		return errUnchanged
	}
	return c.Put(context.WithoutCancel(ctx), key, newEntry(req, resp))
}
