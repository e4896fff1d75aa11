package offline0

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// connectivity tracks whether the origin was reachable on the last attempt
// and reports the offline -> online edge.
type connectivity struct {
	mu     sync.Mutex
	online bool
	since  time.Time
}

func newConnectivity() *connectivity {
	return &connectivity{online: true, since: time.Now()}
}

// report records one observation and returns true when it restores
// connectivity after an outage.
func (c *connectivity) report(ok bool) (restored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok == c.online {
		return false
	}
	c.online = ok
	c.since = time.Now()
	return ok
}

func (c *connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// probeLoop checks the origin every interval. Any HTTP answer counts as
// reachable; only transport failures count as offline.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.probeOnce()
		}
	}
}

func (s *Service) probeOnce() {
	timeout := s.cfg.requestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	u := s.origin.ResolveReference(&url.URL{Path: s.cfg.Sync.ProbePath})
	req := &Request{
		Method: http.MethodHead,
		URL:    u,
		Header: http.Header{"X-Offline0-Probe": []string{"1"}},
	}
	_, err := s.fetch.Fetch(ctx, req)
	s.observeNetwork(err)
}

// observeNetwork feeds a fetch outcome into the connectivity tracker and
// fires the sync tag when the origin comes back.
func (s *Service) observeNetwork(err error) {
	if err != nil && !errors.Is(err, ErrNetworkUnavailable) {
		return
	}
	if !s.conn.report(err == nil) {
		return
	}
	s.log.Info("connectivity restored", "tag", s.cfg.Sync.Tag)
	s.dispatcher.Emit(Event{Kind: EventSync, Tag: s.cfg.Sync.Tag})
}

func (s *Service) startCron() error {
	if s.cfg.Sync.PeriodicSchedule == "" {
		return nil
	}
	l := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	tag := s.cfg.Sync.PeriodicTag
	if _, err := s.cron.AddFunc(s.cfg.Sync.PeriodicSchedule, func() {
		s.dispatcher.Emit(Event{Kind: EventPeriodicSync, Tag: tag})
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("periodic sync scheduled", "tag", tag, "schedule", s.cfg.Sync.PeriodicSchedule)
	return nil
}

func (s *Service) stopCron() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
