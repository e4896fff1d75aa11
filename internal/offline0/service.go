package offline0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/syndtr/goleveldb/leveldb"
)

// maxRequestBody bounds how much of an intercepted request body is buffered
// for replay.
const maxRequestBody = 32 << 20

// Service is the process-wide worker context: it owns the store, the queue
// and the lifecycle, and serves both intercepted traffic and the control
// endpoints.
type Service struct {
	cfg    Config
	origin *url.URL
	log    *slog.Logger

	db         *leveldb.DB
	store      *Store
	queue      Queue // nil when queue.enabled is false
	fetch      Fetcher
	lifecycle  *Lifecycle
	router     *Router
	syncer     *Syncer
	hub        *hub
	relay      *Relay
	dispatcher *Dispatcher
	metrics    *metrics
	conn       *connectivity
	cron       *cron.Cron
	control    http.Handler

	writeLog *rateLimitedLogger
	stats    *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type options struct {
	fetch Fetcher
	log   *slog.Logger
	queue Queue
}

type Option func(*options)

// WithFetcher replaces the HTTP fetcher used for every origin request.
func WithFetcher(f Fetcher) Option { return func(o *options) { o.fetch = f } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithQueue overrides the queue backend selected by configuration.
func WithQueue(q Queue) Option { return func(o *options) { o.queue = q } }

// NewService validates and compiles cfg, so DefaultConfig with an origin set
// is enough, then opens storage and installs the configured generation.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	if o.fetch == nil {
		o.fetch = NewHTTPFetcher(&http.Client{Timeout: cfg.requestTimeout}, origin)
	}

	db, err := openDB(cfg.Storage.Disk.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store, err := newStore(db, cfg.diskMax)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load cache index: %w", err)
	}

	queue, err := openQueue(cfg, db, o.queue)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m := newMetrics()
	s := &Service{
		cfg:      cfg,
		origin:   origin,
		log:      o.log,
		db:       db,
		store:    store,
		queue:    queue,
		fetch:    o.fetch,
		hub:      newHub(),
		metrics:  m,
		conn:     newConnectivity(),
		writeLog: newRateLimitedLogger(o.log, time.Minute),
		stopCh:   make(chan struct{}),
	}
	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	s.lifecycle = newLifecycle(db, store, o.fetch, origin, cfg.Lifecycle.Manifest, cfg.Sync.Concurrency, o.log, m)
	s.router = &Router{
		origin:       origin,
		rules:        cfg.Rules,
		forwardHosts: cfg.Server.ForwardHosts,
		store:        store,
		lifecycle:    s.lifecycle,
		fetch:        o.fetch,
		queue:        queue,
		log:          o.log,
		writeLog:     s.writeLog,
		metrics:      m,
		stats:        s.stats,
		observe:      s.observeNetwork,
	}
	s.syncer = &Syncer{
		queue:     queue,
		store:     store,
		lifecycle: s.lifecycle,
		fetch:     o.fetch,
		conc:      cfg.Sync.Concurrency,
		timeout:   cfg.requestTimeout,
		log:       o.log,
		metrics:   m,
	}
	s.relay = &Relay{
		hub:         s.hub,
		title:       cfg.Notify.Title,
		defaultBody: cfg.Notify.DefaultBody,
		icon:        cfg.Notify.Icon,
		badge:       cfg.Notify.Badge,
		exploreURL:  cfg.Notify.ExploreURL,
		log:         o.log,
	}
	s.dispatcher = newDispatcher(s.handlers(), o.log, m)
	s.syncer.base = s.dispatcher.ctx
	s.control = s.controlMux()

	if err := s.start(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openQueue(cfg Config, db *leveldb.DB, override Queue) (Queue, error) {
	if !cfg.QueueEnabled() {
		return nil, nil
	}
	if override != nil {
		return override, nil
	}
	if cfg.Queue.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		q, err := NewRedisQueue(ctx, RedisQueueConfig{URL: cfg.Queue.Redis.URL, Key: cfg.Queue.Redis.Key})
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	}
	q, err := newLevelQueue(db)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return q, nil
}

func (s *Service) handlers() map[EventKind]EventHandler {
	return map[EventKind]EventHandler{
		EventInstall: s.onInstall,
		EventActivate: func(ctx context.Context, _ Event) (any, error) {
			return s.activate(ctx)
		},
		EventSync:         s.onSync,
		EventPeriodicSync: s.onPeriodicSync,
		EventPush: func(ctx context.Context, ev Event) (any, error) {
			n, delivered := s.relay.Push(ctx, ev.Data)
			return map[string]any{"notification": n, "delivered": delivered}, nil
		},
		EventNotificationClick: func(_ context.Context, ev Event) (any, error) {
			return s.relay.Click(ev.Action), nil
		},
		EventMessage: func(ctx context.Context, ev Event) (any, error) {
			return s.handleMessage(ctx, ev.Data)
		},
	}
}

// start restores the previous generation, installs the configured one and
// launches the background loops. A failed install is not fatal: the proxy
// keeps serving from whatever was active and retries once the origin is back.
func (s *Service) start() error {
	if gen, ok, err := s.lifecycle.Restore(); err != nil {
		return fmt.Errorf("restore lifecycle: %w", err)
	} else if ok {
		s.log.Info("restored cache generation", "version", gen.Version)
	}

	if _, err := s.dispatcher.Dispatch(context.Background(), Event{Kind: EventInstall}); err != nil {
		s.log.Warn("install deferred until the origin is reachable", "version", s.cfg.Cache.Version, "err", err)
	}

	if s.queue != nil {
		if n, err := s.queue.Len(context.Background()); err == nil {
			s.metrics.queueDepth.Set(float64(n))
			if n > 0 {
				s.log.Info("offline actions pending from previous run", "count", n)
			}
		}
	}

	if s.stats != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEveryDur)
		}()
	}
	if s.cfg.probeEveryDur > 0 {
		s.log.Info("connectivity probe", "every", s.cfg.probeEveryDur, "path", s.cfg.Sync.ProbePath)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(s.cfg.probeEveryDur)
		}()
	}
	return s.startCron()
}

// Close stops the background loops, waits for running event handlers and
// releases storage.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.stopCron()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.dispatcher.Close(ctx)
		cancel()

		if s.queue != nil {
			if err := s.queue.Close(); err != nil {
				s.log.Warn("close queue", "err", err)
			}
		}
		if err := s.db.Close(); err != nil {
			s.log.Warn("close storage", "err", err)
		}
	})
}

func (s *Service) onInstall(ctx context.Context, _ Event) (any, error) {
	gen := s.cfg.Generation()
	if _, err := s.lifecycle.Ensure(ctx, gen, false); err != nil {
		return nil, err
	}
	if s.cfg.SkipWaiting() && s.lifecycle.State(gen.Version) == StateWaiting {
		return s.dispatcher.Dispatch(ctx, Event{Kind: EventActivate})
	}
	return gen, nil
}

// activate promotes the waiting generation and then fills its dynamic cache
// from the configured sitemaps.
func (s *Service) activate(ctx context.Context) (Generation, error) {
	gen, err := s.lifecycle.Activate(ctx)
	if err != nil {
		return Generation{}, err
	}
	if len(s.cfg.Lifecycle.PrecacheSitemaps) > 0 {
		stored, ignored, err := s.precacheSitemaps(ctx, gen)
		if err != nil {
			s.log.Warn("sitemap precache incomplete", "err", err)
		}
		s.log.Info("sitemap precache", "version", gen.Version, "stored", stored, "ignored", ignored)
	}
	return gen, nil
}

func (s *Service) onSync(ctx context.Context, ev Event) (any, error) {
	if ev.Tag != s.cfg.Sync.Tag {
		return nil, fmt.Errorf("%w: sync tag %q", ErrUnknownEvent, ev.Tag)
	}
	if s.lifecycle.State(s.cfg.Cache.Version) == StateRedundant {
		if _, err := s.onInstall(ctx, ev); err != nil {
			s.log.Warn("install retry failed", "version", s.cfg.Cache.Version, "err", err)
		}
	}
	if s.queue == nil {
		return FlushResult{}, nil
	}
	res, err := s.syncer.Flush(ctx)
	if err == nil && (res.Replayed > 0 || res.Failed > 0) {
		s.log.Info("offline queue flushed", "replayed", res.Replayed, "failed", res.Failed, "pending", res.Pending)
	}
	return res, err
}

func (s *Service) onPeriodicSync(ctx context.Context, ev Event) (any, error) {
	if ev.Tag != s.cfg.Sync.PeriodicTag {
		return nil, fmt.Errorf("%w: periodic sync tag %q", ErrUnknownEvent, ev.Tag)
	}
	res, err := s.syncer.Refresh(ctx)
	if err != nil {
		return res, err
	}
	s.log.Info("dynamic cache refreshed", "updated", res.Updated, "unchanged", res.Unchanged, "failed", res.Failed)
	return res, nil
}

// Handler serves the control endpoints under server.controlPrefix and routes
// everything else through the Router.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Server.ControlPrefix
	if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p+"/") {
		s.control.ServeHTTP(w, r)
		return
	}

	req, err := s.interceptedRequest(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	writeResponse(w, s.router.Handle(r.Context(), req))
}

func (s *Service) interceptedRequest(w http.ResponseWriter, r *http.Request) (*Request, error) {
	var u *url.URL
	if r.URL.IsAbs() {
		// absolute-form request line; only forwarded to server.forwardHosts
		cp := *r.URL
		u = &cp
	} else {
		cp := *s.origin
		cp.Path = r.URL.Path
		cp.RawPath = r.URL.RawPath
		cp.RawQuery = r.URL.RawQuery
		u = &cp
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			return nil, err
		}
		body = b
	}
	return &Request{
		Method:      r.Method,
		URL:         u,
		Header:      cloneHeader(r.Header),
		Body:        body,
		Destination: requestDestination(r.Header),
	}, nil
}

func requestDestination(h http.Header) Destination {
	switch strings.ToLower(strings.TrimSpace(h.Get("Sec-Fetch-Dest"))) {
	case "document", "iframe", "frame":
		return DestinationDocument
	case "empty":
		return DestinationEmpty
	case "":
	default:
		return DestinationAsset
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}
	if strings.Contains(h.Get("Accept"), "text/html") {
		return DestinationDocument
	}
	return DestinationEmpty
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), resp.Outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerOutcome, outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, headerOutcome)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
