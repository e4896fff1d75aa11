package offline0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/sync/errgroup"
)

const keyActive = "meta:active"

// Generation is one cache version: a static and a dynamic cache name.
// Versions are compared by exact name only.
type Generation struct {
	Version string
	Static  string
	Dynamic string
}

func NewGeneration(prefix, version string) Generation {
	return Generation{
		Version: version,
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
	}
}

func (g Generation) owns(name string) bool { return name == g.Static || name == g.Dynamic }

type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateWaiting    LifecycleState = "waiting"
	StateActive     LifecycleState = "active"
	StateSuperseded LifecycleState = "superseded"
	// StateRedundant marks a generation whose install failed.
	StateRedundant LifecycleState = "redundant"
)

type activeRecord struct {
	Gen         Generation
	ActivatedAt int64
}

// pin counts the requests still using one generation. Once the generation is
// retired, drained closes when the last of them releases it.
type pin struct {
	gen     Generation
	refs    int
	retired bool
	drained chan struct{}
}

func newPin(g Generation) *pin { return &pin{gen: g, drained: make(chan struct{})} }

// Lifecycle moves cache generations through install and activation and
// decides which generation serves requests.
type Lifecycle struct {
	db       *leveldb.DB
	store    *Store
	fetch    Fetcher
	origin   *url.URL
	manifest []string
	conc     int
	log      *slog.Logger
	metrics  *metrics

	// activating serializes Activate calls.
	activating sync.Mutex

	mu      sync.Mutex
	active  *pin
	waiting *Generation
	states  map[string]LifecycleState
}

func newLifecycle(db *leveldb.DB, store *Store, fetch Fetcher, origin *url.URL, manifest []string, conc int, log *slog.Logger, m *metrics) *Lifecycle {
	if conc <= 0 {
		conc = 8
	}
	return &Lifecycle{
		db:       db,
		store:    store,
		fetch:    fetch,
		origin:   origin,
		manifest: manifest,
		conc:     conc,
		log:      log,
		metrics:  m,
		states:   map[string]LifecycleState{},
	}
}

// Restore loads the generation that was active before the last shutdown.
func (l *Lifecycle) Restore() (Generation, bool, error) {
	b, err := l.db.Get([]byte(keyActive), nil)
	if err == leveldb.ErrNotFound {
		return Generation{}, false, nil
	}
	if err != nil {
		return Generation{}, false, err
	}
	var rec activeRecord
	if err := decodeGob(b, &rec); err != nil {
		return Generation{}, false, fmt.Errorf("decode active record: %w", err)
	}
	l.mu.Lock()
	l.active = newPin(rec.Gen)
	l.states[rec.Gen.Version] = StateActive
	l.mu.Unlock()
	return rec.Gen, true, nil
}

// Acquire pins the active generation until release is called. gen is nil
// when nothing has been activated yet. Caches of a pinned generation are not
// deleted while the pin is held.
func (l *Lifecycle) Acquire() (gen *Generation, release func()) {
	l.mu.Lock()
	p := l.active
	if p == nil {
		l.mu.Unlock()
		return nil, func() {}
	}
	p.refs++
	l.mu.Unlock()

	g := p.gen
	var once sync.Once
	return &g, func() { once.Do(func() { l.unpin(p) }) }
}

func (l *Lifecycle) unpin(p *pin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p.refs--
	if p.retired && p.refs == 0 {
		close(p.drained)
	}
}

func (l *Lifecycle) Active() (Generation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return Generation{}, false
	}
	return l.active.gen, true
}

func (l *Lifecycle) State(version string) LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[version]
}

func (l *Lifecycle) setState(version string, st LifecycleState) {
	l.mu.Lock()
	l.states[version] = st
	l.mu.Unlock()
}

// Ensure brings gen into control: it is a no-op when gen is already active,
// otherwise it installs gen and, with skipWaiting, activates it.
func (l *Lifecycle) Ensure(ctx context.Context, gen Generation, skipWaiting bool) (activated bool, err error) {
	if cur, ok := l.Active(); ok && cur == gen {
		return false, nil
	}
	if err := l.Install(ctx, gen); err != nil {
		return false, err
	}
	if !skipWaiting {
		return false, nil
	}
	if _, err := l.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Install fetches every manifest asset and stores them into gen's static
// cache in one batch. Any failure leaves nothing behind and the previously
// active generation in control.
func (l *Lifecycle) Install(ctx context.Context, gen Generation) error {
	l.setState(gen.Version, StateInstalling)
	l.log.Info("installing cache generation", "version", gen.Version, "assets", len(l.manifest))

	items, err := l.fetchManifest(ctx)
	if err == nil {
		var c *Cache
		c, err = l.store.Open(ctx, gen.Static)
		if err == nil {
			err = c.PutAll(ctx, items)
		}
	}
	if err != nil {
		if _, derr := l.store.DeleteCache(context.WithoutCancel(ctx), gen.Static); derr != nil {
			l.log.Warn("drop partial static cache", "cache", gen.Static, "err", derr)
		}
		l.setState(gen.Version, StateRedundant)
		l.metrics.installs.WithLabelValues("failed").Inc()
		l.log.Error("install failed", "version", gen.Version, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrInstallIncomplete, gen.Version, err)
	}

	l.mu.Lock()
	g := gen
	l.waiting = &g
	l.states[gen.Version] = StateWaiting
	l.mu.Unlock()
	l.metrics.installs.WithLabelValues("ok").Inc()
	l.log.Info("install complete", "version", gen.Version, "cache", gen.Static)
	return nil
}

func (l *Lifecycle) fetchManifest(ctx context.Context) ([]CacheItem, error) {
	items := make([]CacheItem, len(l.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.conc)
	for i, raw := range l.manifest {
		g.Go(func() error {
			u, err := l.resolve(raw)
			if err != nil {
				return fmt.Errorf("manifest %q: %w", raw, err)
			}
			req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
			resp, err := l.fetch.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: status %d", u, resp.Status)
			}
			items[i] = CacheItem{Key: req.CacheKey(), Entry: newEntry(req, resp)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (l *Lifecycle) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return l.origin.ResolveReference(u), nil
}

// Activate promotes the waiting generation. New requests are served from it
// at once; requests that pinned the previous generation finish on it, and
// every cache the new generation does not own is deleted once they are done.
func (l *Lifecycle) Activate(ctx context.Context) (Generation, error) {
	l.activating.Lock()
	defer l.activating.Unlock()

	l.mu.Lock()
	w := l.waiting
	l.mu.Unlock()
	if w == nil {
		return Generation{}, ErrNothingWaiting
	}
	next := *w

	b, err := encodeGob(activeRecord{Gen: next, ActivatedAt: time.Now().UnixNano()})
	if err != nil {
		return Generation{}, err
	}
	if err := l.db.Put([]byte(keyActive), b, nil); err != nil {
		return Generation{}, err
	}

	l.mu.Lock()
	prev := l.active
	l.active = newPin(next)
	if l.waiting != nil && *l.waiting == next {
		l.waiting = nil
	}
	if prev != nil {
		if prev.gen.Version != next.Version {
			l.states[prev.gen.Version] = StateSuperseded
		}
		prev.retired = true
		if prev.refs == 0 {
			close(prev.drained)
		}
	}
	l.states[next.Version] = StateActive
	l.mu.Unlock()
	l.log.Info("activated cache generation", "version", next.Version)

	if prev != nil {
		<-prev.drained
	}

	// The switch has happened; cleanup must not be abandoned half way.
	ctx = context.WithoutCancel(ctx)
	names, err := l.store.Names(ctx)
	if err != nil {
		return next, err
	}
	for _, name := range names {
		if next.owns(name) {
			continue
		}
		if _, err := l.store.DeleteCache(ctx, name); err != nil {
			return next, fmt.Errorf("delete cache %s: %w", name, err)
		}
		l.log.Info("deleted old cache", "cache", name)
	}
	return next, nil
}

// ClearAll deletes every cache. The active generation stays active; its
// caches are recreated on the next write.
func (l *Lifecycle) ClearAll(ctx context.Context) error {
	names, err := l.store.Names(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if _, err := l.store.DeleteCache(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func newEntry(req *Request, resp *Response) CacheEntry {
	rh := make(http.Header)
	for _, k := range []string{"Accept", "Accept-Language"} {
		if v := req.Header.Values(k); len(v) > 0 {
			rh[k] = append([]string(nil), v...)
		}
	}
	h := cloneHeader(resp.Header)
	h.Del(headerOutcome)
	h.Del("Set-Cookie")
	return CacheEntry{
		Method:    http.MethodGet,
		URL:       req.URL.String(),
		ReqHeader: rh,
		Status:    resp.Status,
		Header:    h,
		Body:      append([]byte(nil), resp.Body...),
		Type:      resp.Type,
		StoredAt:  time.Now().UnixNano(),
		Hash:      hashBody(resp.Body),
	}
}
