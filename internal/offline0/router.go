package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	headerOutcome = "X-Offline0"

	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeNetwork     = "network"
	outcomeFallback    = "fallback"
	outcomeOffline     = "offline"
	outcomeQueued      = "queued"
	outcomeBypass      = "bypass"
	outcomePassthrough = "passthrough"
	outcomeRefused     = "refused"
)

const offlinePage = `<html><body><h1>Offline</h1><p>This page is currently offline. Please check your internet connection.</p></body></html>`

// Router picks a strategy for each intercepted request and runs it. Handle
// never fails: transport and cache problems become responses.
type Router struct {
	origin *url.URL
	rules  []Rule
	// forwardHosts allows cross-origin requests to these hosts; "*" to any.
	forwardHosts []string
	store        *Store
	lifecycle    *Lifecycle
	fetch        Fetcher
	queue        Queue // nil disables offline queueing
	log          *slog.Logger
	writeLog     *rateLimitedLogger
	metrics      *metrics
	stats        *statsCollector
	// observe is told about every same-origin fetch outcome.
	observe func(error)
}

// Classify computes the routing decision for req without side effects.
func (rt *Router) Classify(req *Request) RoutingDecision {
	d := RoutingDecision{
		SameOrigin: sameOrigin(req.URL, rt.origin),
		ReadOnly:   req.readOnly(),
	}
	if !d.SameOrigin {
		d.Strategy = StrategyPassthrough
		return d
	}

	rule := rt.pickRule(req.URL.Path)
	d.Rule = rule
	switch {
	case rule != nil && rule.Class != "":
		d.Class = rule.Class
	case req.Destination == DestinationDocument:
		d.Class = ClassDocument
	default:
		d.Class = ClassAsset
	}
	if rule != nil {
		d.QueueOffline = rule.QueueOffline
	}

	switch {
	case !d.ReadOnly:
		d.Strategy = StrategyNetworkOnly
	case rule != nil && (rule.Bypass || hasAnyCookie(req.Header, rule.BypassWhenCookies)):
		d.Strategy = StrategyNetworkOnly
	case d.Class == ClassAPI:
		d.Strategy = StrategyNetworkFirst
	default:
		d.Strategy = StrategyCacheFirst
	}
	return d
}

func (rt *Router) pickRule(path string) *Rule {
	for i := range rt.rules {
		r := &rt.rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range (&http.Request{Header: h}).Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (rt *Router) Handle(ctx context.Context, req *Request) *Response {
	d := rt.Classify(req)

	var resp *Response
	if d.Strategy == StrategyPassthrough {
		resp = rt.passthrough(ctx, req)
	} else {
		gen, release := rt.lifecycle.Acquire()
		switch {
		case gen == nil || d.Strategy == StrategyNetworkOnly:
			resp = rt.networkOnly(ctx, req, d)
		case d.Strategy == StrategyNetworkFirst:
			resp = rt.networkFirst(ctx, req, gen)
		default:
			resp = rt.cacheFirst(ctx, req, gen)
		}
		release()
	}

	rt.metrics.requests.WithLabelValues(string(d.Strategy), resp.Outcome).Inc()
	if rt.stats != nil && (resp.Outcome == outcomeHit || resp.Outcome == outcomeMiss) {
		rt.stats.Observe(len(resp.Body))
	}
	if req.Method == http.MethodHead {
		resp.Body = nil
	}
	return resp
}

func (rt *Router) passthrough(ctx context.Context, req *Request) *Response {
	if !rt.forwardable(req.URL) {
		rt.log.Debug("refused cross-origin request", "host", req.URL.Host, "method", req.Method)
		h := make(http.Header)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{Status: http.StatusForbidden, Header: h, Body: []byte("forwarding not allowed\n"), Outcome: outcomeRefused}
	}
	resp, err := rt.fetch.Fetch(ctx, req)
	if err != nil {
		h := make(http.Header)
		h.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{Status: http.StatusBadGateway, Header: h, Body: []byte("bad gateway\n"), Outcome: outcomePassthrough}
	}
	resp.Type = ResponseOpaque
	resp.Outcome = outcomePassthrough
	return resp
}

func (rt *Router) forwardable(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	hostPort := strings.ToLower(u.Host)
	for _, h := range rt.forwardHosts {
		if h == "*" || h == host || h == hostPort {
			return true
		}
	}
	return false
}

func (rt *Router) fetchOrigin(ctx context.Context, req *Request) (*Response, error) {
	resp, err := rt.fetch.Fetch(ctx, req)
	if rt.observe != nil {
		rt.observe(err)
	}
	return resp, err
}

func (rt *Router) networkOnly(ctx context.Context, req *Request, d RoutingDecision) *Response {
	resp, err := rt.fetchOrigin(ctx, req)
	if err == nil {
		resp.Outcome = outcomeBypass
		return resp
	}
	if !d.ReadOnly && d.QueueOffline && rt.queue != nil && errors.Is(err, ErrNetworkUnavailable) {
		return rt.enqueue(ctx, req)
	}
	return rt.offlineResponse(req, d.Class)
}

func (rt *Router) enqueue(ctx context.Context, req *Request) *Response {
	a, err := rt.queue.Enqueue(context.WithoutCancel(ctx), OfflineAction{
		URL:    req.URL.String(),
		Method: req.Method,
		Header: cloneHeader(req.Header),
		Body:   append([]byte(nil), req.Body...),
	})
	body := map[string]any{
		"error":   "Offline",
		"message": "Request queued for replay when back online",
		"queued":  err == nil,
	}
	outcome := outcomeQueued
	if err != nil {
		rt.log.Error("enqueue offline action", "url", req.URL.String(), "method", req.Method, "err", err)
		rt.metrics.enqueued.WithLabelValues("error").Inc()
		body["message"] = "Request could not be queued"
		body["detail"] = err.Error()
		outcome = outcomeOffline
	} else {
		rt.log.Info("queued offline action", "id", a.ID, "method", a.Method, "url", a.URL)
		rt.metrics.enqueued.WithLabelValues("ok").Inc()
		rt.metrics.queueDepth.Inc()
		body["actionId"] = a.ID
	}
	return jsonResponse(http.StatusServiceUnavailable, body, outcome)
}

// networkFirst serves API data: live response when reachable, cached copy
// otherwise, then a structured offline answer.
func (rt *Router) networkFirst(ctx context.Context, req *Request, gen *Generation) *Response {
	resp, err := rt.fetchOrigin(ctx, req)
	if err == nil {
		if resp.OK() && req.Method == http.MethodGet && storable(resp) {
			rt.cacheWrite(ctx, gen.Dynamic, req, resp.Clone())
		}
		resp.Outcome = outcomeNetwork
		return resp
	}
	if ctx.Err() != nil {
		return rt.offlineResponse(req, ClassAPI)
	}

	ent, _, ok, merr := rt.store.Match(ctx, req.CacheKey(), gen.Dynamic, gen.Static)
	if merr != nil {
		rt.log.Warn("cache lookup failed", "key", req.CacheKey(), "err", merr)
	}
	if ok {
		out := ent.Response()
		out.Outcome = outcomeFallback
		return out
	}
	return rt.offlineResponse(req, ClassAPI)
}

// cacheFirst serves documents and assets from the cache when present and
// fills the dynamic cache on a miss.
func (rt *Router) cacheFirst(ctx context.Context, req *Request, gen *Generation) *Response {
	ent, _, ok, err := rt.store.Match(ctx, req.CacheKey(), gen.Static, gen.Dynamic)
	if err != nil {
		rt.log.Warn("cache lookup failed", "key", req.CacheKey(), "err", err)
	}
	if ok {
		out := ent.Response()
		out.Outcome = outcomeHit
		return out
	}

	resp, err := rt.fetchOrigin(ctx, req)
	if err == nil {
		if resp.OK() && resp.Type == ResponseBasic && req.Method == http.MethodGet && storable(resp) {
			rt.cacheWrite(ctx, gen.Dynamic, req, resp.Clone())
		}
		resp.Outcome = outcomeMiss
		return resp
	}

	if req.Destination == DestinationDocument {
		shell := &Request{Method: http.MethodGet, URL: rt.origin.ResolveReference(&url.URL{Path: "/"})}
		ent, _, ok, _ := rt.store.Match(context.WithoutCancel(ctx), shell.CacheKey(), gen.Static, gen.Dynamic)
		if ok {
			out := ent.Response()
			out.Outcome = outcomeFallback
			return out
		}
	}
	return rt.offlineResponse(req, ClassAsset)
}

// storable reports whether resp may be shared with other clients through the
// cache. Responses that set cookies or opt out via Cache-Control are
// per-client and are only ever served live.
func storable(resp *Response) bool {
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if i := strings.IndexByte(d, '='); i >= 0 {
				d = strings.TrimSpace(d[:i])
			}
			switch d {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	return true
}

// cacheWrite stores resp best-effort. Failures are logged and counted, never
// returned: the caller already has its response.
func (rt *Router) cacheWrite(ctx context.Context, name string, req *Request, resp *Response) {
	ctx = context.WithoutCancel(ctx)
	c, err := rt.store.Open(ctx, name)
	if err == nil {
		err = c.Put(ctx, req.CacheKey(), newEntry(req, resp))
	}
	if err == nil {
		return
	}
	reason := "io"
	if errors.Is(err, ErrQuotaExceeded) {
		reason = "quota"
	}
	rt.metrics.cacheWriteErr.WithLabelValues(reason).Inc()
	rt.writeLog.Warn("cache write skipped", "cache", name, "key", req.CacheKey(), "reason", reason, "err", err)
}

// offlineResponse is what callers get when neither network nor cache can
// answer. It is always marked offline so it cannot be mistaken for an origin
// error.
func (rt *Router) offlineResponse(req *Request, class Class) *Response {
	switch {
	case class == ClassAPI || !req.readOnly():
		return jsonResponse(http.StatusServiceUnavailable, map[string]any{
			"error":   "Offline",
			"message": "Content not available offline",
		}, outcomeOffline)
	case req.Destination == DestinationDocument:
		h := make(http.Header)
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Cache-Control", "no-store")
		return &Response{
			Status:  http.StatusServiceUnavailable,
			Header:  h,
			Body:    []byte(offlinePage),
			Outcome: outcomeOffline,
		}
	default:
		return &Response{
			Status:  http.StatusNotFound,
			Header:  make(http.Header),
			Outcome: outcomeOffline,
		}
	}
}

func jsonResponse(status int, v any, outcome string) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"error":"Offline"}`)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return &Response{Status: status, Header: h, Body: b, Outcome: outcome}
}
