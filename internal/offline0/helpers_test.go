package offline0

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// testOrigin is a first-party origin with a small shell, static assets and a
// JSON API. Every request is counted per "METHOD path".
type testOrigin struct {
	srv *httptest.Server

	mu    sync.Mutex
	hits  map[string]int
	posts []string

	apiVersion atomic.Int64
	// failPosts makes POSTs whose body matches answer 500.
	failPosts sync.Map
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>shell</body></html>")
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = io.WriteString(w, "console.log('app')")
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>about</body></html>")
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store, private")
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s-" + fmt.Sprint(o.Hits("GET /account"))})
		_, _ = io.WriteString(w, "<html><body>your account</body></html>")
	})
	mux.HandleFunc("/welcome", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.SetCookie(w, &http.Cookie{Name: "visitor", Value: "v1"})
		_, _ = io.WriteString(w, "<html><body>welcome</body></html>")
	})
	mux.HandleFunc("/error.js", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /api/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Api-Version", fmt.Sprint(o.apiVersion.Load()))
		_, _ = fmt.Fprintf(w, `{"items":[1,2,3],"version":%d}`, o.apiVersion.Load())
	})
	mux.HandleFunc("POST /api/items", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if _, fail := o.failPosts.Load(string(b)); fail {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		o.mu.Lock()
		o.posts = append(o.posts, string(b))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/sitemap-pages.xml.gz</loc></sitemap>
</sitemapindex>`, o.srv.URL)
	})
	mux.HandleFunc("/sitemap-pages.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>/about</loc></url>
  <url><loc>/app.js</loc></url>
  <url><loc>/missing</loc></url>
  <url><loc>https://elsewhere.example/page</loc></url>
</urlset>`)
		_ = zw.Close()
	})

	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		o.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) URL() *url.URL {
	u, _ := url.Parse(o.srv.URL)
	return u
}

func (o *testOrigin) url(path string) *url.URL {
	return o.URL().ResolveReference(&url.URL{Path: path})
}

func (o *testOrigin) Hits(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *testOrigin) Posts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.posts...)
}

// testNet sits between the service and the origin and can simulate losing
// connectivity.
type testNet struct {
	inner   Fetcher
	offline atomic.Bool
	calls   atomic.Int64
}

func newTestNet(o *testOrigin) *testNet {
	return &testNet{inner: NewHTTPFetcher(o.srv.Client(), o.URL())}
}

func (n *testNet) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, fmt.Errorf("%w: dial tcp %s: connect: connection refused", ErrNetworkUnavailable, req.URL.Host)
	}
	return n.inner.Fetch(ctx, req)
}

func testConfig(t *testing.T, origin string, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Disk.Path = ""
	cfg.Server.Origin = origin
	cfg.Lifecycle.Manifest = []string{"/", "/app.js", "/style.css"}
	cfg.Sync.ProbeEvery = "0"
	cfg.Sync.PeriodicSchedule = ""
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.compile())
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, o *testOrigin, mutate func(*Config)) (*Service, *testNet) {
	t.Helper()
	n := newTestNet(o)
	svc, err := NewService(testConfig(t, o.srv.URL, mutate), WithFetcher(n), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, n
}

func getRequest(u *url.URL, dest Destination) *Request {
	h := make(http.Header)
	if dest == DestinationDocument {
		h.Set("Accept", "text/html")
	}
	return &Request{Method: http.MethodGet, URL: u, Header: h, Destination: dest}
}

func boolPtr(b bool) *bool { return &b }
