package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheSitemaps walks lifecycle.precacheSitemaps and stores every
// cacheable same-origin page it lists into gen's dynamic cache. Entries that
// are already cached are left alone. Failures only cost coverage. It gives up
// with ErrGenerationSuperseded once gen is no longer the active generation.
func (s *Service) precacheSitemaps(ctx context.Context, gen Generation) (stored, ignored int, _ error) {
	if len(s.cfg.Lifecycle.PrecacheSitemaps) == 0 {
		return 0, 0, nil
	}

	locs, err := s.discoverURLs(ctx)
	if err != nil {
		return 0, 0, err
	}

	// Writes go into gen's dynamic cache only while gen is pinned, so a cache
	// already evicted by a later activation is never recreated.
	pinned, release := s.lifecycle.Acquire()
	defer release()
	if pinned == nil || *pinned != gen {
		return 0, 0, fmt.Errorf("%w: %s", ErrGenerationSuperseded, gen.Version)
	}

	c, err := s.store.Open(ctx, gen.Dynamic)
	if err != nil {
		return 0, 0, err
	}

	var nStored, nIgnored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Sync.Concurrency)
	for _, u := range locs {
		req := &Request{
			Method:      http.MethodGet,
			URL:         u,
			Header:      http.Header{"Accept": []string{"text/html"}},
			Destination: DestinationDocument,
		}
		d := s.router.Classify(req)
		if !d.SameOrigin || d.Strategy == StrategyNetworkOnly || d.Strategy == StrategyPassthrough {
			nIgnored.Add(1)
			continue
		}
		if _, _, ok, _ := s.store.Match(ctx, req.CacheKey(), gen.Static, gen.Dynamic); ok {
			continue
		}
		g.Go(func() error {
			resp, err := s.fetch.Fetch(gctx, req)
			if err != nil || !resp.OK() || resp.Type != ResponseBasic || !storable(resp) {
				nIgnored.Add(1)
				return nil
			}
			if err := c.Put(gctx, req.CacheKey(), newEntry(req, resp)); err != nil {
				s.writeLog.Warn("precache write skipped", "url", u.String(), "err", err)
				nIgnored.Add(1)
				return nil
			}
			nStored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(nStored.Load()), int(nIgnored.Load()), ctx.Err()
}

// discoverURLs fetches the configured sitemaps, following sitemap indexes,
// and returns the page URLs they list.
func (s *Service) discoverURLs(ctx context.Context) ([]*url.URL, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Lifecycle.PrecacheSitemaps))
	for _, sm := range s.cfg.Lifecycle.PrecacheSitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, s.normalizeMaybeRelativeURL(sm))
	}

	var out []*url.URL
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-s.stopCh:
			return out, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			u, err := url.Parse(s.normalizeMaybeRelativeURL(loc))
			if err != nil || loc == "" {
				continue
			}
			u.Fragment = ""
			if _, ok := seenURLs[u.String()]; ok {
				continue
			}
			seenURLs[u.String()] = struct{}{}
			out = append(out, u)
		}
		s.log.Debug("sitemap read", "sitemap", smURL, "urls", len(doc.URLs), "nested", len(doc.Sitemaps))
	}
	return out, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	u, err := url.Parse(sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.fetch.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Servers may send a .gz sitemap with or without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
