package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher performs a request against the network. Transport failures are
// reported as ErrNetworkUnavailable; HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

type httpFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher returns a Fetcher backed by client. Responses whose final URL
// is on origin are typed basic, the rest cors.
func NewHTTPFetcher(client *http.Client, origin *url.URL) Fetcher {
	return &httpFetcher{client: client, origin: origin}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkUnavailable, err)
	}

	final := r.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	typ := ResponseCORS
	if sameOrigin(final, f.origin) {
		typ = ResponseBasic
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, k := range hopHeaders {
		h.Del(k)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: h,
		Body:   b,
		Type:   typ,
		URL:    final.String(),
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

// sameOrigin compares scheme, host and effective port.
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}
