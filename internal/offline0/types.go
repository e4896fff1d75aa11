package offline0

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CacheEntry is a stored response snapshot together with the request it was
// stored for. Entries are written whole; readers never see a partial one.
type CacheEntry struct {
	Method string
	URL    string
	// Only the negotiation headers needed to reissue the request on refresh.
	ReqHeader http.Header

	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType

	StoredAt int64 // unix nanoseconds
	Hash     uint64
}

// Response returns an independent copy of the stored snapshot.
func (e CacheEntry) Response() *Response {
	return &Response{
		Status: e.Status,
		Header: cloneHeader(e.Header),
		Body:   append([]byte(nil), e.Body...),
		Type:   e.Type,
		URL:    e.URL,
	}
}

type ResponseType string

const (
	// ResponseBasic is a same-origin response.
	ResponseBasic ResponseType = "basic"
	// ResponseCORS is a response that ended on another origin.
	ResponseCORS ResponseType = "cors"
	// ResponseOpaque is produced for passthrough traffic we never inspect.
	ResponseOpaque ResponseType = "opaque"
)

type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationAsset    Destination = "asset"
	DestinationEmpty    Destination = ""
)

// Request is an intercepted outbound request. Body is fully buffered so it
// can be replayed or queued.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
}

func (r *Request) readOnly() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// CacheKey canonicalizes the request to "METHOD URL". HEAD shares the GET key.
func (r *Request) CacheKey() string {
	m := r.Method
	if m == http.MethodHead {
		m = http.MethodGet
	}
	return cacheKey(m, r.URL.String())
}

func cacheKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

// Response is a fully read origin (or synthesized) response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string

	// Outcome is reported to the client in X-Offline0.
	Outcome string
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy. A response that is both cached and returned
// must be cloned at the branch point so each side owns its own body.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// OfflineAction is a mutating request that could not reach the origin.
type OfflineAction struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (a OfflineAction) request() (*Request, error) {
	u, err := url.Parse(a.URL)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: a.Method,
		URL:    u,
		Header: cloneHeader(a.Header),
		Body:   append([]byte(nil), a.Body...),
	}, nil
}

type Class string

const (
	ClassAPI      Class = "api"
	ClassDocument Class = "document"
	ClassAsset    Class = "asset"
)

type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyNetworkOnly  Strategy = "network-only"
	StrategyPassthrough  Strategy = "passthrough"
)

// RoutingDecision is computed per request and never persisted.
type RoutingDecision struct {
	SameOrigin   bool
	ReadOnly     bool
	Class        Class
	Strategy     Strategy
	QueueOffline bool
	Rule         *Rule
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
