package offline0

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postAction(o *testOrigin, body string) OfflineAction {
	return OfflineAction{
		URL:    o.url("/api/items").String(),
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}
}

func TestSyncer_FlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)

	queued, err := svc.queue.Enqueue(ctx, postAction(o, `{"n":1}`))
	require.NoError(t, err)

	pending, err := svc.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queued.ID, pending[0].ID)

	res, err := svc.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Replayed: 1}, res)

	pending, err = svc.PendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{`{"n":1}`}, o.Posts(), "replayed exactly once")

	// A second flush has nothing to send.
	res, err = svc.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Replayed)
	assert.Equal(t, []string{`{"n":1}`}, o.Posts())
}

func TestSyncer_FlushPartialFailure(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)
	o.failPosts.Store(`{"n":2}`, true)

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := svc.queue.Enqueue(ctx, postAction(o, body))
		require.NoError(t, err)
	}

	res, err := svc.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Pending)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], ErrReplayFailed.Error())

	assert.Equal(t, []string{`{"n":1}`, `{"n":3}`}, o.Posts(), "later actions are not blocked by a failure")
	pending, err := svc.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, `{"n":2}`, string(pending[0].Body))

	assert.Equal(t, 2.0, testutil.ToFloat64(svc.metrics.replays.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.replays.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.queueDepth))

	// Once the origin accepts it, the remaining action drains.
	o.failPosts.Delete(`{"n":2}`)
	res, err = svc.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, []string{`{"n":1}`, `{"n":3}`, `{"n":2}`}, o.Posts())
}

func TestSyncer_FlushOfflineKeepsEverything(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, n := newTestService(t, o, nil)

	for _, body := range []string{"a", "b"} {
		_, err := svc.queue.Enqueue(ctx, postAction(o, body))
		require.NoError(t, err)
	}
	n.offline.Store(true)

	res, err := svc.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Replayed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Pending)
}

func TestSyncer_ConcurrentFlushesShareOnePass(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)

	release := make(chan struct{})
	var replays atomic.Int64
	n := newTestNet(o)
	fetch := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method == http.MethodPost {
			replays.Add(1)
			<-release
		}
		return n.Fetch(ctx, req)
	})
	svc, err := NewService(testConfig(t, o.srv.URL, nil), WithFetcher(fetch), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, err = svc.queue.Enqueue(ctx, postAction(o, "only"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]FlushResult, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = svc.syncer.Flush(ctx)
		}()
	}
	require.Eventually(t, func() bool { return replays.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), replays.Load())
	assert.Equal(t, []string{"only"}, o.Posts())
}

func TestSyncer_CancelledCallerLeavesSharedFlushRunning(t *testing.T) {
	o := newTestOrigin(t)

	release := make(chan struct{})
	var replays atomic.Int64
	n := newTestNet(o)
	fetch := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method == http.MethodPost {
			replays.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return n.Fetch(ctx, req)
	})
	svc, err := NewService(testConfig(t, o.srv.URL, nil), WithFetcher(fetch), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, err = svc.queue.Enqueue(context.Background(), postAction(o, "first"))
	require.NoError(t, err)
	_, err = svc.queue.Enqueue(context.Background(), postAction(o, "second"))
	require.NoError(t, err)

	impatient, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.syncer.Flush(impatient)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return replays.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		res FlushResult
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := svc.syncer.Flush(context.Background())
		second <- result{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, FlushResult{Replayed: 2, Pending: 0}, r.res)
	assert.Equal(t, []string{"first", "second"}, o.Posts())
}

func TestSyncer_Refresh(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, n := newTestService(t, o, nil)
	gen, _ := svc.lifecycle.Active()

	items := getRequest(o.url("/api/items"), DestinationEmpty)
	about := getRequest(o.url("/about"), DestinationDocument)
	svc.router.Handle(ctx, items)
	svc.router.Handle(ctx, about)

	o.apiVersion.Store(7)
	res, err := svc.syncer.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Updated: 1, Unchanged: 1}, res)

	ent, _, ok, err := svc.store.Match(ctx, items.CacheKey(), gen.Dynamic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[1,2,3],"version":7}`, string(ent.Body))

	// Failing refreshes keep the last known good entry.
	n.offline.Store(true)
	res, err = svc.syncer.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Failed: 2}, res)

	ent, _, ok, err = svc.store.Match(ctx, items.CacheKey(), gen.Dynamic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[1,2,3],"version":7}`, string(ent.Body))
}

func TestSyncer_RefreshNeedsActiveGeneration(t *testing.T) {
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)

	s := &Syncer{
		store:     svc.store,
		lifecycle: newLifecycle(svc.db, svc.store, svc.fetch, svc.origin, nil, 1, discardLogger(), svc.metrics),
		fetch:     svc.fetch,
		conc:      1,
		log:       discardLogger(),
		metrics:   svc.metrics,
	}
	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveGeneration)
}
