package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "reply is %T", v)
	return m
}

func TestMessages_CacheSizeThenClear(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)
	gen, _ := svc.lifecycle.Active()
	svc.router.Handle(ctx, getRequest(o.url("/about"), DestinationDocument))

	reply := replyMap(t, svc.message(ctx, []byte(`{"type":"GET_CACHE_SIZE","id":7}`)))
	assert.Equal(t, "CACHE_SIZE", reply["type"])
	assert.Equal(t, 7.0, reply["id"])
	assert.Equal(t, map[string]int{gen.Static: 3, gen.Dynamic: 1}, reply["data"])

	reply = replyMap(t, svc.message(ctx, []byte(`{"type":"CLEAR_CACHE","id":"abc"}`)))
	assert.Equal(t, "CACHE_CLEARED", reply["type"])
	assert.Equal(t, "abc", reply["id"])

	reply = replyMap(t, svc.message(ctx, []byte(`{"type":"GET_CACHE_SIZE"}`)))
	sizes, ok := reply["data"].(map[string]int)
	require.True(t, ok)
	total := 0
	for _, n := range sizes {
		total += n
	}
	assert.Zero(t, total)
	assert.Zero(t, svc.store.EntryCount())

	// The active generation keeps serving and refills on demand.
	resp := svc.router.Handle(ctx, getRequest(o.url("/app.js"), DestinationAsset))
	assert.Equal(t, outcomeMiss, resp.Outcome)
	resp = svc.router.Handle(ctx, getRequest(o.url("/app.js"), DestinationAsset))
	assert.Equal(t, outcomeHit, resp.Outcome)
}

func TestMessages_Errors(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)

	reply := replyMap(t, svc.message(ctx, []byte(`{"type":"NOPE","id":1}`)))
	assert.Equal(t, "ERROR", reply["type"])
	assert.Equal(t, 1.0, reply["id"])
	assert.Contains(t, reply["error"], ErrUnknownMessage.Error())

	reply = replyMap(t, svc.message(ctx, []byte(`not json`)))
	assert.Equal(t, "ERROR", reply["type"])

	reply = replyMap(t, svc.message(ctx, []byte(`{"type":"SKIP_WAITING"}`)))
	assert.Equal(t, "ERROR", reply["type"], "nothing is waiting")
	assert.Contains(t, reply["error"], ErrNothingWaiting.Error())
}

func TestMessages_NotificationClickAndQueue(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t)
	svc, n := newTestService(t, o, nil)

	reply := replyMap(t, svc.message(ctx, []byte(`{"type":"NOTIFICATION_CLICK","action":"explore","id":2}`)))
	assert.Equal(t, "OPEN_WINDOW", reply["type"])
	assert.Equal(t, "/", reply["url"])
	assert.Equal(t, 2.0, reply["id"])

	reply = replyMap(t, svc.message(ctx, []byte(`{"type":"NOTIFICATION_CLICK","action":"close"}`)))
	assert.Equal(t, "NOTIFICATION_CLOSED", reply["type"])

	n.offline.Store(true)
	svc.router.Handle(ctx, &Request{Method: http.MethodPost, URL: o.url("/api/items"), Header: http.Header{}, Body: []byte("x")})
	reply = replyMap(t, svc.message(ctx, []byte(`{"type":"GET_QUEUE"}`)))
	assert.Equal(t, "QUEUE", reply["type"])
	pending, ok := reply["data"].([]OfflineAction)
	require.True(t, ok)
	require.Len(t, pending, 1)
	assert.Equal(t, "x", string(pending[0].Body))
}

func TestMessages_HTTPEndpoint(t *testing.T) {
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, nil)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/_offline0/message", "application/json", strings.NewReader(`{"type":"GET_CACHE_SIZE"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "CACHE_SIZE", body.Type)
	assert.Equal(t, 3, body.Data["offline0-static-v1"])

	bad, err := http.Post(srv.URL+"/_offline0/message", "application/json", strings.NewReader(`{"type":"NOPE"}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Zero(t, o.Hits("POST /_offline0/message"), "control traffic never reaches the origin")
}

func TestMessages_WebSocketRoundTripAndPush(t *testing.T) {
	o := newTestOrigin(t)
	svc, _ := newTestService(t, o, func(cfg *Config) {
		cfg.Notify.Title = "Shop"
		cfg.Notify.Icon = "/icon.png"
	})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/_offline0/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_CACHE_SIZE","id":"req-1"}`)))
	var sizeReply struct {
		Type string         `json:"type"`
		ID   string         `json:"id"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&sizeReply))
	assert.Equal(t, "CACHE_SIZE", sizeReply.Type)
	assert.Equal(t, "req-1", sizeReply.ID)
	assert.Equal(t, 3, sizeReply.Data["offline0-static-v1"])

	resp, err := http.Post(srv.URL+"/_offline0/push", "text/plain", bytes.NewBufferString("Price drop on your watchlist"))
	require.NoError(t, err)
	var pushed struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pushed))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, pushed.Delivered)

	var note struct {
		Type         string       `json:"type"`
		Notification Notification `json:"notification"`
	}
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, "NOTIFICATION", note.Type)
	assert.Equal(t, "Shop", note.Notification.Title)
	assert.Equal(t, "Price drop on your watchlist", note.Notification.Body)
	assert.Equal(t, "/icon.png", note.Notification.Icon)
	require.Len(t, note.Notification.Actions, 2)
	assert.Equal(t, "explore", note.Notification.Actions[0].Action)
	assert.Equal(t, "close", note.Notification.Actions[1].Action)
	assert.True(t, note.Notification.RequireInteraction)
}

func TestRelay_EmptyPayloadUsesDefaultBody(t *testing.T) {
	r := &Relay{hub: newHub(), title: "t", defaultBody: "New update available", exploreURL: "/", log: discardLogger()}
	n, delivered := r.Push(context.Background(), []byte("  "))
	assert.Equal(t, "New update available", n.Body)
	assert.Zero(t, delivered)
	assert.Equal(t, map[string]any{"type": "NOTIFICATION_CLOSED"}, r.Click(""))
}
