package offline0

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// Message types accepted from host pages.
const (
	MsgGetCacheSize      = "GET_CACHE_SIZE"
	MsgClearCache        = "CLEAR_CACHE"
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgNotificationClick = "NOTIFICATION_CLICK"
	MsgGetQueue          = "GET_QUEUE"
)

// handleMessage answers one request message. The reply echoes the request id
// so clients can correlate replies on a shared channel.
func (s *Service) handleMessage(ctx context.Context, data []byte) (map[string]any, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrUnknownMessage)
	}
	typ := gjson.GetBytes(data, "type").String()

	var (
		reply map[string]any
		err   error
	)
	switch typ {
	case MsgGetCacheSize:
		var sizes map[string]int
		sizes, err = s.CacheSizes(ctx)
		reply = map[string]any{"type": "CACHE_SIZE", "data": sizes}
	case MsgClearCache:
		err = s.lifecycle.ClearAll(ctx)
		reply = map[string]any{"type": "CACHE_CLEARED"}
	case MsgSkipWaiting:
		var gen Generation
		gen, err = s.activate(ctx)
		reply = map[string]any{"type": "ACTIVATED", "version": gen.Version}
	case MsgNotificationClick:
		var v any
		v, err = s.dispatcher.Dispatch(ctx, Event{
			Kind:   EventNotificationClick,
			Action: gjson.GetBytes(data, "action").String(),
		})
		reply, _ = v.(map[string]any)
	case MsgGetQueue:
		var pending []OfflineAction
		pending, err = s.PendingActions(ctx)
		reply = map[string]any{"type": "QUEUE", "data": pending}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
	}
	if err != nil {
		return nil, err
	}
	if id := gjson.GetBytes(data, "id"); id.Exists() {
		reply["id"] = id.Value()
	}
	return reply, nil
}

// CacheSizes maps every cache name to its entry count.
func (s *Service) CacheSizes(ctx context.Context) (map[string]int, error) {
	names, err := s.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		n, err := s.store.Len(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func (s *Service) PendingActions(ctx context.Context) ([]OfflineAction, error) {
	out := []OfflineAction{}
	if s.queue == nil {
		return out, nil
	}
	for a, err := range s.queue.Pending(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func errorReply(data []byte, err error) map[string]any {
	reply := map[string]any{"type": "ERROR", "error": err.Error()}
	if id := gjson.GetBytes(data, "id"); id.Exists() {
		reply["id"] = id.Value()
	}
	return reply
}
