package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxControlBody = 64 << 10

func (s *Service) controlMux() http.Handler {
	p := s.cfg.Server.ControlPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p+"/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(w, r, s.hub, s.log, func(ctx context.Context, data []byte) any {
			return s.message(ctx, data)
		})
	})
	mux.HandleFunc("POST "+p+"/message", s.handleMessageHTTP)
	mux.HandleFunc("POST "+p+"/push", s.handlePush)
	mux.HandleFunc("POST "+p+"/sync/{tag}", s.handleSync)
	mux.Handle("GET "+p+"/metrics", s.metrics.handler())
	mux.HandleFunc("GET "+p+"/healthz", s.handleHealth)
	return mux
}

// message runs one cross-context message through the dispatcher and always
// produces a reply.
func (s *Service) message(ctx context.Context, data []byte) any {
	v, err := s.dispatcher.Dispatch(ctx, Event{Kind: EventMessage, Data: data})
	if err != nil {
		return errorReply(data, err)
	}
	return v
}

func (s *Service) handleMessageHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reply := s.message(r.Context(), data)
	status := http.StatusOK
	if m, ok := reply.(map[string]any); ok && m["type"] == "ERROR" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, reply)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	v, err := s.dispatcher.Dispatch(r.Context(), Event{Kind: EventPush, Data: data})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleSync fires a sync registration by tag, the way the platform would
// after connectivity returns or a periodic timer elapses.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	kind := EventSync
	if tag == s.cfg.Sync.PeriodicTag {
		kind = EventPeriodicSync
	}
	v, err := s.dispatcher.Dispatch(r.Context(), Event{Kind: kind, Tag: tag})
	switch {
	case errors.Is(err, ErrUnknownEvent):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": v})
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"online":  s.conn.Online(),
		"clients": s.hub.len(),
	}
	if gen, ok := s.lifecycle.Active(); ok {
		out["version"] = gen.Version
	}
	out["state"] = s.lifecycle.State(s.cfg.Cache.Version)
	if s.queue != nil {
		if n, err := s.queue.Len(r.Context()); err == nil {
			out["queue"] = n
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
