package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aegiscore/platform/internal/eventbus"
)

// eventsStream handles GET /api/events/stream: a server-sent-events feed of
// every published event, optionally filtered to a type prefix via
// ?type=prefix. Grounded on the Event Bus's Subscribe/Predicate shape;
// gorilla/websocket is wired as the opt-in upgrade path for callers that
// pass ?transport=ws instead of plain SSE.
func (s *Server) eventsStream(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("type")

	if r.URL.Query().Get("transport") == "ws" {
		s.eventsWebsocket(w, r, prefix)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.bus.Subscribe(ctx, uuid.NewString(), eventbus.Predicate{}, eventbus.BestEffort, false,
		func(ctx context.Context, e eventbus.Event) error {
			if prefix != "" && !strings.HasPrefix(e.Type, prefix) {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
	defer s.bus.Unsubscribe(sub.ID)

	<-ctx.Done()
}

func (s *Server) eventsWebsocket(w http.ResponseWriter, r *http.Request, prefix string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.bus.Subscribe(ctx, uuid.NewString(), eventbus.Predicate{}, eventbus.BestEffort, false,
		func(ctx context.Context, e eventbus.Event) error {
			if prefix != "" && !strings.HasPrefix(e.Type, prefix) {
				return nil
			}
			return conn.WriteJSON(e)
		})
	defer s.bus.Unsubscribe(sub.ID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}
