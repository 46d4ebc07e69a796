package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

const sseKeepalive = 30 * time.Second

// replayFrom reads Last-Event-ID or ?after. -1 means live events only.
func replayFrom(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return -1, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid event sequence %q: %w", raw, mywant.ErrInvalidSpec)
	}
	return after, nil
}

// streamEvents serves want change events as server-sent events. Each event
// id is the bus sequence, so reconnecting clients resume with Last-Event-ID.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	after, err := replayFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	consumerID := "sse-" + uuid.NewString()
	sub, err := s.bus.Subscribe(mywant.EventsTopic, consumerID, after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.bus.Unsubscribe(mywant.EventsTopic, consumerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.Chan():
			if !ok {
				return
			}
			ev, err := mywant.DecodeEvent(msg)
			if err != nil {
				s.log.Warn().Err(err).Int64("seq", msg.Sequence).Msg("[SERVER] undecodable event skipped")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Sequence, ev.Type, msg.Payload)
			flusher.Flush()
		}
	}
}
