package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/brianjlehnen/dockmaster/internal/engine"
)

// handleSSE handles GET /events.
//
// On connect it replays the event log from seq 0 (or Last-Event-ID for
// reconnection), then streams new events as they arrive. The stream
// stays open until the client disconnects. A ?type= query parameter
// narrows the stream to a comma-separated set of event types, e.g.
// ?type=drift.detected,pass.completed.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Support reconnection: resume from the last event the client saw.
	var fromSeq uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			fromSeq = seq
		}
	}

	var filter func(engine.Event) bool
	if types := r.URL.Query().Get("type"); types != "" {
		want := map[engine.EventType]bool{}
		for _, t := range strings.Split(types, ",") {
			want[engine.EventType(strings.TrimSpace(t))] = true
		}
		filter = func(e engine.Event) bool { return want[e.Type] }
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.engine.Log().Subscribe(r.Context(), fromSeq, filter)
	for event := range ch {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			return // client disconnected
		}
	}
}

// writeSSEEvent formats and flushes a single SSE frame.
//
// Format:
//
//	id: <seq>
//	event: <type>
//	data: <json>
//	(blank line)
//
// The id field maps directly to Last-Event-ID, enabling reconnection
// without replaying events the client has already seen.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
		event.Seq, event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
