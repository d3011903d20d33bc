package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/cmdsink/internal/events"
)

// handleEvents streams hub events as SSE. Last-Event-ID replays what the ring
// still holds. With ?run_id= only that run's events are sent and the stream ends
// after its run.finished event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream := eventStream{w: w, flusher: flusher, runID: r.URL.Query().Get("run_id")}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	stream.lastID = parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(stream.lastID) {
		done, err := stream.send(ev)
		if err != nil || done {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := stream.send(ev)
			if err != nil || done {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	runID   string
	lastID  int64
}

// send writes ev unless it was already sent or belongs to another run. done is
// true once the followed run has finished.
func (s *eventStream) send(ev events.Event) (done bool, err error) {
	if ev.ID <= s.lastID {
		return false, nil
	}
	s.lastID = ev.ID
	if s.runID != "" && eventRunID(ev) != s.runID {
		return false, nil
	}
	if err := writeSSE(s.w, ev); err != nil {
		return false, err
	}
	s.flusher.Flush()
	return s.runID != "" && ev.Type == events.TypeRunFinished, nil
}

func eventRunID(ev events.Event) string {
	var payload struct {
		RunID string `json:"run_id"`
	}
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &payload) != nil {
		return ""
	}
	return payload.RunID
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	if ev.Type != "" {
		_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
		return err
	}
	_, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
	return err
}
