package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/number0/blueocean-plugin/internal/events"
)

// handleEvents streams run lifecycle events as SSE. Last-Event-ID resumes
// from the hub's ring buffer; ?run=<id> limits the stream to one run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	runID := r.URL.Query().Get("run")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.events.Subscribe(runID)
	defer cancel()

	stream := &sseStream{w: w, lastID: parseLastEventID(r.Header.Get("Last-Event-ID"))}
	for _, ev := range s.events.SnapshotSince(stream.lastID, runID) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseStream writes events at most once each, in increasing ID order.
type sseStream struct {
	w      io.Writer
	lastID int64
}

func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	if err := writeSSE(s.w, ev); err != nil {
		return err
	}
	s.lastID = ev.ID
	return nil
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w io.Writer, ev events.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
