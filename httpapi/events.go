package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rushilwiz/director4/schema"
)

const sseHeartbeat = 15 * time.Second

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	events, cancel := s.bus.SubscribeAll()
	defer cancel()
	s.streamEvents(w, r, events)
}

func (s *Server) handleSiteEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	siteID := siteParam(r)
	if _, err := s.store.Get(siteID); err != nil {
		writeDomainError(w, err)
		return
	}
	events, cancel := s.bus.Subscribe(siteID)
	defer cancel()
	s.streamEvents(w, r, events)
}

// streamEvents writes state transitions as server-sent events until
// the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan schema.ProcessEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
