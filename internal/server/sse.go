package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/logger"
	"github.com/Corvid-Labs/fixstream/internal/run"
)

// terminalEvent reports whether an event ends its run's stream.
func terminalEvent(eventType string) bool {
	return eventType == run.EventComplete || eventType == run.EventError
}

// runEventsHandler streams a run's event log over SSE: the full replay
// first, then live events as they arrive, with heartbeat frames to keep
// idle connections alive. The stream closes after a complete or error
// frame (replayed or live), when the client goes away, or when the
// observer is dropped for falling behind.
func (s *Server) runEventsHandler(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// Attach before writing any frame so an unknown run gets a plain 404.
	replay, obs, err := s.reg.Attach(runID)
	if err != nil {
		s.respondWithError(w, http.StatusNotFound, "run not found")
		return
	}
	defer s.reg.Detach(runID, obs)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	log := logger.WithFields(map[string]interface{}{
		"run_id": runID,
		"client": r.RemoteAddr,
	})

	writeFrame := func(event run.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, event := range replay {
		if err := writeFrame(event); err != nil {
			log.Debugf("client disconnected during replay: %v", err)
			return
		}
		if terminalEvent(event.Type) {
			return
		}
	}

	interval := s.cfg.Server.SSEHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-obs.C:
			if !open {
				// Dropped for falling behind, or the run was evicted.
				log.Debug("observer closed, ending stream")
				return
			}
			if err := writeFrame(event); err != nil {
				log.Debugf("client disconnected during write: %v", err)
				return
			}
			if terminalEvent(event.Type) {
				return
			}

		case <-heartbeat.C:
			frame := run.Event{Type: run.EventHeartbeat, Timestamp: time.Now().UTC()}
			if err := writeFrame(frame); err != nil {
				log.Debugf("client disconnected during heartbeat: %v", err)
				return
			}

		case <-r.Context().Done():
			log.Debug("SSE client disconnected")
			return
		}
	}
}
