package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/progress"
)

// SSE event names
const (
	eventProgress = "progress"
	eventComplete = "complete"
	eventError    = "error"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent(eventError, map[string]string{"error": message}) //nolint:errcheck
}

// WriteComplete sends the final snapshot of a project
func (s *SSEWriter) WriteComplete(snap *progress.Snapshot) {
	s.WriteEvent(eventComplete, map[string]any{ //nolint:errcheck
		"project_id":     snap.ProjectID,
		"project_status": snap.ProjectStatus,
		"total_progress": snap.TotalProgress,
	})
}

// handleProgressStream handles GET /projects/{project_id}/progress/stream.
// A progress event is sent whenever the snapshot changes. The stream ends with
// complete once no step is pending or in progress.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()

	// Resolve the project before committing to a stream so 404s stay JSON
	snap, err := s.progress.GetProgress(ctx, projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		fingerprint, err := json.Marshal(snap)
		if err != nil {
			sse.WriteError(err.Error())
			return
		}
		if string(fingerprint) != string(last) {
			if err := sse.WriteEvent(eventProgress, snap); err != nil {
				return
			}
			last = fingerprint
		}
		if settled(snap) {
			sse.WriteComplete(snap)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err = s.progress.GetProgress(ctx, projectID)
		if err != nil {
			if ctx.Err() == nil {
				sse.WriteError(err.Error())
			}
			return
		}
	}
}

// settled reports whether no step of the snapshot can still change on its own
func settled(snap *progress.Snapshot) bool {
	for _, row := range snap.Steps {
		if !db.IsTerminalStatus(row.Status) {
			return false
		}
	}
	return true
}
