package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dennismeister93/switchboard/internal/session"
)

// ingestFrame is the wire shape wrappers send on /ingest.
type ingestFrame struct {
	StreamEventType string          `json:"streamEventType"`
	Data            json.RawMessage `json:"data"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// handleIngest accepts a wrapper's event stream. The token is verified
// against the execution before any frame is processed; a mismatch closes the
// connection without logging an event. Malformed frames are dropped and the
// stream stays up. Storage failures tear the connection down so the wrapper
// never gets an implicit acknowledgment for a lost event.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("executionId")
	token := r.URL.Query().Get("token")
	if executionID == "" {
		http.Error(w, "missing executionId", http.StatusBadRequest)
		return
	}

	actor, ok := s.Registry.LookupExecution(executionID)
	if !ok {
		http.Error(w, "unknown execution", http.StatusNotFound)
		return
	}
	if err := actor.HandleIngestOpen(executionID, token); err != nil {
		if errors.Is(err, session.ErrIngestTokenMismatch) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logWarn("ingest upgrade failed", "execution_id", executionID, "error", err)
		return
	}
	defer conn.Close()
	s.logInfo("ingest connected", "session_id", actor.SessionID, "execution_id", executionID)

	// The read loop blocks, so a permanently silent wrapper would never reach
	// an in-loop check. The timer fires on wall clock regardless.
	if s.IngestSoftTimeout > 0 {
		watchdog := time.AfterFunc(s.IngestSoftTimeout, func() {
			s.logWarn("ingest connection outlived soft threshold",
				"session_id", actor.SessionID, "execution_id", executionID, "threshold", s.IngestSoftTimeout)
		})
		defer watchdog.Stop()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logInfo("ingest disconnected", "execution_id", executionID, "error", err)
			return
		}

		var frame ingestFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.StreamEventType == "" {
			// Transient malformed frames must not kill the stream.
			s.logWarn("dropping malformed ingest frame", "execution_id", executionID, "error", err)
			continue
		}

		err = actor.HandleIngestEvent(r.Context(), executionID, frame.StreamEventType, frame.Data, parseFrameTimestamp(frame.Timestamp))
		if err != nil {
			s.logWarn("ingest event rejected, closing connection",
				"execution_id", executionID, "stream_event_type", frame.StreamEventType, "error", err)
			return
		}
	}
}

// parseFrameTimestamp converts the wrapper's RFC 3339 timestamp to unix
// milliseconds; absent or unparseable values fall back to receive time.
func parseFrameTimestamp(raw string) int64 {
	if raw == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	return ts.UTC().UnixMilli()
}
