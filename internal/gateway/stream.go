package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dennismeister93/switchboard/internal/store"
)

// handleStream serves replay-then-live event delivery to UI/API clients.
// History and the live subscription come from one atomic actor call, so a
// reconnecting client with fromId set to its last seen id gets every newer
// event exactly once.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	actor, ok := s.Registry.LookupSessionID(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	filter := parseStreamFilter(query)
	history, updates, unsubscribe, err := actor.Subscribe(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logWarn("stream upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	s.logInfo("stream connected", "session_id", sessionID, "replay", len(history))

	for _, ev := range history {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// The read pump only exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// parseStreamFilter builds a conjunctive event filter from query parameters.
// Absent or non-numeric numeric fields mean "no bound"; list fields are
// comma-separated.
func parseStreamFilter(query url.Values) store.Filter {
	var f store.Filter
	if v, err := strconv.ParseInt(query.Get("fromId"), 10, 64); err == nil {
		f.FromID = v
	}
	if v, err := strconv.ParseInt(query.Get("startTime"), 10, 64); err == nil {
		f.StartTime = v
	}
	if v, err := strconv.ParseInt(query.Get("endTime"), 10, 64); err == nil {
		f.EndTime = v
	}
	f.ExecutionIDs = splitCSV(query.Get("executionIds"))
	f.EventTypes = splitCSV(query.Get("eventTypes"))
	return f
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
