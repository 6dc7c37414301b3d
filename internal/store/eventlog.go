package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Event is one normalized stream event as stored in the append-only log.
// IDs are assigned by the log on insert and are strictly increasing per
// database; id order equals insertion order equals causal order within a
// session.
type Event struct {
	ID          int64  `json:"id"`
	ExecutionID string `json:"executionId"`
	SessionID   string `json:"sessionId"`
	Type        string `json:"streamEventType"`
	Payload     string `json:"payload"`
	Timestamp   int64  `json:"timestamp"`
}

// Filter selects a subset of a session's events. All set dimensions are
// conjunctive. Zero values mean "unbounded": FromID=0 matches every id
// (ids start at 1), empty slices match every execution/type, and zero
// times impose no bound. FromID is exclusive; StartTime/EndTime are
// inclusive.
type Filter struct {
	FromID       int64
	ExecutionIDs []string
	EventTypes   []string
	StartTime    int64
	EndTime      int64
}

// Matches reports whether a live event satisfies the filter. It must agree
// with the SQL predicate built in QueryEvents so that replayed and live
// delivery select the same rows.
func (f Filter) Matches(ev Event) bool {
	if ev.ID <= f.FromID {
		return false
	}
	if len(f.ExecutionIDs) > 0 && !slices.Contains(f.ExecutionIDs, ev.ExecutionID) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if f.StartTime != 0 && ev.Timestamp < f.StartTime {
		return false
	}
	if f.EndTime != 0 && ev.Timestamp > f.EndTime {
		return false
	}
	return true
}

// AppendEvent inserts a new event row and returns its assigned id.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (int64, error) {
	if strings.TrimSpace(ev.SessionID) == "" {
		return 0, errors.New("missing session_id")
	}
	if strings.TrimSpace(ev.ExecutionID) == "" {
		return 0, errors.New("missing execution_id")
	}
	if strings.TrimSpace(ev.Type) == "" {
		return 0, errors.New("missing stream_event_type")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (execution_id, session_id, stream_event_type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ExecutionID, ev.SessionID, ev.Type, ev.Payload, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("append event for session %s: %w", ev.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resolve appended event id: %w", err)
	}
	return id, nil
}

// QueryEvents returns the session's events matching the filter, ordered by
// id ascending.
func (s *Store) QueryEvents(ctx context.Context, sessionID string, f Filter) ([]Event, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("missing session_id")
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, execution_id, session_id, stream_event_type, payload, timestamp
		FROM events
		WHERE session_id = ? AND id > ?
	`)
	args := []any{sessionID, f.FromID}

	if len(f.ExecutionIDs) > 0 {
		query.WriteString(" AND execution_id IN (" + placeholders(len(f.ExecutionIDs)) + ")")
		for _, id := range f.ExecutionIDs {
			args = append(args, id)
		}
	}
	if len(f.EventTypes) > 0 {
		query.WriteString(" AND stream_event_type IN (" + placeholders(len(f.EventTypes)) + ")")
		for _, typ := range f.EventTypes {
			args = append(args, typ)
		}
	}
	if f.StartTime != 0 {
		query.WriteString(" AND timestamp >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime != 0 {
		query.WriteString(" AND timestamp <= ?")
		args = append(args, f.EndTime)
	}
	query.WriteString(" ORDER BY id ASC")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.SessionID, &ev.Type, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest event id for the session, or 0 when the
// session has no events.
func (s *Store) LatestEventID(ctx context.Context, sessionID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM events WHERE session_id = ?
	`, sessionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query latest event id for session %s: %w", sessionID, err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// CountEventsByExecution returns the number of stored events for one execution.
func (s *Store) CountEventsByExecution(ctx context.Context, executionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE execution_id = ?
	`, executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events for execution %s: %w", executionID, err)
	}
	return count, nil
}

// DeleteEventsBefore removes a session's events older than the cutoff
// timestamp. It is the retention sweep; callers decide the schedule.
func (s *Store) DeleteEventsBefore(ctx context.Context, sessionID string, cutoff int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE session_id = ? AND timestamp < ?
	`, sessionID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep events for session %s: %w", sessionID, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
