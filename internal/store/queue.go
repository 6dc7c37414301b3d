package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueuedCommand is one pending launch request waiting for the session's
// running slot to free up. Dequeue order is insertion order per session.
type QueuedCommand struct {
	ID          int64
	SessionID   string
	ExecutionID string
	MessageJSON string
	CreatedAt   int64
}

// Enqueue appends a command to the session's queue and returns its id.
func (s *Store) Enqueue(ctx context.Context, sessionID, executionID, messageJSON string) (int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, errors.New("missing session_id")
	}
	if strings.TrimSpace(executionID) == "" {
		return 0, errors.New("missing execution_id")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (session_id, execution_id, message_json, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, executionID, messageJSON, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue command for session %s: %w", sessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resolve enqueued command id: %w", err)
	}
	return id, nil
}

// PeekOldest returns the oldest queued command for the session without
// removing it, or nil when the queue is empty.
func (s *Store) PeekOldest(ctx context.Context, sessionID string) (*QueuedCommand, error) {
	var cmd QueuedCommand
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, execution_id, message_json, created_at
		FROM command_queue
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT 1
	`, sessionID).Scan(&cmd.ID, &cmd.SessionID, &cmd.ExecutionID, &cmd.MessageJSON, &cmd.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek queue for session %s: %w", sessionID, err)
	}
	return &cmd, nil
}

// DequeueByID removes a specific queue entry after it has been processed.
func (s *Store) DequeueByID(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM command_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeue command %d: %w", id, err)
	}
	return nil
}

// CountQueued returns the session's queue depth.
func (s *Store) CountQueued(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM command_queue WHERE session_id = ?
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued commands for session %s: %w", sessionID, err)
	}
	return count, nil
}

// DeleteExpired purges queue entries older than maxAge so a backlog of
// abandoned follow-ups cannot block new ones. Returns the number removed.
func (s *Store) DeleteExpired(ctx context.Context, sessionID string, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_queue WHERE session_id = ? AND created_at < ?
	`, sessionID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired commands for session %s: %w", sessionID, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return removed, nil
}
