// ABOUTME: Query history persistence for SQLiteStore
// ABOUTME: Every read and delete is filtered by owning user ID

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveTurn persists a completed query/response exchange.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO query_history (id, user_id, agent_name, message, response, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		turn.ID,
		turn.UserID,
		turn.AgentName,
		turn.Message,
		turn.Response,
		turn.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	s.logger.Debug("saved turn", "turn_id", turn.ID, "user_id", turn.UserID, "agent", turn.AgentName)
	return nil
}

// ListTurns returns up to limit turns for the user, newest first.
// A non-positive limit returns all turns.
func (s *SQLiteStore) ListTurns(ctx context.Context, userID string, limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `
		SELECT id, user_id, agent_name, message, response, timestamp
		FROM query_history
		WHERE user_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	turns := []*Turn{}
	for rows.Next() {
		var t Turn
		var ts string
		if err := rows.Scan(&t.ID, &t.UserID, &t.AgentName, &t.Message, &t.Response, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}

	return turns, nil
}

// GetTurn retrieves a single turn owned by userID.
func (s *SQLiteStore) GetTurn(ctx context.Context, userID, id string) (*Turn, error) {
	query := `
		SELECT id, user_id, agent_name, message, response, timestamp
		FROM query_history
		WHERE id = ? AND user_id = ?
	`

	var t Turn
	var ts string
	err := s.db.QueryRowContext(ctx, query, id, userID).
		Scan(&t.ID, &t.UserID, &t.AgentName, &t.Message, &t.Response, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn: %w", err)
	}
	if t.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

// DeleteTurn removes a turn owned by userID.
func (s *SQLiteStore) DeleteTurn(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM query_history WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting turn: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted turn", "turn_id", id, "user_id", userID)
	return nil
}

// DeleteTurns removes all turns owned by userID.
func (s *SQLiteStore) DeleteTurns(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM query_history WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting turns: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	s.logger.Info("purged history", "user_id", userID, "turns_removed", rows)
	return int(rows), nil
}

// TurnCounts returns the number of stored turns per user.
func (s *SQLiteStore) TurnCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, COUNT(*) FROM query_history GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("counting turns: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counts: %w", err)
	}
	return counts, nil
}
