// ABOUTME: User credential persistence for SQLiteStore
// ABOUTME: Handles signup records, email lookup, and account deletion with history cascade

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NormalizeEmail trims surrounding whitespace and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser stores a new user. Returns ErrEmailExists when the normalized
// email is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	email := NormalizeEmail(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	query := `
		INSERT INTO users (user_id, email, password_hash, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		email,
		user.PasswordHash,
		boolToInt(user.Active),
		user.CreatedAt.UTC().Format(timeFormat),
		user.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "users.email") {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	user.Email = email
	s.logger.Debug("created user", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT user_id, email, password_hash, active, created_at, updated_at
		FROM users
		WHERE user_id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail retrieves a user by email. The lookup is case-insensitive.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT user_id, email, password_hash, active, created_at, updated_at
		FROM users
		WHERE email = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var active int
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.Active = active != 0
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &u, nil
}

// DeleteUserCascade removes the user and all of their query history in one transaction.
func (s *SQLiteStore) DeleteUserCascade(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	turns, err := tx.ExecContext(ctx, `DELETE FROM query_history WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	removed, _ := turns.RowsAffected()
	s.logger.Info("deleted user", "user_id", id, "turns_removed", removed)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeFormat is fixed width so stored timestamps sort lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// parseTime accepts both nanosecond and second precision RFC3339 timestamps.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}
