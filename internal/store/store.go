// ABOUTME: Store interfaces and data types for engine-gateway persistence
// ABOUTME: Defines User and Turn records plus the UserStore and TurnStore interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist, or exists
// but is not owned by the requesting user.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when creating a user whose normalized email is already registered.
var ErrEmailExists = errors.New("email already registered")

// User is a credential record. PasswordHash is a bcrypt hash; plaintext
// passwords never reach the store.
type User struct {
	ID           string
	Email        string // normalized (trimmed, lower-case)
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Turn is one persisted query/response exchange. Turns are immutable once written.
type Turn struct {
	ID        string
	UserID    string
	AgentName string
	Message   string // contextualized request text as sent upstream
	Response  string // full assembled answer
	Timestamp time.Time
}

// UserStore persists credential records.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// DeleteUserCascade removes the user and every turn they own.
	// Returns ErrNotFound if the user does not exist.
	DeleteUserCascade(ctx context.Context, id string) error
}

// TurnStore persists query history. Every read and delete is scoped by user ID.
type TurnStore interface {
	SaveTurn(ctx context.Context, turn *Turn) error

	// ListTurns returns the user's most recent turns, newest first.
	ListTurns(ctx context.Context, userID string, limit int) ([]*Turn, error)

	// GetTurn returns ErrNotFound when the turn is missing or owned by someone else.
	GetTurn(ctx context.Context, userID, id string) (*Turn, error)

	// DeleteTurn returns ErrNotFound when the turn is missing or owned by someone else.
	DeleteTurn(ctx context.Context, userID, id string) error

	// DeleteTurns removes every turn owned by userID and returns how many were removed.
	DeleteTurns(ctx context.Context, userID string) (int, error)

	// TurnCounts returns the number of stored turns per user ID.
	TurnCounts(ctx context.Context) (map[string]int, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	UserStore
	TurnStore

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
